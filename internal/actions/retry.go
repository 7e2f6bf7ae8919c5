package actions

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"net/http"
	"sync"
	"time"
)

// ActionError is a failed sink call.
type ActionError struct {
	Sink       string
	StatusCode int // 0 for transport failures
	Transient  bool
	Err        error
}

func (e *ActionError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Sink, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Sink, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

// statusError classifies a non-2xx response: 429 and 5xx are worth retrying,
// every other 4xx is not.
func statusError(sink string, code int, body string) *ActionError {
	return &ActionError{
		Sink:       sink,
		StatusCode: code,
		Transient:  code == http.StatusTooManyRequests || code >= 500,
		Err:        fmt.Errorf("unexpected response: %s", body),
	}
}

// transportError wraps a failure to get any response at all.
func transportError(sink string, err error) *ActionError {
	return &ActionError{Sink: sink, Transient: true, Err: err}
}

// IsTransient reports whether err is worth retrying. Network errors and
// deadline expiries are; cancellation of the caller's context is not.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var ae *ActionError
	if errors.As(err, &ae) {
		return ae.Transient
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// RetryConfig configures sink retries.
type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	Multiplier     float64       `yaml:"-"`
	Jitter         float64       `yaml:"-"` // fraction of the delay, 0-1
}

// DefaultRetryConfig returns default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    4,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		Multiplier:     2.0,
		Jitter:         0.2,
	}
}

type retrier struct {
	config RetryConfig
	mu     sync.Mutex
	rand   *rand.Rand
}

func newRetrier(config RetryConfig) *retrier {
	d := DefaultRetryConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = d.MaxAttempts
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = d.InitialBackoff
	}
	if config.MaxBackoff < config.InitialBackoff {
		config.MaxBackoff = max(d.MaxBackoff, config.InitialBackoff)
	}
	if config.Multiplier < 1 {
		config.Multiplier = d.Multiplier
	}
	if config.Jitter <= 0 || config.Jitter > 1 {
		config.Jitter = d.Jitter
	}
	return &retrier{
		config: config,
		rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// do runs op until it succeeds, fails permanently, runs out of attempts or
// ctx is cancelled. It returns the number of attempts made.
func (r *retrier) do(ctx context.Context, op func(ctx context.Context) error) (int, error) {
	var lastErr error
	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		err := op(ctx)
		if err == nil {
			return attempt, nil
		}
		lastErr = err

		if !IsTransient(err) || attempt == r.config.MaxAttempts {
			return attempt, lastErr
		}

		timer := time.NewTimer(r.delay(attempt - 1))
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, fmt.Errorf("retry cancelled: %w", errors.Join(lastErr, ctx.Err()))
		case <-timer.C:
		}
	}
	return r.config.MaxAttempts, lastErr
}

// delay is the wait after the given zero-based retry, jittered either way
// and never above MaxBackoff.
func (r *retrier) delay(retry int) time.Duration {
	base := float64(r.config.InitialBackoff) * math.Pow(r.config.Multiplier, float64(retry))
	if base > float64(r.config.MaxBackoff) {
		base = float64(r.config.MaxBackoff)
	}

	r.mu.Lock()
	jitter := (r.rand.Float64()*2 - 1) * r.config.Jitter * base
	r.mu.Unlock()

	d := base + jitter
	if d > float64(r.config.MaxBackoff) {
		d = float64(r.config.MaxBackoff)
	}
	return time.Duration(d)
}
