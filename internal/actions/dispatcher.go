// Package actions fires side effects (notifications, tickets, SIEM forwards)
// for alerts whose category calls for them, retrying transient failures and
// recording every outcome on the alert.
package actions

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/alertforge/internal/alert"
	"github.com/lvonguyen/alertforge/internal/observability"
	"github.com/lvonguyen/alertforge/internal/scoring"
)

// Publisher receives a notification once an alert has been actioned.
type Publisher interface {
	Publish(channel, msgType string, data any)
}

// ChannelNotifications carries dispatch outcomes to observers.
const ChannelNotifications = "notifications"

var (
	ErrQueueFull        = errors.New("dispatch queue full")
	ErrDispatcherClosed = errors.New("dispatcher closed")
)

// Config configures the dispatcher.
type Config struct {
	RetryConfig    `yaml:",inline"`
	Timeout        time.Duration `yaml:"timeout"` // per sink attempt
	Workers        int           `yaml:"workers"`
	QueueSize      int           `yaml:"queue_size"`
	EnqueueTimeout time.Duration `yaml:"enqueue_timeout"`
}

// DefaultConfig returns default dispatcher configuration.
func DefaultConfig() Config {
	return Config{
		RetryConfig:    DefaultRetryConfig(),
		Timeout:        10 * time.Second,
		Workers:        4,
		QueueSize:      256,
		EnqueueTimeout: 100 * time.Millisecond,
	}
}

// ShouldDispatch decides whether an upsert warrants side effects: new alerts
// and escalations do, re-deliveries at the same or a lower category and
// resolved alerts never do. Categories with no recommended actions are
// skipped.
func ShouldDispatch(res alert.UpsertResult) bool {
	if res.Alert.Status == alert.StatusResolved {
		return false
	}
	if len(scoring.RecommendedActions(res.Alert.Category)) == 0 {
		return false
	}
	return res.IsNew || res.Alert.Category.Rank() > res.PreviousCategory.Rank()
}

// ActionResult is the outcome of dispatching one alert.
type ActionResult struct {
	Fingerprint string               `json:"fingerprint"`
	Category    scoring.Category     `json:"category"`
	Status      alert.Status         `json:"status"`
	Records     []alert.ActionRecord `json:"actions"`
}

// Dispatcher runs sinks for alerts on a bounded worker pool.
type Dispatcher struct {
	config    Config
	store     alert.Store
	publisher Publisher
	sinks     map[scoring.ActionKind][]Sink
	retrier   *retrier
	logger    *zap.Logger
	metrics   *observability.Metrics
	now       func() time.Time

	jobs   chan alert.Alert
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// NewDispatcher creates a dispatcher. Call Start to launch the workers.
func NewDispatcher(config Config, store alert.Store, publisher Publisher, logger *zap.Logger, metrics *observability.Metrics, sinks ...Sink) *Dispatcher {
	d := DefaultConfig()
	if config.Timeout <= 0 {
		config.Timeout = d.Timeout
	}
	if config.Workers <= 0 {
		config.Workers = d.Workers
	}
	if config.QueueSize <= 0 {
		config.QueueSize = d.QueueSize
	}
	if config.EnqueueTimeout <= 0 {
		config.EnqueueTimeout = d.EnqueueTimeout
	}

	byKind := make(map[scoring.ActionKind][]Sink)
	for _, s := range sinks {
		byKind[s.Kind()] = append(byKind[s.Kind()], s)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		config:    config,
		store:     store,
		publisher: publisher,
		sinks:     byKind,
		retrier:   newRetrier(config.RetryConfig),
		logger:    logger.Named("dispatcher"),
		metrics:   metrics,
		now:       time.Now,
		jobs:      make(chan alert.Alert, config.QueueSize),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start launches the worker pool.
func (d *Dispatcher) Start() {
	for i := 0; i < d.config.Workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for a := range d.jobs {
				d.Dispatch(d.ctx, a)
			}
		}()
	}
	d.logger.Info("Dispatcher started",
		zap.Int("workers", d.config.Workers),
		zap.Int("queue_size", d.config.QueueSize),
	)
}

// Submit queues an alert for dispatch, waiting at most EnqueueTimeout for
// room. When the queue stays full a failed record is stored for every sink
// that would have run.
func (d *Dispatcher) Submit(ctx context.Context, a alert.Alert) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}

	timer := time.NewTimer(d.config.EnqueueTimeout)
	defer timer.Stop()

	select {
	case d.jobs <- a:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}

	d.logger.Warn("Dispatch queue full, dropping alert",
		zap.String("fingerprint", a.Fingerprint),
		zap.String("category", string(a.Category)),
	)
	for _, s := range d.targets(a.Category) {
		rec := alert.ActionRecord{
			Kind:  s.Kind(),
			Sink:  s.Name(),
			Error: ErrQueueFull.Error(),
			At:    d.now(),
		}
		d.metrics.ObserveAction(string(rec.Kind), rec.Sink, false, 0)
		d.persist(a.Fingerprint, rec)
	}
	return ErrQueueFull
}

// Dispatch runs every sink for the alert's recommended actions concurrently,
// records each outcome, marks the alert ACTIONED and publishes a
// notification. Sink failures never surface as errors.
func (d *Dispatcher) Dispatch(ctx context.Context, a alert.Alert) ActionResult {
	targets := d.targets(a.Category)
	records := make([]alert.ActionRecord, len(targets))

	var wg sync.WaitGroup
	for i, s := range targets {
		wg.Add(1)
		go func(i int, s Sink) {
			defer wg.Done()
			records[i] = d.run(ctx, s, a)
		}(i, s)
	}
	wg.Wait()

	for _, rec := range records {
		d.persist(a.Fingerprint, rec)
	}

	result := ActionResult{
		Fingerprint: a.Fingerprint,
		Category:    a.Category,
		Status:      a.Status,
		Records:     records,
	}

	storeCtx, cancel := d.storeContext(ctx)
	defer cancel()
	updated, err := d.store.Transition(storeCtx, a.Fingerprint, alert.StatusActioned, nil)
	switch {
	case err == nil:
		result.Status = updated.Status
	case errors.Is(err, alert.ErrInvalidTransition):
		// An operator moved the alert on while sinks were running.
		d.logger.Debug("Alert left SCORED during dispatch",
			zap.String("fingerprint", a.Fingerprint),
			zap.Error(err),
		)
	default:
		d.logger.Error("Failed to mark alert actioned",
			zap.String("fingerprint", a.Fingerprint),
			zap.Error(err),
		)
	}

	if d.publisher != nil {
		d.publisher.Publish(ChannelNotifications, "alert.actioned", result)
	}
	return result
}

// Shutdown stops accepting alerts and waits for queued work. In-flight
// retries are cancelled once ctx expires.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.jobs)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}

func (d *Dispatcher) targets(c scoring.Category) []Sink {
	var out []Sink
	for _, kind := range scoring.RecommendedActions(c) {
		out = append(out, d.sinks[kind]...)
	}
	return out
}

func (d *Dispatcher) run(ctx context.Context, s Sink, a alert.Alert) alert.ActionRecord {
	attempts, err := d.retrier.do(ctx, func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, d.config.Timeout)
		defer cancel()
		return s.Execute(attemptCtx, a)
	})

	rec := alert.ActionRecord{
		Kind:     s.Kind(),
		Sink:     s.Name(),
		Success:  err == nil,
		Attempts: attempts,
		At:       d.now(),
	}
	if err != nil {
		rec.Error = err.Error()
		d.logger.Warn("Action failed",
			zap.String("fingerprint", a.Fingerprint),
			zap.String("sink", s.Name()),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
	}
	d.metrics.ObserveAction(string(rec.Kind), rec.Sink, rec.Success, attempts)
	return rec
}

func (d *Dispatcher) persist(fingerprint string, rec alert.ActionRecord) {
	ctx, cancel := d.storeContext(context.Background())
	defer cancel()
	if _, err := d.store.AppendAction(ctx, fingerprint, rec); err != nil {
		d.logger.Error("Failed to record action",
			zap.String("fingerprint", fingerprint),
			zap.String("sink", rec.Sink),
			zap.Error(err),
		)
	}
}

// storeContext detaches store writes from dispatch cancellation so outcomes
// are recorded even during shutdown.
func (d *Dispatcher) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
}
