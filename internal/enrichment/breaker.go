package enrichment

import (
	"sync"
	"time"
)

// CircuitState is the state of a provider circuit breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures a provider circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"` // consecutive failures before opening
	Cooldown         time.Duration `yaml:"cooldown"`          // time spent open before a trial call
}

// DefaultBreakerConfig returns sensible defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
	}
}

// CircuitBreaker guards one provider. It is shared by every request that
// talks to that provider.
//
// Closed: calls pass; FailureThreshold consecutive failures open the circuit.
// Open: calls are rejected until Cooldown has elapsed since opening.
// HalfOpen: exactly one trial call is admitted; success closes the circuit,
// failure re-opens it and restarts the cool-down.
//
// Every transition starts a new generation. Outcomes are reported against the
// Ticket returned by Allow, and outcomes from an earlier generation are
// dropped, so a slow call admitted while closed cannot settle a later trial.
type CircuitBreaker struct {
	name   string
	config BreakerConfig

	mu            sync.Mutex
	state         CircuitState
	generation    uint64
	failureCount  int
	openedAt      time.Time
	trialInFlight bool

	now      func() time.Time
	onChange func(name string, from, to CircuitState)
}

// Ticket identifies one admitted call.
type Ticket struct {
	generation uint64
	trial      bool
}

// NewCircuitBreaker creates a closed breaker for the named provider.
func NewCircuitBreaker(name string, config BreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = DefaultBreakerConfig().Cooldown
	}
	return &CircuitBreaker{
		name:   name,
		config: config,
		state:  CircuitClosed,
		now:    time.Now,
	}
}

// OnStateChange registers a callback invoked on every transition. It runs
// with the breaker lock held and must not call back into the breaker.
func (cb *CircuitBreaker) OnStateChange(fn func(name string, from, to CircuitState)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onChange = fn
}

// Allow reports whether a call may proceed. An admitted call must report its
// outcome with RecordSuccess, RecordFailure or Release using the returned
// ticket. In half-open state the ticket holds the single trial slot.
func (cb *CircuitBreaker) Allow() (Ticket, bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return Ticket{generation: cb.generation}, true
	case CircuitOpen:
		if cb.now().Sub(cb.openedAt) < cb.config.Cooldown {
			return Ticket{}, false
		}
		cb.transition(CircuitHalfOpen)
		cb.trialInFlight = true
		return Ticket{generation: cb.generation, trial: true}, true
	case CircuitHalfOpen:
		if cb.trialInFlight {
			return Ticket{}, false
		}
		cb.trialInFlight = true
		return Ticket{generation: cb.generation, trial: true}, true
	default:
		return Ticket{}, false
	}
}

// RecordSuccess records a successful call.
func (cb *CircuitBreaker) RecordSuccess(t Ticket) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if t.generation != cb.generation {
		return
	}

	switch cb.state {
	case CircuitClosed:
		cb.failureCount = 0
	case CircuitHalfOpen:
		if t.trial {
			cb.trialInFlight = false
			cb.transition(CircuitClosed)
		}
	}
}

// RecordFailure records a failed call. Timeouts count as failures.
func (cb *CircuitBreaker) RecordFailure(t Ticket) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if t.generation != cb.generation {
		return
	}

	switch cb.state {
	case CircuitClosed:
		cb.failureCount++
		if cb.failureCount >= cb.config.FailureThreshold {
			cb.open()
		}
	case CircuitHalfOpen:
		if t.trial {
			cb.trialInFlight = false
			cb.open()
		}
	}
}

// Release gives back a half-open trial slot without an outcome, for calls
// that were admitted but never made.
func (cb *CircuitBreaker) Release(t Ticket) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if t.trial && t.generation == cb.generation && cb.state == CircuitHalfOpen {
		cb.trialInFlight = false
	}
}

// State returns the current state without side effects.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// BreakerStats is a point-in-time snapshot of a breaker.
type BreakerStats struct {
	Provider     string    `json:"provider"`
	State        string    `json:"state"`
	FailureCount int       `json:"failure_count"`
	OpenedAt     time.Time `json:"opened_at,omitempty"`
}

// Stats returns a snapshot of the breaker.
func (cb *CircuitBreaker) Stats() BreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return BreakerStats{
		Provider:     cb.name,
		State:        cb.state.String(),
		FailureCount: cb.failureCount,
		OpenedAt:     cb.openedAt,
	}
}

func (cb *CircuitBreaker) open() {
	cb.openedAt = cb.now()
	cb.failureCount = 0
	cb.transition(CircuitOpen)
}

func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.state
	cb.state = to
	cb.generation++
	if from != to && cb.onChange != nil {
		cb.onChange(cb.name, from, to)
	}
}
