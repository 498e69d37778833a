// Package resilience provides a circuit breaker used to shield broker
// API calls from hammering an upstream that is already failing.
//
// Adapters run every transport call through a breaker. The registry
// serializes calls per account, so the breaker tracks consecutive
// outcomes; it does not limit concurrency.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// CircuitState is the breaker's position.
type CircuitState string

const (
	// CircuitClosed passes calls through.
	CircuitClosed CircuitState = "CLOSED"
	// CircuitOpen rejects calls until the cooldown elapses.
	CircuitOpen CircuitState = "OPEN"
	// CircuitHalfOpen lets probe calls through to test recovery.
	CircuitHalfOpen CircuitState = "HALF_OPEN"
)

// ErrCircuitOpen is returned while the breaker rejects calls. Adapters
// map it onto their own error type so callers see a broker fault, not
// this package.
var ErrCircuitOpen = errors.New("circuit open, upstream calls suspended")

// CircuitBreakerConfig tunes when the breaker trips and recovers.
type CircuitBreakerConfig struct {
	// FailureThreshold is how many consecutive failures trip the
	// breaker open.
	FailureThreshold int
	// ProbeSuccesses is how many consecutive half-open successes
	// close it again.
	ProbeSuccesses int
	// Cooldown is how long an open breaker rejects calls before
	// allowing a probe.
	Cooldown time.Duration
}

// DefaultCircuitBreakerConfig trips after 5 straight failures and
// probes again after 30 seconds. Broker outages during market hours
// tend to clear within a minute; anything longer needs the operator
// anyway.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		ProbeSuccesses:   2,
		Cooldown:         30 * time.Second,
	}
}

// CircuitBreaker tracks consecutive call outcomes against one
// upstream. Safe for concurrent use.
type CircuitBreaker struct {
	name string
	cfg  CircuitBreakerConfig

	mu           sync.Mutex
	state        CircuitState
	consecutive  int // failures while closed, successes while half-open
	openedAt     time.Time
	stateChanged time.Time

	calls     int64
	failures  int64
	rejected  int64
	lastError error
}

// NewCircuitBreaker returns a closed breaker named after its upstream.
func NewCircuitBreaker(name string, cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 1
	}
	if cfg.ProbeSuccesses <= 0 {
		cfg.ProbeSuccesses = 1
	}
	return &CircuitBreaker{
		name:         name,
		cfg:          cfg,
		state:        CircuitClosed,
		stateChanged: time.Now(),
	}
}

// Execute runs fn if the breaker allows it and records the outcome.
// The context is checked before the call; fn itself is expected to
// honor ctx, as the HTTP transports here do.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := cb.admit(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		cb.record(err)
		return err
	}
	err := fn()
	cb.record(err)
	return err
}

// ExecuteWithResult runs fn through cb and hands back its value.
func ExecuteWithResult[T any](cb *CircuitBreaker, ctx context.Context, fn func() (T, error)) (T, error) {
	var value T
	err := cb.Execute(ctx, func() error {
		var callErr error
		value, callErr = fn()
		return callErr
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return value, nil
}

// admit decides whether a call may proceed, moving an open breaker to
// half-open once the cooldown has elapsed.
func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen {
		if time.Since(cb.openedAt) < cb.cfg.Cooldown {
			cb.rejected++
			return ErrCircuitOpen
		}
		cb.shift(CircuitHalfOpen)
	}
	cb.calls++
	return nil
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.failures++
		cb.lastError = err
		switch cb.state {
		case CircuitHalfOpen:
			// The upstream is still sick, back off again.
			cb.shift(CircuitOpen)
			cb.openedAt = time.Now()
		case CircuitClosed:
			cb.consecutive++
			if cb.consecutive >= cb.cfg.FailureThreshold {
				cb.shift(CircuitOpen)
				cb.openedAt = time.Now()
			}
		}
		return
	}

	switch cb.state {
	case CircuitHalfOpen:
		cb.consecutive++
		if cb.consecutive >= cb.cfg.ProbeSuccesses {
			cb.shift(CircuitClosed)
		}
	case CircuitClosed:
		cb.consecutive = 0
	}
}

func (cb *CircuitBreaker) shift(next CircuitState) {
	cb.state = next
	cb.stateChanged = time.Now()
	cb.consecutive = 0
}

// State returns the breaker's current position.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Name returns the upstream this breaker guards.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Reset forces the breaker closed, clearing its counters. Used when an
// operator knows the upstream has recovered, and by tests.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.shift(CircuitClosed)
	cb.lastError = nil
}

// Snapshot is a point-in-time view of a breaker for logging.
type Snapshot struct {
	Name         string
	State        CircuitState
	Calls        int64
	Failures     int64
	Rejected     int64
	StateChanged time.Time
	LastError    error
}

// Snapshot reports the breaker's counters.
func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Snapshot{
		Name:         cb.name,
		State:        cb.state,
		Calls:        cb.calls,
		Failures:     cb.failures,
		Rejected:     cb.rejected,
		StateChanged: cb.stateChanged,
		LastError:    cb.lastError,
	}
}
