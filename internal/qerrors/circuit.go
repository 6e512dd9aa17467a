package qerrors

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when a request is refused because the
// breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the breaker state.
type State int

const (
	// StateClosed passes requests through normally.
	StateClosed State = iota
	// StateOpen refuses requests until the reset timeout elapses.
	StateOpen
	// StateHalfOpen lets a single request through to test recovery.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker fails fast once an upstream keeps erroring, so a dead
// Ollama daemon costs one refused call instead of a full timeout per
// query. After resetTimeout the breaker goes half-open and a single
// success closes it again.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration

	mu          sync.RWMutex
	state       State
	failures    int
	lastFailure time.Time
}

// CircuitBreakerOption configures a CircuitBreaker.
type CircuitBreakerOption func(*CircuitBreaker)

// WithMaxFailures sets how many consecutive failures open the circuit.
func WithMaxFailures(n int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.maxFailures = n
	}
}

// WithResetTimeout sets how long the circuit stays open before a
// recovery attempt.
func WithResetTimeout(d time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.resetTimeout = d
	}
}

// NewCircuitBreaker creates a closed breaker. Defaults open after 5
// failures and retry after 30 seconds.
func NewCircuitBreaker(name string, opts ...CircuitBreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:         name,
		maxFailures:  5,
		resetTimeout: 30 * time.Second,
		state:        StateClosed,
	}

	for _, opt := range opts {
		opt(cb)
	}

	return cb
}

// State returns the effective state, accounting for an elapsed reset
// timeout.
func (cb *CircuitBreaker) State() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.currentState()
}

// currentState must be called with at least a read lock held.
func (cb *CircuitBreaker) currentState() State {
	if cb.state == StateOpen && time.Since(cb.lastFailure) > cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Allow reports whether a request may proceed right now.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.currentState() != StateOpen
}

// RecordSuccess resets the failure count and closes the circuit.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	cb.state = StateClosed
}

// RecordFailure counts a failure, opening the circuit at the threshold.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailure = time.Now()

	if cb.failures >= cb.maxFailures {
		cb.state = StateOpen
	}
}

// begin resolves the state a request runs under, pinning half-open so
// the timeout cannot flip the stored state mid-request.
func (cb *CircuitBreaker) begin() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state := cb.currentState()
	if state == StateHalfOpen {
		cb.state = StateHalfOpen
	}
	return state
}

// settle applies the request outcome. A half-open failure reopens the
// circuit immediately rather than counting toward maxFailures.
func (cb *CircuitBreaker) settle(state State, err error) {
	if err == nil {
		cb.RecordSuccess()
		return
	}

	if state == StateHalfOpen {
		cb.mu.Lock()
		cb.state = StateOpen
		cb.lastFailure = time.Now()
		cb.mu.Unlock()
		return
	}

	cb.RecordFailure()
}

// Execute runs fn under the breaker. Returns ErrCircuitOpen without
// calling fn when the circuit is open.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	state := cb.begin()
	if state == StateOpen {
		return ErrCircuitOpen
	}

	err := fn()
	cb.settle(state, err)
	return err
}

// CircuitExecuteWithResult runs fn under the breaker, calling fallback
// instead when the circuit is open or the half-open attempt fails.
func CircuitExecuteWithResult[T any](cb *CircuitBreaker, fn func() (T, error), fallback func() (T, error)) (T, error) {
	state := cb.begin()
	if state == StateOpen {
		return fallback()
	}

	result, err := fn()
	cb.settle(state, err)

	if err != nil && state == StateHalfOpen {
		return fallback()
	}
	return result, err
}
