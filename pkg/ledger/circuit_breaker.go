package ledger

import (
	"context"
	"errors"
	"sync"
	"time"
)

// CircuitBreakerState represents the current state of the circuit breaker.
type CircuitBreakerState string

const (
	StateClosed   CircuitBreakerState = "closed"
	StateOpen     CircuitBreakerState = "open"
	StateHalfOpen CircuitBreakerState = "half_open"
)

var (
	// ErrCircuitOpen is returned when the circuit breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// CircuitBreaker guards calls to the remote record store.
type CircuitBreaker interface {
	// Execute executes the given function within the circuit breaker.
	Execute(ctx context.Context, fn func() error) error
	// State returns the current state of the circuit breaker.
	State() CircuitBreakerState
	// Reset closes the circuit and clears the failure count.
	Reset()
}

// DefaultCircuitBreaker opens after a run of consecutive connectivity failures.
// Errors that are not connectivity-classified (missing records, already applied
// payments) count as successes for the breaker.
type DefaultCircuitBreaker struct {
	mu sync.RWMutex

	state               CircuitBreakerState
	failureThreshold    int
	resetTimeout        time.Duration
	consecutiveFailures int
	lastFailureTime     time.Time

	onStateChange func(state CircuitBreakerState)
}

// NewDefaultCircuitBreaker creates a new default circuit breaker.
// A threshold below 1 is raised to 1.
func NewDefaultCircuitBreaker(failureThreshold int, resetTimeout time.Duration,
	onStateChange func(state CircuitBreakerState)) *DefaultCircuitBreaker {
	if failureThreshold < 1 {
		failureThreshold = 1
	}
	return &DefaultCircuitBreaker{
		state:            StateClosed,
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		onStateChange:    onStateChange,
	}
}

func (cb *DefaultCircuitBreaker) State() CircuitBreakerState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.currentState()
}

func (cb *DefaultCircuitBreaker) currentState() CircuitBreakerState {
	if cb.state == StateOpen && time.Since(cb.lastFailureTime) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

func (cb *DefaultCircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if cb.State() == StateOpen {
		return ErrCircuitOpen
	}

	err := fn()
	if err != nil && IsConnectivityError(err) {
		cb.failure()
		return err
	}

	cb.success()
	return err
}

func (cb *DefaultCircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.consecutiveFailures = 0
	cb.changeState(StateClosed)
}

func (cb *DefaultCircuitBreaker) success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateClosed {
		cb.changeState(StateClosed)
	}
	cb.consecutiveFailures = 0
}

func (cb *DefaultCircuitBreaker) failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state := cb.currentState()
	cb.consecutiveFailures++
	cb.lastFailureTime = time.Now()

	if state == StateHalfOpen || cb.consecutiveFailures >= cb.failureThreshold {
		cb.changeState(StateOpen)
	}
}

func (cb *DefaultCircuitBreaker) changeState(newState CircuitBreakerState) {
	if cb.state != newState {
		cb.state = newState
		if cb.onStateChange != nil {
			cb.onStateChange(newState)
		}
	}
}
