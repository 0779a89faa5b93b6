package ledger

import "time"

// Metrics defines the interface for tracking usage ledger operations.
type Metrics interface {
	// RecordIncrement records a usage increment and the backend that took it ("remote" or "mirror").
	RecordIncrement(backend string, success bool)

	// RecordCredit records a payment credit and the backend that took it.
	RecordCredit(backend string, success bool)

	// RecordLimitReached records a generation refused because the limit was reached.
	RecordLimitReached(regime string)

	// RecordStorageOperation records the duration and status of a storage operation.
	RecordStorageOperation(operation string, duration time.Duration, err error)

	// RecordModeChange records a session switching storage mode.
	RecordModeChange(mode string)

	// RecordCircuitBreakerStateChange records a circuit breaker state change.
	RecordCircuitBreakerStateChange(state string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordIncrement(backend string, success bool)                               {}
func (n *NoopMetrics) RecordCredit(backend string, success bool)                                  {}
func (n *NoopMetrics) RecordLimitReached(regime string)                                           {}
func (n *NoopMetrics) RecordStorageOperation(operation string, duration time.Duration, err error) {}
func (n *NoopMetrics) RecordModeChange(mode string)                                               {}
func (n *NoopMetrics) RecordCircuitBreakerStateChange(state string)                               {}
