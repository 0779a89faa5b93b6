package ledger

import (
	"context"
	"time"
)

// CircuitBreakerStorage wraps a Storage implementation with circuit breaker protection
// and per-operation metrics.
type CircuitBreakerStorage struct {
	storage Storage
	cb      CircuitBreaker
	metrics Metrics
}

// NewCircuitBreakerStorage creates a new storage wrapper with circuit breaker.
func NewCircuitBreakerStorage(storage Storage, cb CircuitBreaker, metrics Metrics) *CircuitBreakerStorage {
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	return &CircuitBreakerStorage{
		storage: storage,
		cb:      cb,
		metrics: metrics,
	}
}

// Breaker returns the wrapped circuit breaker.
func (s *CircuitBreakerStorage) Breaker() CircuitBreaker {
	return s.cb
}

func (s *CircuitBreakerStorage) execute(ctx context.Context, operation string, fn func() error) error {
	start := time.Now()
	err := s.cb.Execute(ctx, fn)
	s.metrics.RecordStorageOperation(operation, time.Since(start), err)
	return err
}

func (s *CircuitBreakerStorage) GetRecord(ctx context.Context, userID string) (*Record, error) {
	var rec *Record
	err := s.execute(ctx, "get_record", func() error {
		var e error
		rec, e = s.storage.GetRecord(ctx, userID)
		return e
	})
	return rec, err
}

func (s *CircuitBreakerStorage) CreateRecord(ctx context.Context, rec *Record) (*Record, error) {
	var stored *Record
	err := s.execute(ctx, "create_record", func() error {
		var e error
		stored, e = s.storage.CreateRecord(ctx, rec)
		return e
	})
	return stored, err
}

func (s *CircuitBreakerStorage) IncrementUsage(ctx context.Context, userID string, at time.Time) (int, error) {
	var count int
	err := s.execute(ctx, "increment_usage", func() error {
		var e error
		count, e = s.storage.IncrementUsage(ctx, userID, at)
		return e
	})
	return count, err
}

func (s *CircuitBreakerStorage) ResetUsage(ctx context.Context, userID string, creditedUses int, at time.Time) error {
	return s.execute(ctx, "reset_usage", func() error {
		return s.storage.ResetUsage(ctx, userID, creditedUses, at)
	})
}

func (s *CircuitBreakerStorage) ApplyPayment(ctx context.Context, credit *PaymentCredit) (*Record, error) {
	var rec *Record
	err := s.execute(ctx, "apply_payment", func() error {
		var e error
		rec, e = s.storage.ApplyPayment(ctx, credit)
		return e
	})
	return rec, err
}

func (s *CircuitBreakerStorage) SetUsage(ctx context.Context, userID string, entry *MirrorEntry) error {
	return s.execute(ctx, "set_usage", func() error {
		return s.storage.SetUsage(ctx, userID, entry)
	})
}

// Ping bypasses an open circuit so that an explicit re-probe can close it again.
func (s *CircuitBreakerStorage) Ping(ctx context.Context) error {
	start := time.Now()
	err := s.storage.Ping(ctx)
	s.metrics.RecordStorageOperation("ping", time.Since(start), err)
	if err == nil {
		s.cb.Reset()
	}
	return err
}
