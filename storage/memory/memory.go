// Package memory provides in-memory implementations of ledger.Storage and ledger.Mirror.
// Storage is intended for testing and development; Mirror is the default per-process
// local fallback.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/mihaimyh/celebmerge/pkg/ledger"
)

// Storage implements ledger.Storage using in-memory maps
type Storage struct {
	mu       sync.RWMutex
	records  map[string]*ledger.Record
	payments map[string]string // paymentIntentId -> userId
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		records:  make(map[string]*ledger.Record),
		payments: make(map[string]string),
	}
}

// GetRecord implements ledger.Storage
func (s *Storage) GetRecord(_ context.Context, userID string) (*ledger.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[userID]
	if !ok {
		return nil, ledger.ErrRecordNotFound
	}
	return copyRecord(rec), nil
}

// CreateRecord implements ledger.Storage
func (s *Storage) CreateRecord(_ context.Context, rec *ledger.Record) (*ledger.Record, error) {
	if rec == nil || rec.UserID == "" {
		return nil, ledger.ErrInvalidUserID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.records[rec.UserID]; ok {
		return copyRecord(existing), nil
	}
	s.records[rec.UserID] = copyRecord(rec)
	return copyRecord(rec), nil
}

// IncrementUsage implements ledger.Storage
func (s *Storage) IncrementUsage(_ context.Context, userID string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[userID]
	if !ok {
		return 0, ledger.ErrRecordNotFound
	}
	rec.UsageCount++
	rec.LastUsed = &at
	return rec.UsageCount, nil
}

// ResetUsage implements ledger.Storage
func (s *Storage) ResetUsage(_ context.Context, userID string, creditedUses int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[userID]
	if !ok {
		return ledger.ErrRecordNotFound
	}
	rec.UsageCount = 0
	rec.Regime = ledger.RegimePaid
	rec.CreditedUses = creditedUses
	rec.LastUsed = &at
	return nil
}

// ApplyPayment implements ledger.Storage
func (s *Storage) ApplyPayment(_ context.Context, credit *ledger.PaymentCredit) (*ledger.Record, error) {
	if credit == nil || credit.UserID == "" {
		return nil, ledger.ErrInvalidUserID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.payments[credit.PaymentIntentID]; ok {
		return nil, ledger.ErrPaymentAlreadyApplied
	}

	rec, ok := s.records[credit.UserID]
	if !ok {
		rec = &ledger.Record{
			UserID:    credit.UserID,
			CreatedAt: credit.Timestamp,
		}
		s.records[credit.UserID] = rec
	}
	rec.Credit(credit)
	s.payments[credit.PaymentIntentID] = credit.UserID

	return copyRecord(rec), nil
}

// SetUsage implements ledger.Storage
func (s *Storage) SetUsage(_ context.Context, userID string, entry *ledger.MirrorEntry) error {
	if entry == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[userID]
	if !ok {
		rec = &ledger.Record{UserID: userID, CreatedAt: entry.UpdatedAt}
		s.records[userID] = rec
	}
	at := entry.UpdatedAt
	rec.UsageCount = entry.UsageCount
	rec.Regime = entry.Regime
	rec.CreditedUses = entry.CreditedUses
	rec.LastUsed = &at
	return nil
}

// Ping implements ledger.Storage
func (s *Storage) Ping(_ context.Context) error {
	return nil
}

func copyRecord(rec *ledger.Record) *ledger.Record {
	out := *rec
	if rec.LastUsed != nil {
		t := *rec.LastUsed
		out.LastUsed = &t
	}
	if rec.PaymentHistory != nil {
		out.PaymentHistory = append([]ledger.PaymentEntry(nil), rec.PaymentHistory...)
	}
	return &out
}

// Mirror implements ledger.Mirror using an in-memory map
type Mirror struct {
	mu      sync.RWMutex
	entries map[string]ledger.MirrorEntry
}

// NewMirror creates an empty in-memory mirror
func NewMirror() *Mirror {
	return &Mirror{entries: make(map[string]ledger.MirrorEntry)}
}

// Load implements ledger.Mirror
func (m *Mirror) Load(_ context.Context, userID string) (*ledger.MirrorEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.entries[userID]
	if !ok {
		return nil, nil
	}
	return &entry, nil
}

// Store implements ledger.Mirror
func (m *Mirror) Store(_ context.Context, userID string, entry *ledger.MirrorEntry) error {
	if entry == nil {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[userID] = *entry
	return nil
}
