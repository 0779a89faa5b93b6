package ledger

import (
	"context"
	"time"
)

// Storage defines the remote record store for usage documents.
// The ledger and the payment bridge both write through it without coordinated locking.
type Storage interface {
	// GetRecord retrieves the user's record
	// Returns ErrRecordNotFound if the user has none
	GetRecord(ctx context.Context, userID string) (*Record, error)

	// CreateRecord stores a new record if none exists for rec.UserID.
	// An existing record is left untouched and returned.
	CreateRecord(ctx context.Context, rec *Record) (*Record, error)

	// IncrementUsage atomically adds one to usageCount and updates lastUsed
	// Returns the new usage count
	IncrementUsage(ctx context.Context, userID string, at time.Time) (int, error)

	// ResetUsage sets usageCount to 0 and moves the record to the paid regime
	// with creditedUses available
	ResetUsage(ctx context.Context, userID string, creditedUses int, at time.Time) error

	// ApplyPayment appends a payment to the history, adds its uses to totalUses and
	// resets usageCount, creating the record if absent.
	// Returns ErrPaymentAlreadyApplied if the intent was credited before.
	ApplyPayment(ctx context.Context, credit *PaymentCredit) (*Record, error)

	// SetUsage overwrites usageCount, regime and creditedUses with the mirrored values,
	// creating the record if absent. Used when reconciling the mirror back.
	SetUsage(ctx context.Context, userID string, entry *MirrorEntry) error

	// Ping checks that the store is reachable
	Ping(ctx context.Context) error
}

// Mirror defines the local fallback store used while the remote store is unreachable
type Mirror interface {
	// Load returns the mirrored entry, or nil if there is none
	Load(ctx context.Context, userID string) (*MirrorEntry, error)

	// Store replaces the mirrored entry
	Store(ctx context.Context, userID string, entry *MirrorEntry) error
}
