package ledger

import "time"

// Regime tells which limit applies to a user's usage count
type Regime string

const (
	// RegimeFree applies the configured free limit
	RegimeFree Regime = "free"
	// RegimePaid applies the uses credited by the most recent payment
	RegimePaid Regime = "paid"
)

// Mode is the storage mode of a usage session
type Mode string

const (
	// ModeUnknown means the session has not been loaded yet
	ModeUnknown Mode = "unknown"
	// ModeRemote means reads and writes go to the remote record store
	ModeRemote Mode = "remote"
	// ModeLocalOnly means the remote store was unreachable and only the mirror is used
	ModeLocalOnly Mode = "local_only"
)

// PaymentEntry is one credited payment in a user's history
type PaymentEntry struct {
	PaymentIntentID string
	Uses            int
	Amount          int64 // minor units, as charged by the processor
	Timestamp       time.Time
}

// Record is the persisted usage document of one user (users/{userId})
type Record struct {
	UserID         string
	UsageCount     int
	TotalUses      int
	LastUsed       *time.Time
	CreatedAt      time.Time
	PaymentHistory []PaymentEntry

	// Regime is empty on documents written before it was tracked explicitly.
	// Use ResolveRegime to classify those.
	Regime       Regime
	CreditedUses int
}

// ResolveRegime returns the record's regime and credited uses.
// Legacy records without an explicit regime count as paid when any payment was
// recorded or when usage already went past the free limit.
func (r *Record) ResolveRegime(freeLimit, paymentUses int) (Regime, int) {
	if r.Regime == RegimePaid {
		credited := r.CreditedUses
		if credited <= 0 {
			credited = paymentUses
		}
		return RegimePaid, credited
	}
	if r.Regime == RegimeFree {
		return RegimeFree, 0
	}
	if len(r.PaymentHistory) > 0 || r.TotalUses > 0 || r.UsageCount > freeLimit {
		return RegimePaid, paymentUses
	}
	return RegimeFree, 0
}

// MirrorEntry is the local fallback copy of a user's usage
type MirrorEntry struct {
	UsageCount   int
	Regime       Regime
	CreditedUses int
	UpdatedAt    time.Time
}

// PaymentCredit describes a verified payment to apply to a user record
type PaymentCredit struct {
	UserID          string
	PaymentIntentID string
	Uses            int
	Amount          int64
	Timestamp       time.Time

	// MaxHistory caps the embedded payment history (newest entries kept). 0 disables the cap.
	MaxHistory int
}

// UsageView is a read-only snapshot of a session, shaped for display
type UsageView struct {
	UserID          string `json:"userId"`
	UsageCount      int    `json:"usageCount"`
	EffectiveLimit  int    `json:"effectiveLimit"`
	RemainingUses   int    `json:"remainingUses"`
	HasReachedLimit bool   `json:"hasReachedLimit"`
	ShowWarning     bool   `json:"showWarning"`
	Regime          Regime `json:"regime"`
	Mode            Mode   `json:"mode"`
	Notice          string `json:"notice,omitempty"`
}

// Entry returns the payment history entry for the credit
func (c *PaymentCredit) Entry() PaymentEntry {
	return PaymentEntry{
		PaymentIntentID: c.PaymentIntentID,
		Uses:            c.Uses,
		Amount:          c.Amount,
		Timestamp:       c.Timestamp,
	}
}

// AppendPayment appends entry to history and keeps only the newest limit entries.
// limit <= 0 keeps everything.
func AppendPayment(history []PaymentEntry, entry PaymentEntry, limit int) []PaymentEntry {
	out := make([]PaymentEntry, 0, len(history)+1)
	out = append(out, history...)
	out = append(out, entry)
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Credit applies a verified payment to the record in place
func (r *Record) Credit(credit *PaymentCredit) {
	at := credit.Timestamp
	r.PaymentHistory = AppendPayment(r.PaymentHistory, credit.Entry(), credit.MaxHistory)
	r.TotalUses += credit.Uses
	r.UsageCount = 0
	r.Regime = RegimePaid
	r.CreditedUses = credit.Uses
	r.LastUsed = &at
}
