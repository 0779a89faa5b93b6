package billing

import (
	"github.com/mihaimyh/celebmerge/pkg/ledger"
)

// Config defines the standard configuration all payment bridges accept
type Config struct {
	// Storage is the record store credited with verified payments
	Storage ledger.Storage

	// WebhookSecret is used to verify incoming webhook signatures.
	// When empty, every webhook request is rejected.
	WebhookSecret string

	// APIKey is used for outbound API calls to the billing provider.
	APIKey string

	// MaxPaymentHistory caps the payment history embedded in a usage record.
	// 0 keeps every entry.
	MaxPaymentHistory int

	// AllowedOrigin is sent as Access-Control-Allow-Origin (default: "*").
	AllowedOrigin string

	// Metrics is an optional metrics collector for tracking bridge operations.
	// If nil, metrics will be silently ignored (no-op).
	Metrics Metrics

	// Logger is used for structured logging (default: ledger.NoopLogger)
	Logger ledger.Logger

	// OnPaymentEvent is called for every verified payment webhook event (optional).
	// An error makes the webhook answer 500 so the provider retries delivery.
	OnPaymentEvent PaymentEventHandler
}
