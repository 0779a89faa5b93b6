package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/mihaimyh/celebmerge/pkg/billing"
	"github.com/mihaimyh/celebmerge/pkg/ledger"
	"github.com/mihaimyh/celebmerge/pkg/studio"
)

const defaultMaxUploadBytes = 20 << 20

// PaymentConfirmer verifies a payment and credits the user's record
type PaymentConfirmer interface {
	UpdateUsage(ctx context.Context, req *billing.UpdateUsageRequest) (*billing.UpdateUsageResponse, error)
}

// Config holds configuration for the API handler
type Config struct {
	// Ledger tracks usage per user (required)
	Ledger *ledger.Ledger

	// Studio runs generations (required)
	Studio *studio.Studio

	// Payments confirms payments from the presentation layer (optional).
	// Without it POST /api/payments/confirm answers 501.
	Payments PaymentConfirmer

	// GetUserID extracts user ID from HTTP request (default: X-User-ID header)
	GetUserID func(*http.Request) string

	// OnError handles errors (auth, internal, etc.)
	// If nil, errors are written as {"error": message}
	OnError func(http.ResponseWriter, *http.Request, error)

	// MaxUploadBytes caps the generate request body (default: 20 MiB)
	MaxUploadBytes int64

	// Logger is used for structured logging (default: NoopLogger)
	Logger ledger.Logger
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Ledger == nil {
		return fmt.Errorf("ledger is required")
	}
	if c.Studio == nil {
		return fmt.Errorf("studio is required")
	}
	return nil
}

// NewHandler creates a new API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.GetUserID == nil {
		config.GetUserID = FromHeader("X-User-ID")
	}
	if config.MaxUploadBytes <= 0 {
		config.MaxUploadBytes = defaultMaxUploadBytes
	}
	if config.Logger == nil {
		config.Logger = &ledger.NoopLogger{}
	}
	return &Handler{config: config}, nil
}

// FromHeader returns a GetUserID function that extracts user ID from a header
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext returns a GetUserID function that extracts user ID from request context
func FromContext(key interface{}) func(*http.Request) string {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}
