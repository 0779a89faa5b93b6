package billing

import (
	"context"
	"net/http"
)

// Provider is the payment bridge between the presentation layer, the payment processor
// and the usage record store.
type Provider interface {
	// Name returns the provider name (e.g., "stripe")
	Name() string

	// CreatePaymentIntent asks the processor for a new payment intent.
	CreatePaymentIntent(ctx context.Context, req *CreateIntentRequest) (*CreateIntentResponse, error)

	// UpdateUsage verifies that a payment intent succeeded and credits the user's record.
	UpdateUsage(ctx context.Context, req *UpdateUsageRequest) (*UpdateUsageResponse, error)

	// WebhookHandler returns the HTTP handler that receives processor events.
	// The implementation verifies signatures before trusting any payload.
	WebhookHandler() http.Handler

	// Handler exposes every bridge operation over HTTP.
	Handler() http.Handler
}

// PaymentEventHandler receives verified payment events
type PaymentEventHandler func(ctx context.Context, event *PaymentEvent) error
