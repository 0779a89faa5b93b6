package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/celebmerge/pkg/billing"
	"github.com/mihaimyh/celebmerge/pkg/billing/internal"
	"github.com/mihaimyh/celebmerge/pkg/ledger"
)

const (
	providerName             = "stripe"
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
	usageUpdatedMessage      = "Usage updated successfully"
)

// PaymentIntents is the subset of the Stripe payment intent service the bridge calls.
// *stripe.Client's V1PaymentIntents satisfies it.
type PaymentIntents interface {
	Create(ctx context.Context, params *stripe.PaymentIntentCreateParams) (*stripe.PaymentIntent, error)
	Retrieve(ctx context.Context, id string, params *stripe.PaymentIntentRetrieveParams) (*stripe.PaymentIntent, error)
}

// Config extends billing.Config with Stripe-specific options
type Config struct {
	billing.Config

	// StripeAPIKey and StripeWebhookSecret take precedence over
	// billing.Config.APIKey and billing.Config.WebhookSecret
	StripeAPIKey        string
	StripeWebhookSecret string

	// Description is attached to every created payment intent (optional)
	Description string

	// PaymentIntents overrides the service built from StripeAPIKey (tests).
	PaymentIntents PaymentIntents
}

// Bridge implements billing.Provider on top of Stripe payment intents
type Bridge struct {
	storage       ledger.Storage
	intents       PaymentIntents
	rateLimiter   *internal.RateLimiter
	webhookSecret string
	description   string
	maxHistory    int
	origin        string
	metrics       billing.Metrics
	logger        ledger.Logger
	onEvent       billing.PaymentEventHandler
	now           func() time.Time
}

var _ billing.Provider = (*Bridge)(nil)

// NewBridge creates a Stripe payment bridge.
// A missing API key is not an error: intent operations then fail with billing.ErrProviderNotConfigured.
func NewBridge(config Config) (*Bridge, error) {
	if config.Storage == nil {
		return nil, fmt.Errorf("%w: record store is required", billing.ErrProviderNotConfigured)
	}

	apiKey := firstNonEmpty(config.StripeAPIKey, config.APIKey)
	webhookSecret := firstNonEmpty(config.StripeWebhookSecret, config.WebhookSecret)

	intents := config.PaymentIntents
	if intents == nil && apiKey != "" {
		intents = stripe.NewClient(apiKey).V1PaymentIntents
	}

	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}
	logger := config.Logger
	if logger == nil {
		logger = &ledger.NoopLogger{}
	}

	return &Bridge{
		storage:       config.Storage,
		intents:       intents,
		rateLimiter:   internal.NewRateLimiter(defaultRateLimitRequests, defaultRateLimitWindow),
		webhookSecret: webhookSecret,
		description:   config.Description,
		maxHistory:    config.MaxPaymentHistory,
		origin:        config.AllowedOrigin,
		metrics:       metrics,
		logger:        logger,
		onEvent:       config.OnPaymentEvent,
		now:           time.Now,
	}, nil
}

// Name returns the provider name
func (b *Bridge) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Stripe webhooks
func (b *Bridge) WebhookHandler() http.Handler {
	return b.rateLimiter.Middleware(internal.RequirePost(http.HandlerFunc(b.handleWebhook)))
}

// CreatePaymentIntent creates a payment intent with automatic payment methods enabled
func (b *Bridge) CreatePaymentIntent(ctx context.Context, req *billing.CreateIntentRequest) (*billing.CreateIntentResponse, error) {
	if req == nil {
		req = &billing.CreateIntentRequest{}
	}
	if err := billing.Validate(req); err != nil {
		b.metrics.RecordPaymentIntent(providerName, req.Currency, "invalid")
		return nil, err
	}
	if b.intents == nil {
		b.metrics.RecordPaymentIntent(providerName, req.Currency, "error")
		return nil, billing.ErrProviderNotConfigured
	}

	params := &stripe.PaymentIntentCreateParams{
		Amount:   stripe.Int64(req.Amount),
		Currency: stripe.String(strings.ToLower(req.Currency)),
		AutomaticPaymentMethods: &stripe.PaymentIntentCreateAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	if b.description != "" {
		params.Description = stripe.String(b.description)
	}
	for k, v := range req.MetadataStrings() {
		params.AddMetadata(k, v)
	}

	start := time.Now()
	pi, err := b.intents.Create(ctx, params)
	b.recordAPICall("create_payment_intent", start, err)
	if err != nil {
		b.metrics.RecordPaymentIntent(providerName, req.Currency, "error")
		b.logger.Error("failed to create payment intent",
			ledger.Field{Key: "amount", Value: req.Amount},
			ledger.Field{Key: "currency", Value: req.Currency},
			ledger.Field{Key: "error", Value: err},
		)
		return nil, fmt.Errorf("%w: %v", billing.ErrProviderAPIError, err)
	}

	b.metrics.RecordPaymentIntent(providerName, req.Currency, "created")
	return &billing.CreateIntentResponse{
		ClientSecret:    pi.ClientSecret,
		PaymentIntentID: pi.ID,
	}, nil
}

// UpdateUsage re-fetches the payment intent and, once it succeeded, credits the user's record.
// Replaying an intent that was already credited succeeds without crediting again.
func (b *Bridge) UpdateUsage(ctx context.Context, req *billing.UpdateUsageRequest) (*billing.UpdateUsageResponse, error) {
	if req == nil {
		req = &billing.UpdateUsageRequest{}
	}
	if err := billing.Validate(req); err != nil {
		b.metrics.RecordUsageUpdate(providerName, "invalid")
		return nil, err
	}
	if b.intents == nil {
		b.metrics.RecordUsageUpdate(providerName, "error")
		return nil, billing.ErrProviderNotConfigured
	}

	start := time.Now()
	pi, err := b.intents.Retrieve(ctx, req.PaymentIntentID, nil)
	b.recordAPICall("retrieve_payment_intent", start, err)
	if err != nil {
		b.metrics.RecordUsageUpdate(providerName, "error")
		return nil, fmt.Errorf("%w: %v", billing.ErrProviderAPIError, err)
	}

	if pi.Status != stripe.PaymentIntentStatusSucceeded {
		b.metrics.RecordUsageUpdate(providerName, "not_completed")
		b.logger.Warn("payment intent not succeeded",
			ledger.Field{Key: "paymentIntentId", Value: req.PaymentIntentID},
			ledger.Field{Key: "status", Value: string(pi.Status)},
		)
		return nil, billing.ErrPaymentNotCompleted
	}

	status := "credited"
	rec, err := b.storage.ApplyPayment(ctx, &ledger.PaymentCredit{
		UserID:          req.UserID,
		PaymentIntentID: req.PaymentIntentID,
		Uses:            req.Uses,
		Amount:          pi.Amount,
		Timestamp:       b.now(),
		MaxHistory:      b.maxHistory,
	})
	if errors.Is(err, ledger.ErrPaymentAlreadyApplied) {
		status = "replayed"
		rec, err = b.storage.GetRecord(ctx, req.UserID)
	}
	if err != nil {
		b.metrics.RecordUsageUpdate(providerName, "error")
		b.logger.Error("failed to credit payment",
			ledger.Field{Key: "userId", Value: req.UserID},
			ledger.Field{Key: "paymentIntentId", Value: req.PaymentIntentID},
			ledger.Field{Key: "error", Value: err},
		)
		return nil, fmt.Errorf("%w: %v", billing.ErrStoreWrite, err)
	}

	b.metrics.RecordUsageUpdate(providerName, status)
	b.logger.Info("payment credited",
		ledger.Field{Key: "userId", Value: req.UserID},
		ledger.Field{Key: "paymentIntentId", Value: req.PaymentIntentID},
		ledger.Field{Key: "uses", Value: req.Uses},
		ledger.Field{Key: "status", Value: status},
	)

	return &billing.UpdateUsageResponse{
		Success:       true,
		Message:       usageUpdatedMessage,
		NewUsageCount: rec.UsageCount,
		TotalUses:     rec.TotalUses,
	}, nil
}

// firstNonEmpty returns the first value that is not blank, trimmed
func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func (b *Bridge) recordAPICall(endpoint string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	b.metrics.RecordAPICall(providerName, endpoint, status)
	b.metrics.RecordAPICallDuration(providerName, endpoint, time.Since(start))
}
