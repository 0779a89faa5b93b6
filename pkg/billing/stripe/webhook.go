package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/celebmerge/pkg/billing"
	"github.com/mihaimyh/celebmerge/pkg/billing/internal"
	"github.com/mihaimyh/celebmerge/pkg/ledger"
)

const (
	maxWebhookBody = 256 * 1024

	eventPaymentSucceeded = "payment_intent.succeeded"
	eventPaymentFailed    = "payment_intent.payment_failed"
)

// handleWebhook verifies and processes incoming Stripe events
func (b *Bridge) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	internal.SetSecurityHeaders(w)

	if b.webhookSecret == "" {
		b.metrics.RecordWebhookError(providerName, "not_configured")
		_ = internal.WriteError(w, http.StatusBadRequest, "Webhook secret not configured")
		return
	}

	body, err := internal.ReadBodyStrict(w, r, maxWebhookBody)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			b.metrics.RecordWebhookError(providerName, "payload_too_large")
			_ = internal.WriteError(w, http.StatusRequestEntityTooLarge, "Payload too large")
		} else {
			b.metrics.RecordWebhookError(providerName, "invalid_payload")
			_ = internal.WriteError(w, http.StatusBadRequest, "Invalid payload")
		}
		return
	}

	event, err := webhook.ConstructEventWithOptions(body, r.Header.Get("Stripe-Signature"), b.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		b.metrics.RecordWebhookError(providerName, "auth_failed")
		b.logger.Warn("webhook signature verification failed",
			ledger.Field{Key: "remoteIp", Value: internal.GetClientIP(r)},
			ledger.Field{Key: "error", Value: err},
		)
		_ = internal.WriteError(w, http.StatusBadRequest, "Invalid signature")
		return
	}

	eventType := string(event.Type)
	if eventType == "" {
		eventType = "UNKNOWN"
	}

	status, err := b.processWebhookEvent(r.Context(), &event)
	b.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
	if err != nil {
		b.metrics.RecordWebhookEvent(providerName, eventType, "error")
		b.metrics.RecordWebhookError(providerName, "processing_error")
		b.logger.Error("webhook processing failed",
			ledger.Field{Key: "eventId", Value: event.ID},
			ledger.Field{Key: "eventType", Value: eventType},
			ledger.Field{Key: "error", Value: err},
		)
		_ = internal.WriteError(w, http.StatusInternalServerError, "Webhook processing failed")
		return
	}

	b.metrics.RecordWebhookEvent(providerName, eventType, status)
	_ = internal.WriteJSON(w, http.StatusOK, map[string]bool{"received": true})
}

// processWebhookEvent logs payment outcomes and forwards them to the event callback.
// It returns the webhook status for metrics: "success" or "ignored".
func (b *Bridge) processWebhookEvent(ctx context.Context, event *stripe.Event) (string, error) {
	eventType := string(event.Type)

	switch eventType {
	case eventPaymentSucceeded, eventPaymentFailed:
	default:
		b.logger.Info("unhandled webhook event",
			ledger.Field{Key: "eventId", Value: event.ID},
			ledger.Field{Key: "eventType", Value: eventType},
		)
		return "ignored", nil
	}

	if event.Data == nil {
		return "", fmt.Errorf("%w: event has no data", billing.ErrInvalidWebhookPayload)
	}
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return "", fmt.Errorf("%w: failed to unmarshal payment intent: %v", billing.ErrInvalidWebhookPayload, err)
	}

	paymentEvent := &billing.PaymentEvent{
		Provider:        providerName,
		EventType:       eventType,
		PaymentIntentID: pi.ID,
		UserID:          pi.Metadata["userId"],
		Amount:          pi.Amount,
		Currency:        string(pi.Currency),
		Succeeded:       eventType == eventPaymentSucceeded,
		EventTimestamp:  time.Unix(event.Created, 0),
		Metadata:        pi.Metadata,
	}

	fields := []ledger.Field{
		{Key: "paymentIntentId", Value: pi.ID},
		{Key: "amount", Value: pi.Amount},
		{Key: "currency", Value: paymentEvent.Currency},
	}
	if paymentEvent.Succeeded {
		b.logger.Info("payment succeeded", fields...)
	} else {
		b.logger.Warn("payment failed", fields...)
	}

	if b.onEvent != nil {
		if err := b.onEvent(ctx, paymentEvent); err != nil {
			return "", err
		}
	}
	return "success", nil
}
