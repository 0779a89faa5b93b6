package stripe

import (
	"errors"
	"net/http"

	"github.com/mihaimyh/celebmerge/pkg/billing"
	"github.com/mihaimyh/celebmerge/pkg/billing/internal"
)

const maxRequestBody = 64 * 1024

// Handler exposes the bridge as three POST functions:
// /createPaymentIntent, /updateUsage and /stripeWebhook.
func (b *Bridge) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/createPaymentIntent", internal.RequirePost(http.HandlerFunc(b.handleCreatePaymentIntent)))
	mux.Handle("/updateUsage", internal.RequirePost(http.HandlerFunc(b.handleUpdateUsage)))
	mux.Handle("/stripeWebhook", b.WebhookHandler())
	return internal.CORS(b.origin, mux)
}

func (b *Bridge) handleCreatePaymentIntent(w http.ResponseWriter, r *http.Request) {
	internal.SetSecurityHeaders(w)

	var req billing.CreateIntentRequest
	if !b.decode(w, r, &req) {
		return
	}

	resp, err := b.CreatePaymentIntent(r.Context(), &req)
	if err != nil {
		switch {
		case errors.Is(err, billing.ErrMissingFields):
			_ = internal.WriteError(w, http.StatusBadRequest, "Amount and currency are required")
		case errors.Is(err, billing.ErrProviderNotConfigured):
			_ = internal.WriteError(w, http.StatusInternalServerError, "Stripe not initialized")
		default:
			_ = internal.WriteError(w, http.StatusInternalServerError, "Failed to create payment intent")
		}
		return
	}
	_ = internal.WriteJSON(w, http.StatusOK, resp)
}

func (b *Bridge) handleUpdateUsage(w http.ResponseWriter, r *http.Request) {
	internal.SetSecurityHeaders(w)

	var req billing.UpdateUsageRequest
	if !b.decode(w, r, &req) {
		return
	}

	resp, err := b.UpdateUsage(r.Context(), &req)
	if err != nil {
		switch {
		case errors.Is(err, billing.ErrMissingFields):
			_ = internal.WriteError(w, http.StatusBadRequest, "userId, paymentIntentId, and uses are required")
		case errors.Is(err, billing.ErrPaymentNotCompleted):
			_ = internal.WriteError(w, http.StatusBadRequest, "Payment not completed")
		case errors.Is(err, billing.ErrProviderNotConfigured):
			_ = internal.WriteError(w, http.StatusInternalServerError, "Stripe not initialized")
		default:
			_ = internal.WriteError(w, http.StatusInternalServerError, "Failed to update usage")
		}
		return
	}
	_ = internal.WriteJSON(w, http.StatusOK, resp)
}

// decode reads a JSON request body and answers 400 or 413 on failure
func (b *Bridge) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	err := internal.DecodeJSON(w, r, maxRequestBody, v)
	if err == nil || errors.Is(err, internal.ErrEmptyBody) {
		// an empty body is reported as missing fields by validation
		return true
	}
	if errors.Is(err, internal.ErrPayloadTooLarge) {
		_ = internal.WriteError(w, http.StatusRequestEntityTooLarge, "Payload too large")
		return false
	}
	_ = internal.WriteError(w, http.StatusBadRequest, "Invalid request body")
	return false
}
