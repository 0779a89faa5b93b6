package billing

import "time"

// Metrics defines the interface for tracking payment bridge operations.
// All methods are optional - providers should gracefully handle nil metrics.
type Metrics interface {
	// RecordWebhookEvent records a webhook event received from the billing provider.
	// status: "success" or "ignored"
	RecordWebhookEvent(provider, eventType, status string)

	// RecordWebhookProcessingDuration records how long it took to process a webhook.
	RecordWebhookProcessingDuration(provider, eventType string, duration time.Duration)

	// RecordWebhookError records a webhook processing error.
	// errorType: The type of error (e.g., "auth_failed", "invalid_payload", "not_configured")
	RecordWebhookError(provider, errorType string)

	// RecordPaymentIntent records a payment intent creation attempt.
	// status: "created", "invalid" or "error"
	RecordPaymentIntent(provider, currency, status string)

	// RecordUsageUpdate records a usage update request.
	// status: "credited", "replayed", "not_completed", "invalid" or "error"
	RecordUsageUpdate(provider, status string)

	// RecordAPICall records an API call to the billing provider.
	// status: "success" or "error"
	RecordAPICall(provider, endpoint, status string)

	// RecordAPICallDuration records how long an API call took.
	RecordAPICallDuration(provider, endpoint string, duration time.Duration)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_, _, _ string)                            {}
func (n *NoopMetrics) RecordWebhookProcessingDuration(_, _ string, _ time.Duration) {}
func (n *NoopMetrics) RecordWebhookError(_, _ string)                               {}
func (n *NoopMetrics) RecordPaymentIntent(_, _, _ string)                           {}
func (n *NoopMetrics) RecordUsageUpdate(_, _ string)                                {}
func (n *NoopMetrics) RecordAPICall(_, _, _ string)                                 {}
func (n *NoopMetrics) RecordAPICallDuration(_, _ string, _ time.Duration)           {}
