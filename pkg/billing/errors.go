package billing

import "errors"

var (
	// ErrProviderNotConfigured is returned when the payment processor has no credentials
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrMissingFields is returned when a request lacks a required field
	ErrMissingFields = errors.New("missing required fields")

	// ErrPaymentNotCompleted is returned when a payment intent has not succeeded
	ErrPaymentNotCompleted = errors.New("payment not completed")

	// ErrInvalidWebhookSignature is returned when webhook signature validation fails
	ErrInvalidWebhookSignature = errors.New("invalid webhook signature")

	// ErrInvalidWebhookPayload is returned when webhook payload cannot be parsed
	ErrInvalidWebhookPayload = errors.New("invalid webhook payload")

	// ErrWebhookSecretMissing is returned when no webhook signing secret is configured
	ErrWebhookSecretMissing = errors.New("webhook secret not configured")

	// ErrProviderAPIError is returned when the provider's API returns an error
	ErrProviderAPIError = errors.New("billing provider API error")

	// ErrStoreWrite is returned when a verified payment could not be written to the record store
	ErrStoreWrite = errors.New("failed to write usage record")
)
