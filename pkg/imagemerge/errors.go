package imagemerge

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrMissingImages is returned before any network call when an image is absent
	ErrMissingImages = errors.New("both images are required")

	// ErrGenerationFailed is returned when the response carries no image
	ErrGenerationFailed = errors.New("no image in generation response")

	// ErrNotConfigured is returned when no API key is set
	ErrNotConfigured = errors.New("image generation API key is not configured")

	// ErrInvalidDataURL is returned for malformed data URLs
	ErrInvalidDataURL = errors.New("invalid image data URL")
)

// ErrorKind classifies a failed call by its HTTP status
type ErrorKind string

const (
	KindRateLimited  ErrorKind = "rate_limited"
	KindBadRequest   ErrorKind = "bad_request"
	KindUnauthorized ErrorKind = "unauthorized"
	KindForbidden    ErrorKind = "forbidden"
	KindServer       ErrorKind = "server_error"
)

const retryLaterHint = "You can try again in a few minutes."

// APIError is a non-2xx answer from the generation endpoint.
// Message is safe to show to users.
type APIError struct {
	StatusCode int
	Kind       ErrorKind
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("generation API returned status %d: %s", e.StatusCode, e.Message)
}

// RateLimited reports whether the endpoint asked the caller to slow down
func (e *APIError) RateLimited() bool {
	return e.Kind == KindRateLimited
}

func newAPIError(status int) *APIError {
	switch status {
	case http.StatusTooManyRequests:
		return &APIError{
			StatusCode: status,
			Kind:       KindRateLimited,
			Message:    "API rate limit exceeded. Please wait a moment and try again. " + retryLaterHint,
		}
	case http.StatusBadRequest:
		return &APIError{
			StatusCode: status,
			Kind:       KindBadRequest,
			Message:    "Invalid request. Please check your images and try again.",
		}
	case http.StatusUnauthorized:
		return &APIError{
			StatusCode: status,
			Kind:       KindUnauthorized,
			Message:    "API key is invalid or expired. Please check your configuration.",
		}
	case http.StatusForbidden:
		return &APIError{
			StatusCode: status,
			Kind:       KindForbidden,
			Message:    "API access forbidden. Please check your API key permissions.",
		}
	default:
		return &APIError{
			StatusCode: status,
			Kind:       KindServer,
			Message:    fmt.Sprintf("API error (%d). Please try again later.", status),
		}
	}
}

// UserMessage returns the text shown to users for an error returned by Merge
func UserMessage(err error) string {
	var apiErr *APIError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrMissingImages):
		return "Please upload both images to continue."
	case errors.Is(err, ErrGenerationFailed):
		return "Failed to generate image. Please try again with different images."
	case errors.As(err, &apiErr):
		return apiErr.Message
	default:
		return "An error occurred while generating the image. Please try again."
	}
}
