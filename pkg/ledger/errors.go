package ledger

import "errors"

var (
	// ErrRecordNotFound is returned when a user has no usage record yet
	ErrRecordNotFound = errors.New("usage record not found")

	// ErrStorageUnavailable is returned when the record store cannot be reached
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrSessionNotLoaded is returned when a session is used before Load succeeded
	ErrSessionNotLoaded = errors.New("usage session not loaded")

	// ErrMirrorUnavailable is returned when a session needs the local mirror but none is configured
	ErrMirrorUnavailable = errors.New("local mirror unavailable")

	// ErrPaymentAlreadyApplied is returned when a payment intent was already credited
	ErrPaymentAlreadyApplied = errors.New("payment already applied")

	// ErrInvalidUserID is returned for an empty user id
	ErrInvalidUserID = errors.New("invalid user id")
)
