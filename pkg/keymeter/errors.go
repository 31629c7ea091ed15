package keymeter

import "errors"

var (
	// ErrNotFound is returned when a key or customer is unknown
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a hashed key is already registered
	ErrConflict = errors.New("conflict")

	// ErrUnauthorized is returned when an inactive account attempts a metered call
	ErrUnauthorized = errors.New("unauthorized")

	// ErrKeyGenerationExhausted is returned when no unique key could be generated
	// within the configured attempt limit. Callers may retry the request.
	ErrKeyGenerationExhausted = errors.New("key generation exhausted")

	// ErrSignatureInvalid is returned when a webhook signature does not verify
	ErrSignatureInvalid = errors.New("invalid webhook signature")

	// ErrProviderUnavailable is returned for transient billing provider failures
	// (timeouts, network errors, 5xx, rate limiting). These are retried.
	ErrProviderUnavailable = errors.New("billing provider unavailable")

	// ErrProviderRejected is returned when the provider permanently refuses a request
	ErrProviderRejected = errors.New("billing provider rejected request")

	// ErrInvalidArgument is returned for empty identifiers and malformed requests
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrStorageUnavailable is returned when storage is unavailable
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrQueueFull is returned when the retry queue cannot accept more work
	ErrQueueFull = errors.New("retry queue full")
)
