package billing

import "errors"

var (
	// ErrProviderNotConfigured is returned when a provider is not properly configured
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrWebhookNotConfigured is returned when the signing secret or key callback is missing
	ErrWebhookNotConfigured = errors.New("webhook not configured")

	// ErrInvalidWebhookPayload is returned when webhook payload cannot be parsed
	ErrInvalidWebhookPayload = errors.New("invalid webhook payload")

	// ErrCustomerNotFound is returned when a customer cannot be found in the provider
	ErrCustomerNotFound = errors.New("customer not found in billing provider")

	// ErrKeyDeliveryRejected marks a key delivery failure that retrying cannot fix
	ErrKeyDeliveryRejected = errors.New("key delivery rejected")

	// ErrSubscriptionHasNoItems is returned when a subscription carries no item to bill
	ErrSubscriptionHasNoItems = errors.New("subscription has no items")
)
