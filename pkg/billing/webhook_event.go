package billing

import (
	"context"
	"time"
)

// KeyIssuedEvent carries a freshly issued API key to the application. It is
// delivered once, after the key and account were committed to storage. The
// plaintext key is not stored anywhere and cannot be recovered later.
type KeyIssuedEvent struct {
	// CustomerID is the provider customer the key belongs to
	CustomerID string

	// SubscriptionID is the subscription that triggered issuance
	SubscriptionID string

	// BillingItemRef is the subscription item usage is billed against
	BillingItemRef string

	// APIKey is the plaintext key. Deliver it to the customer and drop it.
	APIKey string

	// Provider is the billing provider name ("stripe")
	Provider string

	// EventID and EventType identify the provider event
	EventID   string
	EventType string

	// EventTimestamp is when the event occurred (from provider)
	EventTimestamp time.Time
}

// KeyIssuedCallback receives issued keys. A returned error is retried with
// backoff unless it wraps ErrKeyDeliveryRejected. The key stays valid either
// way because the account was already committed.
type KeyIssuedCallback func(ctx context.Context, event KeyIssuedEvent) error

// KeyDeliveryAlert is called when a key could not be delivered. The event
// still carries the plaintext key so an operator can hand it over out of band;
// it must not be logged.
type KeyDeliveryAlert func(ctx context.Context, event KeyIssuedEvent, err error)
