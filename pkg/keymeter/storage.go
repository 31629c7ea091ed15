package keymeter

import (
	"context"
	"time"
)

// Storage defines the persistence contract for keys, accounts, usage tokens
// and processed webhook events. Implementations must serialize mutations per
// affected key (customer, hashed key, event id) and must never hold a lock
// across unrelated customers.
type Storage interface {
	// GetKeyRecord returns the record for a hashed key or ErrNotFound
	GetKeyRecord(ctx context.Context, hashedKey string) (*KeyRecord, error)

	// InsertKeyRecord stores a new record. Returns ErrConflict if the hashed
	// key is already present.
	InsertKeyRecord(ctx context.Context, rec *KeyRecord) error

	// GetAccount returns the account for a customer or ErrNotFound
	GetAccount(ctx context.Context, customerID string) (*Account, error)

	// ActivateAccount creates or updates the account, sets Active and the
	// billing item reference, and bumps Version.
	ActivateAccount(ctx context.Context, customerID, billingItemRef string, now time.Time) (*Account, error)

	// DeactivateAccount clears Active and bumps Version.
	// Returns ErrNotFound if the account does not exist.
	DeactivateAccount(ctx context.Context, customerID string, now time.Time) (*Account, error)

	// RecordUsage atomically verifies the account is active (ErrUnauthorized
	// otherwise), claims the idempotency token for TokenTTL and increments
	// UsageCount. A token claimed earlier yields Duplicate=true and no increment.
	RecordUsage(ctx context.Context, req *RecordUsageRequest) (*RecordUsageResult, error)

	// Provision atomically applies a subscription-completed event. If the event
	// id was already processed nothing changes and AlreadyProcessed is set.
	// If the account has no key yet, HashedKey is inserted (ErrConflict if taken)
	// and linked to the account. The account is activated and the event id is
	// recorded for EventTTL. On any error no state change persists.
	Provision(ctx context.Context, req *ProvisionRequest) (*ProvisionResult, error)

	// MarkEventProcessed records an event id for ttl. Returns false if it was
	// already recorded.
	MarkEventProcessed(ctx context.Context, eventID string, ttl time.Duration) (bool, error)

	// EventProcessed reports whether an event id is in the dedup set
	EventProcessed(ctx context.Context, eventID string) (bool, error)
}

// Pinger is implemented by storages that can report their health.
type Pinger interface {
	Ping(ctx context.Context) error
}
