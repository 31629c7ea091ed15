package keymeter

import (
	"context"
	"time"
)

// AccountState is the lifecycle state of a customer account as seen by the
// webhook state machine.
type AccountState string

const (
	// StateUnknown means no account exists for the customer
	StateUnknown AccountState = "unknown"
	// StatePendingActivation means a completion event is being applied
	StatePendingActivation AccountState = "pending_activation"
	// StateActive means the account may make metered calls
	StateActive AccountState = "active"
	// StateInactive means the account was deactivated (e.g. payment failure)
	StateInactive AccountState = "inactive"
)

// Account is a customer's subscription state
type Account struct {
	CustomerID     string
	HashedKey      string
	Active         bool
	BillingItemRef string
	UsageCount     uint64
	Version        uint64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// State returns the account's lifecycle state
func (a *Account) State() AccountState {
	if a == nil {
		return StateUnknown
	}
	if a.Active {
		return StateActive
	}
	return StateInactive
}

// KeyRecord maps a hashed API key to its customer. Records are immutable.
type KeyRecord struct {
	HashedKey  string
	CustomerID string
	CreatedAt  time.Time
}

// UsageStatus describes how a usage event was handled
type UsageStatus string

const (
	// UsageRecorded means the provider acknowledged the event synchronously
	UsageRecorded UsageStatus = "recorded"
	// UsageDuplicate means the idempotency token was already counted
	UsageDuplicate UsageStatus = "duplicate"
	// UsageQueued means the event was counted locally and queued for provider delivery
	UsageQueued UsageStatus = "queued"
	// UsageUnreported means the event was counted locally but could neither be
	// delivered nor queued; the AlertHandler received it
	UsageUnreported UsageStatus = "unreported"
)

// UsageEvent is a single unit of metered activity
type UsageEvent struct {
	CustomerID       string
	IdempotencyToken string
	Quantity         uint64
	Timestamp        time.Time
}

// RecordUsageRequest asks storage to atomically check the account, claim the
// idempotency token and increment the usage counter.
type RecordUsageRequest struct {
	CustomerID       string
	IdempotencyToken string
	Quantity         uint64
	TokenTTL         time.Duration
	Now              time.Time
}

// RecordUsageResult is the outcome of RecordUsageRequest
type RecordUsageResult struct {
	// Account is the account state after the operation
	Account *Account

	// Duplicate is true when the token had already been claimed; the counter
	// was not incremented.
	Duplicate bool
}

// ProvisionRequest applies a subscription-completed event in a single
// transaction: dedup check, key insert, account activation, event record.
type ProvisionRequest struct {
	EventID        string
	CustomerID     string
	HashedKey      string
	BillingItemRef string
	EventTTL       time.Duration
	Now            time.Time
}

// ProvisionResult is the outcome of ProvisionRequest
type ProvisionResult struct {
	// Account is the account after provisioning (nil when AlreadyProcessed)
	Account *Account

	// KeyIssued is true when the request's HashedKey was stored. It is false
	// when the customer already had a key.
	KeyIssued bool

	// AlreadyProcessed is true when the event id was found in the dedup set;
	// nothing was changed.
	AlreadyProcessed bool
}

// UsageReport is what the meter forwards to the billing provider
type UsageReport struct {
	CustomerID       string
	BillingItemRef   string
	IdempotencyToken string
	Quantity         uint64
	Timestamp        time.Time
}

// UsageAck is the billing provider's acknowledgment of a usage report
type UsageAck struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
}

// UsageRecord is returned to callers of Meter.Record
type UsageRecord struct {
	ID               string      `json:"id"`
	CustomerID       string      `json:"customer"`
	BillingItemRef   string      `json:"item"`
	IdempotencyToken string      `json:"idempotency_token"`
	Quantity         uint64      `json:"quantity"`
	Timestamp        time.Time   `json:"timestamp"`
	Status           UsageStatus `json:"status"`
	UsageCount       uint64      `json:"usage_count,omitempty"`
	Ack              *UsageAck   `json:"ack,omitempty"`
}

// BillingProvider receives usage increments. Implementations must treat
// IdempotencyToken as their own idempotency identifier.
type BillingProvider interface {
	ReportUsage(ctx context.Context, report *UsageReport) (*UsageAck, error)
}

// AlertHandler is notified when a usage event could not be delivered to the
// provider and needs operator attention.
type AlertHandler interface {
	OnDeliveryFailure(ctx context.Context, report *UsageReport, err error)
}

// AlertFunc adapts a function to AlertHandler
type AlertFunc func(ctx context.Context, report *UsageReport, err error)

// OnDeliveryFailure implements AlertHandler
func (f AlertFunc) OnDeliveryFailure(ctx context.Context, report *UsageReport, err error) {
	f(ctx, report, err)
}
