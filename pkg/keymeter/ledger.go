package keymeter

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// LedgerConfig holds Ledger configuration
type LedgerConfig struct {
	// Locker serializes mutations per customer (default: in-process KeyedMutex)
	Locker  Locker
	Logger  Logger
	Metrics Metrics

	// Now overrides the clock, mostly for tests
	Now func() time.Time
}

// Ledger holds per-customer subscription state.
type Ledger struct {
	storage Storage
	locker  Locker
	logger  Logger
	metrics Metrics
	now     func() time.Time
}

// NewLedger creates a Ledger backed by storage
func NewLedger(storage Storage, config LedgerConfig) (*Ledger, error) {
	if storage == nil {
		return nil, fmt.Errorf("%w: storage is required", ErrInvalidArgument)
	}
	if config.Locker == nil {
		config.Locker = NewKeyedMutex()
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Ledger{
		storage: storage,
		locker:  config.Locker,
		logger:  config.Logger,
		metrics: config.Metrics,
		now:     config.Now,
	}, nil
}

// Locker returns the locker used to serialize customer mutations
func (l *Ledger) Locker() Locker {
	return l.locker
}

// Get returns the account for customerID or ErrNotFound
func (l *Ledger) Get(ctx context.Context, customerID string) (*Account, error) {
	if customerID == "" {
		return nil, fmt.Errorf("%w: empty customer id", ErrInvalidArgument)
	}
	return l.storage.GetAccount(ctx, customerID)
}

// Activate creates or updates the account and marks it active. Repeating the
// call only bumps Version.
func (l *Ledger) Activate(ctx context.Context, customerID, billingItemRef string) (*Account, error) {
	if customerID == "" {
		return nil, fmt.Errorf("%w: empty customer id", ErrInvalidArgument)
	}

	unlock, err := l.locker.Lock(ctx, CustomerLockKey(customerID))
	if err != nil {
		return nil, fmt.Errorf("failed to lock customer: %w", err)
	}
	defer unlock()

	return l.activateLocked(ctx, customerID, billingItemRef)
}

// activateLocked assumes the caller holds the customer lock.
func (l *Ledger) activateLocked(ctx context.Context, customerID, billingItemRef string) (*Account, error) {
	from := l.currentState(ctx, customerID)
	acct, err := l.storage.ActivateAccount(ctx, customerID, billingItemRef, l.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to activate account: %w", err)
	}
	l.metrics.RecordAccountTransition(from, StateActive)
	l.logger.Info("account activated",
		F("customer_id", customerID),
		F("billing_item", billingItemRef),
		F("version", acct.Version),
	)
	return acct, nil
}

// Deactivate marks the account inactive. An absent account is logged and
// ignored so out-of-order deliveries do not fail.
func (l *Ledger) Deactivate(ctx context.Context, customerID string) error {
	if customerID == "" {
		return fmt.Errorf("%w: empty customer id", ErrInvalidArgument)
	}

	unlock, err := l.locker.Lock(ctx, CustomerLockKey(customerID))
	if err != nil {
		return fmt.Errorf("failed to lock customer: %w", err)
	}
	defer unlock()

	return l.deactivateLocked(ctx, customerID)
}

// deactivateLocked assumes the caller holds the customer lock.
func (l *Ledger) deactivateLocked(ctx context.Context, customerID string) error {
	from := l.currentState(ctx, customerID)
	acct, err := l.storage.DeactivateAccount(ctx, customerID, l.now().UTC())
	if errors.Is(err, ErrNotFound) {
		l.logger.Warn("deactivation for unknown customer ignored", F("customer_id", customerID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to deactivate account: %w", err)
	}
	l.metrics.RecordAccountTransition(from, StateInactive)
	l.logger.Info("account deactivated",
		F("customer_id", customerID),
		F("version", acct.Version),
	)
	return nil
}

// IsActive reports whether the customer may make metered calls. Absent
// accounts are inactive.
func (l *Ledger) IsActive(ctx context.Context, customerID string) (bool, error) {
	acct, err := l.Get(ctx, customerID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return acct.Active, nil
}

// State returns the lifecycle state of a customer
func (l *Ledger) State(ctx context.Context, customerID string) (AccountState, error) {
	acct, err := l.Get(ctx, customerID)
	if errors.Is(err, ErrNotFound) {
		return StateUnknown, nil
	}
	if err != nil {
		return StateUnknown, err
	}
	return acct.State(), nil
}

// currentState is a best-effort read used for transition metrics.
func (l *Ledger) currentState(ctx context.Context, customerID string) AccountState {
	acct, err := l.storage.GetAccount(ctx, customerID)
	if err != nil {
		return StateUnknown
	}
	return acct.State()
}

// WithCustomerLock runs fn while holding the customer lock. Provision and
// other multi-step transitions use it so they do not interleave with
// Activate or Deactivate for the same customer.
func (l *Ledger) WithCustomerLock(ctx context.Context, customerID string, fn func(ctx context.Context) error) error {
	unlock, err := l.locker.Lock(ctx, CustomerLockKey(customerID))
	if err != nil {
		return fmt.Errorf("failed to lock customer: %w", err)
	}
	defer unlock()
	return fn(ctx)
}

// RecordTransition reports a state change applied outside the ledger, such
// as an atomic provision.
func (l *Ledger) RecordTransition(from, to AccountState) {
	l.metrics.RecordAccountTransition(from, to)
}
