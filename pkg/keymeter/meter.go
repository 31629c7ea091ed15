package keymeter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MaxTokenLength bounds idempotency tokens accepted by Record
const MaxTokenLength = 255

// MeterConfig holds Meter configuration
type MeterConfig struct {
	// TokenTTL is how long an idempotency token is remembered (default 24h)
	TokenTTL time.Duration

	// ProviderTimeout bounds each billing provider call (default 5s)
	ProviderTimeout time.Duration

	// Breaker guards provider calls (default NewCircuitBreaker(DefaultBreakerConfig()))
	Breaker CircuitBreaker

	// Retry configures the queue for reports the provider did not accept
	Retry RetryConfig

	Logger  Logger
	Metrics Metrics

	// Now overrides the clock, mostly for tests
	Now func() time.Time
}

// DefaultMeterConfig returns the default Meter configuration
func DefaultMeterConfig() MeterConfig {
	return MeterConfig{
		TokenTTL:        24 * time.Hour,
		ProviderTimeout: 5 * time.Second,
		Retry:           DefaultRetryConfig(),
	}
}

// Meter records one usage event per authenticated request and forwards it
// to the billing provider.
type Meter struct {
	storage         Storage
	provider        BillingProvider
	breaker         CircuitBreaker
	queue           *RetryQueue
	alert           AlertHandler
	tokenTTL        time.Duration
	providerTimeout time.Duration
	logger          Logger
	metrics         Metrics
	now             func() time.Time
}

// NewMeter creates a Meter. Start must be called before queued reports are
// delivered.
func NewMeter(storage Storage, provider BillingProvider, config MeterConfig) (*Meter, error) {
	if storage == nil {
		return nil, fmt.Errorf("%w: storage is required", ErrInvalidArgument)
	}
	if provider == nil {
		return nil, fmt.Errorf("%w: billing provider is required", ErrInvalidArgument)
	}

	def := DefaultMeterConfig()
	if config.TokenTTL <= 0 {
		config.TokenTTL = def.TokenTTL
	}
	if config.ProviderTimeout <= 0 {
		config.ProviderTimeout = def.ProviderTimeout
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
	if config.Breaker == nil {
		metrics := config.Metrics
		config.Breaker = NewCircuitBreaker(BreakerConfig{
			OnStateChange: func(state CircuitState) {
				metrics.RecordCircuitBreakerStateChange(string(state))
			},
		})
	}
	if config.Retry.Logger == nil {
		config.Retry.Logger = config.Logger
	}
	if config.Retry.Metrics == nil {
		config.Retry.Metrics = config.Metrics
	}
	alert := config.Retry.Alert
	if alert == nil {
		alert = AlertFunc(func(context.Context, *UsageReport, error) {})
		config.Retry.Alert = alert
	}

	m := &Meter{
		storage:         storage,
		provider:        provider,
		breaker:         config.Breaker,
		alert:           alert,
		tokenTTL:        config.TokenTTL,
		providerTimeout: config.ProviderTimeout,
		logger:          config.Logger,
		metrics:         config.Metrics,
		now:             config.Now,
	}
	m.queue = NewRetryQueue(m.deliver, config.Retry)
	return m, nil
}

// Start launches the retry workers
func (m *Meter) Start() {
	m.queue.Start()
}

// Close stops the retry workers. Pending reports go to the AlertHandler.
func (m *Meter) Close(ctx context.Context) error {
	return m.queue.Close(ctx)
}

// Queue exposes the retry queue for inspection
func (m *Meter) Queue() *RetryQueue {
	return m.queue
}

// Record counts one call for customerID. The token identifies the request
// attempt; the same token is counted at most once per customer.
//
// Returns ErrUnauthorized when the account is absent or inactive and
// ErrInvalidArgument for a token over MaxTokenLength. Storage failures never
// double count: they are reported as duplicates.
func (m *Meter) Record(ctx context.Context, customerID, token string) (*UsageRecord, error) {
	if customerID == "" || token == "" {
		return nil, fmt.Errorf("%w: customer id and idempotency token are required", ErrInvalidArgument)
	}
	if len(token) > MaxTokenLength {
		return nil, fmt.Errorf("%w: idempotency token longer than %d bytes", ErrInvalidArgument, MaxTokenLength)
	}

	now := m.now().UTC()
	rec := &UsageRecord{
		ID:               uuid.NewString(),
		CustomerID:       customerID,
		IdempotencyToken: token,
		Quantity:         1,
		Timestamp:        now,
	}

	res, err := m.storage.RecordUsage(ctx, &RecordUsageRequest{
		CustomerID:       customerID,
		IdempotencyToken: token,
		Quantity:         1,
		TokenTTL:         m.tokenTTL,
		Now:              now,
	})
	switch {
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrNotFound):
		m.metrics.RecordUsage("unauthorized")
		return nil, fmt.Errorf("%w: account is not active", ErrUnauthorized)
	case err != nil:
		m.metrics.RecordUsage("fail_closed")
		m.logger.Warn("usage claim failed, treating as already recorded",
			F("customer_id", customerID),
			F("token", token),
			F("error", err),
		)
		rec.Status = UsageDuplicate
		return rec, nil
	}

	if res.Account != nil {
		rec.BillingItemRef = res.Account.BillingItemRef
		rec.UsageCount = res.Account.UsageCount
	}
	if res.Duplicate {
		m.metrics.RecordUsage(string(UsageDuplicate))
		rec.Status = UsageDuplicate
		return rec, nil
	}

	report := &UsageReport{
		CustomerID:       customerID,
		BillingItemRef:   rec.BillingItemRef,
		IdempotencyToken: token,
		Quantity:         1,
		Timestamp:        now,
	}

	// The usage is already counted locally; a caller hanging up must not
	// abort the provider call.
	ack, err := m.deliver(context.WithoutCancel(ctx), report)
	switch {
	case err == nil:
		rec.Status = UsageRecorded
		rec.Ack = ack
	case errors.Is(err, ErrProviderRejected):
		rec.Status = UsageRecorded
		m.logger.Error("provider rejected usage report",
			F("customer_id", customerID),
			F("token", token),
			F("error", err),
		)
		m.alert.OnDeliveryFailure(ctx, report, err)
	default:
		// Enqueue alerts on its own when it refuses the report.
		if qerr := m.queue.Enqueue(ctx, report); qerr != nil {
			rec.Status = UsageUnreported
			break
		}
		rec.Status = UsageQueued
		m.logger.Warn("usage report queued for retry",
			F("customer_id", customerID),
			F("token", token),
			F("error", err),
		)
	}

	m.metrics.RecordUsage(string(rec.Status))
	return rec, nil
}

// deliver calls the provider through the circuit breaker with a timeout.
// A panic in the provider is converted to ErrProviderUnavailable.
func (m *Meter) deliver(ctx context.Context, report *UsageReport) (ack *UsageAck, err error) {
	start := time.Now()
	defer func() {
		m.metrics.RecordProviderCall("report_usage", time.Since(start), err)
	}()

	err = m.breaker.Execute(ctx, func(ctx context.Context) (callErr error) {
		ctx, cancel := context.WithTimeout(ctx, m.providerTimeout)
		defer cancel()

		defer func() {
			if r := recover(); r != nil {
				m.logger.Error("panic in billing provider",
					F("customer_id", report.CustomerID),
					F("panic", r),
				)
				callErr = fmt.Errorf("%w: provider panicked: %v", ErrProviderUnavailable, r)
			}
		}()

		ack, callErr = m.provider.ReportUsage(ctx, report)
		if callErr == nil && ctx.Err() != nil {
			callErr = fmt.Errorf("%w: %v", ErrProviderUnavailable, ctx.Err())
		}
		return callErr
	})
	if errors.Is(err, ErrCircuitOpen) {
		err = fmt.Errorf("%w: %w", ErrProviderUnavailable, err)
	}
	if err != nil {
		ack = nil
	}
	return ack, err
}
