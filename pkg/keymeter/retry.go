package keymeter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// ErrQueueClosed is returned by Enqueue after Close
var ErrQueueClosed = errors.New("retry queue closed")

// DeliverFunc sends one usage report to the billing provider
type DeliverFunc func(ctx context.Context, report *UsageReport) (*UsageAck, error)

// RetryConfig holds retry queue configuration
type RetryConfig struct {
	// QueueSize bounds the number of pending reports (default 1000)
	QueueSize int

	// Workers is the number of delivery goroutines (default 2)
	Workers int

	// MaxAttempts caps deliveries per report, including the first retry (default 8)
	MaxAttempts int

	// InitialInterval is the first backoff delay (default 500ms)
	InitialInterval time.Duration

	// MaxInterval caps a single backoff delay (default 30s)
	MaxInterval time.Duration

	// MaxElapsedTime caps the total time spent on one report (default 15m)
	MaxElapsedTime time.Duration

	// Alert receives reports that could not be delivered
	Alert AlertHandler

	Logger  Logger
	Metrics Metrics
}

// DefaultRetryConfig returns the default retry queue configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		QueueSize:       1000,
		Workers:         2,
		MaxAttempts:     8,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		MaxElapsedTime:  15 * time.Minute,
	}
}

// RetryQueue redelivers usage reports the provider did not accept
// synchronously. Every report leaves the queue either delivered or through
// the AlertHandler.
type RetryQueue struct {
	deliver DeliverFunc
	conf    RetryConfig
	alert   AlertHandler
	logger  Logger
	metrics Metrics

	queue  chan *UsageReport
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	started bool
	closed  bool
}

// NewRetryQueue creates a retry queue. Call Start to launch the workers.
func NewRetryQueue(deliver DeliverFunc, config RetryConfig) *RetryQueue {
	def := DefaultRetryConfig()
	if config.QueueSize <= 0 {
		config.QueueSize = def.QueueSize
	}
	if config.Workers <= 0 {
		config.Workers = def.Workers
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = def.MaxAttempts
	}
	if config.InitialInterval <= 0 {
		config.InitialInterval = def.InitialInterval
	}
	if config.MaxInterval <= 0 {
		config.MaxInterval = def.MaxInterval
	}
	if config.MaxElapsedTime <= 0 {
		config.MaxElapsedTime = def.MaxElapsedTime
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	alert := config.Alert
	if alert == nil {
		alert = AlertFunc(func(context.Context, *UsageReport, error) {})
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &RetryQueue{
		deliver: deliver,
		conf:    config,
		alert:   alert,
		logger:  config.Logger,
		metrics: config.Metrics,
		queue:   make(chan *UsageReport, config.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the worker goroutines. It is safe to call more than once.
func (q *RetryQueue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.closed {
		return
	}
	q.started = true

	for i := 0; i < q.conf.Workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
}

// Enqueue hands a report to the workers without blocking. A full or closed
// queue alerts and returns an error.
func (q *RetryQueue) Enqueue(ctx context.Context, report *UsageReport) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		q.fail(ctx, report, ErrQueueClosed, "dropped")
		return ErrQueueClosed
	}

	select {
	case q.queue <- report:
		q.metrics.RecordRetry("enqueued")
		return nil
	default:
		q.fail(ctx, report, ErrQueueFull, "dropped")
		return ErrQueueFull
	}
}

// Len returns the number of reports waiting for a worker
func (q *RetryQueue) Len() int {
	return len(q.queue)
}

// Close stops the workers and alerts for every report still pending. It
// waits for in-flight deliveries to observe cancellation or for ctx to end.
func (q *RetryQueue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	q.cancel()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	for {
		select {
		case report := <-q.queue:
			q.fail(ctx, report, errors.New("retry queue shut down before delivery"), "dropped")
		default:
			return err
		}
	}
}

func (q *RetryQueue) worker() {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			return
		case report := <-q.queue:
			q.process(report)
		}
	}
}

func (q *RetryQueue) process(report *UsageReport) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = q.conf.InitialInterval
	b.MaxInterval = q.conf.MaxInterval

	attempts := 0
	operation := func() (*UsageAck, error) {
		attempts++
		ack, err := q.deliver(q.ctx, report)
		if err == nil {
			return ack, nil
		}
		if errors.Is(err, ErrProviderRejected) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	ack, err := backoff.Retry(q.ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(q.conf.MaxAttempts)),
		backoff.WithMaxElapsedTime(q.conf.MaxElapsedTime),
		backoff.WithNotify(func(err error, next time.Duration) {
			q.metrics.RecordRetry("retrying")
			q.logger.Warn("usage delivery failed, retrying",
				F("customer_id", report.CustomerID),
				F("token", report.IdempotencyToken),
				F("retry_in", next.String()),
				F("error", err),
			)
		}),
	)
	if err != nil {
		outcome := "exhausted"
		if q.ctx.Err() != nil {
			outcome = "dropped"
		}
		q.fail(context.Background(), report, fmt.Errorf("delivery failed after %d attempts: %w", attempts, err), outcome)
		return
	}

	var providerID string
	if ack != nil {
		providerID = ack.ID
	}
	q.metrics.RecordRetry("delivered")
	q.logger.Info("queued usage delivered",
		F("customer_id", report.CustomerID),
		F("token", report.IdempotencyToken),
		F("attempts", attempts),
		F("provider_id", providerID),
	)
}

func (q *RetryQueue) fail(ctx context.Context, report *UsageReport, err error, outcome string) {
	q.metrics.RecordRetry(outcome)
	q.logger.Error("usage report not delivered",
		F("customer_id", report.CustomerID),
		F("token", report.IdempotencyToken),
		F("quantity", report.Quantity),
		F("error", err),
	)
	q.alert.OnDeliveryFailure(ctx, report, err)
}
