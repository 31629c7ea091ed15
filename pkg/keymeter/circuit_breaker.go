package keymeter

import (
	"context"
	"errors"
	"sync"
	"time"
)

// CircuitState represents the current state of the provider circuit breaker.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// ErrCircuitOpen is returned when the circuit breaker rejects a call without running it.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker guards calls to the billing provider.
type CircuitBreaker interface {
	// Execute runs fn unless the breaker is open.
	Execute(ctx context.Context, fn func(ctx context.Context) error) error
	// State returns the current state.
	State() CircuitState
}

// BreakerConfig configures the default circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit.
	FailureThreshold int
	// ResetTimeout is how long the circuit stays open before a trial call is allowed.
	ResetTimeout time.Duration
	// OnStateChange is called with the new state after every transition.
	OnStateChange func(state CircuitState)
	// IsFailure decides whether an error counts against the breaker. Defaults to
	// counting everything except ErrProviderRejected, which says nothing about
	// provider health.
	IsFailure func(err error) bool
}

// DefaultBreakerConfig returns a breaker that opens after 5 failures for 30s.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
	}
}

// DefaultCircuitBreaker is a consecutive-failure circuit breaker with a single
// half-open trial call.
type DefaultCircuitBreaker struct {
	mu sync.Mutex

	state               CircuitState
	failureThreshold    int
	resetTimeout        time.Duration
	consecutiveFailures int
	openedAt            time.Time
	probing             bool

	onStateChange func(state CircuitState)
	isFailure     func(err error) bool
	now           func() time.Time
}

// NewCircuitBreaker creates a circuit breaker, applying defaults for zero fields.
func NewCircuitBreaker(config BreakerConfig) *DefaultCircuitBreaker {
	def := DefaultBreakerConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = def.ResetTimeout
	}
	if config.IsFailure == nil {
		config.IsFailure = func(err error) bool {
			return !errors.Is(err, ErrProviderRejected)
		}
	}
	return &DefaultCircuitBreaker{
		state:            CircuitClosed,
		failureThreshold: config.FailureThreshold,
		resetTimeout:     config.ResetTimeout,
		onStateChange:    config.OnStateChange,
		isFailure:        config.IsFailure,
		now:              time.Now,
	}
}

func (cb *DefaultCircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentState()
}

func (cb *DefaultCircuitBreaker) currentState() CircuitState {
	if cb.state == CircuitOpen && cb.now().Sub(cb.openedAt) >= cb.resetTimeout {
		return CircuitHalfOpen
	}
	return cb.state
}

func (cb *DefaultCircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.allow(); err != nil {
		return err
	}

	err := fn(ctx)
	if err != nil && cb.isFailure(err) {
		cb.failure()
		return err
	}

	cb.success()
	return err
}

func (cb *DefaultCircuitBreaker) allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.currentState() {
	case CircuitOpen:
		return ErrCircuitOpen
	case CircuitHalfOpen:
		if cb.probing {
			return ErrCircuitOpen
		}
		cb.probing = true
		cb.changeState(CircuitHalfOpen)
	}
	return nil
}

func (cb *DefaultCircuitBreaker) success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.probing = false
	cb.consecutiveFailures = 0
	cb.changeState(CircuitClosed)
}

func (cb *DefaultCircuitBreaker) failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	if cb.state == CircuitHalfOpen || cb.consecutiveFailures >= cb.failureThreshold {
		cb.probing = false
		cb.openedAt = cb.now()
		cb.changeState(CircuitOpen)
	}
}

func (cb *DefaultCircuitBreaker) changeState(newState CircuitState) {
	if cb.state != newState {
		cb.state = newState
		if cb.onStateChange != nil {
			cb.onStateChange(newState)
		}
	}
}
