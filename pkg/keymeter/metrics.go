package keymeter

import "time"

// Metrics defines the interface for tracking key, ledger and metering operations.
type Metrics interface {
	// RecordKeyGeneration records a key generation attempt sequence.
	// attempts is the number of candidates drawn, success whether one was unique.
	RecordKeyGeneration(attempts int, success bool)

	// RecordAuthentication records an API key lookup. result is "ok", "not_found" or "error".
	RecordAuthentication(result string)

	// RecordUsage records a metered call by final status ("recorded", "duplicate",
	// "queued", "unreported", "unauthorized", "fail_closed").
	RecordUsage(status string)

	// RecordProviderCall records the duration and outcome of a billing provider call.
	RecordProviderCall(operation string, duration time.Duration, err error)

	// RecordRetry records a retry queue outcome ("enqueued", "delivered",
	// "retrying", "exhausted", "dropped").
	RecordRetry(outcome string)

	// RecordAccountTransition records a ledger state change.
	RecordAccountTransition(from, to AccountState)

	// RecordCacheHit records a key cache hit.
	RecordCacheHit()

	// RecordCacheMiss records a key cache miss.
	RecordCacheMiss()

	// RecordCircuitBreakerStateChange records a circuit breaker state change.
	RecordCircuitBreakerStateChange(state string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordKeyGeneration(attempts int, success bool)                          {}
func (n *NoopMetrics) RecordAuthentication(result string)                                      {}
func (n *NoopMetrics) RecordUsage(status string)                                               {}
func (n *NoopMetrics) RecordProviderCall(operation string, duration time.Duration, err error) {}
func (n *NoopMetrics) RecordRetry(outcome string)                                              {}
func (n *NoopMetrics) RecordAccountTransition(from, to AccountState)                           {}
func (n *NoopMetrics) RecordCacheHit()                                                         {}
func (n *NoopMetrics) RecordCacheMiss()                                                        {}
func (n *NoopMetrics) RecordCircuitBreakerStateChange(state string)                            {}
