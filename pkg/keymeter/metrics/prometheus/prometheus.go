package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mihaimyh/keymeter/pkg/keymeter"
)

// Metrics implements keymeter.Metrics using Prometheus.
type Metrics struct {
	keyGenerationTotal         *prometheus.CounterVec
	keyGenerationAttempts      prometheus.Histogram
	authenticationTotal        *prometheus.CounterVec
	usageTotal                 *prometheus.CounterVec
	providerCallDuration       *prometheus.HistogramVec
	providerCallErrors         *prometheus.CounterVec
	retryTotal                 *prometheus.CounterVec
	accountTransitionsTotal    *prometheus.CounterVec
	cacheHitsTotal             prometheus.Counter
	cacheMissesTotal           prometheus.Counter
	circuitBreakerStateChanges *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		keyGenerationTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "key_generation_total",
			Help:      "Total number of API key generations.",
		}, []string{"success"}),

		keyGenerationAttempts: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "key_generation_attempts",
			Help:      "Candidates drawn per key generation.",
			Buckets:   []float64{1, 2, 3, 5, 8},
		}),

		authenticationTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "authentication_total",
			Help:      "Total number of API key lookups by result.",
		}, []string{"result"}),

		usageTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_events_total",
			Help:      "Total number of metered calls by status.",
		}, []string{"status"}),

		providerCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_call_duration_seconds",
			Help:      "Latency of billing provider calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		providerCallErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_call_errors_total",
			Help:      "Total number of failed billing provider calls.",
		}, []string{"operation"}),

		retryTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_queue_events_total",
			Help:      "Total number of retry queue events by outcome.",
		}, []string{"outcome"}),

		accountTransitionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "account_transitions_total",
			Help:      "Total number of account state transitions.",
		}, []string{"from", "to"}),

		cacheHitsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "key_cache_hits_total",
			Help:      "Total number of key cache hits.",
		}),

		cacheMissesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "key_cache_misses_total",
			Help:      "Total number of key cache misses.",
		}),

		circuitBreakerStateChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state_changes_total",
			Help:      "Total number of circuit breaker state changes.",
		}, []string{"state"}),
	}
}

func (m *Metrics) RecordKeyGeneration(attempts int, success bool) {
	m.keyGenerationTotal.WithLabelValues(strconv.FormatBool(success)).Inc()
	m.keyGenerationAttempts.Observe(float64(attempts))
}

func (m *Metrics) RecordAuthentication(result string) {
	m.authenticationTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordUsage(status string) {
	m.usageTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordProviderCall(operation string, duration time.Duration, err error) {
	m.providerCallDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.providerCallErrors.WithLabelValues(operation).Inc()
	}
}

func (m *Metrics) RecordRetry(outcome string) {
	m.retryTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordAccountTransition(from, to keymeter.AccountState) {
	m.accountTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
}

func (m *Metrics) RecordCacheHit() {
	m.cacheHitsTotal.Inc()
}

func (m *Metrics) RecordCacheMiss() {
	m.cacheMissesTotal.Inc()
}

func (m *Metrics) RecordCircuitBreakerStateChange(state string) {
	m.circuitBreakerStateChanges.WithLabelValues(state).Inc()
}
