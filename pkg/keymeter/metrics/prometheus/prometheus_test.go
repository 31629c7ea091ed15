package prommetrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/keymeter/pkg/keymeter"
)

var _ keymeter.Metrics = (*Metrics)(nil)

func findFamily(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	t.Fatalf("metric family %s not found", name)
	return nil
}

func TestMetrics_UsageByStatus(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")

	m.RecordUsage("recorded")
	m.RecordUsage("recorded")
	m.RecordUsage("duplicate")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.usageTotal.WithLabelValues("recorded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.usageTotal.WithLabelValues("duplicate")))
}

func TestMetrics_ProviderCall(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")

	m.RecordProviderCall("report_usage", 20*time.Millisecond, nil)
	m.RecordProviderCall("report_usage", 40*time.Millisecond, errors.New("timeout"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.providerCallErrors.WithLabelValues("report_usage")))

	mf := findFamily(t, reg, "test_provider_call_duration_seconds")
	require.Len(t, mf.GetMetric(), 1)
	assert.Equal(t, uint64(2), mf.GetMetric()[0].GetHistogram().GetSampleCount())
}

func TestMetrics_KeyGeneration(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")

	m.RecordKeyGeneration(1, true)
	m.RecordKeyGeneration(5, false)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.keyGenerationTotal.WithLabelValues("true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.keyGenerationTotal.WithLabelValues("false")))

	mf := findFamily(t, reg, "test_key_generation_attempts")
	assert.Equal(t, 6.0, mf.GetMetric()[0].GetHistogram().GetSampleSum())
}

func TestMetrics_TransitionsAndCache(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")

	m.RecordAccountTransition(keymeter.StateUnknown, keymeter.StateActive)
	m.RecordAccountTransition(keymeter.StateActive, keymeter.StateInactive)
	m.RecordCacheHit()
	m.RecordCacheMiss()
	m.RecordCacheMiss()
	m.RecordRetry("exhausted")
	m.RecordCircuitBreakerStateChange("open")
	m.RecordAuthentication("not_found")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.accountTransitionsTotal.WithLabelValues("unknown", "active")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.accountTransitionsTotal.WithLabelValues("active", "inactive")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheHitsTotal))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.cacheMissesTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.retryTotal.WithLabelValues("exhausted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.circuitBreakerStateChanges.WithLabelValues("open")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.authenticationTotal.WithLabelValues("not_found")))
}

func TestMetrics_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetrics(reg, "test")
	assert.Panics(t, func() { NewMetrics(reg, "test") })
}
