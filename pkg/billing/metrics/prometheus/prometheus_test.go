package prommetrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/keymeter/pkg/billing"
)

var _ billing.Metrics = (*Metrics)(nil)

func TestMetrics_Webhooks(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")

	m.RecordWebhookEvent("stripe", "checkout.session.completed", "processed")
	m.RecordWebhookEvent("stripe", "checkout.session.completed", "duplicate")
	m.RecordWebhookError("stripe", "auth_failed")
	m.RecordWebhookProcessingDuration("stripe", "checkout.session.completed", 15*time.Millisecond)
	m.RecordKeyIssued("stripe")

	assert.Equal(t, 1.0, testutil.ToFloat64(
		m.webhookEventsTotal.WithLabelValues("stripe", "checkout.session.completed", "processed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.webhookErrorsTotal.WithLabelValues("stripe", "auth_failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.keysIssuedTotal.WithLabelValues("stripe")))

	count, err := testutil.GatherAndCount(reg, "test_billing_webhook_processing_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestMetrics_APICalls(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")

	m.RecordAPICall("stripe", "/v1/billing/meter_events", "success")
	m.RecordAPICall("stripe", "/v1/billing/meter_events", "error")
	m.RecordAPICallDuration("stripe", "/v1/billing/meter_events", 30*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.apiCallsTotal.WithLabelValues("stripe", "/v1/billing/meter_events", "error")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.apiCallsTotal))
}
