package stripe

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/keymeter/pkg/keymeter"
)

const meterEventsEndpoint = "/v1/billing/meter_events"

// ReportUsage sends one billing meter event. A digest of customer and token is
// both the meter event identifier and the request idempotency key, so
// redelivery of the same report is never double counted by Stripe.
func (p *Provider) ReportUsage(ctx context.Context, report *keymeter.UsageReport) (*keymeter.UsageAck, error) {
	if p.config.MeterEventName == "" {
		return nil, fmt.Errorf("%w: meter event name not configured", keymeter.ErrProviderRejected)
	}
	if report == nil || report.CustomerID == "" || report.IdempotencyToken == "" {
		return nil, fmt.Errorf("%w: incomplete usage report", keymeter.ErrInvalidArgument)
	}

	ts := report.Timestamp
	if ts.IsZero() {
		ts = p.now()
	}

	params := &stripe.BillingMeterEventCreateParams{
		EventName:  stripe.String(p.config.MeterEventName),
		Identifier: stripe.String(meterIdentifier(report)),
		Payload: map[string]string{
			"stripe_customer_id": report.CustomerID,
			"value":              strconv.FormatUint(report.Quantity, 10),
		},
		Timestamp: stripe.Int64(ts.Unix()),
	}
	params.SetIdempotencyKey(meterIdentifier(report))

	start := time.Now()
	event, err := p.stripeClient.V1BillingMeterEvents.Create(ctx, params)
	p.observe(meterEventsEndpoint, start, err)
	if err != nil {
		return nil, classifyError(err)
	}

	return &keymeter.UsageAck{
		ID:        event.Identifier,
		Timestamp: time.Unix(event.Timestamp, 0).UTC(),
	}, nil
}

// meterIdentifier scopes the caller's token to the customer, matching the
// per-customer dedup in storage. The digest keeps it within Stripe's
// identifier and idempotency key limits whatever the token length.
func meterIdentifier(report *keymeter.UsageReport) string {
	sum := sha256.Sum256([]byte(report.CustomerID + ":" + report.IdempotencyToken))
	return hex.EncodeToString(sum[:])
}
