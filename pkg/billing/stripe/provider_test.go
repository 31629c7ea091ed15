package stripe

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/keymeter/pkg/billing"
	"github.com/mihaimyh/keymeter/pkg/keymeter"
)

// capturedRequest is what the fake API saw
type capturedRequest struct {
	Method         string
	Path           string
	Form           url.Values
	IdempotencyKey string
}

// fakeAPI serves canned Stripe responses keyed by path
type fakeAPI struct {
	t        *testing.T
	mu       sync.Mutex
	requests []capturedRequest
	status   int
	body     string
}

func (f *fakeAPI) respond(status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status, f.body = status, body
}

func (f *fakeAPI) last() capturedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(f.t, f.requests)
	return f.requests[len(f.requests)-1]
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm() //nolint:errcheck // GET requests carry no form

	f.mu.Lock()
	f.requests = append(f.requests, capturedRequest{
		Method:         r.Method,
		Path:           r.URL.Path,
		Form:           r.PostForm,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	status, body := f.status, f.body
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body)) //nolint:errcheck // test server
}

func newAPIProvider(t *testing.T, mutate func(*Config)) (*Provider, *fakeAPI) {
	t.Helper()

	api := &fakeAPI{t: t, status: http.StatusOK, body: `{}`}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	config := Config{
		Config:         billing.Config{APIKey: "sk_test_123"},
		PriceID:        "price_metered",
		MeterEventName: "api_requests",
		SuccessURL:     "https://example.com/success?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:      "https://example.com/cancel",
		Backends: stripe.NewBackendsWithConfig(&stripe.BackendConfig{
			URL:               stripe.String(srv.URL),
			HTTPClient:        srv.Client(),
			MaxNetworkRetries: stripe.Int64(0),
		}),
	}
	if mutate != nil {
		mutate(&config)
	}

	p, err := NewProvider(config)
	require.NoError(t, err)
	return p, api
}

func stripeError(status int, message string) string {
	return fmt.Sprintf(`{"error":{"type":"invalid_request_error","message":%q,"status":%d}}`, message, status)
}

func TestNewProvider_RequiresAPIKey(t *testing.T) {
	_, err := NewProvider(Config{})
	assert.ErrorIs(t, err, billing.ErrProviderNotConfigured)

	_, err = NewProvider(Config{Config: billing.Config{APIKey: "   "}})
	assert.ErrorIs(t, err, billing.ErrProviderNotConfigured)

	p, err := NewProvider(Config{Config: billing.Config{APIKey: "sk_test_123"}})
	require.NoError(t, err)
	assert.Equal(t, "stripe", p.Name())
	assert.Equal(t, defaultEventRetention, p.config.EventRetention)
	assert.Equal(t, defaultProvisionAttempts, p.config.ProvisionAttempts)
	assert.False(t, p.webhookReady())
}

func TestReportUsage_SendsMeterEvent(t *testing.T) {
	p, api := newAPIProvider(t, nil)
	report := &keymeter.UsageReport{
		CustomerID:       "cus_1",
		BillingItemRef:   "si_1",
		IdempotencyToken: "tok_1",
		Quantity:         1,
		Timestamp:        time.Unix(1700000000, 0),
	}
	ident := meterIdentifier(report)
	api.respond(http.StatusOK, fmt.Sprintf(
		`{"object":"billing.meter_event","event_name":"api_requests","identifier":%q,"timestamp":1700000000}`, ident))

	ack, err := p.ReportUsage(context.Background(), report)
	require.NoError(t, err)
	assert.Equal(t, ident, ack.ID)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), ack.Timestamp)

	req := api.last()
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "/v1/billing/meter_events", req.Path)
	assert.Equal(t, ident, req.IdempotencyKey)
	assert.Equal(t, "api_requests", req.Form.Get("event_name"))
	assert.Equal(t, ident, req.Form.Get("identifier"))
	assert.Equal(t, "cus_1", req.Form.Get("payload[stripe_customer_id]"))
	assert.Equal(t, "1", req.Form.Get("payload[value]"))
	assert.Equal(t, "1700000000", req.Form.Get("timestamp"))
}

func TestMeterIdentifier(t *testing.T) {
	a := meterIdentifier(&keymeter.UsageReport{CustomerID: "cus_1", IdempotencyToken: "tok_1"})
	b := meterIdentifier(&keymeter.UsageReport{CustomerID: "cus_2", IdempotencyToken: "tok_1"})
	long := meterIdentifier(&keymeter.UsageReport{CustomerID: "cus_1", IdempotencyToken: strings.Repeat("x", 400)})

	assert.Len(t, a, 64)
	assert.Len(t, long, 64)
	assert.NotEqual(t, a, b, "tokens are scoped per customer")
	assert.Equal(t, a, meterIdentifier(&keymeter.UsageReport{CustomerID: "cus_1", IdempotencyToken: "tok_1"}))
}

func TestReportUsage_LongTokenReachesAPI(t *testing.T) {
	p, api := newAPIProvider(t, nil)
	api.respond(http.StatusOK, `{"object":"billing.meter_event","identifier":"x","timestamp":1700000000}`)

	_, err := p.ReportUsage(context.Background(), &keymeter.UsageReport{
		CustomerID:       "cus_1",
		IdempotencyToken: strings.Repeat("t", 400),
		Quantity:         1,
		Timestamp:        time.Unix(1700000000, 0),
	})
	require.NoError(t, err)

	req := api.last()
	assert.Len(t, req.IdempotencyKey, 64)
	assert.Len(t, req.Form.Get("identifier"), 64)
}

func TestReportUsage_ClassifiesErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{"bad request", http.StatusBadRequest, keymeter.ErrProviderRejected},
		{"not found", http.StatusNotFound, keymeter.ErrNotFound},
		{"conflict", http.StatusConflict, keymeter.ErrProviderUnavailable},
		{"rate limited", http.StatusTooManyRequests, keymeter.ErrProviderUnavailable},
		{"server error", http.StatusInternalServerError, keymeter.ErrProviderUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, api := newAPIProvider(t, nil)
			api.respond(tt.status, stripeError(tt.status, tt.name))

			_, err := p.ReportUsage(context.Background(), &keymeter.UsageReport{
				CustomerID:       "cus_1",
				IdempotencyToken: "tok_1",
				Quantity:         1,
			})
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestReportUsage_Unconfigured(t *testing.T) {
	p, _ := newAPIProvider(t, func(c *Config) { c.MeterEventName = "" })

	_, err := p.ReportUsage(context.Background(), &keymeter.UsageReport{CustomerID: "cus_1", IdempotencyToken: "tok_1", Quantity: 1})
	assert.ErrorIs(t, err, keymeter.ErrProviderRejected)
}

func TestReportUsage_TransportFailure(t *testing.T) {
	p, _ := newAPIProvider(t, func(c *Config) {
		c.Backends = stripe.NewBackendsWithConfig(&stripe.BackendConfig{
			URL:               stripe.String("http://127.0.0.1:1"),
			MaxNetworkRetries: stripe.Int64(0),
		})
	})

	_, err := p.ReportUsage(context.Background(), &keymeter.UsageReport{CustomerID: "cus_1", IdempotencyToken: "tok_1", Quantity: 1})
	assert.ErrorIs(t, err, keymeter.ErrProviderUnavailable)
}

func TestCreateCheckoutSession(t *testing.T) {
	p, api := newAPIProvider(t, nil)
	api.respond(http.StatusOK, `{"id":"cs_test_1","object":"checkout.session","url":"https://checkout.stripe.com/c/pay/cs_test_1"}`)

	session, err := p.CreateCheckoutSession(context.Background(), &billing.CheckoutRequest{
		CustomerID:        "cus_1",
		ClientReferenceID: "user-42",
	})
	require.NoError(t, err)
	assert.Equal(t, "cs_test_1", session.ID)
	assert.Equal(t, "https://checkout.stripe.com/c/pay/cs_test_1", session.URL)

	req := api.last()
	assert.Equal(t, "/v1/checkout/sessions", req.Path)
	assert.Equal(t, "subscription", req.Form.Get("mode"))
	assert.Equal(t, "price_metered", req.Form.Get("line_items[0][price]"))
	assert.Empty(t, req.Form.Get("line_items[0][quantity]"))
	assert.Equal(t, "https://example.com/success?session_id={CHECKOUT_SESSION_ID}", req.Form.Get("success_url"))
	assert.Equal(t, "https://example.com/cancel", req.Form.Get("cancel_url"))
	assert.Equal(t, "cus_1", req.Form.Get("customer"))
	assert.Equal(t, "user-42", req.Form.Get("client_reference_id"))
}

func TestCreateCheckoutSession_NotConfigured(t *testing.T) {
	p, _ := newAPIProvider(t, func(c *Config) { c.PriceID = "" })

	_, err := p.CreateCheckoutSession(context.Background(), nil)
	assert.ErrorIs(t, err, billing.ErrProviderNotConfigured)
}

func TestCreateCheckoutSession_Rejected(t *testing.T) {
	p, api := newAPIProvider(t, nil)
	api.respond(http.StatusBadRequest, stripeError(http.StatusBadRequest, "No such price"))

	_, err := p.CreateCheckoutSession(context.Background(), nil)
	assert.ErrorIs(t, err, keymeter.ErrProviderRejected)
}

func TestUpcomingInvoice(t *testing.T) {
	p, api := newAPIProvider(t, nil)
	api.respond(http.StatusOK, `{
		"object": "invoice",
		"currency": "usd",
		"amount_due": 1200,
		"subtotal": 1200,
		"total": 1200,
		"period_start": 1700000000,
		"period_end": 1702592000,
		"lines": {"object": "list", "data": [
			{"object": "line_item", "description": "1200 x API request", "amount": 1200, "quantity": 1200}
		]}
	}`)

	preview, err := p.UpcomingInvoice(context.Background(), "cus_1")
	require.NoError(t, err)
	assert.Equal(t, "cus_1", preview.CustomerID)
	assert.Equal(t, "usd", preview.Currency)
	assert.Equal(t, int64(1200), preview.AmountDue)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), preview.PeriodStart)
	require.Len(t, preview.Lines, 1)
	assert.Equal(t, "1200 x API request", preview.Lines[0].Description)
	assert.Equal(t, int64(1200), preview.Lines[0].Quantity)

	req := api.last()
	assert.Equal(t, "/v1/invoices/create_preview", req.Path)
	assert.Equal(t, "cus_1", req.Form.Get("customer"))
}

func TestUpcomingInvoice_UnknownCustomer(t *testing.T) {
	p, api := newAPIProvider(t, nil)
	api.respond(http.StatusNotFound, stripeError(http.StatusNotFound, "No such customer"))

	_, err := p.UpcomingInvoice(context.Background(), "cus_missing")
	assert.ErrorIs(t, err, billing.ErrCustomerNotFound)

	_, err = p.UpcomingInvoice(context.Background(), "")
	assert.ErrorIs(t, err, keymeter.ErrInvalidArgument)
}

func TestAPISubscriptions_FirstItemID(t *testing.T) {
	p, api := newAPIProvider(t, nil)
	source := &apiSubscriptions{provider: p}

	api.respond(http.StatusOK, `{"id":"sub_1","object":"subscription","items":{"object":"list","data":[{"id":"si_1","object":"subscription_item"},{"id":"si_2","object":"subscription_item"}]}}`)
	item, err := source.FirstItemID(context.Background(), "sub_1")
	require.NoError(t, err)
	assert.Equal(t, "si_1", item)
	assert.Equal(t, "/v1/subscriptions/sub_1", api.last().Path)

	api.respond(http.StatusOK, `{"id":"sub_2","object":"subscription","items":{"object":"list","data":[]}}`)
	_, err = source.FirstItemID(context.Background(), "sub_2")
	assert.ErrorIs(t, err, billing.ErrSubscriptionHasNoItems)

	api.respond(http.StatusServiceUnavailable, stripeError(http.StatusServiceUnavailable, "try later"))
	_, err = source.FirstItemID(context.Background(), "sub_3")
	assert.ErrorIs(t, err, keymeter.ErrProviderUnavailable)
}

func TestClassifyError(t *testing.T) {
	assert.NoError(t, classifyError(nil))
	assert.ErrorIs(t, classifyError(fmt.Errorf("dial tcp: refused")), keymeter.ErrProviderUnavailable)
	assert.ErrorIs(t, classifyError(&stripe.Error{HTTPStatusCode: http.StatusUnauthorized}), keymeter.ErrProviderRejected)
	assert.ErrorIs(t, classifyError(&stripe.Error{HTTPStatusCode: http.StatusBadGateway}), keymeter.ErrProviderUnavailable)
}
