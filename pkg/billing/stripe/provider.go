package stripe

import (
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/keymeter/pkg/billing"
	"github.com/mihaimyh/keymeter/pkg/billing/internal"
	"github.com/mihaimyh/keymeter/pkg/keymeter"
)

const (
	providerName             = "stripe"
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
	defaultEventRetention    = 7 * 24 * time.Hour
	defaultProvisionAttempts = 3
	defaultDeliveryAttempts  = 5
	defaultDeliveryInterval  = 200 * time.Millisecond
	defaultDeliveryElapsed   = 20 * time.Second
	webhookBodyLimit         = 256 * 1024
)

// Config extends billing.Config with Stripe-specific options
type Config struct {
	billing.Config // Base config (APIKey, WebhookSecret, Metrics, Logger)

	// PriceID is the metered price offered at checkout
	PriceID string

	// MeterEventName is the billing meter event usage is reported to
	MeterEventName string

	// SuccessURL and CancelURL are the checkout redirect targets. SuccessURL
	// may contain the {CHECKOUT_SESSION_ID} placeholder.
	SuccessURL string
	CancelURL  string

	// Storage, KeyStore and Ledger are required to process webhooks
	Storage  keymeter.Storage
	KeyStore *keymeter.KeyStore
	Ledger   *keymeter.Ledger

	// OnKeyIssued receives the plaintext key of every newly provisioned account.
	// Webhooks are refused with 503 until it is set.
	OnKeyIssued billing.KeyIssuedCallback

	// OnKeyDeliveryFailure is alerted when OnKeyIssued keeps failing
	OnKeyDeliveryFailure billing.KeyDeliveryAlert

	// KeyDeliveryAttempts caps OnKeyIssued calls per key (default 5).
	// KeyDeliveryInterval is the first backoff delay (default 200ms) and
	// KeyDeliveryMaxElapsed bounds the whole delivery (default 20s).
	KeyDeliveryAttempts   int
	KeyDeliveryInterval   time.Duration
	KeyDeliveryMaxElapsed time.Duration

	// EventRetention is how long processed event ids are remembered (default 7d)
	EventRetention time.Duration

	// ProvisionAttempts bounds key regeneration on conflicts (default 3)
	ProvisionAttempts int

	// RateLimitRequests per RateLimitWindow per client IP on the webhook
	// endpoint (default 100/min)
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Subscriptions overrides the subscription lookup (default: Stripe API)
	Subscriptions SubscriptionSource

	// Backends overrides the Stripe API backends, e.g. to target stripe-mock
	Backends *stripe.Backends
}

var _ billing.Provider = (*Provider)(nil)

// Provider implements billing.Provider for Stripe
type Provider struct {
	config        Config
	stripeClient  *stripe.Client
	subscriptions SubscriptionSource
	rateLimiter   *internal.RateLimiter
	webhookSecret string
	storage       keymeter.Storage
	keys          *keymeter.KeyStore
	ledger        *keymeter.Ledger
	onKeyIssued   billing.KeyIssuedCallback
	metrics       billing.Metrics
	logger        keymeter.Logger
	now           func() time.Time
}

// NewProvider creates a new Stripe billing provider
func NewProvider(config Config) (*Provider, error) {
	apiKey := strings.TrimSpace(config.APIKey)
	if apiKey == "" {
		return nil, billing.ErrProviderNotConfigured
	}

	var opts []stripe.ClientOption
	if config.Backends != nil {
		opts = append(opts, stripe.WithBackends(config.Backends))
	}
	stripeClient := stripe.NewClient(apiKey, opts...)

	if config.EventRetention <= 0 {
		config.EventRetention = defaultEventRetention
	}
	if config.ProvisionAttempts <= 0 {
		config.ProvisionAttempts = defaultProvisionAttempts
	}
	if config.KeyDeliveryAttempts <= 0 {
		config.KeyDeliveryAttempts = defaultDeliveryAttempts
	}
	if config.KeyDeliveryInterval <= 0 {
		config.KeyDeliveryInterval = defaultDeliveryInterval
	}
	if config.KeyDeliveryMaxElapsed <= 0 {
		config.KeyDeliveryMaxElapsed = defaultDeliveryElapsed
	}
	if config.RateLimitRequests <= 0 {
		config.RateLimitRequests = defaultRateLimitRequests
	}
	if config.RateLimitWindow <= 0 {
		config.RateLimitWindow = defaultRateLimitWindow
	}

	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}
	logger := config.Logger
	if logger == nil {
		logger = &keymeter.NoopLogger{}
	}

	p := &Provider{
		config:        config,
		stripeClient:  stripeClient,
		rateLimiter:   internal.NewRateLimiter(config.RateLimitRequests, config.RateLimitWindow),
		webhookSecret: strings.TrimSpace(config.WebhookSecret),
		storage:       config.Storage,
		keys:          config.KeyStore,
		ledger:        config.Ledger,
		onKeyIssued:   config.OnKeyIssued,
		metrics:       metrics,
		logger:        logger,
		now:           time.Now,
	}

	p.subscriptions = config.Subscriptions
	if p.subscriptions == nil {
		p.subscriptions = &apiSubscriptions{provider: p}
	}
	return p, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Stripe webhooks
func (p *Provider) WebhookHandler() http.Handler {
	return p.rateLimiter.Middleware(http.HandlerFunc(p.handleWebhook))
}

// webhookReady reports whether the provider can process webhooks at all
func (p *Provider) webhookReady() bool {
	return p.webhookSecret != "" && p.storage != nil && p.keys != nil && p.ledger != nil &&
		p.onKeyIssued != nil
}

// observe records an outbound API call
func (p *Provider) observe(endpoint string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	p.metrics.RecordAPICall(providerName, endpoint, status)
	p.metrics.RecordAPICallDuration(providerName, endpoint, time.Since(start))
}
