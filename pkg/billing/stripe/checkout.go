package stripe

import (
	"context"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/keymeter/pkg/billing"
)

const checkoutEndpoint = "/v1/checkout/sessions"

// CreateCheckoutSession creates a subscription Checkout Session for the
// configured metered price.
func (p *Provider) CreateCheckoutSession(ctx context.Context, req *billing.CheckoutRequest) (*billing.CheckoutSession, error) {
	if p.config.PriceID == "" || p.config.SuccessURL == "" || p.config.CancelURL == "" {
		p.metrics.RecordAPICall(providerName, checkoutEndpoint, "not_configured")
		return nil, fmt.Errorf("%w: price and redirect URLs are required for checkout", billing.ErrProviderNotConfigured)
	}
	if req == nil {
		req = &billing.CheckoutRequest{}
	}

	// Metered prices take no quantity.
	params := &stripe.CheckoutSessionCreateParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{Price: stripe.String(p.config.PriceID)},
		},
		SuccessURL: stripe.String(p.config.SuccessURL),
		CancelURL:  stripe.String(p.config.CancelURL),
	}
	if req.CustomerID != "" {
		params.Customer = stripe.String(req.CustomerID)
	}
	if req.ClientReferenceID != "" {
		params.ClientReferenceID = stripe.String(req.ClientReferenceID)
	}

	start := time.Now()
	session, err := p.stripeClient.V1CheckoutSessions.Create(ctx, params)
	p.observe(checkoutEndpoint, start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkout session: %w", classifyError(err))
	}

	return &billing.CheckoutSession{ID: session.ID, URL: session.URL}, nil
}
