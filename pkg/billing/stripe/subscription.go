package stripe

import (
	"context"
	"fmt"
	"time"

	"github.com/mihaimyh/keymeter/pkg/billing"
)

const subscriptionsEndpoint = "/v1/subscriptions"

// SubscriptionSource resolves the subscription item usage is billed against
type SubscriptionSource interface {
	// FirstItemID returns the id of the subscription's first item
	FirstItemID(ctx context.Context, subscriptionID string) (string, error)
}

// apiSubscriptions looks subscriptions up through the Stripe API
type apiSubscriptions struct {
	provider *Provider
}

func (s *apiSubscriptions) FirstItemID(ctx context.Context, subscriptionID string) (string, error) {
	p := s.provider

	start := time.Now()
	sub, err := p.stripeClient.V1Subscriptions.Retrieve(ctx, subscriptionID, nil)
	p.observe(subscriptionsEndpoint, start, err)
	if err != nil {
		return "", fmt.Errorf("failed to fetch subscription %s: %w", subscriptionID, classifyError(err))
	}

	if sub.Items == nil || len(sub.Items.Data) == 0 || sub.Items.Data[0] == nil {
		return "", fmt.Errorf("%w: %s", billing.ErrSubscriptionHasNoItems, subscriptionID)
	}
	return sub.Items.Data[0].ID, nil
}
