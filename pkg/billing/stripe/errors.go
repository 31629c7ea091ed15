package stripe

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/keymeter/pkg/keymeter"
)

// classifyError maps a Stripe API error onto the keymeter error model.
// 409, 429 and 5xx responses as well as transport failures are transient;
// any other 4xx is a permanent rejection.
func classifyError(err error) error {
	if err == nil {
		return nil
	}

	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return fmt.Errorf("%w: %w", keymeter.ErrProviderUnavailable, err)
	}

	switch code := stripeErr.HTTPStatusCode; {
	case code == http.StatusConflict, code == http.StatusTooManyRequests, code >= 500, code == 0:
		return fmt.Errorf("%w: %w", keymeter.ErrProviderUnavailable, err)
	case code == http.StatusNotFound:
		return fmt.Errorf("%w: %w: %w", keymeter.ErrProviderRejected, keymeter.ErrNotFound, err)
	default:
		return fmt.Errorf("%w: %w", keymeter.ErrProviderRejected, err)
	}
}
