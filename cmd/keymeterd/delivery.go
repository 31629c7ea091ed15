package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/mihaimyh/keymeter/pkg/billing"
	"github.com/mihaimyh/keymeter/pkg/keymeter"
)

// keyDeliveryPayload is POSTed to KEY_DELIVERY_URL for every issued key
type keyDeliveryPayload struct {
	CustomerID     string    `json:"customer"`
	SubscriptionID string    `json:"subscription"`
	APIKey         string    `json:"api_key"`
	EventID        string    `json:"event_id"`
	IssuedAt       time.Time `json:"issued_at"`
}

// newKeyDelivery returns the callback that hands plaintext keys to the
// application. Client errors other than 408 and 429 are final; the provider
// retries everything else.
func newKeyDelivery(url string, logger keymeter.Logger) billing.KeyIssuedCallback {
	client := &http.Client{Timeout: 5 * time.Second}
	return func(ctx context.Context, event billing.KeyIssuedEvent) error {
		body, err := json.Marshal(keyDeliveryPayload{
			CustomerID:     event.CustomerID,
			SubscriptionID: event.SubscriptionID,
			APIKey:         event.APIKey,
			EventID:        event.EventID,
			IssuedAt:       time.Now().UTC(),
		})
		if err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", event.EventID)

		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("key delivery failed: %w", err)
		}
		defer resp.Body.Close()
		switch code := resp.StatusCode; {
		case code/100 == 2:
		case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
			return fmt.Errorf("key delivery failed: status %d", code)
		default:
			return fmt.Errorf("%w: status %d", billing.ErrKeyDeliveryRejected, code)
		}
		logger.Info("issued key delivered",
			keymeter.F("customer_id", event.CustomerID),
			keymeter.F("key_prefix", keymeter.KeyPrefix(event.APIKey)),
		)
		return nil
	}
}

// newKeyDeliveryAlert reports keys that never reached KEY_DELIVERY_URL. The
// account is active but its customer holds no key; an operator has to
// deactivate it and provision a new subscription.
func newKeyDeliveryAlert(zl zerolog.Logger) billing.KeyDeliveryAlert {
	return func(_ context.Context, event billing.KeyIssuedEvent, err error) {
		zl.Error().
			Err(err).
			Bool("alert", true).
			Str("customer_id", event.CustomerID).
			Str("subscription_id", event.SubscriptionID).
			Str("event_id", event.EventID).
			Str("key_prefix", keymeter.KeyPrefix(event.APIKey)).
			Msg("issued key undelivered")
	}
}
