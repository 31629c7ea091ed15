package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/keymeter/pkg/billing"
	"github.com/mihaimyh/keymeter/pkg/billing/internal"
	"github.com/mihaimyh/keymeter/pkg/keymeter"
)

const (
	eventCheckoutCompleted = "checkout.session.completed"
	eventPaymentFailed     = "invoice.payment_failed"
	eventInvoicePaid       = "invoice.paid"

	outcomeProcessed = "processed"
	outcomeDuplicate = "duplicate"
	outcomeIgnored   = "ignored"
)

// webhookResponse is the body of every 200 answer
type webhookResponse struct {
	Received bool   `json:"received"`
	Status   string `json:"status"`
}

// handleWebhook verifies and applies a Stripe event. Only a committed (or
// already committed) transition is acknowledged with 200; anything else
// returns 5xx so Stripe redelivers.
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	internal.SetSecurityHeaders(w)

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !p.webhookReady() {
		p.metrics.RecordWebhookError(providerName, "not_configured")
		http.Error(w, billing.ErrWebhookNotConfigured.Error(), http.StatusServiceUnavailable)
		return
	}

	body, err := internal.ReadBodyStrict(w, r, webhookBodyLimit)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			p.metrics.RecordWebhookError(providerName, "payload_too_large")
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		} else {
			p.metrics.RecordWebhookError(providerName, "invalid_payload")
			http.Error(w, "invalid payload", http.StatusBadRequest)
		}
		return
	}

	event, err := p.verify(body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		p.metrics.RecordWebhookError(providerName, "auth_failed")
		p.logger.Warn("webhook signature verification failed",
			keymeter.F("remote", internal.ClientIP(r)),
			keymeter.F("error", err),
		)
		http.Error(w, "invalid signature", http.StatusBadRequest)
		return
	}

	eventType := string(event.Type)
	outcome, err := p.processEvent(r.Context(), event)
	p.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(startTime))
	if err != nil {
		p.metrics.RecordWebhookEvent(providerName, eventType, "error")
		p.metrics.RecordWebhookError(providerName, "processing_error")
		p.logger.Error("webhook processing failed",
			keymeter.F("event_id", event.ID),
			keymeter.F("event_type", eventType),
			keymeter.F("error", err),
		)
		http.Error(w, "failed to process webhook", http.StatusInternalServerError)
		return
	}

	p.metrics.RecordWebhookEvent(providerName, eventType, outcome)
	_ = internal.WriteJSON(w, http.StatusOK, webhookResponse{Received: true, Status: outcome}) //nolint:errcheck // client gone
}

// verify checks the Stripe-Signature header against the signing secret
func (p *Provider) verify(body []byte, signature string) (*stripe.Event, error) {
	if signature == "" {
		return nil, fmt.Errorf("%w: missing Stripe-Signature header", keymeter.ErrSignatureInvalid)
	}
	event, err := webhook.ConstructEventWithOptions(body, signature, p.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", keymeter.ErrSignatureInvalid, err)
	}
	return &event, nil
}

// processEvent applies a verified event and returns the outcome label.
// Relevant events are deduplicated by id and serialized per event id.
func (p *Provider) processEvent(ctx context.Context, event *stripe.Event) (string, error) {
	switch event.Type {
	case eventCheckoutCompleted, eventPaymentFailed, eventInvoicePaid:
	default:
		p.logger.Debug("ignoring webhook event", keymeter.F("event_type", string(event.Type)))
		return outcomeIgnored, nil
	}
	if event.ID == "" || event.Data == nil {
		return "", fmt.Errorf("%w: event without id or data", billing.ErrInvalidWebhookPayload)
	}

	if done, err := p.storage.EventProcessed(ctx, event.ID); err != nil {
		return "", fmt.Errorf("failed to check event dedup: %w", err)
	} else if done {
		return outcomeDuplicate, nil
	}

	unlock, err := p.ledger.Locker().Lock(ctx, keymeter.EventLockKey(event.ID))
	if err != nil {
		return "", fmt.Errorf("failed to lock event: %w", err)
	}
	defer unlock()

	// A concurrent delivery may have finished while we waited.
	if done, err := p.storage.EventProcessed(ctx, event.ID); err != nil {
		return "", fmt.Errorf("failed to check event dedup: %w", err)
	} else if done {
		return outcomeDuplicate, nil
	}

	switch event.Type {
	case eventCheckoutCompleted:
		return p.handleCheckoutCompleted(ctx, event)
	case eventPaymentFailed:
		return p.handlePaymentFailed(ctx, event)
	default:
		return p.markProcessed(ctx, event)
	}
}

// handleCheckoutCompleted provisions the customer: resolve the subscription
// item, then issue a key and activate the account in one storage transaction.
func (p *Provider) handleCheckoutCompleted(ctx context.Context, event *stripe.Event) (string, error) {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return "", fmt.Errorf("%w: checkout session: %w", billing.ErrInvalidWebhookPayload, err)
	}

	var customerID, subscriptionID string
	if session.Customer != nil {
		customerID = session.Customer.ID
	}
	if session.Subscription != nil {
		subscriptionID = session.Subscription.ID
	}
	if customerID == "" || subscriptionID == "" {
		p.logger.Warn("checkout session without customer or subscription",
			keymeter.F("event_id", event.ID),
			keymeter.F("session_id", session.ID),
		)
		return p.markProcessed(ctx, event)
	}

	log := keymeter.With(p.logger,
		keymeter.F("event_id", event.ID),
		keymeter.F("customer_id", customerID),
	)

	from, err := p.ledger.State(ctx, customerID)
	if err != nil {
		return "", err
	}
	p.ledger.RecordTransition(from, keymeter.StatePendingActivation)

	// Provider lookups run before any customer lock is taken.
	itemID, err := p.subscriptions.FirstItemID(ctx, subscriptionID)
	if err != nil {
		return "", err
	}

	var result *keymeter.ProvisionResult
	var plaintext string
	err = p.ledger.WithCustomerLock(ctx, customerID, func(ctx context.Context) error {
		for attempt := 1; attempt <= p.config.ProvisionAttempts; attempt++ {
			key, hashed, err := p.keys.Generate(ctx)
			if err != nil {
				return err
			}

			res, err := p.storage.Provision(ctx, &keymeter.ProvisionRequest{
				EventID:        event.ID,
				CustomerID:     customerID,
				HashedKey:      hashed,
				BillingItemRef: itemID,
				EventTTL:       p.config.EventRetention,
				Now:            p.now().UTC(),
			})
			if errors.Is(err, keymeter.ErrConflict) {
				log.Warn("generated key taken during provision, regenerating", keymeter.F("attempt", attempt))
				continue
			}
			if err != nil {
				return err
			}
			result, plaintext = res, key
			return nil
		}
		return fmt.Errorf("%w: key conflicts persisted after %d attempts",
			keymeter.ErrKeyGenerationExhausted, p.config.ProvisionAttempts)
	})
	if err != nil {
		return "", fmt.Errorf("failed to provision customer %s: %w", customerID, err)
	}
	if result.AlreadyProcessed {
		return outcomeDuplicate, nil
	}

	p.ledger.RecordTransition(keymeter.StatePendingActivation, keymeter.StateActive)
	log.Info("customer provisioned",
		keymeter.F("subscription_id", subscriptionID),
		keymeter.F("billing_item", itemID),
		keymeter.F("key_issued", result.KeyIssued),
		keymeter.F("hashed_key", keymeter.KeyPrefix(result.Account.HashedKey)),
	)

	if result.KeyIssued {
		p.metrics.RecordKeyIssued(providerName)
		p.deliverKey(ctx, billing.KeyIssuedEvent{
			CustomerID:     customerID,
			SubscriptionID: subscriptionID,
			BillingItemRef: itemID,
			APIKey:         plaintext,
			Provider:       providerName,
			EventID:        event.ID,
			EventType:      string(event.Type),
			EventTimestamp: time.Unix(event.Created, 0).UTC(),
		})
	}
	return outcomeProcessed, nil
}

// deliverKey hands the plaintext key to the application exactly once,
// retrying the callback with backoff. When every attempt fails the operator
// alert receives the event.
func (p *Provider) deliverKey(ctx context.Context, ev billing.KeyIssuedEvent) {
	// The account is committed; Stripe hanging up must not stop delivery.
	ctx = context.WithoutCancel(ctx)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.config.KeyDeliveryInterval

	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		err := p.callKeyIssued(ctx, ev)
		if errors.Is(err, billing.ErrKeyDeliveryRejected) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(p.config.KeyDeliveryAttempts)),
		backoff.WithMaxElapsedTime(p.config.KeyDeliveryMaxElapsed),
		backoff.WithNotify(func(err error, next time.Duration) {
			p.logger.Warn("key delivery failed, retrying",
				keymeter.F("customer_id", ev.CustomerID),
				keymeter.F("event_id", ev.EventID),
				keymeter.F("retry_in", next.String()),
				keymeter.F("error", err),
			)
		}),
	)
	if err == nil {
		return
	}

	p.metrics.RecordWebhookError(providerName, "key_delivery_failed")
	p.logger.Error("issued key could not be delivered",
		keymeter.F("customer_id", ev.CustomerID),
		keymeter.F("event_id", ev.EventID),
		keymeter.F("attempts", attempts),
		keymeter.F("key_prefix", keymeter.KeyPrefix(ev.APIKey)),
		keymeter.F("error", err),
	)
	if p.config.OnKeyDeliveryFailure != nil {
		p.config.OnKeyDeliveryFailure(ctx, ev, fmt.Errorf("key delivery failed after %d attempts: %w", attempts, err))
	}
}

// callKeyIssued runs the callback once. A panic is a permanent failure.
func (p *Provider) callKeyIssued(ctx context.Context, ev billing.KeyIssuedEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: callback panicked: %v", billing.ErrKeyDeliveryRejected, r)
		}
	}()
	return p.onKeyIssued(ctx, ev)
}

// handlePaymentFailed deactivates the customer, then records the event.
// An unknown customer is a no-op so out-of-order deliveries succeed.
func (p *Provider) handlePaymentFailed(ctx context.Context, event *stripe.Event) (string, error) {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return "", fmt.Errorf("%w: invoice: %w", billing.ErrInvalidWebhookPayload, err)
	}
	if invoice.Customer == nil || invoice.Customer.ID == "" {
		return "", fmt.Errorf("%w: invoice without customer", billing.ErrInvalidWebhookPayload)
	}

	if err := p.ledger.Deactivate(ctx, invoice.Customer.ID); err != nil {
		return "", err
	}
	return p.markProcessed(ctx, event)
}

func (p *Provider) markProcessed(ctx context.Context, event *stripe.Event) (string, error) {
	if _, err := p.storage.MarkEventProcessed(ctx, event.ID, p.config.EventRetention); err != nil {
		return "", fmt.Errorf("failed to record event: %w", err)
	}
	return outcomeProcessed, nil
}
