package billing

import (
	"context"
	"net/http"
	"time"

	"github.com/mihaimyh/keymeter/pkg/keymeter"
)

// Provider is the interface a billing backend implements for the gateway.
// It receives usage through keymeter.BillingProvider and drives account
// state through its webhook handler.
type Provider interface {
	keymeter.BillingProvider

	// Name returns the provider name (e.g., "stripe")
	Name() string

	// WebhookHandler returns the HTTP handler that processes signed events.
	// The implementation handles verification, dedup and ledger updates internally.
	WebhookHandler() http.Handler

	// CreateCheckoutSession starts a hosted subscription checkout.
	CreateCheckoutSession(ctx context.Context, req *CheckoutRequest) (*CheckoutSession, error)

	// UpcomingInvoice previews the next invoice for a customer.
	UpcomingInvoice(ctx context.Context, customerID string) (*InvoicePreview, error)
}

// CheckoutRequest describes a checkout session to create
type CheckoutRequest struct {
	// CustomerID attaches an existing provider customer. Empty lets the
	// provider create one during checkout.
	CustomerID string

	// ClientReferenceID is an opaque caller reference echoed back in the
	// completion event.
	ClientReferenceID string
}

// CheckoutSession is the descriptor returned to the client
type CheckoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// InvoicePreview is a provider-neutral view of an upcoming invoice
type InvoicePreview struct {
	CustomerID  string        `json:"customer"`
	Currency    string        `json:"currency"`
	AmountDue   int64         `json:"amount_due"`
	Subtotal    int64         `json:"subtotal"`
	Total       int64         `json:"total"`
	PeriodStart time.Time     `json:"period_start"`
	PeriodEnd   time.Time     `json:"period_end"`
	Lines       []InvoiceLine `json:"lines"`
}

// InvoiceLine is one line of an invoice preview
type InvoiceLine struct {
	Description string `json:"description"`
	Amount      int64  `json:"amount"`
	Quantity    int64  `json:"quantity"`
}
