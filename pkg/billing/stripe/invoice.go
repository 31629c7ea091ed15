package stripe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/keymeter/pkg/billing"
	"github.com/mihaimyh/keymeter/pkg/keymeter"
)

const invoicePreviewEndpoint = "/v1/invoices/create_preview"

// UpcomingInvoice previews the customer's next invoice
func (p *Provider) UpcomingInvoice(ctx context.Context, customerID string) (*billing.InvoicePreview, error) {
	if customerID == "" {
		return nil, fmt.Errorf("%w: empty customer id", keymeter.ErrInvalidArgument)
	}

	params := &stripe.InvoiceCreatePreviewParams{
		Customer: stripe.String(customerID),
	}

	start := time.Now()
	inv, err := p.stripeClient.V1Invoices.CreatePreview(ctx, params)
	p.observe(invoicePreviewEndpoint, start, err)
	if err != nil {
		err = classifyError(err)
		if errors.Is(err, keymeter.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", billing.ErrCustomerNotFound, customerID)
		}
		return nil, fmt.Errorf("failed to preview invoice: %w", err)
	}

	return toInvoicePreview(customerID, inv), nil
}

func toInvoicePreview(customerID string, inv *stripe.Invoice) *billing.InvoicePreview {
	preview := &billing.InvoicePreview{
		CustomerID:  customerID,
		Currency:    string(inv.Currency),
		AmountDue:   inv.AmountDue,
		Subtotal:    inv.Subtotal,
		Total:       inv.Total,
		PeriodStart: time.Unix(inv.PeriodStart, 0).UTC(),
		PeriodEnd:   time.Unix(inv.PeriodEnd, 0).UTC(),
		Lines:       []billing.InvoiceLine{},
	}
	if inv.Lines != nil {
		for _, line := range inv.Lines.Data {
			preview.Lines = append(preview.Lines, billing.InvoiceLine{
				Description: line.Description,
				Amount:      line.Amount,
				Quantity:    line.Quantity,
			})
		}
	}
	return preview
}
