package api

import (
	"github.com/mihaimyh/keymeter/pkg/billing"
	"github.com/mihaimyh/keymeter/pkg/keymeter"
)

// MeteredResponse is the body of GET /api
type MeteredResponse struct {
	Data  any                   `json:"data"`
	Usage *keymeter.UsageRecord `json:"usage"`
}

// UsageResponse is the body of GET /usage/{customer}
type UsageResponse struct {
	CustomerID string                  `json:"customer"`
	State      keymeter.AccountState   `json:"state"`
	UsageCount uint64                  `json:"usage_count"`
	Invoice    *billing.InvoicePreview `json:"upcoming_invoice"`
}

// HealthResponse is the body of GET /healthz
type HealthResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// ErrorResponse is the body of every error answer
type ErrorResponse struct {
	Error string `json:"error"`
}
