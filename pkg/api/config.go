package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/mihaimyh/keymeter/pkg/billing"
	"github.com/mihaimyh/keymeter/pkg/keymeter"
)

// DataFunc builds the payload returned next to the usage record on GET /api
type DataFunc func(r *http.Request, usage *keymeter.UsageRecord) (any, error)

// Config holds configuration for the gateway handler
type Config struct {
	// Gate authenticates and meters GET /api (required)
	Gate *keymeter.Gate

	// Provider serves checkout, webhooks and invoice previews (required)
	Provider billing.Provider

	// Ledger supplies the local usage counter for GET /usage/{customer} (required)
	Ledger *keymeter.Ledger

	// Storage is pinged by GET /healthz when it implements keymeter.Pinger
	Storage keymeter.Storage

	// MetricsHandler is mounted on GET /metrics when set
	MetricsHandler http.Handler

	// Data builds the GET /api payload. Default: {"message": "ok"}
	Data DataFunc

	// HealthTimeout bounds the storage ping (default 2s)
	HealthTimeout time.Duration

	// Logger receives request failures. Defaults to keymeter.NoopLogger.
	Logger keymeter.Logger
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Gate == nil {
		return fmt.Errorf("gate is required")
	}
	if c.Provider == nil {
		return fmt.Errorf("provider is required")
	}
	if c.Ledger == nil {
		return fmt.Errorf("ledger is required")
	}
	return nil
}

// NewHandler creates a new gateway handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.Data == nil {
		config.Data = func(*http.Request, *keymeter.UsageRecord) (any, error) {
			return map[string]string{"message": "ok"}, nil
		}
	}
	if config.HealthTimeout <= 0 {
		config.HealthTimeout = 2 * time.Second
	}
	if config.Logger == nil {
		config.Logger = &keymeter.NoopLogger{}
	}

	h := &Handler{config: config}
	h.router = h.routes()
	return h, nil
}
