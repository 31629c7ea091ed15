package billing

import (
	"github.com/mihaimyh/keymeter/pkg/keymeter"
)

// Config defines the standard configuration all providers should accept
type Config struct {
	// APIKey is used for outbound API calls to the billing provider.
	APIKey string

	// WebhookSecret verifies incoming webhook signatures. When empty the
	// webhook endpoint answers 503.
	WebhookSecret string

	// Metrics is an optional metrics collector for tracking billing provider operations.
	// If nil, metrics will be silently ignored (no-op).
	Metrics Metrics

	// Logger receives structured logs. Defaults to keymeter.NoopLogger.
	Logger keymeter.Logger
}
