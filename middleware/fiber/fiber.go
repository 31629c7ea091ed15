// Package fiber provides Fiber middleware that authenticates an API key and
// meters one call per request.
package fiber

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/keymeter/pkg/keymeter"
)

// UsageKey is the fiber Locals key holding the *keymeter.UsageRecord
const UsageKey = "keymeter.usage"

// KeyExtractor extracts the plaintext API key from a Fiber context
type KeyExtractor func(c *fiber.Ctx) string

// TokenExtractor extracts the idempotency token from a Fiber context
type TokenExtractor func(c *fiber.Ctx) string

// Config holds middleware configuration
type Config struct {
	// Gate authenticates and meters (required)
	Gate *keymeter.Gate

	// GetAPIKey extracts the API key. Default: FromQuery("apiKey")
	GetAPIKey KeyExtractor

	// GetToken extracts the idempotency token.
	// If nil, defaults to Idempotency-Key then X-Request-ID headers
	GetToken TokenExtractor

	// OnMissingKey is called when no key is present
	// If nil, returns 400 Bad Request
	OnMissingKey fiber.Handler

	// OnForbidden is called for unknown keys and inactive accounts
	// If nil, returns 403 Forbidden
	OnForbidden func(c *fiber.Ctx, err error) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *fiber.Ctx, err error) error
}

// Middleware creates a Fiber middleware that meters authenticated requests
func Middleware(cfg Config) fiber.Handler {
	if cfg.Gate == nil {
		panic("keymeter/fiber: Config.Gate is required")
	}
	if cfg.GetAPIKey == nil {
		cfg.GetAPIKey = FromQuery("apiKey")
	}
	if cfg.GetToken == nil {
		cfg.GetToken = defaultToken
	}

	return func(c *fiber.Ctx) error {
		// Fiber reuses its buffers; copy before handing strings to the store.
		apiKey := strings.Clone(cfg.GetAPIKey(c))
		if strings.TrimSpace(apiKey) == "" {
			if cfg.OnMissingKey != nil {
				return cfg.OnMissingKey(c)
			}
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "missing api key"})
		}

		rec, err := cfg.Gate.Admit(c.UserContext(), apiKey, strings.Clone(cfg.GetToken(c)))
		if err != nil {
			if errors.Is(err, keymeter.ErrUnauthorized) {
				if cfg.OnForbidden != nil {
					return cfg.OnForbidden(c, err)
				}
				return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "forbidden"})
			}
			if errors.Is(err, keymeter.ErrInvalidArgument) {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request"})
			}
			if cfg.OnError != nil {
				return cfg.OnError(c, err)
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal server error"})
		}

		c.Locals(UsageKey, rec)
		return c.Next()
	}
}

// UsageFromContext returns the usage record stored by Middleware
func UsageFromContext(c *fiber.Ctx) (*keymeter.UsageRecord, bool) {
	rec, ok := c.Locals(UsageKey).(*keymeter.UsageRecord)
	return rec, ok
}

func defaultToken(c *fiber.Ctx) string {
	if token := c.Get("Idempotency-Key"); token != "" {
		return token
	}
	return c.Get(fiber.HeaderXRequestID)
}

// FromQuery returns a KeyExtractor that reads a query parameter
func FromQuery(name string) KeyExtractor {
	return func(c *fiber.Ctx) string {
		return c.Query(name)
	}
}

// FromHeader returns a KeyExtractor that reads a header
func FromHeader(name string) KeyExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(name)
	}
}
