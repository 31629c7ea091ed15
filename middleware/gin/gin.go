// Package gin provides Gin middleware that authenticates an API key and
// meters one call per request.
package gin

import (
	"errors"
	"net/http"
	"strings"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/keymeter/pkg/keymeter"
)

// UsageKey is the gin context key holding the *keymeter.UsageRecord
const UsageKey = "keymeter.usage"

// KeyExtractor extracts the plaintext API key from a Gin context
type KeyExtractor func(c *gongin.Context) string

// TokenExtractor extracts the idempotency token from a Gin context
// Return empty string to meter the request unconditionally
type TokenExtractor func(c *gongin.Context) string

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
	OnMissingKey func(c *gongin.Context)

	// OnForbidden is called for unknown keys and inactive accounts
	// If nil, returns 403 Forbidden
	OnForbidden func(c *gongin.Context, err error)

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c *gongin.Context, err error)
}

// Middleware creates a Gin middleware that meters authenticated requests
func Middleware(cfg Config) gongin.HandlerFunc {
	if cfg.Gate == nil {
		panic("keymeter/gin: Config.Gate is required")
	}
	if cfg.GetAPIKey == nil {
		cfg.GetAPIKey = FromQuery("apiKey")
	}
	if cfg.GetToken == nil {
		cfg.GetToken = defaultToken
	}

	return func(c *gongin.Context) {
		apiKey := cfg.GetAPIKey(c)
		if strings.TrimSpace(apiKey) == "" {
			if cfg.OnMissingKey != nil {
				cfg.OnMissingKey(c)
			} else {
				c.JSON(http.StatusBadRequest, gongin.H{"error": "missing api key"})
			}
			c.Abort()
			return
		}

		rec, err := cfg.Gate.Admit(c.Request.Context(), apiKey, cfg.GetToken(c))
		if err != nil {
			switch {
			case errors.Is(err, keymeter.ErrUnauthorized):
				if cfg.OnForbidden != nil {
					cfg.OnForbidden(c, err)
				} else {
					c.JSON(http.StatusForbidden, gongin.H{"error": "forbidden"})
				}
			case errors.Is(err, keymeter.ErrInvalidArgument):
				c.JSON(http.StatusBadRequest, gongin.H{"error": "invalid request"})
			case cfg.OnError != nil:
				cfg.OnError(c, err)
			default:
				c.JSON(http.StatusInternalServerError, gongin.H{"error": "internal server error"})
			}
			c.Abort()
			return
		}

		c.Set(UsageKey, rec)
		c.Next()
	}
}

// UsageFromContext returns the usage record stored by Middleware
func UsageFromContext(c *gongin.Context) (*keymeter.UsageRecord, bool) {
	val, exists := c.Get(UsageKey)
	if !exists {
		return nil, false
	}
	rec, ok := val.(*keymeter.UsageRecord)
	return rec, ok
}

func defaultToken(c *gongin.Context) string {
	if token := c.GetHeader("Idempotency-Key"); token != "" {
		return token
	}
	return c.GetHeader("X-Request-ID")
}

// Convenience extractors

// FromQuery returns a KeyExtractor that reads a query parameter
func FromQuery(name string) KeyExtractor {
	return func(c *gongin.Context) string {
		return c.Query(name)
	}
}

// FromHeader returns a KeyExtractor that reads a header
func FromHeader(name string) KeyExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(name)
	}
}

// TokenFromHeader returns a TokenExtractor that reads a header
func TokenFromHeader(name string) TokenExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(name)
	}
}
