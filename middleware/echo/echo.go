// Package echo provides Echo middleware that authenticates an API key and
// meters one call per request.
package echo

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/keymeter/pkg/keymeter"
)

// UsageKey is the echo context key holding the *keymeter.UsageRecord
const UsageKey = "keymeter.usage"

// KeyExtractor extracts the plaintext API key from an Echo context
type KeyExtractor func(c echo.Context) string

// TokenExtractor extracts the idempotency token from an Echo context
type TokenExtractor func(c echo.Context) string

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
	OnMissingKey func(c echo.Context) error

	// OnForbidden is called for unknown keys and inactive accounts
	// If nil, returns 403 Forbidden
	OnForbidden func(c echo.Context, err error) error

	// OnError is called when an internal error occurs
	// If nil, returns 500 Internal Server Error
	OnError func(c echo.Context, err error) error
}

// Middleware creates an Echo middleware that meters authenticated requests
func Middleware(cfg Config) echo.MiddlewareFunc {
	if cfg.Gate == nil {
		panic("keymeter/echo: Config.Gate is required")
	}
	if cfg.GetAPIKey == nil {
		cfg.GetAPIKey = FromQuery("apiKey")
	}
	if cfg.GetToken == nil {
		cfg.GetToken = defaultToken
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			apiKey := cfg.GetAPIKey(c)
			if strings.TrimSpace(apiKey) == "" {
				if cfg.OnMissingKey != nil {
					return cfg.OnMissingKey(c)
				}
				return c.JSON(http.StatusBadRequest, map[string]string{"error": "missing api key"})
			}

			rec, err := cfg.Gate.Admit(c.Request().Context(), apiKey, cfg.GetToken(c))
			if err != nil {
				if errors.Is(err, keymeter.ErrUnauthorized) {
					if cfg.OnForbidden != nil {
						return cfg.OnForbidden(c, err)
					}
					return c.JSON(http.StatusForbidden, map[string]string{"error": "forbidden"})
				}
				if errors.Is(err, keymeter.ErrInvalidArgument) {
					return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request"})
				}
				if cfg.OnError != nil {
					return cfg.OnError(c, err)
				}
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal server error"})
			}

			c.Set(UsageKey, rec)
			return next(c)
		}
	}
}

// UsageFromContext returns the usage record stored by Middleware
func UsageFromContext(c echo.Context) (*keymeter.UsageRecord, bool) {
	rec, ok := c.Get(UsageKey).(*keymeter.UsageRecord)
	return rec, ok
}

func defaultToken(c echo.Context) string {
	if token := c.Request().Header.Get("Idempotency-Key"); token != "" {
		return token
	}
	return c.Request().Header.Get(echo.HeaderXRequestID)
}

// FromQuery returns a KeyExtractor that reads a query parameter
func FromQuery(name string) KeyExtractor {
	return func(c echo.Context) string {
		return c.QueryParam(name)
	}
}

// FromHeader returns a KeyExtractor that reads a header
func FromHeader(name string) KeyExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(name)
	}
}
