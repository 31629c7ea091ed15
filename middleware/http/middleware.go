// Package http provides net/http middleware that authenticates an API key
// and meters one call per request.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/mihaimyh/keymeter/pkg/keymeter"
)

// KeyExtractor extracts the plaintext API key from an HTTP request
type KeyExtractor func(r *http.Request) string

// TokenExtractor extracts the idempotency token from an HTTP request.
// Return empty string to meter the request unconditionally.
type TokenExtractor func(r *http.Request) string

// Config holds middleware configuration
type Config struct {
	// Gate authenticates and meters (required)
	Gate *keymeter.Gate

	// GetAPIKey extracts the API key. Default: FromQuery("apiKey")
	GetAPIKey KeyExtractor

	// GetToken extracts the idempotency token. Default: RequestToken
	GetToken TokenExtractor

	// OnMissingKey is called when the request carries no key.
	// If nil, returns 400 Bad Request
	OnMissingKey func(w http.ResponseWriter, r *http.Request)

	// OnForbidden is called for unknown keys and inactive accounts.
	// If nil, returns 403 Forbidden
	OnForbidden func(w http.ResponseWriter, r *http.Request, err error)

	// OnError is called when an internal error occurs.
	// If nil, returns 500 Internal Server Error
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// ContextKey is a type for context keys
type ContextKey string

const (
	// UsageKey is the context key for the *keymeter.UsageRecord of the request
	UsageKey ContextKey = "keymeter:usage"
)

// Middleware creates an HTTP middleware that meters authenticated requests
func Middleware(config Config) func(http.Handler) http.Handler {
	if config.Gate == nil {
		panic("keymeter/http: Config.Gate is required")
	}
	if config.GetAPIKey == nil {
		config.GetAPIKey = FromQuery("apiKey")
	}
	if config.GetToken == nil {
		config.GetToken = RequestToken
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			apiKey := config.GetAPIKey(r)
			if strings.TrimSpace(apiKey) == "" {
				if config.OnMissingKey != nil {
					config.OnMissingKey(w, r)
				} else {
					writeError(w, http.StatusBadRequest, "missing api key")
				}
				return
			}

			rec, err := config.Gate.Admit(r.Context(), apiKey, config.GetToken(r))
			if err != nil {
				if errors.Is(err, keymeter.ErrUnauthorized) {
					if config.OnForbidden != nil {
						config.OnForbidden(w, r, err)
					} else {
						writeError(w, http.StatusForbidden, "forbidden")
					}
				} else if errors.Is(err, keymeter.ErrInvalidArgument) {
					writeError(w, http.StatusBadRequest, "invalid request")
				} else if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
				return
			}

			ctx := context.WithValue(r.Context(), UsageKey, rec)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// HandlerFunc is Middleware for http.HandlerFunc
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return middleware(next).ServeHTTP
	}
}

// UsageFromContext returns the usage record stored by Middleware
func UsageFromContext(ctx context.Context) (*keymeter.UsageRecord, bool) {
	rec, ok := ctx.Value(UsageKey).(*keymeter.UsageRecord)
	return rec, ok
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg}) //nolint:errcheck // client gone
}

// Common extractors

// FromQuery returns a KeyExtractor that reads a query parameter
func FromQuery(name string) KeyExtractor {
	return func(r *http.Request) string {
		return r.URL.Query().Get(name)
	}
}

// FromHeader returns a KeyExtractor that reads a header
func FromHeader(name string) KeyExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(name)
	}
}

// FromBearer returns a KeyExtractor that reads "Authorization: Bearer <key>"
func FromBearer() KeyExtractor {
	return func(r *http.Request) string {
		auth := r.Header.Get("Authorization")
		if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
			return strings.TrimSpace(auth[7:])
		}
		return ""
	}
}

// RequestToken uses the Idempotency-Key header, falling back to X-Request-ID
func RequestToken(r *http.Request) string {
	if token := r.Header.Get("Idempotency-Key"); token != "" {
		return token
	}
	return r.Header.Get("X-Request-ID")
}
