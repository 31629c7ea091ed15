package echo

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/keymeter/pkg/keymeter"
	"github.com/mihaimyh/keymeter/pkg/keymeter/keymetertest"
)

func newServer(cfg Config) *echo.Echo {
	e := echo.New()
	e.GET("/api", func(c echo.Context) error {
		rec, ok := UsageFromContext(c)
		if !ok {
			return c.NoContent(http.StatusTeapot)
		}
		return c.JSON(http.StatusOK, map[string]any{"usage": rec})
	}, Middleware(cfg))
	return e
}

func TestMiddleware_Success(t *testing.T) {
	f := keymetertest.New(t)
	key := f.IssueKey(t, "cus_1", true)
	e := newServer(Config{Gate: f.Gate})

	req := httptest.NewRequest(http.MethodGet, "/api?apiKey="+key, nil)
	req.Header.Set(echo.HeaderXRequestID, "req_1")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := f.UsageCount(t, "cus_1"); got != 1 {
		t.Errorf("Expected usage count 1, got %d", got)
	}
}

func TestMiddleware_Rejections(t *testing.T) {
	f := keymetertest.New(t)
	inactive := f.IssueKey(t, "cus_2", false)
	e := newServer(Config{Gate: f.Gate})

	tests := []struct {
		name string
		url  string
		want int
	}{
		{"missing key", "/api", http.StatusBadRequest},
		{"unknown key", "/api?apiKey=km_nope", http.StatusForbidden},
		{"inactive account", "/api?apiKey=" + inactive, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.url, nil))
			if rec.Code != tt.want {
				t.Errorf("Expected status %d, got %d", tt.want, rec.Code)
			}
		})
	}
	if f.Provider.Count() != 0 {
		t.Errorf("Expected no provider reports, got %d", f.Provider.Count())
	}
}

func TestMiddleware_CustomHandlers(t *testing.T) {
	f := keymetertest.New(t)
	e := newServer(Config{
		Gate:      f.Gate,
		GetAPIKey: FromHeader("X-API-Key"),
		OnMissingKey: func(c echo.Context) error {
			return c.NoContent(http.StatusUnauthorized)
		},
		OnForbidden: func(c echo.Context, err error) error {
			if !errors.Is(err, keymeter.ErrUnauthorized) {
				t.Errorf("Expected ErrUnauthorized, got %v", err)
			}
			return c.NoContent(http.StatusPaymentRequired)
		},
	})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api", nil)
	req.Header.Set("X-API-Key", "km_nope")
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusPaymentRequired {
		t.Errorf("Expected status 402, got %d", rec.Code)
	}
}
