package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	keymeterhttp "github.com/mihaimyh/keymeter/middleware/http"
	"github.com/mihaimyh/keymeter/pkg/billing"
	"github.com/mihaimyh/keymeter/pkg/keymeter"
)

const (
	statusOK          = "ok"
	statusUnavailable = "unavailable"
	maxCustomerIDLen  = 255
	maxFormBytes      = 64 * 1024
)

// Handler is the HTTP surface of the gateway. Every route delegates to the
// Gate, the billing provider or the ledger.
type Handler struct {
	config Config
	router chi.Router
}

// ServeHTTP implements http.Handler
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	metered := keymeterhttp.Middleware(keymeterhttp.Config{
		Gate: h.config.Gate,
		OnError: func(w http.ResponseWriter, r *http.Request, err error) {
			h.handleError(w, r, err, http.StatusInternalServerError)
		},
	})
	r.With(metered).Get("/api", h.Metered)
	r.Post("/checkout", h.Checkout)
	// The processor answers 405 itself for other methods.
	r.Handle("/webhook", h.config.Provider.WebhookHandler())
	r.Get("/usage/{customer}", h.GetUsage)
	r.Get("/healthz", h.Health)
	if h.config.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", h.config.MetricsHandler)
	}
	return r
}

// Metered answers an authenticated, metered call
func (h *Handler) Metered(w http.ResponseWriter, r *http.Request) {
	usage, ok := keymeterhttp.UsageFromContext(r.Context())
	if !ok {
		h.handleError(w, r, errors.New("usage record missing"), http.StatusInternalServerError)
		return
	}

	data, err := h.config.Data(r, usage)
	if err != nil {
		h.handleError(w, r, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, MeteredResponse{Data: data, Usage: usage})
}

// Checkout starts a hosted subscription checkout. The optional customer
// parameter attaches an existing provider customer.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseForm(); err != nil {
		h.handleError(w, r, err, http.StatusBadRequest)
		return
	}

	session, err := h.config.Provider.CreateCheckoutSession(r.Context(), &billing.CheckoutRequest{
		CustomerID:        r.FormValue("customer"),
		ClientReferenceID: r.FormValue("client_reference_id"),
	})
	if err != nil {
		h.handleError(w, r, err, providerStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// GetUsage returns the upcoming invoice together with the local counter
func (h *Handler) GetUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	customerID := chi.URLParam(r, "customer")
	if customerID == "" || len(customerID) > maxCustomerIDLen {
		h.handleError(w, r, errors.New("invalid customer id"), http.StatusBadRequest)
		return
	}

	resp := UsageResponse{CustomerID: customerID, State: keymeter.StateUnknown}
	acct, err := h.config.Ledger.Get(ctx, customerID)
	switch {
	case err == nil:
		resp.State = acct.State()
		resp.UsageCount = acct.UsageCount
	case !errors.Is(err, keymeter.ErrNotFound):
		h.handleError(w, r, err, http.StatusInternalServerError)
		return
	}

	invoice, err := h.config.Provider.UpcomingInvoice(ctx, customerID)
	if err != nil {
		h.handleError(w, r, err, providerStatus(err))
		return
	}
	resp.Invoice = invoice
	writeJSON(w, http.StatusOK, resp)
}

// Health pings storage when it supports it
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	pinger, ok := h.config.Storage.(keymeter.Pinger)
	if !ok {
		writeJSON(w, http.StatusOK, HealthResponse{Status: statusOK})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.config.HealthTimeout)
	defer cancel()
	if err := pinger.Ping(ctx); err != nil {
		h.config.Logger.Warn("health check failed", keymeter.F("error", err))
		writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: statusUnavailable, Error: http.StatusText(http.StatusServiceUnavailable)})
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: statusOK})
}

// providerStatus maps billing provider failures onto HTTP status codes
func providerStatus(err error) int {
	switch {
	case errors.Is(err, keymeter.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, billing.ErrCustomerNotFound):
		return http.StatusNotFound
	case errors.Is(err, billing.ErrProviderNotConfigured):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

// handleError logs the failure and writes a JSON error body. Clients only see
// the status text; the error detail stays in the log.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	fields := []keymeter.Field{
		keymeter.F("method", r.Method),
		keymeter.F("path", r.URL.Path),
		keymeter.F("status", statusCode),
		keymeter.F("request_id", middleware.GetReqID(r.Context())),
		keymeter.F("error", err),
	}
	if statusCode >= http.StatusInternalServerError {
		h.config.Logger.Error("request failed", fields...)
	} else {
		h.config.Logger.Warn("request rejected", fields...)
	}

	writeJSON(w, statusCode, ErrorResponse{Error: http.StatusText(statusCode)})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // client gone
}
