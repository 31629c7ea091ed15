package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/keymeter/pkg/billing"
	"github.com/mihaimyh/keymeter/pkg/keymeter"
)

func validConfig() Config {
	return Config{
		StorageBackend:      BackendMemory,
		LockBackend:         LockLocal,
		StripeSecretKey:     "sk_test_123",
		StripeSigningSecret: "whsec_123",
		KeyDeliveryURL:      "https://keys.example.com/issued",
		RetryMaxAttempts:    3,
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("STORAGE_BACKEND", "")
	t.Setenv("USAGE_TOKEN_TTL", "")
	t.Setenv("PORT", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, BackendMemory, cfg.StorageBackend)
	assert.Equal(t, LockLocal, cfg.LockBackend)
	assert.Equal(t, "km_", cfg.KeyPrefix)
	assert.Equal(t, 24*time.Hour, cfg.UsageTokenTTL)
	assert.Equal(t, 7*24*time.Hour, cfg.EventRetention)
	assert.Equal(t, 8, cfg.RetryMaxAttempts)
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("STORAGE_BACKEND", "Postgres")
	t.Setenv("DATABASE_URL", "postgres://localhost/keymeter")
	t.Setenv("STRIPE_SECRET_KEY", " sk_test_abc ")
	t.Setenv("USAGE_TOKEN_TTL", "2h")
	t.Setenv("RETRY_MAX_ATTEMPTS", "4")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "9000", cfg.Port)
	assert.Equal(t, BackendPostgres, cfg.StorageBackend)
	assert.Equal(t, "sk_test_abc", cfg.StripeSecretKey)
	assert.Equal(t, 2*time.Hour, cfg.UsageTokenTTL)
	assert.Equal(t, 4, cfg.RetryMaxAttempts)
}

func TestLoad_InvalidValues(t *testing.T) {
	t.Setenv("USAGE_TOKEN_TTL", "soon")
	t.Setenv("EVENT_RETENTION", "-1h")
	t.Setenv("RETRY_MAX_ATTEMPTS", "many")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "USAGE_TOKEN_TTL")
	assert.Contains(t, err.Error(), "EVENT_RETENTION must be positive")
	assert.Contains(t, err.Error(), "RETRY_MAX_ATTEMPTS")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing secret key", func(c *Config) { c.StripeSecretKey = "" }, "STRIPE_SECRET_KEY"},
		{"missing signing secret", func(c *Config) { c.StripeSigningSecret = "" }, "STRIPE_SIGNING_SECRET"},
		{"missing key delivery url", func(c *Config) { c.KeyDeliveryURL = "" }, "KEY_DELIVERY_URL is required"},
		{"relative key delivery url", func(c *Config) { c.KeyDeliveryURL = "/keys" }, "not an http(s) URL"},
		{"postgres without url", func(c *Config) { c.StorageBackend = BackendPostgres }, "DATABASE_URL"},
		{"tiered without url", func(c *Config) { c.StorageBackend = BackendTiered }, "DATABASE_URL"},
		{"firestore without project", func(c *Config) { c.StorageBackend = BackendFirestore }, "FIRESTORE_PROJECT_ID"},
		{"unknown backend", func(c *Config) { c.StorageBackend = "mysql" }, "unknown STORAGE_BACKEND"},
		{"unknown lock", func(c *Config) { c.LockBackend = "zookeeper" }, "unknown LOCK_BACKEND"},
		{"redis lock with memory", func(c *Config) { c.LockBackend = LockRedis }, "shared STORAGE_BACKEND"},
		{"redis backend", func(c *Config) { c.StorageBackend = BackendRedis; c.LockBackend = LockRedis }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.want == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestConfig_NeedsRedis(t *testing.T) {
	cfg := validConfig()
	assert.False(t, cfg.needsRedis())
	cfg.StorageBackend = BackendTiered
	assert.True(t, cfg.needsRedis())
	cfg.StorageBackend = BackendPostgres
	cfg.LockBackend = LockRedis
	assert.True(t, cfg.needsRedis())
}

func TestNewZerolog(t *testing.T) {
	var buf bytes.Buffer
	cfg := validConfig()
	cfg.LogLevel = "warn"
	zl := newZerolog(cfg, &buf)

	zl.Info().Msg("hidden")
	zl.Warn().Msg("shown")

	assert.NotContains(t, buf.String(), "hidden")
	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "shown", line["message"])
	assert.Equal(t, "keymeterd", line["service"])

	cfg.LogLevel = "nonsense"
	assert.Equal(t, zerolog.InfoLevel, newZerolog(cfg, &buf).GetLevel())
}

func TestKeyDelivery(t *testing.T) {
	var got keyDeliveryPayload
	var idem string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		idem = r.Header.Get("Idempotency-Key")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	deliver := newKeyDelivery(srv.URL, &keymeter.NoopLogger{})
	err := deliver(context.Background(), billing.KeyIssuedEvent{
		CustomerID: "cus_1", SubscriptionID: "sub_1", APIKey: "km_secret", EventID: "evt_1",
	})
	require.NoError(t, err)
	assert.Equal(t, "cus_1", got.CustomerID)
	assert.Equal(t, "km_secret", got.APIKey)
	assert.Equal(t, "evt_1", idem)
}

func TestKeyDelivery_Failure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := newKeyDelivery(srv.URL, &keymeter.NoopLogger{})(context.Background(), billing.KeyIssuedEvent{CustomerID: "cus_1"})
	assert.ErrorContains(t, err, "status 502")
	assert.NotErrorIs(t, err, billing.ErrKeyDeliveryRejected)
}

func TestKeyDelivery_ClientErrorIsFinal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	err := newKeyDelivery(srv.URL, &keymeter.NoopLogger{})(context.Background(), billing.KeyIssuedEvent{CustomerID: "cus_1"})
	assert.ErrorIs(t, err, billing.ErrKeyDeliveryRejected)
}

func TestKeyDeliveryAlert(t *testing.T) {
	var buf bytes.Buffer
	alert := newKeyDeliveryAlert(zerolog.New(&buf))

	alert(context.Background(), billing.KeyIssuedEvent{
		CustomerID: "cus_1", EventID: "evt_1", APIKey: "km_0123456789abcdef",
	}, errors.New("mailer down"))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, true, line["alert"])
	assert.Equal(t, "cus_1", line["customer_id"])
	assert.Equal(t, "evt_1", line["event_id"])
	assert.NotContains(t, buf.String(), "0123456789abcdef")
}

func TestRun_ServesUntilCanceled(t *testing.T) {
	cfg := validConfig()
	cfg.Port = "0"
	cfg.ProviderTimeout = time.Second
	cfg.UsageTokenTTL = time.Hour
	cfg.EventRetention = time.Hour
	cfg.ShutdownTimeout = time.Second

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, zerolog.Nop()) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancel")
	}
}
