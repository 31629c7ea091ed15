package main

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Storage backends
const (
	BackendMemory    = "memory"
	BackendRedis     = "redis"
	BackendPostgres  = "postgres"
	BackendFirestore = "firestore"
	BackendTiered    = "tiered"
)

// Lock backends
const (
	LockLocal = "local"
	LockRedis = "redis"
)

// Config holds process configuration
type Config struct {
	Port      string
	LogLevel  string
	LogFormat string

	StorageBackend     string
	LockBackend        string
	RedisURL           string
	DatabaseURL        string
	FirestoreProjectID string

	StripeSecretKey     string
	StripeSigningSecret string
	StripePriceID       string
	StripeMeterEvent    string
	StripeAPIURL        string
	CheckoutSuccessURL  string
	CheckoutCancelURL   string

	// KeyDeliveryURL receives issued keys as a JSON POST (required)
	KeyDeliveryURL string

	KeyPrefix        string
	UsageTokenTTL    time.Duration
	EventRetention   time.Duration
	ProviderTimeout  time.Duration
	RetryMaxAttempts int
	ShutdownTimeout  time.Duration
}

// Load reads configuration from the environment and an optional .env file
func Load() (Config, error) {
	_ = godotenv.Load()

	var errs []error
	cfg := Config{
		Port:      getenv("PORT", "8080"),
		LogLevel:  strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogFormat: strings.ToLower(getenv("LOG_FORMAT", "json")),

		StorageBackend:     strings.ToLower(getenv("STORAGE_BACKEND", BackendMemory)),
		LockBackend:        strings.ToLower(getenv("LOCK_BACKEND", LockLocal)),
		RedisURL:           getenv("REDIS_URL", "redis://localhost:6379/0"),
		DatabaseURL:        strings.TrimSpace(getenv("DATABASE_URL", "")),
		FirestoreProjectID: strings.TrimSpace(getenv("FIRESTORE_PROJECT_ID", "")),

		StripeSecretKey:     strings.TrimSpace(getenv("STRIPE_SECRET_KEY", "")),
		StripeSigningSecret: strings.TrimSpace(getenv("STRIPE_SIGNING_SECRET", "")),
		StripePriceID:       strings.TrimSpace(getenv("STRIPE_PRICE_ID", "")),
		StripeMeterEvent:    strings.TrimSpace(getenv("STRIPE_METER_EVENT", "api_requests")),
		StripeAPIURL:        strings.TrimSpace(getenv("STRIPE_API_URL", "")),
		CheckoutSuccessURL:  getenv("CHECKOUT_SUCCESS_URL", ""),
		CheckoutCancelURL:   getenv("CHECKOUT_CANCEL_URL", ""),
		KeyDeliveryURL:      strings.TrimSpace(getenv("KEY_DELIVERY_URL", "")),

		KeyPrefix:        getenv("KEY_PREFIX", "km_"),
		UsageTokenTTL:    getenvDuration("USAGE_TOKEN_TTL", 24*time.Hour, &errs),
		EventRetention:   getenvDuration("EVENT_RETENTION", 7*24*time.Hour, &errs),
		ProviderTimeout:  getenvDuration("PROVIDER_TIMEOUT", 5*time.Second, &errs),
		RetryMaxAttempts: getenvInt("RETRY_MAX_ATTEMPTS", 8, &errs),
		ShutdownTimeout:  getenvDuration("SHUTDOWN_TIMEOUT", 15*time.Second, &errs),
	}
	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects missing credentials and unknown backends
func (c Config) Validate() error {
	var errs []error
	if c.StripeSecretKey == "" {
		errs = append(errs, errors.New("STRIPE_SECRET_KEY is required"))
	}
	if c.StripeSigningSecret == "" {
		errs = append(errs, errors.New("STRIPE_SIGNING_SECRET is required"))
	}
	if c.KeyDeliveryURL == "" {
		errs = append(errs, errors.New("KEY_DELIVERY_URL is required"))
	} else if u, err := url.Parse(c.KeyDeliveryURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("KEY_DELIVERY_URL %q is not an http(s) URL", c.KeyDeliveryURL))
	}

	switch c.StorageBackend {
	case BackendMemory, BackendRedis:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres backend"))
		}
	case BackendFirestore:
		if c.FirestoreProjectID == "" {
			errs = append(errs, errors.New("FIRESTORE_PROJECT_ID is required for the firestore backend"))
		}
	case BackendTiered:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the tiered backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORAGE_BACKEND %q", c.StorageBackend))
	}

	switch c.LockBackend {
	case LockLocal, LockRedis:
	default:
		errs = append(errs, fmt.Errorf("unknown LOCK_BACKEND %q", c.LockBackend))
	}

	if c.StorageBackend == BackendMemory && c.LockBackend == LockRedis {
		errs = append(errs, errors.New("LOCK_BACKEND=redis needs a shared STORAGE_BACKEND"))
	}
	if c.RetryMaxAttempts <= 0 {
		errs = append(errs, errors.New("RETRY_MAX_ATTEMPTS must be positive"))
	}
	return errors.Join(errs...)
}

// needsRedis reports whether a Redis client must be created
func (c Config) needsRedis() bool {
	return c.StorageBackend == BackendRedis || c.StorageBackend == BackendTiered || c.LockBackend == LockRedis
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int, errs *[]error) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func getenvDuration(key string, def time.Duration, errs *[]error) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	if d <= 0 {
		*errs = append(*errs, fmt.Errorf("%s must be positive", key))
		return def
	}
	return d
}
