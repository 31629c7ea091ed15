// Command keymeterd runs the metered-billing gateway: API key authentication,
// per-call usage metering reported to Stripe, and the Stripe webhook that
// provisions and deactivates customers.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	stripego "github.com/stripe/stripe-go/v83"
	"golang.org/x/sync/errgroup"

	"github.com/mihaimyh/keymeter/pkg/api"
	"github.com/mihaimyh/keymeter/pkg/billing"
	billingprom "github.com/mihaimyh/keymeter/pkg/billing/metrics/prometheus"
	"github.com/mihaimyh/keymeter/pkg/billing/stripe"
	"github.com/mihaimyh/keymeter/pkg/keymeter"
	zerologadapter "github.com/mihaimyh/keymeter/pkg/keymeter/logger/zerolog"
	keymeterprom "github.com/mihaimyh/keymeter/pkg/keymeter/metrics/prometheus"
	firestorestorage "github.com/mihaimyh/keymeter/storage/firestore"
	"github.com/mihaimyh/keymeter/storage/memory"
	"github.com/mihaimyh/keymeter/storage/postgres"
	redisstorage "github.com/mihaimyh/keymeter/storage/redis"
	"github.com/mihaimyh/keymeter/storage/tiered"
)

const metricsNamespace = "keymeter"

func main() {
	cfg, err := Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(2)
	}

	zl := newZerolog(cfg, os.Stdout)
	if err := cfg.Validate(); err != nil {
		zl.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, zl); err != nil {
		zl.Error().Err(err).Msg("keymeterd stopped")
		os.Exit(1)
	}
}

func newZerolog(cfg Config, out io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if cfg.LogFormat == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Str("service", "keymeterd").Logger()
}

// closers run in reverse order on shutdown
type closers []func()

func (c *closers) add(fn func()) {
	*c = append(*c, fn)
}

func (c closers) run() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

func run(ctx context.Context, cfg Config, zl zerolog.Logger) error {
	logger := zerologadapter.NewLogger(zl)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := keymeterprom.NewMetrics(registry, metricsNamespace)
	billingMetrics := billingprom.NewMetrics(registry, metricsNamespace)

	var cleanup closers
	defer cleanup.run()

	var redisClient *redis.Client
	if cfg.needsRedis() {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		redisClient = redis.NewClient(opts)
		cleanup.add(func() { _ = redisClient.Close() })
	}

	storage, err := openStorage(ctx, cfg, redisClient, logger, &cleanup)
	if err != nil {
		return err
	}

	locker := keymeter.Locker(keymeter.NewKeyedMutex())
	if cfg.LockBackend == LockRedis {
		locker, err = redisstorage.NewLocker(redisClient, redisstorage.LockerConfig{})
		if err != nil {
			return err
		}
	}

	keysConfig := keymeter.DefaultKeyStoreConfig()
	keysConfig.Prefix = cfg.KeyPrefix
	keysConfig.Logger = logger
	keysConfig.Metrics = metrics
	keys, err := keymeter.NewKeyStore(storage, keysConfig)
	if err != nil {
		return err
	}

	ledger, err := keymeter.NewLedger(storage, keymeter.LedgerConfig{
		Locker:  locker,
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		return err
	}

	stripeConfig := stripe.Config{
		Config: billing.Config{
			APIKey:        cfg.StripeSecretKey,
			WebhookSecret: cfg.StripeSigningSecret,
			Metrics:       billingMetrics,
			Logger:        logger,
		},
		PriceID:        cfg.StripePriceID,
		MeterEventName: cfg.StripeMeterEvent,
		SuccessURL:     cfg.CheckoutSuccessURL,
		CancelURL:      cfg.CheckoutCancelURL,
		Storage:        storage,
		KeyStore:       keys,
		Ledger:         ledger,
		OnKeyIssued:    newKeyDelivery(cfg.KeyDeliveryURL, logger),
		EventRetention: cfg.EventRetention,

		OnKeyDeliveryFailure: newKeyDeliveryAlert(zl),
	}
	if cfg.StripeAPIURL != "" {
		stripeConfig.Backends = stripego.NewBackendsWithConfig(&stripego.BackendConfig{
			URL: stripego.String(cfg.StripeAPIURL),
		})
	}
	provider, err := stripe.NewProvider(stripeConfig)
	if err != nil {
		return fmt.Errorf("failed to create stripe provider: %w", err)
	}

	meterConfig := keymeter.DefaultMeterConfig()
	meterConfig.TokenTTL = cfg.UsageTokenTTL
	meterConfig.ProviderTimeout = cfg.ProviderTimeout
	meterConfig.Retry.MaxAttempts = cfg.RetryMaxAttempts
	meterConfig.Retry.Alert = keymeter.AlertFunc(func(_ context.Context, report *keymeter.UsageReport, err error) {
		zl.Error().
			Err(err).
			Str("customer_id", report.CustomerID).
			Str("token", report.IdempotencyToken).
			Uint64("quantity", report.Quantity).
			Time("timestamp", report.Timestamp).
			Msg("usage report lost, reconcile manually")
	})
	meterConfig.Logger = logger
	meterConfig.Metrics = metrics
	meter, err := keymeter.NewMeter(storage, provider, meterConfig)
	if err != nil {
		return err
	}
	meter.Start()

	gate, err := keymeter.NewGate(keys, meter)
	if err != nil {
		return err
	}

	handler, err := api.NewHandler(api.Config{
		Gate:           gate,
		Provider:       provider,
		Ledger:         ledger,
		Storage:        storage,
		MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}),
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		zl.Info().Str("addr", srv.Addr).Str("storage", cfg.StorageBackend).Str("lock", cfg.LockBackend).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		zl.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		// Stop taking requests first so no new usage reaches the queue.
		err := srv.Shutdown(shutdownCtx)
		if cerr := meter.Close(shutdownCtx); cerr != nil {
			err = errors.Join(err, fmt.Errorf("meter close: %w", cerr))
		}
		return err
	})
	return g.Wait()
}

func openStorage(
	ctx context.Context,
	cfg Config,
	redisClient *redis.Client,
	logger keymeter.Logger,
	cleanup *closers,
) (keymeter.Storage, error) {
	switch cfg.StorageBackend {
	case BackendMemory:
		s := memory.NewWithConfig(memory.Config{CleanupInterval: 10 * time.Minute})
		cleanup.add(func() { _ = s.Close() })
		return s, nil

	case BackendRedis:
		return redisstorage.New(redisClient, redisstorage.DefaultConfig())

	case BackendPostgres:
		return openPostgres(ctx, cfg, logger, cleanup)

	case BackendFirestore:
		client, err := firestore.NewClient(ctx, cfg.FirestoreProjectID)
		if err != nil {
			return nil, fmt.Errorf("failed to create firestore client: %w", err)
		}
		cleanup.add(func() { _ = client.Close() })
		return firestorestorage.New(client, firestorestorage.Config{})

	case BackendTiered:
		hot, err := redisstorage.New(redisClient, redisstorage.DefaultConfig())
		if err != nil {
			return nil, err
		}
		cold, err := openPostgres(ctx, cfg, logger, cleanup)
		if err != nil {
			return nil, err
		}
		s, err := tiered.New(tiered.Config{
			Hot:       hot,
			Cold:      cold,
			AsyncFill: true,
			AsyncErrorHandler: func(err error) {
				logger.Warn("tiered storage fill failed", keymeter.F("error", err))
			},
		})
		if err != nil {
			return nil, err
		}
		cleanup.add(func() { _ = s.Close() })
		return s, nil
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
}

func openPostgres(ctx context.Context, cfg Config, logger keymeter.Logger, cleanup *closers) (*postgres.Storage, error) {
	pgConfig := postgres.DefaultConfig()
	pgConfig.ConnectionString = cfg.DatabaseURL
	pgConfig.Logger = logger
	s, err := postgres.New(ctx, pgConfig)
	if err != nil {
		return nil, err
	}
	cleanup.add(s.Close)
	return s, nil
}
