// Package postgres provides a PostgreSQL implementation of the keymeter.Storage interface.
// Mutations run in SQL transactions that lock the account row with SELECT FOR UPDATE,
// so every transition for a customer is serialized by the database.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/keymeter/pkg/keymeter"
)

var _ keymeter.Storage = (*Storage)(nil)

// uniqueViolation is the SQLSTATE for unique_violation
const uniqueViolation = "23505"

// Schema creates the tables used by Storage. Migrate applies it.
const Schema = `
CREATE TABLE IF NOT EXISTS key_records (
	hashed_key  TEXT PRIMARY KEY,
	customer_id TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS accounts (
	customer_id      TEXT PRIMARY KEY,
	hashed_key       TEXT NOT NULL DEFAULT '',
	active           BOOLEAN NOT NULL DEFAULT FALSE,
	billing_item_ref TEXT NOT NULL DEFAULT '',
	usage_count      BIGINT NOT NULL DEFAULT 0,
	version          BIGINT NOT NULL DEFAULT 0,
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS usage_tokens (
	customer_id TEXT NOT NULL,
	token       TEXT NOT NULL,
	expires_at  TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (customer_id, token)
);
CREATE INDEX IF NOT EXISTS usage_tokens_expires_at_idx ON usage_tokens (expires_at);

CREATE TABLE IF NOT EXISTS processed_events (
	event_id   TEXT PRIMARY KEY,
	expires_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS processed_events_expires_at_idx ON processed_events (expires_at);
`

const accountColumns = `customer_id, hashed_key, active, billing_item_ref, usage_count, version, created_at, updated_at`

// Storage implements keymeter.Storage using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config
	logger keymeter.Logger

	// stopCleanup cancels the background cleanup goroutine
	stopCleanup func()
	cleanupDone chan struct{}
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// AutoMigrate applies Schema on startup
	AutoMigrate bool

	// Cleanup configuration
	CleanupEnabled  bool
	CleanupInterval time.Duration // How often expired tokens and events are deleted

	Logger keymeter.Logger
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		AutoMigrate:     true,
		CleanupEnabled:  true,
		CleanupInterval: time.Hour,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}
	if config.Logger == nil {
		config.Logger = &keymeter.NoopLogger{}
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = DefaultConfig().CleanupInterval
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Storage{
		pool:   pool,
		config: config,
		logger: config.Logger,
	}

	if config.AutoMigrate {
		if err := s.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}

	if config.CleanupEnabled {
		cleanupCtx, cancel := context.WithCancel(context.Background())
		s.stopCleanup = cancel
		s.cleanupDone = make(chan struct{})
		go s.startCleanup(cleanupCtx)
	}

	return s, nil
}

// Migrate creates the tables if they do not exist
func (s *Storage) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Close stops background cleanup and closes the connection pool
func (s *Storage) Close() {
	if s.stopCleanup != nil {
		s.stopCleanup()
		<-s.cleanupDone
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks the PostgreSQL connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// GetKeyRecord implements keymeter.Storage
func (s *Storage) GetKeyRecord(ctx context.Context, hashedKey string) (*keymeter.KeyRecord, error) {
	var rec keymeter.KeyRecord
	err := s.pool.QueryRow(ctx,
		`SELECT hashed_key, customer_id, created_at FROM key_records WHERE hashed_key = $1`,
		hashedKey).Scan(&rec.HashedKey, &rec.CustomerID, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, keymeter.ErrNotFound
	}
	if err != nil {
		return nil, unavailable("failed to get key record", err)
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	return &rec, nil
}

// InsertKeyRecord implements keymeter.Storage
func (s *Storage) InsertKeyRecord(ctx context.Context, rec *keymeter.KeyRecord) error {
	if rec == nil || rec.HashedKey == "" || rec.CustomerID == "" {
		return fmt.Errorf("%w: invalid key record", keymeter.ErrInvalidArgument)
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO key_records (hashed_key, customer_id, created_at) VALUES ($1, $2, $3)`,
		rec.HashedKey, rec.CustomerID, rec.CreatedAt.UTC())
	if isUniqueViolation(err) {
		return keymeter.ErrConflict
	}
	if err != nil {
		return unavailable("failed to insert key record", err)
	}
	return nil
}

// GetAccount implements keymeter.Storage
func (s *Storage) GetAccount(ctx context.Context, customerID string) (*keymeter.Account, error) {
	acct, err := scanAccount(s.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE customer_id = $1`, customerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, keymeter.ErrNotFound
	}
	if err != nil {
		return nil, unavailable("failed to get account", err)
	}
	return acct, nil
}

// ActivateAccount implements keymeter.Storage
func (s *Storage) ActivateAccount(
	ctx context.Context,
	customerID, billingItemRef string,
	now time.Time,
) (*keymeter.Account, error) {
	if customerID == "" {
		return nil, fmt.Errorf("%w: empty customer id", keymeter.ErrInvalidArgument)
	}
	acct, err := scanAccount(s.pool.QueryRow(ctx,
		`INSERT INTO accounts (customer_id, active, billing_item_ref, version, created_at, updated_at)
			VALUES ($1, TRUE, $2, 1, $3, $3)
			ON CONFLICT (customer_id) DO UPDATE SET
				active = TRUE,
				billing_item_ref = CASE WHEN EXCLUDED.billing_item_ref <> ''
					THEN EXCLUDED.billing_item_ref ELSE accounts.billing_item_ref END,
				version = accounts.version + 1,
				updated_at = EXCLUDED.updated_at
			RETURNING `+accountColumns,
		customerID, billingItemRef, now.UTC()))
	if err != nil {
		return nil, unavailable("failed to activate account", err)
	}
	return acct, nil
}

// DeactivateAccount implements keymeter.Storage
func (s *Storage) DeactivateAccount(ctx context.Context, customerID string, now time.Time) (*keymeter.Account, error) {
	acct, err := scanAccount(s.pool.QueryRow(ctx,
		`UPDATE accounts SET active = FALSE, version = version + 1, updated_at = $2
			WHERE customer_id = $1
			RETURNING `+accountColumns,
		customerID, now.UTC()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, keymeter.ErrNotFound
	}
	if err != nil {
		return nil, unavailable("failed to deactivate account", err)
	}
	return acct, nil
}

// RecordUsage implements keymeter.Storage. The account row lock serializes
// concurrent claims for the same customer.
func (s *Storage) RecordUsage(ctx context.Context, req *keymeter.RecordUsageRequest) (*keymeter.RecordUsageResult, error) {
	if req == nil || req.CustomerID == "" || req.IdempotencyToken == "" {
		return nil, fmt.Errorf("%w: invalid usage request", keymeter.ErrInvalidArgument)
	}
	now := req.Now
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, unavailable("failed to begin transaction", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	acct, err := scanAccount(tx.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE customer_id = $1 FOR UPDATE`, req.CustomerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, keymeter.ErrUnauthorized
	}
	if err != nil {
		return nil, unavailable("failed to lock account", err)
	}
	if !acct.Active {
		return nil, keymeter.ErrUnauthorized
	}

	// Claims the token unless a live claim exists; an expired one is renewed.
	tag, err := tx.Exec(ctx,
		`INSERT INTO usage_tokens (customer_id, token, expires_at) VALUES ($1, $2, $3)
			ON CONFLICT (customer_id, token) DO UPDATE SET expires_at = EXCLUDED.expires_at
			WHERE usage_tokens.expires_at <= $4`,
		req.CustomerID, req.IdempotencyToken, now.Add(req.TokenTTL), now)
	if err != nil {
		return nil, unavailable("failed to claim usage token", err)
	}
	if tag.RowsAffected() == 0 {
		if err := tx.Commit(ctx); err != nil {
			return nil, unavailable("failed to commit", err)
		}
		return &keymeter.RecordUsageResult{Account: acct, Duplicate: true}, nil
	}

	acct, err = scanAccount(tx.QueryRow(ctx,
		`UPDATE accounts SET usage_count = usage_count + $2, version = version + 1, updated_at = $3
			WHERE customer_id = $1
			RETURNING `+accountColumns,
		req.CustomerID, int64(req.Quantity), now))
	if err != nil {
		return nil, unavailable("failed to increment usage", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, unavailable("failed to commit", err)
	}
	return &keymeter.RecordUsageResult{Account: acct}, nil
}

// Provision implements keymeter.Storage in a single transaction. Any error
// rolls back the event claim, the key insert and the activation together.
func (s *Storage) Provision(ctx context.Context, req *keymeter.ProvisionRequest) (*keymeter.ProvisionResult, error) {
	if req == nil || req.EventID == "" || req.CustomerID == "" || req.HashedKey == "" {
		return nil, fmt.Errorf("%w: invalid provision request", keymeter.ErrInvalidArgument)
	}
	now := req.Now
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, unavailable("failed to begin transaction", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	claimed, err := claimEvent(ctx, tx, req.EventID, now, req.EventTTL)
	if err != nil {
		return nil, unavailable("failed to claim event", err)
	}
	if !claimed {
		return &keymeter.ProvisionResult{AlreadyProcessed: true}, nil
	}

	// Ensure the row exists so it can be locked.
	_, err = tx.Exec(ctx,
		`INSERT INTO accounts (customer_id, created_at, updated_at) VALUES ($1, $2, $2)
			ON CONFLICT (customer_id) DO NOTHING`,
		req.CustomerID, now)
	if err != nil {
		return nil, unavailable("failed to ensure account exists", err)
	}

	var currentKey string
	err = tx.QueryRow(ctx,
		`SELECT hashed_key FROM accounts WHERE customer_id = $1 FOR UPDATE`,
		req.CustomerID).Scan(&currentKey)
	if err != nil {
		return nil, unavailable("failed to lock account", err)
	}

	issue := currentKey == ""
	if issue {
		_, err = tx.Exec(ctx,
			`INSERT INTO key_records (hashed_key, customer_id, created_at) VALUES ($1, $2, $3)`,
			req.HashedKey, req.CustomerID, now)
		if isUniqueViolation(err) {
			return nil, keymeter.ErrConflict
		}
		if err != nil {
			return nil, unavailable("failed to insert key record", err)
		}
	}

	acct, err := scanAccount(tx.QueryRow(ctx,
		`UPDATE accounts SET
				active = TRUE,
				billing_item_ref = CASE WHEN $2 <> '' THEN $2 ELSE billing_item_ref END,
				hashed_key = CASE WHEN $3 THEN $4 ELSE hashed_key END,
				version = version + 1,
				updated_at = $5
			WHERE customer_id = $1
			RETURNING `+accountColumns,
		req.CustomerID, req.BillingItemRef, issue, req.HashedKey, now))
	if err != nil {
		return nil, unavailable("failed to activate account", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, unavailable("failed to commit", err)
	}
	return &keymeter.ProvisionResult{Account: acct, KeyIssued: issue}, nil
}

// MarkEventProcessed implements keymeter.Storage
func (s *Storage) MarkEventProcessed(ctx context.Context, eventID string, ttl time.Duration) (bool, error) {
	if eventID == "" {
		return false, fmt.Errorf("%w: empty event id", keymeter.ErrInvalidArgument)
	}
	claimed, err := claimEvent(ctx, s.pool, eventID, time.Now().UTC(), ttl)
	if err != nil {
		return false, unavailable("failed to mark event", err)
	}
	return claimed, nil
}

// EventProcessed implements keymeter.Storage
func (s *Storage) EventProcessed(ctx context.Context, eventID string) (bool, error) {
	var processed bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM processed_events WHERE event_id = $1 AND expires_at > $2)`,
		eventID, time.Now().UTC()).Scan(&processed)
	if err != nil {
		return false, unavailable("failed to check event", err)
	}
	return processed, nil
}

// Cleanup deletes expired usage tokens and processed events
func (s *Storage) Cleanup(ctx context.Context) error {
	now := time.Now().UTC()

	if _, err := s.pool.Exec(ctx, `DELETE FROM usage_tokens WHERE expires_at <= $1`, now); err != nil {
		return fmt.Errorf("failed to cleanup usage tokens: %w", err)
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM processed_events WHERE expires_at <= $1`, now); err != nil {
		return fmt.Errorf("failed to cleanup processed events: %w", err)
	}
	return nil
}

func (s *Storage) startCleanup(ctx context.Context) {
	defer close(s.cleanupDone)
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Cleanup(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("postgres cleanup failed", keymeter.F("error", err))
			}
		}
	}
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// claimEvent inserts the event id, or renews an expired entry. It reports
// false when a live entry already exists.
func claimEvent(ctx context.Context, q querier, eventID string, now time.Time, ttl time.Duration) (bool, error) {
	var id string
	err := q.QueryRow(ctx,
		`INSERT INTO processed_events (event_id, expires_at) VALUES ($1, $2)
			ON CONFLICT (event_id) DO UPDATE SET expires_at = EXCLUDED.expires_at
			WHERE processed_events.expires_at <= $3
			RETURNING event_id`,
		eventID, now.Add(ttl), now).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func scanAccount(row pgx.Row) (*keymeter.Account, error) {
	var acct keymeter.Account
	var usage, version int64
	err := row.Scan(
		&acct.CustomerID,
		&acct.HashedKey,
		&acct.Active,
		&acct.BillingItemRef,
		&usage,
		&version,
		&acct.CreatedAt,
		&acct.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	acct.UsageCount = uint64(usage)
	acct.Version = uint64(version)
	acct.CreatedAt = acct.CreatedAt.UTC()
	acct.UpdatedAt = acct.UpdatedAt.UTC()
	return &acct, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func unavailable(msg string, err error) error {
	return fmt.Errorf("%w: %s: %w", keymeter.ErrStorageUnavailable, msg, err)
}
