// Package redis provides a Redis implementation of the keymeter.Storage interface.
// Every multi-key mutation runs as a Lua script, so it is atomic on the server.
//
// Provision touches the event, key and account entries in one script. On Redis
// Cluster set KeyPrefix to a hash tag (for example "{keymeter}:") so they share
// a slot.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/keymeter/pkg/keymeter"
)

const (
	statusOK           = "ok"
	statusDuplicate    = "duplicate"
	statusUnauthorized = "unauthorized"
	statusProcessed    = "processed"
	statusConflict     = "conflict"
	statusIssued       = "issued"
)

// Storage implements keymeter.Storage using Redis
type Storage struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "keymeter:")
	KeyPrefix string
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "keymeter:",
	}
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = DefaultConfig().KeyPrefix
	}

	s := &Storage{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}
	s.loadScripts()
	return s, nil
}

// loadScripts compiles the Lua scripts for atomic operations
func (s *Storage) loadScripts() {
	s.scripts["insertKey"] = redis.NewScript(`
		if redis.call('EXISTS', KEYS[1]) == 1 then
			return 0
		end
		redis.call('HSET', KEYS[1], 'customer_id', ARGV[1], 'created_at', ARGV[2])
		return 1
	`)

	s.scripts["activate"] = redis.NewScript(`
		local acct = KEYS[1]
		if redis.call('EXISTS', acct) == 0 then
			redis.call('HSET', acct, 'customer_id', ARGV[1], 'created_at', ARGV[3], 'usage', 0, 'version', 0)
		end
		redis.call('HSET', acct, 'active', '1', 'updated_at', ARGV[3])
		if ARGV[2] ~= '' then
			redis.call('HSET', acct, 'item', ARGV[2])
		end
		redis.call('HINCRBY', acct, 'version', 1)
		return redis.call('HGETALL', acct)
	`)

	s.scripts["deactivate"] = redis.NewScript(`
		local acct = KEYS[1]
		if redis.call('EXISTS', acct) == 0 then
			return false
		end
		redis.call('HSET', acct, 'active', '0', 'updated_at', ARGV[1])
		redis.call('HINCRBY', acct, 'version', 1)
		return redis.call('HGETALL', acct)
	`)

	// Check active, claim the token, increment the counter.
	s.scripts["recordUsage"] = redis.NewScript(`
		local acct = KEYS[1]
		local token = KEYS[2]
		local ttl = tonumber(ARGV[1])
		local quantity = tonumber(ARGV[2])

		if redis.call('HGET', acct, 'active') ~= '1' then
			return {'unauthorized'}
		end

		local claimed
		if ttl > 0 then
			claimed = redis.call('SET', token, '1', 'NX', 'PX', ttl)
		else
			claimed = redis.call('SET', token, '1', 'NX')
		end
		if not claimed then
			return {'duplicate', redis.call('HGETALL', acct)}
		end

		redis.call('HINCRBY', acct, 'usage', quantity)
		redis.call('HINCRBY', acct, 'version', 1)
		redis.call('HSET', acct, 'updated_at', ARGV[3])
		return {'ok', redis.call('HGETALL', acct)}
	`)

	// Dedup, key insert, activation and event record in one step.
	s.scripts["provision"] = redis.NewScript(`
		local evt = KEYS[1]
		local key = KEYS[2]
		local acct = KEYS[3]
		local customer = ARGV[1]
		local hashed = ARGV[2]
		local item = ARGV[3]
		local now = ARGV[4]
		local ttl = tonumber(ARGV[5])

		if redis.call('EXISTS', evt) == 1 then
			return {'processed'}
		end

		local existing = redis.call('HGET', acct, 'hashed_key')
		local issue = (not existing) or existing == ''
		if issue and redis.call('EXISTS', key) == 1 then
			return {'conflict'}
		end

		if issue then
			redis.call('HSET', key, 'customer_id', customer, 'created_at', now)
		end
		if redis.call('EXISTS', acct) == 0 then
			redis.call('HSET', acct, 'customer_id', customer, 'created_at', now, 'usage', 0, 'version', 0)
		end
		redis.call('HSET', acct, 'active', '1', 'updated_at', now)
		if item ~= '' then
			redis.call('HSET', acct, 'item', item)
		end
		if issue then
			redis.call('HSET', acct, 'hashed_key', hashed)
		end
		redis.call('HINCRBY', acct, 'version', 1)

		if ttl > 0 then
			redis.call('SET', evt, '1', 'PX', ttl)
		else
			redis.call('SET', evt, '1')
		end

		local status = 'ok'
		if issue then
			status = 'issued'
		end
		return {status, redis.call('HGETALL', acct)}
	`)
}

// GetKeyRecord implements keymeter.Storage
func (s *Storage) GetKeyRecord(ctx context.Context, hashedKey string) (*keymeter.KeyRecord, error) {
	fields, err := s.client.HGetAll(ctx, s.keyKey(hashedKey)).Result()
	if err != nil {
		return nil, unavailable("failed to get key record", err)
	}
	if len(fields) == 0 {
		return nil, keymeter.ErrNotFound
	}
	return &keymeter.KeyRecord{
		HashedKey:  hashedKey,
		CustomerID: fields["customer_id"],
		CreatedAt:  parseTime(fields["created_at"]),
	}, nil
}

// InsertKeyRecord implements keymeter.Storage
func (s *Storage) InsertKeyRecord(ctx context.Context, rec *keymeter.KeyRecord) error {
	if rec == nil || rec.HashedKey == "" || rec.CustomerID == "" {
		return fmt.Errorf("%w: invalid key record", keymeter.ErrInvalidArgument)
	}

	inserted, err := s.scripts["insertKey"].Run(ctx, s.client,
		[]string{s.keyKey(rec.HashedKey)},
		rec.CustomerID, formatTime(rec.CreatedAt),
	).Int()
	if err != nil {
		return unavailable("failed to insert key record", err)
	}
	if inserted == 0 {
		return keymeter.ErrConflict
	}
	return nil
}

// GetAccount implements keymeter.Storage
func (s *Storage) GetAccount(ctx context.Context, customerID string) (*keymeter.Account, error) {
	fields, err := s.client.HGetAll(ctx, s.accountKey(customerID)).Result()
	if err != nil {
		return nil, unavailable("failed to get account", err)
	}
	if len(fields) == 0 {
		return nil, keymeter.ErrNotFound
	}
	return accountFromFields(customerID, fields), nil
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

	res, err := s.scripts["activate"].Run(ctx, s.client,
		[]string{s.accountKey(customerID)},
		customerID, billingItemRef, formatTime(now),
	).Slice()
	if err != nil {
		return nil, unavailable("failed to activate account", err)
	}
	return accountFromFields(customerID, pairs(res)), nil
}

// DeactivateAccount implements keymeter.Storage
func (s *Storage) DeactivateAccount(ctx context.Context, customerID string, now time.Time) (*keymeter.Account, error) {
	res, err := s.scripts["deactivate"].Run(ctx, s.client,
		[]string{s.accountKey(customerID)},
		formatTime(now),
	).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, keymeter.ErrNotFound
	}
	if err != nil {
		return nil, unavailable("failed to deactivate account", err)
	}
	return accountFromFields(customerID, pairs(res)), nil
}

// RecordUsage implements keymeter.Storage
func (s *Storage) RecordUsage(ctx context.Context, req *keymeter.RecordUsageRequest) (*keymeter.RecordUsageResult, error) {
	if req == nil || req.CustomerID == "" || req.IdempotencyToken == "" {
		return nil, fmt.Errorf("%w: invalid usage request", keymeter.ErrInvalidArgument)
	}
	now := req.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	res, err := s.scripts["recordUsage"].Run(ctx, s.client,
		[]string{s.accountKey(req.CustomerID), s.tokenKey(req.CustomerID, req.IdempotencyToken)},
		req.TokenTTL.Milliseconds(), req.Quantity, formatTime(now),
	).Slice()
	if err != nil {
		return nil, unavailable("failed to record usage", err)
	}

	status, fields, err := parseStatusReply(res)
	if err != nil {
		return nil, err
	}
	switch status {
	case statusUnauthorized:
		return nil, keymeter.ErrUnauthorized
	case statusDuplicate:
		return &keymeter.RecordUsageResult{Account: accountFromFields(req.CustomerID, fields), Duplicate: true}, nil
	case statusOK:
		return &keymeter.RecordUsageResult{Account: accountFromFields(req.CustomerID, fields)}, nil
	default:
		return nil, fmt.Errorf("unexpected record usage status %q", status)
	}
}

// Provision implements keymeter.Storage
func (s *Storage) Provision(ctx context.Context, req *keymeter.ProvisionRequest) (*keymeter.ProvisionResult, error) {
	if req == nil || req.EventID == "" || req.CustomerID == "" || req.HashedKey == "" {
		return nil, fmt.Errorf("%w: invalid provision request", keymeter.ErrInvalidArgument)
	}
	now := req.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	res, err := s.scripts["provision"].Run(ctx, s.client,
		[]string{s.eventKey(req.EventID), s.keyKey(req.HashedKey), s.accountKey(req.CustomerID)},
		req.CustomerID, req.HashedKey, req.BillingItemRef, formatTime(now), req.EventTTL.Milliseconds(),
	).Slice()
	if err != nil {
		return nil, unavailable("failed to provision", err)
	}

	status, fields, err := parseStatusReply(res)
	if err != nil {
		return nil, err
	}
	switch status {
	case statusProcessed:
		return &keymeter.ProvisionResult{AlreadyProcessed: true}, nil
	case statusConflict:
		return nil, keymeter.ErrConflict
	case statusIssued, statusOK:
		return &keymeter.ProvisionResult{
			Account:   accountFromFields(req.CustomerID, fields),
			KeyIssued: status == statusIssued,
		}, nil
	default:
		return nil, fmt.Errorf("unexpected provision status %q", status)
	}
}

// MarkEventProcessed implements keymeter.Storage
func (s *Storage) MarkEventProcessed(ctx context.Context, eventID string, ttl time.Duration) (bool, error) {
	if eventID == "" {
		return false, fmt.Errorf("%w: empty event id", keymeter.ErrInvalidArgument)
	}
	ok, err := s.client.SetNX(ctx, s.eventKey(eventID), "1", ttl).Result()
	if err != nil {
		return false, unavailable("failed to mark event", err)
	}
	return ok, nil
}

// EventProcessed implements keymeter.Storage
func (s *Storage) EventProcessed(ctx context.Context, eventID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.eventKey(eventID)).Result()
	if err != nil {
		return false, unavailable("failed to check event", err)
	}
	return n == 1, nil
}

// Close closes the Redis client connection
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Storage) keyKey(hashedKey string) string {
	return s.config.KeyPrefix + "key:" + hashedKey
}

func (s *Storage) accountKey(customerID string) string {
	return s.config.KeyPrefix + "acct:" + customerID
}

func (s *Storage) tokenKey(customerID, token string) string {
	return s.config.KeyPrefix + "tok:" + customerID + ":" + token
}

func (s *Storage) eventKey(eventID string) string {
	return s.config.KeyPrefix + "evt:" + eventID
}

func unavailable(msg string, err error) error {
	return fmt.Errorf("%s: %w: %w", msg, keymeter.ErrStorageUnavailable, err)
}

// parseStatusReply splits a {status, HGETALL} script reply
func parseStatusReply(res []interface{}) (string, map[string]string, error) {
	if len(res) == 0 {
		return "", nil, fmt.Errorf("empty script reply")
	}
	status, ok := res[0].(string)
	if !ok {
		return "", nil, fmt.Errorf("unexpected script status type %T", res[0])
	}
	if len(res) < 2 {
		return status, nil, nil
	}
	flat, _ := res[1].([]interface{})
	return status, pairs(flat), nil
}

// pairs converts a flat HGETALL reply to a map
func pairs(flat []interface{}) map[string]string {
	m := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		k, _ := flat[i].(string)
		v, _ := flat[i+1].(string)
		m[k] = v
	}
	return m
}

func accountFromFields(customerID string, f map[string]string) *keymeter.Account {
	usage, _ := strconv.ParseUint(f["usage"], 10, 64)
	version, _ := strconv.ParseUint(f["version"], 10, 64)
	return &keymeter.Account{
		CustomerID:     customerID,
		HashedKey:      f["hashed_key"],
		Active:         f["active"] == "1",
		BillingItemRef: f["item"],
		UsageCount:     usage,
		Version:        version,
		CreatedAt:      parseTime(f["created_at"]),
		UpdatedAt:      parseTime(f["updated_at"]),
	}
}

func formatTime(t time.Time) string {
	return strconv.FormatInt(t.UnixNano(), 10)
}

func parseTime(s string) time.Time {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
