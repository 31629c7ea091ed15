// Package memory provides an in-memory implementation of the keymeter.Storage interface.
// State is split across fnv-hashed shards so unrelated customers never contend
// on the same lock. Intended for tests, development and single-instance setups.
package memory

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/mihaimyh/keymeter/pkg/keymeter"
)

// Config configures the in-memory storage
type Config struct {
	// NumShards is the number of lock shards (default 32)
	NumShards int

	// CleanupInterval enables a background sweep of expired tokens and events.
	// Zero disables it; expired entries are still ignored on read.
	CleanupInterval time.Duration

	// Now overrides the clock used for event expiry (default time.Now)
	Now func() time.Time
}

type shard struct {
	mu       sync.Mutex
	keys     map[string]*keymeter.KeyRecord
	accounts map[string]*keymeter.Account
	tokens   map[string]time.Time // customer + token -> expiry
	events   map[string]time.Time // event id -> expiry
}

// Storage implements keymeter.Storage using sharded in-memory maps
type Storage struct {
	shards []*shard
	now    func() time.Time
	done   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// New creates a new in-memory storage adapter with default settings
func New() *Storage {
	return NewWithConfig(Config{})
}

// NewWithConfig creates a new in-memory storage adapter
func NewWithConfig(config Config) *Storage {
	if config.NumShards <= 0 {
		config.NumShards = 32
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	s := &Storage{
		shards: make([]*shard, config.NumShards),
		now:    config.Now,
		done:   make(chan struct{}),
	}
	for i := range s.shards {
		s.shards[i] = &shard{
			keys:     make(map[string]*keymeter.KeyRecord),
			accounts: make(map[string]*keymeter.Account),
			tokens:   make(map[string]time.Time),
			events:   make(map[string]time.Time),
		}
	}

	if config.CleanupInterval > 0 {
		s.wg.Add(1)
		go s.cleanupLoop(config.CleanupInterval)
	}
	return s
}

// Close stops the background cleanup
func (s *Storage) Close() error {
	s.once.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
	return nil
}

// Ping implements keymeter.Pinger
func (s *Storage) Ping(_ context.Context) error {
	return nil
}

func (s *Storage) shardIndex(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key)) //nolint:errcheck // hash.Hash never returns an error
	return int(h.Sum32() % uint32(len(s.shards)))
}

func (s *Storage) shardFor(key string) *shard {
	return s.shards[s.shardIndex(key)]
}

// lockShards locks the shards owning keys in ascending index order and
// returns the unlock function.
func (s *Storage) lockShards(keys ...string) func() {
	seen := make(map[int]struct{}, len(keys))
	idx := make([]int, 0, len(keys))
	for _, k := range keys {
		i := s.shardIndex(k)
		if _, ok := seen[i]; ok {
			continue
		}
		seen[i] = struct{}{}
		idx = append(idx, i)
	}
	sort.Ints(idx)

	for _, i := range idx {
		s.shards[i].mu.Lock()
	}
	return func() {
		for j := len(idx) - 1; j >= 0; j-- {
			s.shards[idx[j]].mu.Unlock()
		}
	}
}

func keyShardKey(hashedKey string) string {
	return "k:" + hashedKey
}

func customerShardKey(customerID string) string {
	return "c:" + customerID
}

func eventShardKey(eventID string) string {
	return "e:" + eventID
}

func tokenKey(customerID, token string) string {
	return customerID + "\x00" + token
}

// GetKeyRecord implements keymeter.Storage
func (s *Storage) GetKeyRecord(_ context.Context, hashedKey string) (*keymeter.KeyRecord, error) {
	sh := s.shardFor(keyShardKey(hashedKey))
	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec, ok := sh.keys[hashedKey]
	if !ok {
		return nil, keymeter.ErrNotFound
	}
	recCopy := *rec
	return &recCopy, nil
}

// InsertKeyRecord implements keymeter.Storage
func (s *Storage) InsertKeyRecord(_ context.Context, rec *keymeter.KeyRecord) error {
	if rec == nil || rec.HashedKey == "" || rec.CustomerID == "" {
		return fmt.Errorf("%w: invalid key record", keymeter.ErrInvalidArgument)
	}

	sh := s.shardFor(keyShardKey(rec.HashedKey))
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, ok := sh.keys[rec.HashedKey]; ok {
		return keymeter.ErrConflict
	}
	recCopy := *rec
	sh.keys[rec.HashedKey] = &recCopy
	return nil
}

// GetAccount implements keymeter.Storage
func (s *Storage) GetAccount(_ context.Context, customerID string) (*keymeter.Account, error) {
	sh := s.shardFor(customerShardKey(customerID))
	sh.mu.Lock()
	defer sh.mu.Unlock()

	acct, ok := sh.accounts[customerID]
	if !ok {
		return nil, keymeter.ErrNotFound
	}
	acctCopy := *acct
	return &acctCopy, nil
}

// ActivateAccount implements keymeter.Storage
func (s *Storage) ActivateAccount(
	_ context.Context,
	customerID, billingItemRef string,
	now time.Time,
) (*keymeter.Account, error) {
	if customerID == "" {
		return nil, fmt.Errorf("%w: empty customer id", keymeter.ErrInvalidArgument)
	}

	sh := s.shardFor(customerShardKey(customerID))
	sh.mu.Lock()
	defer sh.mu.Unlock()

	acct := activate(sh, customerID, billingItemRef, now)
	acctCopy := *acct
	return &acctCopy, nil
}

// activate mutates the account in place. Caller holds the customer shard.
func activate(sh *shard, customerID, billingItemRef string, now time.Time) *keymeter.Account {
	acct, ok := sh.accounts[customerID]
	if !ok {
		acct = &keymeter.Account{CustomerID: customerID, CreatedAt: now}
		sh.accounts[customerID] = acct
	}
	acct.Active = true
	if billingItemRef != "" {
		acct.BillingItemRef = billingItemRef
	}
	acct.Version++
	acct.UpdatedAt = now
	return acct
}

// DeactivateAccount implements keymeter.Storage
func (s *Storage) DeactivateAccount(_ context.Context, customerID string, now time.Time) (*keymeter.Account, error) {
	sh := s.shardFor(customerShardKey(customerID))
	sh.mu.Lock()
	defer sh.mu.Unlock()

	acct, ok := sh.accounts[customerID]
	if !ok {
		return nil, keymeter.ErrNotFound
	}
	acct.Active = false
	acct.Version++
	acct.UpdatedAt = now

	acctCopy := *acct
	return &acctCopy, nil
}

// RecordUsage implements keymeter.Storage
func (s *Storage) RecordUsage(_ context.Context, req *keymeter.RecordUsageRequest) (*keymeter.RecordUsageResult, error) {
	if req == nil || req.CustomerID == "" || req.IdempotencyToken == "" {
		return nil, fmt.Errorf("%w: invalid usage request", keymeter.ErrInvalidArgument)
	}
	now := req.Now
	if now.IsZero() {
		now = s.now()
	}

	sh := s.shardFor(customerShardKey(req.CustomerID))
	sh.mu.Lock()
	defer sh.mu.Unlock()

	acct, ok := sh.accounts[req.CustomerID]
	if !ok || !acct.Active {
		return nil, keymeter.ErrUnauthorized
	}

	tk := tokenKey(req.CustomerID, req.IdempotencyToken)
	if exp, claimed := sh.tokens[tk]; claimed && now.Before(exp) {
		acctCopy := *acct
		return &keymeter.RecordUsageResult{Account: &acctCopy, Duplicate: true}, nil
	}

	sh.tokens[tk] = now.Add(req.TokenTTL)
	acct.UsageCount += req.Quantity
	acct.Version++
	acct.UpdatedAt = now

	acctCopy := *acct
	return &keymeter.RecordUsageResult{Account: &acctCopy}, nil
}

// Provision implements keymeter.Storage. The event, key and customer shards
// are locked together, so the whole transition is atomic.
func (s *Storage) Provision(_ context.Context, req *keymeter.ProvisionRequest) (*keymeter.ProvisionResult, error) {
	if req == nil || req.EventID == "" || req.CustomerID == "" || req.HashedKey == "" {
		return nil, fmt.Errorf("%w: invalid provision request", keymeter.ErrInvalidArgument)
	}
	now := req.Now
	if now.IsZero() {
		now = s.now()
	}

	unlock := s.lockShards(
		eventShardKey(req.EventID),
		keyShardKey(req.HashedKey),
		customerShardKey(req.CustomerID),
	)
	defer unlock()

	evSh := s.shardFor(eventShardKey(req.EventID))
	if exp, ok := evSh.events[req.EventID]; ok && now.Before(exp) {
		return &keymeter.ProvisionResult{AlreadyProcessed: true}, nil
	}

	custSh := s.shardFor(customerShardKey(req.CustomerID))
	keySh := s.shardFor(keyShardKey(req.HashedKey))

	existing, hasAccount := custSh.accounts[req.CustomerID]
	issue := !hasAccount || existing.HashedKey == ""
	if issue {
		if _, taken := keySh.keys[req.HashedKey]; taken {
			return nil, keymeter.ErrConflict
		}
	}

	// All checks passed; apply.
	if issue {
		keySh.keys[req.HashedKey] = &keymeter.KeyRecord{
			HashedKey:  req.HashedKey,
			CustomerID: req.CustomerID,
			CreatedAt:  now,
		}
	}
	acct := activate(custSh, req.CustomerID, req.BillingItemRef, now)
	if issue {
		acct.HashedKey = req.HashedKey
	}
	evSh.events[req.EventID] = now.Add(req.EventTTL)

	acctCopy := *acct
	return &keymeter.ProvisionResult{Account: &acctCopy, KeyIssued: issue}, nil
}

// MarkEventProcessed implements keymeter.Storage
func (s *Storage) MarkEventProcessed(_ context.Context, eventID string, ttl time.Duration) (bool, error) {
	if eventID == "" {
		return false, fmt.Errorf("%w: empty event id", keymeter.ErrInvalidArgument)
	}
	now := s.now()

	sh := s.shardFor(eventShardKey(eventID))
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if exp, ok := sh.events[eventID]; ok && now.Before(exp) {
		return false, nil
	}
	sh.events[eventID] = now.Add(ttl)
	return true, nil
}

// EventProcessed implements keymeter.Storage
func (s *Storage) EventProcessed(_ context.Context, eventID string) (bool, error) {
	sh := s.shardFor(eventShardKey(eventID))
	sh.mu.Lock()
	defer sh.mu.Unlock()

	exp, ok := sh.events[eventID]
	return ok && s.now().Before(exp), nil
}

// Cleanup removes expired tokens and events and returns how many were removed
func (s *Storage) Cleanup(now time.Time) int {
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for k, exp := range sh.tokens {
			if !now.Before(exp) {
				delete(sh.tokens, k)
				removed++
			}
		}
		for k, exp := range sh.events {
			if !now.Before(exp) {
				delete(sh.events, k)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

func (s *Storage) cleanupLoop(interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Cleanup(s.now())
		case <-s.done:
			return
		}
	}
}

// KeyCount returns the number of stored key records
func (s *Storage) KeyCount() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.keys)
		sh.mu.Unlock()
	}
	return n
}
