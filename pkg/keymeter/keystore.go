package keymeter

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
)

// KeyStoreConfig holds KeyStore configuration
type KeyStoreConfig struct {
	// Prefix is prepended to every generated plaintext key (default "km_")
	Prefix string

	// KeyBytes is the number of random bytes per key (default 32, minimum 16)
	KeyBytes int

	// MaxAttempts bounds the collision retry loop in Generate (default 5)
	MaxAttempts int

	// CacheTTL is how long resolved keys stay cached (default 10m)
	CacheTTL time.Duration

	// Cache overrides the default LRU cache. Use &NoopCache{} to disable caching.
	Cache KeyCache

	// Rand is the entropy source (default crypto/rand.Reader)
	Rand io.Reader

	Logger  Logger
	Metrics Metrics
}

// DefaultKeyStoreConfig returns the default KeyStore configuration
func DefaultKeyStoreConfig() KeyStoreConfig {
	return KeyStoreConfig{
		Prefix:      "km_",
		KeyBytes:    32,
		MaxAttempts: 5,
		CacheTTL:    10 * time.Minute,
	}
}

// KeyStore maps hashed API keys to customers and issues new keys.
type KeyStore struct {
	storage     Storage
	cache       KeyCache
	group       singleflight.Group
	prefix      string
	keyBytes    int
	maxAttempts int
	cacheTTL    time.Duration
	rand        io.Reader
	logger      Logger
	metrics     Metrics
}

// NewKeyStore creates a KeyStore backed by storage
func NewKeyStore(storage Storage, config KeyStoreConfig) (*KeyStore, error) {
	if storage == nil {
		return nil, fmt.Errorf("%w: storage is required", ErrInvalidArgument)
	}

	def := DefaultKeyStoreConfig()
	if config.Prefix == "" {
		config.Prefix = def.Prefix
	}
	if config.KeyBytes == 0 {
		config.KeyBytes = def.KeyBytes
	}
	if config.KeyBytes < 16 {
		return nil, fmt.Errorf("%w: key must carry at least 128 bits of entropy", ErrInvalidArgument)
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = def.MaxAttempts
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = def.CacheTTL
	}
	if config.Cache == nil {
		config.Cache = NewLRUCache(0)
	}
	if config.Rand == nil {
		config.Rand = rand.Reader
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}

	return &KeyStore{
		storage:     storage,
		cache:       config.Cache,
		prefix:      config.Prefix,
		keyBytes:    config.KeyBytes,
		maxAttempts: config.MaxAttempts,
		cacheTTL:    config.CacheTTL,
		rand:        config.Rand,
		logger:      config.Logger,
		metrics:     config.Metrics,
	}, nil
}

// HashKey returns the hex SHA-256 digest of a plaintext key
func HashKey(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// Generate draws a fresh key whose digest is not yet registered. It gives up
// with ErrKeyGenerationExhausted after MaxAttempts collisions. The returned
// digest is not reserved; a concurrent Insert can still take it, which callers
// detect through ErrConflict.
func (ks *KeyStore) Generate(ctx context.Context) (plaintext, hashed string, err error) {
	for attempt := 1; attempt <= ks.maxAttempts; attempt++ {
		plaintext, err = ks.newPlaintext()
		if err != nil {
			ks.metrics.RecordKeyGeneration(attempt, false)
			return "", "", err
		}
		hashed = HashKey(plaintext)

		_, err = ks.storage.GetKeyRecord(ctx, hashed)
		switch {
		case errors.Is(err, ErrNotFound):
			ks.metrics.RecordKeyGeneration(attempt, true)
			return plaintext, hashed, nil
		case err != nil:
			ks.metrics.RecordKeyGeneration(attempt, false)
			return "", "", fmt.Errorf("failed to check key uniqueness: %w", err)
		}

		ks.logger.Warn("generated key collides with an existing record",
			F("attempt", attempt),
			F("hashed_key", KeyPrefix(hashed)),
		)
	}

	ks.metrics.RecordKeyGeneration(ks.maxAttempts, false)
	return "", "", fmt.Errorf("%w after %d attempts", ErrKeyGenerationExhausted, ks.maxAttempts)
}

func (ks *KeyStore) newPlaintext() (string, error) {
	buf := make([]byte, ks.keyBytes)
	if _, err := io.ReadFull(ks.rand, buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return ks.prefix + hex.EncodeToString(buf), nil
}

// Resolve returns the customer owning hashedKey. Concurrent misses for the
// same key share one storage lookup.
func (ks *KeyStore) Resolve(ctx context.Context, hashedKey string) (string, error) {
	if hashedKey == "" {
		return "", fmt.Errorf("%w: empty key", ErrInvalidArgument)
	}

	if customerID, ok := ks.cache.Get(hashedKey); ok {
		ks.metrics.RecordCacheHit()
		return customerID, nil
	}
	ks.metrics.RecordCacheMiss()

	v, err, _ := ks.group.Do(hashedKey, func() (interface{}, error) {
		rec, err := ks.storage.GetKeyRecord(ctx, hashedKey)
		if err != nil {
			return "", err
		}
		ks.cache.Set(hashedKey, rec.CustomerID, ks.cacheTTL)
		return rec.CustomerID, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Authenticate resolves a plaintext key to its customer
func (ks *KeyStore) Authenticate(ctx context.Context, plaintext string) (string, error) {
	plaintext = strings.TrimSpace(plaintext)
	if plaintext == "" {
		ks.metrics.RecordAuthentication("invalid")
		return "", fmt.Errorf("%w: empty key", ErrInvalidArgument)
	}

	customerID, err := ks.Resolve(ctx, HashKey(plaintext))
	switch {
	case err == nil:
		ks.metrics.RecordAuthentication("ok")
	case errors.Is(err, ErrNotFound):
		ks.metrics.RecordAuthentication("not_found")
	default:
		ks.metrics.RecordAuthentication("error")
		ks.logger.Error("key lookup failed", F("error", err))
	}
	return customerID, err
}

// Insert registers hashedKey for customerID. Returns ErrConflict if the digest
// is already registered.
func (ks *KeyStore) Insert(ctx context.Context, hashedKey, customerID string) error {
	if hashedKey == "" || customerID == "" {
		return fmt.Errorf("%w: hashed key and customer id are required", ErrInvalidArgument)
	}
	rec := &KeyRecord{
		HashedKey:  hashedKey,
		CustomerID: customerID,
		CreatedAt:  time.Now().UTC(),
	}
	if err := ks.storage.InsertKeyRecord(ctx, rec); err != nil {
		return err
	}
	ks.cache.Set(hashedKey, customerID, ks.cacheTTL)
	return nil
}
