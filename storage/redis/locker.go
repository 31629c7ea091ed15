package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/keymeter/pkg/keymeter"
)

var _ keymeter.Locker = (*Locker)(nil)

// releaseScript deletes the lock only if the caller still owns it
var releaseScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

// LockerConfig holds distributed lock configuration
type LockerConfig struct {
	// KeyPrefix is prepended to lock keys (default: "keymeter:lock:")
	KeyPrefix string

	// TTL bounds how long a crashed holder blocks others (default: 30s)
	TTL time.Duration

	// RetryInterval is the polling interval while waiting (default: 25ms)
	RetryInterval time.Duration
}

// Locker is a keymeter.Locker backed by Redis SET NX PX. It serializes
// customer mutations across gateway instances.
type Locker struct {
	client redis.UniversalClient
	config LockerConfig
}

// NewLocker creates a Redis-backed Locker
func NewLocker(client redis.UniversalClient, config LockerConfig) (*Locker, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "keymeter:lock:"
	}
	if config.TTL <= 0 {
		config.TTL = 30 * time.Second
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = 25 * time.Millisecond
	}
	return &Locker{client: client, config: config}, nil
}

// Lock blocks until the key is acquired or ctx is done
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := l.config.KeyPrefix + key
	token := uuid.NewString()

	ticker := time.NewTicker(l.config.RetryInterval)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.config.TTL).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: failed to acquire lock: %w", keymeter.ErrStorageUnavailable, err)
		}
		if ok {
			var once sync.Once
			return func() {
				once.Do(func() {
					// Release even if the caller's context is already done.
					ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = releaseScript.Run(ctx, l.client, []string{redisKey}, token).Err() //nolint:errcheck // TTL reclaims it
				})
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
