package redis

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/keymeter/pkg/keymeter"
	"github.com/mihaimyh/keymeter/storage/storagetest"
)

var _ keymeter.Storage = (*Storage)(nil)
var _ keymeter.Pinger = (*Storage)(nil)

// setupTestRedis creates a Redis client for testing
// Requires Redis running on localhost:6379
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // Use DB 15 for testing
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	// Clear test database
	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test database: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	return client
}

func TestNew(t *testing.T) {
	_, err := New(nil, DefaultConfig())
	assert.Error(t, err)

	s, err := New(redis.NewClient(&redis.Options{Addr: "localhost:6379"}), Config{})
	require.NoError(t, err)
	assert.Equal(t, "keymeter:", s.config.KeyPrefix)
	assert.Equal(t, "keymeter:acct:cus_1", s.accountKey("cus_1"))
	assert.Equal(t, "keymeter:tok:cus_1:t", s.tokenKey("cus_1", "t"))
}

func TestStorage_Contract(t *testing.T) {
	client := setupTestRedis(t)
	storagetest.Run(t, func(t *testing.T) keymeter.Storage {
		require.NoError(t, client.FlushDB(context.Background()).Err())
		s, err := New(client, DefaultConfig())
		require.NoError(t, err)
		return s
	})
}

func TestStorage_UsageTokenExpires(t *testing.T) {
	client := setupTestRedis(t)
	s, err := New(client, DefaultConfig())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.ActivateAccount(ctx, "cus_1", "si_1", time.Now())
	require.NoError(t, err)

	req := &keymeter.RecordUsageRequest{CustomerID: "cus_1", IdempotencyToken: "tok", Quantity: 1, TokenTTL: 50 * time.Millisecond}
	res, err := s.RecordUsage(ctx, req)
	require.NoError(t, err)
	assert.False(t, res.Duplicate)

	time.Sleep(120 * time.Millisecond)
	res, err = s.RecordUsage(ctx, req)
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, uint64(2), res.Account.UsageCount)
}

func TestStorage_EventTTL(t *testing.T) {
	client := setupTestRedis(t)
	s, err := New(client, DefaultConfig())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.MarkEventProcessed(ctx, "evt_1", 50*time.Millisecond)
	require.NoError(t, err)
	ttl, err := client.PTTL(ctx, s.eventKey("evt_1")).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	time.Sleep(120 * time.Millisecond)
	processed, err := s.EventProcessed(ctx, "evt_1")
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestStorage_Unavailable(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1, DialTimeout: 100 * time.Millisecond})
	s, err := New(client, DefaultConfig())
	require.NoError(t, err)

	_, err = s.GetAccount(context.Background(), "cus_1")
	assert.ErrorIs(t, err, keymeter.ErrStorageUnavailable)
	assert.Error(t, s.Ping(context.Background()))
}

func TestLocker_MutualExclusion(t *testing.T) {
	client := setupTestRedis(t)
	locker, err := NewLocker(client, LockerConfig{RetryInterval: 2 * time.Millisecond})
	require.NoError(t, err)

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := locker.Lock(context.Background(), "customer:cus_1")
			if err != nil {
				t.Errorf("Lock: %v", err)
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside)
}

func TestLocker_ContextCancel(t *testing.T) {
	client := setupTestRedis(t)
	locker, err := NewLocker(client, LockerConfig{})
	require.NoError(t, err)

	unlock, err := locker.Lock(context.Background(), "event:evt_1")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = locker.Lock(ctx, "event:evt_1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLocker_UnlockOnlyOwnToken(t *testing.T) {
	client := setupTestRedis(t)
	locker, err := NewLocker(client, LockerConfig{TTL: 50 * time.Millisecond, RetryInterval: 5 * time.Millisecond})
	require.NoError(t, err)
	ctx := context.Background()

	staleUnlock, err := locker.Lock(ctx, "customer:cus_1")
	require.NoError(t, err)

	// The first holder's lease expires and another instance takes over.
	time.Sleep(80 * time.Millisecond)
	unlock, err := locker.Lock(ctx, "customer:cus_1")
	require.NoError(t, err)

	staleUnlock()
	exists, err := client.Exists(ctx, "keymeter:lock:customer:cus_1").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), exists, "stale unlock must not release the new holder")

	unlock()
	exists, err = client.Exists(ctx, "keymeter:lock:customer:cus_1").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), exists)
}
