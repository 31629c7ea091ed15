package tiered

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/keymeter/pkg/keymeter"
	"github.com/mihaimyh/keymeter/storage/memory"
	"github.com/mihaimyh/keymeter/storage/storagetest"
)

var errCold = errors.New("cold down")

// failingCold fails every mutation while still answering reads
type failingCold struct {
	*memory.Storage
}

func (f *failingCold) InsertKeyRecord(context.Context, *keymeter.KeyRecord) error {
	return errCold
}

func (f *failingCold) Provision(context.Context, *keymeter.ProvisionRequest) (*keymeter.ProvisionResult, error) {
	return nil, errCold
}

func (f *failingCold) MarkEventProcessed(context.Context, string, time.Duration) (bool, error) {
	return false, errCold
}

func TestNew(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		storage, err := New(Config{Hot: memory.New(), Cold: memory.New()})
		assert.NoError(t, err)
		assert.NotNil(t, storage)
		assert.NoError(t, storage.Close())
	})

	t.Run("nil hot storage", func(t *testing.T) {
		storage, err := New(Config{Cold: memory.New()})
		assert.Error(t, err)
		assert.Nil(t, storage)
		assert.Contains(t, err.Error(), "hot and cold storage are required")
	})

	t.Run("nil cold storage", func(t *testing.T) {
		storage, err := New(Config{Hot: memory.New()})
		assert.Error(t, err)
		assert.Nil(t, storage)
	})

	t.Run("default sync buffer size", func(t *testing.T) {
		storage, err := New(Config{Hot: memory.New(), Cold: memory.New(), AsyncFill: true})
		require.NoError(t, err)
		defer storage.Close()
		assert.Equal(t, 1000, cap(storage.syncQueue))
	})
}

func TestStorage_Contract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) keymeter.Storage {
		s, err := New(Config{Hot: memory.New(), Cold: memory.New()})
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

// --- Read-Through Strategy Tests ---

func TestStorage_GetKeyRecord_ReadThrough(t *testing.T) {
	hot, cold := memory.New(), memory.New()
	s, err := New(Config{Hot: hot, Cold: cold})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, cold.InsertKeyRecord(ctx, &keymeter.KeyRecord{HashedKey: "h1", CustomerID: "cus_1"}))

	rec, err := s.GetKeyRecord(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, "cus_1", rec.CustomerID)

	// Hot was populated
	hotRec, err := hot.GetKeyRecord(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, "cus_1", hotRec.CustomerID)

	_, err = s.GetKeyRecord(ctx, "missing")
	assert.ErrorIs(t, err, keymeter.ErrNotFound)
}

func TestStorage_EventProcessed_ReadThrough(t *testing.T) {
	hot, cold := memory.New(), memory.New()
	s, err := New(Config{Hot: hot, Cold: cold})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = cold.MarkEventProcessed(ctx, "evt_cold", time.Hour)
	require.NoError(t, err)
	_, err = hot.MarkEventProcessed(ctx, "evt_hot", time.Hour)
	require.NoError(t, err)

	for _, id := range []string{"evt_cold", "evt_hot"} {
		ok, err := s.EventProcessed(ctx, id)
		require.NoError(t, err)
		assert.True(t, ok, id)
	}
	ok, err := s.EventProcessed(ctx, "evt_none")
	require.NoError(t, err)
	assert.False(t, ok)
}

// --- Write-Through Strategy Tests ---

func TestStorage_Provision_WriteThrough(t *testing.T) {
	hot, cold := memory.New(), memory.New()
	s, err := New(Config{Hot: hot, Cold: cold})
	require.NoError(t, err)
	ctx := context.Background()

	res, err := s.Provision(ctx, &keymeter.ProvisionRequest{
		EventID: "evt_1", CustomerID: "cus_1", HashedKey: "h1", BillingItemRef: "si_1", EventTTL: time.Hour,
	})
	require.NoError(t, err)
	assert.True(t, res.KeyIssued)

	hotRec, err := hot.GetKeyRecord(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, "cus_1", hotRec.CustomerID)
	ok, err := hot.EventProcessed(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, ok)

	// Accounts never live in Hot
	_, err = hot.GetAccount(ctx, "cus_1")
	assert.ErrorIs(t, err, keymeter.ErrNotFound)
}

func TestStorage_MarkEventProcessed_ColdDecides(t *testing.T) {
	hot, cold := memory.New(), memory.New()
	s, err := New(Config{Hot: hot, Cold: cold})
	require.NoError(t, err)
	ctx := context.Background()

	// A stale Hot entry does not stop Cold from deciding
	_, err = hot.MarkEventProcessed(ctx, "evt_1", time.Hour)
	require.NoError(t, err)

	marked, err := s.MarkEventProcessed(ctx, "evt_1", time.Hour)
	require.NoError(t, err)
	assert.True(t, marked)

	marked, err = s.MarkEventProcessed(ctx, "evt_1", time.Hour)
	require.NoError(t, err)
	assert.False(t, marked)
}

func TestStorage_WriteThrough_ColdFailure(t *testing.T) {
	hot := memory.New()
	s, err := New(Config{Hot: hot, Cold: &failingCold{Storage: memory.New()}})
	require.NoError(t, err)
	ctx := context.Background()

	err = s.InsertKeyRecord(ctx, &keymeter.KeyRecord{HashedKey: "h1", CustomerID: "cus_1"})
	assert.ErrorIs(t, err, errCold)
	_, err = s.Provision(ctx, &keymeter.ProvisionRequest{
		EventID: "evt_1", CustomerID: "cus_1", HashedKey: "h1", EventTTL: time.Hour,
	})
	assert.ErrorIs(t, err, errCold)
	_, err = s.MarkEventProcessed(ctx, "evt_2", time.Hour)
	assert.ErrorIs(t, err, errCold)

	assert.Equal(t, 0, hot.KeyCount(), "hot must not get ahead of cold")
	ok, err := hot.EventProcessed(ctx, "evt_1")
	require.NoError(t, err)
	assert.False(t, ok)
}

// --- Cold-Only Strategy Tests ---

func TestStorage_RecordUsage_ColdOnly(t *testing.T) {
	hot, cold := memory.New(), memory.New()
	s, err := New(Config{Hot: hot, Cold: cold})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.ActivateAccount(ctx, "cus_1", "si_1", time.Now())
	require.NoError(t, err)
	res, err := s.RecordUsage(ctx, &keymeter.RecordUsageRequest{
		CustomerID: "cus_1", IdempotencyToken: "tok", Quantity: 1, TokenTTL: time.Hour,
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.Account.UsageCount)

	acct, err := cold.GetAccount(ctx, "cus_1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), acct.UsageCount)
	_, err = hot.GetAccount(ctx, "cus_1")
	assert.ErrorIs(t, err, keymeter.ErrNotFound)
}

// --- Async Fill Tests ---

func TestStorage_AsyncFill_DrainsOnClose(t *testing.T) {
	hot, cold := memory.New(), memory.New()
	s, err := New(Config{Hot: hot, Cold: cold, AsyncFill: true})
	require.NoError(t, err)
	ctx := context.Background()

	for _, h := range []string{"h1", "h2", "h3"} {
		require.NoError(t, s.InsertKeyRecord(ctx, &keymeter.KeyRecord{HashedKey: h, CustomerID: "cus_" + h}))
	}
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.Equal(t, 3, hot.KeyCount())
}

func TestStorage_AsyncFill_QueueFull(t *testing.T) {
	var mu sync.Mutex
	var errs []error
	s, err := New(Config{
		Hot:            memory.New(),
		Cold:           memory.New(),
		AsyncFill:      true,
		SyncBufferSize: 1,
		AsyncErrorHandler: func(err error) {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		},
	})
	require.NoError(t, err)

	// Stop the worker so the buffer cannot drain
	close(s.shutdown)
	s.wg.Wait()

	s.fillEvent("evt_1", time.Hour)
	s.fillEvent("evt_2", time.Hour)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "sync queue full")
}
