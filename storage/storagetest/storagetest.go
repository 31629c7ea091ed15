// Package storagetest is a contract suite for keymeter.Storage backends.
package storagetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/keymeter/pkg/keymeter"
)

// Factory returns an empty storage for one subtest
type Factory func(t *testing.T) keymeter.Storage

// Run exercises the keymeter.Storage contract against the backend
func Run(t *testing.T, newStorage Factory) {
	t.Run("KeyRecords", func(t *testing.T) { testKeyRecords(t, newStorage(t)) })
	t.Run("ActivateDeactivate", func(t *testing.T) { testActivateDeactivate(t, newStorage(t)) })
	t.Run("RecordUsage", func(t *testing.T) { testRecordUsage(t, newStorage(t)) })
	t.Run("RecordUsageConcurrent", func(t *testing.T) { testRecordUsageConcurrent(t, newStorage(t)) })
	t.Run("Provision", func(t *testing.T) { testProvision(t, newStorage(t)) })
	t.Run("ProvisionExistingCustomer", func(t *testing.T) { testProvisionExistingCustomer(t, newStorage(t)) })
	t.Run("ProvisionConflict", func(t *testing.T) { testProvisionConflict(t, newStorage(t)) })
	t.Run("ProvisionConcurrentReplays", func(t *testing.T) { testProvisionConcurrentReplays(t, newStorage(t)) })
	t.Run("Events", func(t *testing.T) { testEvents(t, newStorage(t)) })
}

func now() time.Time {
	// Backends may store microsecond precision only.
	return time.Now().UTC().Truncate(time.Millisecond)
}

func testKeyRecords(t *testing.T, s keymeter.Storage) {
	ctx := context.Background()

	_, err := s.GetKeyRecord(ctx, "h1")
	assert.ErrorIs(t, err, keymeter.ErrNotFound)

	created := now()
	require.NoError(t, s.InsertKeyRecord(ctx, &keymeter.KeyRecord{HashedKey: "h1", CustomerID: "cus_1", CreatedAt: created}))

	err = s.InsertKeyRecord(ctx, &keymeter.KeyRecord{HashedKey: "h1", CustomerID: "cus_2", CreatedAt: created})
	assert.ErrorIs(t, err, keymeter.ErrConflict)

	rec, err := s.GetKeyRecord(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, "h1", rec.HashedKey)
	assert.Equal(t, "cus_1", rec.CustomerID)
	assert.WithinDuration(t, created, rec.CreatedAt, time.Millisecond)
}

func testActivateDeactivate(t *testing.T, s keymeter.Storage) {
	ctx := context.Background()

	_, err := s.GetAccount(ctx, "cus_1")
	assert.ErrorIs(t, err, keymeter.ErrNotFound)
	_, err = s.DeactivateAccount(ctx, "cus_1", now())
	assert.ErrorIs(t, err, keymeter.ErrNotFound)

	first, err := s.ActivateAccount(ctx, "cus_1", "si_1", now())
	require.NoError(t, err)
	assert.True(t, first.Active)
	assert.Equal(t, "cus_1", first.CustomerID)
	assert.Equal(t, "si_1", first.BillingItemRef)

	second, err := s.ActivateAccount(ctx, "cus_1", "si_1", now())
	require.NoError(t, err)
	assert.Equal(t, first.Version+1, second.Version)
	assert.Equal(t, first.UsageCount, second.UsageCount)
	assert.WithinDuration(t, first.CreatedAt, second.CreatedAt, time.Millisecond)

	// Empty item keeps the existing reference.
	third, err := s.ActivateAccount(ctx, "cus_1", "", now())
	require.NoError(t, err)
	assert.Equal(t, "si_1", third.BillingItemRef)

	off, err := s.DeactivateAccount(ctx, "cus_1", now())
	require.NoError(t, err)
	assert.False(t, off.Active)
	assert.Equal(t, third.Version+1, off.Version)

	got, err := s.GetAccount(ctx, "cus_1")
	require.NoError(t, err)
	assert.False(t, got.Active)
	assert.Equal(t, keymeter.StateInactive, got.State())
}

func usage(customer, token string) *keymeter.RecordUsageRequest {
	return &keymeter.RecordUsageRequest{
		CustomerID:       customer,
		IdempotencyToken: token,
		Quantity:         1,
		TokenTTL:         time.Hour,
		Now:              now(),
	}
}

func testRecordUsage(t *testing.T, s keymeter.Storage) {
	ctx := context.Background()

	_, err := s.RecordUsage(ctx, usage("cus_1", "tok_1"))
	assert.ErrorIs(t, err, keymeter.ErrUnauthorized, "absent account")

	_, err = s.ActivateAccount(ctx, "cus_1", "si_1", now())
	require.NoError(t, err)

	res, err := s.RecordUsage(ctx, usage("cus_1", "tok_1"))
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, uint64(1), res.Account.UsageCount)
	assert.Equal(t, "si_1", res.Account.BillingItemRef)

	res, err = s.RecordUsage(ctx, usage("cus_1", "tok_1"))
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, uint64(1), res.Account.UsageCount)

	res, err = s.RecordUsage(ctx, usage("cus_1", "tok_2"))
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, uint64(2), res.Account.UsageCount)

	// Tokens are scoped per customer.
	_, err = s.ActivateAccount(ctx, "cus_2", "si_2", now())
	require.NoError(t, err)
	res, err = s.RecordUsage(ctx, usage("cus_2", "tok_1"))
	require.NoError(t, err)
	assert.False(t, res.Duplicate)

	_, err = s.DeactivateAccount(ctx, "cus_1", now())
	require.NoError(t, err)
	_, err = s.RecordUsage(ctx, usage("cus_1", "tok_3"))
	assert.ErrorIs(t, err, keymeter.ErrUnauthorized, "inactive account")

	acct, err := s.GetAccount(ctx, "cus_1")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), acct.UsageCount)
}

func testRecordUsageConcurrent(t *testing.T, s keymeter.Storage) {
	ctx := context.Background()
	_, err := s.ActivateAccount(ctx, "cus_1", "si_1", now())
	require.NoError(t, err)

	const tokens = 5
	const perToken = 8

	var wg sync.WaitGroup
	var mu sync.Mutex
	counted := 0
	for i := 0; i < tokens; i++ {
		for j := 0; j < perToken; j++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				res, err := s.RecordUsage(ctx, usage("cus_1", fmt.Sprintf("tok_%d", i)))
				if err != nil {
					t.Errorf("RecordUsage: %v", err)
					return
				}
				if !res.Duplicate {
					mu.Lock()
					counted++
					mu.Unlock()
				}
			}(i)
		}
	}
	wg.Wait()

	assert.Equal(t, tokens, counted)
	acct, err := s.GetAccount(ctx, "cus_1")
	require.NoError(t, err)
	assert.Equal(t, uint64(tokens), acct.UsageCount)
}

func provision(event, customer, hashed, item string) *keymeter.ProvisionRequest {
	return &keymeter.ProvisionRequest{
		EventID:        event,
		CustomerID:     customer,
		HashedKey:      hashed,
		BillingItemRef: item,
		EventTTL:       time.Hour,
		Now:            now(),
	}
}

func testProvision(t *testing.T, s keymeter.Storage) {
	ctx := context.Background()

	res, err := s.Provision(ctx, provision("evt_1", "cus_1", "h1", "si_1"))
	require.NoError(t, err)
	assert.True(t, res.KeyIssued)
	assert.False(t, res.AlreadyProcessed)
	require.NotNil(t, res.Account)
	assert.True(t, res.Account.Active)
	assert.Equal(t, "h1", res.Account.HashedKey)
	assert.Equal(t, "si_1", res.Account.BillingItemRef)

	rec, err := s.GetKeyRecord(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, "cus_1", rec.CustomerID)

	processed, err := s.EventProcessed(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, processed)

	before, err := s.GetAccount(ctx, "cus_1")
	require.NoError(t, err)

	res, err = s.Provision(ctx, provision("evt_1", "cus_1", "h_other", "si_9"))
	require.NoError(t, err)
	assert.True(t, res.AlreadyProcessed)
	assert.False(t, res.KeyIssued)

	after, err := s.GetAccount(ctx, "cus_1")
	require.NoError(t, err)
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, "h1", after.HashedKey)
	assert.Equal(t, "si_1", after.BillingItemRef)

	_, err = s.GetKeyRecord(ctx, "h_other")
	assert.ErrorIs(t, err, keymeter.ErrNotFound)
}

func testProvisionExistingCustomer(t *testing.T, s keymeter.Storage) {
	ctx := context.Background()

	_, err := s.Provision(ctx, provision("evt_1", "cus_1", "h1", "si_1"))
	require.NoError(t, err)
	_, err = s.DeactivateAccount(ctx, "cus_1", now())
	require.NoError(t, err)

	res, err := s.Provision(ctx, provision("evt_2", "cus_1", "h2", "si_2"))
	require.NoError(t, err)
	assert.False(t, res.KeyIssued)
	assert.True(t, res.Account.Active)
	assert.Equal(t, "h1", res.Account.HashedKey)
	assert.Equal(t, "si_2", res.Account.BillingItemRef)

	_, err = s.GetKeyRecord(ctx, "h2")
	assert.ErrorIs(t, err, keymeter.ErrNotFound)
}

func testProvisionConflict(t *testing.T, s keymeter.Storage) {
	ctx := context.Background()
	require.NoError(t, s.InsertKeyRecord(ctx, &keymeter.KeyRecord{HashedKey: "taken", CustomerID: "cus_0", CreatedAt: now()}))

	_, err := s.Provision(ctx, provision("evt_1", "cus_1", "taken", "si_1"))
	assert.ErrorIs(t, err, keymeter.ErrConflict)

	_, err = s.GetAccount(ctx, "cus_1")
	assert.ErrorIs(t, err, keymeter.ErrNotFound)
	processed, err := s.EventProcessed(ctx, "evt_1")
	require.NoError(t, err)
	assert.False(t, processed)
	rec, err := s.GetKeyRecord(ctx, "taken")
	require.NoError(t, err)
	assert.Equal(t, "cus_0", rec.CustomerID)
}

func testProvisionConcurrentReplays(t *testing.T, s keymeter.Storage) {
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	issued, processed := 0, 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := s.Provision(ctx, provision("evt_1", "cus_1", fmt.Sprintf("h%d", i), "si_1"))
			if err != nil {
				// Serializable backends may surface contention as unavailable.
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if res.KeyIssued {
				issued++
			}
			if res.AlreadyProcessed {
				processed++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, issued)
	acct, err := s.GetAccount(ctx, "cus_1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), acct.Version)
}

func testEvents(t *testing.T, s keymeter.Storage) {
	ctx := context.Background()

	processed, err := s.EventProcessed(ctx, "evt_1")
	require.NoError(t, err)
	assert.False(t, processed)

	ok, err := s.MarkEventProcessed(ctx, "evt_1", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.MarkEventProcessed(ctx, "evt_1", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)

	processed, err = s.EventProcessed(ctx, "evt_1")
	require.NoError(t, err)
	assert.True(t, processed)
}
