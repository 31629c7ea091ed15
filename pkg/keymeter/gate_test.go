package keymeter_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/keymeter/pkg/keymeter"
	"github.com/mihaimyh/keymeter/pkg/keymeter/keymetertest"
)

func TestGate_Admit(t *testing.T) {
	f := keymetertest.New(t)
	key := f.IssueKey(t, "cus_1", true)
	ctx := context.Background()

	rec, err := f.Gate.Admit(ctx, key, "req_1")
	require.NoError(t, err)
	assert.Equal(t, keymeter.UsageRecorded, rec.Status)
	assert.Equal(t, "cus_1", rec.CustomerID)
	assert.Equal(t, "si_cus_1", rec.BillingItemRef)

	rec, err = f.Gate.Admit(ctx, "  "+key+"\n", "req_1")
	require.NoError(t, err)
	assert.Equal(t, keymeter.UsageDuplicate, rec.Status)

	assert.Equal(t, 1, f.Provider.Count())
	assert.Equal(t, uint64(1), f.UsageCount(t, "cus_1"))
}

func TestGate_AdmitWithoutTokenNeverDeduplicates(t *testing.T) {
	f := keymetertest.New(t)
	key := f.IssueKey(t, "cus_1", true)

	for i := 0; i < 3; i++ {
		rec, err := f.Gate.Admit(context.Background(), key, "")
		require.NoError(t, err)
		assert.Equal(t, keymeter.UsageRecorded, rec.Status)
		assert.NotEmpty(t, rec.IdempotencyToken)
	}
	assert.Equal(t, uint64(3), f.UsageCount(t, "cus_1"))
}

func TestGate_AdmitRejections(t *testing.T) {
	f := keymetertest.New(t)
	inactive := f.IssueKey(t, "cus_2", false)
	ctx := context.Background()

	_, err := f.Gate.Admit(ctx, "", "req_1")
	assert.ErrorIs(t, err, keymeter.ErrInvalidArgument)

	_, err = f.Gate.Admit(ctx, "km_unknown", "req_1")
	assert.ErrorIs(t, err, keymeter.ErrUnauthorized)

	_, err = f.Gate.Admit(ctx, inactive, "req_1")
	assert.ErrorIs(t, err, keymeter.ErrUnauthorized)
	assert.Equal(t, uint64(0), f.UsageCount(t, "cus_2"))
	assert.Equal(t, 0, f.Provider.Count())

	active := f.IssueKey(t, "cus_3", true)
	_, err = f.Gate.Admit(ctx, active, strings.Repeat("t", keymeter.MaxTokenLength+1))
	assert.ErrorIs(t, err, keymeter.ErrInvalidArgument)
	assert.Equal(t, uint64(0), f.UsageCount(t, "cus_3"))
	assert.Equal(t, 0, f.Provider.Count())
}

func TestNewGate_RequiresDependencies(t *testing.T) {
	_, err := keymeter.NewGate(nil, nil)
	assert.ErrorIs(t, err, keymeter.ErrInvalidArgument)
}
