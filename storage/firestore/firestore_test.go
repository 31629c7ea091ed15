package firestore

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/keymeter/pkg/keymeter"
	"github.com/mihaimyh/keymeter/storage/storagetest"
)

const testProjectID = "test-project"

// setupFirestoreClient connects to the emulator named by FIRESTORE_EMULATOR_HOST
func setupFirestoreClient(t *testing.T) *firestore.Client {
	t.Helper()

	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}

	client, err := firestore.NewClient(context.Background(), testProjectID)
	if err != nil {
		t.Fatalf("Failed to create Firestore client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// testConfig returns unique collection names so runs never share state
func testConfig(name string) Config {
	suffix := fmt.Sprintf("%s_%d", name, time.Now().UnixNano())
	return Config{
		KeysCollection:     "test_keys_" + suffix,
		AccountsCollection: "test_accounts_" + suffix,
		TokensCollection:   "test_tokens_" + suffix,
		EventsCollection:   "test_events_" + suffix,
	}
}

func TestNew(t *testing.T) {
	_, err := New(nil, Config{})
	assert.Error(t, err)
}

func TestDocIDs(t *testing.T) {
	assert.Equal(t, "cus_1", docID("cus_1"))
	assert.Equal(t, "a%2Fb", docID("a/b"))
}

func TestFirestore_Contract(t *testing.T) {
	client := setupFirestoreClient(t)
	storagetest.Run(t, func(t *testing.T) keymeter.Storage {
		s, err := New(client, testConfig(t.Name()))
		require.NoError(t, err)
		return s
	})
}

func TestFirestore_Cleanup(t *testing.T) {
	client := setupFirestoreClient(t)
	s, err := New(client, testConfig("cleanup"))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.ActivateAccount(ctx, "cus_1", "si_1", time.Now())
	require.NoError(t, err)
	_, err = s.RecordUsage(ctx, &keymeter.RecordUsageRequest{
		CustomerID: "cus_1", IdempotencyToken: "tok", Quantity: 1, TokenTTL: time.Hour,
		Now: time.Now().Add(-2 * time.Hour),
	})
	require.NoError(t, err)
	_, err = s.MarkEventProcessed(ctx, "evt_live", time.Hour)
	require.NoError(t, err)

	deleted, err := s.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	processed, err := s.EventProcessed(ctx, "evt_live")
	require.NoError(t, err)
	assert.True(t, processed)
}

func TestFirestore_TokenWithSlash(t *testing.T) {
	client := setupFirestoreClient(t)
	s, err := New(client, testConfig("slash"))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.ActivateAccount(ctx, "cus_1", "si_1", time.Now())
	require.NoError(t, err)

	req := &keymeter.RecordUsageRequest{CustomerID: "cus_1", IdempotencyToken: "a/b/c", Quantity: 1, TokenTTL: time.Hour}
	res, err := s.RecordUsage(ctx, req)
	require.NoError(t, err)
	assert.False(t, res.Duplicate)

	res, err = s.RecordUsage(ctx, req)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
}
