// Package keymetertest provides a wired in-memory keymeter stack for tests
// of code that sits in front of it (middlewares, gateways).
package keymetertest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/keymeter/pkg/keymeter"
	"github.com/mihaimyh/keymeter/storage/memory"
)

// Provider is a BillingProvider that records every report it accepts
type Provider struct {
	mu      sync.Mutex
	reports []*keymeter.UsageReport

	// Err, when set, is returned for every report
	Err error
}

// ReportUsage implements keymeter.BillingProvider
func (p *Provider) ReportUsage(_ context.Context, report *keymeter.UsageReport) (*keymeter.UsageAck, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return nil, p.Err
	}
	p.reports = append(p.reports, report)
	return &keymeter.UsageAck{
		ID:        fmt.Sprintf("%s:%s", report.CustomerID, report.IdempotencyToken),
		Timestamp: report.Timestamp,
	}, nil
}

// Count returns the number of accepted reports
func (p *Provider) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.reports)
}

// Fixture is a KeyStore, Ledger, Meter and Gate over one memory storage
type Fixture struct {
	Storage  *memory.Storage
	Keys     *keymeter.KeyStore
	Ledger   *keymeter.Ledger
	Meter    *keymeter.Meter
	Gate     *keymeter.Gate
	Provider *Provider
}

// New builds a Fixture. The meter is closed when the test ends.
func New(t testing.TB) *Fixture {
	t.Helper()

	storage := memory.New()
	keys, err := keymeter.NewKeyStore(storage, keymeter.KeyStoreConfig{})
	require.NoError(t, err)
	ledger, err := keymeter.NewLedger(storage, keymeter.LedgerConfig{})
	require.NoError(t, err)

	provider := &Provider{}
	meterConfig := keymeter.DefaultMeterConfig()
	meterConfig.ProviderTimeout = time.Second
	meter, err := keymeter.NewMeter(storage, provider, meterConfig)
	require.NoError(t, err)
	meter.Start()
	t.Cleanup(func() {
		_ = meter.Close(context.Background())
	})

	gate, err := keymeter.NewGate(keys, meter)
	require.NoError(t, err)

	return &Fixture{
		Storage:  storage,
		Keys:     keys,
		Ledger:   ledger,
		Meter:    meter,
		Gate:     gate,
		Provider: provider,
	}
}

// IssueKey provisions customerID and returns its plaintext key. When active
// is false the account is deactivated afterwards.
func (f *Fixture) IssueKey(t testing.TB, customerID string, active bool) string {
	t.Helper()
	ctx := context.Background()

	plaintext, hashed, err := f.Keys.Generate(ctx)
	require.NoError(t, err)

	_, err = f.Storage.Provision(ctx, &keymeter.ProvisionRequest{
		EventID:        "evt_" + uuid.NewString(),
		CustomerID:     customerID,
		HashedKey:      hashed,
		BillingItemRef: "si_" + customerID,
		EventTTL:       time.Hour,
	})
	require.NoError(t, err)

	if !active {
		require.NoError(t, f.Ledger.Deactivate(ctx, customerID))
	}
	return plaintext
}

// UsageCount returns the local usage counter of customerID
func (f *Fixture) UsageCount(t testing.TB, customerID string) uint64 {
	t.Helper()
	acct, err := f.Ledger.Get(context.Background(), customerID)
	require.NoError(t, err)
	return acct.UsageCount
}
