// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package cost_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/zeebo/errs"
	"go.uber.org/zap/zaptest"

	"storj.io/common/testcontext"
	"storj.io/lighthouse/lighthouse/cost"
	"storj.io/lighthouse/lighthouse/ledger"
	"storj.io/lighthouse/lighthouse/metadata"
	"storj.io/lighthouse/lighthouse/state"
)

type fakeRates struct {
	rates map[string]float64
}

func (fake *fakeRates) ToReferenceCurrency(amount float64, currency string) (float64, error) {
	rate, ok := fake.rates[currency]
	if !ok {
		return 0, errs.New("no rate for %q", currency)
	}
	return amount * rate, nil
}

func newService(t *testing.T, rates *fakeRates) (*cost.Service, *state.Store) {
	store := state.NewStore(zaptest.NewLogger(t), filepath.Join(t.TempDir(), "lighthouse.json"))
	service := cost.NewService(zaptest.NewLogger(t), store, rates, cost.Config{
		Interval:     time.Minute,
		MinDataRate:  0.005,
		DataCurrency: "LBC",
		Concurrency:  4,
	})
	return service, store
}

func storeMetadata(store *state.Store, name, sdHash string, fee map[string]interface{}) {
	fields := map[string]interface{}{
		"sources": map[string]interface{}{"lbry_sd_hash": sdHash},
	}
	if fee != nil {
		fields["fee"] = fee
	}
	store.SetMetadata(name, metadata.Metadata{Version: "0.0.1", Fields: fields})
}

func TestMissingDescriptorIsUnavailable(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	service, store := newService(t, &fakeRates{rates: map[string]float64{"LBC": 2}})
	storeMetadata(store, "alice", "f00d", nil)

	require.NoError(t, service.RunOnce(ctx))

	ca, ok := store.Cost("alice")
	require.True(t, ok)
	require.False(t, ca.Available)
	require.Zero(t, ca.Cost)
	require.False(t, ca.ComputedAt.IsZero())
}

func TestDataCostFromDescriptor(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	service, store := newService(t, &fakeRates{rates: map[string]float64{"LBC": 2}})
	storeMetadata(store, "alice", "f00d", nil)
	// 4 MiB of blobs at 0.005 LBC/MB, LBC at 2 reference units
	store.SetDescriptor("f00d", &ledger.StreamDescriptor{
		Blobs: []ledger.Blob{{Length: 2 << 20}, {Length: 2 << 20}},
	})

	require.NoError(t, service.RunOnce(ctx))

	ca, ok := store.Cost("alice")
	require.True(t, ok)
	require.True(t, ca.Available)
	require.InDelta(t, 4*0.005*2, ca.Cost, 1e-9)
}

func TestFeeIsAdded(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	service, store := newService(t, &fakeRates{rates: map[string]float64{"LBC": 2, "USD": 1}})
	storeMetadata(store, "alice", "f00d", map[string]interface{}{"USD": 1.5})
	store.SetDescriptor("f00d", &ledger.StreamDescriptor{
		Blobs: []ledger.Blob{{Length: 1 << 20}},
	})

	require.NoError(t, service.RunOnce(ctx))

	ca, _ := store.Cost("alice")
	require.InDelta(t, 0.005*2+1.5, ca.Cost, 1e-9)
}

func TestConversionFailureIsIsolated(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	// no rate for EUR: bob's fee falls back to fee-less, alice is unaffected
	service, store := newService(t, &fakeRates{rates: map[string]float64{"LBC": 2, "USD": 1}})
	storeMetadata(store, "alice", "f00d", map[string]interface{}{"USD": 1.0})
	storeMetadata(store, "bob", "cafe", map[string]interface{}{"EUR": 9.0})
	store.SetDescriptor("f00d", &ledger.StreamDescriptor{Blobs: []ledger.Blob{{Length: 1 << 20}}})
	store.SetDescriptor("cafe", &ledger.StreamDescriptor{Blobs: []ledger.Blob{{Length: 1 << 20}}})

	require.NoError(t, service.RunOnce(ctx))

	alice, _ := store.Cost("alice")
	require.InDelta(t, 0.005*2+1.0, alice.Cost, 1e-9)

	bob, _ := store.Cost("bob")
	require.True(t, bob.Available)
	require.InDelta(t, 0.005*2, bob.Cost, 1e-9)
}

func TestCostMapIsReplacedWholesale(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	service, store := newService(t, &fakeRates{rates: map[string]float64{"LBC": 2}})
	store.SetCosts(map[string]ledger.CostAvailability{
		"stale": {Cost: 99, Available: true, ComputedAt: time.Now().UTC()},
	})

	require.NoError(t, service.RunOnce(ctx))

	_, ok := store.Cost("stale")
	require.False(t, ok, "entries for names no longer indexed must disappear")
}
