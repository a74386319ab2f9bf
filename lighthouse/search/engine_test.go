// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package search_test

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/common/testcontext"
	"storj.io/lighthouse/lighthouse/ledger"
	"storj.io/lighthouse/lighthouse/metadata"
	"storj.io/lighthouse/lighthouse/search"
	"storj.io/lighthouse/lighthouse/state"
)

func newEngine(t *testing.T, config search.Config) (*search.Engine, *state.Store) {
	store := state.NewStore(zaptest.NewLogger(t), filepath.Join(t.TempDir(), "lighthouse.json"))
	engine := search.NewEngine(zaptest.NewLogger(t), store, config)
	return engine, store
}

func addItem(store *state.Store, name, title, description, author string) {
	store.SetMetadata(name, metadata.Metadata{
		Version: "0.0.1",
		Fields: map[string]interface{}{
			"title":       title,
			"description": description,
			"author":      author,
		},
	})
}

func TestSearchRanksAndDeduplicates(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	engine, store := newEngine(t, search.Config{CacheCapacity: 10})
	addItem(store, "alpha", "winter stories", "", "zed")
	addItem(store, "beta", "zzz", "winter stories", "zed")

	results, err := engine.Search(ctx, "winter stories")
	require.NoError(t, err)

	// both items match under some key, the title key wins the ordering
	require.Len(t, results, 2)
	require.Equal(t, "alpha", results[0].Name)
	require.Equal(t, "beta", results[1].Name)

	seen := map[string]bool{}
	for _, result := range results {
		require.False(t, seen[result.Name], "duplicate result %q", result.Name)
		seen[result.Name] = true
	}
}

func TestSearchCapsResults(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	engine, store := newEngine(t, search.Config{CacheCapacity: 10})
	for i := 0; i < 15; i++ {
		name := fmt.Sprintf("item-%02d", i)
		addItem(store, name, fmt.Sprintf("fishing tales %02d", i), "", "")
	}

	results, err := engine.Search(ctx, "fishing tales")
	require.NoError(t, err)
	require.Len(t, results, 10)
}

func TestSearchCarriesCostSnapshot(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	engine, store := newEngine(t, search.Config{CacheCapacity: 10})
	addItem(store, "alpha", "winter stories", "", "")
	store.SetCosts(map[string]ledger.CostAvailability{
		"alpha": {Cost: 1.25, Available: true},
	})

	results, err := engine.Search(ctx, "winter")
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, 1.25, results[0].Cost)
	require.True(t, results[0].Available)
}

func TestSearchCachesResults(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	engine, store := newEngine(t, search.Config{CacheCapacity: 10})
	addItem(store, "alpha", "winter stories", "", "")

	first, err := engine.Search(ctx, "winter")
	require.NoError(t, err)
	require.Len(t, first, 1)

	// cache entries are not invalidated by metadata updates
	addItem(store, "beta", "winter tales", "", "")
	second, err := engine.Search(ctx, "winter")
	require.NoError(t, err)
	require.Len(t, second, 1)

	fresh, err := engine.Search(ctx, "winter tales")
	require.NoError(t, err)
	require.Len(t, fresh, 2)
}

func TestSearchCacheInvalidateOption(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	engine, store := newEngine(t, search.Config{CacheCapacity: 10, CacheInvalidate: true})
	addItem(store, "alpha", "winter stories", "", "")

	first, err := engine.Search(ctx, "winter")
	require.NoError(t, err)
	require.Len(t, first, 1)

	addItem(store, "beta", "winter tales", "", "")
	second, err := engine.Search(ctx, "winter")
	require.NoError(t, err)
	require.Len(t, second, 2)
}

func TestSearchCacheEviction(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	engine, _ := newEngine(t, search.Config{CacheCapacity: 2})

	_, err := engine.Search(ctx, "one")
	require.NoError(t, err)
	_, err = engine.Search(ctx, "two")
	require.NoError(t, err)

	// hitting "one" promotes it, so "two" is the eviction candidate
	_, err = engine.Search(ctx, "one")
	require.NoError(t, err)
	_, err = engine.Search(ctx, "three")
	require.NoError(t, err)

	require.Equal(t, []string{"three", "one"}, engine.CacheKeys())
}
