// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package lrucache_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"storj.io/lighthouse/shared/lrucache"
)

func TestEvictsLeastRecentlyUsed(t *testing.T) {
	cache := lrucache.New[int](1000)
	for i := 0; i < 1001; i++ {
		cache.Add(fmt.Sprintf("query-%d", i), i)
	}

	require.Equal(t, 1000, cache.Len())
	_, ok := cache.Get("query-0")
	require.False(t, ok, "the least recently used entry should be gone")
	_, ok = cache.Get("query-1")
	require.True(t, ok)
	_, ok = cache.Get("query-1000")
	require.True(t, ok)
}

func TestGetPromotes(t *testing.T) {
	cache := lrucache.New[int](3)
	cache.Add("a", 1)
	cache.Add("b", 2)
	cache.Add("c", 3)

	// touching "a" makes "b" the eviction candidate
	_, ok := cache.Get("a")
	require.True(t, ok)

	cache.Add("d", 4)
	_, ok = cache.Get("b")
	require.False(t, ok)
	_, ok = cache.Get("a")
	require.True(t, ok)
}

func TestAddExistingPromotes(t *testing.T) {
	cache := lrucache.New[int](2)
	cache.Add("a", 1)
	cache.Add("b", 2)
	cache.Add("a", 10)

	cache.Add("c", 3)
	_, ok := cache.Get("b")
	require.False(t, ok)

	value, ok := cache.Get("a")
	require.True(t, ok)
	require.Equal(t, 10, value)
}

func TestKeysOrder(t *testing.T) {
	cache := lrucache.New[int](3)
	cache.Add("a", 1)
	cache.Add("b", 2)
	cache.Add("c", 3)
	_, _ = cache.Get("a")

	require.Equal(t, []string{"a", "c", "b"}, cache.Keys())
}

func TestZeroCapacity(t *testing.T) {
	cache := lrucache.New[int](0)
	cache.Add("a", 1)
	require.Equal(t, 0, cache.Len())
}
