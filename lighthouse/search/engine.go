// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

// Package search answers fuzzy text queries over the metadata index and
// caches recent query results with LRU eviction.
package search

import (
	"context"
	"sort"
	"strings"

	"github.com/adrg/strutil"
	"github.com/adrg/strutil/metrics"
	"github.com/spacemonkeygo/monkit/v3"
	"go.uber.org/zap"

	"storj.io/lighthouse/lighthouse/metadata"
	"storj.io/lighthouse/lighthouse/state"
	"storj.io/lighthouse/shared/lrucache"
)

var mon = monkit.Package()

// DefaultKeys are the metadata fields searched when a query does not name
// its own.
var DefaultKeys = []string{"title", "description", "author"}

// maxResults caps how many matches a query returns.
const maxResults = 10

// perKeyLimit caps how many matches each search key contributes before
// deduplication.
const perKeyLimit = 10

// Config defines parameters for the search engine.
type Config struct {
	CacheCapacity   int  `help:"how many query results are kept in the lru cache" default:"1000"`
	CacheInvalidate bool `help:"drop cached results when the index changes" default:"false"`
}

// Result is one search match with its current cost snapshot.
type Result struct {
	Name      string            `json:"name"`
	Value     metadata.Metadata `json:"value"`
	Cost      float64           `json:"cost"`
	Available bool              `json:"available"`
}

type cached struct {
	results    []Result
	generation int64
}

// Engine ranks indexed items by string similarity against a query.
type Engine struct {
	log    *zap.Logger
	config Config
	store  *state.Store
	metric strutil.StringMetric
	cache  *lrucache.Cache[cached]
}

// NewEngine creates a search engine over the given store.
func NewEngine(log *zap.Logger, store *state.Store, config Config) *Engine {
	return &Engine{
		log:    log,
		config: config,
		store:  store,
		metric: metrics.NewJaroWinkler(),
		cache:  lrucache.New[cached](config.CacheCapacity),
	}
}

// Search returns up to ten distinct matches for query, ranked per key and
// deduplicated in first-seen order. Results come from the cache when the
// exact query text was answered recently; a hit promotes the entry without
// recomputation.
func (engine *Engine) Search(ctx context.Context, query string, keys ...string) (_ []Result, err error) {
	defer mon.Task()(&ctx)(&err)

	if len(keys) == 0 {
		keys = DefaultKeys
	}

	if entry, ok := engine.cache.Get(query); ok {
		if !engine.config.CacheInvalidate || entry.generation == engine.store.Generation() {
			mon.Meter("search_cache_hit").Mark(1)
			return entry.results, nil
		}
	}
	mon.Meter("search_cache_miss").Mark(1)

	generation := engine.store.Generation()
	results := engine.compute(query, keys)
	engine.cache.Add(query, cached{results: results, generation: generation})
	return results, nil
}

type scored struct {
	name  string
	score float64
}

// compute ranks every indexed item against query for each key in turn,
// keeps the top matches per key, then deduplicates by name preserving
// first-seen order.
func (engine *Engine) compute(query string, keys []string) []Result {
	names := engine.store.Names()
	all := engine.store.AllMetadata()

	var ordered []string
	for _, key := range keys {
		ranked := make([]scored, 0, len(names))
		for _, name := range names {
			value := strings.ToLower(all[name].Field(key))
			ranked = append(ranked, scored{
				name:  name,
				score: strutil.Similarity(strings.ToLower(query), value, engine.metric),
			})
		}
		// stable keeps the sorted-name order for equal scores
		sort.SliceStable(ranked, func(i, j int) bool {
			return ranked[i].score > ranked[j].score
		})
		for i, match := range ranked {
			if i >= perKeyLimit {
				break
			}
			ordered = append(ordered, match.name)
		}
	}

	results := make([]Result, 0, maxResults)
	seen := map[string]struct{}{}
	for _, name := range ordered {
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}

		ca, _ := engine.store.Cost(name)
		results = append(results, Result{
			Name:      name,
			Value:     all[name],
			Cost:      ca.Cost,
			Available: ca.Available,
		})
		if len(results) >= maxResults {
			break
		}
	}
	return results
}

// CacheKeys returns the cached query strings from most to least recently
// used.
func (engine *Engine) CacheKeys() []string {
	return engine.cache.Keys()
}

// CachedResults returns every cached query with its result list.
func (engine *Engine) CachedResults() map[string][]Result {
	all := map[string][]Result{}
	engine.cache.Range(func(key string, value cached) bool {
		all[key] = value.results
		return true
	})
	return all
}
