// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

// Package state holds the full derived state of the indexing engine and
// persists it as a single atomic snapshot file.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/lighthouse/lighthouse/ledger"
	"storj.io/lighthouse/lighthouse/metadata"
)

var (
	mon = monkit.Package()

	// Error is the default error class for the state package.
	Error = errs.Class("state")
)

// snapshot is the durable representation of the whole engine state.
type snapshot struct {
	Metadata   map[string]metadata.Metadata        `json:"metadata"`
	Claimtrie  []ledger.Claim                      `json:"claimtrie"`
	BadURIs    []string                            `json:"bad_uris"`
	SDCache    map[string]*ledger.StreamDescriptor `json:"sd_cache"`
	SDAttempts map[string]int                      `json:"sd_attempts"`
	Canda      map[string]ledger.CostAvailability  `json:"canda"`
}

// Store is the single mutation authority for all shared engine state.
// Background workers fetch and compute off to the side and hand results
// back; only Store methods touch the maps.
type Store struct {
	log  *zap.Logger
	path string

	mu         sync.RWMutex
	metadata   map[string]metadata.Metadata
	claimtrie  []ledger.Claim
	badTxids   map[string]struct{}
	sdCache    map[string]*ledger.StreamDescriptor
	sdAttempts map[string]int
	canda      map[string]ledger.CostAvailability
	generation int64

	saveMu sync.Mutex
	saves  int64
}

// NewStore creates an empty store that persists to path.
func NewStore(log *zap.Logger, path string) *Store {
	return &Store{
		log:        log,
		path:       path,
		metadata:   map[string]metadata.Metadata{},
		badTxids:   map[string]struct{}{},
		sdCache:    map[string]*ledger.StreamDescriptor{},
		sdAttempts: map[string]int{},
		canda:      map[string]ledger.CostAvailability{},
	}
}

// Load reads the snapshot file if it exists. A missing file is not an
// error: the engine then rebuilds from the upstream daemon.
func (store *Store) Load(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	data, err := os.ReadFile(store.path)
	if errors.Is(err, fs.ErrNotExist) {
		store.log.Info("no snapshot found, rebuilding from upstream", zap.String("path", store.path))
		return nil
	} else if err != nil {
		return Error.Wrap(err)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Error.New("corrupt snapshot %q: %v", store.path, err)
	}

	store.mu.Lock()
	defer store.mu.Unlock()

	if snap.Metadata != nil {
		store.metadata = snap.Metadata
	}
	store.claimtrie = snap.Claimtrie
	for _, txid := range snap.BadURIs {
		store.badTxids[txid] = struct{}{}
	}
	if snap.SDCache != nil {
		store.sdCache = snap.SDCache
	}
	if snap.SDAttempts != nil {
		store.sdAttempts = snap.SDAttempts
	}
	if snap.Canda != nil {
		store.canda = snap.Canda
	}

	store.log.Info("snapshot loaded",
		zap.Int("claims", len(store.claimtrie)),
		zap.Int("metadata", len(store.metadata)),
		zap.Int("descriptors", len(store.sdCache)))
	return nil
}

// Save writes the full snapshot to a temporary file and atomically renames
// it into place, so a crash mid-write never corrupts the previous snapshot.
func (store *Store) Save(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	store.mu.RLock()
	snap := snapshot{
		Metadata:   store.metadata,
		Claimtrie:  store.claimtrie,
		BadURIs:    store.badList(),
		SDCache:    store.sdCache,
		SDAttempts: store.sdAttempts,
		Canda:      store.canda,
	}
	data, err := json.Marshal(snap)
	store.mu.RUnlock()
	if err != nil {
		return Error.Wrap(err)
	}

	store.saveMu.Lock()
	defer store.saveMu.Unlock()

	dir := filepath.Dir(store.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return Error.Wrap(err)
	}

	tmpPath := store.path + ".tmp"
	fh, err := os.Create(tmpPath)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { _ = fh.Close() }()

	if _, err := fh.Write(data); err != nil {
		return Error.Wrap(err)
	}
	if err := fh.Sync(); err != nil {
		return Error.Wrap(err)
	}
	if err := fh.Close(); err != nil {
		return Error.Wrap(err)
	}
	if err := os.Rename(tmpPath, store.path); err != nil {
		return Error.Wrap(err)
	}
	if dh, err := os.Open(dir); err == nil {
		_ = dh.Sync()
		_ = dh.Close()
	}

	store.saves++
	return nil
}

// Saves returns how many snapshot writes have completed.
func (store *Store) Saves() int64 {
	store.saveMu.Lock()
	defer store.saveMu.Unlock()
	return store.saves
}

// Generation returns a counter that increases with every mutation.
func (store *Store) Generation() int64 {
	store.mu.RLock()
	defer store.mu.RUnlock()
	return store.generation
}

// badList returns the bad txid set as a sorted list. Callers must hold mu.
func (store *Store) badList() []string {
	txids := make([]string, 0, len(store.badTxids))
	for txid := range store.badTxids {
		txids = append(txids, txid)
	}
	sort.Strings(txids)
	return txids
}

// Claimtrie returns the last ingested claim list.
func (store *Store) Claimtrie() []ledger.Claim {
	store.mu.RLock()
	defer store.mu.RUnlock()
	trie := make([]ledger.Claim, len(store.claimtrie))
	copy(trie, store.claimtrie)
	return trie
}

// SetClaimtrie replaces the claim snapshot wholesale.
func (store *Store) SetClaimtrie(claims []ledger.Claim) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.claimtrie = claims
	store.generation++
}

// Metadata returns the stored record for name.
func (store *Store) Metadata(name string) (metadata.Metadata, bool) {
	store.mu.RLock()
	defer store.mu.RUnlock()
	meta, ok := store.metadata[name]
	return meta, ok
}

// SetMetadata replaces the record for name.
func (store *Store) SetMetadata(name string, meta metadata.Metadata) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.metadata[name] = meta
	store.generation++
}

// Names returns every indexed name in sorted order.
func (store *Store) Names() []string {
	store.mu.RLock()
	defer store.mu.RUnlock()
	names := make([]string, 0, len(store.metadata))
	for name := range store.metadata {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AllMetadata returns a copy of the whole metadata map.
func (store *Store) AllMetadata() map[string]metadata.Metadata {
	store.mu.RLock()
	defer store.mu.RUnlock()
	all := make(map[string]metadata.Metadata, len(store.metadata))
	for name, meta := range store.metadata {
		all[name] = meta
	}
	return all
}

// IsBad reports whether txid was previously rejected. Membership is
// permanent: only a fresh claim with a different txid re-enters the
// pipeline.
func (store *Store) IsBad(txid string) bool {
	store.mu.RLock()
	defer store.mu.RUnlock()
	_, ok := store.badTxids[txid]
	return ok
}

// MarkBad permanently excludes txid from reprocessing.
func (store *Store) MarkBad(txid string) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.badTxids[txid] = struct{}{}
	store.generation++
}

// BadTxids returns the excluded txids in sorted order.
func (store *Store) BadTxids() []string {
	store.mu.RLock()
	defer store.mu.RUnlock()
	return store.badList()
}

// Descriptor returns the cached stream descriptor for hash.
func (store *Store) Descriptor(hash string) (*ledger.StreamDescriptor, bool) {
	store.mu.RLock()
	defer store.mu.RUnlock()
	sd, ok := store.sdCache[hash]
	return sd, ok
}

// SetDescriptor caches the descriptor for hash.
func (store *Store) SetDescriptor(hash string, sd *ledger.StreamDescriptor) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.sdCache[hash] = sd
	store.generation++
}

// Descriptors returns a copy of the descriptor cache.
func (store *Store) Descriptors() map[string]*ledger.StreamDescriptor {
	store.mu.RLock()
	defer store.mu.RUnlock()
	all := make(map[string]*ledger.StreamDescriptor, len(store.sdCache))
	for hash, sd := range store.sdCache {
		all[hash] = sd
	}
	return all
}

// Attempts returns the fetch attempt count for hash.
func (store *Store) Attempts(hash string) int {
	store.mu.RLock()
	defer store.mu.RUnlock()
	return store.sdAttempts[hash]
}

// IncAttempts increments and returns the fetch attempt count for hash.
func (store *Store) IncAttempts(hash string) int {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.sdAttempts[hash]++
	store.generation++
	return store.sdAttempts[hash]
}

// ResetAttempts clears the fetch attempt count for hash.
func (store *Store) ResetAttempts(hash string) {
	store.mu.Lock()
	defer store.mu.Unlock()
	delete(store.sdAttempts, hash)
	store.generation++
}

// Cost returns the derived cost entry for name.
func (store *Store) Cost(name string) (ledger.CostAvailability, bool) {
	store.mu.RLock()
	defer store.mu.RUnlock()
	ca, ok := store.canda[name]
	return ca, ok
}

// SetCosts replaces the whole cost map with the result of a cost cycle.
func (store *Store) SetCosts(costs map[string]ledger.CostAvailability) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.canda = costs
	store.generation++
}

// Costs returns a copy of the cost map.
func (store *Store) Costs() map[string]ledger.CostAvailability {
	store.mu.RLock()
	defer store.mu.RUnlock()
	all := make(map[string]ledger.CostAvailability, len(store.canda))
	for name, ca := range store.canda {
		all[name] = ca
	}
	return all
}
