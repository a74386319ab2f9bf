// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package descriptors_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/zeebo/errs"
	"go.uber.org/zap/zaptest"

	"storj.io/common/testcontext"
	"storj.io/lighthouse/lighthouse/descriptors"
	"storj.io/lighthouse/lighthouse/ledger"
	"storj.io/lighthouse/lighthouse/metadata"
	"storj.io/lighthouse/lighthouse/state"
)

type fakeDaemon struct {
	mu        sync.Mutex
	blobs     map[string]*ledger.StreamDescriptor
	failing   map[string]bool
	downloads int
}

func (fake *fakeDaemon) GetNametrie(ctx context.Context) ([]ledger.Claim, error) {
	return nil, nil
}

func (fake *fakeDaemon) ResolveName(ctx context.Context, name string) (map[string]interface{}, error) {
	return nil, errs.New("not implemented")
}

func (fake *fakeDaemon) DownloadDescriptor(ctx context.Context, hash string) (*ledger.StreamDescriptor, error) {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	fake.downloads++
	if fake.failing[hash] {
		return nil, errs.New("fetch failed for %q", hash)
	}
	sd, ok := fake.blobs[hash]
	if !ok {
		return nil, errs.New("unknown descriptor %q", hash)
	}
	return sd, nil
}

func (fake *fakeDaemon) downloadCount() int {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	return fake.downloads
}

func newService(t *testing.T, fake *fakeDaemon, maxTries int) (*descriptors.Service, *state.Store) {
	store := state.NewStore(zaptest.NewLogger(t), filepath.Join(t.TempDir(), "lighthouse.json"))
	service := descriptors.NewService(zaptest.NewLogger(t), store, fake, descriptors.Config{
		Interval:    30 * time.Second,
		MaxTries:    maxTries,
		Concurrency: 4,
	})
	return service, store
}

func TestFetchSuccess(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	fake := &fakeDaemon{blobs: map[string]*ledger.StreamDescriptor{
		"f00d": {Blobs: []ledger.Blob{{Length: 100}}},
	}}
	service, store := newService(t, fake, 5)

	require.True(t, service.Enqueue("f00d"))
	require.NoError(t, service.RunOnce(ctx))

	sd, ok := store.Descriptor("f00d")
	require.True(t, ok)
	require.EqualValues(t, 100, sd.TotalLength())
	require.Empty(t, service.Queue())
	require.True(t, service.IsAvailable("f00d"))
}

func TestBoundedRetry(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	const maxTries = 3
	fake := &fakeDaemon{failing: map[string]bool{"dead": true}}
	service, store := newService(t, fake, maxTries)

	require.True(t, service.Enqueue("dead"))
	for i := 0; i < maxTries; i++ {
		require.NoError(t, service.RunOnce(ctx))
	}

	// abandoned: out of the queue, out of the cache, no more fetches
	require.Empty(t, service.Queue())
	_, ok := store.Descriptor("dead")
	require.False(t, ok)
	require.Equal(t, maxTries, fake.downloadCount())

	require.NoError(t, service.RunOnce(ctx))
	require.Equal(t, maxTries, fake.downloadCount())

	// an exhausted hash cannot be re-enqueued without an announce
	require.False(t, service.Enqueue("dead"))
}

func TestAnnounceResetsAttempts(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	fake := &fakeDaemon{failing: map[string]bool{"dead": true}}
	service, store := newService(t, fake, 2)

	require.True(t, service.Enqueue("dead"))
	require.NoError(t, service.RunOnce(ctx))
	require.NoError(t, service.RunOnce(ctx))
	require.Equal(t, 2, store.Attempts("dead"))
	require.Empty(t, service.Queue())

	fake.mu.Lock()
	fake.failing["dead"] = false
	fake.blobs = map[string]*ledger.StreamDescriptor{"dead": {Blobs: []ledger.Blob{{Length: 1}}}}
	fake.mu.Unlock()

	status, err := service.Announce(ctx, "dead")
	require.NoError(t, err)
	require.Equal(t, descriptors.StatusPending, status)
	require.Equal(t, 0, store.Attempts("dead"))
	require.Equal(t, []string{"dead"}, service.Queue())

	require.NoError(t, service.RunOnce(ctx))
	_, ok := store.Descriptor("dead")
	require.True(t, ok)
}

func TestAnnounceCachedIsNoop(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	fake := &fakeDaemon{}
	service, store := newService(t, fake, 5)
	store.SetDescriptor("h1", &ledger.StreamDescriptor{})
	store.IncAttempts("h1")

	status, err := service.Announce(ctx, "h1")
	require.NoError(t, err)
	require.Equal(t, descriptors.StatusAlreadyAnnounced, status)
	require.Equal(t, 1, store.Attempts("h1"), "attempt counter must not change")
	require.Empty(t, service.Queue())
}

func TestEnqueueDeduplicates(t *testing.T) {
	fake := &fakeDaemon{}
	service, _ := newService(t, fake, 5)

	require.True(t, service.Enqueue("f00d"))
	require.False(t, service.Enqueue("f00d"))
	require.False(t, service.Enqueue(""))
	require.Equal(t, []string{"f00d"}, service.Queue())
}

func TestBackfill(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	fake := &fakeDaemon{}
	service, store := newService(t, fake, 5)

	store.SetMetadata("alice", metadata.Metadata{
		Version: "0.0.1",
		Fields: map[string]interface{}{
			"sources": map[string]interface{}{"lbry_sd_hash": "f00d"},
		},
	})
	store.SetMetadata("bob", metadata.Metadata{
		Version: "0.0.1",
		Fields: map[string]interface{}{
			"sources": map[string]interface{}{"lbry_sd_hash": "cafe"},
		},
	})
	store.SetDescriptor("cafe", &ledger.StreamDescriptor{})

	require.NoError(t, service.Backfill(ctx))
	require.Equal(t, []string{"f00d"}, service.Queue())
}
