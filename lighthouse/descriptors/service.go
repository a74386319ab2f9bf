// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

// Package descriptors fetches stream descriptors referenced by validated
// metadata, with a bounded number of retries per hash.
package descriptors

import (
	"context"
	"sync"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/sync2"
	"storj.io/lighthouse/lighthouse/daemon"
	"storj.io/lighthouse/lighthouse/ledger"
	"storj.io/lighthouse/lighthouse/state"
)

var (
	mon = monkit.Package()

	// Error is the default error class for the descriptors package.
	Error = errs.Class("descriptors")
)

// Announce statuses reported to callers.
const (
	StatusPending          = "Pending"
	StatusAlreadyAnnounced = "Already announced"
)

// Config defines parameters for the descriptor download queue.
type Config struct {
	Interval    time.Duration `help:"how often the download queue is drained" default:"30s"`
	MaxTries    int           `help:"fetch attempts per descriptor before it is abandoned" default:"5"`
	Concurrency int           `help:"concurrent descriptor fetches per drain" default:"10"`
}

// Service drains a FIFO queue of pending descriptor hashes on its own
// period. Fetches run concurrently; queue and cache mutations happen only
// on the drain goroutine after the fetches join.
//
// architecture: Chore
type Service struct {
	log    *zap.Logger
	config Config
	store  *state.Store
	client daemon.Client

	mu     sync.Mutex
	queue  []string
	marked map[string]struct{} // queued or in-flight hashes

	Loop *sync2.Cycle
}

// NewService creates the descriptor download service.
func NewService(log *zap.Logger, store *state.Store, client daemon.Client, config Config) *Service {
	return &Service{
		log:    log,
		config: config,
		store:  store,
		client: client,
		marked: map[string]struct{}{},
		Loop:   sync2.NewCycle(config.Interval),
	}
}

// Run drains the queue until the context is canceled.
func (service *Service) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	return service.Loop.Run(ctx, func(ctx context.Context) error {
		if err := service.RunOnce(ctx); err != nil {
			service.log.Error("drain cycle failed", zap.Error(err))
		}
		return nil
	})
}

// Close stops the drain loop.
func (service *Service) Close() error {
	service.Loop.Close()
	return nil
}

// Enqueue schedules hash for download unless it is empty, already queued or
// in flight, already cached, or out of attempts. Reports whether the hash
// was added.
func (service *Service) Enqueue(hash string) bool {
	if hash == "" {
		return false
	}
	if _, ok := service.store.Descriptor(hash); ok {
		return false
	}
	if service.store.Attempts(hash) >= service.config.MaxTries {
		return false
	}

	service.mu.Lock()
	defer service.mu.Unlock()
	if _, ok := service.marked[hash]; ok {
		return false
	}
	service.marked[hash] = struct{}{}
	service.queue = append(service.queue, hash)
	return true
}

// Announce explicitly requests a download of hash, resetting its attempt
// counter. Announcing an already cached hash is a no-op.
func (service *Service) Announce(ctx context.Context, hash string) (_ string, err error) {
	defer mon.Task()(&ctx)(&err)

	if _, ok := service.store.Descriptor(hash); ok {
		return StatusAlreadyAnnounced, nil
	}
	service.store.ResetAttempts(hash)
	service.Enqueue(hash)
	return StatusPending, nil
}

// IsAvailable reports whether the descriptor for hash is cached.
func (service *Service) IsAvailable(hash string) bool {
	_, ok := service.store.Descriptor(hash)
	return ok
}

// Queue returns the pending hashes in order.
func (service *Service) Queue() []string {
	service.mu.Lock()
	defer service.mu.Unlock()
	pending := make([]string, len(service.queue))
	copy(pending, service.queue)
	return pending
}

// Backfill enqueues every descriptor hash referenced by stored metadata that
// is not yet cached. Called once at startup so a restored snapshot resumes
// its unfinished downloads.
func (service *Service) Backfill(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	var added int
	for _, name := range service.store.Names() {
		meta, ok := service.store.Metadata(name)
		if !ok {
			continue
		}
		if service.Enqueue(meta.SDHash()) {
			added++
		}
	}
	if added > 0 {
		service.log.Info("backfilled download queue", zap.Int("hashes", added))
	}
	return nil
}

type fetchResult struct {
	hash string
	sd   *ledger.StreamDescriptor
	err  error
}

// RunOnce drains the current queue: one fetch per hash, dispatched
// concurrently, joined before any state changes are applied.
func (service *Service) RunOnce(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	service.mu.Lock()
	batch := service.queue
	service.queue = nil
	service.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	var resultsMu sync.Mutex
	results := make([]fetchResult, 0, len(batch))

	limiter := sync2.NewLimiter(service.config.Concurrency)
	for _, hash := range batch {
		hash := hash
		if _, ok := service.store.Descriptor(hash); ok {
			service.unmark(hash)
			continue
		}
		started := limiter.Go(ctx, func() {
			sd, err := service.client.DownloadDescriptor(ctx, hash)
			resultsMu.Lock()
			results = append(results, fetchResult{hash: hash, sd: sd, err: err})
			resultsMu.Unlock()
		})
		if !started {
			service.requeue(hash)
		}
	}
	limiter.Wait()

	changed := false
	for _, result := range results {
		if result.err != nil {
			attempts := service.store.IncAttempts(result.hash)
			changed = true
			if attempts < service.config.MaxTries {
				service.requeue(result.hash)
				service.log.Debug("descriptor fetch failed, will retry",
					zap.String("sd_hash", result.hash),
					zap.Int("attempts", attempts),
					zap.Error(result.err))
			} else {
				service.unmark(result.hash)
				service.log.Warn("descriptor abandoned after too many attempts",
					zap.String("sd_hash", result.hash),
					zap.Int("attempts", attempts),
					zap.Error(result.err))
			}
			continue
		}

		service.store.SetDescriptor(result.hash, result.sd)
		service.store.ResetAttempts(result.hash)
		service.unmark(result.hash)
		changed = true
		service.log.Debug("descriptor cached", zap.String("sd_hash", result.hash))
	}

	if changed {
		return Error.Wrap(service.store.Save(ctx))
	}
	return nil
}

// requeue puts an in-flight hash back on the queue, keeping its mark.
func (service *Service) requeue(hash string) {
	service.mu.Lock()
	defer service.mu.Unlock()
	service.queue = append(service.queue, hash)
}

func (service *Service) unmark(hash string) {
	service.mu.Lock()
	defer service.mu.Unlock()
	delete(service.marked, hash)
}
