// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

// Package claimsync keeps the local index in step with the upstream claim
// trie, resolving and validating metadata for new and changed claims.
package claimsync

import (
	"context"
	"regexp"
	"sync"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/sync2"
	"storj.io/lighthouse/lighthouse/daemon"
	"storj.io/lighthouse/lighthouse/descriptors"
	"storj.io/lighthouse/lighthouse/ledger"
	"storj.io/lighthouse/lighthouse/metadata"
	"storj.io/lighthouse/lighthouse/state"
)

var (
	mon = monkit.Package()

	// Error is the default error class for the claimsync package.
	Error = errs.Class("claimsync")

	validName = regexp.MustCompile(`^[a-zA-Z0-9-]+$`)
)

// Config defines parameters for the claim trie synchronizer.
type Config struct {
	Interval    time.Duration `help:"how often the upstream claim trie is polled" default:"30s"`
	Concurrency int           `help:"concurrent name resolutions per cycle" default:"10"`
}

// Service polls the upstream claim list, diffs it against the last ingested
// snapshot and resolves metadata for every new or changed claim. Claims are
// keyed by name; duplicate names overwrite in upstream-list order.
//
// architecture: Chore
type Service struct {
	log       *zap.Logger
	config    Config
	store     *state.Store
	client    daemon.Client
	downloads *descriptors.Service

	Loop *sync2.Cycle
}

// NewService creates the claim trie synchronizer.
func NewService(log *zap.Logger, store *state.Store, client daemon.Client, downloads *descriptors.Service, config Config) *Service {
	return &Service{
		log:       log,
		config:    config,
		store:     store,
		client:    client,
		downloads: downloads,
		Loop:      sync2.NewCycle(config.Interval),
	}
}

// Run synchronizes until the context is canceled.
func (service *Service) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	return service.Loop.Run(ctx, func(ctx context.Context) error {
		if err := service.RunOnce(ctx); err != nil {
			service.log.Error("sync cycle failed", zap.Error(err))
		}
		return nil
	})
}

// Close stops the sync loop.
func (service *Service) Close() error {
	service.Loop.Close()
	return nil
}

type resolution struct {
	claim ledger.Claim
	raw   map[string]interface{}
	err   error
}

// RunOnce fetches, filters and diffs the upstream claim list, then resolves
// every new or changed claim. An unchanged list is a no-op cycle.
func (service *Service) RunOnce(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	claims, err := service.client.GetNametrie(ctx)
	if err != nil {
		return Error.Wrap(err)
	}

	filtered, rejected := service.filter(claims)

	if len(rejected) == 0 && ledger.ClaimsEqual(filtered, service.store.Claimtrie()) {
		service.log.Debug("no new claims")
		return nil
	}

	for _, claim := range rejected {
		service.store.MarkBad(claim.Txid)
		service.log.Warn("bad claim name", zap.String("name", claim.Name), zap.String("txid", claim.Txid))
	}

	changed := service.changedClaims(filtered)
	if len(changed) > 0 {
		service.log.Info("resolving claims", zap.Int("count", len(changed)))
		service.resolveAll(ctx, changed)
	}

	service.store.SetClaimtrie(filtered)
	return Error.Wrap(service.store.Save(ctx))
}

// filter drops claims whose txid was already rejected and splits off claims
// with a disallowed name character set.
func (service *Service) filter(claims []ledger.Claim) (filtered, rejected []ledger.Claim) {
	for _, claim := range claims {
		if service.store.IsBad(claim.Txid) {
			continue
		}
		if !validName.MatchString(claim.Name) {
			rejected = append(rejected, claim)
			continue
		}
		filtered = append(filtered, claim)
	}
	return filtered, rejected
}

// changedClaims returns the claims whose name is unseen or whose txid
// differs from the stored metadata.
func (service *Service) changedClaims(claims []ledger.Claim) []ledger.Claim {
	var changed []ledger.Claim
	for _, claim := range claims {
		meta, ok := service.store.Metadata(claim.Name)
		if !ok || meta.Txid != claim.Txid {
			changed = append(changed, claim)
		}
	}
	return changed
}

// resolveAll resolves the given claims with bounded concurrency. Workers
// only talk to the upstream daemon; all state changes are applied here,
// sequentially, once the resolutions join.
func (service *Service) resolveAll(ctx context.Context, claims []ledger.Claim) {
	var resultsMu sync.Mutex
	results := make([]resolution, 0, len(claims))

	limiter := sync2.NewLimiter(service.config.Concurrency)
	for _, claim := range claims {
		claim := claim
		started := limiter.Go(ctx, func() {
			raw, err := service.client.ResolveName(ctx, claim.Name)
			resultsMu.Lock()
			results = append(results, resolution{claim: claim, raw: raw, err: err})
			resultsMu.Unlock()
		})
		if !started {
			return
		}
	}
	limiter.Wait()

	for _, result := range results {
		service.apply(ctx, result)
	}
}

// apply validates and stores a single resolution. Failures are permanent
// for the claim's txid and survive restarts.
func (service *Service) apply(ctx context.Context, result resolution) {
	claim := result.claim

	if result.err != nil {
		service.store.MarkBad(claim.Txid)
		service.log.Warn("name resolution failed",
			zap.String("name", claim.Name),
			zap.String("txid", claim.Txid),
			zap.Error(result.err))
		if err := service.store.Save(ctx); err != nil {
			service.log.Error("snapshot save failed", zap.Error(err))
		}
		return
	}

	meta, err := metadata.Validate(result.raw)
	if err != nil {
		service.store.MarkBad(claim.Txid)
		service.log.Warn("bad metadata",
			zap.String("name", claim.Name),
			zap.String("txid", claim.Txid),
			zap.Error(err))
		if err := service.store.Save(ctx); err != nil {
			service.log.Error("snapshot save failed", zap.Error(err))
		}
		return
	}

	meta.Txid = claim.Txid
	service.store.SetMetadata(claim.Name, meta)
	service.downloads.Enqueue(meta.SDHash())
	service.log.Debug("metadata stored",
		zap.String("name", claim.Name),
		zap.String("metaversion", meta.Version))

	if err := service.store.Save(ctx); err != nil {
		service.log.Error("snapshot save failed", zap.Error(err))
	}
}
