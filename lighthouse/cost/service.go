// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

// Package cost derives a combined fee plus data-transfer cost and an
// availability flag for every indexed name.
package cost

import (
	"context"
	"sync"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/sync2"
	"storj.io/lighthouse/lighthouse/exchange"
	"storj.io/lighthouse/lighthouse/ledger"
	"storj.io/lighthouse/lighthouse/state"
)

var (
	mon = monkit.Package()

	// Error is the default error class for the cost package.
	Error = errs.Class("cost")
)

const bytesPerMegabyte = 1 << 20

// Config defines parameters for the cost calculator.
type Config struct {
	Interval    time.Duration `help:"how often costs are recomputed" default:"1m"`
	MinDataRate float64       `help:"minimum data payment rate per megabyte" default:"0.005"`
	DataCurrency string       `help:"currency the data rate is expressed in" default:"LBC"`
	Concurrency int           `help:"concurrent cost computations per cycle" default:"10"`
}

// Service recomputes the cost map wholesale on its own period. A failed
// rate conversion for one name never blocks the others.
//
// architecture: Chore
type Service struct {
	log    *zap.Logger
	config Config
	store  *state.Store
	rates  exchange.Rates

	Loop *sync2.Cycle
}

// NewService creates the cost calculator.
func NewService(log *zap.Logger, store *state.Store, rates exchange.Rates, config Config) *Service {
	return &Service{
		log:    log,
		config: config,
		store:  store,
		rates:  rates,
		Loop:   sync2.NewCycle(config.Interval),
	}
}

// Run recomputes costs until the context is canceled.
func (service *Service) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	return service.Loop.Run(ctx, func(ctx context.Context) error {
		if err := service.RunOnce(ctx); err != nil {
			service.log.Error("cost cycle failed", zap.Error(err))
		}
		return nil
	})
}

// Close stops the cost loop.
func (service *Service) Close() error {
	service.Loop.Close()
	return nil
}

// RunOnce computes a fresh cost entry for every indexed name and replaces
// the cost map wholesale.
func (service *Service) RunOnce(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	names := service.store.Names()
	costs := make(map[string]ledger.CostAvailability, len(names))
	var costsMu sync.Mutex

	limiter := sync2.NewLimiter(service.config.Concurrency)
	for _, name := range names {
		name := name
		started := limiter.Go(ctx, func() {
			entry := service.compute(name)
			costsMu.Lock()
			costs[name] = entry
			costsMu.Unlock()
		})
		if !started {
			break
		}
	}
	limiter.Wait()

	if err := ctx.Err(); err != nil {
		return Error.Wrap(err)
	}

	service.store.SetCosts(costs)
	return Error.Wrap(service.store.Save(ctx))
}

// compute derives the cost entry for one name. No descriptor means the item
// is not available and costs nothing.
func (service *Service) compute(name string) ledger.CostAvailability {
	now := time.Now().UTC()

	meta, ok := service.store.Metadata(name)
	if !ok {
		return ledger.CostAvailability{ComputedAt: now}
	}
	sd, ok := service.store.Descriptor(meta.SDHash())
	if !ok {
		return ledger.CostAvailability{ComputedAt: now}
	}

	megabytes := float64(sd.TotalLength()) / bytesPerMegabyte

	total := 0.0
	rate, err := service.rates.ToReferenceCurrency(service.config.MinDataRate, service.config.DataCurrency)
	if err != nil {
		service.log.Debug("data rate conversion failed", zap.String("name", name), zap.Error(err))
	} else {
		total += megabytes * rate
	}

	if amount, currency, ok := meta.Fee(); ok {
		fee, err := service.rates.ToReferenceCurrency(amount, currency)
		if err != nil {
			service.log.Debug("fee conversion failed",
				zap.String("name", name),
				zap.String("currency", currency),
				zap.Error(err))
		} else {
			total += fee
		}
	}

	return ledger.CostAvailability{Cost: total, Available: true, ComputedAt: now}
}
