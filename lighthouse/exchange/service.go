// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

// Package exchange converts fee amounts into the reference currency using a
// periodically refreshed market rate feed.
package exchange

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/sync2"
)

var (
	mon = monkit.Package()

	// Error is the default error class for the exchange package.
	Error = errs.Class("exchange")
)

// ReferenceCurrency is the currency every cost figure is expressed in.
const ReferenceCurrency = "USD"

// Rates converts an amount in some currency into the reference currency.
type Rates interface {
	ToReferenceCurrency(amount float64, currency string) (float64, error)
}

// Config holds the rate feed settings.
type Config struct {
	FeedURL         string        `help:"url of the market rate feed, empty disables refresh" default:""`
	RefreshInterval time.Duration `help:"how often the market rates are refreshed" default:"10m"`
	StaticRates     string        `help:"comma separated CUR=rate pairs used until the feed answers" default:""`
}

// Service refreshes market rates on its own schedule, independent of the
// engine's timers.
//
// architecture: Chore
type Service struct {
	log    *zap.Logger
	config Config
	client *http.Client

	mu    sync.RWMutex
	rates map[string]float64

	Loop *sync2.Cycle
}

// NewService creates a rate service seeded with the configured static rates.
func NewService(log *zap.Logger, config Config) (*Service, error) {
	rates, err := parseStaticRates(config.StaticRates)
	if err != nil {
		return nil, err
	}
	return &Service{
		log:    log,
		config: config,
		client: &http.Client{Timeout: time.Minute},
		rates:  rates,
		Loop:   sync2.NewCycle(config.RefreshInterval),
	}, nil
}

// Run refreshes the rates until the context is canceled.
func (service *Service) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	if service.config.FeedURL == "" {
		<-ctx.Done()
		return nil
	}
	return service.Loop.Run(ctx, func(ctx context.Context) error {
		if err := service.Refresh(ctx); err != nil {
			service.log.Warn("rate refresh failed", zap.Error(err))
		}
		return nil
	})
}

// Close stops the refresh loop.
func (service *Service) Close() error {
	service.Loop.Close()
	return nil
}

// Refresh fetches the current rate table from the feed. Old rates stay in
// effect when the feed is unreachable.
func (service *Service) Refresh(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, service.config.FeedURL, nil)
	if err != nil {
		return Error.Wrap(err)
	}
	resp, err := service.client.Do(req)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return Error.New("feed returned status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Error.Wrap(err)
	}

	var fetched map[string]float64
	if err := json.Unmarshal(data, &fetched); err != nil {
		return Error.Wrap(err)
	}

	service.mu.Lock()
	for currency, rate := range fetched {
		service.rates[currency] = rate
	}
	service.mu.Unlock()

	service.log.Debug("rates refreshed", zap.Int("currencies", len(fetched)))
	return nil
}

// ToReferenceCurrency implements Rates. It fails for currencies without a
// known rate; callers isolate that failure per item.
func (service *Service) ToReferenceCurrency(amount float64, currency string) (float64, error) {
	if currency == ReferenceCurrency {
		return amount, nil
	}

	service.mu.RLock()
	rate, ok := service.rates[currency]
	service.mu.RUnlock()
	if !ok {
		return 0, Error.New("no rate for currency %q", currency)
	}
	return amount * rate, nil
}

// SetRate overrides the rate for a currency. Used by tests and diagnostics.
func (service *Service) SetRate(currency string, rate float64) {
	service.mu.Lock()
	defer service.mu.Unlock()
	service.rates[currency] = rate
}

func parseStaticRates(spec string) (map[string]float64, error) {
	rates := map[string]float64{}
	if spec == "" {
		return rates, nil
	}
	for _, pair := range strings.Split(spec, ",") {
		currency, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			return nil, Error.New("malformed static rate %q", pair)
		}
		rate, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, Error.New("malformed static rate %q: %v", pair, err)
		}
		rates[currency] = rate
	}
	return rates, nil
}
