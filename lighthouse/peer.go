// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

// Package lighthouse wires the search-and-indexing engine together.
package lighthouse

import (
	"context"
	"net"
	"sync"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"storj.io/common/errs2"
	"storj.io/lighthouse/lighthouse/claimsync"
	"storj.io/lighthouse/lighthouse/cost"
	"storj.io/lighthouse/lighthouse/daemon"
	"storj.io/lighthouse/lighthouse/descriptors"
	"storj.io/lighthouse/lighthouse/exchange"
	"storj.io/lighthouse/lighthouse/rpcserver"
	"storj.io/lighthouse/lighthouse/search"
	"storj.io/lighthouse/lighthouse/state"
)

var mon = monkit.Package()

// Config is all the configuration parameters for a lighthouse node.
type Config struct {
	CachePath string `help:"path of the state snapshot file" default:"$CONFDIR/lighthouse.json"`

	Daemon      daemon.Config
	Exchange    exchange.Config
	ClaimSync   claimsync.Config
	Descriptors descriptors.Config
	Cost        cost.Config
	Search      search.Config
	Server      rpcserver.Config
}

// Peer is the representation of a lighthouse node.
type Peer struct {
	// core dependencies
	Log    *zap.Logger
	Store  *state.Store
	Daemon daemon.Client

	// services and endpoints
	Exchange *exchange.Service

	Descriptors struct {
		Service *descriptors.Service
	}
	ClaimSync struct {
		Service *claimsync.Service
	}
	Cost struct {
		Service *cost.Service
	}
	Search struct {
		Engine *search.Engine
	}

	Servers struct {
		PublicListener net.Listener
		AdminListener  net.Listener
		RPC            *rpcserver.Server
	}

	stopOnce sync.Once
	stopped  chan struct{}
}

// New creates a new lighthouse node.
func New(log *zap.Logger, config Config) (*Peer, error) {
	peer := &Peer{
		Log:     log,
		stopped: make(chan struct{}),
	}

	var err error

	{ // setup state and upstream client
		peer.Store = state.NewStore(log.Named("state"), config.CachePath)
		peer.Daemon = daemon.NewHTTPClient(config.Daemon)
	}

	{ // setup exchange rates
		peer.Exchange, err = exchange.NewService(log.Named("exchange"), config.Exchange)
		if err != nil {
			return nil, errs.Combine(err, peer.Close())
		}
	}

	{ // setup chores
		peer.Descriptors.Service = descriptors.NewService(log.Named("descriptors"), peer.Store, peer.Daemon, config.Descriptors)
		peer.ClaimSync.Service = claimsync.NewService(log.Named("claimsync"), peer.Store, peer.Daemon, peer.Descriptors.Service, config.ClaimSync)
		peer.Cost.Service = cost.NewService(log.Named("cost"), peer.Store, peer.Exchange, config.Cost)
	}

	{ // setup search
		peer.Search.Engine = search.NewEngine(log.Named("search"), peer.Store, config.Search)
	}

	{ // setup rpc endpoints
		peer.Servers.PublicListener, err = net.Listen("tcp", config.Server.Address)
		if err != nil {
			return nil, errs.Combine(err, peer.Close())
		}
		peer.Servers.AdminListener, err = net.Listen("tcp", config.Server.AdminAddress)
		if err != nil {
			return nil, errs.Combine(err, peer.Close())
		}
		peer.Servers.RPC = rpcserver.NewServer(log.Named("rpcserver"),
			peer.Search.Engine, peer.Descriptors.Service, peer.Store,
			peer.Servers.PublicListener, peer.Servers.AdminListener,
			peer.Stop)
	}

	return peer, nil
}

// Run loads the snapshot and runs all services until the context is
// canceled, the admin stop call fires, or a service fails.
func (peer *Peer) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	if err := peer.Store.Load(ctx); err != nil {
		return err
	}
	if err := peer.Descriptors.Service.Backfill(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		select {
		case <-peer.stopped:
			cancel()
		case <-ctx.Done():
		}
		return nil
	})
	group.Go(func() error {
		return errs2.IgnoreCanceled(peer.Exchange.Run(ctx))
	})
	group.Go(func() error {
		return errs2.IgnoreCanceled(peer.ClaimSync.Service.Run(ctx))
	})
	group.Go(func() error {
		return errs2.IgnoreCanceled(peer.Descriptors.Service.Run(ctx))
	})
	group.Go(func() error {
		return errs2.IgnoreCanceled(peer.Cost.Service.Run(ctx))
	})
	group.Go(func() error {
		return errs2.IgnoreCanceled(peer.Servers.RPC.Run(ctx))
	})

	return group.Wait()
}

// Stop triggers the orderly shutdown sequence.
func (peer *Peer) Stop() {
	peer.stopOnce.Do(func() { close(peer.stopped) })
}

// Close closes all the resources in reverse initialization order.
func (peer *Peer) Close() error {
	var errlist errs.Group

	if peer.Servers.RPC != nil {
		errlist.Add(peer.Servers.RPC.Close())
	} else {
		if peer.Servers.PublicListener != nil {
			errlist.Add(peer.Servers.PublicListener.Close())
		}
		if peer.Servers.AdminListener != nil {
			errlist.Add(peer.Servers.AdminListener.Close())
		}
	}

	if peer.Cost.Service != nil {
		errlist.Add(peer.Cost.Service.Close())
	}
	if peer.Descriptors.Service != nil {
		errlist.Add(peer.Descriptors.Service.Close())
	}
	if peer.ClaimSync.Service != nil {
		errlist.Add(peer.ClaimSync.Service.Close())
	}
	if peer.Exchange != nil {
		errlist.Add(peer.Exchange.Close())
	}

	return errlist.Err()
}

// PublicAddr returns the public rpc address.
func (peer *Peer) PublicAddr() string { return peer.Servers.PublicListener.Addr().String() }

// AdminAddr returns the admin rpc address.
func (peer *Peer) AdminAddr() string { return peer.Servers.AdminListener.Addr().String() }
