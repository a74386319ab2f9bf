// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

// Package rpcserver exposes the search index over a versioned JSON-RPC
// protocol, with a separate loopback endpoint for administrative
// introspection and shutdown.
package rpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"storj.io/common/errs2"
	"storj.io/lighthouse/lighthouse/descriptors"
	"storj.io/lighthouse/lighthouse/search"
	"storj.io/lighthouse/lighthouse/state"
)

var (
	mon = monkit.Package()

	// Error is the default error class for the rpcserver package.
	Error = errs.Class("rpcserver")
)

// Config holds the listen addresses for both endpoints.
type Config struct {
	Address      string `help:"public rpc listen address" default:":50005"`
	AdminAddress string `help:"admin rpc listen address, keep this loopback only" default:"127.0.0.1:50006"`
}

// Protocol fault codes.
const (
	codeParse         = -32700
	codeUnknownMethod = -32601
	codeInvalidParams = -32602
	codeInternal      = -32603
)

// maxLoggedArg bounds how much of a request argument ends up in the log and
// the session history.
const maxLoggedArg = 64

// SessionEntry is one accepted request in a caller's history.
type SessionEntry struct {
	Method    string    `json:"method"`
	Arg       string    `json:"arg"`
	Timestamp time.Time `json:"timestamp"`
}

type handler struct {
	arity int
	do    func(ctx context.Context, arg string) (interface{}, error)
}

// Server dispatches versioned JSON-RPC requests against per-endpoint method
// allow-lists.
type Server struct {
	log       *zap.Logger
	config    Config
	engine    *search.Engine
	downloads *descriptors.Service
	store     *state.Store
	stop      func()

	publicListener net.Listener
	adminListener  net.Listener
	public         http.Server
	admin          http.Server

	publicMethods map[string]handler
	adminMethods  map[string]handler

	mu       sync.Mutex
	sessions map[string][]SessionEntry
}

// NewServer creates both endpoints on the provided listeners. The stop
// callback performs the peer's orderly shutdown.
func NewServer(log *zap.Logger, engine *search.Engine, downloads *descriptors.Service, store *state.Store, publicListener, adminListener net.Listener, stop func()) *Server {
	server := &Server{
		log:            log,
		engine:         engine,
		downloads:      downloads,
		store:          store,
		stop:           stop,
		publicListener: publicListener,
		adminListener:  adminListener,
		sessions:       map[string][]SessionEntry{},
	}

	server.publicMethods = map[string]handler{
		"search":          {arity: 1, do: server.doSearch},
		"announce_sd":     {arity: 1, do: server.doAnnounce},
		"check_available": {arity: 1, do: server.doCheckAvailable},
	}
	server.adminMethods = map[string]handler{
		"dump_sessions":    {do: server.doDumpSessions},
		"dump_name_cache":  {do: server.doDumpNameCache},
		"dump_ratio_cache": {do: server.doDumpRatioCache},
		"dump_metadata":    {do: server.doDumpMetadata},
		"dump_sd_blobs":    {do: server.doDumpSDBlobs},
		"is_running":       {do: server.doIsRunning},
		"stop":             {do: server.doStop},
	}

	publicRouter := mux.NewRouter()
	publicRouter.HandleFunc("/", server.handle(server.publicMethods)).Methods(http.MethodPost)
	server.public = http.Server{Handler: publicRouter}

	adminRouter := mux.NewRouter()
	adminRouter.HandleFunc("/", server.handle(server.adminMethods)).Methods(http.MethodPost)
	server.admin = http.Server{Handler: adminRouter}

	return server
}

// Run serves both endpoints until the context is canceled.
func (server *Server) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	ctx, cancel := context.WithCancel(ctx)
	var group errgroup.Group
	group.Go(func() error {
		<-ctx.Done()
		err := server.public.Shutdown(context.Background())
		return errs.Combine(err, server.admin.Shutdown(context.Background()))
	})
	group.Go(func() error {
		defer cancel()
		err := server.public.Serve(server.publicListener)
		if errs2.IsCanceled(err) || errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		return err
	})
	group.Go(func() error {
		defer cancel()
		err := server.admin.Serve(server.adminListener)
		if errs2.IsCanceled(err) || errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		return err
	})
	return group.Wait()
}

// Close shuts both endpoints down.
func (server *Server) Close() error {
	return errs.Combine(server.public.Close(), server.admin.Close())
}

// Sessions returns a copy of the per-caller request history.
func (server *Server) Sessions() map[string][]SessionEntry {
	server.mu.Lock()
	defer server.mu.Unlock()
	all := make(map[string][]SessionEntry, len(server.sessions))
	for addr, entries := range server.sessions {
		copied := make([]SessionEntry, len(entries))
		copy(copied, entries)
		all[addr] = copied
	}
	return all
}

type request struct {
	Version *string           `json:"jsonrpc"`
	ID      json.RawMessage   `json:"id"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
}

// protocol returns the negotiated protocol version: the explicit version
// field when present, version 1 when only an id is given, and the oldest
// pre-versioned convention otherwise.
func (req *request) protocol() string {
	if req.Version != nil {
		return *req.Version
	}
	if len(req.ID) > 0 && string(req.ID) != "null" {
		return "1.0"
	}
	return ""
}

type fault struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (server *Server) handle(methods map[string]handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		var err error
		defer mon.Task()(&ctx)(&err)

		body, err := io.ReadAll(r.Body)
		if err != nil {
			server.respond(w, "", nil, nil, &fault{codeParse, "unreadable request"})
			return
		}

		var req request
		if err := json.Unmarshal(body, &req); err != nil {
			server.respond(w, "", nil, nil, &fault{codeParse, "malformed request"})
			return
		}
		proto := req.protocol()

		method, ok := methods[req.Method]
		if !ok {
			server.respond(w, proto, req.ID, nil, &fault{codeUnknownMethod, "unknown method " + req.Method})
			return
		}
		if len(req.Params) != method.arity {
			server.respond(w, proto, req.ID, nil, &fault{codeInvalidParams,
				fmt.Sprintf("%s takes exactly %d argument(s), got %d", req.Method, method.arity, len(req.Params))})
			return
		}

		var arg string
		if method.arity == 1 {
			if err := json.Unmarshal(req.Params[0], &arg); err != nil {
				server.respond(w, proto, req.ID, nil, &fault{codeInvalidParams, "argument must be a string"})
				return
			}
		}

		caller := callerAddr(r)
		server.record(caller, req.Method, arg)
		server.log.Info("request",
			zap.String("caller", caller),
			zap.String("method", req.Method),
			zap.String("arg", truncate(arg, maxLoggedArg)))

		result, err := method.do(ctx, arg)
		if err != nil {
			server.respond(w, proto, req.ID, nil, &fault{codeInternal, err.Error()})
			err = nil
			return
		}
		server.respond(w, proto, req.ID, result, nil)
	}
}

// respond encodes a result or fault under the negotiated protocol version.
// A result that fails to serialize is itself answered as a fault.
func (server *Server) respond(w http.ResponseWriter, proto string, id json.RawMessage, result interface{}, f *fault) {
	body, err := encodeResponse(proto, id, result, f)
	if err != nil {
		server.log.Error("result serialization failed", zap.Error(err))
		body, _ = encodeResponse(proto, id, nil, &fault{codeInternal, "result serialization failed"})
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(body); err != nil {
		server.log.Debug("response write failed", zap.Error(err))
	}
}

func encodeResponse(proto string, id json.RawMessage, result interface{}, f *fault) ([]byte, error) {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	switch proto {
	case "":
		// pre-versioned convention: a single non-fault result is wrapped
		// in a one-element sequence, a fault is encoded bare.
		if f != nil {
			return json.Marshal(map[string]interface{}{
				"fault":       f.Code,
				"faultString": f.Message,
			})
		}
		return json.Marshal([]interface{}{result})
	case "2.0":
		if f != nil {
			return json.Marshal(map[string]interface{}{
				"jsonrpc": "2.0",
				"error":   f,
				"id":      id,
			})
		}
		return json.Marshal(map[string]interface{}{
			"jsonrpc": "2.0",
			"result":  result,
			"id":      id,
		})
	default:
		if f != nil {
			return json.Marshal(map[string]interface{}{
				"result": nil,
				"error":  f,
				"id":     id,
			})
		}
		return json.Marshal(map[string]interface{}{
			"result": result,
			"error":  nil,
			"id":     id,
		})
	}
}

// record appends an accepted request to the caller's session history.
func (server *Server) record(caller, method, arg string) {
	server.mu.Lock()
	defer server.mu.Unlock()
	server.sessions[caller] = append(server.sessions[caller], SessionEntry{
		Method:    method,
		Arg:       truncate(arg, maxLoggedArg),
		Timestamp: time.Now().UTC(),
	})
}

func callerAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func (server *Server) doSearch(ctx context.Context, arg string) (interface{}, error) {
	results, err := server.engine.Search(ctx, arg)
	if err != nil {
		// search is best effort: answer with what we have
		server.log.Warn("search failed", zap.Error(err))
	}
	if results == nil {
		results = []search.Result{}
	}
	return results, nil
}

func (server *Server) doAnnounce(ctx context.Context, arg string) (interface{}, error) {
	return server.downloads.Announce(ctx, arg)
}

func (server *Server) doCheckAvailable(ctx context.Context, arg string) (interface{}, error) {
	return server.downloads.IsAvailable(arg), nil
}

func (server *Server) doDumpSessions(ctx context.Context, _ string) (interface{}, error) {
	return server.Sessions(), nil
}

func (server *Server) doDumpNameCache(ctx context.Context, _ string) (interface{}, error) {
	return server.engine.CacheKeys(), nil
}

func (server *Server) doDumpRatioCache(ctx context.Context, _ string) (interface{}, error) {
	return server.engine.CachedResults(), nil
}

func (server *Server) doDumpMetadata(ctx context.Context, _ string) (interface{}, error) {
	return server.store.AllMetadata(), nil
}

func (server *Server) doDumpSDBlobs(ctx context.Context, _ string) (interface{}, error) {
	return server.store.Descriptors(), nil
}

func (server *Server) doIsRunning(ctx context.Context, _ string) (interface{}, error) {
	return true, nil
}

func (server *Server) doStop(ctx context.Context, _ string) (interface{}, error) {
	server.log.Info("stop requested")
	go server.stop()
	return true, nil
}
