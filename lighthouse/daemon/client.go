// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

// Package daemon implements the JSON-RPC client for the upstream chain
// daemon that serves claim, name resolution and stream descriptor data.
package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"

	"storj.io/lighthouse/lighthouse/ledger"
)

var (
	mon = monkit.Package()

	// Error is the default error class for the daemon package.
	Error = errs.Class("daemon")
)

// Client is the interface the engine consumes from the upstream daemon.
type Client interface {
	// GetNametrie fetches the full current claim list.
	GetNametrie(ctx context.Context) ([]ledger.Claim, error)
	// ResolveName resolves a claim name to its raw metadata record.
	ResolveName(ctx context.Context, name string) (map[string]interface{}, error)
	// DownloadDescriptor fetches the stream descriptor for a hash.
	DownloadDescriptor(ctx context.Context, hash string) (*ledger.StreamDescriptor, error)
}

// Config holds the upstream daemon connection settings.
type Config struct {
	Address string        `help:"url of the upstream daemon rpc endpoint" default:"http://localhost:5279/lbryapi"`
	Timeout time.Duration `help:"per-call timeout for upstream requests" default:"2m"`
}

// HTTPClient talks JSON-RPC 1.0 over HTTP to the upstream daemon.
type HTTPClient struct {
	config Config
	client *http.Client
	nextID int64
}

// NewHTTPClient creates a client for the configured daemon endpoint.
func NewHTTPClient(config Config) *HTTPClient {
	return &HTTPClient{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
	}
}

// GetNametrie implements Client.
func (client *HTTPClient) GetNametrie(ctx context.Context) (_ []ledger.Claim, err error) {
	defer mon.Task()(&ctx)(&err)

	var claims []ledger.Claim
	if err := client.call(ctx, "get_nametrie", nil, &claims); err != nil {
		return nil, err
	}
	return claims, nil
}

// ResolveName implements Client.
func (client *HTTPClient) ResolveName(ctx context.Context, name string) (_ map[string]interface{}, err error) {
	defer mon.Task()(&ctx)(&err)

	var raw map[string]interface{}
	if err := client.call(ctx, "resolve_name", map[string]string{"name": name}, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// DownloadDescriptor implements Client.
func (client *HTTPClient) DownloadDescriptor(ctx context.Context, hash string) (_ *ledger.StreamDescriptor, err error) {
	defer mon.Task()(&ctx)(&err)

	var sd ledger.StreamDescriptor
	if err := client.call(ctx, "download_descriptor", map[string]string{"sd_hash": hash}, &sd); err != nil {
		return nil, err
	}
	return &sd, nil
}

type rpcRequest struct {
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
	ID     int64         `json:"id"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  json.RawMessage `json:"error"`
}

func (client *HTTPClient) call(ctx context.Context, method string, param interface{}, result interface{}) error {
	params := []interface{}{}
	if param != nil {
		params = append(params, param)
	}
	body, err := json.Marshal(rpcRequest{
		Method: method,
		Params: params,
		ID:     atomic.AddInt64(&client.nextID, 1),
	})
	if err != nil {
		return Error.Wrap(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, client.config.Address, bytes.NewReader(body))
	if err != nil {
		return Error.Wrap(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.client.Do(req)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Error.Wrap(err)
	}
	if resp.StatusCode != http.StatusOK {
		return Error.New("%s: unexpected status %d", method, resp.StatusCode)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(data, &rpcResp); err != nil {
		return Error.Wrap(err)
	}
	if len(rpcResp.Error) > 0 && string(rpcResp.Error) != "null" {
		return Error.New("%s: upstream fault: %s", method, rpcResp.Error)
	}
	if result != nil {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return Error.Wrap(err)
		}
	}
	return nil
}
