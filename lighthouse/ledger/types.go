// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

// Package ledger defines the wire types shared with the upstream chain daemon.
package ledger

import (
	"bytes"
	"encoding/json"
	"time"
)

// Claim is a single name binding in the upstream claim trie. A claim is
// identified by Name and versioned by Txid; the Value payload is opaque to
// this service and only carried through for equality checks.
type Claim struct {
	Name  string          `json:"name"`
	Txid  string          `json:"txid"`
	Value json.RawMessage `json:"value,omitempty"`
}

// Equal reports whether two claims are the same binding, payload included.
func (claim Claim) Equal(other Claim) bool {
	return claim.Name == other.Name &&
		claim.Txid == other.Txid &&
		bytes.Equal(claim.Value, other.Value)
}

// ClaimsEqual compares two claim lists by value, in order.
func ClaimsEqual(a, b []Claim) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}

// Blob is a single content chunk referenced by a stream descriptor.
type Blob struct {
	BlobHash string `json:"blob_hash,omitempty"`
	Length   int64  `json:"length"`
}

// StreamDescriptor is the manifest of blobs making up a published stream,
// keyed elsewhere by its descriptor hash.
type StreamDescriptor struct {
	StreamName string `json:"stream_name,omitempty"`
	Blobs      []Blob `json:"blobs"`
}

// TotalLength returns the combined length of all blobs in the stream.
func (sd *StreamDescriptor) TotalLength() int64 {
	var total int64
	for _, blob := range sd.Blobs {
		total += blob.Length
	}
	return total
}

// CostAvailability is the derived cost figure for one indexed name.
type CostAvailability struct {
	Cost       float64   `json:"cost"`
	Available  bool      `json:"available"`
	ComputedAt time.Time `json:"computed_at"`
}
