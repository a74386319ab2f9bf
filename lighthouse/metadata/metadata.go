// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

// Package metadata validates claim metadata against the known schema
// revisions and carries the validated records through the index.
package metadata

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/zeebo/errs"
)

// Error is the default error class for the metadata package.
var Error = errs.Class("metadata")

// ErrSchemaMismatch is returned when a record is not fully consumed by any
// known schema revision.
var ErrSchemaMismatch = errs.Class("metadata schema mismatch")

// Revision declares the field set added by one schema version. Revisions are
// additive: a later revision only ever introduces fields, it never removes
// them.
type Revision struct {
	Version  string
	Required []string
	Optional []string
}

// Revisions lists every known schema revision in ascending order.
var Revisions = []Revision{
	{
		Version: "0.0.1",
		Required: []string{
			"title", "description", "author", "language",
			"license", "content-type", "sources",
		},
		Optional: []string{"thumbnail", "preview", "fee", "contact", "pubkey"},
	},
	{
		Version:  "0.0.2",
		Required: []string{"nsfw"},
	},
}

// Metadata is a validated claim metadata record. Version is the schema
// revision the record matched; Txid is the transaction id of the owning
// claim, filled in when the record is stored.
type Metadata struct {
	Version string
	Txid    string
	Fields  map[string]interface{}
}

// Validate classifies a raw record into the first schema revision whose
// cumulative required and optional field sets exactly consume it. A missing
// required field or an unconsumed leftover field rejects the record.
func Validate(raw map[string]interface{}) (Metadata, error) {
	remainder := make(map[string]interface{}, len(raw))
	for key, value := range raw {
		remainder[key] = value
	}

	fields := make(map[string]interface{}, len(raw))
	for _, revision := range Revisions {
		for _, key := range revision.Required {
			value, ok := remainder[key]
			if !ok {
				return Metadata{}, ErrSchemaMismatch.New("missing required field %q", key)
			}
			fields[key] = value
			delete(remainder, key)
		}
		for _, key := range revision.Optional {
			if value, ok := remainder[key]; ok {
				fields[key] = value
				delete(remainder, key)
			}
		}
		if len(remainder) == 0 {
			return Metadata{Version: revision.Version, Fields: fields}, nil
		}
	}

	keys := make([]string, 0, len(remainder))
	for key := range remainder {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return Metadata{}, ErrSchemaMismatch.New("unknown fields %v", keys)
}

// Field returns the named field rendered as a string, or "" when absent.
func (meta Metadata) Field(key string) string {
	value, ok := meta.Fields[key]
	if !ok || value == nil {
		return ""
	}
	if s, ok := value.(string); ok {
		return s
	}
	return fmt.Sprint(value)
}

// SDHash returns the stream descriptor hash from the sources field, or ""
// when the record does not reference one.
func (meta Metadata) SDHash() string {
	sources, ok := meta.Fields["sources"].(map[string]interface{})
	if !ok {
		return ""
	}
	hash, _ := sources["lbry_sd_hash"].(string)
	return hash
}

// Fee returns the declared fee amount and currency, if any. Both the flat
// {"CUR": amount} and the nested {"CUR": {"amount": ...}} upstream shapes
// are accepted.
func (meta Metadata) Fee() (amount float64, currency string, ok bool) {
	fee, exists := meta.Fields["fee"].(map[string]interface{})
	if !exists {
		return 0, "", false
	}
	for cur, value := range fee {
		switch v := value.(type) {
		case float64:
			return v, cur, true
		case map[string]interface{}:
			if amount, isNum := v["amount"].(float64); isNum {
				return amount, cur, true
			}
		}
	}
	return 0, "", false
}

// Equal reports whether two records carry the same version, txid and fields.
func (meta Metadata) Equal(other Metadata) bool {
	if meta.Version != other.Version || meta.Txid != other.Txid {
		return false
	}
	a, err := json.Marshal(meta.Fields)
	if err != nil {
		return false
	}
	b, err := json.Marshal(other.Fields)
	if err != nil {
		return false
	}
	return string(a) == string(b)
}

// MarshalJSON flattens the record into a single object, the way it came off
// the wire, with metaversion and txid folded in as ordinary keys.
func (meta Metadata) MarshalJSON() ([]byte, error) {
	flat := make(map[string]interface{}, len(meta.Fields)+2)
	for key, value := range meta.Fields {
		flat[key] = value
	}
	flat["metaversion"] = meta.Version
	if meta.Txid != "" {
		flat["txid"] = meta.Txid
	}
	return json.Marshal(flat)
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (meta *Metadata) UnmarshalJSON(data []byte) error {
	var flat map[string]interface{}
	if err := json.Unmarshal(data, &flat); err != nil {
		return Error.Wrap(err)
	}
	version, _ := flat["metaversion"].(string)
	txid, _ := flat["txid"].(string)
	delete(flat, "metaversion")
	delete(flat, "txid")
	*meta = Metadata{Version: version, Txid: txid, Fields: flat}
	return nil
}
