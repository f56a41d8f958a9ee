// Package mutation defines the structured DOM-observation types consumed by
// the dnpguard engine. Any mutation source (the live CDP session, replayed
// fixtures in tests) produces these records; the engine interprets them.
package mutation

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
)

// Op is the type of DOM mutation observed.
type Op string

const (
	OpInsert   Op = "insert"    // child inserted (includes serialised subtree HTML)
	OpRemove   Op = "remove"    // child removed
	OpText     Op = "text"      // character data modified
	OpAttr     Op = "attr"      // attribute set or changed
	OpAttrDel  Op = "attr_del"  // attribute removed
	OpDocReset Op = "doc_reset" // entire DOM replaced
)

// Record is a single DOM mutation.
type Record struct {
	Op       Op     `json:"op"`
	XPath    string `json:"xpath"`
	Tag      string `json:"tag,omitempty"`
	Name     string `json:"name,omitempty"`      // attribute name for attr/attr_del
	Value    string `json:"value,omitempty"`     // new value
	OldValue string `json:"old_value,omitempty"` // previous value
	HTML     string `json:"html,omitempty"`      // serialised subtree for insert
}

// Batch is the atomic unit fed to the engine. One batch = all mutations
// collected during a single debounce window.
type Batch struct {
	ID        string   `json:"id"`
	PageURL   string   `json:"page_url"`
	Seq       uint64   `json:"seq"` // monotonically increasing per page
	Records   []Record `json:"records"`
	Timestamp int64    `json:"timestamp"` // epoch milliseconds at flush
}

// NavKind distinguishes page-level navigation signals.
type NavKind string

const (
	NavHistory  NavKind = "history" // pushState / replaceState / popstate
	NavHash     NavKind = "hash"
	NavPlatform NavKind = "platform" // platform-specific "navigation finished"
)

// NavSignal is a client-side navigation event. The engine schedules a full
// rescan after a settle delay when one arrives, because routers replace
// content asynchronously after the signal fires.
type NavSignal struct {
	Kind NavKind `json:"kind"`
	URL  string  `json:"url"`
}

// MarshalBatch serialises a Batch to JSON.
func MarshalBatch(b *Batch) ([]byte, error) {
	return json.Marshal(b)
}

// UnmarshalBatch deserialises a Batch from JSON.
func UnmarshalBatch(data []byte) (*Batch, error) {
	var b Batch
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// HashHTML returns the SHA-256 hex digest of raw HTML bytes.
func HashHTML(html []byte) string {
	h := sha256.Sum256(html)
	return fmt.Sprintf("%x", h)
}
