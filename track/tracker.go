// Package track is the idempotency ledger for per-element pipeline state.
//
// Two independent membership sets — processed and blocked — are keyed by
// dom.ID. Because the host environment has no weak references, entries are
// reclaimed by an explicit periodic sweep: any ID whose element is no longer
// attached to the document is dropped. Pages create unbounded numbers of
// transient rows while scrolling, so the sweep is a correctness requirement,
// not an optimisation.
package track

import (
	"sync"

	"github.com/hazyhaar/dnpguard/dom"
)

// AttachFunc reports whether an element is still part of the document.
// Normally (*dom.Document).Attached.
type AttachFunc func(dom.ID) bool

// Tracker records which elements have been processed and which are blocked.
type Tracker struct {
	mu        sync.Mutex
	attached  AttachFunc
	processed map[dom.ID]struct{}
	blocked   map[dom.ID]struct{}
	watched   map[string]struct{}
}

// New creates a Tracker. watchedAttrs are the attribute names whose change
// on a processed element triggers invalidation.
func New(attached AttachFunc, watchedAttrs []string) *Tracker {
	w := make(map[string]struct{}, len(watchedAttrs))
	for _, a := range watchedAttrs {
		w[a] = struct{}{}
	}
	return &Tracker{
		attached:  attached,
		processed: make(map[dom.ID]struct{}),
		blocked:   make(map[dom.ID]struct{}),
		watched:   w,
	}
}

// ShouldProcess is true exactly once per element lifetime, until the entry
// is invalidated or swept.
func (t *Tracker) ShouldProcess(id dom.ID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, done := t.processed[id]
	return !done
}

// MarkProcessed records that the full pipeline ran for this element.
func (t *Tracker) MarkProcessed(id dom.ID) {
	t.mu.Lock()
	t.processed[id] = struct{}{}
	t.mu.Unlock()
}

// MarkBlocked records the element as suppressed. Idempotent; returns whether
// the entry was newly added, so callers can gate one-time enforcement on it.
func (t *Tracker) MarkBlocked(id dom.ID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, done := t.blocked[id]; done {
		return false
	}
	t.blocked[id] = struct{}{}
	return true
}

// IsBlocked reports whether the element is currently marked blocked.
func (t *Tracker) IsBlocked(id dom.ID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.blocked[id]
	return ok
}

// Unblock clears only the blocked mark (allow-once keeps processed set, so
// the element is not re-suppressed until the next full rescan invalidates it).
func (t *Tracker) Unblock(id dom.ID) {
	t.mu.Lock()
	delete(t.blocked, id)
	t.mu.Unlock()
}

// Invalidate drops all state for an element so the next sighting re-runs the
// full pipeline. Called when a watched attribute changes on a processed
// element.
func (t *Tracker) Invalidate(id dom.ID) {
	t.mu.Lock()
	delete(t.processed, id)
	delete(t.blocked, id)
	t.mu.Unlock()
}

// WatchedAttr reports whether a change to this attribute invalidates state.
func (t *Tracker) WatchedAttr(name string) bool {
	_, ok := t.watched[name]
	return ok
}

// Sweep drops entries whose elements are detached and returns how many
// entries were reclaimed. Attachment is probed without holding the tracker
// lock: the attach func takes the engine's model lock, and the pipeline holds
// that lock while calling tracker methods.
func (t *Tracker) Sweep() int {
	t.mu.Lock()
	ids := make(map[dom.ID]struct{}, len(t.processed)+len(t.blocked))
	for id := range t.processed {
		ids[id] = struct{}{}
	}
	for id := range t.blocked {
		ids[id] = struct{}{}
	}
	t.mu.Unlock()

	var dead []dom.ID
	for id := range ids {
		if !t.attached(id) {
			dead = append(dead, id)
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, id := range dead {
		if _, ok := t.processed[id]; ok {
			delete(t.processed, id)
			n++
		}
		if _, ok := t.blocked[id]; ok {
			delete(t.blocked, id)
			n++
		}
	}
	return n
}

// Stats is a point-in-time size snapshot.
type Stats struct {
	Processed int `json:"processed"`
	Blocked   int `json:"blocked"`
}

// Stats returns current set sizes.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{Processed: len(t.processed), Blocked: len(t.blocked)}
}
