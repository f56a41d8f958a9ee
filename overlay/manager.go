// Package overlay applies and reverses the visual suppression of blocked
// elements.
//
// Suppression is strictly reversible: the element is muted and tagged with a
// control affordance rendered in a style-isolated layer, never removed from
// the document. The affordance exposes allow-once, unblock-entity and
// confirm-block actions. Overlay positions track their element on a recompute
// tick; an overlay whose element has left the render tree is torn down and
// its bookkeeping released, which is what keeps long single-page sessions
// from leaking state.
package overlay

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/microcosm-cc/bluemonday"

	"github.com/hazyhaar/dnpguard/dom"
	"github.com/hazyhaar/dnpguard/extract"
	"github.com/hazyhaar/dnpguard/oracle"
	"github.com/hazyhaar/dnpguard/page"
	"github.com/hazyhaar/dnpguard/track"
)

// record is the bookkeeping for one active suppression. The name is the raw
// extracted string: it is the artist's identity towards the collaborator and
// the export document, so it must match the blocklist byte for byte.
// Sanitisation happens only where the name is rendered into the page.
type record struct {
	key         string // candidate identity, for entity-wide release
	name        string // raw artist name
	ext         string // platform external ID, may be empty
	rowDisabled bool
}

// Manager owns all active suppressions for one engine.
type Manager struct {
	mu      sync.Mutex
	actor   page.Actor
	tracker *track.Tracker
	client  *oracle.Client
	rowCtl  string // selector for per-row transport controls
	logger  *slog.Logger
	policy  *bluemonday.Policy
	active  map[dom.ID]*record
}

// Option configures a Manager.
type Option func(*Manager)

// WithRowControls sets the selector for transport controls inside track rows;
// suppression of a row additionally disables them.
func WithRowControls(selector string) Option {
	return func(m *Manager) { m.rowCtl = selector }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// New creates a Manager.
func New(actor page.Actor, tracker *track.Tracker, client *oracle.Client, opts ...Option) *Manager {
	m := &Manager{
		actor:   actor,
		tracker: tracker,
		client:  client,
		logger:  slog.Default(),
		policy:  bluemonday.StrictPolicy(),
		active:  make(map[dom.ID]*record),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Suppress mutes the candidate's element and installs the overlay. Idempotent:
// a second call for the same element is a no-op, gated by the tracker's
// blocked set before any page effect happens.
func (m *Manager) Suppress(ctx context.Context, cand *extract.Candidate) {
	id := cand.Element.ID()
	if !m.tracker.MarkBlocked(id) {
		return
	}

	if err := m.actor.ApplyMute(id); err != nil {
		m.logger.Warn("overlay: mute failed", "element", id, "error", err)
	}
	ov := page.Overlay{
		Label: "Blocked: " + m.policy.Sanitize(cand.Name),
		Actions: []page.OverlayAction{
			page.ActionAllowOnce,
			page.ActionUnblock,
			page.ActionConfirm,
		},
	}
	if err := m.actor.InstallOverlay(id, ov); err != nil {
		m.logger.Warn("overlay: install failed", "element", id, "error", err)
	}

	rec := &record{key: cand.Key(), name: cand.Name, ext: cand.ExternalID}
	if cand.IsTrackRow && m.rowCtl != "" {
		if err := m.actor.DisableRowControls(id, m.rowCtl); err == nil {
			rec.rowDisabled = true
		}
	}

	m.mu.Lock()
	m.active[id] = rec
	m.mu.Unlock()

	m.client.LogAction(ctx, "suppress", map[string]string{
		"artist": cand.Name, "source": cand.Source,
	})
	m.logger.Debug("overlay: suppressed", "element", id, "artist", cand.Name)
}

// HandleAction processes an overlay affordance click.
func (m *Manager) HandleAction(ctx context.Context, id dom.ID, action page.OverlayAction) {
	m.mu.Lock()
	rec, ok := m.active[id]
	m.mu.Unlock()
	if !ok {
		return
	}

	switch action {
	case page.ActionAllowOnce:
		// This element instance only; a later full rescan may re-suppress.
		m.Release(id)
		m.tracker.Unblock(id)
		m.client.LogAction(ctx, "allow_once", map[string]string{"artist": rec.name})

	case page.ActionUnblock:
		ok, err := m.client.RemoveFromDNP(ctx, oracle.ArtistInfo{Name: rec.name, ExternalID: rec.ext})
		if err != nil || !ok {
			m.logger.Warn("overlay: unblock rejected", "artist", rec.name, "error", err)
			return
		}
		m.ReleaseEntity(rec.key)
		m.client.LogAction(ctx, "unblock", map[string]string{"artist": rec.name})

	case page.ActionConfirm:
		if _, err := m.client.AddToDNP(ctx, oracle.ArtistInfo{Name: rec.name, ExternalID: rec.ext}); err != nil {
			m.logger.Warn("overlay: confirm failed", "artist", rec.name, "error", err)
		}
	}
}

// Release removes suppression from a single element instance.
func (m *Manager) Release(id dom.ID) {
	m.mu.Lock()
	rec, ok := m.active[id]
	delete(m.active, id)
	m.mu.Unlock()
	if !ok {
		return
	}
	m.teardownEffects(id, rec)
}

// ReleaseEntity removes suppression from every element referring to the same
// candidate identity, and clears their blocked marks.
func (m *Manager) ReleaseEntity(key string) {
	m.mu.Lock()
	var ids []dom.ID
	var recs []*record
	for id, rec := range m.active {
		if rec.key == key {
			ids = append(ids, id)
			recs = append(recs, rec)
			delete(m.active, id)
		}
	}
	m.mu.Unlock()

	for i, id := range ids {
		m.teardownEffects(id, recs[i])
		m.tracker.Unblock(id)
	}
}

func (m *Manager) teardownEffects(id dom.ID, rec *record) {
	if err := m.actor.RemoveOverlay(id); err != nil {
		m.logger.Debug("overlay: remove failed", "element", id, "error", err)
	}
	if err := m.actor.ClearMute(id); err != nil {
		m.logger.Debug("overlay: unmute failed", "element", id, "error", err)
	}
	if rec.rowDisabled {
		if err := m.actor.EnableRowControls(id, m.rowCtl); err != nil {
			m.logger.Debug("overlay: re-enable controls failed", "element", id, "error", err)
		}
	}
}

// RecomputePositions runs one position-tracking cycle: overlays whose
// elements still have a layout box are moved; overlays whose elements are
// detached are torn down and their listeners released. Returns how many
// overlays were torn down.
func (m *Manager) RecomputePositions() int {
	m.mu.Lock()
	ids := make([]dom.ID, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	torn := 0
	for _, id := range ids {
		box, ok := m.actor.ElementBox(id)
		if !ok {
			m.mu.Lock()
			rec := m.active[id]
			delete(m.active, id)
			m.mu.Unlock()
			if rec != nil {
				if err := m.actor.RemoveOverlay(id); err != nil {
					m.logger.Debug("overlay: remove on detach failed", "element", id, "error", err)
				}
				torn++
			}
			continue
		}
		if err := m.actor.MoveOverlay(id, box); err != nil {
			m.logger.Debug("overlay: move failed", "element", id, "error", err)
		}
	}
	if torn > 0 {
		m.logger.Debug("overlay: detached overlays torn down", "count", torn)
	}
	return torn
}

// Teardown releases every active suppression, returning the page to its
// unmodified state. Part of engine Stop.
func (m *Manager) Teardown() {
	m.mu.Lock()
	active := m.active
	m.active = make(map[dom.ID]*record)
	m.mu.Unlock()

	for id, rec := range active {
		m.teardownEffects(id, rec)
	}
}

// ActiveCount returns the number of live suppressions.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Export lists the active suppressions as export artists, deduplicated by
// candidate identity.
func (m *Manager) Export() []oracle.ExportArtist {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]bool, len(m.active))
	var out []oracle.ExportArtist
	for _, rec := range m.active {
		if seen[rec.key] {
			continue
		}
		seen[rec.key] = true
		out = append(out, oracle.ExportArtist{Name: rec.name, ExternalID: rec.ext})
	}
	return out
}

// DebugState dumps the active suppressions as JSON for diagnostics.
func (m *Manager) DebugState() json.RawMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	type entry struct {
		ID   dom.ID `json:"id"`
		Key  string `json:"key"`
		Name string `json:"name"`
	}
	entries := make([]entry, 0, len(m.active))
	for id, rec := range m.active {
		entries = append(entries, entry{ID: id, Key: rec.key, Name: rec.name})
	}
	data, _ := json.Marshal(entries)
	return data
}
