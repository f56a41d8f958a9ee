package overlay_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/hazyhaar/dnpguard/bus"
	"github.com/hazyhaar/dnpguard/dom"
	"github.com/hazyhaar/dnpguard/extract"
	"github.com/hazyhaar/dnpguard/oracle"
	"github.com/hazyhaar/dnpguard/overlay"
	"github.com/hazyhaar/dnpguard/page"
	"github.com/hazyhaar/dnpguard/track"
)

const rowControls = "button.row-play"

type harness struct {
	mgr     *overlay.Manager
	actor   *page.Fake
	tracker *track.Tracker
	doc     *dom.Document

	removeOK bool
	removed  []oracle.ArtistInfo
	added    []oracle.ArtistInfo
	logged   []oracle.Action
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	doc := dom.MustParse(`<html><head></head><body>
		<div class="track_row"><a href="/artist/12345">Jane Doe</a><button class="row-play"></button></div>
		<div class="track_row"><a href="/artist/12345">Jane Doe</a></div>
	</body></html>`)

	h := &harness{actor: page.NewFake(), doc: doc, removeOK: true}
	h.tracker = track.New(doc.Attached, nil)

	router := bus.New()
	router.RegisterLocal(oracle.SvcRemoveFromDNP, func(_ context.Context, payload []byte) ([]byte, error) {
		var req oracle.ChangeRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		h.removed = append(h.removed, req.Artist)
		return json.Marshal(oracle.ChangeResponse{Success: h.removeOK})
	})
	router.RegisterLocal(oracle.SvcAddToDNP, func(_ context.Context, payload []byte) ([]byte, error) {
		var req oracle.ChangeRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		h.added = append(h.added, req.Artist)
		return json.Marshal(oracle.ChangeResponse{Success: true})
	})
	router.RegisterLocal(oracle.SvcLogAction, func(_ context.Context, payload []byte) ([]byte, error) {
		var req oracle.LogRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		h.logged = append(h.logged, req.Action)
		return []byte(`{}`), nil
	})

	client := oracle.NewClient(router, "testwave")
	h.mgr = overlay.New(h.actor, h.tracker, client, overlay.WithRowControls(rowControls))
	return h
}

func (h *harness) rows(t *testing.T) []*extract.Candidate {
	t.Helper()
	els := h.doc.Root().QueryAll("div.track_row")
	if len(els) != 2 {
		t.Fatalf("fixture rows = %d, want 2", len(els))
	}
	var cands []*extract.Candidate
	for _, el := range els {
		cands = append(cands, &extract.Candidate{
			Name:       "Jane Doe",
			ExternalID: "12345",
			Source:     "href",
			Element:    el,
			IsTrackRow: true,
		})
	}
	return cands
}

func (h *harness) loggedTypes() []string {
	var out []string
	for _, a := range h.logged {
		out = append(out, a.Type)
	}
	return out
}

func TestSuppressIsIdempotent(t *testing.T) {
	h := newHarness(t)
	cand := h.rows(t)[0]
	ctx := context.Background()

	h.mgr.Suppress(ctx, cand)
	h.mgr.Suppress(ctx, cand)

	id := cand.Element.ID()
	if len(h.actor.Overlays) != 1 {
		t.Fatalf("overlays = %d, want 1", len(h.actor.Overlays))
	}
	if !h.actor.Muted[id] {
		t.Fatal("element not muted")
	}
	if h.actor.Disabled[id] != rowControls {
		t.Fatalf("row controls not disabled: %q", h.actor.Disabled[id])
	}
	if got := h.loggedTypes(); len(got) != 1 || got[0] != "suppress" {
		t.Fatalf("logged actions = %v, want one suppress", got)
	}
	ov := h.actor.Overlays[id]
	if !strings.Contains(ov.Label, "Jane Doe") {
		t.Fatalf("overlay label %q missing artist name", ov.Label)
	}
	if len(ov.Actions) != 3 {
		t.Fatalf("overlay actions = %v, want three", ov.Actions)
	}
}

func TestSuppressSanitisesName(t *testing.T) {
	h := newHarness(t)
	cand := h.rows(t)[0]
	cand.Name = `<script>alert(1)</script>Jane`

	h.mgr.Suppress(context.Background(), cand)

	ov := h.actor.Overlays[cand.Element.ID()]
	if strings.ContainsAny(ov.Label, "<>") {
		t.Fatalf("overlay label not sanitised: %q", ov.Label)
	}
	if !strings.Contains(ov.Label, "Jane") {
		t.Fatalf("overlay label lost the name: %q", ov.Label)
	}
}

func TestRawNameIsTheIdentityNotTheSanitisedForm(t *testing.T) {
	h := newHarness(t)
	cand := h.rows(t)[0]
	cand.Name = "Simon & Garfunkel"
	cand.ExternalID = ""
	ctx := context.Background()

	h.mgr.Suppress(ctx, cand)

	// Only the rendered label is sanitised; the identity placed in the export
	// and sent to the collaborator must stay byte-identical to the extracted
	// name, or removal misses the stored row.
	got := h.mgr.Export()
	if len(got) != 1 || got[0].Name != "Simon & Garfunkel" {
		t.Fatalf("export = %+v, want raw name", got)
	}

	h.mgr.HandleAction(ctx, cand.Element.ID(), page.ActionUnblock)
	if len(h.removed) != 1 || h.removed[0].Name != "Simon & Garfunkel" {
		t.Fatalf("remove requests = %+v, want raw name", h.removed)
	}
}

func TestAllowOnceReleasesSingleElement(t *testing.T) {
	h := newHarness(t)
	cands := h.rows(t)
	ctx := context.Background()
	h.mgr.Suppress(ctx, cands[0])
	h.mgr.Suppress(ctx, cands[1])

	id0, id1 := cands[0].Element.ID(), cands[1].Element.ID()
	h.mgr.HandleAction(ctx, id0, page.ActionAllowOnce)

	if _, ok := h.actor.Overlays[id0]; ok {
		t.Fatal("released overlay still installed")
	}
	if _, ok := h.actor.Overlays[id1]; !ok {
		t.Fatal("sibling overlay must survive allow-once")
	}
	if h.actor.Muted[id0] {
		t.Fatal("released element still muted")
	}
	if _, ok := h.actor.Disabled[id0]; ok {
		t.Fatal("row controls not re-enabled")
	}
	if h.tracker.IsBlocked(id0) || !h.tracker.IsBlocked(id1) {
		t.Fatal("tracker state wrong after allow-once")
	}
	if h.mgr.ActiveCount() != 1 {
		t.Fatalf("active = %d, want 1", h.mgr.ActiveCount())
	}
}

func TestUnblockReleasesWholeEntity(t *testing.T) {
	h := newHarness(t)
	cands := h.rows(t)
	ctx := context.Background()
	h.mgr.Suppress(ctx, cands[0])
	h.mgr.Suppress(ctx, cands[1])

	h.mgr.HandleAction(ctx, cands[0].Element.ID(), page.ActionUnblock)

	if len(h.removed) != 1 || h.removed[0].ExternalID != "12345" {
		t.Fatalf("remove requests = %+v", h.removed)
	}
	if h.mgr.ActiveCount() != 0 {
		t.Fatalf("active = %d, want 0 after entity unblock", h.mgr.ActiveCount())
	}
	if len(h.actor.Overlays) != 0 || len(h.actor.Muted) != 0 {
		t.Fatal("page effects not reversed for all entity elements")
	}
	for _, c := range cands {
		if h.tracker.IsBlocked(c.Element.ID()) {
			t.Fatal("tracker still blocks an unblocked entity element")
		}
	}
}

func TestUnblockRejectedKeepsSuppression(t *testing.T) {
	h := newHarness(t)
	h.removeOK = false
	cand := h.rows(t)[0]
	ctx := context.Background()
	h.mgr.Suppress(ctx, cand)

	h.mgr.HandleAction(ctx, cand.Element.ID(), page.ActionUnblock)

	if h.mgr.ActiveCount() != 1 {
		t.Fatal("rejected unblock must leave the suppression in place")
	}
	if len(h.actor.Overlays) != 1 {
		t.Fatal("overlay removed despite rejected unblock")
	}
}

func TestConfirmReportsToCollaborator(t *testing.T) {
	h := newHarness(t)
	cand := h.rows(t)[0]
	ctx := context.Background()
	h.mgr.Suppress(ctx, cand)

	h.mgr.HandleAction(ctx, cand.Element.ID(), page.ActionConfirm)

	if len(h.added) != 1 || h.added[0].ExternalID != "12345" {
		t.Fatalf("add requests = %+v", h.added)
	}
	if h.mgr.ActiveCount() != 1 {
		t.Fatal("confirm must keep the suppression")
	}
}

func TestRecomputeTearsDownDetached(t *testing.T) {
	h := newHarness(t)
	cands := h.rows(t)
	ctx := context.Background()
	h.mgr.Suppress(ctx, cands[0])
	h.mgr.Suppress(ctx, cands[1])

	id0, id1 := cands[0].Element.ID(), cands[1].Element.ID()
	h.actor.Boxes[id0] = page.Box{X: 10, Y: 20, W: 300, H: 40}
	// id1 has no box: detached from the render tree.

	if torn := h.mgr.RecomputePositions(); torn != 1 {
		t.Fatalf("torn = %d, want 1", torn)
	}
	if h.actor.Moves[id0] != 1 {
		t.Fatalf("moves for live overlay = %d, want 1", h.actor.Moves[id0])
	}
	if _, ok := h.actor.Overlays[id1]; ok {
		t.Fatal("detached overlay not removed")
	}
	if h.mgr.ActiveCount() != 1 {
		t.Fatalf("active = %d, want 1", h.mgr.ActiveCount())
	}
}

func TestTeardownReversesEverything(t *testing.T) {
	h := newHarness(t)
	cands := h.rows(t)
	ctx := context.Background()
	h.mgr.Suppress(ctx, cands[0])
	h.mgr.Suppress(ctx, cands[1])

	h.mgr.Teardown()

	if h.mgr.ActiveCount() != 0 {
		t.Fatal("active suppressions survived teardown")
	}
	if len(h.actor.Overlays) != 0 || len(h.actor.Muted) != 0 || len(h.actor.Disabled) != 0 {
		t.Fatalf("page effects survived teardown: %d overlays, %d muted, %d disabled",
			len(h.actor.Overlays), len(h.actor.Muted), len(h.actor.Disabled))
	}
}

func TestExportDeduplicatesByEntity(t *testing.T) {
	h := newHarness(t)
	cands := h.rows(t)
	ctx := context.Background()
	h.mgr.Suppress(ctx, cands[0])
	h.mgr.Suppress(ctx, cands[1])

	got := h.mgr.Export()
	if len(got) != 1 {
		t.Fatalf("export = %+v, want one deduplicated artist", got)
	}
	if got[0].Name != "Jane Doe" || got[0].ExternalID != "12345" {
		t.Fatalf("export entry = %+v", got[0])
	}
}
