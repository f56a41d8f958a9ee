package guard_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/hazyhaar/dnpguard/bus"
	"github.com/hazyhaar/dnpguard/extract"
	"github.com/hazyhaar/dnpguard/guard"
	"github.com/hazyhaar/dnpguard/oracle"
	"github.com/hazyhaar/dnpguard/page"
	"github.com/hazyhaar/dnpguard/platform"
)

const (
	nextSel  = "button.next"
	pauseSel = "button.pause"
)

type playing struct {
	cand  *extract.Candidate
	title string
}

type harness struct {
	g       *guard.Guard
	actor   *page.Fake
	now     *playing
	blocked map[string]bool
	logged  []oracle.Action
}

func newHarness(t *testing.T, pol platform.Policy) *harness {
	t.Helper()
	h := &harness{
		actor:   page.NewFake(),
		now:     &playing{},
		blocked: map[string]bool{},
	}
	h.actor.Usable[nextSel] = true
	h.actor.Usable[pauseSel] = true

	router := bus.New()
	router.RegisterLocal(oracle.SvcCheckArtistBlocked, func(_ context.Context, payload []byte) ([]byte, error) {
		var req oracle.CheckRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		return json.Marshal(oracle.CheckResponse{Blocked: h.blocked[req.Artist.Name]})
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
	h.g = guard.New(h.actor, client,
		func() (*extract.Candidate, string) { return h.now.cand, h.now.title },
		guard.WithControls(nextSel, pauseSel),
		guard.WithPolicy(pol),
	)
	return h
}

func (h *harness) play(name, id, title string) {
	h.now.cand = &extract.Candidate{Name: name, ExternalID: id, Source: "now_playing"}
	h.now.title = title
}

func fastPolicy() platform.Policy {
	return platform.Policy{
		SkipDelay:    time.Millisecond,
		SkipCeiling:  3,
		SkipCooldown: time.Minute,
		TrackCheck:   time.Minute,
	}
}

func TestSkipsBlockedTrack(t *testing.T) {
	h := newHarness(t, fastPolicy())
	h.blocked["Jane Doe"] = true
	h.play("Jane Doe", "12345", "Song A")

	if got := h.g.Check(context.Background()); got != guard.OutcomeSkipped {
		t.Fatalf("outcome = %v, want skipped", got)
	}
	if h.actor.ClickCount(nextSel) != 1 {
		t.Fatalf("next clicks = %d, want 1", h.actor.ClickCount(nextSel))
	}
	if len(h.actor.Notices) != 1 || h.actor.Notices[0].Kind != "skipped" {
		t.Fatalf("notices = %+v", h.actor.Notices)
	}
	if len(h.logged) != 1 || h.logged[0].Type != "skip" {
		t.Fatalf("logged actions = %+v", h.logged)
	}
	if h.g.State() != guard.StateIdle {
		t.Fatalf("state = %v, want idle after check", h.g.State())
	}
}

func TestNotBlockedDoesNothing(t *testing.T) {
	h := newHarness(t, fastPolicy())
	h.play("Fresh Artist", "", "Song B")

	if got := h.g.Check(context.Background()); got != guard.OutcomeNone {
		t.Fatalf("outcome = %v, want none", got)
	}
	if len(h.actor.Clicks) != 0 {
		t.Fatal("unblocked track must not trigger controls")
	}
}

func TestFailOpenWhenOracleUnavailable(t *testing.T) {
	h := newHarness(t, fastPolicy())
	h.play("Jane Doe", "12345", "Song A")

	// No handler answers membership checks.
	router := bus.New()
	client := oracle.NewClient(router, "testwave")
	g := guard.New(h.actor, client,
		func() (*extract.Candidate, string) { return h.now.cand, h.now.title },
		guard.WithControls(nextSel, pauseSel),
		guard.WithPolicy(fastPolicy()),
	)

	if got := g.Check(context.Background()); got != guard.OutcomeNone {
		t.Fatalf("outcome = %v, want none on oracle failure", got)
	}
	if len(h.actor.Clicks) != 0 {
		t.Fatal("fail-open must not touch playback")
	}
}

func TestDuplicateEventSkipsOnce(t *testing.T) {
	h := newHarness(t, fastPolicy())
	h.blocked["Jane Doe"] = true
	h.play("Jane Doe", "12345", "Song A")
	ctx := context.Background()

	if got := h.g.Check(ctx); got != guard.OutcomeSkipped {
		t.Fatalf("first outcome = %v", got)
	}
	if got := h.g.Check(ctx); got != guard.OutcomeDuplicate {
		t.Fatalf("second outcome = %v, want duplicate", got)
	}
	if h.actor.ClickCount(nextSel) != 1 {
		t.Fatalf("next clicks = %d, want 1", h.actor.ClickCount(nextSel))
	}
}

func TestOverlappingTriggersSkipOnce(t *testing.T) {
	pol := fastPolicy()
	pol.SkipDelay = 50 * time.Millisecond
	h := newHarness(t, pol)
	h.blocked["Jane Doe"] = true
	h.play("Jane Doe", "12345", "Song A")
	ctx := context.Background()

	// Ticker and media event firing together for the same track: the second
	// trigger lands during the first cycle's pre-skip delay.
	outcomes := make(chan guard.Outcome, 2)
	go func() { outcomes <- h.g.Check(ctx) }()
	time.Sleep(10 * time.Millisecond)
	go func() { outcomes <- h.g.Check(ctx) }()

	got := map[guard.Outcome]int{}
	got[<-outcomes]++
	got[<-outcomes]++

	if got[guard.OutcomeSkipped] != 1 || got[guard.OutcomeDuplicate] != 1 {
		t.Fatalf("outcomes = %v, want one skipped and one duplicate", got)
	}
	if h.actor.ClickCount(nextSel) != 1 {
		t.Fatalf("next clicks = %d, want 1", h.actor.ClickCount(nextSel))
	}
}

func TestCeilingStopsSkipping(t *testing.T) {
	pol := fastPolicy()
	pol.SkipCeiling = 2
	h := newHarness(t, pol)
	h.blocked["Jane Doe"] = true
	ctx := context.Background()

	h.play("Jane Doe", "12345", "Song A")
	h.g.Check(ctx)
	h.play("Jane Doe", "12345", "Song B")
	h.g.Check(ctx)
	h.play("Jane Doe", "12345", "Song C")

	if got := h.g.Check(ctx); got != guard.OutcomeCeiling {
		t.Fatalf("outcome at ceiling = %v", got)
	}
	if h.actor.ClickCount(nextSel) != 2 {
		t.Fatalf("next clicks = %d, want 2", h.actor.ClickCount(nextSel))
	}
	last := h.actor.Notices[len(h.actor.Notices)-1]
	if last.Kind != "ceiling" {
		t.Fatalf("last notice = %+v, want ceiling", last)
	}
}

func TestCooldownReopensSkipBudget(t *testing.T) {
	pol := fastPolicy()
	pol.SkipCeiling = 1
	pol.SkipCooldown = 20 * time.Millisecond
	h := newHarness(t, pol)
	h.blocked["Jane Doe"] = true
	ctx := context.Background()

	h.play("Jane Doe", "12345", "Song A")
	if got := h.g.Check(ctx); got != guard.OutcomeSkipped {
		t.Fatalf("first outcome = %v", got)
	}
	h.play("Jane Doe", "12345", "Song B")
	if got := h.g.Check(ctx); got != guard.OutcomeCeiling {
		t.Fatalf("at-ceiling outcome = %v", got)
	}

	time.Sleep(30 * time.Millisecond)
	h.play("Jane Doe", "12345", "Song C")
	if got := h.g.Check(ctx); got != guard.OutcomeSkipped {
		t.Fatalf("post-cooldown outcome = %v, want skipped", got)
	}
}

func TestPauseFallbackWhenNextUnusable(t *testing.T) {
	h := newHarness(t, fastPolicy())
	h.actor.Usable[nextSel] = false
	h.blocked["Jane Doe"] = true
	h.play("Jane Doe", "12345", "Song A")

	if got := h.g.Check(context.Background()); got != guard.OutcomePaused {
		t.Fatalf("outcome = %v, want paused", got)
	}
	if h.actor.ClickCount(pauseSel) != 1 || h.actor.ClickCount(nextSel) != 0 {
		t.Fatalf("clicks = %v", h.actor.Clicks)
	}
	if h.actor.Notices[len(h.actor.Notices)-1].Kind != "paused" {
		t.Fatalf("notices = %+v", h.actor.Notices)
	}
}

func TestPauseFallbackWhenNextClickFails(t *testing.T) {
	h := newHarness(t, fastPolicy())
	h.actor.FailClicks[nextSel] = true
	h.blocked["Jane Doe"] = true
	h.play("Jane Doe", "12345", "Song A")

	if got := h.g.Check(context.Background()); got != guard.OutcomePaused {
		t.Fatalf("outcome = %v, want paused after failed next", got)
	}
	if h.actor.ClickCount(pauseSel) != 1 {
		t.Fatalf("pause clicks = %d, want 1", h.actor.ClickCount(pauseSel))
	}
}

func TestControlWordNowPlayingIgnored(t *testing.T) {
	h := newHarness(t, fastPolicy())
	h.blocked["Play"] = true
	h.play("Play", "", "Song A")

	if got := h.g.Check(context.Background()); got != guard.OutcomeNone {
		t.Fatalf("outcome = %v, want none for control-word name", got)
	}
}

func TestResetClearsDuplicateGateOnly(t *testing.T) {
	pol := fastPolicy()
	pol.SkipCeiling = 1
	h := newHarness(t, pol)
	h.blocked["Jane Doe"] = true
	ctx := context.Background()

	h.play("Jane Doe", "12345", "Song A")
	h.g.Check(ctx)
	h.g.Reset()

	// Same track again after navigation: no longer a duplicate, but the
	// ceiling still holds.
	if got := h.g.Check(ctx); got != guard.OutcomeCeiling {
		t.Fatalf("outcome = %v, want ceiling after reset", got)
	}
}
