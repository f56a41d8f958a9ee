// Package guard auto-advances or pauses playback when the currently playing
// artist is blocked.
//
// The guard is a single-instance state machine (Idle, Checking, Skipping,
// Pausing) driven by a periodic check tick and by media-event triggers fed in
// from the session. Loop containment is its reason to exist: a per-track
// duplicate gate, a hard ceiling on consecutive skips and a cooldown that
// resets the counter keep radio-style hosts from driving an unbounded skip
// loop.
package guard

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/dnpguard/extract"
	"github.com/hazyhaar/dnpguard/oracle"
	"github.com/hazyhaar/dnpguard/page"
	"github.com/hazyhaar/dnpguard/platform"
)

// State is the guard's current phase.
type State string

const (
	StateIdle     State = "idle"
	StateChecking State = "checking"
	StateSkipping State = "skipping"
	StatePausing  State = "pausing"
)

// Outcome reports what one check cycle did.
type Outcome string

const (
	OutcomeNone      Outcome = "none"      // nothing playing, or not blocked
	OutcomeSkipped   Outcome = "skipped"   // next control clicked
	OutcomePaused    Outcome = "paused"    // pause fallback clicked
	OutcomeDuplicate Outcome = "duplicate" // same track already handled
	OutcomeCeiling   Outcome = "ceiling"   // skip ceiling reached, no action
)

// NowPlayingFunc extracts the currently playing candidate and its best-effort
// track title. Returns nil when nothing is playing or extraction misses.
type NowPlayingFunc func() (*extract.Candidate, string)

// Guard is the playback state machine. One instance per engine.
type Guard struct {
	actor      page.Actor
	client     *oracle.Client
	nowPlaying NowPlayingFunc
	policy     platform.Policy
	nextSel    string
	pauseSel   string
	logger     *slog.Logger

	mu             sync.Mutex
	state          State
	inFlight       bool
	lastHandledKey string
	skipAttempts   int
	resetAt        time.Time
}

// Option configures a Guard.
type Option func(*Guard)

// WithControls sets the selectors for the next and pause controls.
func WithControls(next, pause string) Option {
	return func(g *Guard) {
		g.nextSel = next
		g.pauseSel = pause
	}
}

// WithPolicy overrides the timing and containment knobs.
func WithPolicy(p platform.Policy) Option {
	return func(g *Guard) { g.policy = p }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Guard) { g.logger = l }
}

// New creates a Guard.
func New(actor page.Actor, client *oracle.Client, nowPlaying NowPlayingFunc, opts ...Option) *Guard {
	g := &Guard{
		actor:      actor,
		client:     client,
		nowPlaying: nowPlaying,
		logger:     slog.Default(),
		state:      StateIdle,
	}
	g.policy = platform.Policy{
		SkipDelay:    time.Second,
		SkipCeiling:  3,
		SkipCooldown: 30 * time.Second,
		TrackCheck:   5 * time.Second,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// State returns the current phase.
func (g *Guard) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

func (g *Guard) setState(s State) {
	g.mu.Lock()
	g.state = s
	g.mu.Unlock()
}

// Reset clears the per-track state, usually on navigation. The skip counter
// is kept: a route change must not reopen the skip budget mid-cooldown.
func (g *Guard) Reset() {
	g.mu.Lock()
	g.lastHandledKey = ""
	g.mu.Unlock()
}

// Run drives periodic checks until the context is cancelled. Media-event
// triggers call Check directly in addition to this loop.
func (g *Guard) Run(ctx context.Context) {
	ticker := time.NewTicker(g.policy.TrackCheck)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Check(ctx)
		}
	}
}

// Check runs one cycle: extract now playing, validate, query membership, and
// if blocked either skip (below the ceiling), pause (no usable next control)
// or hold (duplicate or ceiling).
func (g *Guard) Check(ctx context.Context) Outcome {
	// Cycles include a deliberate pre-skip sleep, and triggers arrive from
	// both the ticker and media events. Overlapping cycles would pass the
	// duplicate gate together and double-drive the controls, so only one
	// cycle runs at a time; concurrent triggers collapse into it.
	g.mu.Lock()
	if g.inFlight {
		g.mu.Unlock()
		return OutcomeDuplicate
	}
	g.inFlight = true
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		g.inFlight = false
		g.mu.Unlock()
	}()

	g.setState(StateChecking)
	defer g.setState(StateIdle)

	cand, title := g.nowPlaying()
	if cand == nil || !extract.Valid(cand) {
		return OutcomeNone
	}
	if !g.client.IsBlocked(ctx, oracle.ArtistInfo{Name: cand.Name, ExternalID: cand.ExternalID}) {
		return OutcomeNone
	}

	key := trackKey(cand, title)

	g.mu.Lock()
	if key == g.lastHandledKey {
		g.mu.Unlock()
		return OutcomeDuplicate
	}
	now := time.Now()
	if g.skipAttempts > 0 && now.After(g.resetAt) {
		g.skipAttempts = 0
	}
	atCeiling := g.skipAttempts >= g.policy.SkipCeiling
	g.mu.Unlock()

	if atCeiling {
		g.logger.Info("guard: skip ceiling reached, holding", "artist", cand.Name)
		g.notify("ceiling", "Blocked track playing; automatic skipping paused")
		return OutcomeCeiling
	}

	if g.nextSel != "" && g.actor.ControlUsable(g.nextSel) {
		return g.skip(ctx, cand, key)
	}
	return g.pause(ctx, cand, key)
}

func (g *Guard) skip(ctx context.Context, cand *extract.Candidate, key string) Outcome {
	g.setState(StateSkipping)

	// Deliberate delay so the skip reads as a user interaction.
	if err := sleep(ctx, g.policy.SkipDelay); err != nil {
		return OutcomeNone
	}
	if err := g.actor.Click(g.nextSel); err != nil {
		g.logger.Warn("guard: next control failed, falling back to pause",
			"artist", cand.Name, "error", err)
		return g.pause(ctx, cand, key)
	}

	g.mu.Lock()
	g.lastHandledKey = key
	g.skipAttempts++
	g.resetAt = time.Now().Add(g.policy.SkipCooldown)
	attempts := g.skipAttempts
	g.mu.Unlock()

	g.logger.Info("guard: skipped blocked track", "artist", cand.Name, "attempts", attempts)
	g.notify("skipped", "Skipped track by "+cand.Name)
	g.client.LogAction(ctx, "skip", map[string]string{"artist": cand.Name})
	return OutcomeSkipped
}

func (g *Guard) pause(ctx context.Context, cand *extract.Candidate, key string) Outcome {
	g.setState(StatePausing)

	if g.pauseSel == "" {
		g.notify("error", "Blocked track playing and no usable controls")
		return OutcomeNone
	}
	if err := g.actor.Click(g.pauseSel); err != nil {
		g.logger.Warn("guard: pause control failed", "artist", cand.Name, "error", err)
		g.notify("error", "Blocked track playing; could not pause")
		return OutcomeNone
	}

	g.mu.Lock()
	g.lastHandledKey = key
	g.mu.Unlock()

	g.logger.Info("guard: paused playback of blocked track", "artist", cand.Name)
	g.notify("paused", "Paused: track by "+cand.Name+" is blocked")
	g.client.LogAction(ctx, "pause", map[string]string{"artist": cand.Name})
	return OutcomePaused
}

func (g *Guard) notify(kind, text string) {
	if err := g.actor.Notify(page.Notice{Kind: kind, Text: text}); err != nil {
		g.logger.Debug("guard: notify failed", "kind", kind, "error", err)
	}
}

// trackKey is the duplicate-suppression identity: entity key plus best-effort
// title, so two media events for the same track collapse into one action.
func trackKey(cand *extract.Candidate, title string) string {
	if title == "" {
		return cand.Key()
	}
	return cand.Key() + "|" + title
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
