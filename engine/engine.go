// Package engine orchestrates the detection and enforcement pipeline for one
// page on one platform.
//
// The engine owns the in-memory page model and every per-element state
// object. Work arrives as mutation batches and navigation signals from a
// mutation source (the live session or test fixtures); each element flows
// strictly through extract, validate, tracker gate, membership check and
// enforcement, in that order. Across elements there is no ordering guarantee.
// All page side effects go through the page.Actor handed in at construction.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/dnpguard/actionq"
	"github.com/hazyhaar/dnpguard/dom"
	"github.com/hazyhaar/dnpguard/extract"
	"github.com/hazyhaar/dnpguard/guard"
	"github.com/hazyhaar/dnpguard/mutation"
	"github.com/hazyhaar/dnpguard/oracle"
	"github.com/hazyhaar/dnpguard/overlay"
	"github.com/hazyhaar/dnpguard/page"
	"github.com/hazyhaar/dnpguard/platform"
	"github.com/hazyhaar/dnpguard/track"
)

// Engine runs the pipeline for one page. One instance per adapter, with an
// explicit Start/Stop lifecycle; nothing is shared across engines.
type Engine struct {
	cfg    *platform.Config
	actor  page.Actor
	client *oracle.Client
	logger *slog.Logger

	chain    *extract.Chain
	tracker  *track.Tracker
	overlays *overlay.Manager
	guard    *guard.Guard
	queue    *actionq.Q
	scanSel  string

	mu      sync.Mutex
	doc     *dom.Document
	pageURL string
	lastSeq uint64

	runCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithQueue attaches an action queue for secondary page actions. Without one
// the engine only suppresses and guards playback.
func WithQueue(q *actionq.Q) Option {
	return func(e *Engine) { e.queue = q }
}

// WithStrategies prepends platform-specific extraction strategies ahead of
// the generic chain.
func WithStrategies(strategies ...extract.Strategy) Option {
	return func(e *Engine) {
		e.chain = extract.NewChain(e.cfg, strategies...)
	}
}

// New builds an Engine. The config is normalized here and must not change
// afterwards.
func New(cfg *platform.Config, actor page.Actor, client *oracle.Client, opts ...Option) (*Engine, error) {
	if err := cfg.Normalize(); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	e := &Engine{
		cfg:    cfg,
		actor:  actor,
		client: client,
		logger: slog.Default(),
	}
	e.chain = extract.NewChain(cfg)
	for _, o := range opts {
		o(e)
	}

	e.scanSel = scanSelector(cfg)
	e.tracker = track.New(e.attached, cfg.WatchedAttrs)
	e.overlays = overlay.New(actor, e.tracker, client,
		overlay.WithRowControls(cfg.Control(platform.CtlRowPlay)),
		overlay.WithLogger(e.logger),
	)
	e.guard = guard.New(actor, client, e.nowPlaying,
		guard.WithControls(cfg.Control(platform.CtlNext), cfg.Control(platform.CtlPause)),
		guard.WithPolicy(cfg.Policy),
		guard.WithLogger(e.logger),
	)
	return e, nil
}

// attached reports element liveness against the current page model. Used by
// the tracker's sweep.
func (e *Engine) attached(id dom.ID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.doc != nil && e.doc.Attached(id)
}

// LoadSnapshot replaces the page model with a full-page HTML snapshot and
// runs a full scan over it.
func (e *Engine) LoadSnapshot(ctx context.Context, snapshot []byte, url string) error {
	doc, err := dom.Parse(snapshot)
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.doc = doc
	e.pageURL = url
	e.scan(ctx, doc.Root(), false)
	return nil
}

// Start launches the background loops: playback guard, action queue drain,
// state sweep and overlay position tracking. Idempotent Start is an error;
// call Stop first.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return fmt.Errorf("engine: already started")
	}
	e.started = true
	e.runCtx, e.cancel = context.WithCancel(ctx)
	e.mu.Unlock()

	pol := e.cfg.Policy

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.guard.Run(e.runCtx)
	}()

	if e.queue != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.queue.Run(e.runCtx, e.performAction)
		}()
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.tick(e.runCtx, pol.SweepInterval, func() {
			if n := e.tracker.Sweep(); n > 0 {
				e.logger.Debug("engine: swept detached state", "entries", n)
			}
		})
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.tick(e.runCtx, pol.PositionTick, func() {
			e.overlays.RecomputePositions()
		})
	}()

	e.logger.Info("engine: started", "platform", e.cfg.Platform)
	return nil
}

func (e *Engine) tick(ctx context.Context, every time.Duration, fn func()) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

// Stop tears the engine down and returns the page to its unmodified state:
// timers cancelled, overlays and style effects removed, pending queue actions
// discarded. The mutation source is stopped by its owner (the session).
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	cancel := e.cancel
	e.mu.Unlock()

	cancel()
	e.wg.Wait()
	e.overlays.Teardown()
	if e.queue != nil {
		if err := e.queue.Purge(context.Background()); err != nil {
			e.logger.Warn("engine: queue purge failed", "error", err)
		}
	}
	e.logger.Info("engine: stopped", "platform", e.cfg.Platform)
}

// ApplyBatch feeds one debounced mutation batch through the model and the
// pipeline. Batches with a stale sequence number are dropped.
func (e *Engine) ApplyBatch(ctx context.Context, b *mutation.Batch) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if b.Seq != 0 && b.Seq <= e.lastSeq {
		e.logger.Debug("engine: stale batch dropped", "seq", b.Seq, "last", e.lastSeq)
		return
	}
	if b.Seq != 0 {
		e.lastSeq = b.Seq
	}
	if b.PageURL != "" {
		e.pageURL = b.PageURL
	}

	for _, rec := range b.Records {
		e.applyRecord(ctx, rec)
	}
}

func (e *Engine) applyRecord(ctx context.Context, rec mutation.Record) {
	if rec.Op == mutation.OpDocReset {
		doc, err := dom.Parse([]byte(rec.HTML))
		if err != nil {
			e.logger.Warn("engine: bad doc_reset snapshot", "error", err)
			return
		}
		e.doc = doc
		e.scan(ctx, doc.Root(), false)
		return
	}
	if e.doc == nil {
		return
	}

	touched := e.doc.Apply(rec)

	// A watched attribute changing on a processed element reopens its
	// pipeline: SPAs relabel reused nodes instead of replacing them.
	if (rec.Op == mutation.OpAttr || rec.Op == mutation.OpAttrDel) && e.tracker.WatchedAttr(rec.Name) {
		for _, el := range touched {
			e.tracker.Invalidate(el.ID())
		}
	}

	for _, el := range touched {
		e.scan(ctx, el, false)
	}
}

// Navigate handles a client-side navigation signal: reset the guard's
// duplicate gate and schedule a full rescan after the settle delay, because
// routers replace content asynchronously after the signal fires.
func (e *Engine) Navigate(sig mutation.NavSignal) {
	e.guard.Reset()
	e.logger.Debug("engine: navigation", "kind", sig.Kind, "url", sig.URL)

	e.mu.Lock()
	if sig.URL != "" {
		e.pageURL = sig.URL
	}
	if !e.started {
		e.mu.Unlock()
		return
	}
	ctx := e.runCtx
	e.wg.Add(1)
	e.mu.Unlock()
	go func() {
		defer e.wg.Done()
		t := time.NewTimer(e.cfg.Policy.SettleDelay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			e.FullScan(ctx)
		}
	}()
}

// FullScan runs the pipeline over the entire current page model. Unlike the
// per-mutation scans, a full rescan re-opens every element that is not
// currently suppressed: allow-once releases become re-suppressible, and
// membership changes since the last pass are picked up. Suppressed elements
// stay as they are; Suppress is idempotent anyway.
func (e *Engine) FullScan(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.doc == nil {
		return
	}
	e.scan(ctx, e.doc.Root(), true)
}

// MediaEvent triggers an immediate playback check, in addition to the
// periodic one. Called by the session on play/metadata/timeupdate signals.
func (e *Engine) MediaEvent(ctx context.Context) {
	e.guard.Check(ctx)
}

// HandleOverlayAction routes an overlay affordance click. Called by the
// session when the page-side overlay reports a click.
func (e *Engine) HandleOverlayAction(ctx context.Context, id dom.ID, action page.OverlayAction) {
	e.overlays.HandleAction(ctx, id, action)
}

// RecomputePositions runs one overlay position cycle and returns how many
// detached overlays were torn down. The position ticker calls this; tests
// and the session step it directly.
func (e *Engine) RecomputePositions() int {
	return e.overlays.RecomputePositions()
}

// SweepState reclaims tracker state of detached elements, returning the
// number of entries dropped.
func (e *Engine) SweepState() int {
	return e.tracker.Sweep()
}

// ElementPath resolves an element ID to its model path so the live session's
// actor can address the same element in the page. Deliberately unlocked: the
// actor only resolves paths while servicing a pipeline call, and the pipeline
// already owns the model lock.
func (e *Engine) ElementPath(id dom.ID) (string, bool) {
	if e.doc == nil {
		return "", false
	}
	el := e.doc.ByID(id)
	if el == nil || !el.Attached() {
		return "", false
	}
	return el.XPath(), true
}

// scanSelector builds the set of elements worth running through the chain:
// the platform's semantic selectors plus the generic extraction targets.
// Scanning everything would let descendant-searching strategies attribute a
// candidate to arbitrary containers (ultimately <body>), so the scan is
// restricted to elements that can plausibly carry an identity themselves.
func scanSelector(cfg *platform.Config) string {
	var parts []string
	for _, name := range []string{platform.SelTrackRow, platform.SelNowPlaying, platform.SelArtistLink} {
		if s := cfg.Selector(name); s != "" {
			parts = append(parts, s)
		}
	}
	parts = append(parts,
		"a[href]", "[aria-label]", "img[alt]",
		"[itemtype*=MusicGroup]", "[itemprop=byArtist]",
	)
	return strings.Join(parts, ", ")
}

// scan runs the pipeline over every scan target in an element's subtree, the
// element itself included. With rescan set, processed-but-unsuppressed
// elements are re-opened first. Caller holds e.mu.
func (e *Engine) scan(ctx context.Context, root *dom.Element, rescan bool) {
	if root == nil {
		return
	}
	for _, el := range root.QueryAll(e.scanSel) {
		if rescan && !e.tracker.IsBlocked(el.ID()) {
			e.tracker.Invalidate(el.ID())
		}
		e.process(ctx, el)
	}
}

// process runs one element through the pipeline. Caller holds e.mu.
func (e *Engine) process(ctx context.Context, el *dom.Element) {
	id := el.ID()
	if !e.tracker.ShouldProcess(id) {
		return
	}
	e.tracker.MarkProcessed(id)

	cand := e.chain.Extract(el)
	if cand == nil || !extract.Valid(cand) {
		return
	}
	if !e.client.IsBlocked(ctx, oracle.ArtistInfo{Name: cand.Name, ExternalID: cand.ExternalID}) {
		return
	}
	e.enforce(ctx, cand)
}

// enforce suppresses a blocked candidate and, for track rows, queues the
// secondary "not interested" interaction.
func (e *Engine) enforce(ctx context.Context, cand *extract.Candidate) {
	e.overlays.Suppress(ctx, cand)

	if e.queue == nil || !cand.IsTrackRow {
		return
	}
	sel := e.cfg.Control(platform.CtlInterestM)
	if sel == "" {
		return
	}
	if _, err := e.queue.Enqueue(ctx, actionq.Item{
		Kind:     "not_interested",
		Selector: sel,
		Artist:   cand.Name,
	}); err != nil {
		e.logger.Warn("engine: enqueue failed", "artist", cand.Name, "error", err)
	}
}

// performAction executes one queued secondary action against the page.
func (e *Engine) performAction(ctx context.Context, item *actionq.Item) error {
	if !e.actor.ControlUsable(item.Selector) {
		return fmt.Errorf("engine: control %q not usable", item.Selector)
	}
	if err := e.actor.Click(item.Selector); err != nil {
		return fmt.Errorf("engine: %s action: %w", item.Kind, err)
	}
	e.client.LogAction(ctx, item.Kind, map[string]string{"artist": item.Artist})
	return nil
}

// nowPlaying extracts the currently playing candidate from the now-playing
// bar, plus a best-effort track title for duplicate suppression.
func (e *Engine) nowPlaying() (*extract.Candidate, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.doc == nil {
		return nil, ""
	}
	sel := e.cfg.Selector(platform.SelNowPlaying)
	if sel == "" {
		return nil, ""
	}
	bar := e.doc.Root().Query(sel)
	if bar == nil {
		return nil, ""
	}

	cand := e.extractWithin(bar)
	if cand == nil {
		return nil, ""
	}

	title := ""
	if tsel := e.cfg.Selector(platform.SelTrackTitle); tsel != "" {
		if t := bar.Query(tsel); t != nil {
			title = t.Text()
		}
	}
	return cand, title
}

// Status is a point-in-time diagnostic snapshot.
type Status struct {
	Platform   string      `json:"platform"`
	PageURL    string      `json:"page_url"`
	Tracker    track.Stats `json:"tracker"`
	Suppressed int         `json:"suppressed"`
	GuardState guard.State `json:"guard_state"`
	LastBatch  uint64      `json:"last_batch"`
}

// Status reports current engine state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	url, seq := e.pageURL, e.lastSeq
	e.mu.Unlock()
	return Status{
		Platform:   e.cfg.Platform,
		PageURL:    url,
		Tracker:    e.tracker.Stats(),
		Suppressed: e.overlays.ActiveCount(),
		GuardState: e.guard.State(),
		LastBatch:  seq,
	}
}
