// Package session binds an engine to a live browser page.
//
// The injected bridge script observes DOM mutations, history navigation and
// media playback, and reports them through a CDP binding; the Session decodes
// the payloads, debounces mutation records into batches and feeds the engine.
// The companion Actor (actor.go) is the write half: it performs the engine's
// page side effects through the same bridge.
package session

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/hazyhaar/dnpguard/dom"
	"github.com/hazyhaar/dnpguard/idgen"
	"github.com/hazyhaar/dnpguard/mutation"
	"github.com/hazyhaar/dnpguard/page"
)

//go:embed bridge.js
var bridgeJS string

const bindingName = "__dnpg_bridge"

// Sink is the engine surface the session drives. *engine.Engine implements it.
type Sink interface {
	LoadSnapshot(ctx context.Context, snapshot []byte, url string) error
	ApplyBatch(ctx context.Context, b *mutation.Batch)
	Navigate(sig mutation.NavSignal)
	MediaEvent(ctx context.Context)
	HandleOverlayAction(ctx context.Context, id dom.ID, action page.OverlayAction)
}

// Options configures a Session.
type Options struct {
	// DebounceWindow batches mutation records before they hit the engine.
	// Default: 250ms.
	DebounceWindow time.Duration
	// DebounceMax flushes immediately at this many buffered records. Default: 1000.
	DebounceMax int
	// ResyncInterval re-snapshots the page and resets the model, bounding the
	// drift that dropped or reordered mutation records accumulate. Default: 2m.
	ResyncInterval time.Duration
	Logger         *slog.Logger
	IDs            idgen.Generator
}

func (o *Options) defaults() {
	if o.ResyncInterval <= 0 {
		o.ResyncInterval = 2 * time.Minute
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.IDs == nil {
		o.IDs = idgen.Prefixed("bat_", idgen.Default)
	}
}

// Session streams one live page into one engine.
type Session struct {
	pg     *rod.Page
	sink   Sink
	opts   Options
	logger *slog.Logger

	rawCh chan mutation.Record
	seq   atomic.Uint64
	url   atomic.Value // string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Session for an already-navigated page.
func New(pg *rod.Page, sink Sink, opts Options) *Session {
	opts.defaults()
	s := &Session{
		pg:     pg,
		sink:   sink,
		opts:   opts,
		logger: opts.Logger,
		rawCh:  make(chan mutation.Record, 4096),
	}
	s.url.Store("")
	return s
}

// Start installs the binding and bridge script, loads the initial snapshot
// into the engine and launches the event loops.
func (s *Session) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	if err := (proto.RuntimeAddBinding{Name: bindingName}).Call(s.pg); err != nil {
		s.logger.Warn("session: add binding failed (may already exist)", "error", err)
	}

	s.wg.Add(1)
	go s.listen()

	// The bridge must survive hard navigations, and must also run in the
	// document that is already loaded.
	if _, err := s.pg.EvalOnNewDocument(bridgeJS); err != nil {
		s.cancel()
		return fmt.Errorf("session: install bridge: %w", err)
	}
	if _, err := s.pg.Eval(bridgeJS); err != nil {
		s.cancel()
		return fmt.Errorf("session: inject bridge: %w", err)
	}

	if err := s.resync(s.ctx, true); err != nil {
		s.cancel()
		return err
	}

	s.wg.Add(1)
	go s.loop()

	s.logger.Info("session: started", "url", s.pageURL())
	return nil
}

// Stop detaches from the page. The engine is stopped by its owner.
func (s *Session) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("session: stopped", "url", s.pageURL())
}

func (s *Session) pageURL() string {
	u, _ := s.url.Load().(string)
	return u
}

// listen receives bridge payloads and hard-navigation load events.
func (s *Session) listen() {
	defer s.wg.Done()
	s.pg.Context(s.ctx).EachEvent(
		func(e *proto.RuntimeBindingCalled) {
			if e.Name != bindingName {
				return
			}
			s.handlePayload([]byte(e.Payload))
		},
		func(e *proto.PageLoadEventFired) {
			// Hard reload: the bridge was re-injected by EvalOnNewDocument;
			// the model needs a fresh snapshot.
			s.logger.Debug("session: page load event")
			if err := s.resync(s.ctx, false); err != nil {
				s.logger.Warn("session: resync after load failed", "error", err)
			}
			s.sink.Navigate(mutation.NavSignal{Kind: mutation.NavPlatform, URL: s.pageURL()})
		},
	)()
}

func (s *Session) handlePayload(payload []byte) {
	recs, navs, actions, media, err := decodePayload(payload)
	if err != nil {
		s.logger.Warn("session: bad bridge payload", "error", err)
		return
	}

	for _, rec := range recs {
		select {
		case s.rawCh <- rec:
		default:
			s.logger.Warn("session: record buffer full, dropping mutation")
		}
	}
	for _, sig := range navs {
		if sig.URL != "" {
			s.url.Store(sig.URL)
		}
		s.sink.Navigate(sig)
	}
	for _, a := range actions {
		s.sink.HandleOverlayAction(s.ctx, a.ID, a.Action)
	}
	if media > 0 {
		s.sink.MediaEvent(s.ctx)
	}
}

// loop owns the debouncer: raw records in, batches out.
func (s *Session) loop() {
	defer s.wg.Done()

	deb := mutation.NewDebouncer(mutation.DebounceConfig{
		Window:    s.opts.DebounceWindow,
		MaxBuffer: s.opts.DebounceMax,
	}, s.emitBatch)

	resync := time.NewTicker(s.opts.ResyncInterval)
	defer resync.Stop()

	for {
		select {
		case <-s.ctx.Done():
			deb.Flush()
			return
		case rec := <-s.rawCh:
			deb.Add(rec)
		case <-deb.TimerC():
			deb.Flush()
		case <-resync.C:
			deb.Flush()
			if err := s.resync(s.ctx, false); err != nil {
				s.logger.Warn("session: periodic resync failed", "error", err)
			}
		}
	}
}

func (s *Session) emitBatch(records []mutation.Record) {
	b := &mutation.Batch{
		ID:        s.opts.IDs(),
		PageURL:   s.pageURL(),
		Seq:       s.seq.Add(1),
		Records:   records,
		Timestamp: time.Now().UnixMilli(),
	}
	s.sink.ApplyBatch(s.ctx, b)
}

// resync pulls a full snapshot out of the page and replaces the engine's
// model: LoadSnapshot on first contact, a doc_reset record afterwards.
func (s *Session) resync(ctx context.Context, initial bool) error {
	res, err := s.pg.Context(ctx).Eval(`() => [document.documentElement.outerHTML, location.href]`)
	if err != nil {
		return fmt.Errorf("session: snapshot page: %w", err)
	}
	html := res.Value.Get("0").Str()
	s.url.Store(res.Value.Get("1").Str())

	if initial {
		return s.sink.LoadSnapshot(ctx, []byte(html), s.pageURL())
	}

	s.emitBatch([]mutation.Record{{Op: mutation.OpDocReset, HTML: html}})
	s.logger.Debug("session: model resynced", "url", s.pageURL(), "size", len(html))
	return nil
}

// overlayEvent is a decoded overlay affordance click.
type overlayEvent struct {
	ID     dom.ID
	Action page.OverlayAction
}

// bridgeMsg is the wire shape of one bridge message. Mutation records share
// fields with control signals; the op discriminates.
type bridgeMsg struct {
	Op       string `json:"op"`
	Kind     string `json:"kind"`
	XPath    string `json:"xpath"`
	Tag      string `json:"tag"`
	Name     string `json:"name"`
	Value    string `json:"value"`
	OldValue string `json:"old_value"`
	HTML     string `json:"html"`
}

// decodePayload splits one bridge payload into mutation records and control
// signals. Malformed entries are skipped, not fatal; the payload itself must
// be a JSON array.
func decodePayload(payload []byte) (recs []mutation.Record, navs []mutation.NavSignal, actions []overlayEvent, media int, err error) {
	var msgs []bridgeMsg
	if err := json.Unmarshal(payload, &msgs); err != nil {
		return nil, nil, nil, 0, fmt.Errorf("session: decode payload: %w", err)
	}

	for _, m := range msgs {
		switch m.Op {
		case "__nav":
			kind := mutation.NavKind(m.Kind)
			if kind != mutation.NavHistory && kind != mutation.NavHash {
				kind = mutation.NavPlatform
			}
			navs = append(navs, mutation.NavSignal{Kind: kind, URL: m.Value})
		case "__media":
			media++
		case "__overlay":
			id, perr := strconv.ParseUint(m.Value, 10, 64)
			if perr != nil {
				continue
			}
			switch act := page.OverlayAction(m.Name); act {
			case page.ActionAllowOnce, page.ActionUnblock, page.ActionConfirm:
				actions = append(actions, overlayEvent{ID: dom.ID(id), Action: act})
			}
		case string(mutation.OpInsert), string(mutation.OpRemove), string(mutation.OpText),
			string(mutation.OpAttr), string(mutation.OpAttrDel):
			recs = append(recs, mutation.Record{
				Op:       mutation.Op(m.Op),
				XPath:    m.XPath,
				Tag:      m.Tag,
				Name:     m.Name,
				Value:    m.Value,
				OldValue: m.OldValue,
				HTML:     m.HTML,
			})
		}
	}
	return recs, navs, actions, media, nil
}
