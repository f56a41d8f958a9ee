package session

import (
	"fmt"
	"log/slog"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/hazyhaar/dnpguard/dom"
	"github.com/hazyhaar/dnpguard/page"
)

// PathResolver maps an element ID to its page-addressable path.
// *engine.Engine implements it.
type PathResolver interface {
	ElementPath(id dom.ID) (string, bool)
}

// Actor performs engine side effects against the live page through the bridge
// script's effect registry. Elements are resolved by path once, at mute time;
// afterwards the registry holds a direct reference, so later effects survive
// model drift.
type Actor struct {
	pg     *rod.Page
	paths  PathResolver
	logger *slog.Logger
}

// actionLabels are the button captions for the overlay affordances.
var actionLabels = map[page.OverlayAction]string{
	page.ActionAllowOnce: "Allow once",
	page.ActionUnblock:   "Unblock",
	page.ActionConfirm:   "Keep blocked",
}

// NewActor creates the live Actor. The resolver is bound separately because
// the engine that provides it is constructed with the Actor as an argument.
func NewActor(pg *rod.Page, logger *slog.Logger) *Actor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Actor{pg: pg, logger: logger}
}

// BindResolver wires the model-path resolver. Must be called before the
// engine starts.
func (a *Actor) BindResolver(r PathResolver) { a.paths = r }

func (a *Actor) eval(js string, args ...any) (*proto.RuntimeRemoteObject, error) {
	return a.pg.Eval(js, args...)
}

// ApplyMute resolves the element and registers it with the bridge, then
// applies the mute class.
func (a *Actor) ApplyMute(id dom.ID) error {
	if a.paths == nil {
		return fmt.Errorf("session: actor has no resolver bound")
	}
	xpath, ok := a.paths.ElementPath(id)
	if !ok {
		return fmt.Errorf("session: element %d not in model", id)
	}
	res, err := a.eval(`(id, xp) => window.__dnpg ? __dnpg.mute(id, xp) : false`, uint64(id), xpath)
	if err != nil {
		return fmt.Errorf("session: mute: %w", err)
	}
	if !res.Value.Bool() {
		return fmt.Errorf("session: mute: element %d not found at %s", id, xpath)
	}
	return nil
}

// ClearMute reverses ApplyMute.
func (a *Actor) ClearMute(id dom.ID) error {
	_, err := a.eval(`id => window.__dnpg && __dnpg.unmute(id)`, uint64(id))
	if err != nil {
		return fmt.Errorf("session: unmute: %w", err)
	}
	return nil
}

// InstallOverlay attaches the control affordance. The element must already be
// registered, which ApplyMute guarantees in the suppression sequence.
func (a *Actor) InstallOverlay(id dom.ID, o page.Overlay) error {
	type btn struct {
		Label  string `json:"label"`
		Action string `json:"action"`
	}
	btns := make([]btn, 0, len(o.Actions))
	for _, act := range o.Actions {
		btns = append(btns, btn{Label: actionLabels[act], Action: string(act)})
	}
	res, err := a.eval(`(id, label, actions) => window.__dnpg ? __dnpg.overlay(id, label, actions) : false`,
		uint64(id), o.Label, btns)
	if err != nil {
		return fmt.Errorf("session: install overlay: %w", err)
	}
	if !res.Value.Bool() {
		return fmt.Errorf("session: install overlay: element %d unavailable", id)
	}
	return nil
}

// RemoveOverlay tears the affordance down.
func (a *Actor) RemoveOverlay(id dom.ID) error {
	_, err := a.eval(`id => window.__dnpg && __dnpg.removeOverlay(id)`, uint64(id))
	if err != nil {
		return fmt.Errorf("session: remove overlay: %w", err)
	}
	return nil
}

// MoveOverlay repositions the affordance.
func (a *Actor) MoveOverlay(id dom.ID, box page.Box) error {
	_, err := a.eval(`(id, x, y) => window.__dnpg && __dnpg.moveOverlay(id, x, y)`,
		uint64(id), box.X, box.Y)
	if err != nil {
		return fmt.Errorf("session: move overlay: %w", err)
	}
	return nil
}

// DisableRowControls disables transport controls inside a registered row.
func (a *Actor) DisableRowControls(id dom.ID, selector string) error {
	_, err := a.eval(`(id, sel) => window.__dnpg && __dnpg.rowControls(id, sel, true)`,
		uint64(id), selector)
	if err != nil {
		return fmt.Errorf("session: disable row controls: %w", err)
	}
	return nil
}

// EnableRowControls reverses DisableRowControls.
func (a *Actor) EnableRowControls(id dom.ID, selector string) error {
	_, err := a.eval(`(id, sel) => window.__dnpg && __dnpg.rowControls(id, sel, false)`,
		uint64(id), selector)
	if err != nil {
		return fmt.Errorf("session: enable row controls: %w", err)
	}
	return nil
}

// Click activates a page-level control.
func (a *Actor) Click(selector string) error {
	res, err := a.eval(`sel => window.__dnpg ? __dnpg.click(sel) : false`, selector)
	if err != nil {
		return fmt.Errorf("session: click %s: %w", selector, err)
	}
	if !res.Value.Bool() {
		return fmt.Errorf("session: click %s: control missing or disabled", selector)
	}
	return nil
}

// ControlUsable reports whether a control exists and is enabled.
func (a *Actor) ControlUsable(selector string) bool {
	res, err := a.eval(`sel => window.__dnpg ? __dnpg.usable(sel) : false`, selector)
	if err != nil {
		a.logger.Debug("session: usable check failed", "selector", selector, "error", err)
		return false
	}
	return res.Value.Bool()
}

// ElementBox returns a registered element's layout box in page coordinates.
func (a *Actor) ElementBox(id dom.ID) (page.Box, bool) {
	res, err := a.eval(`id => window.__dnpg ? __dnpg.box(id) : {ok: false}`, uint64(id))
	if err != nil {
		a.logger.Debug("session: box lookup failed", "id", id, "error", err)
		return page.Box{}, false
	}
	if !res.Value.Get("ok").Bool() {
		return page.Box{}, false
	}
	return page.Box{
		X: res.Value.Get("x").Num(),
		Y: res.Value.Get("y").Num(),
		W: res.Value.Get("w").Num(),
		H: res.Value.Get("h").Num(),
	}, true
}

// Notify shows a transient toast in the bridge layer.
func (a *Actor) Notify(n page.Notice) error {
	_, err := a.eval(`(kind, text) => window.__dnpg && __dnpg.notify(kind, text)`, n.Kind, n.Text)
	if err != nil {
		return fmt.Errorf("session: notify: %w", err)
	}
	return nil
}
