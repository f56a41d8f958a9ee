// Package page defines the narrow surface through which the engine touches
// the live page. Everything the engine does to a host document — muting an
// element, installing an overlay, clicking a transport control, showing a
// notification — goes through an Actor, so the pipeline itself never depends
// on a browser being present.
package page

import "github.com/hazyhaar/dnpguard/dom"

// Box is an element's layout rectangle in page coordinates.
type Box struct {
	X, Y, W, H float64
}

// Overlay describes the control affordance attached to a suppressed element.
// Label is pre-sanitised display text; the Actor renders it inside an
// isolated layer that host styling cannot reach.
type Overlay struct {
	Label string
	// Actions are the affordance buttons, in display order. The Actor
	// reports clicks back through the callback wired at session setup.
	Actions []OverlayAction
}

// OverlayAction identifies one reversible overlay control.
type OverlayAction string

const (
	ActionAllowOnce OverlayAction = "allow_once"
	ActionUnblock   OverlayAction = "unblock"
	ActionConfirm   OverlayAction = "confirm"
)

// Notice is a transient user-facing notification.
type Notice struct {
	Kind string // "skipped", "paused", "ceiling", "error"
	Text string
}

// Actor performs page side effects. Implementations: the live CDP session
// and the test fake below. All methods degrade gracefully — an Actor error
// never propagates beyond a log line and a fallback.
type Actor interface {
	// ApplyMute visually and interactively neutralises an element.
	ApplyMute(id dom.ID) error
	// ClearMute reverses ApplyMute.
	ClearMute(id dom.ID) error
	// InstallOverlay attaches the control affordance near an element.
	InstallOverlay(id dom.ID, o Overlay) error
	// RemoveOverlay tears the affordance down.
	RemoveOverlay(id dom.ID) error
	// MoveOverlay repositions the affordance after scroll/resize.
	MoveOverlay(id dom.ID, box Box) error
	// DisableRowControls disables transport controls scoped to a row element.
	DisableRowControls(id dom.ID, selector string) error
	// EnableRowControls reverses DisableRowControls.
	EnableRowControls(id dom.ID, selector string) error
	// Click activates a page-level control found by selector.
	Click(selector string) error
	// ControlUsable reports whether a control exists and is enabled.
	ControlUsable(selector string) bool
	// ElementBox returns an element's layout box; ok=false when the element
	// is detached from the render tree.
	ElementBox(id dom.ID) (Box, bool)
	// Notify shows a transient notification.
	Notify(n Notice) error
}
