package page

import (
	"fmt"
	"sync"

	"github.com/hazyhaar/dnpguard/dom"
)

// Fake is the in-memory Actor used by tests across the module. It records
// every call and lets tests script layout boxes and control availability.
type Fake struct {
	mu sync.Mutex

	Muted    map[dom.ID]bool
	Overlays map[dom.ID]Overlay
	Moves    map[dom.ID]int
	Disabled map[dom.ID]string
	Clicks   []string
	Notices  []Notice

	// Boxes scripts ElementBox; absent IDs report detached.
	Boxes map[dom.ID]Box
	// Usable scripts ControlUsable per selector.
	Usable map[string]bool
	// FailClicks makes Click return an error for matching selectors.
	FailClicks map[string]bool
}

// NewFake creates an empty Fake.
func NewFake() *Fake {
	return &Fake{
		Muted:      make(map[dom.ID]bool),
		Overlays:   make(map[dom.ID]Overlay),
		Moves:      make(map[dom.ID]int),
		Disabled:   make(map[dom.ID]string),
		Boxes:      make(map[dom.ID]Box),
		Usable:     make(map[string]bool),
		FailClicks: make(map[string]bool),
	}
}

func (f *Fake) ApplyMute(id dom.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Muted[id] = true
	return nil
}

func (f *Fake) ClearMute(id dom.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.Muted, id)
	return nil
}

func (f *Fake) InstallOverlay(id dom.ID, o Overlay) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.Overlays[id]; exists {
		return fmt.Errorf("fake: overlay already installed for %d", id)
	}
	f.Overlays[id] = o
	return nil
}

func (f *Fake) RemoveOverlay(id dom.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.Overlays, id)
	return nil
}

func (f *Fake) MoveOverlay(id dom.ID, box Box) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Moves[id]++
	return nil
}

func (f *Fake) DisableRowControls(id dom.ID, selector string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Disabled[id] = selector
	return nil
}

func (f *Fake) EnableRowControls(id dom.ID, selector string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.Disabled, id)
	return nil
}

func (f *Fake) Click(selector string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailClicks[selector] {
		return fmt.Errorf("fake: click failed for %q", selector)
	}
	f.Clicks = append(f.Clicks, selector)
	return nil
}

func (f *Fake) ControlUsable(selector string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Usable[selector]
}

func (f *Fake) ElementBox(id dom.ID) (Box, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.Boxes[id]
	return b, ok
}

func (f *Fake) Notify(n Notice) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Notices = append(f.Notices, n)
	return nil
}

// ClickCount returns how many times a selector was clicked.
func (f *Fake) ClickCount(selector string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.Clicks {
		if c == selector {
			n++
		}
	}
	return n
}

var _ Actor = (*Fake)(nil)
