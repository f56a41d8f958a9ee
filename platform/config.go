// Package platform holds the per-site configuration a dnpguard engine is
// constructed with: the platform identity, the semantic selector tables, and
// the policy knobs (delays, ceilings, intervals). A Config is immutable after
// construction and owned by exactly one engine instance.
package platform

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Semantic selector names every adapter is expected to fill in. Unknown names
// are allowed; the engine only looks up the ones it uses.
const (
	SelArtistLink = "artist_link" // anchors pointing at an artist page
	SelTrackRow   = "track_row"   // list rows with embedded transport controls
	SelNowPlaying = "now_playing" // the now-playing bar
	SelTrackTitle = "track_title" // title inside a row or the now-playing bar
)

// Media-control selector names used by the playback guard and row suppression.
const (
	CtlNext      = "next"
	CtlPause     = "pause"
	CtlPlay      = "play"
	CtlRowPlay   = "row_play" // per-row transport controls
	CtlInterestM = "not_interested_menu"
)

// Policy carries the timing and containment knobs. The values are deliberate
// policy choices, not tuning constants; defaults match observed adapter
// behaviour and every one of them is overridable per platform.
type Policy struct {
	// SkipDelay is the wait before invoking the next control on a blocked
	// track, approximating a human reaction.
	SkipDelay time.Duration `yaml:"skip_delay"`
	// SkipCeiling is the hard cap on consecutive automatic skips.
	SkipCeiling int `yaml:"skip_ceiling"`
	// SkipCooldown is how long after the last skip the attempt counter
	// resets to zero.
	SkipCooldown time.Duration `yaml:"skip_cooldown"`
	// TrackCheck is the periodic now-playing check interval.
	TrackCheck time.Duration `yaml:"track_check"`
	// DrainTick is the action-queue drain interval; at most one queued
	// action runs per tick.
	DrainTick time.Duration `yaml:"drain_tick"`
	// SettleDelay is the wait after a navigation signal before a full rescan.
	SettleDelay time.Duration `yaml:"settle_delay"`
	// SweepInterval is how often detached element state is reclaimed.
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// PositionTick is how often overlay positions are recomputed.
	PositionTick time.Duration `yaml:"position_tick"`
	// AncestorDepth caps upward DOM walks in extraction strategies.
	AncestorDepth int `yaml:"ancestor_depth"`
}

// UnmarshalYAML accepts human-readable durations ("250ms", "30s") as well as
// bare integers (nanoseconds) for every Policy field.
func (p *Policy) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		SkipDelay     duration `yaml:"skip_delay"`
		SkipCeiling   int      `yaml:"skip_ceiling"`
		SkipCooldown  duration `yaml:"skip_cooldown"`
		TrackCheck    duration `yaml:"track_check"`
		DrainTick     duration `yaml:"drain_tick"`
		SettleDelay   duration `yaml:"settle_delay"`
		SweepInterval duration `yaml:"sweep_interval"`
		PositionTick  duration `yaml:"position_tick"`
		AncestorDepth int      `yaml:"ancestor_depth"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	*p = Policy{
		SkipDelay:     time.Duration(raw.SkipDelay),
		SkipCeiling:   raw.SkipCeiling,
		SkipCooldown:  time.Duration(raw.SkipCooldown),
		TrackCheck:    time.Duration(raw.TrackCheck),
		DrainTick:     time.Duration(raw.DrainTick),
		SettleDelay:   time.Duration(raw.SettleDelay),
		SweepInterval: time.Duration(raw.SweepInterval),
		PositionTick:  time.Duration(raw.PositionTick),
		AncestorDepth: raw.AncestorDepth,
	}
	return nil
}

type duration time.Duration

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	var n int64
	if err := value.Decode(&n); err == nil {
		*d = duration(n)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("platform: bad duration %q: %w", s, err)
	}
	*d = duration(parsed)
	return nil
}

func (p *Policy) defaults() {
	if p.SkipDelay <= 0 {
		p.SkipDelay = time.Second
	}
	if p.SkipCeiling <= 0 {
		p.SkipCeiling = 3
	}
	if p.SkipCooldown <= 0 {
		p.SkipCooldown = 30 * time.Second
	}
	if p.TrackCheck <= 0 {
		p.TrackCheck = 5 * time.Second
	}
	if p.DrainTick <= 0 {
		p.DrainTick = 2 * time.Second
	}
	if p.SettleDelay <= 0 {
		p.SettleDelay = 1500 * time.Millisecond
	}
	if p.SweepInterval <= 0 {
		p.SweepInterval = 30 * time.Second
	}
	if p.PositionTick <= 0 {
		p.PositionTick = 500 * time.Millisecond
	}
	if p.AncestorDepth <= 0 {
		p.AncestorDepth = 4
	}
}

// Config is the full per-platform configuration.
type Config struct {
	// Platform is the site identifier, e.g. "spotify", "ytmusic".
	Platform string `yaml:"platform"`
	// ArtistHrefPattern is the URL shape of artist links; the first capture
	// group is the external artist ID (e.g. `/artist/(\w+)`).
	ArtistHrefPattern string `yaml:"artist_href_pattern"`
	// Selectors maps semantic names to selector strings.
	Selectors map[string]string `yaml:"selectors"`
	// Controls maps media-control names to selector strings.
	Controls map[string]string `yaml:"controls"`
	// WatchedAttrs are attribute names whose change on an already-processed
	// element invalidates its state, because SPAs relabel reused nodes
	// instead of creating new ones.
	WatchedAttrs []string `yaml:"watched_attrs"`
	// Policy carries timing and containment knobs.
	Policy Policy `yaml:"policy"`
}

// Selector returns the selector string for a semantic name, or "".
func (c *Config) Selector(name string) string { return c.Selectors[name] }

// Control returns the selector string for a media-control name, or "".
func (c *Config) Control(name string) string { return c.Controls[name] }

// Normalize applies defaults and validates the required fields. Engines call
// this once at construction; the Config must not be mutated afterwards.
func (c *Config) Normalize() error {
	if c.Platform == "" {
		return fmt.Errorf("platform: missing platform identifier")
	}
	if c.Selectors == nil {
		c.Selectors = map[string]string{}
	}
	if c.Controls == nil {
		c.Controls = map[string]string{}
	}
	if len(c.WatchedAttrs) == 0 {
		c.WatchedAttrs = []string{"href", "aria-label", "title", "alt"}
	}
	c.Policy.defaults()
	return nil
}

// LoadFile reads a platform configuration from a YAML file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("platform: read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("platform: parse config: %w", err)
	}
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
