// Package extract turns DOM elements into artist candidates.
//
// Extraction is a chain of independent strategies evaluated in order; the
// first strategy that produces a candidate wins and later ones are never
// consulted, so precedence is a deliberate priority order rather than a
// specificity contest. Platform adapters prepend their own strategies ahead
// of the generic chain and fall through to it on unknown markup.
//
// Every strategy is read-only with respect to the page model and bounded:
// upward walks are capped by the platform's AncestorDepth.
package extract

import (
	"regexp"

	"github.com/hazyhaar/dnpguard/dom"
	"github.com/hazyhaar/dnpguard/platform"
)

// Candidate is a tentative extraction result. Transient: produced and
// consumed within one processing pass, never persisted.
type Candidate struct {
	Name         string
	ExternalID   string
	Source       string // which strategy produced it
	Element      *dom.Element
	IsTrackRow   bool
	IsNowPlaying bool
}

// Key returns the candidate's identity for membership checks and trackKey
// computation: external ID when known, otherwise the name.
func (c *Candidate) Key() string {
	if c.ExternalID != "" {
		return c.ExternalID
	}
	return c.Name
}

// Strategy is one extraction rule. Fn returns nil when the rule does not
// apply; it must not mutate the page model.
type Strategy struct {
	Source string
	Fn     func(el *dom.Element) *Candidate
}

// Chain is the ordered strategy list for one platform.
type Chain struct {
	cfg        *platform.Config
	strategies []Strategy
}

// NewChain builds the extraction chain for a platform. The supplied
// platform-specific strategies run ahead of the generic chain; the generic
// chain always remains as the fallback so unknown markup still gets baseline
// coverage.
func NewChain(cfg *platform.Config, platformStrategies ...Strategy) *Chain {
	c := &Chain{cfg: cfg}

	var hrefRe *regexp.Regexp
	if cfg.ArtistHrefPattern != "" {
		hrefRe = regexp.MustCompile(cfg.ArtistHrefPattern)
	}

	c.strategies = append(c.strategies, platformStrategies...)
	c.strategies = append(c.strategies,
		Strategy{Source: "href", Fn: c.fromHref(hrefRe)},
		Strategy{Source: "aria", Fn: c.fromAriaLabel},
		Strategy{Source: "text", Fn: c.fromArtistContext},
		Strategy{Source: "alt", Fn: c.fromImageAlt},
		Strategy{Source: "microdata", Fn: c.fromMicrodata},
		Strategy{Source: "parent", Fn: c.fromParentContext(hrefRe)},
	)
	return c
}

// Extract runs the chain over one element. First match wins. The returned
// candidate has Element, Source and row/now-playing flags filled in.
func (c *Chain) Extract(el *dom.Element) *Candidate {
	if el == nil {
		return nil
	}
	for _, s := range c.strategies {
		cand := s.Fn(el)
		if cand == nil {
			continue
		}
		cand.Source = s.Source
		cand.Element = el
		c.classify(cand, el)
		return cand
	}
	return nil
}

// classify tags the candidate with its structural context.
func (c *Chain) classify(cand *Candidate, el *dom.Element) {
	depth := c.cfg.Policy.AncestorDepth
	if sel := c.cfg.Selector(platform.SelTrackRow); sel != "" {
		cand.IsTrackRow = el.Matches(sel) || el.Ancestor(sel, depth) != nil
	}
	if sel := c.cfg.Selector(platform.SelNowPlaying); sel != "" {
		cand.IsNowPlaying = el.Matches(sel) || el.Ancestor(sel, depth) != nil
	}
}
