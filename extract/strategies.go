package extract

import (
	"regexp"
	"strings"

	"github.com/hazyhaar/dnpguard/dom"
	"github.com/hazyhaar/dnpguard/platform"
)

// Generic strategies. Each reads the element (and a bounded neighbourhood)
// and returns nil when it does not apply.

var (
	// "Play Song by Jane Doe", "Album by Jane Doe" — trailing author clause.
	ariaByRe = regexp.MustCompile(`(?i)\bby\s+(.{2,100})$`)
	// "Artist: Jane Doe", "Artist Jane Doe".
	ariaArtistRe = regexp.MustCompile(`(?i)^artist[:\s]\s*(.{2,100})$`)
	// "Photo of Jane Doe", "Portrait of Jane Doe", "Avatar of Jane Doe".
	altOfRe = regexp.MustCompile(`(?i)^(?:photo|portrait|avatar|image)\s+of\s+(.{2,100})$`)
)

// fromHref matches the element itself, or a descendant anchor, against the
// platform's artist URL shape. The first capture group is the external ID;
// the anchor text is the name.
func (c *Chain) fromHref(hrefRe *regexp.Regexp) func(*dom.Element) *Candidate {
	return func(el *dom.Element) *Candidate {
		if hrefRe == nil {
			return nil
		}
		anchors := []*dom.Element{el}
		if el.Tag() != "a" {
			anchors = el.QueryAll("a[href]")
		}
		for _, anchor := range anchors {
			m := hrefRe.FindStringSubmatch(anchor.Attr("href"))
			if m == nil {
				continue
			}
			name := anchor.Text()
			if name == "" {
				name = anchor.Attr("title")
			}
			if name == "" {
				continue
			}
			cand := &Candidate{Name: name}
			if len(m) > 1 {
				cand.ExternalID = m[1]
			}
			return cand
		}
		return nil
	}
}

// fromAriaLabel reads accessibility labels on the element itself.
func (c *Chain) fromAriaLabel(el *dom.Element) *Candidate {
	label := strings.TrimSpace(el.Attr("aria-label"))
	if label == "" {
		return nil
	}
	if m := ariaArtistRe.FindStringSubmatch(label); m != nil {
		return &Candidate{Name: strings.TrimSpace(m[1])}
	}
	if m := ariaByRe.FindStringSubmatch(label); m != nil {
		return &Candidate{Name: strings.TrimSpace(m[1])}
	}
	return nil
}

// fromArtistContext takes the element's own text when the element or a near
// ancestor is visibly artist-scoped (class or test id mentioning "artist").
func (c *Chain) fromArtistContext(el *dom.Element) *Candidate {
	const ctx = `[class*=artist], [data-testid*=artist]`
	if !el.Matches(ctx) && el.Ancestor(ctx, c.cfg.Policy.AncestorDepth) == nil {
		return nil
	}
	name := el.OwnText()
	if name == "" {
		name = el.Text()
	}
	if name == "" {
		return nil
	}
	return &Candidate{Name: name}
}

// fromImageAlt parses artist names out of image alternative text.
func (c *Chain) fromImageAlt(el *dom.Element) *Candidate {
	img := el
	if el.Tag() != "img" {
		img = el.Query("img[alt]")
		if img == nil {
			return nil
		}
	}
	alt := strings.TrimSpace(img.Attr("alt"))
	if alt == "" {
		return nil
	}
	if m := altOfRe.FindStringSubmatch(alt); m != nil {
		return &Candidate{Name: strings.TrimSpace(m[1])}
	}
	// A bare alt on an artist-scoped image is the name itself.
	if img.Matches(`[class*=artist]`) || img.Ancestor(`[class*=artist]`, c.cfg.Policy.AncestorDepth) != nil {
		return &Candidate{Name: alt}
	}
	return nil
}

// fromMicrodata reads schema.org MusicGroup/byArtist structured data.
func (c *Chain) fromMicrodata(el *dom.Element) *Candidate {
	if scope := el.Query(`[itemtype*=MusicGroup]`); scope != nil {
		if nameEl := scope.Query(`[itemprop=name]`); nameEl != nil {
			if name := microdataValue(nameEl); name != "" {
				return &Candidate{Name: name}
			}
		}
	}
	if by := el.Query(`[itemprop=byArtist]`); by != nil {
		if name := microdataValue(by); name != "" {
			return &Candidate{Name: name}
		}
	}
	return nil
}

func microdataValue(el *dom.Element) string {
	if v := strings.TrimSpace(el.Attr("content")); v != "" {
		return v
	}
	return el.Text()
}

// fromParentContext is the last resort: climb a bounded number of ancestors
// looking for a row-like container, then extract from its artist link. This
// covers leaf elements (titles, thumbnails) whose row carries the identity.
func (c *Chain) fromParentContext(hrefRe *regexp.Regexp) func(*dom.Element) *Candidate {
	return func(el *dom.Element) *Candidate {
		if hrefRe == nil {
			return nil
		}
		rowSel := c.cfg.Selector(platform.SelTrackRow)
		if rowSel == "" {
			return nil
		}
		row := el.Ancestor(rowSel, c.cfg.Policy.AncestorDepth)
		if row == nil {
			return nil
		}
		for _, a := range row.QueryAll("a[href]") {
			m := hrefRe.FindStringSubmatch(a.Attr("href"))
			if m == nil {
				continue
			}
			name := a.Text()
			if name == "" {
				continue
			}
			cand := &Candidate{Name: name}
			if len(m) > 1 {
				cand.ExternalID = m[1]
			}
			return cand
		}
		return nil
	}
}
