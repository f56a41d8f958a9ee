package dom

import (
	"strings"

	"golang.org/x/net/html"
)

// Selector subset supported across the module:
//
//   - tag:          "a", "div"
//   - .class:       ".track-row"
//   - #id:          "#player-bar"
//   - [attr]:       "[data-testid]"
//   - [attr=v]:     "[role=row]"
//   - [attr*=v]:    "[href*=/artist/]"  (substring)
//   - [attr^=v]:    "[href^=https:]"    (prefix)
//   - combinations: "div.row a[href*=/artist/]" (descendant)
//   - groups:       "a.artist, .byline a" (comma-separated alternatives)
//
// This mirrors what platform selector tables actually need; anything fancier
// belongs in a platform-specific strategy, not here.

type attrCond struct {
	key string
	op  string // "", "=", "*=", "^="
	val string
}

type simpleSelector struct {
	tag     string
	id      string
	classes []string
	attrs   []attrCond
}

// compound is a descendant chain, e.g. "div.row a" → [div.row, a].
type compound []simpleSelector

type selector struct {
	groups []compound
}

func parseSelector(s string) selector {
	var sel selector
	for g := range strings.SplitSeq(s, ",") {
		g = strings.TrimSpace(g)
		if g == "" {
			continue
		}
		var chain compound
		for _, part := range strings.Fields(g) {
			chain = append(chain, parseSimple(part))
		}
		if len(chain) > 0 {
			sel.groups = append(sel.groups, chain)
		}
	}
	return sel
}

func parseSimple(part string) simpleSelector {
	var s simpleSelector

	// Attribute conditions: repeatable [k], [k=v], [k*=v], [k^=v].
	for {
		open := strings.IndexByte(part, '[')
		if open < 0 {
			break
		}
		closeIdx := strings.IndexByte(part[open:], ']')
		if closeIdx < 0 {
			break
		}
		body := part[open+1 : open+closeIdx]
		part = part[:open] + part[open+closeIdx+1:]

		cond := attrCond{key: body}
		for _, op := range []string{"*=", "^=", "="} {
			if i := strings.Index(body, op); i >= 0 {
				cond = attrCond{
					key: body[:i],
					op:  op,
					val: strings.Trim(body[i+len(op):], `"'`),
				}
				break
			}
		}
		s.attrs = append(s.attrs, cond)
	}

	if i := strings.IndexByte(part, '#'); i >= 0 {
		rest := part[i+1:]
		if j := strings.IndexByte(rest, '.'); j >= 0 {
			s.id = rest[:j]
			part = part[:i] + rest[j:]
		} else {
			s.id = rest
			part = part[:i]
		}
	}

	for {
		i := strings.IndexByte(part, '.')
		if i < 0 {
			break
		}
		rest := part[i+1:]
		end := strings.IndexByte(rest, '.')
		if end < 0 {
			s.classes = append(s.classes, rest)
			part = part[:i]
		} else {
			s.classes = append(s.classes, rest[:end])
			part = part[:i] + rest[end:]
		}
	}

	s.tag = part
	return s
}

func (s simpleSelector) match(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return false
	}
	if s.tag != "" && s.tag != "*" && n.Data != s.tag {
		return false
	}
	if s.id != "" && nodeAttr(n, "id") != s.id {
		return false
	}
	if len(s.classes) > 0 {
		have := strings.Fields(nodeAttr(n, "class"))
		for _, want := range s.classes {
			found := false
			for _, c := range have {
				if c == want {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
	}
	for _, cond := range s.attrs {
		val := nodeAttr(n, cond.key)
		switch cond.op {
		case "":
			if !nodeHasAttr(n, cond.key) {
				return false
			}
		case "=":
			if val != cond.val {
				return false
			}
		case "*=":
			if !strings.Contains(val, cond.val) {
				return false
			}
		case "^=":
			if !strings.HasPrefix(val, cond.val) {
				return false
			}
		}
	}
	return true
}

// matchesNode checks the rightmost part against the node, then walks
// ancestors right-to-left for the remaining descendant parts.
func (sel selector) matchesNode(n *html.Node) bool {
	for _, chain := range sel.groups {
		if chainMatches(chain, n) {
			return true
		}
	}
	return false
}

func chainMatches(chain compound, n *html.Node) bool {
	if len(chain) == 0 {
		return false
	}
	if !chain[len(chain)-1].match(n) {
		return false
	}
	rest := chain[:len(chain)-1]
	anc := n.Parent
	for i := len(rest) - 1; i >= 0; i-- {
		matched := false
		for ; anc != nil; anc = anc.Parent {
			if rest[i].match(anc) {
				matched = true
				anc = anc.Parent
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

// queryAll walks the subtree rooted at root and collects nodes matching the
// selector, in document order. limit < 0 means unlimited.
func queryAll(root *html.Node, rawSel string, limit int) []*html.Node {
	sel := parseSelector(rawSel)
	var results []*html.Node
	var walk func(*html.Node) bool
	walk = func(n *html.Node) bool {
		if sel.matchesNode(n) {
			results = append(results, n)
			if limit > 0 && len(results) >= limit {
				return false
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if !walk(c) {
				return false
			}
		}
		return true
	}
	walk(root)
	return results
}

func nodeAttr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func nodeHasAttr(n *html.Node, key string) bool {
	for _, a := range n.Attr {
		if a.Key == key {
			return true
		}
	}
	return false
}
