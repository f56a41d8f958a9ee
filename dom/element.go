package dom

import (
	"fmt"
	"slices"
	"strings"

	"golang.org/x/net/html"
)

// Element is a handle on one element node. Handles are cheap and transient;
// identity comparisons must use ID, not handle equality.
type Element struct {
	doc  *Document
	id   ID
	node *html.Node
}

// ID returns the element's opaque identity token.
func (e *Element) ID() ID { return e.id }

// Tag returns the lowercase tag name.
func (e *Element) Tag() string { return e.node.Data }

// Attr returns the value of an attribute, or "" when absent.
func (e *Element) Attr(key string) string {
	for _, a := range e.node.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// HasAttr reports whether the attribute is present.
func (e *Element) HasAttr(key string) bool {
	for _, a := range e.node.Attr {
		if a.Key == key {
			return true
		}
	}
	return false
}

// Text returns the whitespace-normalised text content of the subtree.
func (e *Element) Text() string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
			sb.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(e.node)
	return strings.Join(strings.Fields(sb.String()), " ")
}

// OwnText returns the normalised text of direct text children only.
func (e *Element) OwnText() string {
	var sb strings.Builder
	for c := e.node.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.TextNode {
			sb.WriteString(c.Data)
			sb.WriteByte(' ')
		}
	}
	return strings.Join(strings.Fields(sb.String()), " ")
}

// Parent returns the parent element, or nil at the tree top.
func (e *Element) Parent() *Element {
	for p := e.node.Parent; p != nil; p = p.Parent {
		if p.Type == html.ElementNode {
			return e.doc.elem(p)
		}
	}
	return nil
}

// Ancestor walks up at most maxDepth parent elements and returns the first
// one matching the selector, or nil. The depth cap keeps every extraction
// strategy bounded regardless of page shape.
func (e *Element) Ancestor(selector string, maxDepth int) *Element {
	sel := parseSelector(selector)
	p := e.Parent()
	for i := 0; i < maxDepth && p != nil; i++ {
		if sel.matchesNode(p.node) {
			return p
		}
		p = p.Parent()
	}
	return nil
}

// Matches reports whether the element itself matches the selector.
func (e *Element) Matches(selector string) bool {
	return parseSelector(selector).matchesNode(e.node)
}

// Query returns the first descendant (or self) matching the selector.
func (e *Element) Query(selector string) *Element {
	res := queryAll(e.node, selector, 1)
	if len(res) == 0 {
		return nil
	}
	return e.doc.elem(res[0])
}

// QueryAll returns every descendant (or self) matching the selector.
func (e *Element) QueryAll(selector string) []*Element {
	nodes := queryAll(e.node, selector, -1)
	out := make([]*Element, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, e.doc.elem(n))
	}
	return out
}

// Attached reports whether this element is still rooted in its document.
func (e *Element) Attached() bool {
	return e.doc.Attached(e.id)
}

// XPath returns the element's absolute path, "/html/body/div[2]/a" style,
// with the sibling index omitted for the first same-tag child. This is the
// coordinate used to address the same element in the live page.
func (e *Element) XPath() string {
	var parts []string
	for n := e.node; n != nil && n.Type == html.ElementNode; n = n.Parent {
		idx := 1
		for s := n.PrevSibling; s != nil; s = s.PrevSibling {
			if s.Type == html.ElementNode && s.Data == n.Data {
				idx++
			}
		}
		if idx > 1 {
			parts = append(parts, fmt.Sprintf("%s[%d]", n.Data, idx))
		} else {
			parts = append(parts, n.Data)
		}
	}
	slices.Reverse(parts)
	return "/" + strings.Join(parts, "/")
}
