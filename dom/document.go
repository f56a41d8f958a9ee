// Package dom maintains an in-memory model of a host page's rendered markup.
//
// The engine never touches the live page directly for reads: a mutation
// source (CDP session, test fixture) streams mutation.Record values and the
// Document applies them to a golang.org/x/net/html tree. Every element seen
// is assigned an opaque stable ID on first sight; all per-element state in
// the rest of the module is keyed by that ID, and Attached reports whether
// the element is still rooted — the functional equivalent of weak-reference
// tracking for environments that lack it.
package dom

import (
	"bytes"
	"fmt"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/hazyhaar/dnpguard/mutation"
)

// ID is an opaque per-element identity token, stable for the lifetime of the
// element inside one Document. IDs are never reused.
type ID uint64

// Document is the engine's model of one page. Not safe for concurrent use;
// the engine owns it and drives it from a single loop.
type Document struct {
	root   *html.Node
	ids    map[*html.Node]ID
	nodes  map[ID]*html.Node
	nextID ID
}

// Parse builds a Document from a full-page HTML snapshot.
func Parse(snapshot []byte) (*Document, error) {
	root, err := html.Parse(bytes.NewReader(snapshot))
	if err != nil {
		return nil, fmt.Errorf("dom: parse snapshot: %w", err)
	}
	d := &Document{
		root:  root,
		ids:   make(map[*html.Node]ID),
		nodes: make(map[ID]*html.Node),
	}
	return d, nil
}

// MustParse is Parse for tests and fixtures with known-good input.
func MustParse(snapshot string) *Document {
	d, err := Parse([]byte(snapshot))
	if err != nil {
		panic(err)
	}
	return d
}

// Root returns the document's root element (the <html> element).
func (d *Document) Root() *Element {
	for c := d.root.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.DataAtom == atom.Html {
			return d.elem(c)
		}
	}
	return d.elem(d.root)
}

// Attached reports whether the element with the given ID is still part of
// the document tree. False for unknown IDs and for removed subtrees.
func (d *Document) Attached(id ID) bool {
	n, ok := d.nodes[id]
	if !ok {
		return false
	}
	for p := n; p != nil; p = p.Parent {
		if p == d.root {
			return true
		}
	}
	return false
}

// ByID returns the element for an ID, or nil if it is no longer tracked.
func (d *Document) ByID(id ID) *Element {
	n, ok := d.nodes[id]
	if !ok {
		return nil
	}
	return d.elem(n)
}

// elem wraps a node in an Element handle, assigning an ID on first sight.
func (d *Document) elem(n *html.Node) *Element {
	if n == nil {
		return nil
	}
	id, ok := d.ids[n]
	if !ok {
		d.nextID++
		id = d.nextID
		d.ids[n] = id
		d.nodes[id] = n
	}
	return &Element{doc: d, id: id, node: n}
}

// forget drops identity tracking for a subtree. Attached turns false for all
// elements in it; state trackers sweep the IDs later.
func (d *Document) forget(n *html.Node) {
	if id, ok := d.ids[n]; ok {
		delete(d.ids, n)
		delete(d.nodes, id)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		d.forget(c)
	}
}

// Apply mutates the model according to a single record and returns the
// elements whose subtrees need (re)processing: the inserted root for insert,
// the changed element for attr/attr_del/text. Remove and doc_reset return nil
// (doc_reset is handled by the caller rebuilding the Document).
func (d *Document) Apply(rec mutation.Record) []*Element {
	switch rec.Op {
	case mutation.OpInsert:
		return d.applyInsert(rec)
	case mutation.OpRemove:
		if n := d.resolveXPath(rec.XPath); n != nil {
			if n.Parent != nil {
				n.Parent.RemoveChild(n)
			}
			d.forget(n)
		}
		return nil
	case mutation.OpAttr:
		if n := d.resolveXPath(rec.XPath); n != nil {
			setAttr(n, rec.Name, rec.Value)
			return []*Element{d.elem(n)}
		}
	case mutation.OpAttrDel:
		if n := d.resolveXPath(rec.XPath); n != nil {
			delAttr(n, rec.Name)
			return []*Element{d.elem(n)}
		}
	case mutation.OpText:
		if n := d.resolveXPath(rec.XPath); n != nil {
			setText(n, rec.Value)
			return []*Element{d.elem(n)}
		}
	}
	return nil
}

func (d *Document) applyInsert(rec mutation.Record) []*Element {
	parentPath := rec.XPath
	lastSeg := ""
	if i := strings.LastIndexByte(parentPath, '/'); i > 0 {
		lastSeg = parentPath[i+1:]
		parentPath = parentPath[:i]
	}
	parent := d.resolveXPath(parentPath)
	if parent == nil {
		parent = bodyOf(d.root)
	}
	if parent == nil || rec.HTML == "" {
		return nil
	}

	frag, err := html.ParseFragment(strings.NewReader(rec.HTML), parent)
	if err != nil {
		return nil
	}

	// The record's final segment encodes the node's position among same-tag
	// siblings on the live page; inserting at that slot keeps later sibling
	// indices resolvable. Unmatchable positions append, which the periodic
	// resync corrects.
	var ref *html.Node
	if tag, idx := splitSegment(lastSeg); tag != "" {
		n := 0
		for c := parent.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.ElementNode && c.Data == tag {
				n++
				if n == idx {
					ref = c
					break
				}
			}
		}
	}

	var out []*Element
	for _, n := range frag {
		parent.InsertBefore(n, ref)
		if n.Type == html.ElementNode {
			out = append(out, d.elem(n))
		}
	}
	return out
}

// resolveXPath walks a path of the form "/html/body/div[2]/a" down the tree.
// Text()/comment() leaf segments resolve to their parent element. Paths the
// model cannot resolve return nil; mutations against them are dropped, which
// is safe — a later rescan will revisit the page.
func (d *Document) resolveXPath(path string) *html.Node {
	if path == "" {
		return nil
	}
	cur := d.root
	for seg := range strings.SplitSeq(strings.TrimPrefix(path, "/"), "/") {
		if seg == "" || seg == "text()" || seg == "comment()" {
			continue
		}
		tag, idx := splitSegment(seg)
		found := (*html.Node)(nil)
		n := 0
		for c := cur.FirstChild; c != nil; c = c.NextSibling {
			if c.Type != html.ElementNode || c.Data != tag {
				continue
			}
			n++
			if n == idx {
				found = c
				break
			}
		}
		if found == nil {
			return nil
		}
		cur = found
	}
	if cur == d.root {
		return nil
	}
	return cur
}

// splitSegment parses "div[2]" into ("div", 2); bare "div" is index 1.
func splitSegment(seg string) (string, int) {
	open := strings.IndexByte(seg, '[')
	if open < 0 {
		return seg, 1
	}
	closeIdx := strings.IndexByte(seg, ']')
	if closeIdx < open {
		return seg[:open], 1
	}
	idx := 0
	for _, r := range seg[open+1 : closeIdx] {
		if r < '0' || r > '9' {
			return seg[:open], 1
		}
		idx = idx*10 + int(r-'0')
	}
	if idx < 1 {
		idx = 1
	}
	return seg[:open], idx
}

func bodyOf(root *html.Node) *html.Node {
	var walk func(*html.Node) *html.Node
	walk = func(n *html.Node) *html.Node {
		if n.Type == html.ElementNode && n.DataAtom == atom.Body {
			return n
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if b := walk(c); b != nil {
				return b
			}
		}
		return nil
	}
	return walk(root)
}

func setAttr(n *html.Node, key, val string) {
	for i := range n.Attr {
		if n.Attr[i].Key == key {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}

func delAttr(n *html.Node, key string) {
	for i := range n.Attr {
		if n.Attr[i].Key == key {
			n.Attr = append(n.Attr[:i], n.Attr[i+1:]...)
			return
		}
	}
}

func setText(n *html.Node, text string) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		if c.Type == html.TextNode {
			n.RemoveChild(c)
		}
		c = next
	}
	n.AppendChild(&html.Node{Type: html.TextNode, Data: text})
}
