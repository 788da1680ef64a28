package dom

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"sync"

	"golang.org/x/net/html"

	"github.com/hazyhaar/readtheroom/domwatch/mutation"
)

var _ Batcher = (*HTMLDocument)(nil)

// HTMLDocument is an in-memory Document. Every edit, whether made through
// an Element or through the driver methods (InsertHTML, Remove, Reset),
// produces mutation records. Outside Batch each edit is flushed as its own
// batch; inside Batch the edits are grouped.
type HTMLDocument struct {
	mu      sync.Mutex
	url     string
	root    *html.Node
	wrap    map[*html.Node]*htmlElement
	expando map[*html.Node]map[string]string
	clicks  map[*html.Node][]func()

	pending []mutation.Record
	depth   int
	feed    *Feed
}

// ParseHTML builds a document from src.
func ParseHTML(pageURL, src string) (*HTMLDocument, error) {
	root, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("dom: parse %s: %w", pageURL, err)
	}
	return &HTMLDocument{
		url:     pageURL,
		root:    root,
		wrap:    make(map[*html.Node]*htmlElement),
		expando: make(map[*html.Node]map[string]string),
		clicks:  make(map[*html.Node][]func()),
		feed:    NewFeed(pageURL),
	}, nil
}

func (d *HTMLDocument) URL() string { return d.url }

func (d *HTMLDocument) Body() (Element, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	body := MustCompile("body").QueryAll(d.root)
	if len(body) == 0 {
		return nil, fmt.Errorf("dom: document has no body")
	}
	return d.elem(body[0]), nil
}

func (d *HTMLDocument) QueryAll(selector string) ([]Element, error) {
	sel, err := Compile(selector)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.elems(sel.QueryAll(d.root)), nil
}

func (d *HTMLDocument) ByID(id string) (Element, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sel := Selector{src: "#" + id, parts: []compound{{id: id}}}
	found := sel.QueryAll(d.root)
	if len(found) == 0 {
		return nil, false, nil
	}
	return d.elem(found[0]), true, nil
}

// Render serialises the current document.
func (d *HTMLDocument) Render() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var sb strings.Builder
	html.Render(&sb, d.root)
	return sb.String()
}

// Batch runs fn and emits every record it produces as a single batch.
// Calls nest.
func (d *HTMLDocument) Batch(fn func()) {
	d.mu.Lock()
	d.depth++
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.depth--
		if d.depth == 0 {
			d.flushLocked()
		}
		d.mu.Unlock()
	}()
	fn()
}

// InsertHTML parses fragment in the context of parent and appends the
// resulting nodes, the way a host page injects a new page of results.
func (d *HTMLDocument) InsertHTML(parent Element, fragment string) error {
	p, err := d.own(parent)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	nodes, err := html.ParseFragment(strings.NewReader(fragment), p.n)
	if err != nil {
		return fmt.Errorf("dom: parse fragment: %w", err)
	}
	for _, n := range nodes {
		p.n.AppendChild(n)
		d.recordInsertLocked(n)
	}
	d.maybeFlushLocked()
	return nil
}

// Remove detaches el from its parent. The detached subtree can no longer be
// queried, so its expandos and click handlers are dropped with it.
func (d *HTMLDocument) Remove(el Element) error {
	e, err := d.own(el)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if e.n.Parent == nil {
		return nil
	}
	rec := mutation.Record{Op: mutation.OpRemove, XPath: xpathOf(e.n), NodeType: 1, Tag: e.n.Data}
	e.n.Parent.RemoveChild(e.n)
	d.forgetLocked(e.n)
	d.pending = append(d.pending, rec)
	d.maybeFlushLocked()
	return nil
}

// Reset replaces the whole document, as a full navigation would. Every
// previously returned Element becomes disconnected.
func (d *HTMLDocument) Reset(src string) error {
	root, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return fmt.Errorf("dom: parse reset: %w", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.root = root
	d.wrap = make(map[*html.Node]*htmlElement)
	d.expando = make(map[*html.Node]map[string]string)
	d.clicks = make(map[*html.Node][]func())
	d.pending = append(d.pending, mutation.Record{Op: mutation.OpDocReset})
	d.maybeFlushLocked()
	return nil
}

// Click dispatches a click on el: its own handlers first, then its
// ancestors'. Clicking a detached element does nothing.
func (d *HTMLDocument) Click(el Element) error {
	e, err := d.own(el)
	if err != nil {
		return err
	}
	d.mu.Lock()
	if !d.connectedLocked(e.n) {
		d.mu.Unlock()
		return nil
	}
	var handlers []func()
	for n := e.n; n != nil; n = n.Parent {
		handlers = append(handlers, d.clicks[n]...)
	}
	d.mu.Unlock()

	for _, fn := range handlers {
		fn()
	}
	return nil
}

// Subscribers returns the number of live Observe subscriptions.
func (d *HTMLDocument) Subscribers() int { return d.feed.Subscribers() }

func (d *HTMLDocument) Observe(ctx context.Context) iter.Seq[mutation.Batch] {
	return d.feed.Observe(ctx)
}

func (d *HTMLDocument) recordInsertLocked(n *html.Node) {
	rec := mutation.Record{Op: mutation.OpInsert, XPath: xpathOf(n), NodeType: nodeType(n)}
	if n.Type == html.ElementNode {
		rec.Tag = n.Data
		var sb strings.Builder
		html.Render(&sb, n)
		rec.HTML = sb.String()
	} else if n.Type == html.TextNode {
		rec.Value = n.Data
	}
	d.pending = append(d.pending, rec)
}

func (d *HTMLDocument) maybeFlushLocked() {
	if d.depth == 0 {
		d.flushLocked()
	}
}

func (d *HTMLDocument) flushLocked() {
	recs := d.pending
	d.pending = nil
	d.feed.Publish(recs)
}

// forgetLocked drops per-node state for n and its descendants.
func (d *HTMLDocument) forgetLocked(n *html.Node) {
	delete(d.wrap, n)
	delete(d.expando, n)
	delete(d.clicks, n)
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		d.forgetLocked(c)
	}
}

func (d *HTMLDocument) connectedLocked(n *html.Node) bool {
	for p := n; p != nil; p = p.Parent {
		if p == d.root {
			return true
		}
	}
	return false
}

func (d *HTMLDocument) elem(n *html.Node) *htmlElement {
	if e, ok := d.wrap[n]; ok {
		return e
	}
	e := &htmlElement{d: d, n: n}
	d.wrap[n] = e
	return e
}

func (d *HTMLDocument) elems(nodes []*html.Node) []Element {
	out := make([]Element, len(nodes))
	for i, n := range nodes {
		out[i] = d.elem(n)
	}
	return out
}

func (d *HTMLDocument) own(el Element) (*htmlElement, error) {
	e, ok := el.(*htmlElement)
	if !ok || e.d != d {
		return nil, fmt.Errorf("dom: element does not belong to this document")
	}
	return e, nil
}

// htmlElement is the Element of an HTMLDocument. One wrapper per node, so
// wrappers compare equal when the nodes do.
type htmlElement struct {
	d *HTMLDocument
	n *html.Node
}

func (e *htmlElement) Tag() string { return e.n.Data }

func (e *htmlElement) Attr(name string) (string, bool, error) {
	e.d.mu.Lock()
	defer e.d.mu.Unlock()
	v, ok := lookupAttr(e.n, name)
	return v, ok, nil
}

func (e *htmlElement) SetAttr(name, value string) error {
	e.d.mu.Lock()
	defer e.d.mu.Unlock()
	old, had := lookupAttr(e.n, name)
	if had && old == value {
		return nil
	}
	if had {
		for i := range e.n.Attr {
			if e.n.Attr[i].Key == name {
				e.n.Attr[i].Val = value
			}
		}
	} else {
		e.n.Attr = append(e.n.Attr, html.Attribute{Key: name, Val: value})
	}
	e.d.pending = append(e.d.pending, mutation.Record{
		Op: mutation.OpAttr, XPath: xpathOf(e.n), NodeType: 1, Tag: e.n.Data,
		Name: name, Value: value, OldValue: old,
	})
	e.d.maybeFlushLocked()
	return nil
}

func (e *htmlElement) Text() (string, error) {
	e.d.mu.Lock()
	defer e.d.mu.Unlock()
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(e.n)
	return sb.String(), nil
}

func (e *htmlElement) SetText(text string) error {
	e.d.mu.Lock()
	defer e.d.mu.Unlock()
	old := ""
	if c := e.n.FirstChild; c != nil && c.Type == html.TextNode && c.NextSibling == nil {
		old = c.Data
		if old == text {
			return nil
		}
	}
	for c := e.n.FirstChild; c != nil; {
		next := c.NextSibling
		e.n.RemoveChild(c)
		c = next
	}
	e.n.AppendChild(&html.Node{Type: html.TextNode, Data: text})
	e.d.pending = append(e.d.pending, mutation.Record{
		Op: mutation.OpText, XPath: xpathOf(e.n) + "/text()", NodeType: 3,
		Value: text, OldValue: old,
	})
	e.d.maybeFlushLocked()
	return nil
}

func (e *htmlElement) Closest(selector string) (Element, bool, error) {
	sel, err := Compile(selector)
	if err != nil {
		return nil, false, err
	}
	e.d.mu.Lock()
	defer e.d.mu.Unlock()
	n := sel.Closest(e.n)
	if n == nil {
		return nil, false, nil
	}
	return e.d.elem(n), true, nil
}

func (e *htmlElement) QueryAll(selector string) ([]Element, error) {
	sel, err := Compile(selector)
	if err != nil {
		return nil, err
	}
	e.d.mu.Lock()
	defer e.d.mu.Unlock()
	return e.d.elems(sel.QueryAll(e.n)), nil
}

func (e *htmlElement) Append(want Node) (Element, error) {
	if want.Tag == "" {
		return nil, fmt.Errorf("dom: append: empty tag")
	}
	n := &html.Node{Type: html.ElementNode, Data: strings.ToLower(want.Tag)}
	for _, kv := range want.sortedAttrs() {
		n.Attr = append(n.Attr, html.Attribute{Key: kv[0], Val: kv[1]})
	}
	if want.Text != "" {
		n.AppendChild(&html.Node{Type: html.TextNode, Data: want.Text})
	}

	e.d.mu.Lock()
	defer e.d.mu.Unlock()
	e.n.AppendChild(n)
	e.d.recordInsertLocked(n)
	e.d.maybeFlushLocked()
	return e.d.elem(n), nil
}

func (e *htmlElement) Expando(key string) (string, bool, error) {
	e.d.mu.Lock()
	defer e.d.mu.Unlock()
	v, ok := e.d.expando[e.n][key]
	return v, ok, nil
}

func (e *htmlElement) SetExpando(key, value string) error {
	e.d.mu.Lock()
	defer e.d.mu.Unlock()
	m := e.d.expando[e.n]
	if m == nil {
		m = make(map[string]string)
		e.d.expando[e.n] = m
	}
	m[key] = value
	return nil
}

func (e *htmlElement) OnClick(fn func()) error {
	e.d.mu.Lock()
	defer e.d.mu.Unlock()
	e.d.clicks[e.n] = append(e.d.clicks[e.n], fn)
	return nil
}

func (e *htmlElement) Connected() (bool, error) {
	e.d.mu.Lock()
	defer e.d.mu.Unlock()
	return e.d.connectedLocked(e.n), nil
}
