package domwatch

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"sync"

	"github.com/go-rod/rod"

	"github.com/hazyhaar/readtheroom/dom"
	"github.com/hazyhaar/readtheroom/domwatch/internal/browser"
	"github.com/hazyhaar/readtheroom/domwatch/internal/observer"
	"github.com/hazyhaar/readtheroom/domwatch/mutation"
	"github.com/hazyhaar/readtheroom/idgen"
)

var (
	_ dom.Document = (*Page)(nil)
	_ dom.Element  = (*element)(nil)
)

// Page is a dom.Document backed by a live browser tab. Reads and writes
// go through CDP; mutations come from the in-page observer and are fanned
// out through a dom.Feed.
type Page struct {
	id     string
	tab    *browser.Tab
	page   *rod.Page
	obs    *observer.Observer
	feed   *dom.Feed
	logger *slog.Logger

	newHandle idgen.Generator

	mu       sync.Mutex
	handlers map[string][]func()
}

func newPage(ctx context.Context, tab *browser.Tab, deb DebounceConfig, logger *slog.Logger) *Page {
	p := &Page{
		id:       tab.PageID,
		tab:      tab,
		page:     tab.Page.Context(ctx),
		feed:     dom.NewFeed(tab.URL),
		logger:   logger.With("page", tab.PageID),
		handlers: make(map[string][]func()),

		newHandle: idgen.NanoID(12),
	}
	p.obs = observer.New(observer.Config{
		Page:           p.page,
		DebounceWindow: deb.Window,
		DebounceMax:    deb.MaxBuffer,
		Emit:           p.feed.Publish,
		Navigate:       p.feed.SetURL,
		Reset:          p.onReset,
		Click:          p.dispatch,
		Logger:         p.logger,
	})
	return p
}

// ID is the configured page identifier.
func (p *Page) ID() string { return p.id }

func (p *Page) URL() string { return p.feed.URL() }

func (p *Page) Observe(ctx context.Context) iter.Seq[mutation.Batch] {
	return p.feed.Observe(ctx)
}

func (p *Page) Body() (dom.Element, error) {
	el, err := p.page.Sleeper(rod.NotFoundSleeper).Element("body")
	if err != nil {
		return nil, fmt.Errorf("domwatch: body: %w", err)
	}
	return p.wrap(el), nil
}

func (p *Page) QueryAll(selector string) ([]dom.Element, error) {
	els, err := p.page.Elements(selector)
	if err != nil {
		return nil, fmt.Errorf("domwatch: query %q: %w", selector, err)
	}
	return p.wrapAll(els), nil
}

func (p *Page) ByID(id string) (dom.Element, bool, error) {
	el, err := p.page.Sleeper(rod.NotFoundSleeper).ElementByJS(rod.Eval(`(id) => document.getElementById(id)`, id))
	if isNotFound(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("domwatch: by id %q: %w", id, err)
	}
	return p.wrap(el), true, nil
}

// Close stops the observer and closes the tab.
func (p *Page) Close() error {
	p.obs.Stop()
	return p.tab.Close()
}

func (p *Page) start(ctx context.Context) error {
	return p.obs.Start(ctx)
}

// onReset runs when a new document has loaded: every handle belonged to
// the old one.
func (p *Page) onReset() {
	p.mu.Lock()
	clear(p.handlers)
	p.mu.Unlock()
	if info, err := p.page.Info(); err == nil {
		p.feed.SetURL(info.URL)
	}
}

func (p *Page) addHandler(handle string, fn func()) {
	p.mu.Lock()
	p.handlers[handle] = append(p.handlers[handle], fn)
	p.mu.Unlock()
}

// dispatch runs the handlers of a click, innermost element first.
func (p *Page) dispatch(handles []string) {
	var fns []func()
	p.mu.Lock()
	for _, h := range handles {
		fns = append(fns, p.handlers[h]...)
	}
	p.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (p *Page) wrap(el *rod.Element) *element {
	return &element{p: p, el: el}
}

func (p *Page) wrapAll(els rod.Elements) []dom.Element {
	out := make([]dom.Element, len(els))
	for i, el := range els {
		out[i] = p.wrap(el)
	}
	return out
}

func isNotFound(err error) bool {
	var nf *rod.ElementNotFoundError
	return errors.As(err, &nf)
}

// element is a dom.Element over a remote DOM node.
type element struct {
	p  *Page
	el *rod.Element

	tagOnce sync.Once
	tag     string
}

func (e *element) Tag() string {
	e.tagOnce.Do(func() {
		if res, err := e.el.Eval(`() => this.tagName.toLowerCase()`); err == nil {
			e.tag = res.Value.Str()
		}
	})
	return e.tag
}

func (e *element) Attr(name string) (string, bool, error) {
	v, err := e.el.Attribute(name)
	if err != nil {
		return "", false, fmt.Errorf("domwatch: attr %s: %w", name, err)
	}
	if v == nil {
		return "", false, nil
	}
	return *v, true, nil
}

func (e *element) SetAttr(name, value string) error {
	if _, err := e.el.Eval(`(n, v) => this.setAttribute(n, v)`, name, value); err != nil {
		return fmt.Errorf("domwatch: set attr %s: %w", name, err)
	}
	return nil
}

func (e *element) Text() (string, error) {
	res, err := e.el.Eval(`() => this.textContent`)
	if err != nil {
		return "", fmt.Errorf("domwatch: text: %w", err)
	}
	return res.Value.Str(), nil
}

func (e *element) SetText(text string) error {
	if _, err := e.el.Eval(`(t) => { this.textContent = t }`, text); err != nil {
		return fmt.Errorf("domwatch: set text: %w", err)
	}
	return nil
}

func (e *element) Closest(selector string) (dom.Element, bool, error) {
	el, err := e.el.ElementByJS(rod.Eval(`(sel) => this.closest(sel)`, selector))
	if isNotFound(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("domwatch: closest %q: %w", selector, err)
	}
	return e.p.wrap(el), true, nil
}

func (e *element) QueryAll(selector string) ([]dom.Element, error) {
	els, err := e.el.Elements(selector)
	if err != nil {
		return nil, fmt.Errorf("domwatch: query %q: %w", selector, err)
	}
	return e.p.wrapAll(els), nil
}

const appendJS = `(tag, id, cls, attrs, text) => {
	const n = document.createElement(tag);
	if (id) n.id = id;
	if (cls) n.className = cls;
	for (const [k, v] of Object.entries(attrs)) n.setAttribute(k, v);
	if (text) n.textContent = text;
	this.appendChild(n);
	return n;
}`

func (e *element) Append(n dom.Node) (dom.Element, error) {
	attrs := n.Attrs
	if attrs == nil {
		attrs = map[string]string{}
	}
	el, err := e.el.ElementByJS(rod.Eval(appendJS, n.Tag, n.ID, strings.Join(n.Classes, " "), attrs, n.Text))
	if err != nil {
		return nil, fmt.Errorf("domwatch: append %s: %w", n.Tag, err)
	}
	return e.p.wrap(el), nil
}

func (e *element) Expando(key string) (string, bool, error) {
	res, err := e.el.Eval(`(k) => { const m = this.__rtrExpando; return m && k in m ? m[k] : null; }`, key)
	if err != nil {
		return "", false, fmt.Errorf("domwatch: expando %s: %w", key, err)
	}
	if res.Value.Nil() {
		return "", false, nil
	}
	return res.Value.Str(), true, nil
}

func (e *element) SetExpando(key, value string) error {
	if _, err := e.el.Eval(`(k, v) => { (this.__rtrExpando ??= {})[k] = v; }`, key, value); err != nil {
		return fmt.Errorf("domwatch: set expando %s: %w", key, err)
	}
	return nil
}

// OnClick tags the node with a click handle, reusing an existing one, and
// records fn under it. The in-page script reports the handles on the
// path of every click.
func (e *element) OnClick(fn func()) error {
	res, err := e.el.Eval(`(attr, fresh) => {
		let h = this.getAttribute(attr);
		if (!h) { h = fresh; this.setAttribute(attr, h); }
		return h;
	}`, observer.HandleAttr, e.p.newHandle())
	if err != nil {
		return fmt.Errorf("domwatch: on click: %w", err)
	}
	e.p.addHandler(res.Value.Str(), fn)
	return nil
}

func (e *element) Connected() (bool, error) {
	res, err := e.el.Eval(`() => this.isConnected`)
	if err != nil {
		return false, fmt.Errorf("domwatch: connected: %w", err)
	}
	return res.Value.Bool(), nil
}
