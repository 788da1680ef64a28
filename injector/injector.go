// Package injector keeps the flag state visible and clickable inside a host
// page whose DOM changes without notice.
//
// One Injector serves one page. Run consumes the page's mutation stream
// (a single subscription for the whole document) and, after every batch
// that added or removed nodes or replaced the document, makes an
// instrumentation pass:
//
//   - every post container without a marker gets exactly one control,
//     bound to the post's id through the Sync Client
//   - controls whose element left the document are unregistered
//   - the floating panel control exists exactly once, recreated if the
//     host page dropped it
//
// A pass is idempotent; replaying the same posts never adds a second
// control.
package injector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/hazyhaar/readtheroom/dom"
	"github.com/hazyhaar/readtheroom/identity"
	"github.com/hazyhaar/readtheroom/moderation"
	"github.com/hazyhaar/readtheroom/syncclient"
)

// ErrAlreadyRunning is returned by Run while another Run on the same
// Injector is active.
var ErrAlreadyRunning = errors.New("injector: already running")

// Config holds selectors and labels. Zero values take the defaults.
type Config struct {
	PostSelector  string `yaml:"post_selector"`
	StableIDAttr  string `yaml:"stable_id_attr"`
	MarkerClass   string `yaml:"marker_class"`
	ButtonClass   string `yaml:"button_class"`
	FloatingID    string `yaml:"floating_id"`
	AddLabel      string `yaml:"add_label"`
	AddedLabel    string `yaml:"added_label"`
	FloatingLabel string `yaml:"floating_label"`
}

func (c *Config) applyDefaults() {
	if c.PostSelector == "" {
		c.PostSelector = ".flat-list.buttons"
	}
	if c.StableIDAttr == "" {
		c.StableIDAttr = identity.StableAttr
	}
	if c.MarkerClass == "" {
		c.MarkerClass = "add-to-room-container"
	}
	if c.ButtonClass == "" {
		c.ButtonClass = "add-to-room-button"
	}
	if c.FloatingID == "" {
		c.FloatingID = "read-the-room-button"
	}
	if c.AddLabel == "" {
		c.AddLabel = "Add to Room"
	}
	if c.AddedLabel == "" {
		c.AddedLabel = "✓ Added"
	}
	if c.FloatingLabel == "" {
		c.FloatingLabel = "🔍 ReadTheRoom"
	}
}

// Injector instruments one page.
type Injector struct {
	doc      dom.Document
	client   *syncclient.Client
	resolver *identity.Resolver
	bus      syncclient.Sender
	cfg      Config
	logger   *slog.Logger

	running atomic.Bool

	mu       sync.Mutex
	controls []*buttonControl
}

// Option configures an Injector.
type Option func(*Injector)

// WithLogger sets the injector's logger.
func WithLogger(l *slog.Logger) Option {
	return func(i *Injector) { i.logger = l }
}

// WithResolver overrides the identity resolver.
func WithResolver(r *identity.Resolver) Option {
	return func(i *Injector) { i.resolver = r }
}

// New returns an injector for doc. client is the page's own Sync Client;
// bus receives the floating control's requests and may be nil.
func New(doc dom.Document, client *syncclient.Client, bus syncclient.Sender, cfg Config, opts ...Option) *Injector {
	cfg.applyDefaults()
	i := &Injector{
		doc:    doc,
		client: client,
		bus:    bus,
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(i)
	}
	if i.resolver == nil {
		i.resolver = identity.New(identity.WithAttr(i.cfg.StableIDAttr), identity.WithLogger(i.logger))
	}
	i.logger = i.logger.With("page", doc.URL())
	return i
}

// Run watches the page until ctx is cancelled. The first batch of every
// observation is a document reset, so the page is fully scanned on entry.
func (i *Injector) Run(ctx context.Context) error {
	if !i.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer i.running.Store(false)

	i.logger.Info("injector: watching")
	for b := range i.doc.Observe(ctx) {
		if !b.Structural() {
			continue
		}
		n, err := i.Instrument(ctx)
		if err != nil {
			i.logger.Warn("injector: pass incomplete", "seq", b.Seq, "error", err)
		}
		if n > 0 {
			i.logger.Debug("injector: controls attached", "count", n, "seq", b.Seq)
		}
	}
	i.release()
	i.logger.Info("injector: stopped")
	return nil
}

// Instrument makes one pass over the page and returns how many controls it
// attached. Errors on individual posts do not stop the pass; they are
// joined and returned. On a dom.Batcher the whole pass is one batch.
func (i *Injector) Instrument(ctx context.Context) (n int, err error) {
	if b, ok := i.doc.(dom.Batcher); ok {
		b.Batch(func() { n, err = i.instrument(ctx) })
		return n, err
	}
	return i.instrument(ctx)
}

func (i *Injector) instrument(ctx context.Context) (int, error) {
	var errs []error
	i.prune()

	containers, err := i.doc.QueryAll(i.cfg.PostSelector)
	if err != nil {
		return 0, fmt.Errorf("injector: query posts: %w", err)
	}
	attached := 0
	for _, c := range containers {
		ok, err := i.attach(ctx, c)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			attached++
		}
	}
	if err := i.ensureFloating(ctx); err != nil {
		errs = append(errs, err)
	}
	return attached, errors.Join(errs...)
}

// Controls returns the number of live controls.
func (i *Injector) Controls() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.controls)
}

func (i *Injector) attach(ctx context.Context, container dom.Element) (bool, error) {
	marked, err := container.QueryAll("." + i.cfg.MarkerClass)
	if err != nil {
		return false, fmt.Errorf("injector: marker check: %w", err)
	}
	if len(marked) > 0 {
		return false, nil
	}

	id := i.resolver.Resolve(container)
	holder, err := container.Append(dom.Node{Tag: "span", Classes: []string{i.cfg.MarkerClass}})
	if err != nil {
		return false, fmt.Errorf("injector: attach %s: %w", id.ID, err)
	}
	btn, err := holder.Append(dom.Node{
		Tag:     "button",
		Classes: []string{i.cfg.ButtonClass},
		Attrs:   map[string]string{"type": "button", "data-rtr-post": id.ID},
		Text:    i.cfg.AddLabel,
	})
	if err != nil {
		return false, fmt.Errorf("injector: attach %s: %w", id.ID, err)
	}

	ctl := &buttonControl{el: btn, postID: id.ID, cfg: &i.cfg}
	if err := btn.OnClick(func() { i.toggle(ctx, id.ID) }); err != nil {
		return false, fmt.Errorf("injector: bind %s: %w", id.ID, err)
	}

	i.mu.Lock()
	i.controls = append(i.controls, ctl)
	i.mu.Unlock()
	i.client.Register(id.ID, ctl)

	if _, err := i.client.Lookup(ctx, id.ID); err != nil {
		ctl.Render(syncclient.ControlState{Unsynced: true})
		return true, err
	}
	return true, nil
}

func (i *Injector) toggle(ctx context.Context, postID string) {
	if _, err := i.client.Toggle(ctx, postID); err != nil {
		i.logger.Error("injector: toggle failed", "post_id", postID, "error", err)
	}
}

// prune unregisters controls whose element is gone.
func (i *Injector) prune() {
	i.mu.Lock()
	var live, dead []*buttonControl
	for _, c := range i.controls {
		if ok, err := c.el.Connected(); err == nil && ok {
			live = append(live, c)
		} else {
			dead = append(dead, c)
		}
	}
	i.controls = live
	i.mu.Unlock()

	for _, c := range dead {
		i.client.Unregister(c.postID, c)
	}
}

func (i *Injector) release() {
	i.mu.Lock()
	ctls := i.controls
	i.controls = nil
	i.mu.Unlock()
	for _, c := range ctls {
		i.client.Unregister(c.postID, c)
	}
}

func (i *Injector) ensureFloating(ctx context.Context) error {
	if _, ok, err := i.doc.ByID(i.cfg.FloatingID); err != nil || ok {
		return err
	}
	body, err := i.doc.Body()
	if err != nil {
		return fmt.Errorf("injector: floating control: %w", err)
	}
	box, err := body.Append(dom.Node{Tag: "div", ID: i.cfg.FloatingID})
	if err != nil {
		return fmt.Errorf("injector: floating control: %w", err)
	}
	btn, err := box.Append(dom.Node{Tag: "button", Attrs: map[string]string{"type": "button"}, Text: i.cfg.FloatingLabel})
	if err != nil {
		return fmt.Errorf("injector: floating control: %w", err)
	}
	return btn.OnClick(func() { i.openPanel(ctx) })
}

func (i *Injector) openPanel(ctx context.Context) {
	if i.bus == nil {
		return
	}
	if err := i.bus.Send(ctx, moderation.ServiceOpenPanel, moderation.NewOpenPanel()); err != nil {
		i.logger.Warn("injector: open panel request failed", "error", err)
	}
	if err := i.bus.Send(ctx, moderation.ServiceReadTheRoom, moderation.NewReadTheRoom(i.doc.URL())); err != nil {
		i.logger.Debug("injector: readTheRoom request failed", "error", err)
	}
}
