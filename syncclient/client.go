// Package syncclient bridges one execution context to the flag store and,
// through the store's change notifications, to every other live context.
//
// A Client keeps the last mapping it saw, renders registered controls from
// it, and reconciles only the posts whose value actually moved. It never
// pushes values to sibling contexts; they learn about a toggle from the
// store. After each completed toggle it relays a logModeration message on
// the bus.
package syncclient

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/hazyhaar/readtheroom/flagstore"
	"github.com/hazyhaar/readtheroom/kit"
	"github.com/hazyhaar/readtheroom/moderation"
)

// ControlState is what a control displays for one post.
type ControlState struct {
	Flagged bool
	// Unsynced means the last write for this post failed: what is shown may
	// not match what is stored.
	Unsynced bool
}

// Control is anything that renders the state of one post. Implementations
// must be comparable (pointer types) so they can be unregistered.
type Control interface {
	Render(ControlState) error
}

// Sender delivers a message to a named service. *connectivity.Router
// implements it.
type Sender interface {
	Send(ctx context.Context, service string, msg any) error
}

// Client is one context's view of the flag store. Safe for concurrent use.
type Client struct {
	name   string
	store  flagstore.Store
	bus    Sender
	logger *slog.Logger

	mu        sync.Mutex
	known     moderation.FlaggedPosts
	loaded    bool
	unsynced  map[string]bool
	controls  map[string][]Control
	listeners map[int]func(moderation.FlagRecord)
	nextID    int
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client's logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a client for the context called name ("tab:front", "panel").
// bus may be nil, in which case no audit message is sent.
func New(name string, store flagstore.Store, bus Sender, opts ...Option) *Client {
	c := &Client{
		name:      name,
		store:     store,
		bus:       bus,
		logger:    slog.Default(),
		known:     moderation.FlaggedPosts{},
		unsynced:  make(map[string]bool),
		controls:  make(map[string][]Control),
		listeners: make(map[int]func(moderation.FlagRecord)),
	}
	for _, o := range opts {
		o(c)
	}
	c.logger = c.logger.With("context", name)
	return c
}

// Name returns the context name given to New.
func (c *Client) Name() string { return c.name }

// Register attaches ctl to postID. If the mapping has been loaded, ctl is
// rendered from it right away.
func (c *Client) Register(postID string, ctl Control) {
	c.mu.Lock()
	c.controls[postID] = append(c.controls[postID], ctl)
	loaded := c.loaded
	st := c.stateLocked(postID)
	c.mu.Unlock()

	if loaded {
		c.render(postID, []Control{ctl}, st)
	}
}

// Unregister detaches ctl from postID.
func (c *Client) Unregister(postID string, ctl Control) {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := slices.DeleteFunc(c.controls[postID], func(x Control) bool { return x == ctl })
	if len(list) == 0 {
		delete(c.controls, postID)
		return
	}
	c.controls[postID] = list
}

// Registered returns the number of controls attached to postID.
func (c *Client) Registered(postID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.controls[postID])
}

// LoadAll reads the whole mapping and renders every registered control
// from it. Unsynced marks are dropped: the store's value is now known.
func (c *Client) LoadAll(ctx context.Context) error {
	fp, err := c.store.Get(ctx)
	if err != nil {
		return fmt.Errorf("syncclient: load: %w", err)
	}

	c.mu.Lock()
	old := c.known
	c.known = fp.Clone()
	c.loaded = true
	c.unsynced = make(map[string]bool)
	targets := make(map[string][]Control, len(c.controls))
	for id, ctls := range c.controls {
		targets[id] = slices.Clone(ctls)
	}
	listeners := c.listenersLocked()
	c.mu.Unlock()

	for id, ctls := range targets {
		c.render(id, ctls, ControlState{Flagged: fp[id]})
	}
	c.notify(listeners, moderation.Diff(old, fp))
	c.logger.Debug("syncclient: loaded", "posts", len(fp), "controls", len(targets))
	return nil
}

// Lookup returns the flag for postID, loading the mapping first if this
// client has not seen it yet.
func (c *Client) Lookup(ctx context.Context, postID string) (bool, error) {
	c.mu.Lock()
	loaded := c.loaded
	v := c.known[postID]
	c.mu.Unlock()
	if loaded {
		return v, nil
	}
	if err := c.LoadAll(ctx); err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.known[postID], nil
}

// Toggle flips postID in the store. This context's controls show the
// expected value before the store is called. On success they show the
// stored value and a logModeration message is sent; on failure they show
// the previous value marked unsynced and the error is returned.
func (c *Client) Toggle(ctx context.Context, postID string) (bool, error) {
	c.mu.Lock()
	prev := c.known[postID]
	ctls := slices.Clone(c.controls[postID])
	c.mu.Unlock()

	c.render(postID, ctls, ControlState{Flagged: !prev})

	flagged, err := c.store.Toggle(ctx, postID)
	if err != nil {
		c.mu.Lock()
		c.unsynced[postID] = true
		ctls = slices.Clone(c.controls[postID])
		c.mu.Unlock()
		c.render(postID, ctls, ControlState{Flagged: prev, Unsynced: true})
		c.logger.Error("syncclient: toggle failed", "post_id", postID, "error", err)
		return prev, fmt.Errorf("syncclient: toggle %s: %w", postID, err)
	}

	c.mu.Lock()
	changed := c.known[postID] != flagged
	c.known[postID] = flagged
	delete(c.unsynced, postID)
	ctls = slices.Clone(c.controls[postID])
	listeners := c.listenersLocked()
	c.mu.Unlock()

	c.render(postID, ctls, ControlState{Flagged: flagged})
	if changed {
		c.notify(listeners, []moderation.FlagRecord{{PostID: postID, Flagged: flagged}})
	}
	c.audit(ctx, postID, flagged)
	return flagged, nil
}

func (c *Client) audit(ctx context.Context, postID string, flagged bool) {
	if c.bus == nil {
		return
	}
	msg := moderation.NewLogModeration(moderation.ModerationEvent{
		PostID: postID,
		Action: moderation.ActionFor(flagged),
	})
	ctx = kit.WithTransport(kit.WithContextName(ctx, c.name), "bus")
	if err := c.bus.Send(ctx, moderation.ServiceLogModeration, msg); err != nil {
		c.logger.Warn("syncclient: audit send failed", "post_id", postID, "error", err)
	}
}

// Apply reconciles a store notification. Posts whose value already matches
// what this client shows are skipped, which makes its own writes echo back
// as no-ops.
func (c *Client) Apply(ch flagstore.Change) {
	type update struct {
		id   string
		ctls []Control
		rec  moderation.FlagRecord
	}
	var updates []update

	c.mu.Lock()
	for _, d := range ch.Deltas() {
		if c.known[d.PostID] == d.Flagged && !c.unsynced[d.PostID] {
			continue
		}
		c.known[d.PostID] = d.Flagged
		delete(c.unsynced, d.PostID)
		updates = append(updates, update{
			id:   d.PostID,
			ctls: slices.Clone(c.controls[d.PostID]),
			rec:  d,
		})
	}
	listeners := c.listenersLocked()
	c.mu.Unlock()

	recs := make([]moderation.FlagRecord, 0, len(updates))
	for _, u := range updates {
		c.render(u.id, u.ctls, ControlState{Flagged: u.rec.Flagged})
		recs = append(recs, u.rec)
	}
	c.notify(listeners, recs)
	if len(updates) > 0 {
		c.logger.Debug("syncclient: applied change", "updated", len(updates))
	}
}

// Run subscribes to store notifications and returns once the subscription
// is live. Changes are applied until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	if err := c.store.Subscribe(ctx, c.Apply); err != nil {
		return fmt.Errorf("syncclient: subscribe: %w", err)
	}
	return nil
}

// Snapshot returns a copy of the mapping as this client last saw it.
func (c *Client) Snapshot() moderation.FlaggedPosts {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.known.Clone()
}

// Unsynced reports whether the last write for postID failed.
func (c *Client) Unsynced(postID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unsynced[postID]
}

// UnsyncedIDs lists, sorted, the posts whose last write failed. A post
// that was never loaded still appears once a toggle on it fails.
func (c *Client) UnsyncedIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.unsynced))
	for id := range c.unsynced {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// OnChange registers fn for every post whose value this client sees move,
// whatever the cause. It returns a function that removes fn.
func (c *Client) OnChange(fn func(moderation.FlagRecord)) (remove func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

func (c *Client) stateLocked(postID string) ControlState {
	return ControlState{Flagged: c.known[postID], Unsynced: c.unsynced[postID]}
}

func (c *Client) listenersLocked() []func(moderation.FlagRecord) {
	out := make([]func(moderation.FlagRecord), 0, len(c.listeners))
	for _, fn := range c.listeners {
		out = append(out, fn)
	}
	return out
}

func (c *Client) render(postID string, ctls []Control, st ControlState) {
	for _, ctl := range ctls {
		if err := ctl.Render(st); err != nil {
			c.logger.Warn("syncclient: render failed", "post_id", postID, "error", err)
		}
	}
}

func (c *Client) notify(listeners []func(moderation.FlagRecord), recs []moderation.FlagRecord) {
	for _, r := range recs {
		for _, fn := range listeners {
			fn(r)
		}
	}
}
