// Package panel is the moderator panel: the context that lists flagged
// posts and toggles them through its own Sync Client.
//
// The panel is either closed or open. It opens from the floating page
// control (through the bus) or from the API; opening an open panel changes
// nothing. It closes only on an explicit request.
package panel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hazyhaar/readtheroom/moderation"
	"github.com/hazyhaar/readtheroom/syncclient"
)

// State is the panel's visibility.
type State string

const (
	StateClosed State = "closed"
	StateOpen   State = "open"
)

// Overview is what the panel displays. Queue is a placeholder group with
// no source yet and is always empty.
type Overview struct {
	State    State    `json:"state"`
	Flagged  []string `json:"flagged"`
	Archive  []string `json:"archive"`
	Queue    []string `json:"queue"`
	Unsynced []string `json:"unsynced,omitempty"`
}

// Controller owns the panel state. Safe for concurrent use.
type Controller struct {
	client  *syncclient.Client
	history History
	logger  *slog.Logger
	hub     *hub

	mu     sync.Mutex
	state  State
	detach func()
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the controller's logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// New returns a closed panel bound to client, the panel context's own Sync
// Client.
func New(client *syncclient.Client, opts ...Option) *Controller {
	c := &Controller{
		client: client,
		logger: slog.Default(),
		state:  StateClosed,
	}
	for _, o := range opts {
		o(c)
	}
	c.hub = newHub(c.logger)
	c.detach = client.OnChange(func(r moderation.FlagRecord) {
		flagged := r.Flagged
		c.hub.broadcast(Event{Type: EventFlag, PostID: r.PostID, Flagged: &flagged})
	})
	return c
}

// Load reads the current mapping into the panel's client.
func (c *Controller) Load(ctx context.Context) error {
	return c.client.LoadAll(ctx)
}

// Open moves the panel to open and reports whether it was closed before.
func (c *Controller) Open() bool {
	c.mu.Lock()
	if c.state == StateOpen {
		c.mu.Unlock()
		return false
	}
	c.state = StateOpen
	c.mu.Unlock()
	c.logger.Info("panel: opened")
	c.hub.broadcast(Event{Type: EventState, State: StateOpen})
	return true
}

// Close moves the panel to closed and reports whether it was open before.
func (c *Controller) Close() bool {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return false
	}
	c.state = StateClosed
	c.mu.Unlock()
	c.logger.Info("panel: closed")
	c.hub.broadcast(Event{Type: EventState, State: StateClosed})
	return true
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Overview groups the panel client's mapping.
func (c *Controller) Overview() Overview {
	fp := c.client.Snapshot()
	ov := Overview{
		State:   c.State(),
		Flagged: nonNil(fp.IDs(true)),
		Archive: nonNil(fp.IDs(false)),
		Queue:   []string{},
	}
	if ids := c.client.UnsyncedIDs(); len(ids) > 0 {
		ov.Unsynced = ids
	}
	return ov
}

// ErrBadPostID is returned for an empty or oversized post id. Post ids are
// otherwise opaque: whatever the page resolved is accepted.
var ErrBadPostID = errors.New("panel: bad post id")

const maxPostIDLen = 512

func checkPostID(postID string) error {
	if postID == "" || len(postID) > maxPostIDLen {
		return fmt.Errorf("%w: length %d", ErrBadPostID, len(postID))
	}
	return nil
}

// Toggle flips postID through the panel's Sync Client.
func (c *Controller) Toggle(ctx context.Context, postID string) (bool, error) {
	if err := checkPostID(postID); err != nil {
		return false, err
	}
	return c.client.Toggle(ctx, postID)
}

// HandleOpenRequest is the bus handler for OPEN_MODERATOR_PANEL.
func (c *Controller) HandleOpenRequest(_ context.Context, payload []byte) ([]byte, error) {
	var msg moderation.OpenPanelMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("panel: decode open request: %w", err)
	}
	if msg.Type != moderation.ServiceOpenPanel {
		return nil, fmt.Errorf("panel: unexpected message type %q", msg.Type)
	}
	c.Open()
	return json.Marshal(c.Overview())
}

// Shutdown stops change delivery and disconnects stream clients.
func (c *Controller) Shutdown() {
	c.detach()
	c.hub.closeAll()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
