package flagstore

import (
	"context"
	"sync"

	"github.com/hazyhaar/readtheroom/moderation"
)

// Memory is an in-process Store. Subscribers are called synchronously from
// the goroutine that performed the Set, after the store lock is released.
// Each Get returns a fresh copy so callers in different contexts never
// alias one another's mapping.
type Memory struct {
	mu     sync.Mutex
	data   moderation.FlaggedPosts
	subs   map[int]*memorySub
	nextID int
	fail   error
	closed bool
}

type memorySub struct {
	ctx context.Context
	fn  func(Change)
}

// NewMemory returns a store seeded with initial (may be nil).
func NewMemory(initial moderation.FlaggedPosts) *Memory {
	return &Memory{
		data: initial.Clone(),
		subs: make(map[int]*memorySub),
	}
}

// FailWith makes every subsequent Get and Set fail with a PersistError
// wrapping err. Pass nil to restore normal operation.
func (m *Memory) FailWith(err error) {
	m.mu.Lock()
	m.fail = err
	m.mu.Unlock()
}

// Close drops all subscribers. Later calls return ErrClosed.
func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.subs = make(map[int]*memorySub)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Get(_ context.Context) (moderation.FlaggedPosts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if m.fail != nil {
		return nil, &PersistError{Op: "get", Err: m.fail}
	}
	return m.data.Clone(), nil
}

func (m *Memory) Set(ctx context.Context, next moderation.FlaggedPosts) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.fail != nil {
		m.mu.Unlock()
		return &PersistError{Op: "set", Err: m.fail}
	}
	old := m.data
	m.data = next.Clone()
	ch := Change{Topic: moderation.StorageKey, Old: old.Clone(), New: m.data.Clone()}

	var targets []func(Change)
	for id, s := range m.subs {
		if s.ctx.Err() != nil {
			delete(m.subs, id)
			continue
		}
		targets = append(targets, s.fn)
	}
	m.mu.Unlock()

	if len(ch.Deltas()) == 0 {
		return nil
	}
	for _, fn := range targets {
		fn(ch)
	}
	return nil
}

func (m *Memory) Toggle(ctx context.Context, postID string) (bool, error) {
	return toggle(ctx, m, postID)
}

func (m *Memory) Subscribe(ctx context.Context, fn func(Change)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.subs[m.nextID] = &memorySub{ctx: ctx, fn: fn}
	m.nextID++
	return nil
}

// Subscribers returns the number of live subscriptions.
func (m *Memory) Subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.subs {
		if s.ctx.Err() == nil {
			n++
		}
	}
	return n
}
