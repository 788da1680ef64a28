// Package flagstore is the single source of truth for postId → flagged.
//
// Every execution context (one per observed tab, the panel) holds its own
// Store value and never shares the decoded mapping with another context.
// Writes replace the whole mapping atomically; Toggle is a read followed by
// an independent write, so two contexts toggling the same post at the same
// instant race and the later write wins. That is accepted behaviour.
//
// Backends:
//
//	SQLite — modernc.org/sqlite, shared file, change detection by polling
//	Redis  — go-redis, SET + PUBLISH, change detection by pub/sub
//	Memory — in-process, synchronous notifications, failure injection for tests
package flagstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/hazyhaar/readtheroom/moderation"
)

// Store is the flag store contract shared by all backends.
type Store interface {
	// Get returns the full current mapping. Never partial.
	Get(ctx context.Context) (moderation.FlaggedPosts, error)
	// Set replaces the mapping in one write.
	Set(ctx context.Context, next moderation.FlaggedPosts) error
	// Toggle flips postID (absent reads as false), writes the mapping back
	// and returns the new value. This is the path UI surfaces use.
	Toggle(ctx context.Context, postID string) (bool, error)
	// Subscribe registers fn for changes to the mapping, whichever context
	// wrote them, and returns once the subscription is live. Delivery stops
	// when ctx is cancelled.
	Subscribe(ctx context.Context, fn func(Change)) error
}

// Change is a notification that the mapping under Topic moved from Old to New.
type Change struct {
	Topic string
	Old   moderation.FlaggedPosts
	New   moderation.FlaggedPosts
}

// Deltas lists the posts whose effective value differs between Old and New.
func (c Change) Deltas() []moderation.FlagRecord {
	return moderation.Diff(c.Old, c.New)
}

// ErrClosed is returned by a Memory store after Close.
var ErrClosed = errors.New("flagstore: closed")

// PersistError reports a failed read or write of durable state. After a
// failed Set or Toggle the caller's optimistic UI may disagree with what is
// stored; it must surface that rather than assume success.
type PersistError struct {
	Op  string // "get", "set", "subscribe"
	Err error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("flagstore: %s: %v", e.Op, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }

// IsPersistError reports whether err carries a PersistError.
func IsPersistError(err error) bool {
	var pe *PersistError
	return errors.As(err, &pe)
}

type getSetter interface {
	Get(ctx context.Context) (moderation.FlaggedPosts, error)
	Set(ctx context.Context, next moderation.FlaggedPosts) error
}

// toggle is the read-modify-write shared by every backend. Nothing between
// the Get and the Set is locked.
func toggle(ctx context.Context, s getSetter, postID string) (bool, error) {
	if postID == "" {
		return false, fmt.Errorf("flagstore: toggle: empty post id")
	}
	cur, err := s.Get(ctx)
	if err != nil {
		return false, err
	}
	next := cur.Clone()
	flagged := !cur[postID]
	next[postID] = flagged
	if err := s.Set(ctx, next); err != nil {
		return false, err
	}
	return flagged, nil
}
