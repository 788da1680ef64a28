package flagstore_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/readtheroom/dbopen"
	"github.com/hazyhaar/readtheroom/flagstore"
	"github.com/hazyhaar/readtheroom/moderation"
)

// openContext opens an independent store over the shared file at path, the
// way each tab or panel holds its own handle.
func openContext(t *testing.T, path string) *flagstore.SQLite {
	t.Helper()
	db, err := dbopen.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	s, err := flagstore.NewSQLite(db, flagstore.WithPollInterval(20*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func sharedPath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "storage.db")
}

// backends runs fn once per in-process backend.
func backends(t *testing.T, fn func(t *testing.T, s flagstore.Store)) {
	t.Run("memory", func(t *testing.T) { fn(t, flagstore.NewMemory(nil)) })
	t.Run("sqlite", func(t *testing.T) { fn(t, openContext(t, sharedPath(t))) })
}

func TestGet_EmptyOnFirstUse(t *testing.T) {
	backends(t, func(t *testing.T, s flagstore.Store) {
		fp, err := s.Get(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if fp == nil || len(fp) != 0 {
			t.Fatalf("first Get: got %v, want empty map", fp)
		}
	})
}

func TestSetGet_WholeMapping(t *testing.T) {
	backends(t, func(t *testing.T, s flagstore.Store) {
		ctx := context.Background()
		want := moderation.FlaggedPosts{"p1": true, "p2": false}
		if err := s.Set(ctx, want); err != nil {
			t.Fatal(err)
		}
		got, err := s.Get(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 2 || !got["p1"] || got["p2"] {
			t.Fatalf("Get: got %v, want %v", got, want)
		}

		// The returned map is the caller's own copy.
		got["p1"] = false
		again, _ := s.Get(ctx)
		if !again["p1"] {
			t.Fatal("mutating a Get result changed the store")
		}
	})
}

func TestToggle_TwiceRestores(t *testing.T) {
	backends(t, func(t *testing.T, s flagstore.Store) {
		ctx := context.Background()
		v, err := s.Toggle(ctx, "abc")
		if err != nil || !v {
			t.Fatalf("first toggle: v=%v err=%v", v, err)
		}
		v, err = s.Toggle(ctx, "abc")
		if err != nil || v {
			t.Fatalf("second toggle: v=%v err=%v", v, err)
		}
		fp, _ := s.Get(ctx)
		if fp.Flagged("abc") {
			t.Fatalf("after two toggles: %v", fp)
		}
	})
}

func TestToggle_EmptyID(t *testing.T) {
	backends(t, func(t *testing.T, s flagstore.Store) {
		if _, err := s.Toggle(context.Background(), ""); err == nil {
			t.Fatal("expected error for empty post id")
		}
	})
}

func TestSQLite_CrossContextScenario(t *testing.T) {
	path := sharedPath(t)
	a := openContext(t, path)
	b := openContext(t, path)
	ctx := context.Background()

	if v, err := a.Toggle(ctx, "abc"); err != nil || !v {
		t.Fatalf("A toggle: v=%v err=%v", v, err)
	}
	fp, err := b.Get(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !fp.Flagged("abc") {
		t.Fatalf("B sees %v, want abc flagged", fp)
	}
	if v, err := b.Toggle(ctx, "abc"); err != nil || v {
		t.Fatalf("B toggle: v=%v err=%v", v, err)
	}
	fp, _ = a.Get(ctx)
	if len(fp) != 1 || fp["abc"] != false {
		t.Fatalf("final store: %v, want {abc:false}", fp)
	}
}

func TestSQLite_SubscribeSeesOtherContext(t *testing.T) {
	path := sharedPath(t)
	a := openContext(t, path)
	b := openContext(t, path)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan flagstore.Change, 4)
	if err := b.Subscribe(ctx, func(c flagstore.Change) { changes <- c }); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Toggle(ctx, "p1"); err != nil {
		t.Fatal(err)
	}

	select {
	case c := <-changes:
		d := c.Deltas()
		if c.Topic != moderation.StorageKey || len(d) != 1 || d[0].PostID != "p1" || !d[0].Flagged {
			t.Fatalf("change: topic=%q deltas=%v", c.Topic, d)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no change notification from the other context")
	}
}

func TestSQLite_SubscribeSeesOwnWrites(t *testing.T) {
	s := openContext(t, sharedPath(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan flagstore.Change, 4)
	if err := s.Subscribe(ctx, func(c flagstore.Change) { changes <- c }); err != nil {
		t.Fatal(err)
	}
	if err := s.Set(ctx, moderation.FlaggedPosts{"own": true}); err != nil {
		t.Fatal(err)
	}
	select {
	case c := <-changes:
		if !c.New.Flagged("own") {
			t.Fatalf("change: %+v", c)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("own write not observed")
	}
}

func TestSQLite_SubscribeSkipsNoopWrites(t *testing.T) {
	s := openContext(t, sharedPath(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.Set(ctx, moderation.FlaggedPosts{"p": true}); err != nil {
		t.Fatal(err)
	}
	changes := make(chan flagstore.Change, 4)
	if err := s.Subscribe(ctx, func(c flagstore.Change) { changes <- c }); err != nil {
		t.Fatal(err)
	}
	// Same effective mapping: explicit false for an absent key.
	if err := s.Set(ctx, moderation.FlaggedPosts{"p": true, "q": false}); err != nil {
		t.Fatal(err)
	}
	select {
	case c := <-changes:
		t.Fatalf("unexpected change: %v", c.Deltas())
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSQLite_CorruptValueIsPersistError(t *testing.T) {
	db := dbopen.OpenMemory(t)
	s, err := flagstore.NewSQLite(db)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(`INSERT INTO storage_local (key, value, version, updated_at) VALUES (?, '{', 1, 0)`, moderation.StorageKey); err != nil {
		t.Fatal(err)
	}
	_, err = s.Get(context.Background())
	if !flagstore.IsPersistError(err) {
		t.Fatalf("Get on corrupt row: %v, want PersistError", err)
	}
}

// Two contexts racing toggle(p1) on a store at false: the stored value is
// a well-formed bool matching one of the serialisations, never torn.
func TestToggle_LastWriterWinsRace(t *testing.T) {
	path := sharedPath(t)
	a := openContext(t, path)
	b := openContext(t, path)
	ctx := context.Background()

	for range 20 {
		if err := a.Set(ctx, moderation.FlaggedPosts{}); err != nil {
			t.Fatal(err)
		}
		var wg sync.WaitGroup
		errs := make(chan error, 2)
		for _, s := range []*flagstore.SQLite{a, b} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := s.Toggle(ctx, "p1"); err != nil {
					errs <- err
				}
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Fatal(err)
		}

		fp, err := a.Get(ctx)
		if err != nil {
			t.Fatalf("mapping unreadable after race: %v", err)
		}
		if len(fp) != 1 {
			t.Fatalf("mapping after race: %v, want exactly p1", fp)
		}
	}
}

// A lost update is the accepted outcome of interleaved read-modify-write.
func TestToggle_InterleavedLosesEarlierWrite(t *testing.T) {
	path := sharedPath(t)
	a := openContext(t, path)
	b := openContext(t, path)
	ctx := context.Background()

	seenA, _ := a.Get(ctx)
	seenB, _ := b.Get(ctx)

	nextA := seenA.Clone()
	nextA["p1"] = true
	nextB := seenB.Clone()
	nextB["p2"] = true

	if err := a.Set(ctx, nextA); err != nil {
		t.Fatal(err)
	}
	if err := b.Set(ctx, nextB); err != nil {
		t.Fatal(err)
	}
	fp, _ := a.Get(ctx)
	if fp.Flagged("p1") || !fp.Flagged("p2") {
		t.Fatalf("got %v, want the later write only", fp)
	}
}

func TestMemory_FailWith(t *testing.T) {
	m := flagstore.NewMemory(moderation.FlaggedPosts{"p": true})
	ctx := context.Background()
	boom := errors.New("quota exceeded")

	m.FailWith(boom)
	if _, err := m.Toggle(ctx, "p"); !errors.Is(err, boom) || !flagstore.IsPersistError(err) {
		t.Fatalf("Toggle under failure: %v", err)
	}
	var pe *flagstore.PersistError
	if err := m.Set(ctx, nil); !errors.As(err, &pe) || pe.Op != "set" {
		t.Fatalf("Set under failure: %v", err)
	}

	m.FailWith(nil)
	fp, err := m.Get(ctx)
	if err != nil || !fp.Flagged("p") {
		t.Fatalf("after recovery: %v %v", fp, err)
	}
}

func TestMemory_SubscribeSynchronous(t *testing.T) {
	m := flagstore.NewMemory(nil)
	ctx, cancel := context.WithCancel(context.Background())

	var got []moderation.FlagRecord
	if err := m.Subscribe(ctx, func(c flagstore.Change) { got = append(got, c.Deltas()...) }); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Toggle(ctx, "x"); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != (moderation.FlagRecord{PostID: "x", Flagged: true}) {
		t.Fatalf("deltas: %v", got)
	}

	cancel()
	if _, err := m.Toggle(context.Background(), "x"); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("delivered after cancel: %v", got)
	}
	if n := m.Subscribers(); n != 0 {
		t.Fatalf("Subscribers after cancel = %d", n)
	}
}

func TestMemory_Closed(t *testing.T) {
	m := flagstore.NewMemory(nil)
	m.Close()
	if _, err := m.Get(context.Background()); !errors.Is(err, flagstore.ErrClosed) {
		t.Fatalf("Get after Close: %v", err)
	}
}
