package flagstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/readtheroom/dbopen"
	"github.com/hazyhaar/readtheroom/moderation"
	"github.com/hazyhaar/readtheroom/watch"
)

// Schema is the extension-scoped storage area. One row per namespaced
// record; readtheroom only uses the flaggedPosts row. version is a global
// counter bumped on every write so that pollers see their own writes too
// (PRAGMA data_version does not).
const Schema = `
CREATE TABLE IF NOT EXISTS storage_local (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	version    INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL
);
`

// SQLite is a Store over a SQLite file. Several processes may open the same
// file; each sees the others' writes through Subscribe.
type SQLite struct {
	db       *sql.DB
	key      string
	interval time.Duration
	logger   *slog.Logger
}

// Option configures a SQLite store.
type Option func(*SQLite)

// WithLogger sets the logger used by subscriptions.
func WithLogger(l *slog.Logger) Option {
	return func(s *SQLite) { s.logger = l }
}

// WithPollInterval sets how often subscriptions poll for writes. Default: 200ms.
func WithPollInterval(d time.Duration) Option {
	return func(s *SQLite) { s.interval = d }
}

// NewSQLite applies the schema and returns a store bound to db.
func NewSQLite(db *sql.DB, opts ...Option) (*SQLite, error) {
	s := &SQLite{
		db:       db,
		key:      moderation.StorageKey,
		interval: 200 * time.Millisecond,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	if _, err := db.Exec(Schema); err != nil {
		return nil, fmt.Errorf("flagstore: apply schema: %w", err)
	}
	return s, nil
}

// OpenSQLite opens (creating if needed) the database at path.
// The caller must blank-import modernc.org/sqlite.
func OpenSQLite(path string, opts ...Option) (*SQLite, *sql.DB, error) {
	db, err := dbopen.Open(path, dbopen.WithMkdirAll())
	if err != nil {
		return nil, nil, err
	}
	s, err := NewSQLite(db, opts...)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return s, db, nil
}

func (s *SQLite) Get(ctx context.Context) (moderation.FlaggedPosts, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM storage_local WHERE key = ?`, s.key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return moderation.FlaggedPosts{}, nil
	}
	if err != nil {
		return nil, &PersistError{Op: "get", Err: err}
	}
	return decodeMapping([]byte(raw), "get")
}

func (s *SQLite) Set(ctx context.Context, next moderation.FlaggedPosts) error {
	if next == nil {
		next = moderation.FlaggedPosts{}
	}
	data, err := json.Marshal(next)
	if err != nil {
		return &PersistError{Op: "set", Err: err}
	}
	_, err = dbopen.Exec(ctx, s.db, `
		INSERT INTO storage_local (key, value, version, updated_at)
		VALUES (?, ?, (SELECT COALESCE(MAX(version), 0) + 1 FROM storage_local), ?)
		ON CONFLICT(key) DO UPDATE SET
			value      = excluded.value,
			version    = excluded.version,
			updated_at = excluded.updated_at`,
		s.key, string(data), time.Now().UnixMilli())
	if err != nil {
		return &PersistError{Op: "set", Err: err}
	}
	return nil
}

func (s *SQLite) Toggle(ctx context.Context, postID string) (bool, error) {
	return toggle(ctx, s, postID)
}

// Subscribe polls the version counter and delivers a Change whenever the
// decoded mapping differs from the last one delivered. Writes that land
// between the initial read and the first poll are caught by a forced
// reconciliation on the first tick.
func (s *SQLite) Subscribe(ctx context.Context, fn func(Change)) error {
	last, err := s.Get(ctx)
	if err != nil {
		return &PersistError{Op: "subscribe", Err: err}
	}

	w := watch.New(s.db, watch.Options{
		Interval:  s.interval,
		Detector:  watch.MaxColumnDetector("storage_local", "version"),
		Reconcile: true,
		Logger:    s.logger,
	})

	go w.OnChange(ctx, func(ctx context.Context) error {
		cur, err := s.Get(ctx)
		if err != nil {
			return err
		}
		if len(moderation.Diff(last, cur)) == 0 {
			last = cur
			return nil
		}
		ch := Change{Topic: s.key, Old: last, New: cur}
		last = cur
		fn(ch)
		return nil
	})
	return nil
}
