// Package auditlog is the collaborator that receives logModeration
// messages. It records each completed toggle as a row; nothing reads these
// rows back into flag state.
package auditlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/readtheroom/dbopen"
	"github.com/hazyhaar/readtheroom/idgen"
	"github.com/hazyhaar/readtheroom/kit"
	"github.com/hazyhaar/readtheroom/moderation"
)

// Schema is the moderation log table.
const Schema = `
CREATE TABLE IF NOT EXISTS moderation_log (
    event_id   TEXT PRIMARY KEY,
    post_id    TEXT NOT NULL,
    action     TEXT NOT NULL CHECK(action IN ('flagged', 'unflagged')),
    context    TEXT NOT NULL DEFAULT '',
    transport  TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_moderation_log_post ON moderation_log(post_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_moderation_log_time ON moderation_log(created_at DESC);
`

// Entry is one recorded transition.
type Entry struct {
	EventID   string            `json:"eventId"`
	PostID    string            `json:"postId"`
	Action    moderation.Action `json:"action"`
	Context   string            `json:"context,omitempty"`
	Transport string            `json:"transport,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// Logger persists moderation events.
type Logger struct {
	db     *sql.DB
	newID  idgen.Generator
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Logger.
type Option func(*Logger)

// WithIDGenerator sets the event id generator.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(l *Logger) { l.newID = gen }
}

// WithLogger sets the slog logger.
func WithLogger(lg *slog.Logger) Option {
	return func(l *Logger) { l.logger = lg }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Logger) { l.now = now }
}

// New applies the schema to db and returns a Logger.
func New(db *sql.DB, opts ...Option) (*Logger, error) {
	if _, err := db.Exec(Schema); err != nil {
		return nil, fmt.Errorf("auditlog: init schema: %w", err)
	}
	l := &Logger{
		db:     db,
		newID:  idgen.Prefixed("mod_", idgen.Default),
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(l)
	}
	return l, nil
}

// Record stores ev. The originating context and transport are taken from
// ctx when present.
func (l *Logger) Record(ctx context.Context, ev moderation.ModerationEvent) (Entry, error) {
	if ev.PostID == "" || !ev.Action.Valid() {
		return Entry{}, fmt.Errorf("auditlog: invalid event %+v", ev)
	}
	e := Entry{
		EventID:   l.newID(),
		PostID:    ev.PostID,
		Action:    ev.Action,
		Context:   kit.GetContextName(ctx),
		Transport: kit.GetTransport(ctx),
		CreatedAt: l.now().UTC(),
	}
	_, err := dbopen.Exec(ctx, l.db,
		`INSERT INTO moderation_log (event_id, post_id, action, context, transport, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.EventID, e.PostID, string(e.Action), e.Context, e.Transport, e.CreatedAt.UnixMilli())
	if err != nil {
		return Entry{}, fmt.Errorf("auditlog: insert: %w", err)
	}
	l.logger.Info("auditlog: moderation recorded",
		"event_id", e.EventID, "post_id", e.PostID, "action", e.Action, "context", e.Context)
	return e, nil
}

// Handle is the bus handler for logModeration. It replies with the stored
// entry as JSON.
func (l *Logger) Handle(ctx context.Context, payload []byte) ([]byte, error) {
	ev, err := moderation.DecodeLogModeration(payload)
	if err != nil {
		return nil, fmt.Errorf("auditlog: %w", err)
	}
	e, err := l.Record(ctx, ev)
	if err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// HandleReadTheRoom is the bus handler for analysis requests. There is no
// analysis backend; the request is logged and acknowledged.
func (l *Logger) HandleReadTheRoom(ctx context.Context, payload []byte) ([]byte, error) {
	var msg moderation.ReadTheRoomMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("auditlog: decode readTheRoom: %w", err)
	}
	l.logger.InfoContext(ctx, "auditlog: analysis requested", "page", msg.PageURL)
	return nil, nil
}

// Recent returns the latest entries, newest first. limit <= 0 means 50.
func (l *Logger) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.query(ctx, `SELECT event_id, post_id, action, context, transport, created_at
		FROM moderation_log ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
}

// ForPost returns every entry for postID, oldest first.
func (l *Logger) ForPost(ctx context.Context, postID string) ([]Entry, error) {
	return l.query(ctx, `SELECT event_id, post_id, action, context, transport, created_at
		FROM moderation_log WHERE post_id = ? ORDER BY created_at ASC, rowid ASC`, postID)
}

func (l *Logger) query(ctx context.Context, q string, args ...any) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("auditlog: query: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var action string
		var ms int64
		if err := rows.Scan(&e.EventID, &e.PostID, &action, &e.Context, &e.Transport, &ms); err != nil {
			return nil, fmt.Errorf("auditlog: scan: %w", err)
		}
		e.Action = moderation.Action(action)
		e.CreatedAt = time.UnixMilli(ms).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}
