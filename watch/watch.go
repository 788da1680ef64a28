// Package watch turns a SQLite file shared between processes into a change
// feed. A Watcher polls a version token and runs an action whenever the
// token moves.
//
//	w := watch.New(db, watch.Options{Interval: 200 * time.Millisecond, Reconcile: true})
//	go w.OnChange(ctx, reload)
package watch

import (
	"context"
	"database/sql"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
)

// ChangeDetector reads a version token. Different values between two calls
// mean the watched data changed.
type ChangeDetector func(ctx context.Context, db *sql.DB) (int64, error)

type Options struct {
	// Interval between polls. Default: 1s.
	Interval time.Duration
	// Detector defaults to PragmaDataVersion.
	Detector ChangeDetector
	// Reconcile runs the action on the first poll whatever the token says.
	// Callers that read state before starting the watcher use it to catch
	// writes landing between their read and the baseline.
	Reconcile bool
	Logger    *slog.Logger
}

type Watcher struct {
	db       *sql.DB
	interval time.Duration
	detect   ChangeDetector
	force    atomic.Bool
	logger   *slog.Logger

	// Last token whose action succeeded; -1 until the baseline is read.
	version atomic.Int64
	fired   atomic.Int64
}

func New(db *sql.DB, opts Options) *Watcher {
	w := &Watcher{
		db:       db,
		interval: opts.Interval,
		detect:   opts.Detector,
		logger:   opts.Logger,
	}
	if w.interval <= 0 {
		w.interval = time.Second
	}
	if w.detect == nil {
		w.detect = PragmaDataVersion
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	w.force.Store(opts.Reconcile)
	w.version.Store(-1)
	return w
}

// Version returns the last token whose action succeeded, or -1.
func (w *Watcher) Version() int64 { return w.version.Load() }

// Fired counts successful action runs.
func (w *Watcher) Fired() int64 { return w.fired.Load() }

// OnChange polls until ctx is done. A failed action leaves the token where
// it was, so the next poll retries.
func (w *Watcher) OnChange(ctx context.Context, action func(context.Context) error) {
	if v, err := w.detect(ctx, w.db); err == nil {
		w.version.Store(v)
	} else {
		w.logger.Warn("watch: baseline read failed", "error", err)
	}

	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			w.poll(ctx, action)
		}
	}
}

func (w *Watcher) poll(ctx context.Context, action func(context.Context) error) {
	cur, err := w.detect(ctx, w.db)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Warn("watch: version read failed", "error", err)
		}
		return
	}
	forced := w.force.Load()
	if !forced && cur == w.version.Load() {
		return
	}
	if err := action(ctx); err != nil {
		w.logger.Error("watch: action failed", "version", cur, "error", err)
		return
	}
	w.force.Store(false)
	w.version.Store(cur)
	w.fired.Add(1)
}

// PragmaDataVersion moves whenever another connection commits to the file.
// Commits made through the polling connection itself do not move it.
func PragmaDataVersion(ctx context.Context, db *sql.DB) (int64, error) {
	var v int64
	err := db.QueryRowContext(ctx, "PRAGMA data_version").Scan(&v)
	return v, err
}

// MaxColumnDetector reads MAX(column) from table. Given a column bumped on
// every write, it sees commits from every connection including its own.
func MaxColumnDetector(table, column string) ChangeDetector {
	q := "SELECT COALESCE(MAX(" + quoteIdent(column) + "), 0) FROM " + quoteIdent(table)
	return func(ctx context.Context, db *sql.DB) (int64, error) {
		var v int64
		err := db.QueryRowContext(ctx, q).Scan(&v)
		return v, err
	}
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
