package connectivity

import (
	"context"
	"database/sql"
	"time"

	"github.com/hazyhaar/readtheroom/watch"
)

// Watch loads the routes table, then reloads it whenever another connection
// commits to the database file. Blocks until ctx is cancelled:
//
//	go bus.Watch(ctx, db, time.Second)
func (r *Router) Watch(ctx context.Context, db *sql.DB, interval time.Duration) {
	if err := r.Reload(ctx, db); err != nil {
		r.logger.Error("connectivity: initial reload failed", "error", err)
	}
	// Reconcile covers writes landing between the initial Reload and the
	// watcher's baseline read.
	w := watch.New(db, watch.Options{
		Interval:  interval,
		Reconcile: true,
		Logger:    r.logger,
	})
	r.logger.Info("connectivity: watcher started", "interval", interval)
	w.OnChange(ctx, func(ctx context.Context) error {
		return r.Reload(ctx, db)
	})
	r.logger.Info("connectivity: watcher stopped")
}
