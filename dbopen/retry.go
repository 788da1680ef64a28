package dbopen

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// backoff is the wait before each retry of a BUSY statement.
var backoff = []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}

// IsBusy reports whether err is SQLite's BUSY or LOCKED condition: another
// process held the write lock past busy_timeout.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, s := range []string{"SQLITE_BUSY", "database is locked", "database table is locked"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// Exec runs a statement, retrying twice with growing back-off while the
// database reports BUSY. Other errors return at once.
func Exec(ctx context.Context, db *sql.DB, query string, args ...any) (sql.Result, error) {
	res, err := db.ExecContext(ctx, query, args...)
	for _, wait := range backoff {
		if !IsBusy(err) {
			break
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, fmt.Errorf("dbopen: exec: %w", ctx.Err())
		case <-t.C:
		}
		res, err = db.ExecContext(ctx, query, args...)
	}
	return res, err
}
