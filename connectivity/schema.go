package connectivity

import (
	"database/sql"
	"fmt"
)

// Schema defines the routes table. A service with no row dispatches to its
// local handler.
//
// Strategies:
//   - "local": the in-process handler registered with RegisterLocal
//   - "http":  POST to endpoint via HTTPFactory
//   - "noop":  accept and drop
const Schema = `
CREATE TABLE IF NOT EXISTS routes (
    service_name TEXT PRIMARY KEY,
    strategy     TEXT NOT NULL CHECK(strategy IN ('local', 'http', 'noop')),
    endpoint     TEXT,
    config       TEXT DEFAULT '{}',
    updated_at   INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
`

// Init creates the routes table if it doesn't exist.
func Init(db *sql.DB) error {
	if _, err := db.Exec(Schema); err != nil {
		return fmt.Errorf("connectivity: init schema: %w", err)
	}
	return nil
}

// SetRoute inserts or replaces the route for service.
func SetRoute(db *sql.DB, service, strategy, endpoint, config string) error {
	if config == "" {
		config = "{}"
	}
	_, err := db.Exec(`
		INSERT INTO routes (service_name, strategy, endpoint, config, updated_at)
		VALUES (?, ?, ?, ?, strftime('%s', 'now'))
		ON CONFLICT(service_name) DO UPDATE SET
			strategy = excluded.strategy,
			endpoint = excluded.endpoint,
			config = excluded.config,
			updated_at = excluded.updated_at`,
		service, strategy, endpoint, config)
	if err != nil {
		return fmt.Errorf("connectivity: set route %s: %w", service, err)
	}
	return nil
}
