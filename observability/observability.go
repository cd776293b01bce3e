// Package observability provides SQLite-native monitoring for the
// metaclean service: a buffered metrics timeseries and a request audit
// log, both written to a shared observability database kept separate from
// request processing (which itself persists nothing).
//
// All persistence is async and non-blocking: buffer overflow drops
// datapoints rather than applying backpressure to request handling.
package observability

import (
	"database/sql"
	"fmt"
)

// Init creates the observability schema on the shared database. Call once
// at startup before constructing the managers.
func Init(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS metrics_timeseries (
			metric_name TEXT NOT NULL,
			timestamp   INTEGER NOT NULL,
			value       REAL NOT NULL,
			labels      TEXT NOT NULL DEFAULT '{}',
			unit        TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_metrics_name_ts
			ON metrics_timeseries (metric_name, timestamp);

		CREATE TABLE IF NOT EXISTS audit_log (
			entry_id   TEXT PRIMARY KEY,
			timestamp  INTEGER NOT NULL,
			action     TEXT NOT NULL,
			format     TEXT NOT NULL DEFAULT '',
			status     TEXT NOT NULL DEFAULT 'success',
			error_code TEXT NOT NULL DEFAULT '',
			trace_id   TEXT NOT NULL DEFAULT '',
			transport  TEXT NOT NULL DEFAULT 'http',
			bytes_in   INTEGER NOT NULL DEFAULT 0,
			bytes_out  INTEGER NOT NULL DEFAULT 0,
			elapsed_ms INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_log (timestamp);
	`)
	if err != nil {
		return fmt.Errorf("observability schema: %w", err)
	}
	return nil
}
