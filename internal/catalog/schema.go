// Package catalog persists per-scope item metadata in SQLite.
//
// The catalog remembers the last reconciled listing of every scope and the
// user modification date of each item, so a restarted process can serve a
// warm tree before the first scan completes and user dates survive restarts.
package catalog

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS items (
	scope     TEXT    NOT NULL,
	path      TEXT    NOT NULL,
	is_folder INTEGER NOT NULL DEFAULT 0,
	is_dir    INTEGER NOT NULL DEFAULT 0,
	file_mod  INTEGER NOT NULL DEFAULT 0,
	user_mod  INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (scope, path)
);

CREATE INDEX IF NOT EXISTS idx_items_scope ON items(scope);
`

// DB wraps a sql.DB with catalog operations.
type DB struct {
	conn *sql.DB
}

// Open opens (or creates) the SQLite database and applies the schema.
func Open(dsn string) (*DB, error) {
	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("catalog: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("catalog: ping: %w", err)
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("catalog: apply schema: %w", err)
	}
	return &DB{conn: conn}, nil
}

// Close closes the underlying database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}
