// Package database provides SQLite storage for groups, channels and items.
package database

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite connection.
type DB struct {
	queries
}

// Ensure DB implements Store interface.
var _ Store = (*DB)(nil)

var sqliteDialect = dialect{
	name:   "SQLite",
	rebind: func(q string) string { return q },
	isUniqueViolation: func(err error) bool {
		return strings.Contains(err.Error(), "UNIQUE constraint failed")
	},
}

// New opens or creates an SQLite database at the given path.
func New(path string) (*DB, error) {
	if path == "" {
		return nil, fmt.Errorf("db path required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	conn, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Enable WAL mode for better concurrency.
	if _, err := conn.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set wal mode: %w", err)
	}
	db := &DB{queries{conn: conn, d: sqliteDialect}}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// sqliteDSN enables foreign keys and a busy timeout on every pooled
// connection, and stores times in SQLite's sortable text format.
func sqliteDSN(path string) string {
	params := url.Values{}
	params.Add("_pragma", "foreign_keys(1)")
	params.Add("_pragma", "busy_timeout(5000)")
	params.Set("_time_format", "sqlite")
	return "file:" + path + "?" + params.Encode()
}

// SupportsHighConcurrency returns false for SQLite.
func (db *DB) SupportsHighConcurrency() bool {
	return false
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS channel_groups (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE
	);
	CREATE TABLE IF NOT EXISTS channels (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		group_id INTEGER REFERENCES channel_groups(id) ON DELETE SET NULL,
		last_synced DATETIME
	);
	CREATE TABLE IF NOT EXISTS items (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		channel_id INTEGER NOT NULL REFERENCES channels(id) ON DELETE CASCADE,
		external_id INTEGER NOT NULL,
		body TEXT,
		attachment_ref TEXT,
		origin_at DATETIME NOT NULL,
		UNIQUE(channel_id, external_id)
	);
	CREATE INDEX IF NOT EXISTS idx_items_origin_at ON items(origin_at DESC);
	CREATE INDEX IF NOT EXISTS idx_channels_group_id ON channels(group_id);
	`
	_, err := db.conn.Exec(schema)
	return err
}
