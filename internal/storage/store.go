// Package storage persists API keys, usage counters, and the activity
// trail in a SQLite database. All counter updates are single SQL
// statements so concurrent request workers never lose an increment.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

const defaultMaxOpenConns = 10
const defaultMaxIdleConns = 10

// Store wraps the SQLite database connection shared by the key registry,
// usage stats, and activity log.
type Store struct {
	db *sql.DB
}

// Open creates or opens the SQLite database at path, applies connection
// PRAGMAs, and runs migrations. WAL mode keeps concurrent readers off the
// writers' backs; busy_timeout makes racing writers queue instead of fail.
func Open(path string) (*Store, error) {
	if err := ensureParentDir(path); err != nil {
		return nil, err
	}

	// Per-connection PRAGMAs go on the DSN so every pooled connection gets
	// them. busy_timeout in particular must reach all ten connections, or
	// racing writers on the unconfigured ones fail with SQLITE_BUSY.
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	dsn := path + sep + "_pragma=foreign_keys(1)&_pragma=synchronous(normal)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(defaultMaxOpenConns)
	db.SetMaxIdleConns(defaultMaxIdleConns)

	// journal_mode is persistent in the database file, so one Exec is enough.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite setup (journal_mode): %w", err)
	}

	s := &Store{db: db}
	if err := s.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates all tables and indexes if they do not already exist and
// seeds the running-totals row.
func (s *Store) Migrate(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS api_keys (
	id TEXT PRIMARY KEY,
	secret TEXT NOT NULL UNIQUE,
	owner_name TEXT NOT NULL,
	expiry_date TEXT NOT NULL,
	hit_limit INTEGER NOT NULL,
	hits_used INTEGER NOT NULL DEFAULT 0,
	allowed_origins TEXT NOT NULL,
	created_at TEXT NOT NULL,
	active INTEGER NOT NULL DEFAULT 1
);
CREATE TABLE IF NOT EXISTS stats (
	id INTEGER PRIMARY KEY,
	total_requests INTEGER NOT NULL DEFAULT 0,
	successful_requests INTEGER NOT NULL DEFAULT 0,
	failed_requests INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS daily_stats (
	day TEXT PRIMARY KEY,
	total INTEGER NOT NULL DEFAULT 0,
	successful INTEGER NOT NULL DEFAULT 0,
	failed INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS hourly_stats (
	hour TEXT PRIMARY KEY,
	total INTEGER NOT NULL DEFAULT 0,
	successful INTEGER NOT NULL DEFAULT 0,
	failed INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS activity (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp TEXT NOT NULL,
	api_key TEXT NOT NULL,
	event_type TEXT NOT NULL,
	detail TEXT NOT NULL,
	success INTEGER NOT NULL,
	source_addr TEXT
);
CREATE INDEX IF NOT EXISTS idx_api_keys_secret ON api_keys(secret);
CREATE INDEX IF NOT EXISTS idx_activity_id ON activity(id DESC);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO stats (id, total_requests, successful_requests, failed_requests) VALUES (1, 0, 0, 0)`); err != nil {
		return fmt.Errorf("failed to seed stats row: %w", err)
	}
	return nil
}

func ensureParentDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	return nil
}
