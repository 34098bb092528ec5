// Package db provides the local embedded database for user data records.
//
// The database is a SQLite file (ncruces/go-sqlite3, WASM build) holding the
// catalog sessions and the three synchronizable record tables. On top of plain
// storage it offers the primitives the sync engine relies on:
//
//   - primary-key lookup of records and sessions
//   - per-type change observation delivering inserted and modified ids
//   - transactional writes that can skip notifying chosen observers
//
// Architecture:
//   - Database file: <data dir>/usersync.db
//   - WAL mode: concurrent readers during writes
//   - Schema: sessions, favorites, bookmarks, session_progress
//
// Deletions are never reported to observers. Records are soft-deleted by
// saving them with IsDeleted set, which is reported as a modification.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// ErrNotFound is returned by lookups when no row has the requested key.
var ErrNotFound = errors.New("not found")

// DB wraps the SQLite connection together with the change observers.
type DB struct {
	conn *sql.DB
	path string

	observersMu sync.RWMutex
	observers   map[uint64]*observer
	nextToken   uint64
}

// Open creates a new database connection at the specified path.
//
// The database is opened in WAL mode with a busy timeout so the sync engine's
// database lane and the host's own writers can share it. The schema is
// created if missing.
//
// The caller MUST call Close() when done.
//
// Example:
//
//	database, err := db.Open(filepath.Join(dataDir, "usersync.db"))
//	if err != nil {
//	    return err
//	}
//	defer database.Close()
func Open(path string) (*DB, error) {
	path = strings.TrimPrefix(path, "file:")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	connStr := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_txlock=immediate", path)
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if path == ":memory:" {
		// Every pooled connection would otherwise get its own empty database
		conn.SetMaxOpenConns(1)
	} else {
		conn.SetMaxOpenConns(8)
		conn.SetMaxIdleConns(4)
		conn.SetConnMaxLifetime(5 * time.Minute)

		if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}

	db := &DB{
		conn:      conn,
		path:      path,
		observers: make(map[uint64]*observer),
	}

	if err := db.InitSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if db.path != ":memory:" {
		if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
		}
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the database schema if it doesn't exist.
// This is idempotent - safe to call multiple times.
func (db *DB) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		year INTEGER NOT NULL DEFAULT 0,
		track TEXT NOT NULL DEFAULT '',
		duration REAL NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS favorites (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		created_at TEXT NOT NULL,
		is_deleted INTEGER NOT NULL DEFAULT 0,
		system_fields BLOB
	);

	CREATE TABLE IF NOT EXISTS bookmarks (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		body TEXT NOT NULL DEFAULT '',
		attributed_body BLOB,
		timecode REAL NOT NULL DEFAULT 0,
		snapshot BLOB,
		created_at TEXT NOT NULL,
		modified_at TEXT NOT NULL,
		is_deleted INTEGER NOT NULL DEFAULT 0,
		system_fields BLOB
	);

	CREATE TABLE IF NOT EXISTS session_progress (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		current_position REAL NOT NULL DEFAULT 0,
		relative_position REAL NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		is_deleted INTEGER NOT NULL DEFAULT 0,
		system_fields BLOB
	);

	CREATE INDEX IF NOT EXISTS idx_favorites_session ON favorites(session_id);
	CREATE INDEX IF NOT EXISTS idx_bookmarks_session ON bookmarks(session_id);
	CREATE INDEX IF NOT EXISTS idx_progress_session ON session_progress(session_id);
	CREATE INDEX IF NOT EXISTS idx_favorites_deleted ON favorites(is_deleted);
	CREATE INDEX IF NOT EXISTS idx_bookmarks_deleted ON bookmarks(is_deleted);
	CREATE INDEX IF NOT EXISTS idx_progress_deleted ON session_progress(is_deleted);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// timeToString formats timestamps for storage.
func timeToString(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// stringToTime parses a stored timestamp, returning the zero time on error.
func stringToTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// nullBlob stores empty byte slices as NULL.
func nullBlob(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
