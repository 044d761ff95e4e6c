// Package store provides the embedded SQLite relational store for the
// media library reconciliation engine.
//
// The database holds three tables:
//   - assets: photo/video rows with position, dirty and ownership columns
//   - albums: album rows with lpath/bundle identity and a denormalized count
//   - album_map: the legacy many-to-many asset/album membership mirror
//
// The database runs in embedded mode using SQLite with WAL for concurrency
// support. All non-trivial queries are issued as raw SQL with positional
// parameters; the merge ordering in ListActiveAlbumsOrdered is part of the
// reconciliation contract and must not be reformulated.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// DB wraps the SQLite database connection for the media library.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates a new database connection at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// If the database doesn't exist, it will be created; call InitSchema to
// create the tables.
//
// The caller MUST call Close() when done to ensure proper cleanup.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	connStr := fmt.Sprintf("file:%s", path)
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{
		conn: conn,
		path: path,
	}

	// Enable WAL mode for concurrent reads
	if _, err := db.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := db.conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return db, nil
}

// RawDB returns the underlying sql.DB connection.
// This is useful for integrating with other libraries that expect *sql.DB.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Path returns the filesystem path of the database file.
func (db *DB) Path() string {
	return db.path
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the database schema if it doesn't exist.
//
// This creates the assets, albums and album_map tables along with indexes
// for the reconciliation queries. Idempotent - safe to call multiple times.
func (db *DB) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS assets (
		file_id INTEGER PRIMARY KEY AUTOINCREMENT,
		cloud_id TEXT NOT NULL DEFAULT '',
		data TEXT NOT NULL,
		display_name TEXT NOT NULL,
		size INTEGER NOT NULL DEFAULT 0,
		media_type INTEGER NOT NULL DEFAULT 1,
		position INTEGER NOT NULL DEFAULT 1,
		dirty INTEGER NOT NULL DEFAULT 1,
		owner_album_id INTEGER NOT NULL DEFAULT 0,
		original_cloud_id TEXT NOT NULL DEFAULT '',
		date_added INTEGER NOT NULL DEFAULT 0,
		date_modified INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS albums (
		album_id INTEGER PRIMARY KEY AUTOINCREMENT,
		cloud_id TEXT NOT NULL DEFAULT '',
		album_name TEXT NOT NULL,
		album_type INTEGER NOT NULL DEFAULT 0,
		album_subtype INTEGER NOT NULL DEFAULT 1,
		lpath TEXT NOT NULL DEFAULT '',
		bundle_name TEXT NOT NULL DEFAULT '',
		dirty INTEGER NOT NULL DEFAULT 1,
		count INTEGER NOT NULL DEFAULT 0,
		cover_uri TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS album_map (
		map_asset INTEGER NOT NULL,
		map_album INTEGER NOT NULL,
		dirty INTEGER NOT NULL DEFAULT 1,
		PRIMARY KEY (map_asset, map_album)
	);

	CREATE INDEX IF NOT EXISTS idx_assets_cloud_id ON assets(cloud_id);
	CREATE INDEX IF NOT EXISTS idx_assets_owner ON assets(owner_album_id);
	CREATE INDEX IF NOT EXISTS idx_assets_position ON assets(position);
	CREATE INDEX IF NOT EXISTS idx_assets_dirty ON assets(dirty);
	CREATE INDEX IF NOT EXISTS idx_albums_name ON albums(album_name);
	CREATE INDEX IF NOT EXISTS idx_albums_lpath ON albums(lpath);
	CREATE INDEX IF NOT EXISTS idx_albums_bundle ON albums(bundle_name);
	CREATE INDEX IF NOT EXISTS idx_map_album ON album_map(map_album);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}
