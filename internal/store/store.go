// Package store persists Device/Stream/Producer/Consumer/Snapshot/
// Bookmark/Client/Token records in SQLite, following the teacher's
// schema-as-one-string initSchema pattern (internal/state/database.go)
// and its single-writer connection pool discipline.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store wraps the SQLite connection used for all persisted gateway state.
type Store struct {
	db *sql.DB
}

// Open creates (if needed) and opens the SQLite database at path, then
// initializes its schema.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=1")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writers; one connection avoids SQLITE_BUSY churn
	// under the write load of frequent stream/consumer state transitions.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying connection for packages that need bespoke
// queries (e.g. paginated listing filters built dynamically).
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS devices (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		rtsp_url TEXT NOT NULL,
		location TEXT,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS streams (
		id TEXT PRIMARY KEY,
		camera_id TEXT NOT NULL,
		state TEXT NOT NULL,
		codec_config TEXT,
		producer_ref TEXT,
		assigned_port INTEGER,
		captured_ssrc INTEGER,
		last_error TEXT,
		retry_count INTEGER NOT NULL DEFAULT 0,
		started_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (camera_id) REFERENCES devices(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_streams_camera ON streams(camera_id);
	CREATE INDEX IF NOT EXISTS idx_streams_state ON streams(state);

	CREATE TABLE IF NOT EXISTS producers (
		id TEXT PRIMARY KEY,
		stream_id TEXT NOT NULL,
		sfu_id TEXT NOT NULL,
		ssrc INTEGER NOT NULL,
		state TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		closed_at TIMESTAMP,
		FOREIGN KEY (stream_id) REFERENCES streams(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_producers_stream ON producers(stream_id);

	CREATE TABLE IF NOT EXISTS consumers (
		id TEXT PRIMARY KEY,
		stream_id TEXT NOT NULL,
		client_id TEXT NOT NULL,
		state TEXT NOT NULL,
		transport_ref TEXT,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		last_seen_at TIMESTAMP,
		closed_at TIMESTAMP,
		close_reason TEXT,
		FOREIGN KEY (stream_id) REFERENCES streams(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_consumers_stream ON consumers(stream_id);
	CREATE INDEX IF NOT EXISTS idx_consumers_state ON consumers(state);

	CREATE TABLE IF NOT EXISTS snapshots (
		id TEXT PRIMARY KEY,
		stream_id TEXT NOT NULL,
		timestamp TIMESTAMP NOT NULL,
		source TEXT NOT NULL,
		status TEXT NOT NULL,
		image_path TEXT,
		error TEXT,
		metadata TEXT,
		tombstoned BOOLEAN NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_snapshots_stream ON snapshots(stream_id);

	CREATE TABLE IF NOT EXISTS bookmarks (
		id TEXT PRIMARY KEY,
		stream_id TEXT NOT NULL,
		center_timestamp TIMESTAMP NOT NULL,
		start_time TIMESTAMP NOT NULL,
		end_time TIMESTAMP NOT NULL,
		duration_seconds REAL NOT NULL,
		source TEXT NOT NULL,
		label TEXT,
		event_type TEXT,
		confidence REAL,
		tags TEXT,
		status TEXT NOT NULL,
		video_path TEXT,
		thumbnail_path TEXT,
		error TEXT,
		tombstoned BOOLEAN NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_bookmarks_stream ON bookmarks(stream_id);

	CREATE TABLE IF NOT EXISTS clients (
		client_id TEXT PRIMARY KEY,
		hashed_secret TEXT NOT NULL,
		scopes TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS refresh_tokens (
		token_id TEXT PRIMARY KEY,
		client_id TEXT NOT NULL,
		scopes TEXT NOT NULL,
		expires_at TIMESTAMP NOT NULL,
		revoked BOOLEAN NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (client_id) REFERENCES clients(client_id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS stream_audit_events (
		id TEXT PRIMARY KEY,
		stream_id TEXT NOT NULL,
		attempt INTEGER NOT NULL,
		backoff_ms INTEGER NOT NULL,
		reason TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_audit_stream ON stream_audit_events(stream_id);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullInt64(i *int64) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *i, Valid: true}
}

func nullFloat64(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}
