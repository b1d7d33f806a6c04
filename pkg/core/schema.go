package core

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// Init opens the SQLite database and brings its schema up to date.
// It is idempotent: calling it again on an already-current database is a
// no-op beyond the PRAGMA setup and connection pool configuration.
func (s *Store) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return wrapError("init", ErrStoreClosed)
	}

	// _journal_mode=WAL: readers don't block the writer.
	// _synchronous=NORMAL: durable enough, much faster than FULL under WAL.
	// _busy_timeout=5000: wait on contention instead of failing immediately.
	// _cache_size=-2000: 2MB page cache (negative = KiB).
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_cache_size=-2000", s.config.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return wrapError("init", fmt.Errorf("failed to open database: %w", err))
	}

	// SQLite serializes writers internally; a handful of connections is
	// enough to let reads proceed concurrently with WAL checkpoints.
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(2 * time.Hour)

	s.db = db

	if err := s.migrate(ctx); err != nil {
		db.Close()
		s.db = nil
		return wrapError("init", err)
	}

	s.opLogger("init").Info("store initialized", "path", s.config.Path)
	return nil
}

// migrate walks the schema from whatever user_version it finds up to the
// current version, applying each step exactly once. Every step runs in its
// own transaction so a failed step leaves the database at the version it
// started from, not a half-migrated one.
func (s *Store) migrate(ctx context.Context) error {
	var version int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	steps := []func(context.Context, *sql.Tx) error{
		migrateV0ToV1,
		migrateV1ToV2,
		migrateV2ToV3,
	}

	for v := version; v < len(steps); v++ {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin migration to v%d: %w", v+1, err)
		}
		if err := steps[v](ctx, tx); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration to v%d failed: %w", v+1, err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", v+1)); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to bump schema version to %d: %w", v+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration to v%d: %w", v+1, err)
		}
		s.opLogger("migrate").Debug("schema migrated", "version", v+1)
	}

	return nil
}

// migrateV0ToV1 creates the base table plus an FTS5 shadow index kept in
// sync by triggers. The indexed text is content concatenated with the raw
// metadata JSON, so a text search on a metadata value (e.g. searching
// "kafka" against {"topic":"kafka"}) also matches.
func migrateV0ToV1(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS memories (
			id         TEXT PRIMARY KEY,
			content    TEXT NOT NULL,
			vector     BLOB,
			metadata   TEXT,
			created_at REAL NOT NULL,
			updated_at REAL NOT NULL
		);

		CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(
			content,
			content=memories,
			content_rowid=rowid
		);

		CREATE TRIGGER IF NOT EXISTS memories_ai AFTER INSERT ON memories BEGIN
			INSERT INTO memories_fts(rowid, content)
			VALUES (new.rowid, new.content || ' ' || COALESCE(new.metadata, ''));
		END;

		CREATE TRIGGER IF NOT EXISTS memories_ad AFTER DELETE ON memories BEGIN
			INSERT INTO memories_fts(memories_fts, rowid, content)
			VALUES('delete', old.rowid, old.content || ' ' || COALESCE(old.metadata, ''));
		END;

		CREATE TRIGGER IF NOT EXISTS memories_au AFTER UPDATE ON memories BEGIN
			INSERT INTO memories_fts(memories_fts, rowid, content)
			VALUES('delete', old.rowid, old.content || ' ' || COALESCE(old.metadata, ''));
			INSERT INTO memories_fts(rowid, content)
			VALUES (new.rowid, new.content || ' ' || COALESCE(new.metadata, ''));
		END;
	`)
	return err
}

// migrateV1ToV2 adds the access-tracking columns used for frequency boost
// and recency decay. Existing rows default to never-accessed (0), which the
// boost formula treats as "no decay penalty" rather than "decayed fully".
func migrateV1ToV2(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		ALTER TABLE memories ADD COLUMN last_accessed REAL NOT NULL DEFAULT 0;
		ALTER TABLE memories ADD COLUMN access_count INTEGER NOT NULL DEFAULT 0;
	`)
	return err
}

// migrateV2ToV3 adds an expression index on the metadata "type" field,
// which both TypeDistribution and deduplication's same-type scan rely on.
func migrateV2ToV3(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		CREATE INDEX IF NOT EXISTS idx_memories_type
		ON memories(json_extract(metadata, '$.type'));
	`)
	return err
}
