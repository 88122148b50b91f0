package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/jukebox-core/internal/infrastructure/database"
)

const sqliteSchemaVersion = 1

// SQLiteStore keeps checkpoints in a dedicated SQLite file.
type SQLiteStore struct {
	db *database.DB
}

// NewSQLiteStore opens (or creates) the database at path.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := database.Open(ctx, database.Config{Path: path, WALMode: true, BusyTimeout: 5})
	if err != nil {
		return nil, fmt.Errorf("opening checkpoint database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close() //nolint:errcheck // best effort cleanup on error path
		return nil, fmt.Errorf("checkpoint store: migration failed: %w", err)
	}
	return s, nil
}

// migrate uses PRAGMA user_version; the agent database holds a single table.
func (s *SQLiteStore) migrate(ctx context.Context) error {
	var version int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return err
	}
	if version >= sqliteSchemaVersion {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS checkpoints (
			content_id TEXT PRIMARY KEY,
			bytes_downloaded INTEGER NOT NULL,
			total_bytes INTEGER NOT NULL,
			completed INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL
		) STRICT;
	`); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", sqliteSchemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) Get(ctx context.Context, contentID string) (Checkpoint, error) {
	var cp Checkpoint
	var completed int
	var updatedAt string

	err := s.db.QueryRowContext(ctx, `
		SELECT bytes_downloaded, total_bytes, completed, updated_at
		FROM checkpoints WHERE content_id = ?`, contentID,
	).Scan(&cp.BytesDownloaded, &cp.TotalBytes, &completed, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, ErrNotFound
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("querying checkpoint: %w", err)
	}

	cp.Completed = completed != 0
	cp.Timestamp, err = time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return cp, nil
}

func (s *SQLiteStore) Put(ctx context.Context, contentID string, cp Checkpoint) error {
	if err := cp.Validate(); err != nil {
		return err
	}
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (content_id, bytes_downloaded, total_bytes, completed, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(content_id) DO UPDATE SET
			bytes_downloaded = excluded.bytes_downloaded,
			total_bytes = excluded.total_bytes,
			completed = excluded.completed,
			updated_at = excluded.updated_at`,
		contentID, cp.BytesDownloaded, cp.TotalBytes, boolToInt(cp.Completed),
		cp.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("upserting checkpoint: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, contentID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM checkpoints WHERE content_id = ?", contentID); err != nil {
		return fmt.Errorf("deleting checkpoint: %w", err)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT content_id, bytes_downloaded, total_bytes, completed, updated_at
		FROM checkpoints ORDER BY content_id`)
	if err != nil {
		return nil, fmt.Errorf("listing checkpoints: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var completed int
		var updatedAt string
		if err := rows.Scan(&e.ContentID, &e.BytesDownloaded, &e.TotalBytes, &completed, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning checkpoint: %w", err)
		}
		e.Completed = completed != 0
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, updatedAt) //nolint:errcheck // written by Put
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
