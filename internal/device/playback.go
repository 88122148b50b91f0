package device

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200

	// DefaultCompletedThreshold is the played fraction at which a song
	// counts as completed.
	DefaultCompletedThreshold = 0.9
)

// PlaybackRecord is one song play reported by a device.
type PlaybackRecord struct {
	ID              int64     `json:"id"`
	Token           string    `json:"token"`
	SongID          string    `json:"songId"`
	PositionSeconds float64   `json:"positionSeconds"`
	DurationSeconds float64   `json:"durationSeconds"`
	Completed       bool      `json:"completed"`
	CreatedAt       time.Time `json:"createdAt"`
}

// IsCompleted reports whether position/duration reaches threshold. A
// threshold outside (0,1] falls back to DefaultCompletedThreshold.
func IsCompleted(position, duration, threshold float64) bool {
	if duration <= 0 {
		return false
	}
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultCompletedThreshold
	}
	return position/duration >= threshold
}

// PlaybackRepository stores and retrieves playback history.
//
// Implementations must be thread-safe and use UTC timestamps.
type PlaybackRepository interface {
	// Record inserts a playback record and sets its ID.
	Record(ctx context.Context, rec *PlaybackRecord) error

	// History returns the newest records for token, newest first.
	History(ctx context.Context, token string, limit int) ([]PlaybackRecord, error)

	// Prune deletes records older than the given age.
	Prune(ctx context.Context, olderThan time.Duration) (int64, error)
}

// SQLitePlaybackRepository implements PlaybackRepository using SQLite.
type SQLitePlaybackRepository struct {
	db *sql.DB
}

// NewSQLitePlaybackRepository creates a new SQLite playback history repository.
func NewSQLitePlaybackRepository(db *sql.DB) *SQLitePlaybackRepository {
	return &SQLitePlaybackRepository{db: db}
}

// Record inserts a new playback record.
func (r *SQLitePlaybackRepository) Record(ctx context.Context, rec *PlaybackRecord) error {
	if rec.Token == "" || rec.SongID == "" {
		return fmt.Errorf("token and song id are required")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	result, err := r.db.ExecContext(ctx, `
		INSERT INTO playback_history (device_token, song_id, position_seconds, duration_seconds, completed, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.Token, rec.SongID, rec.PositionSeconds, rec.DurationSeconds,
		boolToInt(rec.Completed), rec.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting playback record: %w", err)
	}
	rec.ID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading playback record id: %w", err)
	}
	return nil
}

// History returns recent playback records for a device, newest first.
// The limit defaults to 50 and is clamped to 200.
func (r *SQLitePlaybackRepository) History(ctx context.Context, token string, limit int) ([]PlaybackRecord, error) {
	if token == "" {
		return nil, fmt.Errorf("token is required")
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, device_token, song_id, position_seconds, duration_seconds, completed, created_at
		FROM playback_history
		WHERE device_token = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, token, limit)
	if err != nil {
		return nil, fmt.Errorf("querying playback history: %w", err)
	}
	defer rows.Close()

	records := make([]PlaybackRecord, 0, limit)
	for rows.Next() {
		var rec PlaybackRecord
		var completed int
		var createdAt string
		if err := rows.Scan(&rec.ID, &rec.Token, &rec.SongID, &rec.PositionSeconds,
			&rec.DurationSeconds, &completed, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning playback record: %w", err)
		}
		rec.Completed = completed != 0
		rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating playback history: %w", err)
	}
	return records, nil
}

// Prune deletes records older than the given duration.
func (r *SQLitePlaybackRepository) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("olderThan must be positive")
	}

	cutoff := time.Now().UTC().Add(-olderThan).Format(time.RFC3339Nano)
	result, err := r.db.ExecContext(ctx, "DELETE FROM playback_history WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting playback history: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return n, nil
}
