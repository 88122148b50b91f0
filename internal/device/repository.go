package device

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Repository defines device persistence operations.
// This abstraction allows for different implementations (SQLite, mock, etc.)
// and enables unit testing without database dependencies.
type Repository interface {
	// Get retrieves a device by token.
	// Returns ErrDeviceNotFound if the device does not exist.
	Get(ctx context.Context, token string) (*State, error)

	// List retrieves all devices ordered by token.
	List(ctx context.Context) ([]State, error)

	// Create inserts a new device.
	// Returns ErrDeviceExists if the token is taken.
	Create(ctx context.Context, s *State) error

	// Update overwrites every mutable column of an existing device.
	// Returns ErrDeviceNotFound if the device does not exist.
	Update(ctx context.Context, s *State) error

	// Delete removes a device.
	// Returns ErrDeviceNotFound if the device does not exist.
	Delete(ctx context.Context, token string) error
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
// The db parameter should be an open, migrated SQLite connection.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const selectColumns = `
		SELECT token, name, is_online, volume, playlist_status, emergency_stopped,
			reported_volume, reported_playlist_status, current_song_id,
			last_seen_at, created_at, updated_at
		FROM devices`

// Get retrieves a device by token.
func (r *SQLiteRepository) Get(ctx context.Context, token string) (*State, error) {
	row := r.db.QueryRowContext(ctx, selectColumns+" WHERE token = ?", token)
	s, err := scanState(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("querying device by token: %w", err)
	}
	return s, nil
}

// List retrieves all devices.
func (r *SQLiteRepository) List(ctx context.Context) ([]State, error) {
	rows, err := r.db.QueryContext(ctx, selectColumns+" ORDER BY token")
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var states []State
	for rows.Next() {
		s, err := scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		states = append(states, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}
	return states, nil
}

// Create inserts a new device.
func (r *SQLiteRepository) Create(ctx context.Context, s *State) error {
	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO devices (
			token, name, is_online, volume, playlist_status, emergency_stopped,
			reported_volume, reported_playlist_status, current_song_id,
			last_seen_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.Token,
		s.Name,
		boolToInt(s.IsOnline),
		s.Volume,
		s.PlaylistStatus,
		boolToInt(s.EmergencyStopped),
		nullableInt(s.ReportedVolume),
		nullableString(s.ReportedPlaylistStatus),
		emptyToNull(s.CurrentSongID),
		nullableTime(s.LastSeenAt),
		s.CreatedAt.Format(time.RFC3339),
		s.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrDeviceExists
		}
		return fmt.Errorf("inserting device: %w", err)
	}
	return nil
}

// Update overwrites an existing device.
func (r *SQLiteRepository) Update(ctx context.Context, s *State) error {
	s.UpdatedAt = time.Now().UTC()

	result, err := r.db.ExecContext(ctx, `
		UPDATE devices SET
			name = ?, is_online = ?, volume = ?, playlist_status = ?,
			emergency_stopped = ?, reported_volume = ?, reported_playlist_status = ?,
			current_song_id = ?, last_seen_at = ?, updated_at = ?
		WHERE token = ?`,
		s.Name,
		boolToInt(s.IsOnline),
		s.Volume,
		s.PlaylistStatus,
		boolToInt(s.EmergencyStopped),
		nullableInt(s.ReportedVolume),
		nullableString(s.ReportedPlaylistStatus),
		emptyToNull(s.CurrentSongID),
		nullableTime(s.LastSeenAt),
		s.UpdatedAt.Format(time.RFC3339),
		s.Token,
	)
	if err != nil {
		return fmt.Errorf("updating device: %w", err)
	}
	return requireOneRow(result)
}

// Delete removes a device.
func (r *SQLiteRepository) Delete(ctx context.Context, token string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM devices WHERE token = ?", token)
	if err != nil {
		return fmt.Errorf("deleting device: %w", err)
	}
	return requireOneRow(result)
}

func requireOneRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// rowScanner is an interface that sql.Row and sql.Rows both implement.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanState(scanner rowScanner) (*State, error) {
	var s State
	var isOnline, emergencyStopped int
	var reportedVolume sql.NullInt64
	var reportedStatus, currentSong, lastSeen sql.NullString
	var createdAt, updatedAt string

	err := scanner.Scan(
		&s.Token,
		&s.Name,
		&isOnline,
		&s.Volume,
		&s.PlaylistStatus,
		&emergencyStopped,
		&reportedVolume,
		&reportedStatus,
		&currentSong,
		&lastSeen,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	s.IsOnline = isOnline != 0
	s.EmergencyStopped = emergencyStopped != 0
	if reportedVolume.Valid {
		v := int(reportedVolume.Int64)
		s.ReportedVolume = &v
	}
	if reportedStatus.Valid {
		s.ReportedPlaylistStatus = &reportedStatus.String
	}
	s.CurrentSongID = currentSong.String
	if lastSeen.Valid {
		if t, err := time.Parse(time.RFC3339, lastSeen.String); err == nil {
			s.LastSeenAt = &t
		}
	}

	var parseErr error
	s.CreatedAt, parseErr = time.Parse(time.RFC3339, createdAt)
	if parseErr != nil {
		return nil, fmt.Errorf("parsing created_at: %w", parseErr)
	}
	s.UpdatedAt, parseErr = time.Parse(time.RFC3339, updatedAt)
	if parseErr != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", parseErr)
	}
	return &s, nil
}

// nullableString returns a sql.NullString for optional string pointers.
func nullableString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func emptyToNull(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullableInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

// nullableTime returns a sql.NullString for optional time pointers (as RFC3339 strings).
func nullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

// boolToInt converts a boolean to 0/1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// isUniqueConstraintError checks if an error is a SQLite unique constraint violation.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "unique constraint")
}
