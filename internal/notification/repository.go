// Package notification records operator-facing system notifications in
// the notifications table.
package notification

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Notification types.
const (
	TypeEmergencyActivated   = "emergency_activated"
	TypeEmergencyDeactivated = "emergency_deactivated"
	TypeDeleteFailed         = "delete_failed"
	TypeDeviceError          = "device_error"
	TypeTransferFailed       = "transfer_failed"
)

// ErrInvalid is returned when a notification is missing its type or title.
var ErrInvalid = errors.New("notification: type and title are required")

// Notification is a single operator-facing record.
type Notification struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Title       string         `json:"title"`
	Message     string         `json:"message,omitempty"`
	DeviceToken string         `json:"deviceToken,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
}

// Filter controls which notifications to return.
type Filter struct {
	Type        string // optional
	DeviceToken string // optional
	Limit       int    // default 50, max 200
	Offset      int
}

// ListResult contains a page of notifications.
type ListResult struct {
	Notifications []Notification `json:"notifications"`
	Total         int            `json:"total"`
	Limit         int            `json:"limit"`
	Offset        int            `json:"offset"`
}

// Repository defines the interface for notification operations.
type Repository interface {
	Create(ctx context.Context, n *Notification) error
	List(ctx context.Context, filter Filter) (*ListResult, error)
}

// SQLiteRepository stores notifications in SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new notification repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Create inserts a notification. The ID and CreatedAt are generated if empty.
func (r *SQLiteRepository) Create(ctx context.Context, n *Notification) error {
	if n.Type == "" || n.Title == "" {
		return ErrInvalid
	}
	if n.ID == "" {
		n.ID = "ntf-" + uuid.NewString()[:8]
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}

	var detailsJSON *string
	if n.Details != nil {
		b, err := json.Marshal(n.Details)
		if err != nil {
			return fmt.Errorf("marshalling notification details: %w", err)
		}
		s := string(b)
		detailsJSON = &s
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO notifications (id, type, title, message, device_token, details, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.Type, n.Title, n.Message,
		nullableString(n.DeviceToken), detailsJSON,
		n.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting notification: %w", err)
	}
	return nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// List returns notifications matching the filter, newest first.
func (r *SQLiteRepository) List(ctx context.Context, filter Filter) (*ListResult, error) {
	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	if filter.Limit > 200 { //nolint:mnd // max page size
		filter.Limit = 200
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	var conditions []string
	var args []any
	if filter.Type != "" {
		conditions = append(conditions, "type = ?")
		args = append(args, filter.Type)
	}
	if filter.DeviceToken != "" {
		conditions = append(conditions, "device_token = ?")
		args = append(args, filter.DeviceToken)
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM notifications %s", where) //nolint:gosec // WHERE built from parameterised conditions
	var total int
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting notifications: %w", err)
	}

	query := fmt.Sprintf( //nolint:gosec // WHERE built from parameterised conditions
		"SELECT id, type, title, message, device_token, details, created_at FROM notifications %s ORDER BY created_at DESC, id LIMIT ? OFFSET ?",
		where,
	)
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying notifications: %w", err)
	}
	defer rows.Close()

	notifications := []Notification{}
	for rows.Next() {
		var n Notification
		var deviceToken, detailsJSON sql.NullString
		var createdAt string

		if err := rows.Scan(&n.ID, &n.Type, &n.Title, &n.Message,
			&deviceToken, &detailsJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning notification: %w", err)
		}
		n.DeviceToken = deviceToken.String
		if detailsJSON.Valid && detailsJSON.String != "" {
			var details map[string]any
			if json.Unmarshal([]byte(detailsJSON.String), &details) == nil {
				n.Details = details
			}
		}
		t, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing notification timestamp %q: %w", createdAt, err)
		}
		n.CreatedAt = t
		notifications = append(notifications, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating notifications: %w", err)
	}

	return &ListResult{
		Notifications: notifications,
		Total:         total,
		Limit:         filter.Limit,
		Offset:        filter.Offset,
	}, nil
}
