package content

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Repository defines catalogue and assignment persistence.
type Repository interface {
	Get(ctx context.Context, id string) (*Item, error)
	List(ctx context.Context) ([]Item, error)
	Create(ctx context.Context, item *Item) error
	Delete(ctx context.Context, id string) error

	// Assign records that token should hold id. Assigning twice is a no-op.
	Assign(ctx context.Context, token, id string) error

	// Unassign removes one assignment. A missing assignment is not an error.
	Unassign(ctx context.Context, token, id string) error

	// AssignedTo lists the items assigned to a device, oldest assignment first.
	AssignedTo(ctx context.Context, token string) ([]Item, error)

	// Holders lists the devices an item is assigned to, ordered by token.
	Holders(ctx context.Context, id string) ([]string, error)
}

// SQLiteRepository implements Repository on the content_items and
// content_assignments tables.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new content repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const itemColumns = "id, entity_type, title, file_name, size_bytes, sha256, created_at"

// Get retrieves an item by ID.
func (r *SQLiteRepository) Get(ctx context.Context, id string) (*Item, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+itemColumns+" FROM content_items WHERE id = ?", id)
	item, err := scanItem(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying content item: %w", err)
	}
	return item, nil
}

// List returns every item ordered by ID.
func (r *SQLiteRepository) List(ctx context.Context) ([]Item, error) {
	return r.query(ctx, "SELECT "+itemColumns+" FROM content_items ORDER BY id")
}

// Create inserts a new item.
func (r *SQLiteRepository) Create(ctx context.Context, item *Item) error {
	if err := item.Validate(); err != nil {
		return err
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO content_items (id, entity_type, title, file_name, size_bytes, sha256, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.EntityType, item.Title, item.FileName, item.SizeBytes, item.SHA256,
		item.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrExists
		}
		return fmt.Errorf("inserting content item: %w", err)
	}
	return nil
}

// Delete removes an item and, through the foreign key, its assignments.
func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM content_items WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting content item: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Assign records an assignment.
func (r *SQLiteRepository) Assign(ctx context.Context, token, id string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO content_assignments (device_token, content_id, assigned_at)
		VALUES (?, ?, ?)
		ON CONFLICT (device_token, content_id) DO NOTHING`,
		token, id, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
			return ErrNotFound
		}
		return fmt.Errorf("assigning content: %w", err)
	}
	return nil
}

// Unassign removes an assignment.
func (r *SQLiteRepository) Unassign(ctx context.Context, token, id string) error {
	if _, err := r.db.ExecContext(ctx,
		"DELETE FROM content_assignments WHERE device_token = ? AND content_id = ?", token, id); err != nil {
		return fmt.Errorf("unassigning content: %w", err)
	}
	return nil
}

// AssignedTo lists the items assigned to token.
func (r *SQLiteRepository) AssignedTo(ctx context.Context, token string) ([]Item, error) {
	return r.query(ctx, `
		SELECT i.id, i.entity_type, i.title, i.file_name, i.size_bytes, i.sha256, i.created_at
		FROM content_items i
		JOIN content_assignments a ON a.content_id = i.id
		WHERE a.device_token = ?
		ORDER BY a.assigned_at, i.id`, token)
}

// Holders lists the devices id is assigned to.
func (r *SQLiteRepository) Holders(ctx context.Context, id string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT device_token FROM content_assignments WHERE content_id = ? ORDER BY device_token", id)
	if err != nil {
		return nil, fmt.Errorf("querying content holders: %w", err)
	}
	defer rows.Close()

	var tokens []string
	for rows.Next() {
		var token string
		if err := rows.Scan(&token); err != nil {
			return nil, fmt.Errorf("scanning content holder: %w", err)
		}
		tokens = append(tokens, token)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating content holders: %w", err)
	}
	return tokens, nil
}

func (r *SQLiteRepository) query(ctx context.Context, query string, args ...any) ([]Item, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying content items: %w", err)
	}
	defer rows.Close()

	items := []Item{}
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning content item: %w", err)
		}
		items = append(items, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating content items: %w", err)
	}
	return items, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(scanner rowScanner) (*Item, error) {
	var item Item
	var createdAt string
	if err := scanner.Scan(&item.ID, &item.EntityType, &item.Title, &item.FileName,
		&item.SizeBytes, &item.SHA256, &createdAt); err != nil {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	item.CreatedAt = t
	return &item, nil
}
