// Package checkpoint persists download progress so interrupted transfers
// can resume from the last recorded offset.
//
// A checkpoint maps a content id to {bytesDownloaded, totalBytes,
// timestamp, completed}. Backends are selected by name through NewStore:
//
//	memory  process-local map, for tests and one-shot fetches
//	sqlite  single file database in the checkpoint directory
//	bolt    bbolt key/value file in the checkpoint directory
//	file    one JSON document per content id, replaced atomically
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"
)

var (
	// ErrNotFound is returned by Get when no checkpoint exists.
	ErrNotFound = errors.New("checkpoint: not found")

	// ErrLocked is returned when another process holds the checkpoint directory.
	ErrLocked = errors.New("checkpoint: directory locked by another process")

	// ErrInvalid is returned for checkpoints that violate 0 <= downloaded <= total.
	ErrInvalid = errors.New("checkpoint: invalid")
)

// Checkpoint is the persisted progress of one content download.
type Checkpoint struct {
	BytesDownloaded int64     `json:"bytesDownloaded"`
	TotalBytes      int64     `json:"totalBytes"`
	Timestamp       time.Time `json:"timestamp"`
	Completed       bool      `json:"completed"`
}

// Validate checks the byte counters.
func (c Checkpoint) Validate() error {
	if c.BytesDownloaded < 0 || c.TotalBytes < 0 {
		return fmt.Errorf("%w: negative byte count", ErrInvalid)
	}
	if c.TotalBytes > 0 && c.BytesDownloaded > c.TotalBytes {
		return fmt.Errorf("%w: downloaded %d exceeds total %d", ErrInvalid, c.BytesDownloaded, c.TotalBytes)
	}
	return nil
}

// Percent returns completion in [0, 100].
func (c Checkpoint) Percent() float64 {
	if c.TotalBytes <= 0 {
		return 0
	}
	return float64(c.BytesDownloaded) / float64(c.TotalBytes) * 100
}

// Entry pairs a checkpoint with its content id for listings.
type Entry struct {
	ContentID string `json:"contentId"`
	Checkpoint
}

// Store is durable checkpoint storage. Implementations are safe for
// concurrent use.
type Store interface {
	// Get returns ErrNotFound when contentID has no checkpoint.
	Get(ctx context.Context, contentID string) (Checkpoint, error)

	// Put replaces the checkpoint for contentID.
	Put(ctx context.Context, contentID string, cp Checkpoint) error

	// Delete removes the checkpoint. Deleting a missing id is not an error.
	Delete(ctx context.Context, contentID string) error

	// List returns all checkpoints ordered by content id.
	List(ctx context.Context) ([]Entry, error)

	Close() error
}

// Backend names accepted by NewStore.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendBolt   = "bolt"
	BackendFile   = "file"
)

// NewStore opens the named backend rooted at dir. An empty backend selects
// the file backend.
func NewStore(ctx context.Context, backend, dir string) (Store, error) {
	if backend == "" {
		backend = BackendFile
	}

	switch backend {
	case BackendMemory:
		return NewMemoryStore(), nil
	case BackendSQLite:
		return NewSQLiteStore(ctx, filepath.Join(dir, "checkpoints.db"))
	case BackendBolt:
		return NewBoltStore(filepath.Join(dir, "checkpoints.bolt"))
	case BackendFile:
		return NewFileStore(dir)
	default:
		return nil, fmt.Errorf("unknown checkpoint backend: %s (supported: memory, sqlite, bolt, file)", backend)
	}
}
