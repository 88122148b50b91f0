package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/renameio/v2"
)

const (
	fileSuffix   = ".json"
	lockFileName = ".lock"
)

// FileStore writes one JSON document per content id. Each write replaces
// the file atomically, so a crash leaves either the old or the new
// checkpoint on disk. The directory is guarded by an flock for the life of
// the store.
type FileStore struct {
	dir  string
	lock *flock.Flock
	mu   sync.Mutex
}

// NewFileStore creates dir if needed and takes its lock.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("checkpoint: file store needs a directory")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating checkpoint dir: %w", err)
	}

	lock := flock.New(filepath.Join(dir, lockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("locking checkpoint dir: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrLocked, dir)
	}

	return &FileStore{dir: dir, lock: lock}, nil
}

func (s *FileStore) path(contentID string) string {
	return filepath.Join(s.dir, url.PathEscape(contentID)+fileSuffix)
}

func (s *FileStore) Get(_ context.Context, contentID string) (Checkpoint, error) {
	data, err := os.ReadFile(s.path(contentID))
	if errors.Is(err, fs.ErrNotExist) {
		return Checkpoint{}, ErrNotFound
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("reading checkpoint: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("decoding checkpoint: %w", err)
	}
	return cp, nil
}

func (s *FileStore) Put(_ context.Context, contentID string, cp Checkpoint) error {
	if err := cp.Validate(); err != nil {
		return err
	}
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now()
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	pending, err := renameio.NewPendingFile(s.path(contentID), renameio.WithPermissions(0o600))
	if err != nil {
		return fmt.Errorf("creating pending checkpoint: %w", err)
	}
	defer pending.Cleanup() //nolint:errcheck // no-op after CloseAtomicallyReplace

	if _, err := pending.Write(data); err != nil {
		return fmt.Errorf("writing checkpoint: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("replacing checkpoint: %w", err)
	}
	return nil
}

func (s *FileStore) Delete(_ context.Context, contentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path(contentID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing checkpoint: %w", err)
	}
	return nil
}

func (s *FileStore) List(ctx context.Context) ([]Entry, error) {
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("reading checkpoint dir: %w", err)
	}

	var entries []Entry
	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		id, err := url.PathUnescape(strings.TrimSuffix(name, fileSuffix))
		if err != nil {
			continue
		}
		cp, err := s.Get(ctx, id)
		if err != nil {
			// Removed between ReadDir and Get.
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		entries = append(entries, Entry{ContentID: id, Checkpoint: cp})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ContentID < entries[j].ContentID })
	return entries, nil
}

// Close releases the directory lock.
func (s *FileStore) Close() error {
	return s.lock.Unlock()
}
