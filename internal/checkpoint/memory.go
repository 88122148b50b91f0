package checkpoint

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps checkpoints in a map. Nothing survives a restart.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]Checkpoint
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]Checkpoint)}
}

func (s *MemoryStore) Get(_ context.Context, contentID string) (Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.data[contentID]
	if !ok {
		return Checkpoint{}, ErrNotFound
	}
	return cp, nil
}

func (s *MemoryStore) Put(_ context.Context, contentID string, cp Checkpoint) error {
	if err := cp.Validate(); err != nil {
		return err
	}
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[contentID] = cp
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, contentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, contentID)
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]Entry, 0, len(s.data))
	for id, cp := range s.data {
		entries = append(entries, Entry{ContentID: id, Checkpoint: cp})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ContentID < entries[j].ContentID })
	return entries, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
