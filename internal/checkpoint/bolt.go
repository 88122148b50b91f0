package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var boltBucket = []byte("checkpoints_v1")

// BoltStore keeps checkpoints as JSON values in a bbolt bucket.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens the bbolt file at path. bbolt holds an exclusive file
// lock, so a second agent on the same directory fails after the timeout.
func NewBoltStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("creating checkpoint dir: %w", err)
	}

	opts := *bolt.DefaultOptions
	opts.Timeout = 2 * time.Second

	db, err := bolt.Open(path, 0o600, &opts)
	if err != nil {
		return nil, fmt.Errorf("opening checkpoint db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init checkpoint bucket: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Get(_ context.Context, contentID string) (Checkpoint, error) {
	var cp Checkpoint
	found := false

	err := s.db.View(func(tx *bolt.Tx) error {
		val := tx.Bucket(boltBucket).Get([]byte(contentID))
		if val == nil {
			return nil
		}
		found = true
		return json.Unmarshal(val, &cp)
	})
	if err != nil {
		return Checkpoint{}, fmt.Errorf("reading checkpoint: %w", err)
	}
	if !found {
		return Checkpoint{}, ErrNotFound
	}
	return cp, nil
}

func (s *BoltStore) Put(_ context.Context, contentID string, cp Checkpoint) error {
	if err := cp.Validate(); err != nil {
		return err
	}
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now()
	}
	val, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).Put([]byte(contentID), val)
	})
}

func (s *BoltStore) Delete(_ context.Context, contentID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).Delete([]byte(contentID))
	})
}

// List relies on bbolt's byte-sorted keys for ordering.
func (s *BoltStore) List(_ context.Context) ([]Entry, error) {
	var entries []Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).ForEach(func(k, v []byte) error {
			e := Entry{ContentID: string(k)}
			if err := json.Unmarshal(v, &e.Checkpoint); err != nil {
				return fmt.Errorf("decoding checkpoint %s: %w", k, err)
			}
			entries = append(entries, e)
			return nil
		})
	})
	return entries, err
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
