package emergency

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// State is the persisted emergency flag.
type State struct {
	Active      bool       `json:"active"`
	ActivatedAt *time.Time `json:"activatedAt,omitempty"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// StateStore persists the emergency State.
type StateStore interface {
	// Load returns the stored state, or the zero State when nothing was saved.
	Load(ctx context.Context) (State, error)
	Save(ctx context.Context, s State) error
}

// Backend names accepted by NewStateStore.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// MemoryStore keeps the state in process memory.
type MemoryStore struct {
	mu    sync.Mutex
	state State
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Load returns the current state.
func (m *MemoryStore) Load(context.Context) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, nil
}

// Save replaces the current state.
func (m *MemoryStore) Save(_ context.Context, s State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s
	return nil
}

// SQLiteStore keeps the state in the single-row emergency_state table.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore returns a store on a migrated database.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Load reads the emergency_state row.
func (s *SQLiteStore) Load(ctx context.Context) (State, error) {
	var active int
	var activatedAt sql.NullString
	var updatedAt string
	err := s.db.QueryRowContext(ctx,
		"SELECT active, activated_at, updated_at FROM emergency_state WHERE id = 1").
		Scan(&active, &activatedAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return State{}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("querying emergency state: %w", err)
	}

	st := State{Active: active != 0}
	if activatedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, activatedAt.String)
		if err != nil {
			return State{}, fmt.Errorf("parsing activated_at: %w", err)
		}
		st.ActivatedAt = &t
	}
	if st.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return State{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return st, nil
}

// Save upserts the emergency_state row.
func (s *SQLiteStore) Save(ctx context.Context, st State) error {
	var activatedAt sql.NullString
	if st.ActivatedAt != nil {
		activatedAt = sql.NullString{String: st.ActivatedAt.UTC().Format(time.RFC3339Nano), Valid: true}
	}
	active := 0
	if st.Active {
		active = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO emergency_state (id, active, activated_at, updated_at)
		VALUES (1, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			active = excluded.active,
			activated_at = excluded.activated_at,
			updated_at = excluded.updated_at`,
		active, activatedAt, st.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("saving emergency state: %w", err)
	}
	return nil
}

// RedisStore keeps the state as JSON under a single key, so several
// control-plane processes share one flag.
type RedisStore struct {
	client *redis.Client
	key    string
}

// NewRedisStore returns a store writing key on client. An empty key
// defaults to "jukebox:emergency".
func NewRedisStore(client *redis.Client, key string) *RedisStore {
	if key == "" {
		key = "jukebox:emergency"
	}
	return &RedisStore{client: client, key: key}
}

// Load reads the key. A missing key is the inactive state.
func (r *RedisStore) Load(ctx context.Context) (State, error) {
	val, err := r.client.Get(ctx, r.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return State{}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("redis get %s: %w", r.key, err)
	}
	var st State
	if err := json.Unmarshal(val, &st); err != nil {
		return State{}, fmt.Errorf("decoding emergency state: %w", err)
	}
	return st, nil
}

// Save writes the key without expiry.
func (r *RedisStore) Save(ctx context.Context, st State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encoding emergency state: %w", err)
	}
	if err := r.client.Set(ctx, r.key, data, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", r.key, err)
	}
	return nil
}

// RedisOptions configures DialRedis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// DialRedis connects to Redis and verifies the connection with PING.
func DialRedis(ctx context.Context, opts RedisOptions) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close() //nolint:errcheck // already failing
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return client, nil
}

// NewStateStore selects a store by backend name. db is used by the sqlite
// backend and client by the redis backend; an empty backend is memory.
func NewStateStore(backend string, db *sql.DB, client *redis.Client, key string) (StateStore, error) {
	switch backend {
	case "", BackendMemory:
		return NewMemoryStore(), nil
	case BackendSQLite:
		if db == nil {
			return nil, fmt.Errorf("%w: sqlite backend needs a database", ErrUnknownBackend)
		}
		return NewSQLiteStore(db), nil
	case BackendRedis:
		if client == nil {
			return nil, fmt.Errorf("%w: redis backend needs a client", ErrUnknownBackend)
		}
		return NewRedisStore(client, key), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
	}
}
