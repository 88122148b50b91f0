package emergency

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/redis/go-redis/v9"

	"github.com/nerrad567/jukebox-core/internal/infrastructure/database/dbtest"
)

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() }) //nolint:errcheck // test cleanup
	return NewRedisStore(client, ""), mr
}

func TestStateStores_RoundTrip(t *testing.T) {
	stores := map[string]func(t *testing.T) StateStore{
		"memory": func(*testing.T) StateStore { return NewMemoryStore() },
		"sqlite": func(t *testing.T) StateStore { return NewSQLiteStore(dbtest.Open(t).DB) },
		"redis": func(t *testing.T) StateStore {
			s, _ := newRedisStore(t)
			return s
		},
	}

	for name, open := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := open(t)

			empty, err := store.Load(ctx)
			if err != nil {
				t.Fatalf("Load(empty) error = %v", err)
			}
			if empty.Active {
				t.Error("empty store should be inactive")
			}

			at := time.Date(2026, 10, 16, 8, 30, 0, 0, time.UTC)
			want := State{Active: true, ActivatedAt: &at, UpdatedAt: at}
			if err := store.Save(ctx, want); err != nil {
				t.Fatalf("Save() error = %v", err)
			}
			got, err := store.Load(ctx)
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if diff := cmp.Diff(want, got, cmpopts.EquateApproxTime(time.Millisecond)); diff != "" {
				t.Errorf("Load() mismatch (-want +got):\n%s", diff)
			}

			cleared := State{UpdatedAt: at.Add(time.Minute)}
			if err := store.Save(ctx, cleared); err != nil {
				t.Fatalf("Save(cleared) error = %v", err)
			}
			got, _ = store.Load(ctx)
			if got.Active || got.ActivatedAt != nil {
				t.Errorf("Load() after clear = %+v", got)
			}
		})
	}
}

func TestRedisStore_UsesDefaultKey(t *testing.T) {
	store, mr := newRedisStore(t)
	if err := store.Save(context.Background(), State{Active: true, UpdatedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}
	if !mr.Exists("jukebox:emergency") {
		t.Error("expected key jukebox:emergency to be written")
	}
}

func TestRedisStore_Unavailable(t *testing.T) {
	store, mr := newRedisStore(t)
	mr.Close()
	if _, err := store.Load(context.Background()); err == nil {
		t.Error("Load() should fail when redis is down")
	}
}

func TestNewStateStore(t *testing.T) {
	if _, err := NewStateStore("etcd", nil, nil, ""); !errors.Is(err, ErrUnknownBackend) {
		t.Errorf("NewStateStore(etcd) error = %v, want ErrUnknownBackend", err)
	}
	if _, err := NewStateStore(BackendSQLite, nil, nil, ""); !errors.Is(err, ErrUnknownBackend) {
		t.Errorf("NewStateStore(sqlite, nil db) error = %v, want ErrUnknownBackend", err)
	}
	s, err := NewStateStore("", nil, nil, "")
	if err != nil {
		t.Fatalf("NewStateStore(\"\") error = %v", err)
	}
	if _, ok := s.(*MemoryStore); !ok {
		t.Errorf("default backend = %T, want *MemoryStore", s)
	}
}
