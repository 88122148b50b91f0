package checkpoint

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// openBackends returns one store per backend, each in its own temp dir.
func openBackends(t *testing.T) map[string]Store {
	t.Helper()
	ctx := context.Background()

	stores := make(map[string]Store)
	for _, backend := range []string{BackendMemory, BackendSQLite, BackendBolt, BackendFile} {
		s, err := NewStore(ctx, backend, t.TempDir())
		if err != nil {
			t.Fatalf("NewStore(%s) error = %v", backend, err)
		}
		t.Cleanup(func() { s.Close() })
		stores[backend] = s
	}
	return stores
}

func TestStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	ts := time.Date(2026, 10, 1, 12, 30, 0, 123456789, time.UTC)

	tests := []struct {
		name string
		cp   Checkpoint
	}{
		{"partial", Checkpoint{BytesDownloaded: 6 << 20, TotalBytes: 10 << 20, Timestamp: ts}},
		{"complete", Checkpoint{BytesDownloaded: 10 << 20, TotalBytes: 10 << 20, Timestamp: ts, Completed: true}},
		{"empty", Checkpoint{BytesDownloaded: 0, TotalBytes: 0, Timestamp: ts, Completed: true}},
	}

	for backend, s := range openBackends(t) {
		for _, tt := range tests {
			t.Run(backend+"/"+tt.name, func(t *testing.T) {
				id := "song-" + tt.name
				if err := s.Put(ctx, id, tt.cp); err != nil {
					t.Fatalf("Put() error = %v", err)
				}
				got, err := s.Get(ctx, id)
				if err != nil {
					t.Fatalf("Get() error = %v", err)
				}
				if diff := cmp.Diff(tt.cp, got, cmpopts.EquateApproxTime(time.Microsecond)); diff != "" {
					t.Errorf("Get() mismatch (-want +got):\n%s", diff)
				}
			})
		}
	}
}

func TestStore_GetMissing(t *testing.T) {
	ctx := context.Background()
	for backend, s := range openBackends(t) {
		if _, err := s.Get(ctx, "nope"); !errors.Is(err, ErrNotFound) {
			t.Errorf("%s: Get(missing) error = %v, want ErrNotFound", backend, err)
		}
	}
}

func TestStore_PutReplaces(t *testing.T) {
	ctx := context.Background()
	for backend, s := range openBackends(t) {
		first := Checkpoint{BytesDownloaded: 1 << 20, TotalBytes: 4 << 20}
		second := Checkpoint{BytesDownloaded: 2 << 20, TotalBytes: 4 << 20}
		if err := s.Put(ctx, "a", first); err != nil {
			t.Fatalf("%s: Put() error = %v", backend, err)
		}
		if err := s.Put(ctx, "a", second); err != nil {
			t.Fatalf("%s: Put() error = %v", backend, err)
		}
		got, err := s.Get(ctx, "a")
		if err != nil {
			t.Fatalf("%s: Get() error = %v", backend, err)
		}
		if got.BytesDownloaded != second.BytesDownloaded {
			t.Errorf("%s: BytesDownloaded = %d, want %d", backend, got.BytesDownloaded, second.BytesDownloaded)
		}
		if got.Timestamp.IsZero() {
			t.Errorf("%s: Put() should stamp a zero Timestamp", backend)
		}
	}
}

func TestStore_DeleteAndList(t *testing.T) {
	ctx := context.Background()
	for backend, s := range openBackends(t) {
		for _, id := range []string{"c", "a", "b/with/slash"} {
			if err := s.Put(ctx, id, Checkpoint{BytesDownloaded: 1, TotalBytes: 2}); err != nil {
				t.Fatalf("%s: Put(%s) error = %v", backend, id, err)
			}
		}
		if err := s.Delete(ctx, "c"); err != nil {
			t.Fatalf("%s: Delete() error = %v", backend, err)
		}
		if err := s.Delete(ctx, "never-existed"); err != nil {
			t.Errorf("%s: Delete(missing) error = %v, want nil", backend, err)
		}

		entries, err := s.List(ctx)
		if err != nil {
			t.Fatalf("%s: List() error = %v", backend, err)
		}
		var ids []string
		for _, e := range entries {
			ids = append(ids, e.ContentID)
		}
		if diff := cmp.Diff([]string{"a", "b/with/slash"}, ids); diff != "" {
			t.Errorf("%s: List() ids mismatch (-want +got):\n%s", backend, diff)
		}
	}
}

func TestStore_RejectsInvalid(t *testing.T) {
	ctx := context.Background()
	for backend, s := range openBackends(t) {
		err := s.Put(ctx, "x", Checkpoint{BytesDownloaded: 5, TotalBytes: 4})
		if !errors.Is(err, ErrInvalid) {
			t.Errorf("%s: Put(downloaded > total) error = %v, want ErrInvalid", backend, err)
		}
	}
}

func TestStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	for _, backend := range []string{BackendSQLite, BackendBolt, BackendFile} {
		t.Run(backend, func(t *testing.T) {
			dir := t.TempDir()
			s, err := NewStore(ctx, backend, dir)
			if err != nil {
				t.Fatalf("NewStore() error = %v", err)
			}
			want := Checkpoint{BytesDownloaded: 3 << 20, TotalBytes: 8 << 20, Timestamp: time.Now().UTC()}
			if err := s.Put(ctx, "song-1", want); err != nil {
				t.Fatalf("Put() error = %v", err)
			}
			if err := s.Close(); err != nil {
				t.Fatalf("Close() error = %v", err)
			}

			s, err = NewStore(ctx, backend, dir)
			if err != nil {
				t.Fatalf("reopen error = %v", err)
			}
			defer s.Close()

			got, err := s.Get(ctx, "song-1")
			if err != nil {
				t.Fatalf("Get() after reopen error = %v", err)
			}
			if diff := cmp.Diff(want, got, cmpopts.EquateApproxTime(time.Microsecond)); diff != "" {
				t.Errorf("after reopen (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFileStore_Locked(t *testing.T) {
	dir := t.TempDir()
	first, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	defer first.Close()

	if _, err := NewFileStore(dir); !errors.Is(err, ErrLocked) {
		t.Errorf("second NewFileStore() error = %v, want ErrLocked", err)
	}
}

func TestNewStore_UnknownBackend(t *testing.T) {
	if _, err := NewStore(context.Background(), "etcd", t.TempDir()); err == nil {
		t.Error("NewStore(etcd) should fail")
	}
}

func TestCheckpoint_Percent(t *testing.T) {
	tests := []struct {
		cp   Checkpoint
		want float64
	}{
		{Checkpoint{BytesDownloaded: 0, TotalBytes: 0}, 0},
		{Checkpoint{BytesDownloaded: 5, TotalBytes: 10}, 50},
		{Checkpoint{BytesDownloaded: 10, TotalBytes: 10}, 100},
	}
	for _, tt := range tests {
		if got := tt.cp.Percent(); got != tt.want {
			t.Errorf("Percent(%+v) = %v, want %v", tt.cp, got, tt.want)
		}
	}
}
