package content

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/go-cmp/cmp"

	"github.com/nerrad567/jukebox-core/internal/infrastructure/database/dbtest"
	"github.com/nerrad567/jukebox-core/internal/protocol"
)

type fakeSender struct {
	mu     sync.Mutex
	online map[string]bool
	sent   map[string][]protocol.Message
}

func newFakeSender(online ...string) *fakeSender {
	f := &fakeSender{online: make(map[string]bool), sent: make(map[string][]protocol.Message)}
	for _, t := range online {
		f.online[t] = true
	}
	return f
}

func (f *fakeSender) SendToDevice(token string, msg protocol.Message) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.online[token] {
		return false
	}
	f.sent[token] = append(f.sent[token], msg)
	return true
}

func setup(t *testing.T, sender Sender) (*Service, string) {
	t.Helper()
	dir := t.TempDir()
	repo := NewSQLiteRepository(dbtest.Open(t).DB)
	return NewService(repo, Options{MediaDir: dir, PublicURL: "http://control:8080/", Sender: sender}), dir
}

func writeMedia(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o600); err != nil {
		t.Fatalf("writing media: %v", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func TestItemValidate(t *testing.T) {
	tests := []struct {
		name string
		item Item
		ok   bool
	}{
		{"valid", Item{ID: "s1", EntityType: EntitySong, FileName: "s1.mp3"}, true},
		{"no id", Item{EntityType: EntitySong, FileName: "a.mp3"}, false},
		{"id with slash", Item{ID: "a/b", EntityType: EntitySong, FileName: "a.mp3"}, false},
		{"bad type", Item{ID: "s1", EntityType: "video", FileName: "a.mp3"}, false},
		{"path escape", Item{ID: "s1", EntityType: EntitySong, FileName: "../etc/passwd"}, false},
		{"dot dot", Item{ID: "s1", EntityType: EntitySong, FileName: ".."}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.item.Validate()
			if tt.ok && err != nil {
				t.Errorf("Validate() error = %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalid) {
				t.Errorf("Validate() error = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestImportComputesDigest(t *testing.T) {
	svc, dir := setup(t, nil)
	want := writeMedia(t, dir, "intro.mp3", []byte("intro bytes"))

	item, err := svc.Import(context.Background(), Item{ID: "intro", EntityType: EntityAnnouncement, FileName: "intro.mp3"})
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	if item.SHA256 != want || item.SizeBytes != 11 {
		t.Errorf("Import() = %+v, want digest %s size 11", item, want)
	}

	if _, err := svc.Import(context.Background(), Item{ID: "intro", EntityType: EntityAnnouncement, FileName: "intro.mp3"}); !errors.Is(err, ErrExists) {
		t.Errorf("Import(duplicate) error = %v, want ErrExists", err)
	}
	if _, err := svc.Import(context.Background(), Item{ID: "gone", EntityType: EntitySong, FileName: "gone.mp3"}); err == nil {
		t.Error("Import(missing file) should fail")
	}
}

func TestOfferAndManifest(t *testing.T) {
	ctx := context.Background()
	sender := newFakeSender("jb-1")
	svc, dir := setup(t, sender)
	digest := writeMedia(t, dir, "s1.mp3", []byte("song one"))
	if _, err := svc.Import(ctx, Item{ID: "s1", EntityType: EntitySong, Title: "One", FileName: "s1.mp3"}); err != nil {
		t.Fatal(err)
	}

	msg, err := svc.Offer(ctx, "jb-1", "s1")
	if err != nil {
		t.Fatalf("Offer() error = %v", err)
	}
	want := protocol.Content{
		ContentID:  "s1",
		EntityType: EntitySong,
		Title:      "One",
		URL:        "http://control:8080/content/s1",
		Digest:     digest,
		Size:       8,
	}
	if diff := cmp.Diff(want, *msg); diff != "" {
		t.Errorf("Offer() mismatch (-want +got):\n%s", diff)
	}
	if len(sender.sent["jb-1"]) != 1 {
		t.Errorf("device received %d messages, want 1", len(sender.sent["jb-1"]))
	}

	// Offline device: not delivered but still assigned.
	if _, err := svc.Offer(ctx, "jb-2", "s1"); !errors.Is(err, ErrNotDelivered) {
		t.Errorf("Offer(offline) error = %v, want ErrNotDelivered", err)
	}
	manifest, err := svc.Manifest(ctx, "jb-2")
	if err != nil {
		t.Fatalf("Manifest() error = %v", err)
	}
	if diff := cmp.Diff([]protocol.Content{want}, manifest); diff != "" {
		t.Errorf("Manifest() mismatch (-want +got):\n%s", diff)
	}

	if _, err := svc.Offer(ctx, "jb-1", "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Offer(missing) error = %v, want ErrNotFound", err)
	}
}

func TestServeHTTPRange(t *testing.T) {
	ctx := context.Background()
	svc, dir := setup(t, nil)
	data := []byte("0123456789abcdef")
	writeMedia(t, dir, "s1.mp3", data)
	if _, err := svc.Import(ctx, Item{ID: "s1", EntityType: EntitySong, FileName: "s1.mp3"}); err != nil {
		t.Fatal(err)
	}

	r := chi.NewRouter()
	r.Get("/content/{id}", svc.ServeHTTP)
	r.Head("/content/{id}", svc.ServeHTTP)
	srv := httptest.NewServer(r)
	defer srv.Close()

	head, err := http.Head(srv.URL + "/content/s1")
	if err != nil {
		t.Fatalf("HEAD error = %v", err)
	}
	head.Body.Close()
	if head.ContentLength != int64(len(data)) {
		t.Errorf("HEAD Content-Length = %d, want %d", head.ContentLength, len(data))
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/content/s1", nil)
	req.Header.Set("Range", "bytes=10-15")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusPartialContent {
		t.Errorf("status = %d, want 206", resp.StatusCode)
	}
	if string(body) != "abcdef" {
		t.Errorf("body = %q, want abcdef", body)
	}

	missing, err := http.Get(srv.URL + "/content/nope")
	if err != nil {
		t.Fatal(err)
	}
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Errorf("missing status = %d, want 404", missing.StatusCode)
	}
}

func TestDeleteHandler(t *testing.T) {
	ctx := context.Background()
	svc, dir := setup(t, nil)
	writeMedia(t, dir, "s1.mp3", []byte("x"))
	if _, err := svc.Import(ctx, Item{ID: "s1", EntityType: EntitySong, FileName: "s1.mp3"}); err != nil {
		t.Fatal(err)
	}
	for _, tok := range []string{"jb-b", "jb-a"} {
		if err := svc.Repository().Assign(ctx, tok, "s1"); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := svc.DeleteHandler(EntityPlaylist).Targets(ctx, "s1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Targets(wrong type) error = %v, want ErrNotFound", err)
	}

	h := svc.DeleteHandler(EntitySong)
	targets, err := h.Targets(ctx, "s1")
	if err != nil {
		t.Fatalf("Targets() error = %v", err)
	}
	if diff := cmp.Diff([]string{"jb-a", "jb-b"}, targets); diff != "" {
		t.Errorf("Targets() mismatch (-want +got):\n%s", diff)
	}

	if err := h.Delete(ctx, "s1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if holders, _ := svc.Repository().Holders(ctx, "s1"); len(holders) != 0 {
		t.Errorf("assignments survived delete: %v", holders)
	}
	if err := h.Cleanup(ctx, "s1"); err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "s1.mp3")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("media file still present: %v", err)
	}
}

type transferPoint struct {
	contentID, result string
	bytes             int64
}

type fakeTelemetry struct {
	mu     sync.Mutex
	points []transferPoint
}

func (f *fakeTelemetry) WriteTransfer(contentID, result string, bytes int64, _ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.points = append(f.points, transferPoint{contentID, result, bytes})
}

func TestServeHTTPRecordsTransfers(t *testing.T) {
	ctx := context.Background()
	tel := &fakeTelemetry{}
	dir := t.TempDir()
	svc := NewService(NewSQLiteRepository(dbtest.Open(t).DB), Options{MediaDir: dir, Telemetry: tel})
	writeMedia(t, dir, "s1.mp3", []byte("0123456789"))
	if _, err := svc.Import(ctx, Item{ID: "s1", EntityType: EntitySong, FileName: "s1.mp3"}); err != nil {
		t.Fatal(err)
	}

	r := chi.NewRouter()
	r.Get("/content/{id}", svc.ServeHTTP)
	r.Head("/content/{id}", svc.ServeHTTP)

	for _, tc := range []struct{ method, rng string }{
		{http.MethodHead, ""},
		{http.MethodGet, ""},
		{http.MethodGet, "bytes=4-"},
		{http.MethodGet, "bytes=50-"},
	} {
		req := httptest.NewRequest(tc.method, "/content/s1", nil)
		if tc.rng != "" {
			req.Header.Set("Range", tc.rng)
		}
		r.ServeHTTP(httptest.NewRecorder(), req)
	}

	want := []transferPoint{
		{"s1", "ok", 10},
		{"s1", "ok", 6},
	}
	if len(tel.points) != 3 {
		t.Fatalf("points = %+v, want 3 (HEAD is not recorded)", tel.points)
	}
	if diff := cmp.Diff(want, tel.points[:2], cmp.AllowUnexported(transferPoint{})); diff != "" {
		t.Errorf("transfers mismatch (-want +got):\n%s", diff)
	}
	if tel.points[2].result != "error" {
		t.Errorf("unsatisfiable range result = %q, want error", tel.points[2].result)
	}
}
