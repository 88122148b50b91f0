package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/jukebox-core/internal/auth"
	"github.com/nerrad567/jukebox-core/internal/bus"
	"github.com/nerrad567/jukebox-core/internal/content"
	"github.com/nerrad567/jukebox-core/internal/deletion"
	"github.com/nerrad567/jukebox-core/internal/device"
	"github.com/nerrad567/jukebox-core/internal/emergency"
	"github.com/nerrad567/jukebox-core/internal/infrastructure/config"
	"github.com/nerrad567/jukebox-core/internal/infrastructure/database/dbtest"
	"github.com/nerrad567/jukebox-core/internal/infrastructure/logging"
	"github.com/nerrad567/jukebox-core/internal/metrics"
	"github.com/nerrad567/jukebox-core/internal/notification"
	"github.com/nerrad567/jukebox-core/internal/protocol"
)

const testSecret = "test-secret-key-at-least-32-characters-long"

// fakeBus records sends and reports a fixed set of connected devices.
type fakeBus struct {
	mu        sync.Mutex
	connected map[string]bool
	sent      map[string][]protocol.Message
	admin     []protocol.Message
}

func newFakeBus(connected ...string) *fakeBus {
	b := &fakeBus{connected: make(map[string]bool), sent: make(map[string][]protocol.Message)}
	for _, t := range connected {
		b.connected[t] = true
	}
	return b
}

func (b *fakeBus) ServeDevice(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusTeapot)
}

func (b *fakeBus) ServeAdmin(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusTeapot)
}

func (b *fakeBus) SendToDevice(token string, msg protocol.Message) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected[token] {
		return false
	}
	b.sent[token] = append(b.sent[token], msg)
	return true
}

func (b *fakeBus) BroadcastToAdmins(msg protocol.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.admin = append(b.admin, msg)
}

func (b *fakeBus) IsConnected(token string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected[token]
}

func (b *fakeBus) ConnectedDevices() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.connected))
	for t := range b.connected {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (b *fakeBus) Counts() (devices, admins int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.connected), 0
}

func (b *fakeBus) Connections() []bus.ConnInfo {
	var out []bus.ConnInfo
	for _, t := range b.ConnectedDevices() {
		out = append(out, bus.ConnInfo{ID: "conn-" + t, Role: bus.RoleDevice, Token: t, State: "attached"})
	}
	return out
}

func (b *fakeBus) sentTo(token string) []protocol.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]protocol.Message(nil), b.sent[token]...)
}

type fixture struct {
	srv      *Server
	handler  http.Handler
	bus      *fakeBus
	registry *device.Registry
	notes    *notification.SQLiteRepository
	playback *device.SQLitePlaybackRepository
	content  *content.Service
	mediaDir string
}

type fixtureOption func(*Deps)

// testServer creates a Server over a real registry, emergency service,
// content catalogue and delete coordinator. jb-1 and jb-2 are connected;
// jb-3 is enrolled but offline.
func testServer(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	ctx := context.Background()
	db := dbtest.Open(t)

	registry := device.NewRegistry(device.NewSQLiteRepository(db.DB))
	for _, tok := range []string{"jb-1", "jb-2", "jb-3"} {
		if _, _, err := registry.EnsureDevice(ctx, tok, strings.ToUpper(tok)); err != nil {
			t.Fatalf("EnsureDevice(%s): %v", tok, err)
		}
	}
	for _, tok := range []string{"jb-1", "jb-2"} {
		if _, err := registry.SetOnline(ctx, tok, true); err != nil {
			t.Fatalf("SetOnline(%s): %v", tok, err)
		}
	}

	fb := newFakeBus("jb-1", "jb-2")
	notes := notification.NewSQLiteRepository(db.DB)
	playback := device.NewSQLitePlaybackRepository(db.DB)
	log := logging.Discard()

	em, err := emergency.NewService(ctx, emergency.Deps{
		Store:         emergency.NewMemoryStore(),
		Devices:       registry,
		Bus:           fb,
		Notifications: notes,
		Logger:        log,
		ResetVolume:   50,
	})
	if err != nil {
		t.Fatalf("emergency.NewService: %v", err)
	}

	mediaDir := t.TempDir()
	catalogue := content.NewService(content.NewSQLiteRepository(db.DB), content.Options{
		MediaDir:  mediaDir,
		PublicURL: "http://control:8080",
		Sender:    fb,
	})

	deleter := deletion.New(deletion.Deps{Bus: fb, Notifications: notes, Logger: log})
	deleter.Register(content.EntitySong, catalogue.DeleteHandler(content.EntitySong))

	deps := Deps{
		Config: config.APIConfig{
			Host:     "127.0.0.1",
			Port:     0,
			Timeouts: config.APITimeoutConfig{Read: 5, Write: 5, Idle: 5},
		},
		Security: config.SecurityConfig{
			JWT: config.JWTConfig{Secret: testSecret, AccessTokenTTL: 15},
		},
		Logger:        log,
		Registry:      registry,
		Bus:           fb,
		Emergency:     em,
		Content:       catalogue,
		Deletion:      deleter,
		Notifications: notes,
		Playback:      playback,
		Tickets:       NewTicketStore(time.Minute),
		DB:            db.DB,
		HealthChecks: []HealthCheck{
			{Name: "database", Required: true, Check: db.HealthCheck},
		},
		Version: "test",
	}
	for _, opt := range opts {
		opt(&deps)
	}

	srv, err := New(deps)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	return &fixture{
		srv:      srv,
		handler:  srv.Handler(),
		bus:      fb,
		registry: registry,
		notes:    notes,
		playback: playback,
		content:  catalogue,
		mediaDir: mediaDir,
	}
}

func token(t *testing.T, role auth.Role) string {
	t.Helper()
	tok, err := auth.GenerateAccessToken("tester", role, testSecret, 15)
	if err != nil {
		t.Fatalf("GenerateAccessToken: %v", err)
	}
	return tok
}

func (f *fixture) do(t *testing.T, method, path, bearer string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decoding %q: %v", w.Body.String(), err)
	}
	return v
}

func (f *fixture) importSong(t *testing.T, id string, data []byte) {
	t.Helper()
	name := id + ".mp3"
	if err := os.WriteFile(filepath.Join(f.mediaDir, name), data, 0o600); err != nil {
		t.Fatalf("writing media: %v", err)
	}
	if _, err := f.content.Import(context.Background(), content.Item{
		ID: id, EntityType: content.EntitySong, Title: id, FileName: name,
	}); err != nil {
		t.Fatalf("Import(%s): %v", id, err)
	}
}

// ─── Construction & Health ─────────────────────────────────────────

func TestNew_Validation(t *testing.T) {
	if _, err := New(Deps{}); err == nil {
		t.Error("New(Deps{}) should fail without a logger")
	}
	if _, err := New(Deps{Logger: logging.Discard()}); err == nil {
		t.Error("New() should fail without a registry")
	}
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		checks     []HealthCheck
		wantCode   int
		wantStatus string
	}{
		{
			name:       "all healthy",
			checks:     []HealthCheck{{Name: "database", Required: true, Check: func(context.Context) error { return nil }}},
			wantCode:   http.StatusOK,
			wantStatus: "ok",
		},
		{
			name: "optional failure degrades",
			checks: []HealthCheck{
				{Name: "database", Required: true, Check: func(context.Context) error { return nil }},
				{Name: "mqtt", Check: func(context.Context) error { return errors.New("not connected") }},
			},
			wantCode:   http.StatusOK,
			wantStatus: "degraded",
		},
		{
			name:       "required failure is unhealthy",
			checks:     []HealthCheck{{Name: "database", Required: true, Check: func(context.Context) error { return errors.New("closed") }}},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "unhealthy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := testServer(t, func(d *Deps) { d.HealthChecks = tt.checks })
			w := f.do(t, http.MethodGet, "/api/v1/health", "", nil)
			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantCode)
			}
			resp := decode[map[string]any](t, w)
			if resp["status"] != tt.wantStatus {
				t.Errorf("status = %v, want %q", resp["status"], tt.wantStatus)
			}
			if resp["version"] != "test" {
				t.Errorf("version = %v, want test", resp["version"])
			}
		})
	}
}

func TestBusRoutesMounted(t *testing.T) {
	f := testServer(t)
	for _, path := range []string{"/ws/device", "/admin"} {
		if w := f.do(t, http.MethodGet, path, "", nil); w.Code != http.StatusTeapot {
			t.Errorf("GET %s = %d, want the bus handler", path, w.Code)
		}
	}
}

// ─── Authentication ────────────────────────────────────────────────

func TestAuth(t *testing.T) {
	f := testServer(t)

	tests := []struct {
		name     string
		method   string
		path     string
		bearer   string
		wantCode int
	}{
		{"missing token", http.MethodGet, "/api/v1/devices", "", http.StatusUnauthorized},
		{"garbage token", http.MethodGet, "/api/v1/devices", "not-a-jwt", http.StatusUnauthorized},
		{"viewer reads", http.MethodGet, "/api/v1/devices", token(t, auth.RoleViewer), http.StatusOK},
		{"viewer cannot activate", http.MethodPost, "/api/v1/emergency/activate", token(t, auth.RoleViewer), http.StatusForbidden},
		{"operator cannot delete", http.MethodDelete, "/api/v1/entities/song/x", token(t, auth.RoleOperator), http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, tt.method, tt.path, tt.bearer, nil)
			if w.Code != tt.wantCode {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.wantCode, w.Body.String())
			}
		})
	}

	wrong, err := auth.GenerateAccessToken("tester", auth.RoleAdmin, "another-secret-that-is-long-enough!!", 15)
	if err != nil {
		t.Fatalf("GenerateAccessToken: %v", err)
	}
	if w := f.do(t, http.MethodGet, "/api/v1/devices", wrong, nil); w.Code != http.StatusUnauthorized {
		t.Errorf("token signed with another secret: status = %d, want 401", w.Code)
	}
}

func TestAuthMe(t *testing.T) {
	f := testServer(t)

	w := f.do(t, http.MethodGet, "/api/v1/auth/me", token(t, auth.RoleOperator), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	resp := decode[struct {
		Subject     string   `json:"subject"`
		Role        string   `json:"role"`
		Permissions []string `json:"permissions"`
	}](t, w)
	if resp.Subject != "tester" || resp.Role != string(auth.RoleOperator) {
		t.Errorf("identity = %s/%s, want tester/operator", resp.Subject, resp.Role)
	}
	want := len(auth.PermissionsForRole(auth.RoleOperator))
	if len(resp.Permissions) != want {
		t.Errorf("permissions = %v, want %d entries", resp.Permissions, want)
	}
	for _, p := range resp.Permissions {
		if p == string(auth.PermContentDelete) {
			t.Error("operator should not hold content:delete")
		}
	}
}

// ─── Emergency ─────────────────────────────────────────────────────

func TestEmergency_ActivateDeactivate(t *testing.T) {
	f := testServer(t)
	admin := token(t, auth.RoleAdmin)

	w := f.do(t, http.MethodPost, "/api/v1/emergency/activate", admin, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("activate status = %d, body %s", w.Code, w.Body.String())
	}
	report := decode[emergency.Report](t, w)
	if !report.Active || report.DevicesTargeted != 2 || report.DevicesUpdated != 3 {
		t.Errorf("activate report = %+v, want active with 2 targeted and 3 updated", report)
	}
	for _, tok := range []string{"jb-1", "jb-2"} {
		sent := f.bus.sentTo(tok)
		if len(sent) != 1 {
			t.Fatalf("%s received %d messages, want 1", tok, len(sent))
		}
		if cmd, ok := sent[0].(protocol.Command); !ok || cmd.Command != protocol.CommandEmergencyStop {
			t.Errorf("%s received %#v, want emergency-stop", tok, sent[0])
		}
	}

	status := decode[emergency.State](t, f.do(t, http.MethodGet, "/api/v1/emergency", token(t, auth.RoleViewer), nil))
	if !status.Active || status.ActivatedAt == nil {
		t.Errorf("status = %+v, want active with activation time", status)
	}

	w = f.do(t, http.MethodPost, "/api/v1/emergency/deactivate", admin, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("deactivate status = %d", w.Code)
	}
	if report := decode[emergency.Report](t, w); report.Active {
		t.Errorf("deactivate report active = true")
	}

	st, err := f.registry.GetDevice(context.Background(), "jb-3")
	if err != nil {
		t.Fatalf("GetDevice: %v", err)
	}
	if st.EmergencyStopped || st.Volume != 50 {
		t.Errorf("jb-3 after reset = stopped %v volume %d, want false 50", st.EmergencyStopped, st.Volume)
	}
}

// ─── Devices ───────────────────────────────────────────────────────

func TestListDevices(t *testing.T) {
	f := testServer(t)
	viewer := token(t, auth.RoleViewer)

	tests := []struct {
		query     string
		wantCode  int
		wantCount int
	}{
		{"", http.StatusOK, 3},
		{"?online=true", http.StatusOK, 2},
		{"?online=false", http.StatusOK, 1},
		{"?status=idle", http.StatusOK, 3},
		{"?status=playing", http.StatusOK, 0},
		{"?online=maybe", http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			w := f.do(t, http.MethodGet, "/api/v1/devices"+tt.query, viewer, nil)
			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantCode)
			}
			if tt.wantCode != http.StatusOK {
				return
			}
			resp := decode[struct {
				Devices []deviceView `json:"devices"`
				Count   int          `json:"count"`
			}](t, w)
			if resp.Count != tt.wantCount || len(resp.Devices) != tt.wantCount {
				t.Errorf("count = %d (%d devices), want %d", resp.Count, len(resp.Devices), tt.wantCount)
			}
		})
	}
}

func TestGetDevice(t *testing.T) {
	f := testServer(t)
	viewer := token(t, auth.RoleViewer)

	w := f.do(t, http.MethodGet, "/api/v1/devices/jb-1", viewer, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	got := decode[deviceView](t, w)
	if got.Token != "jb-1" || !got.Connected || got.Name != "JB-1" {
		t.Errorf("device = %+v, want connected jb-1", got)
	}

	if w := f.do(t, http.MethodGet, "/api/v1/devices/nope", viewer, nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown device status = %d, want 404", w.Code)
	}
}

func TestDeviceHistory(t *testing.T) {
	f := testServer(t)
	ctx := context.Background()
	for _, song := range []string{"s1", "s2", "s3"} {
		rec := &device.PlaybackRecord{Token: "jb-1", SongID: song, PositionSeconds: 200, DurationSeconds: 200, Completed: true}
		if err := f.playback.Record(ctx, rec); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	viewer := token(t, auth.RoleViewer)

	w := f.do(t, http.MethodGet, "/api/v1/devices/jb-1/history?limit=2", viewer, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	resp := decode[struct {
		History []device.PlaybackRecord `json:"history"`
		Count   int                     `json:"count"`
	}](t, w)
	if resp.Count != 2 || len(resp.History) != 2 {
		t.Errorf("count = %d, want 2", resp.Count)
	}

	w = f.do(t, http.MethodGet, "/api/v1/devices/jb-2/history", viewer, nil)
	if got := decode[map[string]any](t, w); got["count"] != float64(0) {
		t.Errorf("empty history count = %v, want 0", got["count"])
	}

	if w := f.do(t, http.MethodGet, "/api/v1/devices/jb-1/history?limit=x", viewer, nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want 400", w.Code)
	}
}

func TestDeviceCommand(t *testing.T) {
	f := testServer(t)
	operator := token(t, auth.RoleOperator)
	vol := func(v int) *int { return &v }

	tests := []struct {
		name     string
		token    string
		body     commandRequest
		wantCode int
		wantErr  string
	}{
		{"missing command", "jb-1", commandRequest{}, http.StatusBadRequest, ErrCodeValidation},
		{"emergency reserved", "jb-1", commandRequest{Command: protocol.CommandEmergencyStop}, http.StatusBadRequest, ErrCodeValidation},
		{"volume out of range", "jb-1", commandRequest{Command: protocol.CommandVolume, Volume: vol(101)}, http.StatusBadRequest, ErrCodeValidation},
		{"volume missing", "jb-1", commandRequest{Command: protocol.CommandVolume}, http.StatusBadRequest, ErrCodeValidation},
		{"unknown device", "nope", commandRequest{Command: protocol.CommandPause}, http.StatusNotFound, ErrCodeNotFound},
		{"offline device", "jb-3", commandRequest{Command: protocol.CommandPause}, http.StatusConflict, ErrCodeNotConnected},
		{"volume delivered", "jb-1", commandRequest{Command: protocol.CommandVolume, Volume: vol(30)}, http.StatusAccepted, ""},
		{"custom command delivered", "jb-2", commandRequest{Command: "reload-playlist", Args: map[string]any{"id": "p1"}}, http.StatusAccepted, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, http.MethodPost, "/api/v1/devices/"+tt.token+"/command", operator, tt.body)
			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, tt.wantCode, w.Body.String())
			}
			if tt.wantErr != "" {
				if got := decode[Error](t, w); got.Code != tt.wantErr {
					t.Errorf("code = %q, want %q", got.Code, tt.wantErr)
				}
			}
		})
	}

	sent := f.bus.sentTo("jb-1")
	if len(sent) != 1 {
		t.Fatalf("jb-1 received %d messages, want 1", len(sent))
	}
	cmd, ok := sent[0].(protocol.Command)
	if !ok || cmd.Command != protocol.CommandVolume || cmd.Volume == nil || *cmd.Volume != 30 {
		t.Errorf("jb-1 received %#v, want volume 30", sent[0])
	}
}

func TestDeviceCommand_BlockedDuringEmergency(t *testing.T) {
	f := testServer(t)
	if w := f.do(t, http.MethodPost, "/api/v1/emergency/activate", token(t, auth.RoleAdmin), nil); w.Code != http.StatusOK {
		t.Fatalf("activate status = %d", w.Code)
	}
	operator := token(t, auth.RoleOperator)

	for _, cmd := range []string{protocol.CommandPlay, protocol.CommandVolume} {
		v := 20
		w := f.do(t, http.MethodPost, "/api/v1/devices/jb-1/command", operator, commandRequest{Command: cmd, Volume: &v})
		if w.Code != http.StatusConflict {
			t.Errorf("%s during emergency: status = %d, want 409", cmd, w.Code)
			continue
		}
		if got := decode[Error](t, w); got.Code != ErrCodeEmergencyActive {
			t.Errorf("%s code = %q, want %q", cmd, got.Code, ErrCodeEmergencyActive)
		}
	}

	if w := f.do(t, http.MethodPost, "/api/v1/devices/jb-1/command", operator, commandRequest{Command: protocol.CommandPause}); w.Code != http.StatusAccepted {
		t.Errorf("pause during emergency: status = %d, want 202", w.Code)
	}
}

// ─── Content ───────────────────────────────────────────────────────

func TestOfferContent(t *testing.T) {
	f := testServer(t)
	f.importSong(t, "song-1", []byte("some audio bytes"))
	operator := token(t, auth.RoleOperator)

	tests := []struct {
		name          string
		token         string
		contentID     string
		wantCode      int
		wantDelivered bool
	}{
		{"connected device", "jb-1", "song-1", http.StatusAccepted, true},
		{"offline device keeps assignment", "jb-3", "song-1", http.StatusAccepted, false},
		{"unknown content", "jb-1", "missing", http.StatusNotFound, false},
		{"unknown device", "nope", "song-1", http.StatusNotFound, false},
		{"missing content id", "jb-1", "", http.StatusBadRequest, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, http.MethodPost, "/api/v1/devices/"+tt.token+"/content", operator, offerRequest{ContentID: tt.contentID})
			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, tt.wantCode, w.Body.String())
			}
			if w.Code != http.StatusAccepted {
				return
			}
			resp := decode[struct {
				Offer     protocol.Content `json:"offer"`
				Delivered bool             `json:"delivered"`
			}](t, w)
			if resp.Delivered != tt.wantDelivered {
				t.Errorf("delivered = %v, want %v", resp.Delivered, tt.wantDelivered)
			}
			if resp.Offer.URL != "http://control:8080/content/song-1" {
				t.Errorf("offer url = %q", resp.Offer.URL)
			}
		})
	}

	manifest, err := f.content.Manifest(context.Background(), "jb-3")
	if err != nil {
		t.Fatalf("Manifest: %v", err)
	}
	if len(manifest) != 1 || manifest[0].ContentID != "song-1" {
		t.Errorf("jb-3 manifest = %+v, want song-1", manifest)
	}
}

func TestContentServing(t *testing.T) {
	f := testServer(t)
	payload := []byte("0123456789abcdefghij")
	f.importSong(t, "song-2", payload)

	req := httptest.NewRequest(http.MethodGet, "/content/song-2", nil)
	req.Header.Set("Range", "bytes=10-")
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)

	if w.Code != http.StatusPartialContent {
		t.Fatalf("status = %d, want 206", w.Code)
	}
	if got := w.Body.String(); got != "abcdefghij" {
		t.Errorf("body = %q, want tail of payload", got)
	}

	head := httptest.NewRequest(http.MethodHead, "/content/song-2", nil)
	w = httptest.NewRecorder()
	f.handler.ServeHTTP(w, head)
	if w.Code != http.StatusOK || w.Header().Get("Content-Length") != "20" {
		t.Errorf("HEAD = %d length %q, want 200 and 20", w.Code, w.Header().Get("Content-Length"))
	}
}

// ─── Deletes ───────────────────────────────────────────────────────

func TestDeleteEntity(t *testing.T) {
	f := testServer(t)
	f.importSong(t, "song-3", []byte("bytes"))
	ctx := context.Background()
	for _, tok := range []string{"jb-1", "jb-2", "jb-3"} {
		if _, err := f.content.Offer(ctx, tok, "song-3"); err != nil && !errors.Is(err, content.ErrNotDelivered) {
			t.Fatalf("Offer(%s): %v", tok, err)
		}
	}
	admin := token(t, auth.RoleAdmin)

	if w := f.do(t, http.MethodDelete, "/api/v1/entities/video/x", admin, nil); w.Code != http.StatusBadRequest {
		t.Errorf("unknown type status = %d, want 400", w.Code)
	}
	if w := f.do(t, http.MethodDelete, "/api/v1/entities/song/missing", admin, nil); w.Code != http.StatusNotFound {
		t.Errorf("missing entity status = %d, want 404", w.Code)
	}

	w := f.do(t, http.MethodDelete, "/api/v1/entities/song/song-3", admin, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("delete status = %d, body %s", w.Code, w.Body.String())
	}
	report := decode[deletion.Report](t, w)
	if report.Phase != protocol.DeleteSuccess || report.Targeted != 2 || report.Succeeded != 2 {
		t.Errorf("report = %+v, want success with 2 targeted and 2 succeeded", report)
	}
	if _, err := os.Stat(filepath.Join(f.mediaDir, "song-3.mp3")); !os.IsNotExist(err) {
		t.Errorf("media file still present after delete, stat err = %v", err)
	}

	var actions []string
	for _, msg := range f.bus.sentTo("jb-1") {
		if d, ok := msg.(protocol.Delete); ok {
			actions = append(actions, d.Action)
		}
	}
	if strings.Join(actions, ",") != "started,success" {
		t.Errorf("jb-1 delete actions = %v, want started then success", actions)
	}
}

// ─── Notifications ─────────────────────────────────────────────────

func TestListNotifications(t *testing.T) {
	f := testServer(t)
	ctx := context.Background()
	for _, n := range []notification.Notification{
		{Type: notification.TypeDeviceError, Title: "jb-1 failed", DeviceToken: "jb-1"},
		{Type: notification.TypeDeviceError, Title: "jb-2 failed", DeviceToken: "jb-2"},
		{Type: notification.TypeDeleteFailed, Title: "delete failed"},
	} {
		n := n
		if err := f.notes.Create(ctx, &n); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	viewer := token(t, auth.RoleViewer)

	tests := []struct {
		query     string
		wantCode  int
		wantTotal int
	}{
		{"", http.StatusOK, 3},
		{"?type=device_error", http.StatusOK, 2},
		{"?device=jb-2", http.StatusOK, 1},
		{"?limit=abc", http.StatusBadRequest, 0},
		{"?offset=-1", http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			w := f.do(t, http.MethodGet, "/api/v1/notifications"+tt.query, viewer, nil)
			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantCode)
			}
			if tt.wantCode != http.StatusOK {
				return
			}
			if got := decode[notification.ListResult](t, w); got.Total != tt.wantTotal {
				t.Errorf("total = %d, want %d", got.Total, tt.wantTotal)
			}
		})
	}
}

// ─── Metrics ───────────────────────────────────────────────────────

func TestMetrics(t *testing.T) {
	m := metrics.New()
	m.ConnectionAttached("device")
	f := testServer(t, func(d *Deps) { d.Metrics = m })

	w := f.do(t, http.MethodGet, "/api/v1/metrics", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("json metrics status = %d", w.Code)
	}
	snap := decode[SystemMetrics](t, w)
	if snap.Bus.Devices != 2 || snap.Devices.TotalDevices != 3 || snap.Database == nil {
		t.Errorf("snapshot = %+v, want 2 connected, 3 devices, database stats", snap)
	}

	w = f.do(t, http.MethodGet, "/metrics", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("prometheus status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "jukebox_bus_connections") {
		t.Errorf("exposition missing bus gauge:\n%s", w.Body.String())
	}
}

// ─── Rate limiting ─────────────────────────────────────────────────

func TestRateLimit(t *testing.T) {
	f := testServer(t, func(d *Deps) {
		d.Security.RateLimit = config.RateLimitConfig{Enabled: true, RequestsPerMinute: 2}
	})

	for i := 0; i < 2; i++ {
		if w := f.do(t, http.MethodGet, "/api/v1/health", "", nil); w.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i, w.Code)
		}
	}
	w := f.do(t, http.MethodGet, "/api/v1/health", "", nil)
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("third request status = %d, want 429", w.Code)
	}

	// Downloads are outside the limited group.
	f.importSong(t, "song-4", []byte("x"))
	for i := 0; i < 3; i++ {
		if w := f.do(t, http.MethodGet, "/content/song-4", "", nil); w.Code != http.StatusOK {
			t.Errorf("download %d status = %d, want 200", i, w.Code)
		}
	}
}
