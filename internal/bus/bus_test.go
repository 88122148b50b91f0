package bus

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/goleak"

	"github.com/nerrad567/jukebox-core/internal/infrastructure/config"
	"github.com/nerrad567/jukebox-core/internal/infrastructure/logging"
	"github.com/nerrad567/jukebox-core/internal/protocol"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingHandler struct {
	mu       sync.Mutex
	attached []string
	detached chan string
	messages chan protocol.Inbound
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		detached: make(chan string, 8),
		messages: make(chan protocol.Inbound, 8),
	}
}

func (h *recordingHandler) OnAttach(_ context.Context, token string) {
	h.mu.Lock()
	h.attached = append(h.attached, token)
	h.mu.Unlock()
}

func (h *recordingHandler) OnDetach(_ context.Context, token string) {
	h.detached <- token
}

func (h *recordingHandler) HandleDeviceMessage(_ context.Context, _ string, msg protocol.Inbound) {
	h.messages <- msg
}

type denyList map[string]bool

func (d denyList) ValidateDeviceToken(_ context.Context, token, _ string) error {
	if d[token] {
		return ErrUnauthorized
	}
	return nil
}

type mirrorRecorder struct {
	mu     sync.Mutex
	events []protocol.Event
}

func (m *mirrorRecorder) MirrorEvent(ev protocol.Event) {
	m.mu.Lock()
	m.events = append(m.events, ev)
	m.mu.Unlock()
}

type testBus struct {
	*Bus
	handler *recordingHandler
	mirror  *mirrorRecorder
	server  *httptest.Server
}

func newTestBus(t *testing.T) *testBus {
	t.Helper()
	h := newRecordingHandler()
	mirror := &mirrorRecorder{}
	b, err := New(Deps{
		Config:    config.WebSocketConfig{HeartbeatInterval: 30, SendBuffer: 16, MaxMessageSize: 1 << 16},
		Logger:    logging.Discard(),
		Handler:   h,
		Validator: denyList{"banned": true},
		Mirror:    mirror,
		AdminAuth: func(r *http.Request) (string, error) {
			if r.URL.Query().Get("token") != "secret" {
				return "", ErrUnauthorized
			}
			return "ops", nil
		},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/device", b.ServeDevice)
	mux.HandleFunc("/admin", b.ServeAdmin)
	srv := httptest.NewServer(mux)

	t.Cleanup(func() {
		b.Close()
		srv.Close()
	})
	return &testBus{Bus: b, handler: h, mirror: mirror, server: srv}
}

func (tb *testBus) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(tb.server.URL, "http") + path
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial(%s) error = %v", path, err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, msg protocol.Message) {
	t.Helper()
	if err := ws.WriteMessage(websocket.TextMessage, protocol.MustEncode(msg)); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
}

func read(t *testing.T, ws *websocket.Conn) protocol.Message {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	msg, err := protocol.DecodeOutbound(data)
	if err != nil {
		t.Fatalf("DecodeOutbound(%s) error = %v", data, err)
	}
	return msg
}

func register(t *testing.T, tb *testBus, token string) *websocket.Conn {
	t.Helper()
	ws := tb.dial(t, "/ws/device")
	send(t, ws, protocol.Register{Token: token})
	if got, ok := read(t, ws).(protocol.Registered); !ok || got.Token != token {
		t.Fatalf("expected registered for %s, got %#v", token, got)
	}
	return ws
}

func TestRegisterAndSendToDevice(t *testing.T) {
	tb := newTestBus(t)

	if tb.SendToDevice("jb-1", protocol.Command{Command: protocol.CommandPlay}) {
		t.Fatal("SendToDevice() before register = true, want false")
	}

	ws := register(t, tb, "jb-1")

	if !tb.SendToDevice("jb-1", protocol.Command{Command: protocol.CommandPlay}) {
		t.Fatal("SendToDevice() = false, want true")
	}
	cmd, ok := read(t, ws).(protocol.Command)
	if !ok || cmd.Command != protocol.CommandPlay {
		t.Errorf("device received %#v, want play command", cmd)
	}

	if got := tb.ConnectedDevices(); len(got) != 1 || got[0] != "jb-1" {
		t.Errorf("ConnectedDevices() = %v, want [jb-1]", got)
	}
}

func TestMessageBeforeRegisterIsRejected(t *testing.T) {
	tb := newTestBus(t)
	ws := tb.dial(t, "/ws/device")

	send(t, ws, protocol.Volume{Volume: 10})
	e, ok := read(t, ws).(protocol.Error)
	if !ok || e.Code != "not_registered" {
		t.Fatalf("got %#v, want not_registered error", e)
	}
	select {
	case msg := <-tb.handler.messages:
		t.Errorf("handler received %#v before register", msg)
	default:
	}
}

func TestUnknownTypeKeepsConnectionOpen(t *testing.T) {
	tb := newTestBus(t)
	ws := register(t, tb, "jb-1")

	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"teleport"}`)); err != nil {
		t.Fatal(err)
	}
	if e, ok := read(t, ws).(protocol.Error); !ok || e.Code != "unknown_type" {
		t.Fatalf("got %#v, want unknown_type error", e)
	}

	send(t, ws, protocol.Volume{Volume: 42})
	select {
	case msg := <-tb.handler.messages:
		if v, ok := msg.(protocol.Volume); !ok || v.Volume != 42 {
			t.Errorf("handler got %#v, want volume 42", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not receive message after unknown type")
	}
}

func TestRegisterRejected(t *testing.T) {
	tb := newTestBus(t)
	ws := tb.dial(t, "/ws/device")
	send(t, ws, protocol.Register{Token: "banned"})

	if e, ok := read(t, ws).(protocol.Error); !ok || e.Code != "unauthorized" {
		t.Fatalf("got %#v, want unauthorized error", e)
	}
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := ws.ReadMessage(); err == nil {
		t.Error("connection should be closed after rejection")
	}
}

func TestAdminBroadcastAndAuth(t *testing.T) {
	tb := newTestBus(t)

	url := "ws" + strings.TrimPrefix(tb.server.URL, "http") + "/admin"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated admin dial: err=%v resp=%v, want 401", err, resp)
	}

	admin := tb.dial(t, "/admin?token=secret")
	// Wait for the admin to be attached before broadcasting.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, admins := tb.Counts(); admins == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("admin never attached")
		}
		time.Sleep(5 * time.Millisecond)
	}

	tb.BroadcastToAdmins(protocol.NewEvent("device:status", "jb-1", map[string]any{"playing": true}))
	ev, ok := read(t, admin).(protocol.Event)
	if !ok || ev.Event != "device:status" || ev.Token != "jb-1" {
		t.Fatalf("admin got %#v, want device:status event", ev)
	}

	tb.mirror.mu.Lock()
	mirrored := len(tb.mirror.events)
	tb.mirror.mu.Unlock()
	if mirrored != 1 {
		t.Errorf("mirrored events = %d, want 1", mirrored)
	}
}

func TestAdminCommandForwarding(t *testing.T) {
	tb := newTestBus(t)
	device := register(t, tb, "jb-7")
	admin := tb.dial(t, "/admin?token=secret")

	vol := 15
	send(t, admin, protocol.Command{Command: protocol.CommandVolume, Token: "jb-7", Volume: &vol})

	cmd, ok := read(t, device).(protocol.Command)
	if !ok || cmd.Command != protocol.CommandVolume || cmd.Volume == nil || *cmd.Volume != 15 {
		t.Fatalf("device got %#v, want volume 15", cmd)
	}
	if cmd.Token != "" {
		t.Errorf("forwarded command should not carry the target token, got %q", cmd.Token)
	}

	ev, ok := read(t, admin).(protocol.Event)
	if !ok || ev.Event != "command:result" {
		t.Fatalf("admin got %#v, want command:result", ev)
	}
	if payload, _ := ev.Payload.(map[string]any); payload["delivered"] != true {
		t.Errorf("command:result payload = %v, want delivered=true", ev.Payload)
	}
}

func TestReconnectReplacesConnection(t *testing.T) {
	tb := newTestBus(t)
	first := register(t, tb, "jb-1")
	second := register(t, tb, "jb-1")

	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := first.ReadMessage(); err == nil {
		t.Fatal("first connection should be closed after replacement")
	}

	select {
	case tok := <-tb.handler.detached:
		t.Errorf("OnDetach(%s) fired for a replaced connection", tok)
	case <-time.After(100 * time.Millisecond):
	}

	if !tb.SendToDevice("jb-1", protocol.Pong{}) {
		t.Fatal("SendToDevice() = false after reconnect")
	}
	if _, ok := read(t, second).(protocol.Pong); !ok {
		t.Error("second connection should receive the message")
	}
}

func TestSweepTerminatesSilentConnection(t *testing.T) {
	tb := newTestBus(t)
	// The client never reads again, so it never answers pings.
	register(t, tb, "jb-quiet")

	tb.sweep() // marks not-alive and pings
	tb.sweep() // no pong since the last sweep: terminate

	select {
	case tok := <-tb.handler.detached:
		if tok != "jb-quiet" {
			t.Errorf("OnDetach(%s), want jb-quiet", tok)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("silent connection was not terminated")
	}
	if tb.SendToDevice("jb-quiet", protocol.Pong{}) {
		t.Error("SendToDevice() to terminated connection = true, want false")
	}
}

func TestSweepReapsUnregistered(t *testing.T) {
	tb := newTestBus(t)
	tb.interval = 10 * time.Millisecond

	ws := tb.dial(t, "/ws/device")
	time.Sleep(20 * time.Millisecond)
	tb.sweep()

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := ws.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) || closeErr.Code != websocket.ClosePolicyViolation {
		t.Errorf("ReadMessage() error = %v, want policy violation close", err)
	}
}

func TestSendOnClosedConnFailsClosed(t *testing.T) {
	tb := newTestBus(t)
	register(t, tb, "jb-1")

	conn, ok := tb.registry.Lookup(DeviceChannel, "jb-1")
	if !ok {
		t.Fatal("device not in registry")
	}
	c := conn.(*Conn)
	c.close(websocket.CloseNormalClosure, "")

	if err := c.Send([]byte("x")); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("Send() after close error = %v, want ErrConnectionClosed", err)
	}
}
