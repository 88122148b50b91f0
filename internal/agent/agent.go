package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/gorilla/websocket"

	"github.com/nerrad567/jukebox-core/internal/infrastructure/logging"
	"github.com/nerrad567/jukebox-core/internal/protocol"
	"github.com/nerrad567/jukebox-core/internal/retry"
	"github.com/nerrad567/jukebox-core/internal/transfer"
)

const (
	lockFileName   = ".agent.lock"
	sendBuffer     = 64
	writeTimeout   = 10 * time.Second
	reconnectOpID  = "agent:connect"
	handshakeLimit = 10 * time.Second
)

// Options configure an Agent. ServerURL, Token and Transfers are required.
type Options struct {
	// ServerURL is the device route, e.g. ws://host:8080/ws/device.
	ServerURL string
	Token     string
	Name      string

	// Transfers downloads offered content. Its directory is locked for the
	// lifetime of Run.
	Transfers *transfer.Manager
	Dir       string

	// Retry paces reconnects; nil uses retry defaults.
	Retry *retry.Policy

	Dialer *websocket.Dialer
	Logger *logging.Logger
}

// Agent is a device bus client.
type Agent struct {
	opts      Options
	transfers *transfer.Manager
	retry     *retry.Policy
	dialer    *websocket.Dialer
	logger    *logging.Logger
	lock      *flock.Flock

	mu       sync.Mutex
	player   PlayerState
	out      chan protocol.Message
	stop     context.CancelFunc
	restart  func()
	sessions int

	downloads sync.WaitGroup
}

// New validates opts and returns an Agent.
func New(opts Options) (*Agent, error) {
	if opts.ServerURL == "" {
		return nil, fmt.Errorf("agent: server url is required")
	}
	if opts.Token == "" {
		return nil, fmt.Errorf("agent: token is required")
	}
	if opts.Transfers == nil {
		return nil, fmt.Errorf("agent: transfer manager is required")
	}
	if opts.Dir == "" {
		return nil, fmt.Errorf("agent: content dir is required")
	}
	if opts.Retry == nil {
		opts.Retry = retry.New(retry.Config{})
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{HandshakeTimeout: handshakeLimit, Proxy: http.ProxyFromEnvironment}
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	return &Agent{
		opts:      opts,
		transfers: opts.Transfers,
		retry:     opts.Retry,
		dialer:    opts.Dialer,
		logger:    opts.Logger.With("component", "agent", "device_token", opts.Token),
		lock:      flock.New(filepath.Join(opts.Dir, lockFileName)),
		player:    defaultPlayerState(),
	}, nil
}

// Player returns a copy of the local player state.
func (a *Agent) Player() PlayerState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.player
}

// Sessions returns how many times the agent has registered.
func (a *Agent) Sessions() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessions
}

// Run connects and serves until ctx ends or the server sends a shutdown
// command. Dropped connections are re-dialled with backoff.
func (a *Agent) Run(ctx context.Context) error {
	if err := os.MkdirAll(a.opts.Dir, 0o750); err != nil {
		return fmt.Errorf("creating content dir: %w", err)
	}
	locked, err := a.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring content dir lock: %w", err)
	}
	if !locked {
		return ErrLocked
	}
	defer func() {
		if err := a.lock.Unlock(); err != nil {
			a.logger.Warn("releasing content dir lock", "error", err)
		}
	}()

	defer a.downloads.Wait()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	a.mu.Lock()
	a.stop = cancel
	a.mu.Unlock()

	for {
		err := a.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrRejected) {
			return err
		}

		delay := a.retry.NextDelay(reconnectOpID)
		a.logger.Warn("connection lost, reconnecting",
			"error", err, "attempt", a.retry.Attempts(reconnectOpID), "delay", delay)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// session runs one connection from dial to close.
func (a *Agent) session(ctx context.Context) error {
	ws, resp, err := a.dialer.DialContext(ctx, a.opts.ServerURL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dialing %s: %w", a.opts.ServerURL, err)
	}

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	out := make(chan protocol.Message, sendBuffer)
	a.mu.Lock()
	a.out = out
	a.restart = cancel
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.out = nil
		a.restart = nil
		a.mu.Unlock()
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		a.writeLoop(sessCtx, ws, out)
	}()
	defer func() {
		cancel()
		ws.Close()
		<-writerDone
	}()

	a.enqueue(out, protocol.Register{Token: a.opts.Token, Name: a.opts.Name})

	// Unblock the read when the session ends for a local reason.
	go func() {
		<-sessCtx.Done()
		ws.Close()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if sessCtx.Err() != nil {
				return sessCtx.Err()
			}
			return fmt.Errorf("reading: %w", err)
		}
		msg, err := protocol.DecodeOutbound(data)
		if err != nil {
			a.logger.Warn("dropping undecodable message", "error", err)
			continue
		}
		if err := a.handle(ctx, msg); err != nil {
			return err
		}
	}
}

func (a *Agent) writeLoop(ctx context.Context, ws *websocket.Conn, out <-chan protocol.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-out:
			data, err := protocol.Encode(msg)
			if err != nil {
				a.logger.Error("encoding message", "type", msg.MessageType(), "error", err)
				continue
			}
			_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				a.logger.Warn("write failed", "error", err)
				ws.Close()
				return
			}
		}
	}
}

// Send queues msg on the current session without blocking.
func (a *Agent) Send(msg protocol.Message) error {
	a.mu.Lock()
	out := a.out
	a.mu.Unlock()
	if out == nil {
		return ErrNotConnected
	}
	if !a.enqueue(out, msg) {
		return fmt.Errorf("agent: send buffer full, dropped %s", msg.MessageType())
	}
	return nil
}

func (a *Agent) enqueue(out chan<- protocol.Message, msg protocol.Message) bool {
	select {
	case out <- msg:
		return true
	default:
		return false
	}
}

// sendWait queues msg, waiting for buffer space until ctx ends or the
// write timeout passes.
func (a *Agent) sendWait(ctx context.Context, msg protocol.Message) {
	a.mu.Lock()
	out := a.out
	a.mu.Unlock()
	if out == nil {
		a.logger.Debug("report not sent", "type", msg.MessageType(), "error", ErrNotConnected)
		return
	}
	timer := time.NewTimer(writeTimeout)
	defer timer.Stop()
	select {
	case out <- msg:
	case <-ctx.Done():
	case <-timer.C:
		a.logger.Warn("report dropped, send buffer full", "type", msg.MessageType())
	}
}

// send is Send for reports whose loss is acceptable.
func (a *Agent) send(msg protocol.Message) {
	if err := a.Send(msg); err != nil {
		a.logger.Debug("report not sent", "type", msg.MessageType(), "error", err)
	}
}
