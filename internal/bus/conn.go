package bus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/nerrad567/jukebox-core/internal/protocol"
)

// writeWait bounds a single frame write.
const writeWait = 10 * time.Second

// Role distinguishes the two connection routes.
type Role string

const (
	RoleDevice Role = "device"
	RoleAdmin  Role = "admin"
)

// State is a connection lifecycle state.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateAttached
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateAttached:
		return "attached"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Conn is one live WebSocket connection. It implements channel.Conn.
type Conn struct {
	id          string
	role        Role
	ws          *websocket.Conn
	send        chan []byte
	done        chan struct{}
	closeOnce   sync.Once
	limiter     *rate.Limiter
	connectedAt time.Time

	state         atomic.Int32
	alive         atomic.Bool
	lastHeartbeat atomic.Int64

	mu    sync.RWMutex
	token string
}

// ConnInfo is a snapshot of a connection for diagnostics.
type ConnInfo struct {
	ID              string    `json:"id"`
	Role            Role      `json:"role"`
	Token           string    `json:"token,omitempty"`
	State           string    `json:"state"`
	ConnectedAt     time.Time `json:"connected_at"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
}

// ID returns the connection id.
func (c *Conn) ID() string { return c.id }

// Role returns the route the connection arrived on.
func (c *Conn) Role() Role { return c.role }

// State returns the lifecycle state.
func (c *Conn) State() State { return State(c.state.Load()) }

func (c *Conn) setState(s State) { c.state.Store(int32(s)) }

// Token returns the device token, empty until registered.
func (c *Conn) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *Conn) setToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// IsOpen reports whether the connection can still accept writes.
func (c *Conn) IsOpen() bool {
	return c.State() != StateClosed
}

// Send queues data for the write pump. It fails with ErrConnectionClosed
// once the connection is terminated and never blocks.
func (c *Conn) Send(data []byte) error {
	if !c.IsOpen() {
		return ErrConnectionClosed
	}
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// sendMsg encodes and queues msg, ignoring failures.
func (c *Conn) sendMsg(msg protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		return
	}
	_ = c.Send(data) //nolint:errcheck // best-effort reply
}

func (c *Conn) markAlive(now time.Time) {
	c.alive.Store(true)
	c.lastHeartbeat.Store(now.UnixNano())
}

// close terminates the connection exactly once. Safe to call from any
// goroutine, including concurrently with Send.
func (c *Conn) close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.setState(StateClosed)
		close(c.done)
		//nolint:errcheck // best-effort close frame
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
		c.ws.Close()
	})
}

func (c *Conn) info() ConnInfo {
	return ConnInfo{
		ID:              c.id,
		Role:            c.role,
		Token:           c.Token(),
		State:           c.State().String(),
		ConnectedAt:     c.connectedAt,
		LastHeartbeatAt: time.Unix(0, c.lastHeartbeat.Load()).UTC(),
	}
}

// writePump drains the send buffer onto the socket.
func (c *Conn) writePump() {
	for {
		select {
		case data := <-c.send:
			//nolint:errcheck // best-effort deadline; write error caught below
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.close(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-c.done:
			return
		}
	}
}
