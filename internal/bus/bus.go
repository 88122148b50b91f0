package bus

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/nerrad567/jukebox-core/internal/channel"
	"github.com/nerrad567/jukebox-core/internal/fanout"
	"github.com/nerrad567/jukebox-core/internal/infrastructure/config"
	"github.com/nerrad567/jukebox-core/internal/infrastructure/logging"
	"github.com/nerrad567/jukebox-core/internal/metrics"
	"github.com/nerrad567/jukebox-core/internal/protocol"
)

// Channel names used on the registry.
const (
	AdminChannel  = "admins"
	DeviceChannel = "devices"
)

const (
	defaultSendBuffer = 64
	detachTimeout     = 5 * time.Second
)

// Handler receives device lifecycle events and device messages. Calls for
// one connection are serialised; calls for different connections may run
// concurrently.
type Handler interface {
	OnAttach(ctx context.Context, token string)
	OnDetach(ctx context.Context, token string)
	HandleDeviceMessage(ctx context.Context, token string, msg protocol.Inbound)
}

// TokenValidator checks a device token presented in register.
type TokenValidator interface {
	ValidateDeviceToken(ctx context.Context, token, name string) error
}

// AdminAuthenticator authenticates an admin upgrade request and returns the
// caller's subject.
type AdminAuthenticator func(r *http.Request) (string, error)

// EventMirror receives a copy of every admin event.
type EventMirror interface {
	MirrorEvent(ev protocol.Event)
}

// Deps holds the bus dependencies. Config, Logger and Handler are required.
type Deps struct {
	Config    config.WebSocketConfig
	Logger    *logging.Logger
	Registry  *channel.Registry
	Handler   Handler
	Validator TokenValidator
	AdminAuth AdminAuthenticator
	Mirror    EventMirror
	Metrics   *metrics.Metrics
}

// Bus accepts device and admin connections and routes messages between them
// and the Handler.
type Bus struct {
	cfg       config.WebSocketConfig
	logger    *logging.Logger
	registry  *channel.Registry
	handler   Handler
	validator TokenValidator
	adminAuth AdminAuthenticator
	mirror    EventMirror
	metrics   *metrics.Metrics
	upgrader  websocket.Upgrader
	interval  time.Duration
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.RWMutex
	conns map[*Conn]struct{}
}

// New creates a bus. Call Run to start the heartbeat sweep.
func New(deps Deps) (*Bus, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	if deps.Registry == nil {
		deps.Registry = channel.NewRegistry()
	}

	interval := time.Duration(deps.Config.HeartbeatInterval) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		cfg:       deps.Config,
		logger:    deps.Logger,
		registry:  deps.Registry,
		handler:   deps.Handler,
		validator: deps.Validator,
		adminAuth: deps.AdminAuth,
		mirror:    deps.Mirror,
		metrics:   deps.Metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(_ *http.Request) bool {
				// Origin checking is handled by CORS middleware
				return true
			},
		},
		interval: interval,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		conns:    make(map[*Conn]struct{}),
	}, nil
}

// Run sweeps connections every heartbeat interval until ctx is cancelled,
// then closes every connection.
func (b *Bus) Run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.Close()
			return
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			b.sweep()
		}
	}
}

// Close terminates every connection and waits for their pumps to exit.
func (b *Bus) Close() {
	b.cancel()

	b.mu.RLock()
	conns := make([]*Conn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.RUnlock()

	for _, c := range conns {
		c.close(websocket.CloseGoingAway, "server shutting down")
	}
	b.wg.Wait()
}

// sweep pings every connection and terminates the ones that did not answer
// the previous ping, plus device connections that never registered.
func (b *Bus) sweep() {
	now := b.now()

	b.mu.RLock()
	conns := make([]*Conn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.RUnlock()

	for _, c := range conns {
		if !c.IsOpen() {
			continue
		}
		if c.role == RoleDevice && c.State() != StateAttached && now.Sub(c.connectedAt) >= b.interval {
			b.logger.Warn("reaping unregistered connection", "connection_id", c.id)
			b.metrics.ConnectionTerminated("unregistered")
			c.close(websocket.ClosePolicyViolation, "register timeout")
			continue
		}
		if !c.alive.Swap(false) {
			b.logger.Warn("heartbeat missed, terminating connection",
				"connection_id", c.id, "device_token", c.Token(), "role", c.role)
			b.metrics.ConnectionTerminated("heartbeat")
			c.close(websocket.CloseGoingAway, "heartbeat timeout")
			continue
		}
		if err := c.ws.WriteControl(websocket.PingMessage, nil, now.Add(writeWait)); err != nil {
			b.logger.Debug("ping failed", "connection_id", c.id, "error", err)
			c.close(websocket.CloseAbnormalClosure, "ping failed")
		}
	}
}

// ServeDevice upgrades a device connection. The device is anonymous until
// it sends register.
func (b *Bus) ServeDevice(w http.ResponseWriter, r *http.Request) {
	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Error("websocket upgrade failed", "error", err, "route", "device")
		return
	}

	c := b.newConn(ws, RoleDevice)
	c.setState(StateAuthenticating)
	b.start(c)
}

// ServeAdmin authenticates and upgrades an admin connection. Admins join the
// admin channel immediately.
func (b *Bus) ServeAdmin(w http.ResponseWriter, r *http.Request) {
	subject := "admin"
	if b.adminAuth != nil {
		s, err := b.adminAuth(r)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		subject = s
	}

	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Error("websocket upgrade failed", "error", err, "route", "admin")
		return
	}

	c := b.newConn(ws, RoleAdmin)
	c.setState(StateAuthenticating)
	c.setToken(subject)
	b.registry.Join(AdminChannel, c.id, c)
	c.setState(StateAttached)
	b.metrics.ConnectionAttached(string(RoleAdmin))
	b.logger.Info("admin attached", "connection_id", c.id, "subject", subject)
	b.start(c)
}

func (b *Bus) newConn(ws *websocket.Conn, role Role) *Conn {
	size := b.cfg.SendBuffer
	if size <= 0 {
		size = defaultSendBuffer
	}
	limit := rate.Inf
	if b.cfg.InboundRate > 0 {
		limit = rate.Limit(b.cfg.InboundRate)
	}
	burst := b.cfg.InboundBurst
	if burst <= 0 {
		burst = 1
	}

	now := b.now()
	c := &Conn{
		id:          uuid.NewString(),
		role:        role,
		ws:          ws,
		send:        make(chan []byte, size),
		done:        make(chan struct{}),
		limiter:     rate.NewLimiter(limit, burst),
		connectedAt: now,
	}
	c.setState(StateConnecting)
	c.markAlive(now)
	return c
}

func (b *Bus) start(c *Conn) {
	b.mu.Lock()
	b.conns[c] = struct{}{}
	b.mu.Unlock()

	b.wg.Add(2)
	go func() {
		defer b.wg.Done()
		c.writePump()
	}()
	go func() {
		defer b.wg.Done()
		b.readPump(c)
	}()
}

// readPump reads and dispatches messages until the socket fails.
func (b *Bus) readPump(c *Conn) {
	defer b.detach(c)

	if b.cfg.MaxMessageSize > 0 {
		c.ws.SetReadLimit(int64(b.cfg.MaxMessageSize))
	}
	c.ws.SetPongHandler(func(string) error {
		c.markAlive(b.now())
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && c.IsOpen() {
				b.logger.Warn("websocket read error", "connection_id", c.id, "error", err)
			} else {
				b.logger.Debug("websocket closed", "connection_id", c.id, "error", err)
			}
			return
		}
		// Any inbound frame counts as proof of life.
		c.markAlive(b.now())

		if !c.limiter.Allow() {
			b.metrics.BusDropped("rate_limited")
			b.logger.Warn("inbound message rate limited", "connection_id", c.id, "device_token", c.Token())
			continue
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			reason := "malformed"
			if errors.Is(err, protocol.ErrUnknownType) {
				reason = "unknown_type"
			}
			b.metrics.BusDropped(reason)
			b.logger.Warn("dropping inbound message", "connection_id", c.id, "device_token", c.Token(), "error", err)
			c.sendMsg(protocol.Error{Message: err.Error(), Code: reason})
			continue
		}
		b.metrics.BusMessage("in", msg.MessageType())

		if c.role == RoleAdmin {
			b.dispatchAdmin(c, msg)
		} else {
			b.dispatchDevice(c, msg)
		}
	}
}

func (b *Bus) dispatchDevice(c *Conn, msg protocol.Inbound) {
	switch m := msg.(type) {
	case protocol.Register:
		b.register(c, m)
	case protocol.Ping:
		c.sendMsg(protocol.Pong{})
	default:
		if c.State() != StateAttached {
			b.metrics.BusDropped("not_registered")
			c.sendMsg(protocol.Error{Message: "register before sending " + msg.MessageType(), Code: "not_registered"})
			return
		}
		b.handler.HandleDeviceMessage(b.ctx, c.Token(), m)
	}
}

func (b *Bus) dispatchAdmin(c *Conn, msg protocol.Inbound) {
	switch m := msg.(type) {
	case protocol.Command:
		b.adminCommand(c, m)
	case protocol.Ping:
		c.sendMsg(protocol.Pong{})
	default:
		b.metrics.BusDropped("unsupported")
		c.sendMsg(protocol.Error{Message: "unsupported on admin route: " + msg.MessageType(), Code: "unsupported"})
	}
}

// adminCommand forwards a command to one device, or to every connected
// device when no token is given, and reports delivery to the sender.
func (b *Bus) adminCommand(c *Conn, cmd protocol.Command) {
	target := cmd.Token
	cmd.Token = ""

	if target != "" {
		ok := b.SendToDevice(target, cmd)
		c.sendMsg(protocol.NewEvent("command:result", target, map[string]any{
			"command":   cmd.Command,
			"delivered": ok,
		}))
		return
	}

	results := b.BroadcastToDevices(cmd)
	b.metrics.FanoutResult("admin_command", results.Succeeded(), len(results.Failed()))
	c.sendMsg(protocol.NewEvent("command:result", "", map[string]any{
		"command": cmd.Command,
		"summary": results.Summary(),
	}))
}

// register attaches a device connection to its token. A newer connection
// for the same token replaces and closes the older one.
func (b *Bus) register(c *Conn, reg protocol.Register) {
	if c.State() == StateAttached {
		if reg.Token != c.Token() {
			c.sendMsg(protocol.Error{Message: "connection already registered", Code: "already_registered"})
		}
		return
	}

	if b.validator != nil {
		if err := b.validator.ValidateDeviceToken(b.ctx, reg.Token, reg.Name); err != nil {
			b.logger.Warn("device registration rejected", "device_token", reg.Token, "error", err)
			c.sendMsg(protocol.Error{Message: "registration rejected", Code: "unauthorized"})
			c.close(websocket.ClosePolicyViolation, "registration rejected")
			return
		}
	}

	c.setToken(reg.Token)
	previous := b.registry.Join(DeviceChannel, reg.Token, c)
	c.setState(StateAttached)
	b.metrics.ConnectionAttached(string(RoleDevice))

	if previous != nil && previous.ID() != c.id {
		if old, ok := previous.(*Conn); ok {
			b.logger.Info("device reconnected, closing previous connection",
				"device_token", reg.Token, "previous_connection_id", old.id)
			old.close(websocket.CloseNormalClosure, "replaced by newer connection")
		}
	}

	b.logger.Info("device attached", "device_token", reg.Token, "connection_id", c.id)
	c.sendMsg(protocol.Registered{Token: reg.Token, HeartbeatInterval: int(b.interval / time.Second)})
	b.handler.OnAttach(b.ctx, reg.Token)
}

// detach removes c from the registry. OnDetach fires only when c was still
// the device's current connection.
func (b *Bus) detach(c *Conn) {
	wasAttached := c.State() == StateAttached
	c.close(websocket.CloseNormalClosure, "")

	b.mu.Lock()
	delete(b.conns, c)
	b.mu.Unlock()

	switch c.role {
	case RoleAdmin:
		b.registry.LeaveAll(c.id, c)
		b.metrics.ConnectionDetached(string(RoleAdmin))
		b.logger.Info("admin detached", "connection_id", c.id)
	case RoleDevice:
		token := c.Token()
		if token == "" || !wasAttached {
			return
		}
		b.metrics.ConnectionDetached(string(RoleDevice))
		if b.registry.LeaveAll(token, c) == 0 {
			return
		}
		b.logger.Info("device detached", "device_token", token, "connection_id", c.id)

		ctx, cancel := context.WithTimeout(context.WithoutCancel(b.ctx), detachTimeout)
		defer cancel()
		b.handler.OnDetach(ctx, token)
	}
}

// SendToDevice delivers msg to the open, attached connection registered for
// token. It returns false when there is none or the write is refused; the
// message is not queued.
func (b *Bus) SendToDevice(token string, msg protocol.Message) bool {
	conn, ok := b.registry.Lookup(DeviceChannel, token)
	if !ok {
		return false
	}
	c, ok := conn.(*Conn)
	if !ok || c.State() != StateAttached || c.Token() != token {
		return false
	}

	data, err := protocol.Encode(msg)
	if err != nil {
		b.logger.Error("encoding outbound message", "type", msg.MessageType(), "error", err)
		return false
	}
	if err := c.Send(data); err != nil {
		b.logger.Debug("send to device failed", "device_token", token, "error", err)
		return false
	}
	b.metrics.BusMessage("out", msg.MessageType())
	return true
}

// BroadcastToDevices sends msg to every attached device.
func (b *Bus) BroadcastToDevices(msg protocol.Message) fanout.Results {
	data, err := protocol.Encode(msg)
	if err != nil {
		b.logger.Error("encoding broadcast", "type", msg.MessageType(), "error", err)
		return nil
	}
	results := b.registry.Broadcast(DeviceChannel, data, "")
	for i := 0; i < results.Succeeded(); i++ {
		b.metrics.BusMessage("out", msg.MessageType())
	}
	return results
}

// BroadcastToAdmins sends msg to every admin connection. Events are also
// handed to the mirror, whether or not any admin is connected.
func (b *Bus) BroadcastToAdmins(msg protocol.Message) {
	if ev, ok := msg.(protocol.Event); ok && b.mirror != nil {
		b.mirror.MirrorEvent(ev)
	}

	data, err := protocol.Encode(msg)
	if err != nil {
		b.logger.Error("encoding admin broadcast", "type", msg.MessageType(), "error", err)
		return
	}
	results := b.registry.Broadcast(AdminChannel, data, "")
	if n := len(results.Failed()); n > 0 {
		b.logger.Debug("admin broadcast partially failed", "failed", n)
	}
}

// ConnectedDevices returns the tokens of attached devices.
func (b *Bus) ConnectedDevices() []string {
	return b.registry.Members(DeviceChannel)
}

// IsConnected reports whether token has an attached connection.
func (b *Bus) IsConnected(token string) bool {
	conn, ok := b.registry.Lookup(DeviceChannel, token)
	return ok && conn.IsOpen()
}

// Connections returns a snapshot of every tracked connection.
func (b *Bus) Connections() []ConnInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]ConnInfo, 0, len(b.conns))
	for c := range b.conns {
		out = append(out, c.info())
	}
	return out
}

// Counts returns the number of attached devices and admins.
func (b *Bus) Counts() (devices, admins int) {
	return len(b.registry.Members(DeviceChannel)), len(b.registry.Members(AdminChannel))
}
