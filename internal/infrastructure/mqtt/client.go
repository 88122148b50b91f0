package mqtt

import (
	"context"
	"fmt"
	"sync"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/jukebox-core/internal/infrastructure/config"
)

// Client wraps paho.mqtt.golang for the control plane.
//
// All methods are safe for concurrent use. Subscriptions are restored
// automatically after a reconnect.
type Client struct {
	client pahomqtt.Client
	cfg    config.MQTTConfig

	// subscriptions tracks active subscriptions for restoration on reconnect.
	subscriptions map[string]subscription
	subMu         sync.RWMutex

	// connected mirrors the OnConnect/ConnectionLost callbacks.
	connected bool
	connMu    sync.RWMutex

	// onConnect is called after every successful (re)connect.
	onConnect  func()
	callbackMu sync.RWMutex

	// logger receives handler errors and connection events. Nil is silent.
	logger   Logger
	loggerMu sync.RWMutex
}

// Logger is the subset of logging.Logger the client needs.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// subscription stores what restoreSubscriptions needs to re-subscribe.
type subscription struct {
	topic   string
	qos     byte
	handler MessageHandler
}

// MessageHandler receives messages for a subscription. Handlers run on
// paho goroutines and should not block. A returned error is logged.
type MessageHandler func(topic string, payload []byte) error

// Connect dials the broker and returns a connected client.
//
// It performs the following setup:
//  1. Builds client options (broker URL, credentials, TLS, auto-reconnect)
//  2. Registers a Last Will so subscribers see "offline" if the process dies
//  3. Installs the connect and connection-lost handlers
//  4. Connects, waiting at most defaultConnectTimeout
//
// Once connected, handleConnect publishes a retained "online" status to
// Topics.SystemStatus and restores subscriptions.
//
// Parameters:
//   - cfg: MQTT section of the control-plane configuration
//
// Returns:
//   - *Client: Connected client; call Close on shutdown
//   - error: ErrConnectionFailed wrapping the timeout or broker error
func Connect(cfg config.MQTTConfig) (*Client, error) {
	opts := buildClientOptions(cfg)
	configureLWT(opts, cfg.Broker.ClientID)

	c := &Client{
		cfg:           cfg,
		subscriptions: make(map[string]subscription),
	}

	opts.SetOnConnectHandler(func(_ pahomqtt.Client) {
		c.handleConnect()
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		c.setConnected(false)
		c.logWarn("mqtt connection lost", "error", err)
	})

	c.client = pahomqtt.NewClient(opts)
	token := c.client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	// The OnConnect callback runs asynchronously; mark connected now so
	// IsConnected is accurate as soon as Connect returns.
	c.setConnected(true)
	return c, nil
}

// handleConnect runs on every (re)connect: it marks the client connected,
// restores subscriptions, publishes the online status and calls onConnect.
func (c *Client) handleConnect() {
	c.setConnected(true)
	c.restoreSubscriptions()

	status := statusPayload(c.cfg.Broker.ClientID, "online", "")
	if err := c.PublishRetained(Topics{}.SystemStatus(), []byte(status), 1); err != nil {
		c.logWarn("publishing online status", "error", err)
	}

	c.callbackMu.RLock()
	callback := c.onConnect
	c.callbackMu.RUnlock()
	if callback != nil {
		callback()
	}
}

// Close publishes a graceful offline status and disconnects.
//
// The retained status replaces the "online" message so subscribers can
// tell a clean shutdown ("shutdown" reason) from a Last Will. Pending
// publishes get defaultDisconnectQuiesce to drain. Close always returns nil.
func (c *Client) Close() error {
	if c.IsConnected() {
		status := statusPayload(c.cfg.Broker.ClientID, "offline", "shutdown")
		token := c.client.Publish(Topics{}.SystemStatus(), 1, true, status)
		token.WaitTimeout(defaultPublishTimeout)
	}
	c.client.Disconnect(defaultDisconnectQuiesce)
	c.setConnected(false)
	return nil
}

// HealthCheck reports ErrNotConnected when the broker link is down.
// MQTT is optional in the control plane, so the API reports a failure here
// as degraded rather than unhealthy.
//
// Parameters:
//   - ctx: Checked for cancellation only; no broker round trip is made
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// IsConnected returns the current connection state.
// Both the callback-tracked flag and paho's own view must agree.
func (c *Client) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected && c.client.IsConnected()
}

// SetOnConnect registers a callback invoked after every (re)connect.
// The callback runs on a paho goroutine and must not block.
func (c *Client) SetOnConnect(fn func()) {
	c.callbackMu.Lock()
	c.onConnect = fn
	c.callbackMu.Unlock()
}

// SetLogger sets the logger used for handler errors and connection events.
func (c *Client) SetLogger(l Logger) {
	c.loggerMu.Lock()
	c.logger = l
	c.loggerMu.Unlock()
}

func (c *Client) setConnected(v bool) {
	c.connMu.Lock()
	c.connected = v
	c.connMu.Unlock()
}

func (c *Client) logWarn(msg string, args ...any) {
	c.loggerMu.RLock()
	l := c.logger
	c.loggerMu.RUnlock()
	if l != nil {
		l.Warn(msg, args...)
	}
}

func (c *Client) logError(msg string, args ...any) {
	c.loggerMu.RLock()
	l := c.logger
	c.loggerMu.RUnlock()
	if l != nil {
		l.Error(msg, args...)
	}
}

// wrapHandler adapts a MessageHandler to paho, recovering panics so one
// bad message cannot take down the paho router.
func (c *Client) wrapHandler(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				c.logError("mqtt handler panic", "topic", msg.Topic(), "panic", r)
			}
		}()
		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			c.logWarn("mqtt handler error", "topic", msg.Topic(), "error", err)
		}
	}
}
