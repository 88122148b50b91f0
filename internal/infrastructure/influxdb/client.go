package influxdb

import (
	"context"
	"fmt"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/nerrad567/jukebox-core/internal/infrastructure/config"
)

// Client defaults.
const (
	// defaultConnectTimeout bounds the initial ping in Connect.
	defaultConnectTimeout = 10 * time.Second

	// defaultPingTimeout bounds each HealthCheck ping.
	defaultPingTimeout = 5 * time.Second

	// defaultBatchSize is the number of points buffered before a write.
	defaultBatchSize = 100

	// defaultFlushInterval is how often partial batches are written (seconds).
	defaultFlushInterval = 10
)

// Client is a batched telemetry writer.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
//   - Write methods never block on the network.
type Client struct {
	client influxdb2.Client

	// writeAPI is the non-blocking batch writer; points are queued and
	// flushed by the library's own goroutine.
	writeAPI api.WriteAPI
	cfg      config.InfluxDBConfig

	// connected is false after Close; writes are then dropped.
	connected bool
	mu        sync.RWMutex

	// onError receives asynchronous write failures.
	onError func(err error)
}

// Connect pings the server and prepares the write API.
//
// It performs the following setup:
//  1. Applies batch size and flush interval defaults
//  2. Creates the client and pings it (bounded by defaultConnectTimeout)
//  3. Opens a non-blocking write API for the configured org and bucket
//  4. Starts a goroutine forwarding write errors to the SetOnError callback
//
// The daemon only calls Connect when telemetry is enabled; an enabled but
// unreachable server fails startup rather than silently dropping points.
//
// Parameters:
//   - cfg: InfluxDB section of the control-plane configuration
//
// Returns:
//   - *Client: Ready writer; call Close on shutdown to flush
//   - error: ErrDisabled when cfg.Enabled is false, or ErrConnectionFailed
func Connect(cfg config.InfluxDBConfig) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = defaultFlushInterval
	}

	// #nosec G115 -- both values are positive after the defaults above
	client := influxdb2.NewClientWithOptions(
		cfg.URL,
		cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(uint(batchSize)).
			SetFlushInterval(uint(flushInterval)*1000),
	)

	ctx, cancel := context.WithTimeout(context.Background(), defaultConnectTimeout)
	defer cancel()

	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping failed: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	c := &Client{
		client:    client,
		writeAPI:  client.WriteAPI(cfg.Org, cfg.Bucket),
		cfg:       cfg,
		connected: true,
	}
	go c.handleWriteErrors(c.writeAPI.Errors())
	return c, nil
}

// handleWriteErrors drains the write API error channel until it is closed
// by client.Close.
func (c *Client) handleWriteErrors(errorsCh <-chan error) {
	for err := range errorsCh {
		c.mu.RLock()
		callback := c.onError
		c.mu.RUnlock()
		if callback != nil {
			callback(err)
		}
	}
}

// Close flushes pending points and closes the client.
// Safe on nil and safe to call more than once; only the first call flushes.
func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	c.mu.Lock()
	wasConnected := c.connected
	c.connected = false
	c.mu.Unlock()

	if wasConnected {
		c.writeAPI.Flush()
		c.client.Close()
	}
	return nil
}

// HealthCheck performs an active ping.
// InfluxDB is optional in the control plane, so the API reports a failure
// here as degraded rather than unhealthy.
//
// Parameters:
//   - ctx: Parent context; the ping is further bounded by defaultPingTimeout
//
// Returns:
//   - error: ErrNotConnected after Close, otherwise the ping failure
func (c *Client) HealthCheck(ctx context.Context) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	checkCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()

	healthy, err := c.client.Ping(checkCtx)
	if err != nil {
		return fmt.Errorf("influxdb health check failed: %w", err)
	}
	if !healthy {
		return fmt.Errorf("influxdb health check failed: server not healthy")
	}
	return nil
}

// IsConnected reports the last known connection state. Safe on nil.
func (c *Client) IsConnected() bool {
	if c == nil {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// SetOnError registers a callback for asynchronous write failures.
func (c *Client) SetOnError(callback func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = callback
}

// Flush blocks until buffered points are written. No-op when closed.
func (c *Client) Flush() {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.Flush()
}
