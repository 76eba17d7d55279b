package influxdb

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/nerrad567/vbus-bridge/internal/infrastructure/config"
)

const (
	pingTimeout = 5 * time.Second

	fallbackBatchSize     = 100
	fallbackFlushInterval = 10 * time.Second
)

// Client records bridge points through the non-blocking write API of the
// InfluxDB v2 client. All methods are safe for concurrent use.
type Client struct {
	influx   influxdb2.Client
	writeAPI api.WriteAPI
	bucket   string

	closed    atomic.Bool
	queued    atomic.Uint64
	failed    atomic.Uint64
	errorsFed sync.WaitGroup

	mu      sync.RWMutex
	onError func(err error)
}

// WriteStats counts points handed to the write API and batches the server
// rejected.
type WriteStats struct {
	Queued uint64 `json:"queued"`
	Failed uint64 `json:"failed"`
}

// Connect pings the server within ctx and opens the write API for
// cfg.Org and cfg.Bucket.
//
// Parameters:
//   - ctx: Bounds the startup ping
//   - cfg: The influxdb section of the bridge configuration
//
// Returns:
//   - *Client: Ready for WritePointWithTime
//   - error: ErrDisabled, or ErrUnreachable wrapping the ping failure
func Connect(ctx context.Context, cfg config.InfluxDBConfig) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	opts := influxdb2.DefaultOptions().
		SetBatchSize(batchSize(cfg)).
		SetFlushInterval(uint(flushInterval(cfg).Milliseconds())) //nolint:gosec // positive by construction
	influx := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, opts)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	healthy, err := influx.Ping(pingCtx)
	switch {
	case err != nil:
		influx.Close()
		return nil, fmt.Errorf("%w: %s: %w", ErrUnreachable, cfg.URL, err)
	case !healthy:
		influx.Close()
		return nil, fmt.Errorf("%w: %s reports unhealthy", ErrUnreachable, cfg.URL)
	}

	c := &Client{
		influx:   influx,
		writeAPI: influx.WriteAPI(cfg.Org, cfg.Bucket),
		bucket:   cfg.Bucket,
	}
	c.errorsFed.Add(1)
	go c.forwardErrors(c.writeAPI.Errors())
	return c, nil
}

func batchSize(cfg config.InfluxDBConfig) uint {
	if cfg.BatchSize <= 0 {
		return fallbackBatchSize
	}
	return uint(cfg.BatchSize)
}

func flushInterval(cfg config.InfluxDBConfig) time.Duration {
	if cfg.FlushInterval <= 0 {
		return fallbackFlushInterval
	}
	return time.Duration(cfg.FlushInterval) * time.Second
}

func (c *Client) forwardErrors(errs <-chan error) {
	defer c.errorsFed.Done()
	for err := range errs {
		c.failed.Add(1)
		c.mu.RLock()
		cb := c.onError
		c.mu.RUnlock()
		if cb != nil {
			cb(fmt.Errorf("writing to bucket %s: %w", c.bucket, err))
		}
	}
}

// SetOnError registers the callback for asynchronous write failures.
func (c *Client) SetOnError(cb func(err error)) {
	c.mu.Lock()
	c.onError = cb
	c.mu.Unlock()
}

// IsConnected is false once Close has been called.
func (c *Client) IsConnected() bool {
	return c != nil && !c.closed.Load()
}

// Stats returns the write counters.
func (c *Client) Stats() WriteStats {
	return WriteStats{Queued: c.queued.Load(), Failed: c.failed.Load()}
}

// HealthCheck pings the server.
func (c *Client) HealthCheck(ctx context.Context) error {
	if !c.IsConnected() {
		return ErrClosed
	}
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	healthy, err := c.influx.Ping(pingCtx)
	if err != nil {
		return fmt.Errorf("influxdb ping: %w", err)
	}
	if !healthy {
		return fmt.Errorf("influxdb ping: %w", ErrUnreachable)
	}
	return nil
}

// Flush sends buffered points now. It is a no-op after Close.
func (c *Client) Flush() {
	if c.IsConnected() {
		c.writeAPI.Flush()
	}
}

// Close flushes pending points and releases the client. Safe on a nil
// client and safe to call twice.
func (c *Client) Close() error {
	if c == nil || c.closed.Swap(true) {
		return nil
	}
	c.writeAPI.Flush()
	c.influx.Close()
	c.errorsFed.Wait()
	return nil
}
