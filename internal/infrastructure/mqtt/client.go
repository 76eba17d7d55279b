package mqtt

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/vbus-bridge/internal/infrastructure/config"
)

// Logger is the subset of logging.Logger used here.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	Info(msg string, args ...any)
}

// MessageHandler is called for each received message, in a goroutine owned
// by the paho library. A returned error is logged.
type MessageHandler func(topic string, payload []byte) error

type subscription struct {
	qos     byte
	handler MessageHandler
}

// Client is a broker connection shared by the health reporter, the packet
// relay and the write topic. It is safe for concurrent use.
type Client struct {
	paho pahomqtt.Client
	cfg  config.MQTTConfig

	online atomic.Bool

	mu        sync.RWMutex
	subs      map[string]subscription
	onConnect func()
	logger    Logger

	published     atomic.Uint64
	received      atomic.Uint64
	handlerErrors atomic.Uint64
}

// Stats counts traffic through the client since Connect.
type Stats struct {
	Published     uint64 `json:"published"`
	Received      uint64 `json:"received"`
	HandlerErrors uint64 `json:"handler_errors"`
}

// Connect dials the broker and waits up to ten seconds for the session.
//
// Parameters:
//   - cfg: The mqtt section of the bridge configuration
//   - will: Last will registered with the broker, or nil
//
// Returns:
//   - *Client: Connected client; paho reconnects it automatically
//   - error: ErrConnectionFailed wrapping the cause
func Connect(cfg config.MQTTConfig, will *Will) (*Client, error) {
	c := &Client{cfg: cfg, subs: make(map[string]subscription)}

	opts := buildClientOptions(cfg, will).
		SetOnConnectHandler(func(pahomqtt.Client) { c.connected() }).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) { c.lost(err) })
	c.paho = pahomqtt.NewClient(opts)

	token := c.paho.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("%w: %s: no answer within %v", ErrConnectionFailed, brokerURL(cfg.Broker), connectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrConnectionFailed, brokerURL(cfg.Broker), err)
	}
	// The on-connect handler runs asynchronously.
	c.online.Store(true)
	return c, nil
}

func (c *Client) connected() {
	c.online.Store(true)

	c.mu.RLock()
	for topic, sub := range c.subs {
		// A failure here shows up as the next connection loss.
		c.paho.Subscribe(topic, sub.qos, c.dispatcher(sub.handler))
	}
	cb := c.onConnect
	c.mu.RUnlock()

	if cb != nil {
		cb()
	}
}

func (c *Client) lost(err error) {
	c.online.Store(false)
	if l := c.log(); l != nil {
		l.Warn("MQTT connection lost", "broker", brokerURL(c.cfg.Broker), "error", err)
	}
}

// Close disconnects cleanly, so the broker does not publish the will.
// A nil or never-connected client is a no-op.
func (c *Client) Close() error {
	if c == nil || c.paho == nil {
		return nil
	}
	c.online.Store(false)
	c.paho.Disconnect(quiesceMillis)
	return nil
}

// HealthCheck returns ErrNotConnected while the broker is unreachable.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("mqtt health check: %w", err)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// IsConnected returns the last known connection state.
func (c *Client) IsConnected() bool {
	return c.paho != nil && c.online.Load() && c.paho.IsConnected()
}

// Stats returns the traffic counters.
func (c *Client) Stats() Stats {
	return Stats{
		Published:     c.published.Load(),
		Received:      c.received.Load(),
		HandlerErrors: c.handlerErrors.Load(),
	}
}

// SetOnConnect registers a callback run after every reconnection, once
// subscriptions have been restored.
func (c *Client) SetOnConnect(cb func()) {
	c.mu.Lock()
	c.onConnect = cb
	c.mu.Unlock()
}

// SetLogger sets a logger for connection and handler errors.
func (c *Client) SetLogger(logger Logger) {
	c.mu.Lock()
	c.logger = logger
	c.mu.Unlock()
}

func (c *Client) log() Logger {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.logger
}
