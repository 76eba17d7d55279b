package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/vbus-bridge/internal/hub"
	"github.com/nerrad567/vbus-bridge/internal/infrastructure/config"
	"github.com/nerrad567/vbus-bridge/internal/infrastructure/logging"
	"github.com/nerrad567/vbus-bridge/internal/params"
	"github.com/nerrad567/vbus-bridge/internal/vbus"
)

// Live feed message types.
const (
	WSTypePacket = "packet"
	WSTypePing   = "ping"
	WSTypePong   = "pong"
	WSTypeError  = "error"
)

// defaultLiveQueueSize is used when the configured queue size is zero.
const defaultLiveQueueSize = 256

// WSMessage is a message sent to or from a live feed client.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// liveFeed tracks WebSocket clients. Each client is a hub subscriber.
type liveFeed struct {
	bridge Bridge
	cfg    config.WebSocketConfig
	logger *logging.Logger

	mu      sync.Mutex
	clients map[*liveClient]struct{}
}

func newLiveFeed(bridge Bridge, cfg config.WebSocketConfig, logger *logging.Logger) *liveFeed {
	return &liveFeed{
		bridge:  bridge,
		cfg:     cfg,
		logger:  logger,
		clients: make(map[*liveClient]struct{}),
	}
}

// ClientCount returns the number of connected clients.
func (f *liveFeed) ClientCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

func (f *liveFeed) add(c *liveClient) {
	f.mu.Lock()
	f.clients[c] = struct{}{}
	f.mu.Unlock()
	c.id = f.bridge.Subscribe(c)
	f.logger.Debug("live feed client connected", "clients", f.ClientCount())
}

func (f *liveFeed) remove(c *liveClient) {
	f.mu.Lock()
	_, existed := f.clients[c]
	delete(f.clients, c)
	f.mu.Unlock()

	if existed {
		f.bridge.Unsubscribe(c.id)
		c.Close(nil)
		f.logger.Debug("live feed client disconnected", "clients", f.ClientCount())
	}
}

func (f *liveFeed) closeAll() {
	f.mu.Lock()
	clients := make([]*liveClient, 0, len(f.clients))
	for c := range f.clients {
		clients = append(clients, c)
	}
	f.mu.Unlock()

	for _, c := range clients {
		f.remove(c)
	}
}

// liveClient is one WebSocket connection.
type liveClient struct {
	feed *liveFeed
	conn *websocket.Conn
	id   hub.SubscriberID

	// Optional filters from the query string.
	channel *uint8
	source  *uint16

	packets chan vbus.Packet
	replies chan []byte
	done    chan struct{}

	closeOnce   sync.Once
	closeReason atomic.Value
}

// Accepts implements hub.Subscriber.
func (c *liveClient) Accepts(p vbus.Packet) bool {
	if c.channel != nil && p.Channel != *c.channel {
		return false
	}
	return c.source == nil || p.Source == *c.source
}

// Deliver implements hub.Subscriber. It never blocks; a full queue makes
// the hub evict the client.
func (c *liveClient) Deliver(p vbus.Packet, _ []byte) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.packets <- p:
		return true
	default:
		return false
	}
}

// Close implements hub.Subscriber.
func (c *liveClient) Close(reason error) {
	c.closeOnce.Do(func() {
		if reason != nil {
			c.closeReason.Store(reason)
		}
		close(c.done)
	})
}

// handleLive upgrades to a WebSocket and streams packets as JSON.
//
// Query parameters:
//   - channel: only packets from this bus channel
//   - source: only packets from this bus address (decimal or 0x hex)
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	channel, source, err := parseLiveFilter(r)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	queueSize := s.wsCfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultLiveQueueSize
	}
	client := &liveClient{
		feed:    s.live,
		conn:    conn,
		channel: channel,
		source:  source,
		packets: make(chan vbus.Packet, queueSize),
		replies: make(chan []byte, 8),
		done:    make(chan struct{}),
	}

	s.live.add(client)
	go client.writePump()
	go client.readPump()
}

func parseLiveFilter(r *http.Request) (*uint8, *uint16, error) {
	q := r.URL.Query()

	var channel *uint8
	if v := q.Get("channel"); v != "" {
		n, err := strconv.ParseUint(v, 10, 8)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid channel %q", v)
		}
		ch := uint8(n)
		channel = &ch
	}

	var source *uint16
	if v := q.Get("source"); v != "" {
		addr, ok, err := params.ParseIndex(v)
		if !ok || err != nil {
			return nil, nil, fmt.Errorf("invalid source address %q", v)
		}
		source = &addr
	}
	return channel, source, nil
}

func (c *liveClient) intervals() (ping, pongWait time.Duration) {
	ping = time.Duration(c.feed.cfg.PingInterval) * time.Second
	if ping <= 0 {
		ping = 30 * time.Second
	}
	pongWait = time.Duration(c.feed.cfg.PongTimeout) * time.Second
	if pongWait <= 0 {
		pongWait = 10 * time.Second
	}
	return ping, pongWait
}

// readPump handles client messages and notices disconnects.
func (c *liveClient) readPump() {
	defer c.feed.remove(c)

	if c.feed.cfg.MaxMessageSize > 0 {
		c.conn.SetReadLimit(int64(c.feed.cfg.MaxMessageSize))
	}
	ping, pongWait := c.intervals()
	//nolint:errcheck // best-effort deadline
	c.conn.SetReadDeadline(time.Now().Add(ping + pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(ping + pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.feed.logger.Debug("live feed read error", "error", err)
			}
			return
		}
		//nolint:errcheck // best-effort deadline
		c.conn.SetReadDeadline(time.Now().Add(ping + pongWait))
		c.handleMessage(message)
	}
}

// writePump owns all writes to the connection.
func (c *liveClient) writePump() {
	ping, pongWait := c.intervals()
	ticker := time.NewTicker(ping)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	write := func(data []byte) error {
		//nolint:errcheck // write error is checked below
		c.conn.SetWriteDeadline(time.Now().Add(pongWait))
		return c.conn.WriteMessage(websocket.TextMessage, data)
	}

	for {
		select {
		case <-c.done:
			code, text := websocket.CloseNormalClosure, ""
			if reason, ok := c.closeReason.Load().(error); ok {
				code, text = websocket.CloseGoingAway, reason.Error()
				if errors.Is(reason, hub.ErrEvicted) {
					code = websocket.ClosePolicyViolation
				}
			}
			//nolint:errcheck // best-effort close frame
			c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
			return
		case p := <-c.packets:
			data, err := json.Marshal(WSMessage{
				Type:      WSTypePacket,
				Timestamp: p.Timestamp.UTC().Format(time.RFC3339Nano),
				Payload:   hub.NewPacketMessage(p),
			})
			if err != nil {
				continue
			}
			if err := write(data); err != nil {
				return
			}
		case data := <-c.replies:
			if err := write(data); err != nil {
				return
			}
		case <-ticker.C:
			//nolint:errcheck // ping error is checked below
			c.conn.SetWriteDeadline(time.Now().Add(pongWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *liveClient) handleMessage(data []byte) {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.reply("", WSTypeError, map[string]string{"message": "invalid JSON message"})
		return
	}
	switch msg.Type {
	case WSTypePing:
		c.reply(msg.ID, WSTypePong, nil)
	default:
		c.reply(msg.ID, WSTypeError, map[string]string{"message": "unknown message type: " + msg.Type})
	}
}

// reply queues a response; it is dropped if the client is not reading.
func (c *liveClient) reply(id, msgType string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err != nil {
		return
	}
	select {
	case c.replies <- data:
	default:
	}
}
