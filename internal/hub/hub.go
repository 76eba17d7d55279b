package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/vbus-bridge/internal/session"
	"github.com/nerrad567/vbus-bridge/internal/transaction"
	"github.com/nerrad567/vbus-bridge/internal/transport"
	"github.com/nerrad567/vbus-bridge/internal/vbus"
)

// Defaults for Options.
const (
	DefaultWriteQueueSize = 64

	readBufferSize = 1024
)

// Logger is the logging interface used by this package.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Options configures a Hub.
type Options struct {
	// Opener connects the upstream bus. Required.
	Opener transport.Opener

	// ListenAddress is the TCP listener address for Start, e.g. ":7053".
	ListenAddress string

	// Channel is stamped on every upstream packet.
	Channel uint8

	// PassThrough forwards the validated raw bytes instead of re-encoding.
	PassThrough bool

	// WriteQueueSize bounds the upstream write queue.
	WriteQueueSize int

	// Reconnect controls upstream reconnection.
	Reconnect Backoff

	// Session configures client sessions.
	Session session.Config

	// Transaction configures the shared transaction layer.
	Transaction transaction.Options

	// Logger is optional.
	Logger Logger
}

// Stats is a snapshot of hub counters.
type Stats struct {
	Connected      bool      `json:"connected"`
	Upstream       string    `json:"upstream"`
	Subscribers    int       `json:"subscribers"`
	Sessions       int       `json:"sessions"`
	BytesIn        uint64    `json:"bytes_in"`
	BytesOut       uint64    `json:"bytes_out"`
	Packets        uint64    `json:"packets"`
	FramingErrors  uint64    `json:"framing_errors"`
	ChecksumErrors uint64    `json:"checksum_errors"`
	Evictions      uint64    `json:"evictions"`
	Reconnects     uint64    `json:"reconnects"`
	WritesDropped  uint64    `json:"writes_dropped"`
	Pending        int       `json:"pending_transactions"`
	LastPacket     time.Time `json:"last_packet,omitzero"`
	StartedAt      time.Time `json:"started_at"`
}

// Hub owns the upstream connection and fans packets out to subscribers.
type Hub struct {
	opts  Options
	layer *transaction.Layer
	subs  *registry

	writes    chan []byte
	connected atomic.Bool

	sessionsMu sync.Mutex
	sessions   map[string]*session.Session

	startedAt      time.Time
	bytesIn        atomic.Uint64
	bytesOut       atomic.Uint64
	packets        atomic.Uint64
	framingErrors  atomic.Uint64
	checksumErrors atomic.Uint64
	reconnects     atomic.Uint64
	writesDropped  atomic.Uint64
	lastPacket     atomic.Int64
}

// New creates a Hub. Call Run to connect.
func New(opts Options) *Hub {
	if opts.WriteQueueSize <= 0 {
		opts.WriteQueueSize = DefaultWriteQueueSize
	}
	opts.Reconnect = opts.Reconnect.withDefaults()
	if opts.Session.Logger == nil && opts.Logger != nil {
		opts.Session.Logger = opts.Logger
	}
	if opts.Transaction.Logger == nil && opts.Logger != nil {
		opts.Transaction.Logger = opts.Logger
	}

	h := &Hub{
		opts:      opts,
		subs:      newRegistry(),
		writes:    make(chan []byte, opts.WriteQueueSize),
		sessions:  make(map[string]*session.Session),
		startedAt: time.Now(),
	}
	h.layer = transaction.NewLayer(h.sendRequest, opts.Transaction)
	return h
}

// Transactions returns the hub's transaction layer.
func (h *Hub) Transactions() *transaction.Layer {
	return h.layer
}

// Connected reports whether the upstream connection is up.
func (h *Hub) Connected() bool {
	return h.connected.Load()
}

// Subscribe registers s for delivery.
func (h *Hub) Subscribe(s Subscriber) SubscriberID {
	return h.subs.add(s)
}

// Unsubscribe removes a subscriber. It does not close it.
func (h *Hub) Unsubscribe(id SubscriberID) {
	h.subs.remove(id)
}

// Attach registers a streaming session.
func (h *Hub) Attach(s *session.Session) func() {
	id := h.subs.add(s)
	return func() { h.subs.remove(id) }
}

// WriteUpstream queues b for the upstream connection without blocking.
func (h *Hub) WriteUpstream(b []byte) error {
	if !h.connected.Load() {
		h.writesDropped.Add(1)
		return ErrUpstreamDown
	}
	select {
	case h.writes <- b:
		return nil
	default:
		h.writesDropped.Add(1)
		return ErrWriteQueueFull
	}
}

func (h *Hub) sendRequest(p vbus.Packet) error {
	b, err := vbus.Encode(p)
	if err != nil {
		return err
	}
	return h.WriteUpstream(b)
}

// Stats returns a snapshot of the hub counters.
func (h *Hub) Stats() Stats {
	h.sessionsMu.Lock()
	sessions := len(h.sessions)
	h.sessionsMu.Unlock()

	s := Stats{
		Connected:      h.connected.Load(),
		Upstream:       h.opts.Opener.String(),
		Subscribers:    h.subs.len(),
		Sessions:       sessions,
		BytesIn:        h.bytesIn.Load(),
		BytesOut:       h.bytesOut.Load(),
		Packets:        h.packets.Load(),
		FramingErrors:  h.framingErrors.Load(),
		ChecksumErrors: h.checksumErrors.Load(),
		Evictions:      h.subs.evictions.Load(),
		Reconnects:     h.reconnects.Load(),
		WritesDropped:  h.writesDropped.Load(),
		Pending:        h.layer.Pending(),
		StartedAt:      h.startedAt,
	}
	if ts := h.lastPacket.Load(); ts != 0 {
		s.LastPacket = time.Unix(0, ts)
	}
	return s
}

// Run connects upstream and decodes until ctx is cancelled (returns nil)
// or reconnection gives up (returns ErrUpstreamLost). Subscribers are
// closed on return.
//
// A connection counts as healthy once it has decoded a packet or stayed
// up for the initial backoff delay. Connections that drop before that
// count as failed attempts.
func (h *Hub) Run(ctx context.Context) error {
	defer func() {
		h.layer.Close()
		h.subs.closeAll(ErrStopped)
	}()

	backoff := h.opts.Reconnect
	delay := backoff.InitialDelay
	failures := 0
	everConnected := false

	for {
		adapter, err := h.opts.Opener.Open(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			failures++
			h.logError("upstream connect failed", err, "attempt", failures, "upstream", h.opts.Opener.String())
		} else {
			if everConnected {
				h.reconnects.Add(1)
			}
			everConnected = true
			h.logInfo("upstream connected", "upstream", h.opts.Opener.String())

			packets := h.packets.Load()
			connectedAt := time.Now()
			err = h.serve(ctx, adapter)
			if ctx.Err() != nil {
				return nil
			}
			if h.packets.Load() > packets || time.Since(connectedAt) >= backoff.InitialDelay {
				failures = 0
				delay = backoff.InitialDelay
			} else {
				failures++
			}
			h.logError("upstream disconnected", err, "attempt", failures, "upstream", h.opts.Opener.String())
		}

		if backoff.MaxAttempts > 0 && failures >= backoff.MaxAttempts {
			return fmt.Errorf("%w: %d attempts: %w", ErrUpstreamLost, failures, err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff.jittered(delay)):
		}
		delay = backoff.next(delay)
	}
}

// serve runs the decode loop and the writer on one upstream connection.
func (h *Hub) serve(ctx context.Context, adapter transport.Adapter) error {
	h.drainWrites()
	h.connected.Store(true)
	defer h.connected.Store(false)

	g, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(gctx, func() { _ = adapter.Close() })
	defer stop()
	defer adapter.Close()

	g.Go(func() error { return h.decodeLoop(adapter) })
	g.Go(func() error { return h.writeLoop(gctx, adapter) })
	return g.Wait()
}

func (h *Hub) decodeLoop(adapter transport.Adapter) error {
	asm := vbus.NewAssembler(h.opts.Channel)
	asm.SetFramingHandler(func(ev vbus.FramingEvent) {
		h.framingErrors.Add(1)
		if errors.Is(ev.Err, vbus.ErrChecksum) {
			h.checksumErrors.Add(1)
		}
		h.logDebug("framing error", "error", ev.Err, "state", ev.State.String(), "frames", ev.Frames)
	})

	buf := make([]byte, readBufferSize)
	for {
		n, err := adapter.Read(buf)
		if n > 0 {
			h.bytesIn.Add(uint64(n)) //nolint:gosec // n >= 0
			asm.Extend(buf[:n])
			for p, raw := range asm.All() {
				h.dispatch(p, raw)
			}
		}
		if err != nil {
			return err
		}
	}
}

// dispatch hands one packet to the transaction layer and the subscribers.
func (h *Hub) dispatch(p vbus.Packet, raw []byte) {
	h.packets.Add(1)
	h.lastPacket.Store(p.Timestamp.UnixNano())

	h.layer.HandlePacket(p)

	b := raw
	if !h.opts.PassThrough {
		if enc, err := vbus.Encode(p); err == nil {
			b = enc
		}
	}
	h.subs.fanOut(p, b)
}

func (h *Hub) writeLoop(ctx context.Context, adapter transport.Adapter) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case b := <-h.writes:
			n, err := adapter.Write(b)
			h.bytesOut.Add(uint64(n)) //nolint:gosec // n >= 0
			if err != nil {
				return err
			}
		}
	}
}

// drainWrites drops writes queued for a previous connection.
func (h *Hub) drainWrites() {
	for {
		select {
		case <-h.writes:
		default:
			return
		}
	}
}

func (h *Hub) logInfo(msg string, keysAndValues ...any) {
	if h.opts.Logger != nil {
		h.opts.Logger.Info(msg, keysAndValues...)
	}
}

func (h *Hub) logError(msg string, err error, keysAndValues ...any) {
	if h.opts.Logger != nil {
		h.opts.Logger.Error(msg, append([]any{"error", err}, keysAndValues...)...)
	}
}

func (h *Hub) logDebug(msg string, keysAndValues ...any) {
	if h.opts.Logger != nil {
		h.opts.Logger.Debug(msg, keysAndValues...)
	}
}
