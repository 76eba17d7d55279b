package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/vbus-bridge/internal/transaction"
	"github.com/nerrad567/vbus-bridge/internal/vbus"
)

// Defaults for Config.
const (
	DefaultHandshakeTimeout = 30 * time.Second
	DefaultQueueSize        = 256

	maxLineLength  = 256
	readBufferSize = 256
)

// Logger is the logging interface used by this package.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Bus is a session's view of the hub. The session does not own the hub;
// it only registers itself for delivery while streaming.
type Bus interface {
	// Attach registers s for delivery and returns the function that
	// unregisters it.
	Attach(s *Session) (detach func())

	// WriteUpstream queues bytes for the upstream connection.
	WriteUpstream(b []byte) error

	// Transactions returns the hub's transaction layer.
	Transactions() *transaction.Layer
}

// Config configures sessions.
type Config struct {
	// Password is the expected PASS argument, plaintext or an Argon2id
	// PHC hash. Empty accepts any.
	Password string

	// Channels is the number of hub channels.
	Channels int

	// HandshakeTimeout bounds the time from accept to DATA.
	HandshakeTimeout time.Duration

	// QueueSize bounds the outgoing queue. A full queue gets the session
	// evicted by the hub.
	QueueSize int

	// Via resolves CONNECT tags. Optional.
	Via ViaResolver

	// Logger is optional.
	Logger Logger
}

// Stats holds per-session counters.
type Stats struct {
	BytesOut    uint64
	BytesIn     uint64
	Requests    uint64
	Forwarded   uint64
	QueueLength int
}

// Session is one TCP client.
type Session struct {
	id      string
	conn    net.Conn
	bus     Bus
	cfg     Config
	machine *Machine
	logger  Logger

	// state mirrors machine.State for readers on other goroutines.
	state atomic.Int32

	out chan []byte

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error

	bytesOut  atomic.Uint64
	bytesIn   atomic.Uint64
	requests  atomic.Uint64
	forwarded atomic.Uint64
}

// New wraps an accepted connection. Call Run to serve it.
func New(conn net.Conn, bus Bus, cfg Config) *Session {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	return &Session{
		id:      uuid.New().String(),
		conn:    conn,
		bus:     bus,
		cfg:     cfg,
		machine: NewMachine(cfg.Password, cfg.Channels, cfg.Via),
		logger:  cfg.Logger,
		out:     make(chan []byte, cfg.QueueSize),
		closed:  make(chan struct{}),
	}
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// RemoteAddr returns the client's address.
func (s *Session) RemoteAddr() string { return s.conn.RemoteAddr().String() }

// State returns the handshake state.
func (s *Session) State() State { return State(s.state.Load()) }

// Accepts reports whether p is meant for this client: the session must be
// streaming on p's channel and, after CONNECT, p must involve the selected
// device.
func (s *Session) Accepts(p vbus.Packet) bool {
	if s.State() != StateStreaming || p.Channel != s.machine.Channel() {
		return false
	}
	if via, ok := s.machine.Via(); ok {
		return p.Source == via || p.Destination == via
	}
	return true
}

// Deliver queues the wire bytes of p for the client without blocking. It
// returns false when the queue is full.
func (s *Session) Deliver(_ vbus.Packet, b []byte) bool {
	select {
	case <-s.closed:
		return true
	default:
	}
	select {
	case s.out <- b:
		return true
	default:
		return false
	}
}

// Close closes the session with the given reason. It is safe to call more
// than once and from any goroutine.
func (s *Session) Close(reason error) {
	s.closeOnce.Do(func() {
		s.closeErr = reason
		s.state.Store(int32(StateClosed))
		close(s.closed)
		_ = s.conn.Close()
	})
}

// Done is closed once the session is closed.
func (s *Session) Done() <-chan struct{} { return s.closed }

// Stats returns a snapshot of the counters.
func (s *Session) Stats() Stats {
	return Stats{
		BytesOut:    s.bytesOut.Load(),
		BytesIn:     s.bytesIn.Load(),
		Requests:    s.requests.Load(),
		Forwarded:   s.forwarded.Load(),
		QueueLength: len(s.out),
	}
}

// Run serves the session until the client leaves, the session is closed or
// ctx is cancelled. It returns the close reason; a client hanging up while
// streaming returns nil.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop := context.AfterFunc(ctx, func() { s.Close(ctx.Err()) })
	defer stop()

	r := bufio.NewReaderSize(s.conn, maxLineLength)

	err := s.handshake(ctx, r)
	if err == nil {
		err = s.stream(ctx, r)
	}
	s.Close(err)

	if s.bus != nil {
		if n := s.bus.Transactions().CancelOwner(s.id); n > 0 {
			s.logDebug("cancelled pending requests", "session", s.id, "count", n)
		}
	}
	return s.closeErr
}

func (s *Session) handshake(ctx context.Context, r *bufio.Reader) error {
	_ = s.conn.SetDeadline(time.Now().Add(s.cfg.HandshakeTimeout))

	if err := s.writeLine(Greeting); err != nil {
		return err
	}

	for {
		line, err := r.ReadSlice('\n')
		if err != nil {
			return s.readError(err)
		}

		step := s.machine.Handle(ctx, string(line))
		s.state.Store(int32(step.Next))
		s.logDebug("session command", "session", s.id, "state", step.Next, "reply", step.Reply)

		if err := s.writeLine(step.Reply); err != nil {
			return err
		}
		if step.Close {
			if errors.Is(step.Err, ErrAuth) && s.logger != nil {
				s.logger.Warn("session rejected", "session", s.id, "remote", s.RemoteAddr(), "error", step.Err)
			}
			return step.Err
		}
		if step.Next == StateStreaming {
			return s.conn.SetDeadline(time.Time{})
		}
	}
}

func (s *Session) readError(err error) error {
	var netErr net.Error
	switch {
	case errors.As(err, &netErr) && netErr.Timeout():
		return ErrHandshakeTimeout
	case errors.Is(err, bufio.ErrBufferFull):
		return fmt.Errorf("%w: line too long", ErrProtocol)
	default:
		return err
	}
}

func (s *Session) writeLine(line string) error {
	_, err := io.WriteString(s.conn, line+"\r\n")
	return err
}

// stream pipes hub data to the client and client data to the hub.
func (s *Session) stream(ctx context.Context, r *bufio.Reader) error {
	if s.bus == nil {
		return nil
	}
	detach := s.bus.Attach(s)
	defer detach()

	if s.logger != nil {
		via, hasVia := s.machine.Via()
		s.logger.Info("session streaming",
			"session", s.id,
			"remote", s.RemoteAddr(),
			"channel", s.machine.Channel(),
			"via", fmt.Sprintf("%04X", via),
			"has_via", hasVia,
		)
	}

	writeErr := make(chan error, 1)
	go func() { writeErr <- s.writeLoop() }()

	err := s.readLoop(ctx, r)
	s.Close(err)
	if werr := <-writeErr; err == nil && werr != nil && !errors.Is(werr, net.ErrClosed) {
		err = werr
	}
	return err
}

func (s *Session) writeLoop() error {
	for {
		select {
		case <-s.closed:
			return nil
		case b := <-s.out:
			n, err := s.conn.Write(b)
			s.bytesOut.Add(uint64(n)) //nolint:gosec // n >= 0
			if err != nil {
				return err
			}
		}
	}
}

// readLoop assembles client bytes. Parameter requests go through the
// transaction layer on behalf of this session; other packets are passed
// upstream unchanged.
func (s *Session) readLoop(ctx context.Context, r *bufio.Reader) error {
	asm := vbus.NewAssembler(s.machine.Channel())
	layer := s.bus.Transactions()
	buf := make([]byte, readBufferSize)

	for {
		n, err := r.Read(buf)
		if n > 0 {
			s.bytesIn.Add(uint64(n)) //nolint:gosec // n >= 0
			asm.Extend(buf[:n])
			for p, raw := range asm.All() {
				if req, perr := transaction.ParseRequest(p); perr == nil {
					s.requests.Add(1)
					layer.Submit(ctx, s.id, req)
					continue
				}
				if werr := s.bus.WriteUpstream(raw); werr != nil {
					s.logDebug("upstream write dropped", "session", s.id, "error", werr)
					continue
				}
				s.forwarded.Add(1)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
	}
}

func (s *Session) logDebug(msg string, keysAndValues ...any) {
	if s.logger != nil {
		s.logger.Debug(msg, keysAndValues...)
	}
}
