package discovery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
)

// DefaultPort is the UDP port devices listen on for discovery queries.
const DefaultPort = 7053

// Broadcast payloads.
var (
	QueryMessage = []byte("---RESOL-BROADCAST-QUERY---")
	ReplyMessage = []byte("---RESOL-BROADCAST-REPLY---")
)

// Logger is the logging interface used by the responder.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Responder answers discovery queries.
type Responder struct {
	conn    net.PacketConn
	logger  Logger
	replies atomic.Uint64

	closeOnce sync.Once
	closed    atomic.Bool
}

// Listen binds a responder to addr, e.g. ":7053".
func Listen(ctx context.Context, addr string, logger Logger) (*Responder, error) {
	var lc net.ListenConfig
	conn, err := lc.ListenPacket(ctx, "udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("binding discovery responder on %s: %w", addr, err)
	}
	if logger == nil {
		logger = nopLogger{}
	}
	return &Responder{conn: conn, logger: logger}, nil
}

// Addr returns the bound address.
func (r *Responder) Addr() net.Addr {
	return r.conn.LocalAddr()
}

// Replies returns how many queries have been answered.
func (r *Responder) Replies() uint64 {
	return r.replies.Load()
}

// Serve answers queries until ctx is cancelled or Close is called.
func (r *Responder) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { r.Close() }) //nolint:errcheck // shutdown path
	defer stop()

	buf := make([]byte, 256)
	for {
		n, from, err := r.conn.ReadFrom(buf)
		if err != nil {
			if r.closed.Load() {
				if ctx.Err() != nil {
					return nil
				}
				return ErrResponderClosed
			}
			return fmt.Errorf("reading discovery query: %w", err)
		}
		if !bytes.Equal(buf[:n], QueryMessage) {
			continue
		}
		if _, err := r.conn.WriteTo(ReplyMessage, from); err != nil {
			r.logger.Warn("discovery reply failed", "to", from.String(), "error", err)
			continue
		}
		r.replies.Add(1)
		r.logger.Debug("discovery query answered", "from", from.String())
	}
}

// Close stops the responder.
func (r *Responder) Close() error {
	var err error
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		err = r.conn.Close()
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
	})
	return err
}
