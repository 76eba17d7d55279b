package hub

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/vbus-bridge/internal/session"
)

// Handle controls a running bridge.
type Handle struct {
	hub      *Hub
	listener net.Listener
	cancel   context.CancelFunc
	done     chan struct{}
	err      error
}

// Start binds the TCP listener and runs the hub and its accept loop.
//
// Parameters:
//   - ctx: Cancelling it stops the bridge
//   - opts: Upstream, listener and session settings
//
// Returns:
//   - *Handle: Running bridge
//   - error: If the options are invalid or the listener cannot be bound
func Start(ctx context.Context, opts Options) (*Handle, error) {
	if opts.Opener == nil {
		return nil, ErrNoOpener
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", opts.ListenAddress)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", opts.ListenAddress, err)
	}
	return StartWithListener(ctx, opts, ln)
}

// StartWithListener is Start with a caller-provided listener.
func StartWithListener(ctx context.Context, opts Options, ln net.Listener) (*Handle, error) {
	if opts.Opener == nil {
		_ = ln.Close()
		return nil, ErrNoOpener
	}

	h := New(opts)
	ctx, cancel := context.WithCancel(ctx)
	handle := &Handle{
		hub:      h,
		listener: ln,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return h.Run(gctx) })
	g.Go(func() error { return h.acceptLoop(gctx, ln) })
	g.Go(func() error {
		<-gctx.Done()
		return ln.Close()
	})

	go func() {
		err := g.Wait()
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
		handle.err = err
		close(handle.done)
	}()

	h.logInfo("bridge started", "listen", ln.Addr().String(), "upstream", opts.Opener.String())
	return handle, nil
}

// Addr returns the listener address.
func (h *Handle) Addr() net.Addr {
	return h.listener.Addr()
}

// Hub returns the running hub.
func (h *Handle) Hub() *Hub {
	return h.hub
}

// Done is closed when the bridge has stopped.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the bridge stops and returns the fatal error, if any.
func (h *Handle) Wait() error {
	<-h.done
	return h.err
}

// Stop shuts the bridge down and waits for it.
func (h *Handle) Stop() error {
	h.cancel()
	return h.Wait()
}

// Accept retry delays after transient errors such as EMFILE.
const (
	acceptRetryMin = 5 * time.Millisecond
	acceptRetryMax = time.Second
)

// acceptLoop serves clients until the listener closes.
func (h *Hub) acceptLoop(ctx context.Context, ln net.Listener) error {
	var wg sync.WaitGroup
	defer wg.Wait()
	defer h.closeSessions()

	var retry time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			if retry == 0 {
				retry = acceptRetryMin
			} else {
				retry = min(2*retry, acceptRetryMax)
			}
			h.logError("accept failed", err, "retry_in", retry.String())
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(retry):
			}
			continue
		}
		retry = 0

		wg.Add(1)
		go func() {
			defer wg.Done()
			h.serveSession(ctx, conn)
		}()
	}
}

func (h *Hub) serveSession(ctx context.Context, conn net.Conn) {
	s := session.New(conn, h, h.opts.Session)

	h.sessionsMu.Lock()
	h.sessions[s.ID()] = s
	h.sessionsMu.Unlock()

	h.logInfo("session opened", "session", s.ID(), "remote", s.RemoteAddr())
	err := s.Run(ctx)

	h.sessionsMu.Lock()
	delete(h.sessions, s.ID())
	h.sessionsMu.Unlock()

	stats := s.Stats()
	h.logInfo("session closed",
		"session", s.ID(),
		"reason", errString(err),
		"bytes_out", stats.BytesOut,
		"requests", stats.Requests,
	)
}

func (h *Hub) closeSessions() {
	h.sessionsMu.Lock()
	sessions := make([]*session.Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.sessionsMu.Unlock()

	for _, s := range sessions {
		s.Close(ErrStopped)
	}
}

// Sessions returns the IDs and remote addresses of connected clients.
func (h *Hub) Sessions() map[string]string {
	h.sessionsMu.Lock()
	defer h.sessionsMu.Unlock()
	out := make(map[string]string, len(h.sessions))
	for id, s := range h.sessions {
		out[id] = s.RemoteAddr()
	}
	return out
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
