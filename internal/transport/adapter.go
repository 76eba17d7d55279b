package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"syscall"
)

// Adapter is an open byte stream to a VBus device.
//
// Read and Write may be called from different goroutines, but each must
// only be called from one goroutine at a time. A lost connection is
// reported as an error wrapping ErrDisconnected. Close is idempotent.
type Adapter interface {
	io.ReadWriteCloser
}

// Opener establishes Adapters.
type Opener interface {
	// Open connects and returns a ready-to-use Adapter.
	Open(ctx context.Context) (Adapter, error)

	// String describes the target for logging. It must not reveal secrets.
	String() string
}

// streamAdapter wraps an io.ReadWriteCloser and normalises its errors.
type streamAdapter struct {
	rwc  io.ReadWriteCloser
	name string

	// eofIsIdle treats io.EOF from Read as "no data yet" (serial read timeouts).
	eofIsIdle bool

	closeOnce sync.Once
	closeErr  error
}

func newStreamAdapter(rwc io.ReadWriteCloser, name string, eofIsIdle bool) *streamAdapter {
	return &streamAdapter{rwc: rwc, name: name, eofIsIdle: eofIsIdle}
}

// Read reads up to len(p) bytes. It may return 0, nil when a serial read
// timeout expires without data.
func (a *streamAdapter) Read(p []byte) (int, error) {
	n, err := a.rwc.Read(p)
	if err == nil {
		return n, nil
	}
	if a.eofIsIdle && errors.Is(err, io.EOF) {
		return n, nil
	}
	return n, a.wrap("read", err)
}

// Write writes p in full.
func (a *streamAdapter) Write(p []byte) (int, error) {
	n, err := a.rwc.Write(p)
	if err != nil {
		return n, a.wrap("write", err)
	}
	return n, nil
}

// Close closes the underlying stream once.
func (a *streamAdapter) Close() error {
	a.closeOnce.Do(func() {
		a.closeErr = a.rwc.Close()
	})
	return a.closeErr
}

// wrap maps connection-loss errors to ErrDisconnected.
func (a *streamAdapter) wrap(op string, err error) error {
	if IsDisconnect(err) {
		return fmt.Errorf("%w: %s %s: %w", ErrDisconnected, op, a.name, err)
	}
	return fmt.Errorf("%s %s: %w", op, a.name, err)
}

// IsDisconnect reports whether err means the stream is unusable.
func IsDisconnect(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDisconnected) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, os.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.EIO) ||
		errors.Is(err, syscall.ENXIO) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && !opErr.Timeout() {
		return true
	}
	return false
}
