package hub

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nerrad567/vbus-bridge/internal/session"
	"github.com/nerrad567/vbus-bridge/internal/transport"
)

func TestStartServesClients(t *testing.T) {
	opener := newPipeOpener()
	device := opener.plug()
	defer device.Close()

	handle, err := Start(context.Background(), Options{
		Opener:        opener,
		ListenAddress: "127.0.0.1:0",
		PassThrough:   true,
		Reconnect:     fastBackoff(0),
		Session:       session.Config{Password: "vbus"},
	})
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer handle.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", handle.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	client, err := transport.ClientHandshake(ctx, conn, transport.HandshakeOptions{Password: "vbus"})
	if err != nil {
		t.Fatalf("ClientHandshake() error: %v", err)
	}

	waitFor(t, "session attach", func() bool { return handle.Hub().Stats().Subscribers == 1 })
	waitFor(t, "upstream", handle.Hub().Connected)

	raw := livePacket(9)
	if _, err := device.Write(raw); err != nil {
		t.Fatalf("device write: %v", err)
	}

	got := make([]byte, len(raw))
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(client, got); err != nil {
		t.Fatalf("client read: %v", err)
	}
	if !bytes.Equal(got, raw) {
		t.Errorf("client got % X, want % X", got, raw)
	}

	if err := handle.Stop(); err != nil {
		t.Errorf("Stop() = %v, want nil", err)
	}
}

func TestStartRejectsWrongPassword(t *testing.T) {
	opener := newPipeOpener()
	device := opener.plug()
	defer device.Close()

	handle, err := Start(context.Background(), Options{
		Opener:        opener,
		ListenAddress: "127.0.0.1:0",
		Reconnect:     fastBackoff(0),
		Session:       session.Config{Password: "vbus"},
	})
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	defer handle.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", handle.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	_, err = transport.ClientHandshake(ctx, conn, transport.HandshakeOptions{Password: "nope"})
	if !errors.Is(err, transport.ErrHandshake) {
		t.Errorf("ClientHandshake() = %v, want ErrHandshake", err)
	}
	if handle.Hub().Stats().Subscribers != 0 {
		t.Error("rejected client was registered")
	}
}

func TestStartUpstreamLost(t *testing.T) {
	handle, err := Start(context.Background(), Options{
		Opener:        newPipeOpener(),
		ListenAddress: "127.0.0.1:0",
		Reconnect:     fastBackoff(2),
	})
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	select {
	case <-handle.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("bridge did not stop")
	}
	if err := handle.Wait(); !errors.Is(err, ErrUpstreamLost) {
		t.Errorf("Wait() = %v, want ErrUpstreamLost", err)
	}
}

func TestStartRequiresOpener(t *testing.T) {
	if _, err := Start(context.Background(), Options{ListenAddress: "127.0.0.1:0"}); !errors.Is(err, ErrNoOpener) {
		t.Errorf("Start() = %v, want ErrNoOpener", err)
	}
}

// failingListener fails every Accept with a non-closed error.
type failingListener struct {
	accepts atomic.Int32
}

var errTooManyFiles = errors.New("accept: too many open files")

func (l *failingListener) Accept() (net.Conn, error) {
	l.accepts.Add(1)
	return nil, errTooManyFiles
}

func (l *failingListener) Close() error   { return nil }
func (l *failingListener) Addr() net.Addr { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)} }

func TestAcceptLoopBacksOffOnErrors(t *testing.T) {
	h := New(Options{Opener: newPipeOpener()})
	ln := &failingListener{}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if err := h.acceptLoop(ctx, ln); err != nil {
		t.Fatalf("acceptLoop() = %v, want nil after cancellation", err)
	}
	// Delays of 5, 10, 20, 40 and 80ms allow about five attempts.
	if got := ln.accepts.Load(); got < 2 || got > 10 {
		t.Errorf("Accept calls in 100ms = %d, want between 2 and 10", got)
	}
}
