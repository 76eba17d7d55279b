package session

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/vbus-bridge/internal/transaction"
	"github.com/nerrad567/vbus-bridge/internal/vbus"
)

// fakeBus records what a session does with the hub.
type fakeBus struct {
	layer *transaction.Layer

	mu       sync.Mutex
	attached []*Session
	detached int
	upstream [][]byte
	sent     []vbus.Packet
}

func newFakeBus() *fakeBus {
	b := &fakeBus{}
	b.layer = transaction.NewLayer(func(p vbus.Packet) error {
		b.mu.Lock()
		b.sent = append(b.sent, p)
		b.mu.Unlock()
		return nil
	}, transaction.Options{Retry: transaction.RetryPolicy{Timeout: time.Minute}})
	return b
}

func (b *fakeBus) Attach(s *Session) func() {
	b.mu.Lock()
	b.attached = append(b.attached, s)
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		b.detached++
		b.mu.Unlock()
	}
}

func (b *fakeBus) WriteUpstream(p []byte) error {
	b.mu.Lock()
	b.upstream = append(b.upstream, append([]byte(nil), p...))
	b.mu.Unlock()
	return nil
}

func (b *fakeBus) Transactions() *transaction.Layer { return b.layer }

func (b *fakeBus) snapshot() (attached int, upstream [][]byte, sent []vbus.Packet) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.attached), append([][]byte(nil), b.upstream...), append([]vbus.Packet(nil), b.sent...)
}

// broadcast mimics hub fan-out to every attached session.
func (b *fakeBus) broadcast(p vbus.Packet, raw []byte) {
	b.mu.Lock()
	sessions := append([]*Session(nil), b.attached...)
	b.mu.Unlock()
	for _, s := range sessions {
		if s.Accepts(p) {
			s.Deliver(p, raw)
		}
	}
}

type testClient struct {
	conn net.Conn
	r    *bufio.Reader
}

func (c *testClient) send(t *testing.T, line string) {
	t.Helper()
	if _, err := io.WriteString(c.conn, line+"\r\n"); err != nil {
		t.Fatalf("write %q: %v", line, err)
	}
}

func (c *testClient) expect(t *testing.T, prefix string) {
	t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := c.r.ReadString('\n')
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if !strings.HasPrefix(line, prefix) || !strings.HasSuffix(line, "\r\n") {
		t.Fatalf("reply = %q, want prefix %q and CRLF", line, prefix)
	}
}

func startSession(t *testing.T, bus Bus, cfg Config) (*Session, *testClient, <-chan error) {
	t.Helper()
	server, client := net.Pipe()
	s := New(server, bus, cfg)

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	t.Cleanup(func() {
		client.Close()
		s.Close(nil)
	})
	return s, &testClient{conn: client, r: bufio.NewReader(client)}, done
}

func waitRun(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("session did not finish")
		return nil
	}
}

func liveData() (vbus.Packet, []byte) {
	p := vbus.Packet{
		Destination: vbus.AddressMonitor,
		Source:      0x7721,
		Version:     vbus.VersionPacket,
		Command:     vbus.CommandData,
		Payload:     []byte{1, 2, 3, 4},
	}
	raw, _ := vbus.Encode(p)
	return p, raw
}

func TestWrongCredentialForwardsNothing(t *testing.T) {
	bus := newFakeBus()
	_, client, done := startSession(t, bus, Config{Password: "vbus"})

	// Keep publishing while the client fails to log in.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		p, raw := liveData()
		for {
			select {
			case <-stop:
				return
			default:
				bus.broadcast(p, raw)
				time.Sleep(time.Millisecond)
			}
		}
	}()

	client.expect(t, "+HELLO")
	client.send(t, "PASS guess")
	client.expect(t, "-ERROR")

	if err := waitRun(t, done); !errors.Is(err, ErrAuth) {
		t.Errorf("Run() = %v, want ErrAuth", err)
	}

	rest, _ := io.ReadAll(client.r)
	if len(rest) != 0 {
		t.Errorf("client received % X after rejection, want nothing", rest)
	}
	if attached, _, _ := bus.snapshot(); attached != 0 {
		t.Errorf("session attached %d times, want 0", attached)
	}
}

func TestStreamingPipesBothWays(t *testing.T) {
	bus := newFakeBus()
	s, client, done := startSession(t, bus, Config{Password: "vbus"})

	client.expect(t, "+HELLO")
	client.send(t, "PASS vbus")
	client.expect(t, "+OK")
	client.send(t, "DATA")
	client.expect(t, "+OK")

	deadline := time.Now().Add(2 * time.Second)
	for s.State() != StateStreaming || func() bool { n, _, _ := bus.snapshot(); return n == 0 }() {
		if time.Now().After(deadline) {
			t.Fatal("session never attached")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Hub to client.
	p, raw := liveData()
	bus.broadcast(p, raw)
	got := make([]byte, len(raw))
	if _, err := io.ReadFull(client.r, got); err != nil || !bytes.Equal(got, raw) {
		t.Fatalf("client read % X, %v; want % X", got, err, raw)
	}

	// Client to hub: a request goes through the transaction layer, anything
	// else is forwarded verbatim.
	req, _ := vbus.Encode(vbus.NewDatagram(0x7721, 0x0020, vbus.CommandGetValue, 0x0916, 0))
	other, _ := vbus.Encode(vbus.NewDatagram(0x7721, 0x0020, vbus.CommandReleaseBus, 0, 0))
	if _, err := client.conn.Write(append(req, other...)); err != nil {
		t.Fatalf("client write: %v", err)
	}

	deadline = time.Now().Add(2 * time.Second)
	for {
		_, upstream, sent := bus.snapshot()
		if len(upstream) == 1 && len(sent) == 1 {
			if !bytes.Equal(upstream[0], other) {
				t.Errorf("forwarded % X, want % X", upstream[0], other)
			}
			if sent[0].Param16() != 0x0916 || sent[0].Source != 0x0020 {
				t.Errorf("request sent = %v", sent[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("upstream=%d sent=%d, want 1 and 1", len(upstream), len(sent))
		}
		time.Sleep(5 * time.Millisecond)
	}
	if bus.layer.Pending() != 1 {
		t.Errorf("Pending() = %d, want 1", bus.layer.Pending())
	}

	// Hanging up cancels the session's pending request.
	client.conn.Close()
	if err := waitRun(t, done); err != nil {
		t.Errorf("Run() = %v, want nil", err)
	}
	if bus.layer.Pending() != 0 {
		t.Errorf("Pending() = %d after close, want 0", bus.layer.Pending())
	}
	bus.mu.Lock()
	detached := bus.detached
	bus.mu.Unlock()
	if detached != 1 {
		t.Errorf("detached %d times, want 1", detached)
	}
}

func TestHandshakeTimeout(t *testing.T) {
	_, client, done := startSession(t, newFakeBus(), Config{Password: "vbus", HandshakeTimeout: 50 * time.Millisecond})
	client.expect(t, "+HELLO")

	if err := waitRun(t, done); !errors.Is(err, ErrHandshakeTimeout) {
		t.Errorf("Run() = %v, want ErrHandshakeTimeout", err)
	}
}

func TestDeliverReportsFullQueue(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	s := New(server, newFakeBus(), Config{QueueSize: 2})
	defer s.Close(nil)

	p, raw := liveData()
	if !s.Deliver(p, raw) || !s.Deliver(p, raw) {
		t.Fatal("Deliver() = false before queue is full")
	}
	if s.Deliver(p, raw) {
		t.Error("Deliver() = true on a full queue")
	}
}

func TestAcceptsFiltersChannelAndVia(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	s := New(server, nil, Config{Channels: 2, Via: fakeDirectory{"tag": {address: 0x7E11, channel: 1}}})
	defer s.Close(nil)

	ctx := context.Background()
	for _, line := range []string{"CONNECT tag", "PASS x", "DATA"} {
		step := s.machine.Handle(ctx, line)
		s.state.Store(int32(step.Next))
	}

	tests := []struct {
		name string
		p    vbus.Packet
		want bool
	}{
		{"from device on channel", vbus.Packet{Source: 0x7E11, Destination: 0x0010, Channel: 1}, true},
		{"to device on channel", vbus.Packet{Source: 0x0020, Destination: 0x7E11, Channel: 1}, true},
		{"other device", vbus.Packet{Source: 0x7721, Destination: 0x0010, Channel: 1}, false},
		{"other channel", vbus.Packet{Source: 0x7E11, Destination: 0x0010, Channel: 0}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.Accepts(tt.p); got != tt.want {
				t.Errorf("Accepts() = %v, want %v", got, tt.want)
			}
		})
	}
}
