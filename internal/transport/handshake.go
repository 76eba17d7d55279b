package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// maxReplyLength bounds a single handshake reply line.
const maxReplyLength = 256

// HandshakeOptions selects the commands ClientHandshake sends.
type HandshakeOptions struct {
	// ViaTag is sent with CONNECT when non-empty.
	ViaTag string

	// Password is sent with PASS.
	Password string

	// Channel is sent with CHANNEL when non-nil.
	Channel *uint8
}

// ClientHandshake performs the VBus-over-TCP login on conn: it waits for
// the +HELLO greeting, then sends CONNECT (optional), PASS, CHANNEL
// (optional) and DATA, each of which must be acknowledged with a line
// starting with '+'.
//
// The returned conn must be used instead of the original one: it replays
// any bytes that arrived together with the last reply. The context deadline,
// if any, applies to the whole exchange.
func ClientHandshake(ctx context.Context, conn net.Conn, opts HandshakeOptions) (net.Conn, error) {
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return nil, fmt.Errorf("%w: set deadline: %w", ErrHandshake, err)
		}
	}

	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	hs := &clientHandshake{conn: conn, r: bufio.NewReaderSize(conn, maxReplyLength)}

	if err := hs.readReply("greeting"); err != nil {
		return nil, hs.fail(ctx, err)
	}
	if opts.ViaTag != "" {
		if err := hs.command("CONNECT", opts.ViaTag); err != nil {
			return nil, hs.fail(ctx, err)
		}
	}
	if err := hs.command("PASS", opts.Password); err != nil {
		return nil, hs.fail(ctx, err)
	}
	if opts.Channel != nil {
		if err := hs.command("CHANNEL", strconv.Itoa(int(*opts.Channel))); err != nil {
			return nil, hs.fail(ctx, err)
		}
	}
	if err := hs.command("DATA", ""); err != nil {
		return nil, hs.fail(ctx, err)
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("%w: clear deadline: %w", ErrHandshake, err)
	}
	return &bufferedConn{Conn: conn, r: hs.r}, nil
}

type clientHandshake struct {
	conn net.Conn
	r    *bufio.Reader
}

func (h *clientHandshake) command(verb, arg string) error {
	line := verb
	if arg != "" {
		line += " " + arg
	}
	if _, err := h.conn.Write([]byte(line + "\r\n")); err != nil {
		return fmt.Errorf("send %s: %w", verb, err)
	}
	return h.readReply(verb)
}

func (h *clientHandshake) readReply(step string) error {
	line, err := h.r.ReadString('\n')
	if err != nil {
		return fmt.Errorf("read %s reply: %w", step, err)
	}
	line = strings.TrimRight(line, "\r\n")
	switch {
	case strings.HasPrefix(line, "+"):
		return nil
	case strings.HasPrefix(line, "-"):
		return fmt.Errorf("%w: %s: %s", ErrHandshake, step, line)
	default:
		return fmt.Errorf("%w: %s: unexpected reply %q", ErrHandshake, step, line)
	}
}

// fail prefers the context error over the deadline error it caused.
func (h *clientHandshake) fail(ctx context.Context, err error) error {
	if _, ok := ctx.Deadline(); ok && errors.Is(err, os.ErrDeadlineExceeded) {
		// the conn deadline equals the context deadline
		<-ctx.Done()
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("handshake: %w", ctxErr)
	}
	return err
}

// bufferedConn is a net.Conn whose reads drain a bufio.Reader first.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}
