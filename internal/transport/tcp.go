package transport

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"
)

// DefaultTCPPort is the port VBus-over-TCP devices listen on.
const DefaultTCPPort = 7053

const defaultDialTimeout = 10 * time.Second

// TCPOpener connects to a VBus-over-TCP device or bridge.
type TCPOpener struct {
	// Address is host:port.
	Address string

	// Password, ViaTag and Channel feed the client handshake.
	Password string
	ViaTag   string
	Channel  *uint8

	// Raw skips the handshake, for transparent serial-over-TCP gateways.
	Raw bool

	// DialTimeout bounds connecting plus handshaking. Defaults to 10s.
	DialTimeout time.Duration
}

// Open dials the device and, unless Raw is set, logs in.
func (o TCPOpener) Open(ctx context.Context) (Adapter, error) {
	timeout := o.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", o.Address)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrOpen, o.Address, err)
	}

	if !o.Raw {
		hsConn, err := ClientHandshake(ctx, conn, HandshakeOptions{
			ViaTag:   o.ViaTag,
			Password: o.Password,
			Channel:  o.Channel,
		})
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("%w: %s: %w", ErrOpen, o.Address, err)
		}
		conn = hsConn
	}
	return newStreamAdapter(conn, o.String(), false), nil
}

// String returns the target without the password.
func (o TCPOpener) String() string {
	s := "tcp://" + o.Address
	switch {
	case o.Raw:
		s += "?raw=true"
	case o.ViaTag != "":
		s += "?via=" + o.ViaTag
	case o.Channel != nil:
		s += "?channel=" + strconv.Itoa(int(*o.Channel))
	}
	return s
}
