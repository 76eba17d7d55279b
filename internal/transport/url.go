package transport

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"
)

// ParseURL builds an Opener from a connection URL.
//
// Supported forms:
//
//	serial:///dev/ttyUSB0?baud=9600
//	serial://COM3
//	tcp://host[:port]?password=vbus&channel=1&via=tag
//	tcp://host:port?raw=true
//
// The TCP port defaults to DefaultTCPPort.
func ParseURL(raw string) (Opener, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}
	q := u.Query()

	switch u.Scheme {
	case "serial":
		device := u.Path
		if u.Host != "" {
			// serial://COM3 puts the device name in the host part
			device = u.Host + u.Path
		}
		if device == "" {
			return nil, fmt.Errorf("%w: missing serial device", ErrInvalidURL)
		}
		o := SerialOpener{Device: device}
		if v := q.Get("baud"); v != "" {
			baud, err := strconv.Atoi(v)
			if err != nil || baud <= 0 {
				return nil, fmt.Errorf("%w: baud %q", ErrInvalidURL, v)
			}
			o.Baud = baud
		}
		if v := q.Get("timeout"); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return nil, fmt.Errorf("%w: timeout %q", ErrInvalidURL, v)
			}
			o.ReadTimeout = d
		}
		return o, nil

	case "tcp":
		if u.Hostname() == "" {
			return nil, fmt.Errorf("%w: missing host", ErrInvalidURL)
		}
		port := u.Port()
		if port == "" {
			port = strconv.Itoa(DefaultTCPPort)
		}
		o := TCPOpener{
			Address:  net.JoinHostPort(u.Hostname(), port),
			Password: q.Get("password"),
			ViaTag:   q.Get("via"),
		}
		if v := q.Get("channel"); v != "" {
			ch, err := strconv.ParseUint(v, 10, 8)
			if err != nil {
				return nil, fmt.Errorf("%w: channel %q", ErrInvalidURL, v)
			}
			c := uint8(ch)
			o.Channel = &c
		}
		if v := q.Get("raw"); v != "" {
			r, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("%w: raw %q", ErrInvalidURL, v)
			}
			o.Raw = r
		}
		return o, nil

	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
}
