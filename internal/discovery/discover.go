package discovery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"slices"
	"strconv"
	"time"
)

// Discoverer defaults.
const (
	DefaultRounds       = 3
	DefaultRoundTimeout = 500 * time.Millisecond
	DefaultFetchPort    = 80
)

// Discoverer broadcasts discovery queries and collects the replies.
type Discoverer struct {
	// BroadcastAddress is where queries go. Defaults to
	// 255.255.255.255:7053.
	BroadcastAddress string

	// Rounds is the number of queries sent. Each waits RoundTimeout for
	// replies.
	Rounds       int
	RoundTimeout time.Duration

	// FetchPort is the HTTP port device information is fetched from.
	FetchPort int

	// HTTPClient fetches device information. Nil uses a client with
	// DefaultFetchTimeout.
	HTTPClient *http.Client
}

func (d Discoverer) withDefaults() Discoverer {
	if d.BroadcastAddress == "" {
		d.BroadcastAddress = net.JoinHostPort(net.IPv4bcast.String(), strconv.Itoa(DefaultPort))
	}
	if d.Rounds <= 0 {
		d.Rounds = DefaultRounds
	}
	if d.RoundTimeout <= 0 {
		d.RoundTimeout = DefaultRoundTimeout
	}
	if d.FetchPort <= 0 {
		d.FetchPort = DefaultFetchPort
	}
	return d
}

// DiscoverAddresses returns the IP addresses that answered a query,
// in the order they first replied.
func (d Discoverer) DiscoverAddresses(ctx context.Context) ([]string, error) {
	d = d.withDefaults()

	target, err := net.ResolveUDPAddr("udp4", d.BroadcastAddress)
	if err != nil {
		return nil, fmt.Errorf("resolving broadcast address %s: %w", d.BroadcastAddress, err)
	}

	// The net package enables SO_BROADCAST on UDP sockets.
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return nil, fmt.Errorf("binding discovery socket: %w", err)
	}
	defer conn.Close()

	var found []string
	buf := make([]byte, 64)
	for range d.Rounds {
		if _, err := conn.WriteToUDP(QueryMessage, target); err != nil {
			return nil, fmt.Errorf("sending discovery query: %w", err)
		}

		deadline := time.Now().Add(d.RoundTimeout)
		if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
			deadline = dl
		}
		if err := conn.SetReadDeadline(deadline); err != nil {
			return nil, fmt.Errorf("setting read deadline: %w", err)
		}

		for {
			n, from, err := conn.ReadFromUDP(buf)
			if err != nil {
				if errors.Is(err, os.ErrDeadlineExceeded) {
					break
				}
				return nil, fmt.Errorf("reading discovery reply: %w", err)
			}
			if !bytes.Equal(buf[:n], ReplyMessage) {
				continue
			}
			ip := from.IP.String()
			if !slices.Contains(found, ip) {
				found = append(found, ip)
			}
		}

		if err := ctx.Err(); err != nil {
			return found, err
		}
	}
	return found, nil
}

// Discover finds devices and fetches their information. Devices whose
// information cannot be fetched are skipped.
func (d Discoverer) Discover(ctx context.Context) ([]DeviceInfo, error) {
	d = d.withDefaults()

	addresses, err := d.DiscoverAddresses(ctx)
	if err != nil {
		return nil, err
	}

	devices := make([]DeviceInfo, 0, len(addresses))
	for _, ip := range addresses {
		info, err := FetchDeviceInfo(ctx, d.HTTPClient, net.JoinHostPort(ip, strconv.Itoa(d.FetchPort)))
		if err != nil {
			continue
		}
		devices = append(devices, info)
	}
	return devices, nil
}
