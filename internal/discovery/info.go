package discovery

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// DeviceInfoPath is the HTTP path serving device information.
const DeviceInfoPath = "/cgi-bin/get_resol_device_information"

// DefaultFetchTimeout bounds a device information request.
const DefaultFetchTimeout = 2 * time.Second

// maxInfoBody bounds the device information body read by FetchDeviceInfo.
const maxInfoBody = 64 << 10

// DeviceInfo describes a discovered device. Fields the device did not
// report are empty.
type DeviceInfo struct {
	// Address is the host (and port, if not 80) the information came from.
	Address string `json:"address,omitempty"`

	Vendor   string `json:"vendor,omitempty"`
	Product  string `json:"product,omitempty"`
	Serial   string `json:"serial,omitempty"`
	Version  string `json:"version,omitempty"`
	Build    string `json:"build,omitempty"`
	Name     string `json:"name,omitempty"`
	Features string `json:"features,omitempty"`
}

// fields lists the known keys in wire order.
func (d *DeviceInfo) fields() []struct {
	key string
	val *string
} {
	return []struct {
		key string
		val *string
	}{
		{"vendor", &d.Vendor},
		{"product", &d.Product},
		{"serial", &d.Serial},
		{"version", &d.Version},
		{"build", &d.Build},
		{"name", &d.Name},
		{"features", &d.Features},
	}
}

// ParseDeviceInfo parses a device information body. Keys are matched
// case-insensitively; unknown keys and malformed lines are skipped.
func ParseDeviceInfo(address, body string) DeviceInfo {
	info := DeviceInfo{Address: address}
	known := make(map[string]*string)
	for _, f := range info.fields() {
		known[f.key] = f.val
	}

	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		// Each line is a TOML key/value pair on its own so one bad line
		// does not hide the rest.
		var kv map[string]any
		if _, err := toml.Decode(line, &kv); err != nil {
			continue
		}
		for k, v := range kv {
			s, ok := v.(string)
			if !ok {
				continue
			}
			if dst, ok := known[strings.ToLower(k)]; ok {
				*dst = s
			}
		}
	}
	return info
}

// Format renders the information in the device information body format.
// Empty fields are omitted.
func (d DeviceInfo) Format() string {
	var sb strings.Builder
	for _, f := range d.fields() {
		if *f.val == "" {
			continue
		}
		fmt.Fprintf(&sb, "%s = %q\n", f.key, *f.val)
	}
	return sb.String()
}

// String returns a one-line summary for logs and CLI output.
func (d DeviceInfo) String() string {
	name := d.Name
	if name == "" {
		name = d.Product
	}
	return fmt.Sprintf("%s %s %s (serial %s, version %s)", d.Address, d.Vendor, name, d.Serial, d.Version)
}

// FetchDeviceInfo requests the device information from host, which may
// carry a port.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - client: HTTP client; nil uses one with DefaultFetchTimeout
//   - host: Device host or host:port
//
// Returns:
//   - DeviceInfo: Parsed information
//   - error: If the request fails or the device answers with an error status
func FetchDeviceInfo(ctx context.Context, client *http.Client, host string) (DeviceInfo, error) {
	if client == nil {
		client = &http.Client{Timeout: DefaultFetchTimeout}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+host+DeviceInfoPath, nil)
	if err != nil {
		return DeviceInfo{}, fmt.Errorf("building request for %s: %w", host, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return DeviceInfo{}, fmt.Errorf("fetching device information from %s: %w", host, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return DeviceInfo{}, fmt.Errorf("%w: %s returned %s", ErrBadResponse, host, resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxInfoBody))
	if err != nil {
		return DeviceInfo{}, fmt.Errorf("reading device information from %s: %w", host, err)
	}

	address := host
	if h, port, err := net.SplitHostPort(host); err == nil && port == "80" {
		address = h
	}
	return ParseDeviceInfo(address, string(body)), nil
}
