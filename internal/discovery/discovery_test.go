package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

const sampleBody = `vendor = "RESOL"
product = "DL2"
serial = "001E660300F0"
version = "2.1.0"
build = "201311280853"
name = "DL2-001E660300F0"
features = "vbus,dl2"
`

func TestParseDeviceInfo(t *testing.T) {
	tests := []struct {
		name string
		body string
		want DeviceInfo
	}{
		{
			name: "complete",
			body: sampleBody,
			want: DeviceInfo{
				Address:  "192.168.1.20",
				Vendor:   "RESOL",
				Product:  "DL2",
				Serial:   "001E660300F0",
				Version:  "2.1.0",
				Build:    "201311280853",
				Name:     "DL2-001E660300F0",
				Features: "vbus,dl2",
			},
		},
		{
			name: "case insensitive keys without spaces",
			body: "Vendor=\"RESOL\"\nPRODUCT = \"KM2\"\n",
			want: DeviceInfo{Address: "192.168.1.20", Vendor: "RESOL", Product: "KM2"},
		},
		{
			name: "malformed and unknown lines skipped",
			body: "vendor RESOL\nproduct = DL3\ncolour = \"blue\"\nserial = \"42\" trailing\nname = \"ok\"\n",
			want: DeviceInfo{Address: "192.168.1.20", Name: "ok"},
		},
		{
			name: "empty",
			body: "",
			want: DeviceInfo{Address: "192.168.1.20"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseDeviceInfo("192.168.1.20", tt.body)
			if got != tt.want {
				t.Errorf("ParseDeviceInfo() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestFormatParses(t *testing.T) {
	info := DeviceInfo{Vendor: "RESOL", Product: "vbus-bridge", Name: `say "hi"`}
	got := ParseDeviceInfo("", info.Format())
	if got != info {
		t.Errorf("ParseDeviceInfo(Format()) = %+v, want %+v", got, info)
	}
	if body := (DeviceInfo{Vendor: "RESOL"}).Format(); body != "vendor = \"RESOL\"\n" {
		t.Errorf("Format() = %q", body)
	}
}

func deviceServer(t *testing.T, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != DeviceInfoPath {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(status)
		fmt.Fprint(w, sampleBody)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchDeviceInfo(t *testing.T) {
	srv := deviceServer(t, http.StatusOK)
	host := srv.Listener.Addr().String()

	info, err := FetchDeviceInfo(context.Background(), srv.Client(), host)
	if err != nil {
		t.Fatalf("FetchDeviceInfo() error = %v", err)
	}
	if info.Product != "DL2" || info.Address != host {
		t.Errorf("FetchDeviceInfo() = %+v", info)
	}
}

func TestFetchDeviceInfoBadStatus(t *testing.T) {
	srv := deviceServer(t, http.StatusInternalServerError)

	_, err := FetchDeviceInfo(context.Background(), srv.Client(), srv.Listener.Addr().String())
	if !errors.Is(err, ErrBadResponse) {
		t.Errorf("FetchDeviceInfo() error = %v, want ErrBadResponse", err)
	}
}

func startResponder(t *testing.T) (*Responder, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	r, err := Listen(ctx, "127.0.0.1:0", nil)
	if err != nil {
		cancel()
		t.Fatalf("Listen() error = %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- r.Serve(ctx) }()
	t.Cleanup(cancel)
	return r, done
}

func TestResponderAnswersQueries(t *testing.T) {
	r, _ := startResponder(t)

	conn, err := net.Dial("udp4", r.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Anything but the exact query is ignored.
	if _, err := conn.Write([]byte("---RESOL-BROADCAST-QUERY")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := conn.Write(QueryMessage); err != nil {
		t.Fatalf("write: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if string(buf[:n]) != string(ReplyMessage) {
		t.Errorf("reply = %q, want %q", buf[:n], ReplyMessage)
	}
	if r.Replies() != 1 {
		t.Errorf("Replies() = %d, want 1", r.Replies())
	}
}

func TestResponderStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r, err := Listen(ctx, "127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- r.Serve(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve() = %v, want nil after cancel", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve() did not return")
	}
}

func TestDiscover(t *testing.T) {
	r, _ := startResponder(t)
	srv := deviceServer(t, http.StatusOK)
	_, port, _ := net.SplitHostPort(srv.Listener.Addr().String())
	fetchPort, _ := strconv.Atoi(port)

	d := Discoverer{
		BroadcastAddress: r.Addr().String(),
		Rounds:           2,
		RoundTimeout:     100 * time.Millisecond,
		FetchPort:        fetchPort,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	addresses, err := d.DiscoverAddresses(ctx)
	if err != nil {
		t.Fatalf("DiscoverAddresses() error = %v", err)
	}
	if len(addresses) != 1 || addresses[0] != "127.0.0.1" {
		t.Fatalf("DiscoverAddresses() = %v, want [127.0.0.1]", addresses)
	}

	devices, err := d.Discover(ctx)
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if len(devices) != 1 || devices[0].Serial != "001E660300F0" {
		t.Errorf("Discover() = %+v", devices)
	}
}
