package influxdb_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/vbus-bridge/internal/infrastructure/config"
	"github.com/nerrad567/vbus-bridge/internal/infrastructure/influxdb"
)

// fakeInflux answers /ping and records line protocol sent to /api/v2/write.
type fakeInflux struct {
	mu      sync.Mutex
	lines   []string
	healthy bool
}

func (f *fakeInflux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/ping":
		if !f.healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case "/api/v2/write":
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.lines = append(f.lines, strings.Split(strings.TrimSpace(string(body)), "\n")...)
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeInflux) written() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lines...)
}

func testConfig(url string) config.InfluxDBConfig {
	return config.InfluxDBConfig{
		Enabled:       true,
		URL:           url,
		Token:         "vbus-dev-token",
		Org:           "vbus",
		Bucket:        "bridge",
		BatchSize:     10,
		FlushInterval: 1,
	}
}

func TestConnect_Disabled(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:8086")
	cfg.Enabled = false

	_, err := influxdb.Connect(context.Background(), cfg)
	if !errors.Is(err, influxdb.ErrDisabled) {
		t.Errorf("Connect() error = %v, want ErrDisabled", err)
	}
}

func TestConnect_Unhealthy(t *testing.T) {
	srv := httptest.NewServer(&fakeInflux{healthy: false})
	defer srv.Close()

	_, err := influxdb.Connect(context.Background(), testConfig(srv.URL))
	if !errors.Is(err, influxdb.ErrUnreachable) {
		t.Errorf("Connect() error = %v, want ErrUnreachable", err)
	}
}

func TestWritePointWithTime(t *testing.T) {
	fake := &fakeInflux{healthy: true}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	client, err := influxdb.Connect(context.Background(), testConfig(srv.URL))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	if !client.IsConnected() {
		t.Fatal("IsConnected() = false after Connect()")
	}
	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}

	client.WritePointWithTime("vbus_packet",
		map[string]string{"bridge": "attic", "stream": "00_0010_7E11_10_0100"},
		map[string]any{"length": 28},
		time.Unix(1700000000, 0),
	)
	client.Flush()
	if got := client.Stats().Queued; got != 1 {
		t.Errorf("Stats().Queued = %d, want 1", got)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(fake.written()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no points written")
		}
		time.Sleep(10 * time.Millisecond)
	}
	line := fake.written()[0]
	for _, want := range []string{"vbus_packet,", "stream=00_0010_7E11_10_0100", "length=28i", "1700000000000000000"} {
		if !strings.Contains(line, want) {
			t.Errorf("line %q missing %q", line, want)
		}
	}
}

func TestClose(t *testing.T) {
	srv := httptest.NewServer(&fakeInflux{healthy: true})
	defer srv.Close()

	client, err := influxdb.Connect(context.Background(), testConfig(srv.URL))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := client.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if client.IsConnected() {
		t.Error("IsConnected() = true after Close()")
	}
	if err := client.HealthCheck(context.Background()); !errors.Is(err, influxdb.ErrClosed) {
		t.Errorf("HealthCheck() after Close = %v, want ErrClosed", err)
	}

	// Writes and flushes after Close are dropped silently.
	client.WritePointWithTime("vbus_hub", nil, map[string]any{"packets": 1}, time.Now())
	client.Flush()
	if got := client.Stats().Queued; got != 0 {
		t.Errorf("Stats().Queued after Close = %d, want 0", got)
	}
	if err := client.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestWriteErrorsReported(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ping" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		http.Error(w, `{"code":"invalid","message":"bucket not found"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	client, err := influxdb.Connect(context.Background(), testConfig(srv.URL))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	reported := make(chan error, 1)
	client.SetOnError(func(err error) {
		select {
		case reported <- err:
		default:
		}
	})

	client.WritePointWithTime("vbus_packet", map[string]string{"stream": "00_0010_7E11_10_0100"},
		map[string]any{"length": 48}, time.Now())
	client.Flush()

	select {
	case err := <-reported:
		if !strings.Contains(err.Error(), "bridge") {
			t.Errorf("error %q does not name the bucket", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("write error not reported")
	}
	if client.Stats().Failed == 0 {
		t.Error("Stats().Failed = 0 after rejected batch")
	}
}

func TestClose_Nil(t *testing.T) {
	var client *influxdb.Client
	if err := client.Close(); err != nil {
		t.Errorf("Close() on nil client = %v", err)
	}
}
