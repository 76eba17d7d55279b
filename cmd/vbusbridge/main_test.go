package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/vbus-bridge/internal/audit"
	"github.com/nerrad567/vbus-bridge/internal/auth"
	"github.com/nerrad567/vbus-bridge/internal/infrastructure/config"
	"github.com/nerrad567/vbus-bridge/internal/infrastructure/logging"
	"github.com/nerrad567/vbus-bridge/internal/transport"
)

// TestRun_InvalidConfig verifies run fails with invalid config path.
func TestRun_InvalidConfig(t *testing.T) {
	t.Setenv("VBUS_CONFIG", "/nonexistent/path/config.yaml")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx); err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
}

// TestRun_InvalidUpstream verifies run rejects an unusable upstream URL.
func TestRun_InvalidUpstream(t *testing.T) {
	dir := t.TempDir()
	path := writeTestConfig(t, dir, testConfig{
		upstream: "ftp://example.com",
		dbPath:   filepath.Join(dir, "test.db"),
		port:     freePort(t),
		apiPort:  freePort(t),
	})
	t.Setenv("VBUS_CONFIG", path)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx)
	if err == nil {
		t.Fatal("run() should fail with unsupported upstream scheme")
	}
	if !strings.Contains(err.Error(), "bridge.upstream") {
		t.Errorf("error = %v, want it to mention bridge.upstream", err)
	}
}

// TestGetConfigPath_Default verifies default config path.
func TestGetConfigPath_Default(t *testing.T) {
	t.Setenv("VBUS_CONFIG", "")

	if path := getConfigPath(); path != defaultConfigPath {
		t.Errorf("getConfigPath() = %q, want %q", path, defaultConfigPath)
	}
}

// TestGetConfigPath_EnvOverride verifies environment variable override.
func TestGetConfigPath_EnvOverride(t *testing.T) {
	expected := "/custom/path/config.yaml"
	t.Setenv("VBUS_CONFIG", expected)

	if path := getConfigPath(); path != expected {
		t.Errorf("getConfigPath() = %q, want %q", path, expected)
	}
}

func TestIssueToken(t *testing.T) {
	dir := t.TempDir()
	path := writeTestConfig(t, dir, testConfig{
		upstream: "tcp://127.0.0.1:7053",
		dbPath:   filepath.Join(dir, "test.db"),
		port:     7053,
		apiPort:  8080,
	})
	t.Setenv("VBUS_CONFIG", path)

	t.Run("without secret", func(t *testing.T) {
		var out strings.Builder
		if err := issueToken([]string{"admin", "installer"}, &out); err == nil {
			t.Error("issueToken() should fail when no secret is configured")
		}
	})

	secret := strings.Repeat("s", 32)
	t.Setenv("VBUS_API_JWT_SECRET", secret)

	t.Run("bad usage", func(t *testing.T) {
		var out strings.Builder
		if err := issueToken([]string{"admin"}, &out); err == nil {
			t.Error("issueToken() should require role and subject")
		}
		if err := issueToken([]string{"root", "x"}, &out); err == nil {
			t.Error("issueToken() should reject unknown roles")
		}
	})

	t.Run("valid", func(t *testing.T) {
		var out strings.Builder
		if err := issueToken([]string{"operator", "automation"}, &out); err != nil {
			t.Fatalf("issueToken() error = %v", err)
		}
		claims, err := auth.ParseToken(strings.TrimSpace(out.String()), secret)
		if err != nil {
			t.Fatalf("ParseToken() error = %v", err)
		}
		if claims.Subject != "automation" || claims.Role != auth.RoleOperator {
			t.Errorf("claims = %+v", claims)
		}
	})
}

func TestHubOptions(t *testing.T) {
	cfg := config.Default()
	cfg.Bridge.Host = "127.0.0.1"
	cfg.Bridge.Port = 7053
	cfg.Bridge.Channel = 0
	cfg.Bridge.Reconnect.InitialDelay = 250
	cfg.Transaction.Timeout = 400
	cfg.Transaction.SelfAddress = 0x0021

	opener := transport.TCPOpener{Address: "192.0.2.1:7053"}
	opts := hubOptions(cfg, opener, nil, nil)

	if opts.ListenAddress != "127.0.0.1:7053" {
		t.Errorf("ListenAddress = %q", opts.ListenAddress)
	}
	if opts.Reconnect.InitialDelay != 250*time.Millisecond {
		t.Errorf("Reconnect.InitialDelay = %v", opts.Reconnect.InitialDelay)
	}
	if opts.Transaction.Retry.Timeout != 400*time.Millisecond {
		t.Errorf("Retry.Timeout = %v", opts.Transaction.Retry.Timeout)
	}
	if opts.Transaction.SelfAddress != 0x0021 {
		t.Errorf("SelfAddress = 0x%04X", opts.Transaction.SelfAddress)
	}
	if opts.Session.HandshakeTimeout != cfg.HandshakeTimeout() {
		t.Errorf("HandshakeTimeout = %v", opts.Session.HandshakeTimeout)
	}
	if opts.Session.Channels != cfg.Bridge.Channels {
		t.Errorf("Channels = %d", opts.Session.Channels)
	}
}

func TestHashPassword(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		stdin   string
		want    string
		wantErr bool
	}{
		{name: "argument", args: []string{"vbus"}, want: "vbus"},
		{name: "stdin", stdin: "s3cret\n", want: "s3cret"},
		{name: "stdin without newline", stdin: "s3cret", want: "s3cret"},
		{name: "empty", stdin: "\n", wantErr: true},
		{name: "too many arguments", args: []string{"a", "b"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out strings.Builder
			err := hashPassword(tt.args, strings.NewReader(tt.stdin), &out)
			if tt.wantErr {
				if err == nil {
					t.Error("hashPassword() succeeded, want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("hashPassword() error = %v", err)
			}
			hash := strings.TrimSpace(out.String())
			if !auth.CheckSecret(hash, tt.want) || auth.CheckSecret(hash, tt.want+"x") {
				t.Errorf("hash %q does not verify %q only", hash, tt.want)
			}
		})
	}
}

func TestPrintPorts(t *testing.T) {
	tests := []struct {
		name    string
		ports   []string
		err     error
		want    string
		wantErr bool
	}{
		{name: "ports", ports: []string{"/dev/ttyACM0", "/dev/ttyUSB0"}, want: "serial:///dev/ttyACM0\nserial:///dev/ttyUSB0\n"},
		{name: "none", want: "no serial ports found\n"},
		{name: "error", err: errors.New("enumeration failed"), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out strings.Builder
			err := printPorts(&out, func() ([]string, error) { return tt.ports, tt.err })
			if (err != nil) != tt.wantErr {
				t.Fatalf("printPorts() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got := out.String(); got != tt.want {
				t.Errorf("printPorts() wrote %q, want %q", got, tt.want)
			}
		})
	}
}

// pruneRecorder is an audit.Repository that records Prune cutoffs.
type pruneRecorder struct {
	audit.Repository
	mu      sync.Mutex
	cutoffs []time.Time
	pruned  chan struct{}
}

func (p *pruneRecorder) Prune(_ context.Context, cutoff time.Time) (int64, error) {
	p.mu.Lock()
	p.cutoffs = append(p.cutoffs, cutoff)
	p.mu.Unlock()
	select {
	case p.pruned <- struct{}{}:
	default:
	}
	return 3, nil
}

func TestPruneAuditLog(t *testing.T) {
	repo := &pruneRecorder{pruned: make(chan struct{}, 1)}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		pruneAuditLog(ctx, repo, 90*24*time.Hour, logging.Discard())
		close(done)
	}()

	select {
	case <-repo.pruned:
	case <-time.After(2 * time.Second):
		t.Fatal("no prune at startup")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pruneAuditLog did not return after cancel")
	}

	repo.mu.Lock()
	defer repo.mu.Unlock()
	if len(repo.cutoffs) != 1 {
		t.Fatalf("Prune called %d times, want 1", len(repo.cutoffs))
	}
	age := time.Since(repo.cutoffs[0])
	if age < 90*24*time.Hour || age > 90*24*time.Hour+time.Minute {
		t.Errorf("cutoff age = %v, want about 90 days", age)
	}
}

// TestRun_SuccessfulStartupAndShutdown starts the bridge against a fake
// LAN device and stops it through context cancellation.
func TestRun_SuccessfulStartupAndShutdown(t *testing.T) {
	device, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer device.Close()
	go func() {
		for {
			conn, err := device.Accept()
			if err != nil {
				return
			}
			// Hold the connection open; the bridge only reads.
			go func() {
				buf := make([]byte, 64)
				for {
					if _, err := conn.Read(buf); err != nil {
						conn.Close()
						return
					}
				}
			}()
		}
	}()

	dir := t.TempDir()
	apiPort := freePort(t)
	path := writeTestConfig(t, dir, testConfig{
		upstream: "tcp://" + device.Addr().String() + "?raw=true",
		dbPath:   filepath.Join(dir, "test.db"),
		port:     freePort(t),
		apiPort:  apiPort,
	})
	t.Setenv("VBUS_CONFIG", path)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- run(ctx) }()

	healthURL := fmt.Sprintf("http://127.0.0.1:%d/api/v1/health", apiPort)
	deadline := time.Now().Add(10 * time.Second)
	for {
		select {
		case err := <-errCh:
			t.Fatalf("run() exited early: %v", err)
		default:
		}
		resp, err := http.Get(healthURL) //nolint:noctx // test polling
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatal("bridge never reported healthy")
		}
		time.Sleep(50 * time.Millisecond)
	}

	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("run() returned error on shutdown: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("run() did not return after cancellation")
	}
}

type testConfig struct {
	upstream string
	dbPath   string
	port     int
	apiPort  int
}

func writeTestConfig(t *testing.T, dir string, tc testConfig) string {
	t.Helper()

	content := fmt.Sprintf(`
bridge:
  id: test-bridge
  upstream: %q
  host: "127.0.0.1"
  port: %d
  reconnect:
    initial_delay: 50
    max_delay: 200

discovery:
  enabled: false

database:
  path: %q
  wal_mode: true
  busy_timeout: 5

directory:
  via_tags:
    - tag: heating
      address: 0x7E11
      channel: 0

mqtt:
  enabled: false

influxdb:
  enabled: false

api:
  enabled: true
  host: "127.0.0.1"
  port: %d

logging:
  level: error
  format: text
  output: stdout
`, tc.upstream, tc.port, tc.dbPath, tc.apiPort)

	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}
