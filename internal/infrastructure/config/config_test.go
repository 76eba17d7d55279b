package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `
bridge:
  id: "cellar"
  upstream: "serial:///dev/ttyUSB0?baud=9600"
  port: 7054
  password: "vbus"
  channels: 2
  channel: 1
transaction:
  max_retries: 4
directory:
  via_tags:
    - tag: "boiler"
      address: 0x7721
      channel: 1
database:
  path: "/tmp/test.db"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Bridge.ID != "cellar" {
		t.Errorf("Bridge.ID = %q, want %q", cfg.Bridge.ID, "cellar")
	}
	if cfg.Bridge.Port != 7054 {
		t.Errorf("Bridge.Port = %d, want 7054", cfg.Bridge.Port)
	}
	if cfg.Transaction.MaxRetries != 4 {
		t.Errorf("Transaction.MaxRetries = %d, want 4", cfg.Transaction.MaxRetries)
	}
	// Untouched sections keep their defaults.
	if cfg.Transaction.Timeout != 500 || cfg.Transaction.SelfAddress != 0x0020 {
		t.Errorf("Transaction defaults lost: %+v", cfg.Transaction)
	}
	if len(cfg.Directory.ViaTags) != 1 || cfg.Directory.ViaTags[0].Address != 0x7721 {
		t.Errorf("Directory.ViaTags = %+v", cfg.Directory.ViaTags)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/path/config.yaml"); err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	if _, err := Load(writeConfig(t, "invalid: [yaml: content")); err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, `
bridge:
  upstream: "serial:///dev/ttyUSB0"
  password: "from-file"
`)
	t.Setenv("VBUS_BRIDGE_UPSTREAM", "tcp://10.0.0.5:7053")
	t.Setenv("VBUS_BRIDGE_PASSWORD", "from-env")
	t.Setenv("VBUS_BRIDGE_PORT", "9000")
	t.Setenv("VBUS_MQTT_HOST", "broker.local")
	t.Setenv("VBUS_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Bridge.Upstream != "tcp://10.0.0.5:7053" {
		t.Errorf("Bridge.Upstream = %q", cfg.Bridge.Upstream)
	}
	if cfg.Bridge.Password != "from-env" {
		t.Errorf("Bridge.Password = %q", cfg.Bridge.Password)
	}
	if cfg.Bridge.Port != 9000 {
		t.Errorf("Bridge.Port = %d", cfg.Bridge.Port)
	}
	if cfg.MQTT.Broker.Host != "broker.local" {
		t.Errorf("MQTT.Broker.Host = %q", cfg.MQTT.Broker.Host)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q", cfg.Logging.Level)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing upstream", func(c *Config) { c.Bridge.Upstream = "" }, "bridge.upstream is required"},
		{"bad port", func(c *Config) { c.Bridge.Port = 70000 }, "bridge.port"},
		{"channel out of range", func(c *Config) { c.Bridge.Channel = 1 }, "bridge.channel"},
		{"zero queue", func(c *Config) { c.Bridge.QueueSize = 0 }, "bridge.queue_size"},
		{"negative retries", func(c *Config) { c.Transaction.MaxRetries = -1 }, "transaction.max_retries"},
		{"self address high bit", func(c *Config) { c.Transaction.SelfAddress = 0x0080 }, "transaction.self_address"},
		{"reconnect multiplier", func(c *Config) { c.Bridge.Reconnect.Multiplier = 0.5 }, "multiplier"},
		{"duplicate via tag", func(c *Config) {
			c.Directory.ViaTags = []ViaTagConfig{{Tag: "a", Address: 0x10}, {Tag: "a", Address: 0x11}}
		}, "duplicated"},
		{"influx without url", func(c *Config) { c.InfluxDB.Enabled = true }, "influxdb.url"},
		{"short jwt secret", func(c *Config) { c.API.Auth.JWTSecret = "short" }, "api.auth.jwt_secret"},
		{"long jwt secret", func(c *Config) { c.API.Auth.JWTSecret = strings.Repeat("k", 32) }, ""},
		{"negative retention", func(c *Config) { c.Database.AuditRetentionDays = -1 }, "audit_retention_days"},
		{"retention disabled", func(c *Config) { c.Database.AuditRetentionDays = 0 }, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Bridge.Upstream = "serial:///dev/ttyUSB0"
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestAuditRetention(t *testing.T) {
	cfg := Default()
	if got := cfg.AuditRetention(); got != 90*24*time.Hour {
		t.Errorf("AuditRetention() = %v, want 90 days", got)
	}
	cfg.Database.AuditRetentionDays = 0
	if got := cfg.AuditRetention(); got != 0 {
		t.Errorf("AuditRetention() = %v, want 0", got)
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := Default()
	cfg.Bridge.ID = ""
	cfg.Database.Path = ""
	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error")
	}
	for _, want := range []string{"bridge.id", "bridge.upstream", "database.path"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
}

func TestRedacted(t *testing.T) {
	cfg := Default()
	cfg.Bridge.Password = "vbus"
	cfg.Bridge.Upstream = "tcp://10.0.0.5:7053?password=vbus"
	cfg.MQTT.Auth.Password = "secret"
	cfg.InfluxDB.Token = "token"
	cfg.API.Auth.JWTSecret = strings.Repeat("k", 32)

	r := cfg.Redacted()
	for _, v := range []string{r.Bridge.Password, r.MQTT.Auth.Password, r.InfluxDB.Token, r.API.Auth.JWTSecret} {
		if v != redacted {
			t.Errorf("secret not redacted: %q", v)
		}
	}
	if r.Bridge.Upstream != "tcp://10.0.0.5:7053?password="+redacted {
		t.Errorf("Upstream = %q", r.Bridge.Upstream)
	}
	if cfg.Bridge.Password != "vbus" {
		t.Error("Redacted() modified the original")
	}
}

func TestValidBusAddress(t *testing.T) {
	tests := map[int]bool{
		0x0000: true,
		0x0020: true,
		0x7721: true,
		0x7E11: true,
		0x7F7F: true,
		0x0080: false,
		0x8000: false,
		-1:     false,
	}
	for addr, want := range tests {
		if got := ValidBusAddress(addr); got != want {
			t.Errorf("ValidBusAddress(0x%X) = %v, want %v", addr, got, want)
		}
	}
}
