package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// redacted replaces secrets in Redacted() output.
const redacted = "********"

// Config is the root configuration structure for the VBus bridge.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Bridge      BridgeConfig      `yaml:"bridge"`
	Transaction TransactionConfig `yaml:"transaction"`
	Discovery   DiscoveryConfig   `yaml:"discovery"`
	Database    DatabaseConfig    `yaml:"database"`
	Directory   DirectoryConfig   `yaml:"directory"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	API         APIConfig         `yaml:"api"`
	WebSocket   WebSocketConfig   `yaml:"websocket"`
	InfluxDB    InfluxDBConfig    `yaml:"influxdb"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// BridgeConfig contains the hub's upstream and TCP listener settings.
type BridgeConfig struct {
	// ID names this bridge in MQTT topics and InfluxDB tags.
	ID string `yaml:"id"`

	// Upstream is the bus connection URL, e.g. "serial:///dev/ttyUSB0?baud=9600"
	// or "tcp://192.168.1.20:7053?password=vbus".
	Upstream string `yaml:"upstream"`

	// Channel is stamped on every packet read from the upstream connection.
	Channel int `yaml:"channel"`

	// Channels is the number of channels clients may select with CHANNEL.
	// A value of 1 skips channel selection.
	Channels int `yaml:"channels"`

	// Host and Port of the TCP listener. Port 7053 is the VBus-over-TCP default.
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// Password is the credential expected in the PASS command. Empty accepts any.
	Password string `yaml:"password"`

	// PassThrough forwards validated raw bytes instead of re-encoded packets.
	PassThrough bool `yaml:"pass_through"`

	// QueueSize is the per-session outgoing queue capacity in messages.
	QueueSize int `yaml:"queue_size"`

	// WriteQueueSize is the capacity of the upstream write queue.
	WriteQueueSize int `yaml:"write_queue_size"`

	// HandshakeTimeout is the idle window, in seconds, for reaching DATA mode.
	HandshakeTimeout int `yaml:"handshake_timeout"`

	// HealthInterval is the MQTT health/InfluxDB stats period in seconds.
	HealthInterval int `yaml:"health_interval"`

	// Relay publishes every decoded packet to MQTT.
	Relay bool `yaml:"relay"`

	Reconnect ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig controls upstream reconnection backoff.
type ReconnectConfig struct {
	// InitialDelay and MaxDelay are in milliseconds.
	InitialDelay int     `yaml:"initial_delay"`
	MaxDelay     int     `yaml:"max_delay"`
	Multiplier   float64 `yaml:"multiplier"`
	// Jitter is the +/- fraction applied to each delay (0 disables).
	Jitter float64 `yaml:"jitter"`
	// MaxAttempts bounds consecutive failed reconnects before the hub stops.
	MaxAttempts int `yaml:"max_attempts"`
}

// TransactionConfig contains parameter request retry settings.
type TransactionConfig struct {
	// Timeout is the first reply deadline in milliseconds.
	Timeout int `yaml:"timeout"`
	// TimeoutIncrement is added to the deadline on every retry, in milliseconds.
	TimeoutIncrement int `yaml:"timeout_increment"`
	// MaxRetries is the number of retransmissions after the first send.
	MaxRetries int `yaml:"max_retries"`
	// SelfAddress is the source address used by requests this process builds.
	SelfAddress int `yaml:"self_address"`
}

// DiscoveryConfig contains the UDP discovery responder and device
// information settings.
type DiscoveryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Vendor  string `yaml:"vendor"`
	Product string `yaml:"product"`
	Serial  string `yaml:"serial"`
	Name    string `yaml:"name"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`

	// AuditRetentionDays is how long audit entries are kept. Zero keeps
	// them forever.
	AuditRetentionDays int `yaml:"audit_retention_days"`
}

// DirectoryConfig seeds the via-tag directory on startup.
type DirectoryConfig struct {
	ViaTags []ViaTagConfig `yaml:"via_tags"`
}

// ViaTagConfig maps a symbolic tag to a bus address and channel.
type ViaTagConfig struct {
	Tag         string `yaml:"tag"`
	Address     int    `yaml:"address"`
	Channel     int    `yaml:"channel"`
	Description string `yaml:"description"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// APIConfig contains HTTP server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	Auth     APIAuthConfig    `yaml:"auth"`

	// PanelDir serves the live view from disk instead of the embedded copy.
	PanelDir string `yaml:"panel_dir"`
}

// APIAuthConfig enables bearer-token authorisation. With an empty secret
// the API is open to anyone who can reach it.
type APIAuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`

	// TokenTTL is the lifetime of issued tokens, in minutes.
	TokenTTL int `yaml:"token_ttl"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// WebSocketConfig contains live feed settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
	QueueSize      int    `yaml:"queue_size"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level   string `yaml:"level"`
	Format  string `yaml:"format"`
	Output  string `yaml:"output"`
	Service string `yaml:"service"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: VBUS_SECTION_KEY
// For example: VBUS_BRIDGE_UPSTREAM, VBUS_BRIDGE_PASSWORD
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Bridge: BridgeConfig{
			ID:               "vbus-1",
			Channels:         1,
			Host:             "0.0.0.0",
			Port:             7053,
			QueueSize:        256,
			WriteQueueSize:   64,
			HandshakeTimeout: 30,
			HealthInterval:   30,
			Reconnect: ReconnectConfig{
				InitialDelay: 1000,
				MaxDelay:     30000,
				Multiplier:   1.5,
				Jitter:       0.2,
				MaxAttempts:  20,
			},
		},
		Transaction: TransactionConfig{
			Timeout:          500,
			TimeoutIncrement: 500,
			MaxRetries:       2,
			SelfAddress:      0x0020,
		},
		Discovery: DiscoveryConfig{
			Enabled: true,
			Port:    7053,
			Vendor:  "RESOL",
			Product: "VBus Bridge",
			Name:    "vbus-bridge",
		},
		Database: DatabaseConfig{
			Path:               "./data/vbusbridge.db",
			WALMode:            true,
			BusyTimeout:        5,
			AuditRetentionDays: 90,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "vbus-bridge",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
		},
		API: APIConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
			Auth: APIAuthConfig{
				TokenTTL: 1440,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/api/v1/live",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
			QueueSize:      256,
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: VBUS_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Bridge
	if v := os.Getenv("VBUS_BRIDGE_UPSTREAM"); v != "" {
		cfg.Bridge.Upstream = v
	}
	if v := os.Getenv("VBUS_BRIDGE_PASSWORD"); v != "" {
		cfg.Bridge.Password = v
	}
	if v := os.Getenv("VBUS_BRIDGE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Bridge.Port = port
		}
	}

	// Database
	if v := os.Getenv("VBUS_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("VBUS_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("VBUS_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("VBUS_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("VBUS_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("VBUS_API_JWT_SECRET"); v != "" {
		cfg.API.Auth.JWTSecret = v
	}

	// InfluxDB
	if v := os.Getenv("VBUS_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Logging
	if v := os.Getenv("VBUS_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of every validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// Bridge
	if c.Bridge.ID == "" {
		errs = append(errs, "bridge.id is required")
	}
	if c.Bridge.Upstream == "" {
		errs = append(errs, "bridge.upstream is required (set VBUS_BRIDGE_UPSTREAM)")
	}
	if c.Bridge.Port < 1 || c.Bridge.Port > 65535 {
		errs = append(errs, "bridge.port must be between 1 and 65535")
	}
	if c.Bridge.Channels < 1 || c.Bridge.Channels > 256 {
		errs = append(errs, "bridge.channels must be between 1 and 256")
	}
	if c.Bridge.Channel < 0 || c.Bridge.Channel >= c.Bridge.Channels {
		errs = append(errs, "bridge.channel must be between 0 and bridge.channels-1")
	}
	if c.Bridge.QueueSize < 1 {
		errs = append(errs, "bridge.queue_size must be positive")
	}
	if c.Bridge.WriteQueueSize < 1 {
		errs = append(errs, "bridge.write_queue_size must be positive")
	}
	if c.Bridge.HandshakeTimeout < 1 {
		errs = append(errs, "bridge.handshake_timeout must be positive")
	}
	if c.Bridge.Reconnect.Multiplier < 1 {
		errs = append(errs, "bridge.reconnect.multiplier must be at least 1")
	}
	if c.Bridge.Reconnect.Jitter < 0 || c.Bridge.Reconnect.Jitter >= 1 {
		errs = append(errs, "bridge.reconnect.jitter must be in [0, 1)")
	}
	if c.Bridge.Reconnect.InitialDelay < 1 || c.Bridge.Reconnect.MaxDelay < c.Bridge.Reconnect.InitialDelay {
		errs = append(errs, "bridge.reconnect delays must satisfy 0 < initial_delay <= max_delay")
	}
	if c.Bridge.Reconnect.MaxAttempts < 1 {
		errs = append(errs, "bridge.reconnect.max_attempts must be positive")
	}

	// Transaction
	if c.Transaction.Timeout < 1 {
		errs = append(errs, "transaction.timeout must be positive")
	}
	if c.Transaction.TimeoutIncrement < 0 {
		errs = append(errs, "transaction.timeout_increment must not be negative")
	}
	if c.Transaction.MaxRetries < 0 {
		errs = append(errs, "transaction.max_retries must not be negative")
	}
	if !ValidBusAddress(c.Transaction.SelfAddress) {
		errs = append(errs, "transaction.self_address must be a 15-bit VBus address with both bytes below 0x80")
	}

	// Directory
	seen := make(map[string]bool, len(c.Directory.ViaTags))
	for i, vt := range c.Directory.ViaTags {
		if vt.Tag == "" {
			errs = append(errs, fmt.Sprintf("directory.via_tags[%d].tag is required", i))
		} else if seen[vt.Tag] {
			errs = append(errs, fmt.Sprintf("directory.via_tags[%d].tag %q is duplicated", i, vt.Tag))
		}
		seen[vt.Tag] = true
		if !ValidBusAddress(vt.Address) {
			errs = append(errs, fmt.Sprintf("directory.via_tags[%d].address 0x%X is not a valid VBus address", i, vt.Address))
		}
		if vt.Channel < 0 || vt.Channel >= c.Bridge.Channels {
			errs = append(errs, fmt.Sprintf("directory.via_tags[%d].channel must be below bridge.channels", i))
		}
	}

	// Database
	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}
	if c.Database.AuditRetentionDays < 0 {
		errs = append(errs, "database.audit_retention_days must not be negative")
	}

	// MQTT
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	// API
	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}
	const minJWTSecretLength = 32
	if c.API.Auth.JWTSecret != "" && len(c.API.Auth.JWTSecret) < minJWTSecretLength {
		errs = append(errs, "api.auth.jwt_secret must be at least 32 characters")
	}

	// InfluxDB
	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Bucket == "") {
		errs = append(errs, "influxdb.url and influxdb.bucket are required when influxdb is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// ValidBusAddress reports whether addr can be transmitted as a VBus address.
func ValidBusAddress(addr int) bool {
	return addr >= 0 && addr <= 0x7F7F && addr&0x80 == 0
}

// Redacted returns a copy of the configuration with secrets masked,
// suitable for logging.
func (c *Config) Redacted() Config {
	out := *c
	if out.Bridge.Password != "" {
		out.Bridge.Password = redacted
	}
	if out.MQTT.Auth.Password != "" {
		out.MQTT.Auth.Password = redacted
	}
	if out.InfluxDB.Token != "" {
		out.InfluxDB.Token = redacted
	}
	if out.API.Auth.JWTSecret != "" {
		out.API.Auth.JWTSecret = redacted
	}
	if i := strings.Index(out.Bridge.Upstream, "password="); i >= 0 {
		out.Bridge.Upstream = out.Bridge.Upstream[:i] + "password=" + redacted
	}
	return out
}

// HandshakeTimeout returns the session handshake window as a Duration.
func (c *Config) HandshakeTimeout() time.Duration {
	return time.Duration(c.Bridge.HandshakeTimeout) * time.Second
}

// AuditRetention returns the audit retention period; zero disables pruning.
func (c *Config) AuditRetention() time.Duration {
	return time.Duration(c.Database.AuditRetentionDays) * 24 * time.Hour
}

// HealthInterval returns bridge.health_interval as a duration.
func (c *Config) HealthInterval() time.Duration {
	return time.Duration(c.Bridge.HealthInterval) * time.Second
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}
