package mqtt

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/nerrad567/vbus-bridge/internal/infrastructure/config"
)

func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: "vbus-bridge-test",
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
	}
}

// offlineClient is a client that never connected.
func offlineClient() *Client {
	return &Client{cfg: testConfig(), subs: make(map[string]subscription)}
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

type recordingLogger struct {
	mu     sync.Mutex
	errors []string
	warns  []string
}

func (l *recordingLogger) Error(msg string, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, msg)
}

func (l *recordingLogger) Warn(msg string, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warns = append(l.warns, msg)
}

func (l *recordingLogger) Info(string, ...any) {}

func TestBuildClientOptions(t *testing.T) {
	tests := []struct {
		name       string
		mutate     func(*config.MQTTConfig)
		will       *Will
		wantBroker string
		wantUser   string
		wantWill   bool
	}{
		{
			name:       "plain",
			wantBroker: "tcp://127.0.0.1:1883",
		},
		{
			name: "tls with credentials",
			mutate: func(c *config.MQTTConfig) {
				c.Broker.TLS = true
				c.Broker.Port = 8883
				c.Auth.Username = "bridge"
				c.Auth.Password = "secret"
			},
			wantBroker: "ssl://127.0.0.1:8883",
			wantUser:   "bridge",
		},
		{
			name:       "with will",
			will:       &Will{Topic: "vbus/bridge/boiler/health", Payload: []byte(`{"status":"offline"}`), QoS: 1},
			wantBroker: "tcp://127.0.0.1:1883",
			wantWill:   true,
		},
		{
			name:       "will without topic is ignored",
			will:       &Will{Payload: []byte("x")},
			wantBroker: "tcp://127.0.0.1:1883",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			if tt.mutate != nil {
				tt.mutate(&cfg)
			}
			opts := buildClientOptions(cfg, tt.will)

			if len(opts.Servers) != 1 || opts.Servers[0].String() != tt.wantBroker {
				t.Errorf("servers = %v, want %s", opts.Servers, tt.wantBroker)
			}
			if opts.Username != tt.wantUser {
				t.Errorf("username = %q, want %q", opts.Username, tt.wantUser)
			}
			if opts.WillEnabled != tt.wantWill {
				t.Errorf("will enabled = %v, want %v", opts.WillEnabled, tt.wantWill)
			}
			if tt.wantWill {
				if opts.WillTopic != tt.will.Topic || !opts.WillRetained {
					t.Errorf("will = %q retained=%v", opts.WillTopic, opts.WillRetained)
				}
				if !strings.Contains(string(opts.WillPayload), "offline") {
					t.Errorf("will payload = %q", opts.WillPayload)
				}
			}
			if !opts.CleanSession || !opts.AutoReconnect {
				t.Error("expected clean session with auto-reconnect")
			}
		})
	}
}

func TestBrokerURL(t *testing.T) {
	tests := []struct {
		broker config.MQTTBrokerConfig
		want   string
	}{
		{config.MQTTBrokerConfig{Host: "broker.local", Port: 1883}, "tcp://broker.local:1883"},
		{config.MQTTBrokerConfig{Host: "broker.local", Port: 8883, TLS: true}, "ssl://broker.local:8883"},
		{config.MQTTBrokerConfig{Host: "::1", Port: 1883}, "tcp://[::1]:1883"},
	}
	for _, tt := range tests {
		if got := brokerURL(tt.broker); got != tt.want {
			t.Errorf("brokerURL(%+v) = %q, want %q", tt.broker, got, tt.want)
		}
	}
}

func TestPublishValidation(t *testing.T) {
	c := offlineClient()

	tests := []struct {
		name    string
		topic   string
		payload []byte
		qos     byte
		wantErr error
	}{
		{"empty topic", "", nil, 0, ErrInvalidTopic},
		{"invalid qos", "vbus/x", nil, 3, ErrInvalidQoS},
		{"payload too large", "vbus/x", make([]byte, maxPayloadSize+1), 0, ErrPublishFailed},
		{"not connected", "vbus/x", []byte("{}"), 1, ErrNotConnected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.Publish(tt.topic, tt.payload, tt.qos, false)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Publish() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestSubscribeValidation(t *testing.T) {
	c := offlineClient()
	handler := func(string, []byte) error { return nil }

	tests := []struct {
		name    string
		topic   string
		qos     byte
		handler MessageHandler
		wantErr error
	}{
		{"empty topic", "", 0, handler, ErrInvalidTopic},
		{"invalid qos", "vbus/#", 3, handler, ErrInvalidQoS},
		{"nil handler", "vbus/#", 1, nil, ErrSubscribeFailed},
		{"not connected", "vbus/#", 1, handler, ErrNotConnected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.Subscribe(tt.topic, tt.qos, tt.handler)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Subscribe() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
	if c.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount() = %d, want 0 after failed subscribes", c.SubscriptionCount())
	}
}

func TestOfflineClientState(t *testing.T) {
	c := offlineClient()

	if c.IsConnected() {
		t.Error("IsConnected() should be false for an unconnected client")
	}
	if err := c.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() = %v, want ErrNotConnected", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.HealthCheck(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("HealthCheck(cancelled) = %v, want context.Canceled", err)
	}

	if err := c.Close(); err != nil {
		t.Errorf("Close() on unconnected client = %v", err)
	}
	var nilClient *Client
	if err := nilClient.Close(); err != nil {
		t.Errorf("Close() on nil client = %v", err)
	}
	if c.QoS() != 1 {
		t.Errorf("QoS() = %d, want 1", c.QoS())
	}
}

func TestDispatcher(t *testing.T) {
	c := offlineClient()
	logger := &recordingLogger{}
	c.SetLogger(logger)

	var got string
	ok := c.dispatcher(func(topic string, payload []byte) error {
		got = topic + "=" + string(payload)
		return nil
	})
	ok(nil, fakeMessage{topic: "vbus/bridge/boiler/write", payload: []byte("aa")})
	if got != "vbus/bridge/boiler/write=aa" {
		t.Errorf("handler saw %q", got)
	}

	failing := c.dispatcher(func(string, []byte) error { return errors.New("bad frame") })
	failing(nil, fakeMessage{topic: "t"})

	panicking := c.dispatcher(func(string, []byte) error { panic("boom") })
	panicking(nil, fakeMessage{topic: "t"})

	oversized := c.dispatcher(func(string, []byte) error {
		t.Error("handler called for oversized payload")
		return nil
	})
	oversized(nil, fakeMessage{topic: "t", payload: make([]byte, maxPayloadSize+1)})

	stats := c.Stats()
	if stats.Received != 4 || stats.HandlerErrors != 3 {
		t.Errorf("Stats() = %+v, want 4 received and 3 handler errors", stats)
	}

	logger.mu.Lock()
	defer logger.mu.Unlock()
	if len(logger.warns) != 2 {
		t.Errorf("warnings = %v, want handler error and oversized drop", logger.warns)
	}
	if len(logger.errors) != 1 {
		t.Errorf("errors = %v, want one for the recovered panic", logger.errors)
	}
}
