package mqtt

import (
	"crypto/tls"
	"net"
	"strconv"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/vbus-bridge/internal/infrastructure/config"
)

const (
	connectTimeout = 10 * time.Second
	ackTimeout     = 5 * time.Second
	keepAlive      = 60 * time.Second

	// quiesceMillis is how long Close lets in-flight work finish.
	quiesceMillis = 1000

	maxQoS = 2
)

// Will is the retained message the broker publishes for the bridge when
// the connection drops without a clean disconnect.
type Will struct {
	Topic   string
	Payload []byte
	QoS     byte
}

// brokerURL returns tcp://host:port, or ssl:// when TLS is enabled.
func brokerURL(b config.MQTTBrokerConfig) string {
	scheme := "tcp://"
	if b.TLS {
		scheme = "ssl://"
	}
	return scheme + net.JoinHostPort(b.Host, strconv.Itoa(b.Port))
}

// buildClientOptions maps the mqtt config section onto paho options. The
// session is clean; Client restores its own subscriptions on reconnect.
func buildClientOptions(cfg config.MQTTConfig, will *Will) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions().
		AddBroker(brokerURL(cfg.Broker)).
		SetClientID(cfg.Broker.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(time.Duration(cfg.Reconnect.InitialDelay) * time.Second).
		SetMaxReconnectInterval(time.Duration(cfg.Reconnect.MaxDelay) * time.Second).
		SetConnectTimeout(connectTimeout).
		SetKeepAlive(keepAlive)

	if cfg.Auth.Username != "" {
		opts.SetUsername(cfg.Auth.Username).SetPassword(cfg.Auth.Password)
	}
	if cfg.Broker.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	if will != nil && will.Topic != "" {
		opts.SetBinaryWill(will.Topic, will.Payload, will.QoS, true)
	}
	return opts
}
