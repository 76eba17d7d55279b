package mqtt

import (
	"fmt"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// maxPayloadSize bounds payloads in both directions (1MB).
const maxPayloadSize = 1 << 20

func checkTopic(topic string, qos byte) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	return nil
}

// Publish sends one message and waits for the broker's acknowledgement.
//
// Parameters:
//   - topic: e.g. "vbus/bridge/boiler/health"
//   - payload: At most 1MB
//   - qos: 0, 1 or 2
//   - retained: Whether the broker keeps the message for new subscribers
func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	if err := checkTopic(topic, qos); err != nil {
		return err
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: %d byte payload exceeds %d", ErrPublishFailed, len(payload), maxPayloadSize)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	token := c.paho.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(ackTimeout) {
		return fmt.Errorf("%w: %s: no ack within %v", ErrPublishFailed, topic, ackTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrPublishFailed, topic, err)
	}
	c.published.Add(1)
	return nil
}

// QoS returns the configured default QoS level.
func (c *Client) QoS() byte {
	return byte(c.cfg.QoS) //nolint:gosec // validated to 0..2 by config
}

// Subscribe registers handler for topic. The subscription is restored
// after every reconnect; a failed subscribe is not remembered.
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	if err := checkTopic(topic, qos); err != nil {
		return err
	}
	if handler == nil {
		return fmt.Errorf("%w: %s: nil handler", ErrSubscribeFailed, topic)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	c.mu.Lock()
	c.subs[topic] = subscription{qos: qos, handler: handler}
	c.mu.Unlock()

	token := c.paho.Subscribe(topic, qos, c.dispatcher(handler))
	var err error
	if !token.WaitTimeout(ackTimeout) {
		err = fmt.Errorf("no ack within %v", ackTimeout)
	} else {
		err = token.Error()
	}
	if err != nil {
		c.mu.Lock()
		delete(c.subs, topic)
		c.mu.Unlock()
		return fmt.Errorf("%w: %s: %w", ErrSubscribeFailed, topic, err)
	}
	return nil
}

// SubscriptionCount returns the number of remembered subscriptions.
func (c *Client) SubscriptionCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subs)
}

// dispatcher adapts a MessageHandler to paho. Oversized payloads are
// dropped; handler errors and panics are logged and counted.
func (c *Client) dispatcher(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		c.received.Add(1)
		defer func() {
			if r := recover(); r != nil {
				c.handlerErrors.Add(1)
				if l := c.log(); l != nil {
					l.Error("MQTT handler panic recovered", "topic", msg.Topic(), "panic", r)
				}
			}
		}()

		payload := msg.Payload()
		if len(payload) > maxPayloadSize {
			c.handlerErrors.Add(1)
			if l := c.log(); l != nil {
				l.Warn("MQTT message dropped", "topic", msg.Topic(), "size", len(payload))
			}
			return
		}
		if err := handler(msg.Topic(), payload); err != nil {
			c.handlerErrors.Add(1)
			if l := c.log(); l != nil {
				l.Warn("MQTT handler returned error", "topic", msg.Topic(), "error", err)
			}
		}
	}
}
