package mqtt

import "errors"

var (
	// ErrNotConnected is returned while the broker is unreachable.
	ErrNotConnected = errors.New("mqtt: broker not connected")

	// ErrConnectionFailed wraps the reason Connect gave up.
	ErrConnectionFailed = errors.New("mqtt: cannot connect to broker")

	// ErrPublishFailed wraps a rejected or timed out publish.
	ErrPublishFailed = errors.New("mqtt: publish failed")

	// ErrSubscribeFailed wraps a rejected or timed out subscribe.
	ErrSubscribeFailed = errors.New("mqtt: subscribe failed")

	// ErrInvalidQoS is returned for QoS levels above 2.
	ErrInvalidQoS = errors.New("mqtt: QoS must be 0, 1 or 2")

	// ErrInvalidTopic is returned for an empty topic.
	ErrInvalidTopic = errors.New("mqtt: empty topic")
)
