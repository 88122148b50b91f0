package mqtt

import "errors"

// Sentinel errors for broker operations. Callers match them with errors.Is;
// the wrapped cause (paho error or timeout) is kept in the chain.
var (
	// ErrNotConnected is returned by Publish, Subscribe and HealthCheck while
	// the broker link is down. The relay logs it and moves on.
	ErrNotConnected = errors.New("mqtt: client not connected")

	// ErrConnectionFailed is returned by Connect when the first dial fails or
	// times out. Later drops are handled by paho's auto-reconnect.
	ErrConnectionFailed = errors.New("mqtt: connection failed")

	// ErrPublishFailed wraps a broker rejection, a publish timeout or an
	// oversized payload.
	ErrPublishFailed = errors.New("mqtt: publish failed")

	// ErrSubscribeFailed wraps a broker rejection or a subscribe timeout.
	ErrSubscribeFailed = errors.New("mqtt: subscribe failed")

	// ErrInvalidQoS is returned for a QoS above 2.
	ErrInvalidQoS = errors.New("mqtt: invalid QoS level (must be 0, 1, or 2)")

	// ErrInvalidTopic is returned for an empty topic.
	ErrInvalidTopic = errors.New("mqtt: topic cannot be empty")

	// ErrInvalidPayload is returned by the emergency request handler for a
	// body that is not JSON or lacks the "active" field. Such a message
	// never changes the emergency state.
	ErrInvalidPayload = errors.New("mqtt: invalid emergency request")
)
