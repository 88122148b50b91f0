package mqtt

import (
	"fmt"
)

// maxPayloadSize caps outgoing payloads; mirrored events are small JSON.
const maxPayloadSize = 1 << 20

// Publish sends payload to topic and waits for the broker acknowledgement.
//
// QoS levels:
//   - 0: At most once (fire and forget)
//   - 1: At least once (the relay's default for events and device state)
//   - 2: Exactly once
//
// Parameters:
//   - topic: Full topic path, see Topics
//   - payload: Message body, at most maxPayloadSize bytes
//   - qos: Quality of service (0, 1 or 2)
//   - retained: Whether the broker keeps the message for late subscribers
//
// Returns:
//   - error: ErrInvalidTopic, ErrInvalidQoS, ErrNotConnected, or
//     ErrPublishFailed wrapping the timeout or broker error
func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: payload %d bytes exceeds %d", ErrPublishFailed, len(payload), maxPayloadSize)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	token := c.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: timeout on %s", ErrPublishFailed, topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}

// PublishRetained publishes with the retained flag set.
// Device state uses it so a dashboard that subscribes late still sees the
// last known state of every jukebox.
func (c *Client) PublishRetained(topic string, payload []byte, qos byte) error {
	return c.Publish(topic, payload, qos, true)
}
