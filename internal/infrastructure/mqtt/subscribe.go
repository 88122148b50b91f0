package mqtt

import (
	"fmt"
)

// Subscribe registers handler for topic. The subscription is remembered
// and restored after reconnects.
//
// Topic wildcards:
//   - "+" matches one level: jukebox/devices/+/state
//   - "#" matches the remainder: jukebox/events/#
//
// Handlers run on paho goroutines; a panic is recovered and logged, and a
// returned error is logged without affecting the subscription.
//
// Parameters:
//   - topic: Topic filter, wildcards allowed
//   - qos: Maximum QoS the broker should deliver with
//   - handler: Called once per message
//
// Returns:
//   - error: ErrInvalidTopic, ErrInvalidQoS, ErrNotConnected, or
//     ErrSubscribeFailed wrapping the timeout or broker error
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	token := c.client.Subscribe(topic, qos, c.wrapHandler(handler))
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: timeout on %s", ErrSubscribeFailed, topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrSubscribeFailed, err)
	}

	c.subMu.Lock()
	c.subscriptions[topic] = subscription{topic: topic, qos: qos, handler: handler}
	c.subMu.Unlock()
	return nil
}

// Unsubscribe removes a subscription. The topic is forgotten even when the
// broker is unreachable, so it is not restored on the next reconnect.
func (c *Client) Unsubscribe(topic string) error {
	c.subMu.Lock()
	delete(c.subscriptions, topic)
	c.subMu.Unlock()

	if !c.IsConnected() {
		return nil
	}
	token := c.client.Unsubscribe(topic)
	token.WaitTimeout(defaultPublishTimeout)
	return token.Error()
}

// restoreSubscriptions re-subscribes every remembered topic after a
// reconnect. Failures are logged; the next reconnect tries again.
func (c *Client) restoreSubscriptions() {
	c.subMu.RLock()
	subs := make([]subscription, 0, len(c.subscriptions))
	for _, s := range c.subscriptions {
		subs = append(subs, s)
	}
	c.subMu.RUnlock()

	for _, s := range subs {
		token := c.client.Subscribe(s.topic, s.qos, c.wrapHandler(s.handler))
		if !token.WaitTimeout(defaultPublishTimeout) || token.Error() != nil {
			c.logWarn("restoring mqtt subscription", "topic", s.topic, "error", token.Error())
		}
	}
}
