package mqtt

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nerrad567/jukebox-core/internal/device"
	"github.com/nerrad567/jukebox-core/internal/protocol"
)

// relayQueueSize bounds events waiting to be published. MirrorEvent drops
// events rather than block the bus when the broker is slow.
const relayQueueSize = 256

// Publisher is satisfied by *Client.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// Subscriber is satisfied by *Client.
type Subscriber interface {
	Subscribe(topic string, qos byte, handler MessageHandler) error
}

// EmergencyRequest is the payload accepted on the emergency request topic.
type EmergencyRequest struct {
	Active bool   `json:"active"`
	Source string `json:"source,omitempty"`
}

type outbound struct {
	topic    string
	payload  []byte
	retained bool
}

// Relay mirrors control-plane events and device state onto the broker.
type Relay struct {
	pub    Publisher
	qos    byte
	logger Logger
	queue  chan outbound
}

// NewRelay creates a relay. Call Run to start publishing.
func NewRelay(pub Publisher, qos byte, logger Logger) *Relay {
	return &Relay{
		pub:    pub,
		qos:    qos,
		logger: logger,
		queue:  make(chan outbound, relayQueueSize),
	}
}

// MirrorEvent queues ev for publication on jukebox/events/<event>.
func (r *Relay) MirrorEvent(ev protocol.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		r.logger.Warn("encoding mirrored event", "event", ev.Event, "error", err)
		return
	}
	r.enqueue(outbound{topic: Topics{}.Event(ev.Event), payload: payload})
}

// PublishDeviceState queues the retained state of one device.
func (r *Relay) PublishDeviceState(s device.State) {
	payload, err := json.Marshal(s)
	if err != nil {
		r.logger.Warn("encoding device state", "token", s.Token, "error", err)
		return
	}
	r.enqueue(outbound{topic: Topics{}.DeviceState(s.Token), payload: payload, retained: true})
}

func (r *Relay) enqueue(msg outbound) {
	select {
	case r.queue <- msg:
	default:
		r.logger.Warn("mqtt relay queue full, dropping message", "topic", msg.topic)
	}
}

// Run publishes queued messages until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-r.queue:
			if err := r.pub.Publish(msg.topic, msg.payload, r.qos, msg.retained); err != nil {
				r.logger.Warn("mqtt relay publish failed", "topic", msg.topic, "error", err)
			}
		}
	}
}

// SubscribeEmergency invokes fn for every request published on the
// emergency request topic. Malformed payloads are rejected with an error
// the client logs.
func SubscribeEmergency(sub Subscriber, qos byte, fn func(EmergencyRequest) error) error {
	return sub.Subscribe(Topics{}.EmergencyRequest(), qos, func(_ string, payload []byte) error {
		var raw struct {
			Active *bool  `json:"active"`
			Source string `json:"source"`
		}
		if err := json.Unmarshal(payload, &raw); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidPayload, err)
		}
		if raw.Active == nil {
			return fmt.Errorf("%w: missing \"active\"", ErrInvalidPayload)
		}
		return fn(EmergencyRequest{Active: *raw.Active, Source: raw.Source})
	})
}
