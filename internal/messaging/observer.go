package messaging

import (
	"context"
	"log"

	"github.com/whisper/lobby/internal/relay"
)

// EventPublisher publishes relay events. *NATSClient implements it.
type EventPublisher interface {
	PublishEvent(ev relay.Event) error
}

// Observer forwards every relay event to NATS. Publishing is buffered by the
// NATS client, so Observe does not wait on the network.
type Observer struct {
	pub EventPublisher
}

// NewObserver returns a relay observer publishing through pub.
func NewObserver(pub EventPublisher) *Observer {
	return &Observer{pub: pub}
}

// Observe implements relay.Observer.
func (o *Observer) Observe(_ context.Context, ev relay.Event) {
	if err := o.pub.PublishEvent(ev); err != nil {
		log.Printf("[nats] publish %s session=%s: %v", ev.Kind, ev.ConnID, err)
	}
}
