package session

import (
	"context"
	"log"
	"time"

	"github.com/whisper/lobby/internal/relay"
)

// writeTimeout bounds each Redis round trip.
const writeTimeout = time.Second

// Observer keeps the Redis mirror in step with relay events. Redis failures
// are logged and never affect delivery. It waits on the network, so the relay
// runs it behind a relay.AsyncObserver.
type Observer struct {
	store *Store
}

// NewObserver returns a relay observer writing through store.
func NewObserver(store *Store) *Observer {
	return &Observer{store: store}
}

// Observe implements relay.Observer.
func (o *Observer) Observe(ctx context.Context, ev relay.Event) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	var err error
	switch ev.Kind {
	case relay.EventConnected:
		err = o.store.Create(ctx, ev.ConnID, ev.At)
	case relay.EventJoined:
		err = o.store.SetUsername(ctx, ev.ConnID, ev.Username, ev.At)
	case relay.EventMessage:
		err = o.store.Touch(ctx, ev.ConnID, ev.At)
	case relay.EventDisconnected:
		err = o.store.Delete(ctx, ev.ConnID)
	default:
		return
	}
	if err != nil {
		log.Printf("session: %s session=%s: %v", ev.Kind, ev.ConnID, err)
	}
}
