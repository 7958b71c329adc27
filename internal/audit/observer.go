package audit

import (
	"context"
	"log"
	"time"

	"github.com/whisper/lobby/internal/relay"
)

// writeTimeout bounds each journal write.
const writeTimeout = 2 * time.Second

// Journal is the subset of Store the observer writes to.
type Journal interface {
	Connected(ctx context.Context, id string, at time.Time) error
	Named(ctx context.Context, id, username string, at time.Time) error
	Disconnected(ctx context.Context, id string, at time.Time) error
}

// Observer journals session lifecycle events. Write failures are logged and
// never affect delivery. It waits on the database, so the relay runs it behind
// a relay.AsyncObserver.
type Observer struct {
	journal Journal
}

// NewObserver returns a relay observer writing to j.
func NewObserver(j Journal) *Observer {
	return &Observer{journal: j}
}

// Observe implements relay.Observer.
func (o *Observer) Observe(ctx context.Context, ev relay.Event) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	var err error
	switch ev.Kind {
	case relay.EventConnected:
		err = o.journal.Connected(ctx, ev.ConnID, ev.At)
	case relay.EventJoined:
		err = o.journal.Named(ctx, ev.ConnID, ev.Username, ev.At)
	case relay.EventDisconnected:
		err = o.journal.Disconnected(ctx, ev.ConnID, ev.At)
	default:
		return
	}
	if err != nil {
		log.Printf("audit: %s session=%s: %v", ev.Kind, ev.ConnID, err)
	}
}
