// Package lobby binds the WebSocket transport to the relay: connection
// lifecycle callbacks and client messages become relay actions.
package lobby

import (
	"context"
	"log"
	"time"

	"github.com/whisper/lobby/internal/protocol"
	"github.com/whisper/lobby/internal/relay"
	"github.com/whisper/lobby/internal/ws"
)

// submitTimeout bounds how long a transport worker waits for room in the
// relay queue before dropping an action.
const submitTimeout = 5 * time.Second

// Bind registers the relay's handlers on d and the connection callbacks on
// srv. srv must have been created with d.Dispatch as its message callback.
func Bind(srv *ws.Server, d *ws.MessageDispatcher, r *relay.Relay) {
	submit := func(a relay.Action) error {
		ctx, cancel := context.WithTimeout(context.Background(), submitTimeout)
		defer cancel()
		err := r.Submit(ctx, a)
		if err != nil {
			log.Printf("lobby: drop %T session=%s: %v", a, a.ConnectionID(), err)
		}
		return err
	}

	// A connection the relay never learns about could not take part in the
	// chat, so the transport closes it when Connect cannot be queued.
	srv.SetOnConnect(func(connID string) error {
		return submit(relay.Connect{ConnID: connID})
	})
	srv.SetOnDisconnect(func(connID string) {
		_ = submit(relay.Disconnect{ConnID: connID})
	})

	d.Register(protocol.TypeSetUsername, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.SetUsernameMsg)
		if !ok {
			return
		}
		_ = submit(relay.SetName{ConnID: conn.ID, Name: m.Username})
	})

	d.Register(protocol.TypeMessage, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.ChatMsg)
		if !ok {
			return
		}
		_ = submit(relay.SendMessage{ConnID: conn.ID, Text: m.Text})
	})
}
