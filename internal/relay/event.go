package relay

import (
	"context"
	"time"
)

// EventKind names what happened while handling an action.
type EventKind string

const (
	EventConnected    EventKind = "connected"
	EventJoined       EventKind = "joined"
	EventMessage      EventKind = "message"
	EventLeft         EventKind = "left"
	EventDisconnected EventKind = "disconnected"
	EventRejected     EventKind = "rejected"
)

// Event describes the outcome of one handled action. Observers receive events
// after the outbound frames have been handed to the Emitter.
type Event struct {
	Kind       EventKind `json:"kind"`
	ConnID     string    `json:"conn_id"`
	Username   string    `json:"username,omitempty"`
	Text       string    `json:"text,omitempty"`
	Reason     string    `json:"reason,omitempty"` // error code for rejected actions
	Recipients int       `json:"recipients"`       // connections the frame was addressed to
	Online     int       `json:"online"`           // registered connections after the action
	Named      int       `json:"named"`            // named connections after the action
	At         time.Time `json:"at"`
}

// Observer is notified of every relay event. Observe runs on the relay
// goroutine and must return quickly; wrap sinks that do I/O in an
// AsyncObserver.
type Observer interface {
	Observe(ctx context.Context, ev Event)
}

// ObserverFunc adapts a plain function to the Observer interface.
type ObserverFunc func(ctx context.Context, ev Event)

// Observe calls f(ctx, ev).
func (f ObserverFunc) Observe(ctx context.Context, ev Event) {
	f(ctx, ev)
}
