// Package relay implements the broadcast and presence relay: it turns inbound
// client actions (connect, set name, send message, disconnect) into outbound
// frames addressed to one, all-but-one, or all live connections.
//
// All registry mutations happen on a single goroutine. Transport workers hand
// actions to Submit; Run drains them in arrival order and calls Handle.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/whisper/lobby/internal/presence"
	"github.com/whisper/lobby/internal/protocol"
)

// AnonymousName is reported as the sender of messages from connections that
// have not set a display name.
const AnonymousName = "Anonymous"

// ErrStopped is returned by Submit once Run has returned.
var ErrStopped = errors.New("relay: stopped")

// Emitter delivers an encoded frame to one connection. Delivery is
// fire-and-forget: an error only means the frame could not be handed to the
// transport.
type Emitter interface {
	SendMessage(connID string, data []byte) error
}

// Option configures a Relay.
type Option func(*Relay)

// WithObserver registers an observer notified of every relay event.
func WithObserver(o Observer) Option {
	return func(r *Relay) {
		r.observers = append(r.observers, o)
	}
}

// WithLimits overrides the default validation limits.
func WithLimits(l Limits) Option {
	return func(r *Relay) {
		r.limits = l
	}
}

// WithClock overrides the clock used to stamp chat messages.
func WithClock(now func() time.Time) Option {
	return func(r *Relay) {
		r.now = now
	}
}

// WithQueueSize sets the capacity of the action queue drained by Run.
func WithQueueSize(n int) Option {
	return func(r *Relay) {
		if n > 0 {
			r.actions = make(chan Action, n)
		}
	}
}

// Relay owns the connection registry and translates actions into frames.
type Relay struct {
	registry  *presence.Registry
	emitter   Emitter
	observers []Observer
	limits    Limits
	now       func() time.Time
	actions   chan Action
	done      chan struct{}
}

// New creates a Relay that delivers frames through emitter.
func New(emitter Emitter, opts ...Option) *Relay {
	r := &Relay{
		registry: presence.NewRegistry(),
		emitter:  emitter,
		limits:   DefaultLimits(),
		now:      time.Now,
		actions:  make(chan Action, 1024),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Submit enqueues an action for Run. It blocks while the queue is full and
// returns ErrStopped once the relay has shut down.
func (r *Relay) Submit(ctx context.Context, a Action) error {
	select {
	case <-r.done:
		return ErrStopped
	default:
	}

	select {
	case r.actions <- a:
		return nil
	case <-r.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of queued actions not yet picked up by Run.
func (r *Relay) Pending() int {
	return len(r.actions)
}

// Run processes queued actions one at a time until ctx is cancelled. It must
// be called at most once.
func (r *Relay) Run(ctx context.Context) {
	defer close(r.done)

	for {
		select {
		case <-ctx.Done():
			log.Printf("relay: stopped (online=%d)", r.registry.Len())
			return
		case a := <-r.actions:
			if err := r.Handle(ctx, a); err != nil {
				log.Printf("relay: session=%s %v", a.ConnectionID(), err)
			}
		}
	}
}

// Handle applies a single action. It is not safe for concurrent use and is
// exported so the relay can be driven synchronously in tests. The returned
// error describes a rejected or dropped action; it has already been reported
// to the sender where applicable.
func (r *Relay) Handle(ctx context.Context, a Action) error {
	switch a := a.(type) {
	case Connect:
		r.connect(ctx, a)
		return nil
	case SetName:
		return r.setName(ctx, a)
	case SendMessage:
		return r.sendMessage(ctx, a)
	case Disconnect:
		return r.disconnect(ctx, a)
	default:
		return fmt.Errorf("relay: unsupported action %T", a)
	}
}

func (r *Relay) connect(ctx context.Context, a Connect) {
	r.registry.Register(a.ConnID)
	log.Printf("relay: user connected session=%s (online=%d)", a.ConnID, r.registry.Len())

	r.notify(ctx, Event{Kind: EventConnected, ConnID: a.ConnID})
}

func (r *Relay) setName(ctx context.Context, a SetName) error {
	if !r.registry.Contains(a.ConnID) {
		return fmt.Errorf("set name dropped: %w", presence.ErrNotRegistered)
	}

	if err := r.limits.ValidateName(a.Name); err != nil {
		r.reject(ctx, a.ConnID, protocol.CodeInvalidUsername,
			fmt.Sprintf("username must be between 1 and %d characters", r.limits.MaxNameLength))
		return err
	}

	name, err := r.registry.SetName(a.ConnID, a.Name)
	if err != nil {
		return fmt.Errorf("set name: %w", err)
	}
	log.Printf("relay: session=%s set username to %q", a.ConnID, name)

	frame, err := protocol.NewServerMessage(protocol.TypeUserJoined, protocol.PresenceMsg{
		Username: name,
		Message:  name + " joined the chat",
	})
	if err != nil {
		return fmt.Errorf("build userJoined: %w", err)
	}
	n := r.broadcast(frame, a.ConnID)

	r.notify(ctx, Event{Kind: EventJoined, ConnID: a.ConnID, Username: name, Recipients: n})
	return nil
}

func (r *Relay) sendMessage(ctx context.Context, a SendMessage) error {
	if !r.registry.Contains(a.ConnID) {
		return fmt.Errorf("message dropped: %w", presence.ErrNotRegistered)
	}

	if err := r.limits.ValidateText(a.Text); err != nil {
		r.reject(ctx, a.ConnID, protocol.CodeInvalidMessage,
			fmt.Sprintf("message text must be between 1 and %d characters", r.limits.MaxTextLength))
		return err
	}

	username, ok := r.registry.Name(a.ConnID)
	if !ok {
		username = AnonymousName
	}
	at := r.now().UTC()

	frame, err := protocol.NewServerMessage(protocol.TypeMessage, protocol.ServerChatMsg{
		ID:        a.ConnID,
		Username:  username,
		Text:      a.Text,
		Timestamp: at.Format(protocol.TimestampLayout),
	})
	if err != nil {
		return fmt.Errorf("build message: %w", err)
	}
	log.Printf("relay: message from %s session=%s text_len=%d", username, a.ConnID, len(a.Text))
	n := r.broadcast(frame, "")

	r.notify(ctx, Event{
		Kind:       EventMessage,
		ConnID:     a.ConnID,
		Username:   username,
		Text:       a.Text,
		Recipients: n,
		At:         at,
	})
	return nil
}

func (r *Relay) disconnect(ctx context.Context, a Disconnect) error {
	if !r.registry.Contains(a.ConnID) {
		return fmt.Errorf("disconnect dropped: %w", presence.ErrNotRegistered)
	}
	name, named := r.registry.Unregister(a.ConnID)

	if named {
		log.Printf("relay: user disconnected %q session=%s", name, a.ConnID)
		frame, err := protocol.NewServerMessage(protocol.TypeUserLeft, protocol.PresenceMsg{
			Username: name,
			Message:  name + " left the chat",
		})
		if err != nil {
			log.Printf("relay: build userLeft session=%s: %v", a.ConnID, err)
		} else {
			n := r.broadcast(frame, "")
			r.notify(ctx, Event{Kind: EventLeft, ConnID: a.ConnID, Username: name, Recipients: n})
		}
	}

	r.notify(ctx, Event{Kind: EventDisconnected, ConnID: a.ConnID, Username: name})
	return nil
}

// broadcast sends frame to every registered connection except the one named
// by except (empty means nobody is skipped) and returns the recipient count.
// A failed send is logged and does not affect the other recipients.
func (r *Relay) broadcast(frame []byte, except string) int {
	n := 0
	for _, id := range r.registry.IDs() {
		if id == except {
			continue
		}
		n++
		if err := r.emitter.SendMessage(id, frame); err != nil {
			log.Printf("relay: send to session=%s failed: %v", id, err)
		}
	}
	return n
}

// reject reports a validation failure to the sender only.
func (r *Relay) reject(ctx context.Context, connID, code, message string) {
	frame, err := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
		Code:    code,
		Message: message,
	})
	if err != nil {
		log.Printf("relay: build error frame session=%s: %v", connID, err)
		return
	}
	if err := r.emitter.SendMessage(connID, frame); err != nil {
		log.Printf("relay: send error frame to session=%s failed: %v", connID, err)
	}

	r.notify(ctx, Event{Kind: EventRejected, ConnID: connID, Reason: code, Recipients: 1})
}

func (r *Relay) notify(ctx context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = r.now().UTC()
	}
	ev.Online = r.registry.Len()
	ev.Named = r.registry.Named()
	for _, o := range r.observers {
		o.Observe(ctx, ev)
	}
}
