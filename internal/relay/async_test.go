package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/whisper/lobby/internal/protocol"
)

type recordingObserver struct {
	mu     sync.Mutex
	events []Event
}

func (o *recordingObserver) Observe(_ context.Context, ev Event) {
	o.mu.Lock()
	o.events = append(o.events, ev)
	o.mu.Unlock()
}

func (o *recordingObserver) kinds() []EventKind {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]EventKind, 0, len(o.events))
	for _, ev := range o.events {
		out = append(out, ev.Kind)
	}
	return out
}

func TestAsyncObserver_DeliversInOrder(t *testing.T) {
	rec := &recordingObserver{}
	a := NewAsyncObserver("test", rec, 8)

	ctx, cancel := context.WithCancel(context.Background())
	go a.Run(ctx)

	a.Observe(ctx, Event{Kind: EventConnected})
	a.Observe(ctx, Event{Kind: EventJoined})
	a.Observe(ctx, Event{Kind: EventDisconnected})

	require.Eventually(t, func() bool { return len(rec.kinds()) == 3 }, time.Second, 5*time.Millisecond)
	require.Equal(t, []EventKind{EventConnected, EventJoined, EventDisconnected}, rec.kinds())

	cancel()
	<-a.Done()
	require.Zero(t, a.Dropped())
}

func TestAsyncObserver_FlushesQueuedEventsOnStop(t *testing.T) {
	rec := &recordingObserver{}
	a := NewAsyncObserver("test", rec, 8)

	ctx, cancel := context.WithCancel(context.Background())
	a.Observe(ctx, Event{Kind: EventConnected})
	a.Observe(ctx, Event{Kind: EventDisconnected})
	cancel()

	a.Run(ctx)
	require.Equal(t, []EventKind{EventConnected, EventDisconnected}, rec.kinds())
}

// A sink that stops responding must not delay delivery of chat frames.
func TestAsyncObserver_SlowSinkDoesNotDelayBroadcasts(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	slow := ObserverFunc(func(context.Context, Event) {
		select {
		case <-release:
		case <-time.After(10 * time.Second):
		}
	})

	var droppedBy []string
	var mu sync.Mutex
	sink := NewAsyncObserver("slow", slow, 2, WithDropHook(func(name string) {
		mu.Lock()
		droppedBy = append(droppedBy, name)
		mu.Unlock()
	}))

	r, em := newTestRelay(WithObserver(sink), WithQueueSize(64))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sink.Run(ctx)
	go r.Run(ctx)

	require.NoError(t, r.Submit(ctx, Connect{ConnID: "a"}))
	for i := 0; i < 20; i++ {
		require.NoError(t, r.Submit(ctx, SendMessage{ConnID: "a", Text: "hi"}))
	}

	require.Eventually(t, func() bool {
		return len(em.ofType("a", protocol.TypeMessage)) == 20
	}, time.Second, 5*time.Millisecond)

	require.Positive(t, sink.Dropped())
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(droppedBy) > 0 && droppedBy[0] == "slow"
	}, time.Second, 5*time.Millisecond)
}
