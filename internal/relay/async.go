package relay

import (
	"context"
	"log"
	"sync/atomic"
)

// AsyncObserver delivers events to a wrapped Observer from its own goroutine,
// so a slow sink (a database, a remote cache) never holds up the relay. The
// queue is bounded: when it is full the event is dropped and counted.
type AsyncObserver struct {
	name    string
	next    Observer
	events  chan Event
	dropped atomic.Int64
	onDrop  func(name string)
	done    chan struct{}
}

// AsyncOption configures an AsyncObserver.
type AsyncOption func(*AsyncObserver)

// WithDropHook registers fn to be called, with the observer's name, for every
// dropped event.
func WithDropHook(fn func(name string)) AsyncOption {
	return func(a *AsyncObserver) {
		a.onDrop = fn
	}
}

// NewAsyncObserver wraps next behind a queue of queueSize events. Run must be
// started for events to be delivered.
func NewAsyncObserver(name string, next Observer, queueSize int, opts ...AsyncOption) *AsyncObserver {
	if queueSize <= 0 {
		queueSize = 1
	}
	a := &AsyncObserver{
		name:   name,
		next:   next,
		events: make(chan Event, queueSize),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Observe implements Observer. It never blocks.
func (a *AsyncObserver) Observe(_ context.Context, ev Event) {
	select {
	case a.events <- ev:
	default:
		n := a.dropped.Add(1)
		if a.onDrop != nil {
			a.onDrop(a.name)
		}
		if n == 1 || n%1000 == 0 {
			log.Printf("relay: %s observer falling behind, %d events dropped", a.name, n)
		}
	}
}

// Run hands queued events to the wrapped observer until ctx is done. Events
// still queued at that point are delivered before Run returns.
func (a *AsyncObserver) Run(ctx context.Context) {
	defer close(a.done)

	for {
		select {
		case ev := <-a.events:
			a.next.Observe(ctx, ev)
		case <-ctx.Done():
			flush := context.WithoutCancel(ctx)
			for {
				select {
				case ev := <-a.events:
					a.next.Observe(flush, ev)
				default:
					return
				}
			}
		}
	}
}

// Done is closed when Run returns.
func (a *AsyncObserver) Done() <-chan struct{} {
	return a.done
}

// Dropped returns how many events were discarded because the queue was full.
func (a *AsyncObserver) Dropped() int64 {
	return a.dropped.Load()
}
