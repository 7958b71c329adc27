// Package metrics provides Prometheus instrumentation for the relay. It
// exposes gauges for connection and named-user counts, counters for relay
// events and rejected actions, and a histogram of broadcast fan-out.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/whisper/lobby/internal/relay"
)

// Collectors holds the relay's metrics. Use New to register them on a
// registry; the zero value is not usable.
type Collectors struct {
	// Connections tracks the number of connections known to the relay.
	Connections prometheus.Gauge

	// NamedUsers tracks how many of those connections have set a name.
	NamedUsers prometheus.Gauge

	// Events counts handled relay events, labeled by kind.
	Events *prometheus.CounterVec

	// Rejected counts actions refused for invalid input, labeled by error code.
	Rejected *prometheus.CounterVec

	// Fanout records how many connections each broadcast was addressed to.
	Fanout prometheus.Histogram

	// ObserverDropped counts events an asynchronous observer had no room
	// for, labeled by observer.
	ObserverDropped *prometheus.CounterVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lobby_connections",
			Help: "Current number of connections registered with the relay",
		}),
		NamedUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lobby_named_users",
			Help: "Current number of connections that have set a display name",
		}),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lobby_events_total",
			Help: "Total number of relay events",
		}, []string{"kind"}),
		Rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lobby_rejected_total",
			Help: "Total number of actions rejected for invalid input",
		}, []string{"reason"}),
		Fanout: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "lobby_broadcast_fanout",
			Help:    "Recipients per broadcast frame",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),
		ObserverDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lobby_observer_dropped_total",
			Help: "Total number of relay events dropped by a lagging observer",
		}, []string{"observer"}),
	}

	reg.MustRegister(c.Connections, c.NamedUsers, c.Events, c.Rejected, c.Fanout, c.ObserverDropped)
	return c
}

// Observe implements relay.Observer.
func (c *Collectors) Observe(_ context.Context, ev relay.Event) {
	c.Connections.Set(float64(ev.Online))
	c.NamedUsers.Set(float64(ev.Named))
	c.Events.WithLabelValues(string(ev.Kind)).Inc()

	switch ev.Kind {
	case relay.EventRejected:
		c.Rejected.WithLabelValues(ev.Reason).Inc()
	case relay.EventJoined, relay.EventMessage, relay.EventLeft:
		c.Fanout.Observe(float64(ev.Recipients))
	}
}

// CountDropped records one event dropped by the named observer. It matches
// relay.WithDropHook.
func (c *Collectors) CountDropped(observer string) {
	c.ObserverDropped.WithLabelValues(observer).Inc()
}

// Handler returns the Prometheus metrics HTTP handler for the default
// registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor returns a metrics handler serving only g's metrics.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
