// Package metrics provides Prometheus instrumentation for the presence
// relay. It exposes gauges for connection and roster counts, counters for
// event throughput and drops, and a histogram for broadcast fan-out.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// EventsTotal counts processed client events, labeled by event type and
	// disposition: "relayed", "dropped" (rate limited) or "rejected" (invalid).
	EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_events_total",
		Help: "Total number of client events processed",
	}, []string{"event", "disposition"})

	// BroadcastFanout records how many connections each broadcast reached.
	BroadcastFanout = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_broadcast_fanout",
		Help:    "Number of connections reached per broadcast",
		Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250},
	})

	// MessagesArchived counts chat messages handed to the async archive writer.
	MessagesArchived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_messages_archived_total",
		Help: "Total number of chat messages queued for archival",
	})

	// SessionsResumed counts connects, labeled "new" or "resumed".
	SessionsResumed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_sessions_total",
		Help: "Total number of session resolutions",
	}, []string{"kind"}) // kind = "new", "resumed"
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		EventsTotal,
		BroadcastFanout,
		MessagesArchived,
		SessionsResumed,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
