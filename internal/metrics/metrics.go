// Package metrics provides Prometheus instrumentation for the chat
// transport. It exposes gauges for connection, room, and presence counts,
// counters for message throughput and dropped events, and histograms for
// latency tracking.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "parley_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// ActiveRooms tracks the number of rooms with at least one local subscriber.
	ActiveRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "parley_active_rooms",
		Help: "Current number of rooms with live subscribers",
	})

	// OnlineUsers tracks the number of distinct online users on this instance.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "parley_online_users",
		Help: "Current number of distinct online users",
	})

	// MessagesTotal counts the messages processed, labeled by
	// type: "sent", "delivered", or "rejected".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_messages_total",
		Help: "Total number of messages processed",
	}, []string{"type"}) // type = "sent", "delivered", "rejected"

	// EventsDroppedTotal counts events dropped from per-connection outbound
	// queues because the consumer was too slow.
	EventsDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "parley_events_dropped_total",
		Help: "Total events dropped on slow consumer queues",
	})

	// MembershipDeniedTotal counts operations denied by the membership gate.
	MembershipDeniedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "parley_membership_denied_total",
		Help: "Total operations denied by the membership gate",
	})

	// TypingTransitionsTotal counts typing state transitions, labeled by
	// direction: "start" or "stop".
	TypingTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_typing_transitions_total",
		Help: "Total typing indicator transitions",
	}, []string{"direction"})

	// PersistLatency records message persistence latency in seconds.
	PersistLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "parley_persist_latency_seconds",
		Help:    "Message persistence latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// HistoryFetchLatency records history page fetch latency in seconds.
	HistoryFetchLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "parley_history_fetch_latency_seconds",
		Help:    "History page fetch latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		ActiveRooms,
		OnlineUsers,
		MessagesTotal,
		EventsDroppedTotal,
		MembershipDeniedTotal,
		TypingTransitionsTotal,
		PersistLatency,
		HistoryFetchLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
