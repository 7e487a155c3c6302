package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	ActiveConnections   prometheus.Gauge
	Connections         *prometheus.CounterVec
	PresenceTransitions *prometheus.CounterVec
	Broadcasts          *prometheus.CounterVec
	BroadcastFailures   *prometheus.CounterVec
	TypingEvents        *prometheus.CounterVec
	PaginationRequests  *prometheus.CounterVec
	StoreRetries        *prometheus.CounterVec
}

// NewMetrics registers the gateway collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "realtime_active_connections",
			Help: "Connections currently in the connected state on this instance",
		}),
		Connections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_connections_total",
			Help: "Connection attempts by result",
		}, []string{"result"}),
		PresenceTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_presence_transitions_total",
			Help: "Presence flag transitions observed by this instance",
		}, []string{"state"}),
		Broadcasts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_room_broadcasts_total",
			Help: "Room broadcasts by event",
		}, []string{"event"}),
		BroadcastFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_room_broadcast_failures_total",
			Help: "Per-room broadcast failures by event",
		}, []string{"event"}),
		TypingEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_typing_events_total",
			Help: "Typing signals by outcome",
		}, []string{"outcome"}),
		PaginationRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_pagination_requests_total",
			Help: "Message page requests by direction and outcome",
		}, []string{"direction", "outcome"}),
		StoreRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_store_retries_total",
			Help: "Ephemeral store operations retried after a transient failure",
		}, []string{"op"}),
	}
}
