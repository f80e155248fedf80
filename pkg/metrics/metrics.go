package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ActiveConnections tracks the number of open WebSocket connections.
	ActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_active_connections",
			Help: "Number of open WebSocket connections",
		},
	)

	// ActiveRooms tracks the number of live rooms.
	ActiveRooms = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_active_rooms",
			Help: "Number of rooms with at least one member",
		},
	)

	// BroadcastsDropped counts fanout messages dropped because a member's
	// outbound mailbox was full.
	BroadcastsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_broadcasts_dropped_total",
			Help: "Fanout messages dropped due to a full member mailbox",
		},
	)

	// BusPublishFailures counts failed publishes to the message bus.
	BusPublishFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_bus_publish_failures_total",
			Help: "Failed publishes to the message bus",
		},
	)

	// HeartbeatTimeouts counts connections closed for missed liveness.
	HeartbeatTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_heartbeat_timeouts_total",
			Help: "Connections closed after a heartbeat timeout",
		},
	)
)

func init() {
	prometheus.MustRegister(
		ActiveConnections,
		ActiveRooms,
		BroadcastsDropped,
		BusPublishFailures,
		HeartbeatTimeouts,
	)
}

// Handler returns the HTTP handler serving the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
