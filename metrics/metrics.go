// Package metrics exposes the router's Prometheus instrumentation. All
// collectors are registered on a dedicated registry so embedding
// applications keep control of their default registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var registry = prometheus.NewRegistry()

var (
	// Connection metrics
	ConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wskit_connections_total",
		Help: "Total number of WebSocket connections accepted",
	})

	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "wskit_connections_active",
		Help: "Current number of active WebSocket connections",
	})

	DisconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wskit_disconnects_total",
		Help: "Total disconnections by reason and who initiated",
	}, []string{"reason", "initiated_by"})

	// Message metrics
	MessagesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wskit_messages_received_total",
		Help: "Total number of frames received from clients",
	})

	MessagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wskit_messages_sent_total",
		Help: "Total number of frames sent to clients",
	})

	BytesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wskit_bytes_received_total",
		Help: "Total number of bytes received from clients",
	})

	BytesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wskit_bytes_sent_total",
		Help: "Total number of bytes sent to clients",
	})

	// Dispatch metrics
	DispatchErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wskit_dispatch_errors_total",
		Help: "Non-fatal dispatch errors by kind",
	}, []string{"kind"})

	RateLimitedMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wskit_rate_limited_messages_total",
		Help: "Total number of inbound frames dropped by rate limiting",
	})

	// RPC metrics
	RPCInflight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "wskit_rpc_inflight",
		Help: "Current number of in-flight RPC requests across connections",
	})

	RPCAborted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wskit_rpc_aborted_total",
		Help: "Total number of RPCs cancelled by clients",
	})

	// Pub/sub metrics
	PublishesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wskit_publishes_total",
		Help: "Total publishes by result capability or error code",
	}, []string{"result"})

	HeartbeatTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wskit_heartbeat_timeouts_total",
		Help: "Total connections closed for missing pong deadlines",
	})
)

func init() {
	registry.MustRegister(
		ConnectionsTotal,
		ConnectionsActive,
		DisconnectsTotal,
		MessagesReceived,
		MessagesSent,
		BytesReceived,
		BytesSent,
		DispatchErrors,
		RateLimitedMessages,
		RPCInflight,
		RPCAborted,
		PublishesTotal,
		HeartbeatTimeouts,
	)
}

// Handler returns the scrape endpoint for the router's registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
