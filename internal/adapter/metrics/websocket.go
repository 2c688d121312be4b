package metrics

import "github.com/prometheus/client_golang/prometheus"

// WebSocketMetrics holds Prometheus metrics for viewer connections.
type WebSocketMetrics struct {
	ActiveConnections  prometheus.Gauge
	MessagesPublished  *prometheus.CounterVec
	Broadcasts         prometheus.Counter
	RefusedConnections prometheus.Counter
	EvictedClients     *prometheus.CounterVec
}

// NewWebSocketMetrics creates and registers WebSocket metrics on the given registry.
func NewWebSocketMetrics(reg prometheus.Registerer) *WebSocketMetrics {
	m := &WebSocketMetrics{
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "active_connections",
			Help:      "Number of active WebSocket connections.",
		}),
		MessagesPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "messages_published_total",
			Help:      "Total number of WebSocket messages queued, by message type.",
		}, []string{"type"}),
		Broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "broadcasts_total",
			Help:      "Total number of ranking broadcasts fanned out.",
		}),
		RefusedConnections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "refused_connections_total",
			Help:      "Total number of connections refused at capacity.",
		}),
		EvictedClients: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "evicted_clients_total",
			Help:      "Total number of clients removed by the server, by reason.",
		}, []string{"reason"}),
	}

	reg.MustRegister(m.ActiveConnections, m.MessagesPublished, m.Broadcasts, m.RefusedConnections, m.EvictedClients)
	return m
}
