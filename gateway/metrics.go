package gateway

import "github.com/prometheus/client_golang/prometheus"

var (
	wsConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chess_coordinator_ws_connections",
			Help: "Current number of active websocket connections.",
		},
	)
	wsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chess_coordinator_ws_dropped_total",
			Help: "Total outbound messages dropped because a client's send buffer was full.",
		},
	)
)

func init() {
	prometheus.MustRegister(wsConnections, wsDropped)
}

func incConnections() {
	wsConnections.Inc()
}

func decConnections() {
	wsConnections.Dec()
}

func dropMessage() {
	wsDropped.Inc()
}
