package coordinator

import "github.com/prometheus/client_golang/prometheus"

var (
	joinsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chess_coordinator_joins_total",
			Help: "Total successful room joins.",
		},
	)
	joinsRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chess_coordinator_joins_rejected_total",
			Help: "Total joins silently rejected because the room was full.",
		},
	)
	relaysTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chess_coordinator_relays_total",
			Help: "Total events relayed to an opponent.",
		},
	)
	relaysDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chess_coordinator_relays_dropped_total",
			Help: "Total events dropped because no opponent was reachable.",
		},
	)
	resetsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chess_coordinator_resets_total",
			Help: "Total game resets.",
		},
	)
	disconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chess_coordinator_disconnects_total",
			Help: "Total participant disconnects.",
		},
	)
	roomsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chess_coordinator_rooms",
			Help: "Current number of rooms.",
		},
	)
)

func init() {
	prometheus.MustRegister(joinsTotal, joinsRejected, relaysTotal, relaysDropped, resetsTotal, disconnectsTotal, roomsActive)
}
