package hub

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "herald"

var (
	activeConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "connections",
			Help:      "Number of live connections",
		},
	)

	onlineUsers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "online_users",
			Help:      "Number of users with at least one live connection",
		},
	)

	activeGroups = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "groups",
			Help:      "Number of fanout groups",
		},
	)

	connectionsOpened = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "connections_opened_total",
			Help:      "Total connections registered",
		},
	)

	connectionsClosed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "connections_closed_total",
			Help:      "Total connections unregistered",
		},
	)

	messagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "messages_sent_total",
			Help:      "Total payloads delivered to connections by fanout kind",
		},
		[]string{"kind"},
	)

	sendErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "send_errors_total",
			Help:      "Total failed payload deliveries",
		},
	)
)

func recordConnectionOpened() {
	connectionsOpened.Inc()
}

func recordConnectionClosed() {
	connectionsClosed.Inc()
}

func recordMessagesSent(kind string, count int) {
	messagesSent.WithLabelValues(kind).Add(float64(count))
}

func recordSendError() {
	sendErrors.Inc()
}

func setRegistryGauges(connections, users, groups int) {
	activeConnections.Set(float64(connections))
	onlineUsers.Set(float64(users))
	activeGroups.Set(float64(groups))
}
