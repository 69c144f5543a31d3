package feed

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tally_feed_connections",
		Help: "Open feed connections.",
	})

	messagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tally_feed_messages_sent_total",
		Help: "Frames queued to feed connections, by message type.",
	}, []string{"type"})

	requestsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tally_feed_requests_total",
		Help: "Frames received from feed connections, by request type.",
	}, []string{"type"})

	slowClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tally_feed_slow_clients_total",
		Help: "Connections dropped because their send buffer was full.",
	})
)
