package workerws

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricMessagesIn = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "worker_messages_in_total",
		Help: "Messages received from workers, by type",
	}, []string{"type"})

	metricMessagesOut = promauto.NewCounter(prometheus.CounterOpts{
		Name: "worker_messages_out_total",
		Help: "Messages written to workers",
	})

	// Shared with the dispatcher, which rejects well-formed but unusable payloads.
	MetricSignalsInvalid = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tutor_signals_invalid_total",
		Help: "Signal channel messages ignored as malformed or throttled",
	}, []string{"reason"})

	metricConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "worker_connections",
		Help: "Open worker websocket connections",
	})
)
