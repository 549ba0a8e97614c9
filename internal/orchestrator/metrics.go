package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orch_requests_total",
		Help: "Sequencer RPCs handled, by method and status code",
	}, []string{"method", "code"})

	metricRequestMS = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "orch_request_ms",
		Help:    "Sequencer RPC latency",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
	}, []string{"method"})

	metricAuthFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orch_auth_failures_total",
		Help: "Sequencer RPCs rejected by token checks",
	}, []string{"reason"})
)
