package loop

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricTurns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loop_turns_total",
		Help: "Session turns taken, by trigger",
	}, []string{"trigger"})

	metricBargeIns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loop_barge_in_events_total",
		Help: "Total barge-in stop events triggered",
	})

	metricAutoContinues = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loop_auto_continues_total",
		Help: "Turns taken automatically after an uninterrupted fragment",
	})
)
