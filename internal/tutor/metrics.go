package tutor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricDirectives = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tutor_directives_total",
		Help: "Directives returned by Advance",
	}, []string{"mode", "kind"})

	metricFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tutor_fallbacks_total",
		Help: "Advance calls answered with the apology fallback",
	})

	metricSessionFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tutor_session_failures_total",
		Help: "Sessions stopped by a state invariant violation",
	})

	metricMilestones = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tutor_milestones_total",
		Help: "Milestone announcements attached to delivered fragments",
	}, []string{"threshold"})

	metricCompletions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tutor_completions_total",
		Help: "Sessions that reached the end of the material",
	})

	metricSignals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tutor_signals_total",
		Help: "Out-of-band signals applied to sessions",
	}, []string{"signal"})
)
