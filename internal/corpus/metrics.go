package corpus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricFragmentsDropped = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "corpus_fragments_dropped",
		Help: "Fragments discarded because they preceded the first heading",
	})

	metricFragmentsTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "corpus_fragments_total",
		Help: "Fragments indexed into sections",
	})
)
