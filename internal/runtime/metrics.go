package runtime

import "github.com/prometheus/client_golang/prometheus"

var (
	loadsStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "hubd",
			Subsystem: "runtime",
			Name:      "loads_started_total",
			Help:      "Total admitted load attempts",
		},
	)

	loadsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hubd",
			Subsystem: "runtime",
			Name:      "loads_finished_total",
			Help:      "Total load attempts finished, by outcome",
		},
		[]string{"outcome"},
	)

	residentAssets = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "hubd",
			Subsystem: "runtime",
			Name:      "resident_assets",
			Help:      "Assets currently loaded on the inference server",
		},
	)
)

func init() {
	prometheus.MustRegister(loadsStarted, loadsFinished, residentAssets)
}
