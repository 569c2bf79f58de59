package download

import "github.com/prometheus/client_golang/prometheus"

var (
	downloadsStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "hubd",
			Subsystem: "download",
			Name:      "started_total",
			Help:      "Total download attempts started",
		},
	)

	downloadsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hubd",
			Subsystem: "download",
			Name:      "finished_total",
			Help:      "Total download attempts finished, by outcome",
		},
		[]string{"outcome"},
	)

	downloadedBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "hubd",
			Subsystem: "download",
			Name:      "bytes_total",
			Help:      "Total bytes written to local storage",
		},
	)
)

func init() {
	prometheus.MustRegister(downloadsStarted, downloadsFinished, downloadedBytes)
}
