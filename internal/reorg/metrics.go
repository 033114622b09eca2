package reorg

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	reorgsDetected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "usdcindexer_reorgs_detected_total",
			Help: "Total number of blockchain reorganizations detected",
		},
	)

	reorgDepth = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "usdcindexer_reorg_depth_blocks",
			Help:    "Depth of blockchain reorganizations in blocks",
			Buckets: []float64{1, 2, 3, 5, 10, 20, 50, 75},
		},
	)

	reorgLastDetected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "usdcindexer_reorg_last_detected_timestamp",
			Help: "Unix timestamp of last reorg detection",
		},
	)

	deepReorgs = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "usdcindexer_deep_reorgs_total",
			Help: "Total number of reorganizations deeper than the confirmation window",
		},
	)

	windowSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "usdcindexer_reorg_window_size",
			Help: "Number of headers held in the reorg window",
		},
	)
)

func ReorgDetectedLog(depth uint64) {
	reorgsDetected.Inc()
	reorgDepth.Observe(float64(depth))
	reorgLastDetected.Set(float64(time.Now().UTC().Unix()))
}

func DeepReorgInc() {
	deepReorgs.Inc()
}

func WindowSizeSet(n int) {
	windowSize.Set(float64(n))
}
