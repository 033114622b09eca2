package sequencer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	batchesFlushed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usdcindexer_sequencer_batches_total",
			Help: "Total number of batches delivered, by flush reason",
		},
		[]string{"reason"},
	)

	batchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "usdcindexer_sequencer_batch_blocks",
			Help:    "Number of blocks per delivered batch",
			Buckets: prometheus.ExponentialBuckets(1, 4, 7),
		},
	)

	pendingBlocks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "usdcindexer_sequencer_pending_blocks",
			Help: "Number of blocks waiting for a flush",
		},
	)

	discardedBlocks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "usdcindexer_sequencer_discarded_blocks_total",
			Help: "Total number of pending blocks discarded by a rollback",
		},
	)

	rollbacksDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "usdcindexer_sequencer_rollbacks_total",
			Help: "Total number of rollbacks delivered to the sink",
		},
	)
)

func BatchFlushedLog(reason string, blocks int) {
	batchesFlushed.WithLabelValues(reason).Inc()
	batchSize.Observe(float64(blocks))
}
