package transfers

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	transfersDecoded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "usdcindexer_transfers_decoded_total",
			Help: "Total number of Transfer events decoded",
		},
	)

	logsSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usdcindexer_transfers_logs_skipped_total",
			Help: "Total number of logs skipped by the transfer handler",
		},
		[]string{"reason"},
	)
)

func decodedAdd(n int) {
	transfersDecoded.Add(float64(n))
}

func skippedInc(reason string) {
	logsSkipped.WithLabelValues(reason).Inc()
}
