package archive

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ArchiveRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usdcindexer_archive_requests_total",
			Help: "Total number of archive gateway requests by endpoint",
		},
		[]string{"endpoint"},
	)

	ArchiveErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usdcindexer_archive_errors_total",
			Help: "Total number of failed archive gateway requests by endpoint",
		},
		[]string{"endpoint"},
	)

	ArchiveDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "usdcindexer_archive_request_duration_seconds",
			Help:    "Duration of archive gateway requests",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		},
		[]string{"endpoint"},
	)

	ArchiveBlocks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "usdcindexer_archive_blocks_total",
			Help: "Total number of blocks received from the archive",
		},
	)
)

func ArchiveRequestInc(endpoint string) {
	ArchiveRequests.WithLabelValues(endpoint).Inc()
}

func ArchiveRequestDuration(endpoint string, d time.Duration) {
	ArchiveDuration.WithLabelValues(endpoint).Observe(d.Seconds())
}

func ArchiveErrorInc(endpoint string) {
	ArchiveErrors.WithLabelValues(endpoint).Inc()
}

func ArchiveBlocksAdd(n int) {
	ArchiveBlocks.Add(float64(n))
}
