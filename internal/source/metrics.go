package source

import (
	pkgsource "github.com/gonzalomelov/showcase01-all-usdc-transfers/pkg/source"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BlocksDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usdcindexer_source_blocks_delivered_total",
			Help: "Total number of blocks delivered by the block source, by feed",
		},
		[]string{"mode"},
	)

	PrefetchedChunks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "usdcindexer_source_prefetched_chunks_total",
			Help: "Total number of archive chunks fetched ahead of delivery",
		},
	)

	ArchiveFrontier = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "usdcindexer_source_archive_frontier",
			Help: "Highest block served by the archive gateway",
		},
	)

	HandOffs = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "usdcindexer_source_handoffs_total",
			Help: "Total number of switches from the archive feed to the live feed",
		},
	)

	Rewinds = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "usdcindexer_source_rewinds_total",
			Help: "Total number of cursor rewinds",
		},
	)
)

func BlocksDeliveredInc(mode pkgsource.Mode) {
	BlocksDelivered.WithLabelValues(string(mode)).Inc()
}

func PrefetchedChunksInc() {
	PrefetchedChunks.Inc()
}

func ArchiveFrontierSet(h uint64) {
	ArchiveFrontier.Set(float64(h))
}

func HandOffInc() {
	HandOffs.Inc()
}

func RewindsInc() {
	Rewinds.Inc()
}
