package db

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	compactions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usdcindexer_sqlite_compactions_total",
			Help: "Journal compactions by outcome",
		},
		[]string{"status"},
	)

	compactionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "usdcindexer_sqlite_compaction_duration_seconds",
			Help:    "Duration of WAL checkpoint plus VACUUM",
			Buckets: prometheus.DefBuckets,
		},
	)

	compactionReclaimed = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "usdcindexer_sqlite_compaction_reclaimed_bytes",
			Help: "Bytes freed by the last compaction",
		},
	)

	reclaimedRows = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "usdcindexer_sqlite_journal_reclaimed_rows",
			Help: "Journal rows removed by prunes and rollbacks since the last compaction",
		},
	)

	journalRows = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "usdcindexer_sqlite_journal_rows",
			Help: "Rows currently retained in the checkpoint journal",
		},
		[]string{"table"},
	)

	dbSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "usdcindexer_sqlite_db_size_bytes",
			Help: "Size of the database file with its -wal and -shm companions",
		},
	)
)

// CompactionLog records the outcome of one compaction.
func CompactionLog(duration time.Duration, err error, reclaimedBytes int64) {
	compactionDuration.Observe(duration.Seconds())
	if err != nil {
		compactions.WithLabelValues("error").Inc()
		return
	}
	compactions.WithLabelValues("success").Inc()
	compactionReclaimed.Set(float64(reclaimedBytes))
}

func ReclaimedRowsSet(rows int64) {
	reclaimedRows.Set(float64(rows))
}

// JournalRowsSet publishes the retained row counts of the checkpoint and undo tables.
func JournalRowsSet(checkpoints, undo int64) {
	journalRows.WithLabelValues("checkpoints").Set(float64(checkpoints))
	journalRows.WithLabelValues("checkpoint_undo").Set(float64(undo))
}

func DBSizeSet(sizeBytes int64) {
	dbSize.Set(float64(sizeBytes))
}
