package metrics

import (
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Store metrics
	storeOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usdcindexer_store_operations_total",
			Help: "Total number of checkpointed store operations",
		},
		[]string{"backend", "operation"},
	)

	storeOpTime = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "usdcindexer_store_operation_duration_seconds",
			Help:    "Duration of checkpointed store operations",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	storeErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usdcindexer_store_errors_total",
			Help: "Total number of checkpointed store errors",
		},
		[]string{"backend", "operation"},
	)

	// Ingestion metrics
	LastCommittedHeight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "usdcindexer_last_committed_height",
			Help: "The last block height durably committed to the store",
		},
	)

	ChainHead = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "usdcindexer_chain_head_height",
			Help: "The highest chain height observed by the block source",
		},
	)

	BlocksCommitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "usdcindexer_blocks_committed_total",
			Help: "Total number of blocks committed",
		},
	)

	MutationsCommitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "usdcindexer_mutations_committed_total",
			Help: "Total number of record mutations committed",
		},
	)

	BatchProcessingTime = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "usdcindexer_batch_processing_duration_seconds",
			Help:    "Time taken to handle and commit one batch",
			Buckets: prometheus.DefBuckets,
		},
	)

	Rollbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "usdcindexer_rollbacks_total",
			Help: "Total number of store rollbacks applied",
		},
	)

	RunnerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "usdcindexer_runner_state",
			Help: "Current runner state (1 for the active state)",
		},
		[]string{"state"},
	)

	// System metrics
	Uptime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "usdcindexer_uptime_seconds",
			Help: "Application uptime in seconds",
		},
	)

	Errors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usdcindexer_errors_total",
			Help: "Total number of errors by component and severity",
		},
		[]string{"component", "severity"},
	)

	ComponentHealth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "usdcindexer_component_health",
			Help: "Component health status (1=healthy, 0=unhealthy)",
		},
		[]string{"component"},
	)

	Goroutines = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "usdcindexer_goroutines",
			Help: "Number of active goroutines",
		},
	)

	MemoryUsage = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "usdcindexer_memory_usage_bytes",
			Help: "Memory usage statistics",
		},
		[]string{"type"},
	)

	startTime = time.Now()
)

// StoreOpObserve records one store operation and its outcome.
func StoreOpObserve(backend, operation string, start time.Time, err error) {
	storeOps.WithLabelValues(backend, operation).Inc()
	storeOpTime.WithLabelValues(backend, operation).Observe(time.Since(start).Seconds())
	if err != nil {
		storeErrors.WithLabelValues(backend, operation).Inc()
	}
}

func ErrorsInc(component, severity string) {
	Errors.WithLabelValues(component, severity).Inc()
}

func ComponentHealthSet(component string, healthy bool) {
	boolAsFloat := float64(1)
	if !healthy {
		boolAsFloat = 0
	}

	ComponentHealth.WithLabelValues(component).Set(boolAsFloat)
}

// RunnerStateSet marks state as the only active runner state.
func RunnerStateSet(state string, all []string) {
	for _, s := range all {
		v := float64(0)
		if s == state {
			v = 1
		}
		RunnerState.WithLabelValues(s).Set(v)
	}
}

// UpdateSystemMetrics updates runtime system metrics.
func UpdateSystemMetrics() {
	Uptime.Set(time.Since(startTime).Seconds())

	Goroutines.Set(float64(runtime.NumGoroutine()))

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	MemoryUsage.WithLabelValues("alloc").Set(float64(m.Alloc))
	MemoryUsage.WithLabelValues("sys").Set(float64(m.Sys))
	MemoryUsage.WithLabelValues("heap_inuse").Set(float64(m.HeapInuse))
}
