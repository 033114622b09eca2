package rpc

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RPCRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usdcindexer_rpc_requests_total",
			Help: "Total number of live node RPC requests by method",
		},
		[]string{"method"},
	)

	RPCErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usdcindexer_rpc_errors_total",
			Help: "Total number of live node RPC errors by method and type",
		},
		[]string{"method", "error_type"},
	)

	RPCDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "usdcindexer_rpc_request_duration_seconds",
			Help:    "Duration of live node RPC requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	FetchRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usdcindexer_fetch_retries_total",
			Help: "Total number of retried fetch attempts by operation",
		},
		[]string{"operation"},
	)

	FetchExhausted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usdcindexer_fetch_exhausted_total",
			Help: "Total number of fetch operations that ran out of retry budget",
		},
		[]string{"operation"},
	)
)

func RPCMethodInc(method string) {
	RPCRequests.WithLabelValues(method).Inc()
}

func RPCMethodDuration(method string, duration time.Duration) {
	RPCDuration.WithLabelValues(method).Observe(duration.Seconds())
}

func RPCMethodError(method, errorType string) {
	RPCErrors.WithLabelValues(method, errorType).Inc()
}

func RPCRetryInc(operation string) {
	FetchRetries.WithLabelValues(operation).Inc()
}

func RPCExhaustedInc(operation string) {
	FetchExhausted.WithLabelValues(operation).Inc()
}
