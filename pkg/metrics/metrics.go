// Package metrics provides performance tracking and observability for
// Prism using Prometheus metrics. It offers collectors for executions,
// cache effectiveness, retries, and connection pool utilization.
//
// Metrics are registered automatically via promauto; components record
// through the package-level vectors:
//
//	metrics.ExecutionsTotal.WithLabelValues("directory", "completed").Inc()
//
//	timer := metrics.NewTimer()
//	rows := run(query)
//	metrics.ExecutionDuration.WithLabelValues("directory").Observe(timer.Stop().Seconds())
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ExecutionsTotal counts query executions by source and terminal status.
	ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "prism",
			Name:      "executions_total",
			Help:      "Total query executions by source and terminal status",
		},
		[]string{"source", "status"},
	)

	// ExecutionDuration tracks end-to-end execution latency per source.
	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "prism",
			Name:      "execution_duration_seconds",
			Help:      "End-to-end query execution latency",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		},
		[]string{"source"},
	)

	// RowsFetched counts normalized rows fetched from backends.
	RowsFetched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "prism",
			Name:      "rows_fetched_total",
			Help:      "Normalized rows fetched from backends",
		},
		[]string{"source"},
	)

	// PagesFetched counts backend page fetches.
	PagesFetched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "prism",
			Name:      "pages_fetched_total",
			Help:      "Backend result pages fetched",
		},
		[]string{"source"},
	)

	// RetriesTotal counts transient-error retries per source.
	RetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "prism",
			Name:      "retries_total",
			Help:      "Transient backend errors retried",
		},
		[]string{"source"},
	)

	// CacheHits counts result cache hits by source.
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "prism",
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Result cache hits",
		},
		[]string{"source"},
	)

	// CacheMisses counts result cache misses by source.
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "prism",
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Result cache misses",
		},
		[]string{"source"},
	)

	// CacheSharedComputes counts callers that attached to an in-flight
	// compute instead of triggering their own backend execution.
	CacheSharedComputes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "prism",
			Subsystem: "cache",
			Name:      "shared_computes_total",
			Help:      "Concurrent identical requests served by one in-flight compute",
		},
		[]string{"source"},
	)

	// PoolActiveConns gauges active connections per pool scope.
	PoolActiveConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "prism",
			Subsystem: "pool",
			Name:      "active_connections",
			Help:      "Active backend connections",
		},
		[]string{"source"},
	)

	// PoolIdleConns gauges idle connections per pool scope.
	PoolIdleConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "prism",
			Subsystem: "pool",
			Name:      "idle_connections",
			Help:      "Idle pooled backend connections",
		},
		[]string{"source"},
	)

	// CatalogRefreshes counts field catalog discoveries by source and outcome.
	CatalogRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "prism",
			Subsystem: "catalog",
			Name:      "refreshes_total",
			Help:      "Field catalog discoveries by outcome",
		},
		[]string{"source", "outcome"},
	)
)

// Timer measures elapsed time for an operation.
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Stop returns the elapsed time since the timer started.
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}
