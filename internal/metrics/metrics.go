package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SyncCycles counts finished cycles by job and result (success|error|busy).
	SyncCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledgersync_sync_cycles_total",
			Help: "Total number of sync cycles",
		},
		[]string{"job", "result"},
	)

	// SyncRows counts rows handled by cycles, by outcome (inserted|ignored|skipped).
	SyncRows = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledgersync_sync_rows_total",
			Help: "Rows handled by sync cycles by outcome",
		},
		[]string{"job", "outcome"},
	)

	// SyncDuration measures cycle latency.
	SyncDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ledgersync_sync_duration_seconds",
			Help:    "Sync cycle duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"job"},
	)

	// CachedRows tracks the row count of each cache table after its last cycle.
	CachedRows = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ledgersync_cached_rows",
			Help: "Rows held in the local cache",
		},
		[]string{"job"},
	)
)

// ObserveCycle records the outcome of one cycle.
func ObserveCycle(job, result string, d time.Duration, inserted, ignored, skipped, cached int) {
	SyncCycles.WithLabelValues(job, result).Inc()
	SyncDuration.WithLabelValues(job).Observe(d.Seconds())
	if result != "success" {
		return
	}
	SyncRows.WithLabelValues(job, "inserted").Add(float64(inserted))
	SyncRows.WithLabelValues(job, "ignored").Add(float64(ignored))
	SyncRows.WithLabelValues(job, "skipped").Add(float64(skipped))
	CachedRows.WithLabelValues(job).Set(float64(cached))
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
