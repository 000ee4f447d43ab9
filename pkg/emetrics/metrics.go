/*
Package emetrics exposes the environment's Prometheus metrics: package-
level collectors registered once at import time, plus a Timer helper for
recording durations, following pkg/metrics/metrics.go's layout.
*/
package emetrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cache / eviction metrics
	CacheResidentBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "logkv_cache_resident_bytes",
			Help: "Estimated bytes of resident B-tree nodes, including their keys and resident LN values",
		},
	)

	EvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "logkv_evictions_total",
			Help: "Total number of LN values stripped from resident nodes by the evictor",
		},
	)

	// Lock manager metrics
	LockWaitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "logkv_lock_wait_duration_seconds",
			Help:    "Time spent waiting to acquire a record or handle lock",
			Buckets: prometheus.DefBuckets,
		},
	)

	DeadlocksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "logkv_deadlocks_total",
			Help: "Total number of deadlocks detected and resolved by victim selection",
		},
	)

	// Transaction metrics
	TxnCommitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "logkv_txn_commits_total",
			Help: "Total number of committed transactions",
		},
	)

	TxnAbortsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "logkv_txn_aborts_total",
			Help: "Total number of aborted transactions",
		},
	)

	TxnCommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "logkv_txn_commit_duration_seconds",
			Help:    "Time from Commit() call to lock release, including any fsync",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Cleaner metrics
	CleanerUtilization = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "logkv_cleaner_utilization_ratio",
			Help: "Average live-byte fraction across the log segment candidates of the most recent cleaner cycle",
		},
	)

	CleanerFilesReclaimedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "logkv_cleaner_files_reclaimed_total",
			Help: "Total number of log segment files reclaimed after finalization",
		},
	)

	// Compressor metrics
	CompressorEntriesRemovedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "logkv_compressor_entries_removed_total",
			Help: "Total number of known-deleted BIN entries physically removed",
		},
	)

	// Checkpoint metrics
	CheckpointDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "logkv_checkpoint_duration_seconds",
			Help:    "Time taken to complete a checkpoint cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	CheckpointsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "logkv_checkpoints_total",
			Help: "Total number of completed checkpoints",
		},
	)
)

func init() {
	prometheus.MustRegister(
		CacheResidentBytes,
		EvictionsTotal,
		LockWaitDuration,
		DeadlocksTotal,
		TxnCommitsTotal,
		TxnAbortsTotal,
		TxnCommitDuration,
		CleanerUtilization,
		CleanerFilesReclaimedTotal,
		CompressorEntriesRemovedTotal,
		CheckpointDuration,
		CheckpointsTotal,
	)
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations against a histogram.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer, capturing the current time.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
