// Package metrics provides Prometheus metrics for pagestore, adapted
// from the teacher's gRPC/document metrics: same promauto wiring,
// renamed to the storage engine's own operations (commits, WAL frames,
// checkpoints, cache, garbage collection).
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for pagestore.
type Metrics struct {
	// Transaction metrics
	CommitsTotal     *prometheus.CounterVec
	CommitDuration   prometheus.Histogram
	CommitBatchSize  prometheus.Histogram
	TxConflictsTotal prometheus.Counter

	// Pager metrics. CacheHits/CacheMisses are gauges, not counters:
	// they are periodically reset to the pager's cumulative totals
	// (sampled from Pager.CacheStats), not incremented per observation.
	PagerCacheHits   prometheus.Gauge
	PagerCacheMisses prometheus.Gauge
	PagerPagesInUse  prometheus.Gauge
	DbSizeBytes      prometheus.Gauge

	// WAL metrics
	WalFramesAppendedTotal prometheus.Counter
	WalFsyncTotal          prometheus.Counter
	WalFsyncDuration       prometheus.Histogram

	// Checkpoint and GC metrics
	CheckpointsTotal      prometheus.Counter
	CheckpointDuration    prometheus.Histogram
	GcRunsTotal           prometheus.Counter
	GcPagesReclaimedTotal prometheus.Counter

	// Server metrics
	ServerUptimeSeconds prometheus.Gauge
	ServerStartTime     time.Time
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		ServerStartTime: time.Now(),
	}

	m.CommitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pagestore_commits_total",
			Help: "Total number of transaction commit attempts by outcome",
		},
		[]string{"status"},
	)

	m.CommitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pagestore_commit_duration_seconds",
			Help:    "Duration of a transaction's commit, from submit to result",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	m.CommitBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pagestore_commit_batch_size",
			Help:    "Number of transactions processed together in one group commit",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64},
		},
	)

	m.TxConflictsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pagestore_tx_conflicts_total",
			Help: "Total number of commits aborted by a write-write conflict",
		},
	)

	m.PagerCacheHits = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pagestore_pager_cache_hits_total",
			Help: "Cumulative number of page reads served from the in-memory cache",
		},
	)

	m.PagerCacheMisses = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pagestore_pager_cache_misses_total",
			Help: "Cumulative number of page reads that fell through to disk",
		},
	)

	m.PagerPagesInUse = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pagestore_pager_pages_in_use",
			Help: "Current number of allocated pages not on the free list",
		},
	)

	m.DbSizeBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pagestore_db_size_bytes",
			Help: "Current data file size in bytes",
		},
	)

	m.WalFramesAppendedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pagestore_wal_frames_appended_total",
			Help: "Total number of WAL frames appended",
		},
	)

	m.WalFsyncTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pagestore_wal_fsync_total",
			Help: "Total number of WAL fsync calls",
		},
	)

	m.WalFsyncDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pagestore_wal_fsync_duration_seconds",
			Help:    "Duration of a single WAL fsync call",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1},
		},
	)

	m.CheckpointsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pagestore_checkpoints_total",
			Help: "Total number of checkpoints run",
		},
	)

	m.CheckpointDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pagestore_checkpoint_duration_seconds",
			Help:    "Duration of a checkpoint, including the WAL truncation",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5},
		},
	)

	m.GcRunsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pagestore_gc_runs_total",
			Help: "Total number of garbage-collection passes",
		},
	)

	m.GcPagesReclaimedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pagestore_gc_pages_reclaimed_total",
			Help: "Total number of pages released back to the free list by garbage collection",
		},
	)

	m.ServerUptimeSeconds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pagestore_uptime_seconds",
			Help: "Seconds since this Metrics instance was created",
		},
	)

	go m.updateUptime()

	return m
}

// updateUptime periodically updates the uptime gauge.
func (m *Metrics) updateUptime() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		m.ServerUptimeSeconds.Set(time.Since(m.ServerStartTime).Seconds())
	}
}

// RecordCommit records a completed or aborted commit.
func (m *Metrics) RecordCommit(status string, duration time.Duration) {
	m.CommitsTotal.WithLabelValues(status).Inc()
	m.CommitDuration.Observe(duration.Seconds())
	if status == "conflict" {
		m.TxConflictsTotal.Inc()
	}
}

// RecordCommitBatch records the number of transactions in one group commit.
func (m *Metrics) RecordCommitBatch(size int) {
	m.CommitBatchSize.Observe(float64(size))
}

// RecordWalFsync records a WAL fsync call.
func (m *Metrics) RecordWalFsync(duration time.Duration) {
	m.WalFsyncTotal.Inc()
	m.WalFsyncDuration.Observe(duration.Seconds())
}

// RecordCheckpoint records a completed checkpoint.
func (m *Metrics) RecordCheckpoint(duration time.Duration) {
	m.CheckpointsTotal.Inc()
	m.CheckpointDuration.Observe(duration.Seconds())
}

// RecordGarbageCollect records a completed garbage collection pass.
func (m *Metrics) RecordGarbageCollect(pagesReclaimed int) {
	m.GcRunsTotal.Inc()
	m.GcPagesReclaimedTotal.Add(float64(pagesReclaimed))
}

// UpdatePagerStats updates pager-level gauges.
func (m *Metrics) UpdatePagerStats(sizeBytes int64, pagesInUse int64) {
	m.DbSizeBytes.Set(float64(sizeBytes))
	m.PagerPagesInUse.Set(float64(pagesInUse))
}

// UpdateCacheStats sets the cumulative cache hit/miss gauges to the
// pager's current totals.
func (m *Metrics) UpdateCacheStats(hits, misses uint64) {
	m.PagerCacheHits.Set(float64(hits))
	m.PagerCacheMisses.Set(float64(misses))
}
