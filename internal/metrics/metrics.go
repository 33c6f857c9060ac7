// Package metrics provides Prometheus collectors for the mail blob store.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "mailblob"

// Metrics holds every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Staging
	StageTotal       *prometheus.CounterVec
	StageBytes       prometheus.Counter
	StageDuration    *prometheus.HistogramVec
	DedupHits        prometheus.Counter
	BackendDeletes   *prometheus.CounterVec
	StagingSwept     prometheus.Counter
	ResumableUploads *prometheus.CounterVec

	// Local cache
	CacheHits      prometheus.Counter
	CacheMisses    prometheus.Counter
	CacheEvictions prometheus.Counter
	CacheVetoes    prometheus.Counter
	CacheFiles     prometheus.Gauge
	CacheBytes     prometheus.Gauge

	// Consistency checker
	ConsistencyRuns    prometheus.Counter
	ConsistencyResults *prometheus.CounterVec

	// Garbage collection
	GCRuns        prometheus.Counter
	GCDuration    prometheus.Histogram
	GCBlobsPurged prometheus.Counter
	GCBytesFreed  prometheus.Counter
	GCOrphanBlobs prometheus.Gauge
	GCLastRunTime prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		StageTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_total",
			Help:      "Blobs staged to the backend, by mode and result.",
		}, []string{"mode", "result"}),
		StageBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_bytes_total",
			Help:      "Bytes written to the backend by staging.",
		}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Time spent staging a blob.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"mode"}),
		DedupHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dedup_hits_total",
			Help:      "Stages satisfied by existing single-instance content.",
		}),
		BackendDeletes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_deletes_total",
			Help:      "Backend delete calls, by result.",
		}, []string{"result"}),
		StagingSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "staging_swept_total",
			Help:      "Abandoned staging files removed by the sweeper.",
		}),
		ResumableUploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resumable_uploads_total",
			Help:      "Resumable uploads, by outcome.",
		}, []string{"outcome"}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Local cache hits.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Local cache misses.",
		}),
		CacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_evictions_total",
			Help:      "Local cache entries evicted for capacity.",
		}),
		CacheVetoes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_vetoes_total",
			Help:      "Evictions skipped because the digest was pinned.",
		}),
		CacheFiles: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_files",
			Help:      "Files held by the local cache.",
		}),
		CacheBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_bytes",
			Help:      "Bytes held by the local cache.",
		}),
		ConsistencyRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consistency_runs_total",
			Help:      "Consistency checks completed.",
		}),
		ConsistencyResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consistency_results_total",
			Help:      "Consistency findings, by kind.",
		}, []string{"kind"}),
		GCRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gc_runs_total",
			Help:      "Garbage collection runs.",
		}),
		GCDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gc_duration_seconds",
			Help:      "Garbage collection run time.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
		GCBlobsPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gc_blobs_purged_total",
			Help:      "Unreferenced blobs purged.",
		}),
		GCBytesFreed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gc_bytes_freed_total",
			Help:      "Bytes freed by garbage collection.",
		}),
		GCOrphanBlobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gc_orphan_blobs",
			Help:      "Orphan blobs found by the last run.",
		}),
		GCLastRunTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gc_last_run_timestamp_seconds",
			Help:      "Unix time of the last garbage collection run.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.StageTotal, m.StageBytes, m.StageDuration, m.DedupHits,
			m.BackendDeletes, m.StagingSwept, m.ResumableUploads,
			m.CacheHits, m.CacheMisses, m.CacheEvictions, m.CacheVetoes,
			m.CacheFiles, m.CacheBytes,
			m.ConsistencyRuns, m.ConsistencyResults,
			m.GCRuns, m.GCDuration, m.GCBlobsPurged, m.GCBytesFreed,
			m.GCOrphanBlobs, m.GCLastRunTime,
		)
	}

	return m
}

// RecordStage records one staging attempt.
func (m *Metrics) RecordStage(mode string, err error, bytes int64, seconds float64) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.StageTotal.WithLabelValues(mode, result).Inc()
	m.StageDuration.WithLabelValues(mode).Observe(seconds)
	if err == nil && bytes > 0 {
		m.StageBytes.Add(float64(bytes))
	}
}

// RecordDedupHit records a stage satisfied without a write.
func (m *Metrics) RecordDedupHit() {
	if m == nil {
		return
	}
	m.DedupHits.Inc()
}

// RecordBackendDelete records a backend delete call.
func (m *Metrics) RecordBackendDelete(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.BackendDeletes.WithLabelValues("error").Inc()
		return
	}
	m.BackendDeletes.WithLabelValues("ok").Inc()
}

// RecordSweep records staging files removed by one sweep.
func (m *Metrics) RecordSweep(removed int) {
	if m == nil {
		return
	}
	m.StagingSwept.Add(float64(removed))
}

// RecordUpload records a resumable upload outcome.
func (m *Metrics) RecordUpload(outcome string) {
	if m == nil {
		return
	}
	m.ResumableUploads.WithLabelValues(outcome).Inc()
}

// RecordCacheLookup records a local cache lookup.
func (m *Metrics) RecordCacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheHits.Inc()
		return
	}
	m.CacheMisses.Inc()
}

// RecordCacheEviction records evictions and vetoes from one insert.
func (m *Metrics) RecordCacheEviction(evicted, vetoed int) {
	if m == nil {
		return
	}
	m.CacheEvictions.Add(float64(evicted))
	m.CacheVetoes.Add(float64(vetoed))
}

// SetCacheUsage records the current cache occupancy.
func (m *Metrics) SetCacheUsage(files int, bytes int64) {
	if m == nil {
		return
	}
	m.CacheFiles.Set(float64(files))
	m.CacheBytes.Set(float64(bytes))
}

// RecordConsistency records the findings of one check.
func (m *Metrics) RecordConsistency(missing, incorrectSize, unexpected int) {
	if m == nil {
		return
	}
	m.ConsistencyRuns.Inc()
	m.ConsistencyResults.WithLabelValues("missing").Add(float64(missing))
	m.ConsistencyResults.WithLabelValues("incorrect_size").Add(float64(incorrectSize))
	m.ConsistencyResults.WithLabelValues("unexpected").Add(float64(unexpected))
}

// RecordGCRun records a completed garbage collection run.
func (m *Metrics) RecordGCRun(seconds float64, purged int, bytesFreed int64) {
	if m == nil {
		return
	}
	m.GCRuns.Inc()
	m.GCDuration.Observe(seconds)
	m.GCBlobsPurged.Add(float64(purged))
	m.GCBytesFreed.Add(float64(bytesFreed))
}
