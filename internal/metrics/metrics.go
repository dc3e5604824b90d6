// Package metrics exposes Prometheus instrumentation for the analysis
// pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the pipeline collectors. One instance is shared by the
// scheduler, the ingest layer and the signal generator.
type Metrics struct {
	RunsTotal          *prometheus.CounterVec
	RunDuration        prometheus.Histogram
	StageDuration      *prometheus.HistogramVec
	SymbolsProcessed   prometheus.Counter
	SymbolsFailed      prometheus.Counter
	SignalsGenerated   *prometheus.CounterVec
	IngestErrors       *prometheus.CounterVec
	FreshnessWait      prometheus.Histogram
	BackfillQuality    *prometheus.GaugeVec
	StreamConnected    prometheus.Gauge
	CacheHits          *prometheus.CounterVec
	SchedulerOverlaps  prometheus.Counter
	PendingEvaluations prometheus.Gauge
}

// New registers the collectors on a fresh registry and returns both.
func New() (*Metrics, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		RunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "drummond_runs_total",
			Help: "Prediction runs by terminal status.",
		}, []string{"status"}),
		RunDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "drummond_run_duration_seconds",
			Help:    "Wall time of one prediction run.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "drummond_run_stage_duration_seconds",
			Help:    "Per-stage latency inside a prediction run.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"stage"}),
		SymbolsProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "drummond_symbols_processed_total",
			Help: "Symbols that completed the full pipeline.",
		}),
		SymbolsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "drummond_symbols_failed_total",
			Help: "Symbols that failed inside a run.",
		}),
		SignalsGenerated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "drummond_signals_generated_total",
			Help: "Emitted signals by type.",
		}, []string{"type"}),
		IngestErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "drummond_ingest_errors_total",
			Help: "Ingestion failures by source.",
		}, []string{"source"}),
		FreshnessWait: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "drummond_freshness_wait_seconds",
			Help:    "Time spent waiting for fresh bars before a run proceeds.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
		BackfillQuality: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "drummond_backfill_quality_score",
			Help: "Stored/expected bar ratio of the last backfill per symbol.",
		}, []string{"symbol"}),
		StreamConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "drummond_stream_connected",
			Help: "1 while the websocket market stream is connected.",
		}),
		CacheHits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "drummond_indicator_cache_requests_total",
			Help: "Indicator cache lookups by outcome.",
		}, []string{"outcome"}),
		SchedulerOverlaps: factory.NewCounter(prometheus.CounterOpts{
			Name: "drummond_scheduler_overlaps_total",
			Help: "Scheduler ticks rejected because a run was still active.",
		}),
		PendingEvaluations: factory.NewGauge(prometheus.GaugeOpts{
			Name: "drummond_signals_pending",
			Help: "Signals awaiting outcome evaluation.",
		}),
	}
	return m, reg
}

// Handler returns the HTTP handler serving the registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
