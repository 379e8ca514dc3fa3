// Package metrics defines the Prometheus collectors used by the search
// engine, feedback log, and CTR trainer and exposes an HTTP handler for
// scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors. A nil *Metrics is valid and
// records nothing, so components can be built without instrumentation.
type Metrics struct {
	SearchQueriesTotal *prometheus.CounterVec
	SearchLatency      *prometheus.HistogramVec
	SearchResultsCount prometheus.Histogram
	CacheHitsTotal     prometheus.Counter
	CacheMissesTotal   prometheus.Counter
	DocsIndexedTotal   prometheus.Counter
	DocsDeletedTotal   prometheus.Counter
	IndexDocuments     prometheus.Gauge
	ImpressionsTotal   prometheus.Counter
	ClicksTotal        *prometheus.CounterVec
	TrainingRunsTotal  *prometheus.CounterVec
	TrainingDuration   prometheus.Histogram
	ModelAUC           prometheus.Gauge
}

// New creates all collectors and registers them with reg. Pass
// prometheus.DefaultRegisterer in binaries and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SearchQueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ctrsearch_queries_total",
				Help: "Rank calls by ranking mode (tfidf, ctr) and outcome.",
			},
			[]string{"mode", "outcome"},
		),
		SearchLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ctrsearch_stage_latency_seconds",
				Help:    "Latency of the retrieve and rank stages in seconds.",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"stage"},
		),
		SearchResultsCount: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ctrsearch_results_count",
				Help:    "Number of results returned per rank call.",
				Buckets: []float64{0, 1, 5, 10, 25, 50, 100},
			},
		),
		CacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ctrsearch_cache_hits_total",
				Help: "Total number of retrieval cache hits.",
			},
		),
		CacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ctrsearch_cache_misses_total",
				Help: "Total number of retrieval cache misses.",
			},
		),
		DocsIndexedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ctrsearch_docs_indexed_total",
				Help: "Total documents added or replaced.",
			},
		),
		DocsDeletedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ctrsearch_docs_deleted_total",
				Help: "Total documents deleted.",
			},
		),
		IndexDocuments: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "ctrsearch_index_documents",
				Help: "Documents currently held by the index.",
			},
		),
		ImpressionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ctrsearch_impressions_total",
				Help: "Total impression records appended to the feedback log.",
			},
		),
		ClicksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ctrsearch_clicks_total",
				Help: "Click events by outcome (attributed, dropped).",
			},
			[]string{"outcome"},
		),
		TrainingRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ctrsearch_training_runs_total",
				Help: "CTR model training runs by status.",
			},
			[]string{"status"},
		),
		TrainingDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ctrsearch_training_duration_seconds",
				Help:    "Wall time of successful CTR model training runs.",
				Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
			},
		),
		ModelAUC: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "ctrsearch_model_auc",
				Help: "Held-out AUC of the currently active CTR model.",
			},
		),
	}

	reg.MustRegister(
		m.SearchQueriesTotal,
		m.SearchLatency,
		m.SearchResultsCount,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.DocsIndexedTotal,
		m.DocsDeletedTotal,
		m.IndexDocuments,
		m.ImpressionsTotal,
		m.ClicksTotal,
		m.TrainingRunsTotal,
		m.TrainingDuration,
		m.ModelAUC,
	)

	return m
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
