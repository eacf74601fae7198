// Package metrics
package metrics

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	DBQueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_query_duration_seconds",
			Help:    "Duration of database queries in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query_name"},
	)
	SitemapsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingestor_sitemaps_processed_total",
			Help: "Child sitemaps processed, labeled by verdict (fresh, pruned, failed, excluded, skipped).",
		},
		[]string{"verdict"},
	)
	PagesDiscovered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ingestor_pages_discovered_total",
			Help: "News pages inserted by sitemap discovery.",
		},
	)
	FetchOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingestor_fetch_outcomes_total",
			Help: "Page and sitemap fetches, labeled by outcome.",
		},
		[]string{"outcome"},
	)
	FetchAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ingestor_fetch_attempts_total",
			Help: "HTTP attempts made by the fetch engine, including retries.",
		},
	)
	PagesExtracted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingestor_pages_extracted_total",
			Help: "Content extraction results, labeled by result.",
		},
		[]string{"result"},
	)
	EmbeddingsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingestor_embeddings_total",
			Help: "Embeddings produced or failed, labeled by mode and result.",
		},
		[]string{"mode", "result"},
	)
	BatchJobTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingestor_batch_job_transitions_total",
			Help: "Batch job ledger transitions, labeled by resulting status.",
		},
		[]string{"status"},
	)
	PendingBatchJobs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ingestor_batch_jobs_pending",
			Help: "Batch jobs currently pending in the ledger.",
		},
	)
	PendingFetchPages = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ingestor_pages_pending_fetch",
			Help: "News pages without raw content and without the error flag.",
		},
	)
)

func init() {
	prometheus.MustRegister(DBQueryDuration)
	prometheus.MustRegister(SitemapsProcessed)
	prometheus.MustRegister(PagesDiscovered)
	prometheus.MustRegister(FetchOutcomes)
	prometheus.MustRegister(FetchAttempts)
	prometheus.MustRegister(PagesExtracted)
	prometheus.MustRegister(EmbeddingsProcessed)
	prometheus.MustRegister(BatchJobTransitions)
	prometheus.MustRegister(PendingBatchJobs)
	prometheus.MustRegister(PendingFetchPages)
}

func ExposeMetrics(addr string) {
	slog.Info("Exposing Prometheus metrics", "address", addr)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		slog.Error("Failed to start Prometheus metrics server", "error", err)
	}
}
