// Package observability exposes the service's Prometheus instrumentation.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the counters and histograms shared across components.
// A single instance is created at the application root and injected.
type Metrics struct {
	MemoriesStored     *prometheus.CounterVec
	MemoriesDuplicate  prometheus.Counter
	PartialWrites      prometheus.Counter
	IngestLatency      prometheus.Histogram
	RetrievalRequests  *prometheus.CounterVec
	RetrievalLatency   prometheus.Histogram
	SubQueryFailures   *prometheus.CounterVec
	JobsProcessed      *prometheus.CounterVec
	QueueDepth         prometheus.Gauge
	RetryAttempts      prometheus.Counter
	BudgetExhaustions  *prometheus.CounterVec
	DLQEntries         prometheus.Gauge
	Reconciliations    *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		MemoriesStored: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "graphrag_memories_stored_total",
			Help: "Memories written, labeled by ingest mode and triage decision.",
		}, []string{"mode", "decision"}),
		MemoriesDuplicate: factory.NewCounter(prometheus.CounterOpts{
			Name: "graphrag_memories_duplicate_total",
			Help: "Ingest requests answered from the idempotency window.",
		}),
		PartialWrites: factory.NewCounter(prometheus.CounterOpts{
			Name: "graphrag_partial_writes_total",
			Help: "Primary-store fan-outs that required compensation.",
		}),
		IngestLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "graphrag_ingest_latency_seconds",
			Help:    "End-to-end ingest latency.",
			Buckets: prometheus.DefBuckets,
		}),
		RetrievalRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "graphrag_retrieval_requests_total",
			Help: "Retrieval requests by strategy.",
		}, []string{"strategy"}),
		RetrievalLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "graphrag_retrieval_latency_seconds",
			Help:    "Retrieval latency across all strategies.",
			Buckets: prometheus.DefBuckets,
		}),
		SubQueryFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "graphrag_retrieval_subquery_failures_total",
			Help: "Failed retrieval sub-queries by source.",
		}, []string{"source"}),
		JobsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "graphrag_enrichment_jobs_total",
			Help: "Enrichment jobs by terminal state.",
		}, []string{"state"}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "graphrag_enrichment_queue_depth",
			Help: "Pending enrichment jobs.",
		}),
		RetryAttempts: factory.NewCounter(prometheus.CounterOpts{
			Name: "graphrag_retry_attempts_total",
			Help: "Retry attempts executed by the retry subsystem.",
		}),
		BudgetExhaustions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "graphrag_retry_budget_exhaustions_total",
			Help: "Tasks routed to the DLQ, labeled by reason.",
		}, []string{"reason"}),
		DLQEntries: factory.NewGauge(prometheus.GaugeOpts{
			Name: "graphrag_dlq_pending_entries",
			Help: "Dead-letter entries awaiting processing.",
		}),
		Reconciliations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "graphrag_task_reconciliations_total",
			Help: "Task state reconciliations by outcome.",
		}, []string{"outcome"}),
	}
}

// NewNopMetrics returns a Metrics wired to a throwaway registry, for tests.
func NewNopMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
