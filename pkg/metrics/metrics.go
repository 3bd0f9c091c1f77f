// Package metrics exposes Prometheus collectors for the decision pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Decisions
	DecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provenance_decisions_total",
			Help: "Total number of recorded decisions by outcome",
		},
		[]string{"decision", "policy_version"},
	)

	IngestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "provenance_ingest_duration_seconds",
			Help:    "End-to-end ingestion latency including signing and commit",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
		},
	)

	// Ledger
	LedgerAppendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provenance_ledger_appends_total",
			Help: "Total number of ledger append attempts by result",
		},
		[]string{"result"}, // ok, error
	)

	LedgerCASRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "provenance_ledger_cas_retries_total",
			Help: "Ledger appends that lost the head compare-and-set and retried",
		},
	)

	LedgerVerificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provenance_ledger_verifications_total",
			Help: "Total number of chain verifications by outcome",
		},
		[]string{"result"}, // valid, broken, error
	)

	// Signing
	SigningDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "provenance_signing_duration_seconds",
			Help:    "Certificate signing latency",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"key_id", "result"},
	)

	// Evidence
	EvidenceTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provenance_evidence_transitions_total",
			Help: "Evidence pack state transitions",
		},
		[]string{"audience", "status"},
	)

	EvidenceStuckRecoveriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "provenance_evidence_stuck_recoveries_total",
			Help: "Evidence jobs re-enqueued after exceeding the staleness threshold",
		},
	)

	EvidenceSyncFallbacksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "provenance_evidence_sync_fallbacks_total",
			Help: "Evidence packs generated inline because the queue was down",
		},
	)

	EvidenceGenerationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "provenance_evidence_generation_duration_seconds",
			Help:    "Evidence bundle generation latency",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
		[]string{"audience", "result"},
	)

	EvidenceQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "provenance_evidence_queue_depth",
			Help: "Evidence jobs by queue state, sampled on health checks",
		},
		[]string{"state"},
	)

	// HTTP
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provenance_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "provenance_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Result maps an error to the "ok"/"error" label used by several collectors.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
