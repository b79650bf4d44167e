package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Messages seen by the fetcher, by result.
	FetchMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maildigest_fetch_messages_total",
			Help: "Messages handled by the mail fetcher",
		},
		[]string{"result"}, // persisted, duplicate, malformed, failed
	)

	// Duration of a complete fetch for one account.
	FetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "maildigest_fetch_duration_seconds",
			Help:    "Per-account fetch duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~50s
		},
		[]string{"status"},
	)

	// Scoring attempts, by outcome.
	ScoreAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maildigest_score_attempts_total",
			Help: "Relevance scoring attempts",
		},
		[]string{"outcome"},
	)

	// Summary generation attempts, by outcome.
	SummaryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maildigest_summary_attempts_total",
			Help: "Summary generation attempts",
		},
		[]string{"outcome"},
	)

	// Model backend call latency in milliseconds.
	ModelCallLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "maildigest_model_call_latency_ms",
			Help:    "Model backend call latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(100, 2, 10), // 100ms to ~100s
		},
		[]string{"provider", "status"},
	)

	// Tokens consumed by model calls.
	ModelTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maildigest_model_tokens_total",
			Help: "Tokens consumed by model calls",
		},
		[]string{"provider", "direction"},
	)

	// Ledger entries appended, by stage and outcome.
	LedgerEntries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maildigest_ledger_entries_total",
			Help: "Processing ledger entries appended",
		},
		[]string{"stage", "outcome"},
	)

	// Checkpoint regressions refused by the account registry.
	CheckpointAnomalies = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "maildigest_checkpoint_anomalies_total",
			Help: "Out-of-order checkpoint advances refused",
		},
	)

	// Scheduled runs, by job and result.
	SchedulerRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maildigest_scheduler_runs_total",
			Help: "Scheduled job runs",
		},
		[]string{"job", "result"}, // ok, error, skipped
	)
)

// RecordFetchMessage counts one message handled by the fetcher.
func RecordFetchMessage(result string) {
	FetchMessages.WithLabelValues(result).Inc()
}

// RecordFetchDuration observes a per-account fetch.
func RecordFetchDuration(status string, d time.Duration) {
	FetchDuration.WithLabelValues(status).Observe(d.Seconds())
}

// RecordScoreAttempt counts a scoring attempt.
func RecordScoreAttempt(outcome string) {
	ScoreAttempts.WithLabelValues(outcome).Inc()
}

// RecordSummaryAttempt counts a summary generation attempt.
func RecordSummaryAttempt(outcome string) {
	SummaryAttempts.WithLabelValues(outcome).Inc()
}

// RecordModelCall observes a model call and its token usage.
func RecordModelCall(provider, status string, d time.Duration, inputTokens, outputTokens int) {
	ModelCallLatency.WithLabelValues(provider, status).Observe(float64(d.Milliseconds()))
	if inputTokens > 0 {
		ModelTokens.WithLabelValues(provider, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		ModelTokens.WithLabelValues(provider, "output").Add(float64(outputTokens))
	}
}

// RecordLedgerEntry counts an appended ledger entry.
func RecordLedgerEntry(stage, outcome string) {
	LedgerEntries.WithLabelValues(stage, outcome).Inc()
}

// RecordCheckpointAnomaly counts a refused checkpoint regression.
func RecordCheckpointAnomaly() {
	CheckpointAnomalies.Inc()
}

// RecordSchedulerRun counts a scheduled job run.
func RecordSchedulerRun(job, result string) {
	SchedulerRuns.WithLabelValues(job, result).Inc()
}

// Handler serves the default registry for scraping.
func Handler() http.Handler {
	return promhttp.Handler()
}
