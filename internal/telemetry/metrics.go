package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Stable metric names. Dashboards and alert rules pin these, so they
// change only with a migration.
var (
	observationsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chaintrace_observations_ingested_total",
			Help: "Observations recorded into the evidence ledger",
		},
		[]string{"run", "kind"},
	)

	observationsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chaintrace_observations_rejected_total",
			Help: "Observations rejected at ingest (integrity or malformed payloads)",
		},
		[]string{"run", "reason"},
	)

	clustersScored = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chaintrace_clusters_scored_total",
			Help: "Clusters produced by recompute, by relation label",
		},
		[]string{"run", "label"},
	)

	recomputeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chaintrace_recompute_duration_seconds",
			Help:    "Wall time of a full feature extraction and scoring pass",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"run"},
	)

	fetchFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chaintrace_fetch_failures_total",
			Help: "Upstream fetch failures by endpoint and error kind",
		},
		[]string{"endpoint", "kind"},
	)

	contradictionsLogged = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chaintrace_contradictions_total",
			Help: "Contradiction records appended to the claim log",
		},
		[]string{"claim"},
	)

	alertsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chaintrace_alerts_emitted_total",
			Help: "Alerts emitted, by severity",
		},
		[]string{"severity"},
	)

	activeRuns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chaintrace_active_runs",
			Help: "Investigations currently held in memory",
		},
	)
)

func ObservationIngested(runID string, kind string) {
	observationsIngested.WithLabelValues(runID, kind).Inc()
}

func ObservationRejected(runID string, reason string) {
	observationsRejected.WithLabelValues(runID, reason).Inc()
}

func ClusterScored(runID string, label string) {
	clustersScored.WithLabelValues(runID, label).Inc()
}

func ObserveRecompute(runID string, d time.Duration) {
	recomputeDuration.WithLabelValues(runID).Observe(d.Seconds())
}

func FetchFailed(endpoint string, kind string) {
	fetchFailures.WithLabelValues(endpoint, kind).Inc()
}

func ContradictionLogged(claimID string) {
	contradictionsLogged.WithLabelValues(claimID).Inc()
}

func AlertEmitted(severity string) {
	alertsEmitted.WithLabelValues(severity).Inc()
}

func SetActiveRuns(n int) {
	activeRuns.Set(float64(n))
}

// Handler serves the Prometheus exposition endpoint
func Handler() http.Handler {
	return promhttp.Handler()
}
