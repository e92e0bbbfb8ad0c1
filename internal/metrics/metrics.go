// Package metrics exposes Prometheus counters for the sync service.
// Collectors are registered eagerly; if no /metrics endpoint is mounted
// the registration is harmless.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	breakerTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "historysync_breaker_transitions_total",
		Help: "Circuit breaker state transitions by service key and new state",
	}, []string{"service", "state"})

	importRecords = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "historysync_import_records_total",
		Help: "Import records by outcome (added, skipped)",
	}, []string{"outcome"})

	importJobs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "historysync_import_jobs_total",
		Help: "Import jobs reaching a terminal status",
	}, []string{"status"})

	tokenRefreshes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "historysync_token_refreshes_total",
		Help: "Token refresh attempts by outcome (success, revoked, error)",
	}, []string{"outcome"})

	healerTasks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "historysync_healer_tasks_total",
		Help: "Reconciler sub-task runs by task name and outcome",
	}, []string{"task", "outcome"})

	backfillFetches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "historysync_backfill_fetches_total",
		Help: "Backfill fetch batches by pending set and outcome",
	}, []string{"set", "outcome"})
)

func init() {
	prometheus.MustRegister(
		breakerTransitions,
		importRecords,
		importJobs,
		tokenRefreshes,
		healerTasks,
		backfillFetches,
	)
}

// Handler serves the Prometheus exposition endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveBreakerTransition records a breaker state change. Wire it into
// the registry's state-change hook.
func ObserveBreakerTransition(service, state string) {
	breakerTransitions.WithLabelValues(service, state).Inc()
}

// ObserveImportRecords adds to the per-outcome record counters.
func ObserveImportRecords(added, skipped int) {
	if added > 0 {
		importRecords.WithLabelValues("added").Add(float64(added))
	}
	if skipped > 0 {
		importRecords.WithLabelValues("skipped").Add(float64(skipped))
	}
}

// ObserveImportJob records an import job reaching a terminal status.
func ObserveImportJob(status string) {
	importJobs.WithLabelValues(status).Inc()
}

// ObserveTokenRefresh records one refresh attempt outcome.
func ObserveTokenRefresh(outcome string) {
	tokenRefreshes.WithLabelValues(outcome).Inc()
}

// ObserveHealerTask records one reconciler sub-task outcome.
func ObserveHealerTask(task, outcome string) {
	healerTasks.WithLabelValues(task, outcome).Inc()
}

// ObserveBackfillFetch records one backfill batch outcome.
func ObserveBackfillFetch(set, outcome string) {
	backfillFetches.WithLabelValues(set, outcome).Inc()
}
