package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued       = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_jobs_enqueued_total", Help: "Total enqueued jobs"})
	LeasesAcquired     = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_leases_acquired_total", Help: "Jobs leased by workers"})
	JobsCompleted      = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_jobs_completed_total", Help: "Jobs completed successfully"})
	JobsRescheduled    = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_jobs_rescheduled_total", Help: "Failed attempts scheduled for retry"})
	JobsFailed         = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_jobs_failed_total", Help: "Jobs that reached terminal failure"})
	LeasesReclaimed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_leases_reclaimed_total", Help: "Expired leases returned to pending"})
	LeaseMismatches    = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_lease_mismatches_total", Help: "Completions rejected because the lease was lost"})
	ForcedRetries      = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_forced_retries_total", Help: "Administrative force retries"})
	AccountTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "sync_account_transitions_total", Help: "Account activation changes"}, []string{"action"})
	LinkTransitions    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "sync_link_transitions_total", Help: "Authorization link changes"}, []string{"action", "scope"})
	AuditWriteFailures = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_audit_write_failures_total", Help: "Audit appends that failed"})
	RateLimitRejects   = prometheus.NewCounter(prometheus.CounterOpts{Name: "sync_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	ReadyDepthGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "sync_jobs_ready", Help: "Pending jobs eligible for lease"})
	InFlightGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "sync_jobs_inflight", Help: "Jobs currently leased by this process"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			LeasesAcquired,
			JobsCompleted,
			JobsRescheduled,
			JobsFailed,
			LeasesReclaimed,
			LeaseMismatches,
			ForcedRetries,
			AccountTransitions,
			LinkTransitions,
			AuditWriteFailures,
			RateLimitRejects,
			ReadyDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
