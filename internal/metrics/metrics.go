// Package metrics exposes the orchestrator's Prometheus scrape target,
// grounded on the teacher's promauto/promhttp idiom but carrying job,
// instance, provider, and cost-ledger metric families instead of the
// teacher's queue-worker ones.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Job metrics
	JobsSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aima_jobs_submitted_total",
			Help: "Total number of jobs submitted",
		},
		[]string{"kind", "priority"},
	)

	JobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aima_jobs_completed_total",
			Help: "Total number of jobs reaching a terminal state",
		},
		[]string{"kind", "status", "error_class"},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aima_job_duration_seconds",
			Help:    "Wall-clock time from submission to a terminal state",
			Buckets: prometheus.ExponentialBuckets(1, 2, 15), // 1s to ~4.5 hours
		},
		[]string{"kind", "status"},
	)

	JobRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aima_job_retries_total",
			Help: "Total number of job retry resubmissions",
		},
		[]string{"kind"},
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aima_queue_depth",
			Help: "Current number of jobs by status",
		},
		[]string{"status"},
	)

	// Instance metrics
	InstancesCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aima_instances_created_total",
			Help: "Total number of capacity create_instance calls issued",
		},
		[]string{"provider"},
	)

	InstancesByState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aima_instances_by_state",
			Help: "Current number of instances in each provider/state pair",
		},
		[]string{"provider", "state"},
	)

	InstanceStartDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aima_instance_start_duration_seconds",
			Help:    "Time from requested to running for a provisioned instance",
			Buckets: prometheus.ExponentialBuckets(5, 2, 10), // 5s to ~43min
		},
		[]string{"provider"},
	)

	// Provider metrics
	ProviderCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aima_provider_calls_total",
			Help: "Total number of provider adapter calls by outcome",
		},
		[]string{"provider", "operation", "outcome"},
	)

	ProviderBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aima_provider_breaker_state",
			Help: "Circuit breaker state per provider (0=closed, 1=half_open, 2=open)",
		},
		[]string{"provider"},
	)

	ReaperOrphansTerminated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aima_reaper_orphans_terminated_total",
			Help: "Total number of provider-side instances terminated as orphans by reconciliation",
		},
		[]string{"provider"},
	)

	// Cost metrics
	CostAccruedCents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aima_cost_accrued_cents_total",
			Help: "Total cost accrued across all instances, in cents",
		},
		[]string{"provider"},
	)

	QuotaDenials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aima_quota_denials_total",
			Help: "Total number of scheduling attempts denied by enforce_quota",
		},
		[]string{"owner"},
	)

	// API metrics
	APIRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aima_api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aima_api_request_duration_seconds",
			Help:    "API request duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
)

// Handler returns the Prometheus metrics handler for the /api/v1/metrics scrape route.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordJobSubmission records a job entering the queue.
func RecordJobSubmission(kind, priority string) {
	JobsSubmitted.WithLabelValues(kind, priority).Inc()
}

// RecordJobTerminal records a job reaching a terminal state and its total duration.
func RecordJobTerminal(kind, status, errorClass string, duration float64) {
	JobsCompleted.WithLabelValues(kind, status, errorClass).Inc()
	JobDuration.WithLabelValues(kind, status).Observe(duration)
}

// RecordJobRetry records a failed job's retry resubmission.
func RecordJobRetry(kind string) {
	JobRetries.WithLabelValues(kind).Inc()
}

// UpdateQueueDepth sets the current job count for a status bucket.
func UpdateQueueDepth(status string, count float64) {
	QueueDepth.WithLabelValues(status).Set(count)
}

// RecordInstanceCreated records a create_instance call issued to a provider.
func RecordInstanceCreated(provider string) {
	InstancesCreated.WithLabelValues(provider).Inc()
}

// UpdateInstancesByState sets the current instance count for a provider/state pair.
func UpdateInstancesByState(provider, state string, count float64) {
	InstancesByState.WithLabelValues(provider, state).Set(count)
}

// RecordInstanceStartDuration records how long an instance took to reach running.
func RecordInstanceStartDuration(provider string, seconds float64) {
	InstanceStartDuration.WithLabelValues(provider).Observe(seconds)
}

// RecordProviderCall records one adapter call and its outcome.
func RecordProviderCall(provider, operation, outcome string) {
	ProviderCalls.WithLabelValues(provider, operation, outcome).Inc()
}

// UpdateProviderBreakerState sets a provider's current breaker state (0/1/2).
func UpdateProviderBreakerState(provider string, state float64) {
	ProviderBreakerState.WithLabelValues(provider).Set(state)
}

// RecordOrphanTerminated records the Reaper terminating a provider-side
// instance that had gone missing from the store.
func RecordOrphanTerminated(provider string) {
	ReaperOrphansTerminated.WithLabelValues(provider).Inc()
}

// RecordCostAccrued records a cost ledger entry's amount against its provider.
func RecordCostAccrued(provider string, cents int64) {
	CostAccruedCents.WithLabelValues(provider).Add(float64(cents))
}

// RecordQuotaDenial records enforce_quota refusing to schedule for an owner.
func RecordQuotaDenial(owner string) {
	QuotaDenials.WithLabelValues(owner).Inc()
}

// RecordAPIRequest records an API request's outcome.
func RecordAPIRequest(method, endpoint, statusCode string) {
	APIRequests.WithLabelValues(method, endpoint, statusCode).Inc()
}

// RecordAPIRequestDuration records the duration of an API request.
func RecordAPIRequestDuration(method, endpoint string, duration float64) {
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(duration)
}
