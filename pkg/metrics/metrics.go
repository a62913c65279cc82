package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// JobsByState is a periodic snapshot of the Job Store, labeled by
	// job kind and current state. Updated by a Collector, not at the
	// call site, since it reflects store contents rather than an event.
	JobsByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pulp_manager_jobs_by_state",
			Help: "Number of jobs currently in each (kind, state) combination",
		},
		[]string{"kind", "state"},
	)

	ActiveJobs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pulp_manager_active_jobs",
			Help: "Number of jobs currently queued or running across all servers",
		},
	)

	CredentialsCacheSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pulp_manager_credentials_cache_size",
			Help: "Number of credentials references currently cached by the resolver",
		},
	)

	// JobsEnqueuedTotal counts every job the Scheduler or the API layer
	// has handed to the Job Store, regardless of outcome.
	JobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulp_manager_jobs_enqueued_total",
			Help: "Total number of jobs enqueued, by kind",
		},
		[]string{"kind"},
	)

	// JobsCompletedTotal counts every job the Worker has driven to a
	// terminal state, by kind and by the state it landed in.
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulp_manager_jobs_completed_total",
			Help: "Total number of jobs that reached a terminal state, by kind and state",
		},
		[]string{"kind", "state"},
	)

	CredentialsCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pulp_manager_credentials_cache_hits_total",
			Help: "Total number of credentials resolutions served from cache",
		},
	)

	CredentialsCacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pulp_manager_credentials_cache_misses_total",
			Help: "Total number of credentials resolutions that required a secret store fetch",
		},
	)

	// JobDuration is wall-clock time from Claim to MarkTerminal, by kind.
	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pulp_manager_job_duration_seconds",
			Help:    "Job execution duration in seconds, by kind",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s .. ~34min
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(JobsByState)
	prometheus.MustRegister(ActiveJobs)
	prometheus.MustRegister(CredentialsCacheSize)
	prometheus.MustRegister(JobsEnqueuedTotal)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(CredentialsCacheHits)
	prometheus.MustRegister(CredentialsCacheMisses)
	prometheus.MustRegister(JobDuration)
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
