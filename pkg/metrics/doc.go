/*
Package metrics exposes Prometheus instrumentation and HTTP health/readiness
endpoints for Pulp Manager.

Two update styles are used, matching how the engine actually produces the
numbers:

  - Snapshot gauges (JobsByState, ActiveJobs, CredentialsCacheSize) are set
    by a Collector that polls the Job Store and the credentials cache on a
    fixed interval. These reflect point-in-time state, not discrete events,
    so polling is the natural fit.
  - Event counters and histograms (JobsEnqueuedTotal, JobsCompletedTotal,
    JobDuration, CredentialsCacheHits/Misses) are updated directly at their
    call site in the Scheduler, Worker, and credentials Resolver, since
    reconstructing an event count from periodic polling would mean diffing
    snapshots and could miss events between polls.

# Metrics Catalog

	pulp_manager_jobs_by_state{kind,state}        gauge    snapshot of the Job Store
	pulp_manager_active_jobs                      gauge    queued+running jobs, all kinds
	pulp_manager_credentials_cache_size            gauge    cached credentials references
	pulp_manager_jobs_enqueued_total{kind}         counter  Scheduler/API enqueue events
	pulp_manager_jobs_completed_total{kind,state}  counter  Worker terminal transitions
	pulp_manager_credentials_cache_hits_total      counter  Resolver cache hits
	pulp_manager_credentials_cache_misses_total    counter  Resolver cache misses
	pulp_manager_job_duration_seconds{kind}        histogram claim-to-terminal wall time

# Health and readiness

Health tracking keys components by the closed Component type
(ComponentJobStore, ComponentScheduler, ComponentWorker) rather than a
free string, since only those three gate readiness: GetHealth reports
every component ever registered, while GetReadiness reports only those
three and requires each to be both registered and healthy — the set a
load balancer or orchestrator should treat as "not yet safe to route to."

	GET /metrics  — Prometheus text exposition
	GET /health   — overall health, 200 or 503
	GET /ready    — readiness, 200 or 503
	GET /live     — liveness, always 200 while the process is running

# Usage

	metrics.SetVersion(buildVersion)
	metrics.RegisterComponent(metrics.ComponentJobStore, true, "")

	collector := metrics.NewCollector(jobStore, credentialsResolver)
	collector.Start()
	defer collector.Stop()

	http.Handle("/metrics", metrics.Handler())
	http.HandleFunc("/health", metrics.HealthHandler())
	http.HandleFunc("/ready", metrics.ReadyHandler())
	http.HandleFunc("/live", metrics.LivenessHandler())
*/
package metrics
