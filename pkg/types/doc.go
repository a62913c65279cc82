/*
Package types defines the core data structures shared across the
orchestration engine: the fleet catalog (PulpServer, RepoGroup,
ServerRepoGroup, CredentialsRef), the durable Job record and its
lifecycle states, and the per-repo RepoTaskResult outcomes recorded
underneath a Job.

# State Machine

Jobs follow a strictly monotonic lifecycle:

	queued → running → {succeeded, failed, canceled, timed_out}

A Job's FinishedAt is set exactly when it reaches a terminal state;
StartedAt exactly when it transitions queued → running.

# Design Patterns

Enums are typed strings, matching the rest of the codebase's style:

	type JobState string
	const (
	    JobStateQueued  JobState = "queued"
	    JobStateRunning JobState = "running"
	)

Job.Parameters is an opaque JSON blob; the concrete parameter struct
(SyncParams, SnapshotParams, ReconcileParams) is chosen by the
dispatching Worker based on Job.Kind.
*/
package types
