package types

import (
	"encoding/json"
	"time"
)

// PulpServer represents one Pulp 3 content server in the fleet.
type PulpServer struct {
	Name                   string
	BaseURL                string
	CredentialsRef         string
	SupportsSnapshots      bool
	MaxConcurrentSnapshots int
	RepoConfigRegistration *RepoConfigRegistration
	Active                 bool
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// RepoConfigRegistration binds the periodic reconcile job to a server.
type RepoConfigRegistration struct {
	Schedule   string
	MaxRuntime time.Duration
}

// RepoKind enumerates the content types Pulp knows how to serve.
type RepoKind string

const (
	RepoKindDeb       RepoKind = "deb"
	RepoKindRPM       RepoKind = "rpm"
	RepoKindFile      RepoKind = "file"
	RepoKindPython    RepoKind = "python"
	RepoKindContainer RepoKind = "container"
)

// PulpServerRepo is a repository as discovered on a particular PulpServer.
type PulpServerRepo struct {
	Server     string
	Name       string
	Kind       RepoKind
	Href       string
	RemoteHref string // empty when the repo has no remote (internal repos)
}

// RepoGroup names an (include, exclude) regex pair over repository names.
type RepoGroup struct {
	Name          string
	RegexInclude  string
	RegexExclude  string
	Active        bool
}

// ServerRepoGroup binds a RepoGroup to a PulpServer with a schedule and caps.
type ServerRepoGroup struct {
	Server             string
	Group              string
	Schedule           string
	MaxConcurrentSync  int
	MaxRuntime         time.Duration
	SourcePulpServer   string // optional; cross-server sync source
	Active             bool
}

// CredentialsRef names a secret-store mount path for a set of Pulp credentials.
type CredentialsRef struct {
	Name                    string
	Username                string
	VaultServiceAccountMount string
}

// JobKind is the closed set of operation kinds the engine will execute.
type JobKind string

const (
	JobKindSync                    JobKind = "sync"
	JobKindSnapshot                JobKind = "snapshot"
	JobKindPublish                 JobKind = "publish"
	JobKindDistribute               JobKind = "distribute"
	JobKindReconcile                JobKind = "reconcile"
	JobKindRepoConfigRegistration   JobKind = "repo_config_registration"
)

// JobState is the Job lifecycle state machine of spec §3.
type JobState string

const (
	JobStateQueued    JobState = "queued"
	JobStateRunning   JobState = "running"
	JobStateSucceeded JobState = "succeeded"
	JobStateFailed    JobState = "failed"
	JobStateCanceled  JobState = "canceled"
	JobStateTimedOut  JobState = "timed_out"
)

// Terminal reports whether a JobState is one of the terminal states.
func (s JobState) Terminal() bool {
	switch s {
	case JobStateSucceeded, JobStateFailed, JobStateCanceled, JobStateTimedOut:
		return true
	default:
		return false
	}
}

// Job is a durable record of one orchestration operation.
type Job struct {
	ID         string
	ParentID   string
	Kind       JobKind
	Server     string
	State      JobState
	EnqueuedAt time.Time
	StartedAt  time.Time
	FinishedAt time.Time
	Error      string
	Parameters json.RawMessage
}

// SyncParams is the parameter shape for JobKindSync.
type SyncParams struct {
	RegexInclude       string `json:"regex_include,omitempty"`
	RegexExclude       string `json:"regex_exclude,omitempty"`
	MaxConcurrentSyncs int    `json:"max_concurrent_syncs"`
	MaxRuntimeSeconds  int    `json:"max_runtime_seconds"`
	SourcePulpServer   string `json:"source_pulp_server,omitempty"`
}

// SnapshotParams is the parameter shape for JobKindSnapshot.
type SnapshotParams struct {
	RegexInclude           string `json:"regex_include,omitempty"`
	RegexExclude           string `json:"regex_exclude,omitempty"`
	MaxConcurrentSnapshots int    `json:"max_concurrent_snapshots"`
}

// ReconcileParams is the parameter shape for JobKindReconcile and
// JobKindRepoConfigRegistration.
type ReconcileParams struct {
	GitRepoConfigDir string `json:"git_repo_config_dir"`
}

// RepoResultState enumerates the terminal outcomes a single repo can reach
// within a Job.
type RepoResultState string

const (
	RepoResultCompleted          RepoResultState = "completed"
	RepoResultFailed             RepoResultState = "failed"
	RepoResultTimedOut           RepoResultState = "timed_out"
	RepoResultCanceled           RepoResultState = "canceled"
	RepoResultSkippedConflict    RepoResultState = "skipped_conflict"
	RepoResultSkippedDuplicate   RepoResultState = "skipped_duplicate"
	RepoResultSkippedMissingSrc  RepoResultState = "skipped_missing_on_source"
	RepoResultOrphan             RepoResultState = "orphan"
)

// RepoTaskResult is an append-only per-repo outcome recorded under a Job.
type RepoTaskResult struct {
	ID         string
	JobID      string
	Repo       string
	State      RepoResultState
	TaskHref   string
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Catalog is the fully-resolved, immutable-after-load fleet description
// produced by the Config Parser and consumed by the Scheduler and the
// Worker.
type Catalog struct {
	Servers          map[string]*PulpServer
	RepoGroups       map[string]*RepoGroup
	ServerRepoGroups []*ServerRepoGroup
	Credentials      map[string]*CredentialsRef
}

// JobReport aggregates a Job with its RepoTaskResults, the shape the
// out-of-scope API layer surfaces to operators.
type JobReport struct {
	Job     *Job
	Results []*RepoTaskResult
}
