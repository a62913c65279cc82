package storage

import (
	"github.com/cuemby/pulp-manager/pkg/types"
)

// JobStore is the durable record of jobs, their parent/child
// relationships, states, timestamps, and error payloads, plus the
// Catalog entities the Config Parser upserts. Implemented by BoltJobStore.
//
// Each entity gets its own named operations — no generic CRUD/ORM
// abstraction, per the reimplementation note in the design notes.
type JobStore interface {
	// Jobs
	CreateJob(parentID string, kind types.JobKind, server string, params []byte) (string, error)
	Claim(jobID string) (bool, error)
	MarkTerminal(jobID string, state types.JobState, errMsg string) error
	RecordRepoResult(jobID, repo string, state types.RepoResultState, taskHref, errMsg string) error
	ListActive(server string, kind types.JobKind) ([]*types.Job, error)
	GetJob(jobID string) (*types.Job, error)
	ListJobs() ([]*types.Job, error)
	ListRepoTaskResults(jobID string) ([]*types.RepoTaskResult, error)
	RecoverCrashedJobs() (int, error)

	// Catalog entities
	UpsertServer(server *types.PulpServer) error
	GetServer(name string) (*types.PulpServer, error)
	ListServers() ([]*types.PulpServer, error)
	UpsertRepoGroup(group *types.RepoGroup) error
	ListRepoGroups() ([]*types.RepoGroup, error)
	UpsertServerRepoGroup(binding *types.ServerRepoGroup) error
	ListServerRepoGroups() ([]*types.ServerRepoGroup, error)
	UpsertCredentialsRef(ref *types.CredentialsRef) error
	GetCredentialsRef(name string) (*types.CredentialsRef, error)

	// Discovered repos
	UpsertRepo(repo *types.PulpServerRepo) error
	ListRepos(server string) ([]*types.PulpServerRepo, error)
	DeleteRepo(server, name string) error

	Close() error
}
