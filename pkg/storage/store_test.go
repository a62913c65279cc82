package storage

import (
	"testing"

	"github.com/cuemby/pulp-manager/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltJobStore {
	t.Helper()
	s, err := NewBoltJobStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestJobLifecycle(t *testing.T) {
	s := newTestStore(t)

	id, err := s.CreateJob("", types.JobKindSync, "primary", []byte(`{}`))
	require.NoError(t, err)

	job, err := s.GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, types.JobStateQueued, job.State)

	claimed, err := s.Claim(id)
	require.NoError(t, err)
	assert.True(t, claimed)

	claimedAgain, err := s.Claim(id)
	require.NoError(t, err)
	assert.False(t, claimedAgain, "a job can only be claimed once")

	job, err = s.GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, types.JobStateRunning, job.State)
	assert.False(t, job.StartedAt.IsZero())

	require.NoError(t, s.MarkTerminal(id, types.JobStateSucceeded, ""))
	job, err = s.GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, types.JobStateSucceeded, job.State)
	assert.False(t, job.FinishedAt.IsZero())
	assert.True(t, job.FinishedAt.Equal(job.FinishedAt) && !job.FinishedAt.Before(job.StartedAt))

	require.NoError(t, s.MarkTerminal(id, types.JobStateSucceeded, ""))
}

func TestListActiveExcludesTerminal(t *testing.T) {
	s := newTestStore(t)

	id1, err := s.CreateJob("", types.JobKindSync, "primary", nil)
	require.NoError(t, err)
	id2, err := s.CreateJob("", types.JobKindSync, "primary", nil)
	require.NoError(t, err)

	_, err = s.Claim(id2)
	require.NoError(t, err)
	require.NoError(t, s.MarkTerminal(id2, types.JobStateFailed, "boom"))

	active, err := s.ListActive("primary", types.JobKindSync)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, id1, active[0].ID)
}

func TestRecordRepoResult(t *testing.T) {
	s := newTestStore(t)

	id, err := s.CreateJob("", types.JobKindSync, "primary", nil)
	require.NoError(t, err)

	require.NoError(t, s.RecordRepoResult(id, "ext-a", types.RepoResultCompleted, "https://pulp/tasks/1", ""))
	require.NoError(t, s.RecordRepoResult(id, "ext-b", types.RepoResultFailed, "https://pulp/tasks/2", "bad remote"))

	results, err := s.ListRepoTaskResults(id)
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestRecoverCrashedJobs(t *testing.T) {
	s := newTestStore(t)

	id, err := s.CreateJob("", types.JobKindSync, "primary", nil)
	require.NoError(t, err)
	_, err = s.Claim(id)
	require.NoError(t, err)

	n, err := s.RecoverCrashedJobs()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job, err := s.GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, types.JobStateFailed, job.State)
	assert.Equal(t, "worker_crashed", job.Error)
}

func TestCatalogEntityCRUD(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.UpsertServer(&types.PulpServer{Name: "primary", Active: true}))
	server, err := s.GetServer("primary")
	require.NoError(t, err)
	assert.True(t, server.Active)

	require.NoError(t, s.UpsertRepoGroup(&types.RepoGroup{Name: "externals"}))
	groups, err := s.ListRepoGroups()
	require.NoError(t, err)
	assert.Len(t, groups, 1)

	require.NoError(t, s.UpsertServerRepoGroup(&types.ServerRepoGroup{Server: "primary", Group: "externals"}))
	bindings, err := s.ListServerRepoGroups()
	require.NoError(t, err)
	assert.Len(t, bindings, 1)

	require.NoError(t, s.UpsertCredentialsRef(&types.CredentialsRef{Name: "svc", Username: "svc"}))
	ref, err := s.GetCredentialsRef("svc")
	require.NoError(t, err)
	assert.Equal(t, "svc", ref.Username)
}

func TestRepoDiscoveryCRUD(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.UpsertRepo(&types.PulpServerRepo{Server: "primary", Name: "ext-a", Kind: types.RepoKindDeb}))
	repos, err := s.ListRepos("primary")
	require.NoError(t, err)
	require.Len(t, repos, 1)

	require.NoError(t, s.DeleteRepo("primary", "ext-a"))
	repos, err = s.ListRepos("primary")
	require.NoError(t, err)
	assert.Len(t, repos, 0)
}
