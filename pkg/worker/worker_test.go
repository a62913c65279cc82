package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/pulp-manager/pkg/config"
	"github.com/cuemby/pulp-manager/pkg/credentials"
	"github.com/cuemby/pulp-manager/pkg/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore is a minimal in-memory storage.JobStore for Worker tests;
// only the operations the Worker actually calls need real behavior.
type fakeStore struct {
	mu      sync.Mutex
	jobs    map[string]*types.Job
	results []*types.RepoTaskResult
	repos   map[string]*types.PulpServerRepo
}

func newFakeStore() *fakeStore {
	return &fakeStore{jobs: make(map[string]*types.Job), repos: make(map[string]*types.PulpServerRepo)}
}

func (s *fakeStore) CreateJob(parentID string, kind types.JobKind, server string, params []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.NewString()
	s.jobs[id] = &types.Job{ID: id, ParentID: parentID, Kind: kind, Server: server, State: types.JobStateQueued, EnqueuedAt: time.Now(), Parameters: params}
	return id, nil
}

func (s *fakeStore) Claim(jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok || j.State != types.JobStateQueued {
		return false, nil
	}
	j.State = types.JobStateRunning
	j.StartedAt = time.Now()
	return true, nil
}

func (s *fakeStore) MarkTerminal(jobID string, state types.JobState, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("unknown job %s", jobID)
	}
	if j.State == state {
		return nil
	}
	j.State = state
	j.Error = errMsg
	j.FinishedAt = time.Now()
	return nil
}

func (s *fakeStore) RecordRepoResult(jobID, repo string, state types.RepoResultState, taskHref, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, &types.RepoTaskResult{ID: uuid.NewString(), JobID: jobID, Repo: repo, State: state, TaskHref: taskHref, Error: errMsg})
	return nil
}

func (s *fakeStore) ListActive(server string, kind types.JobKind) ([]*types.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Job
	for _, j := range s.jobs {
		if j.Server == server && j.Kind == kind && !j.State.Terminal() {
			out = append(out, j)
		}
	}
	return out, nil
}

func (s *fakeStore) GetJob(jobID string) (*types.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[jobID], nil
}

func (s *fakeStore) ListJobs() ([]*types.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	return out, nil
}

func (s *fakeStore) ListRepoTaskResults(jobID string) ([]*types.RepoTaskResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.RepoTaskResult
	for _, r := range s.results {
		if r.JobID == jobID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *fakeStore) RecoverCrashedJobs() (int, error) { return 0, nil }

func (s *fakeStore) UpsertServer(*types.PulpServer) error                { return nil }
func (s *fakeStore) GetServer(string) (*types.PulpServer, error)         { return nil, nil }
func (s *fakeStore) ListServers() ([]*types.PulpServer, error)           { return nil, nil }
func (s *fakeStore) UpsertRepoGroup(*types.RepoGroup) error              { return nil }
func (s *fakeStore) ListRepoGroups() ([]*types.RepoGroup, error)         { return nil, nil }
func (s *fakeStore) UpsertServerRepoGroup(*types.ServerRepoGroup) error  { return nil }
func (s *fakeStore) ListServerRepoGroups() ([]*types.ServerRepoGroup, error) {
	return nil, nil
}
func (s *fakeStore) UpsertCredentialsRef(*types.CredentialsRef) error { return nil }
func (s *fakeStore) GetCredentialsRef(string) (*types.CredentialsRef, error) {
	return nil, nil
}

func (s *fakeStore) UpsertRepo(repo *types.PulpServerRepo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.repos[repo.Server+"/"+repo.Name] = repo
	return nil
}
func (s *fakeStore) ListRepos(server string) ([]*types.PulpServerRepo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.PulpServerRepo
	for _, r := range s.repos {
		if r.Server == server {
			out = append(out, r)
		}
	}
	return out, nil
}
func (s *fakeStore) DeleteRepo(server, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.repos, server+"/"+name)
	return nil
}

func (s *fakeStore) Close() error { return nil }

// staticSecretStore satisfies credentials.SecretStore for tests.
type staticSecretStore struct{ username, password string }

func (s staticSecretStore) Fetch(context.Context, string) (string, string, error) {
	return s.username, s.password, nil
}

func testCatalog(serverName, baseURL string) *types.Catalog {
	return &types.Catalog{
		Servers: map[string]*types.PulpServer{
			serverName: {Name: serverName, BaseURL: baseURL, CredentialsRef: "default", MaxConcurrentSnapshots: 2, Active: true},
		},
		Credentials: map[string]*types.CredentialsRef{
			"default": {Name: "default", VaultServiceAccountMount: "secret/pulp/default"},
		},
	}
}

func newTestWorker(t *testing.T, store *fakeStore, catalog *types.Catalog) *Worker {
	resolver, err := credentials.NewResolver(staticSecretStore{username: "u", password: "p"}, time.Minute)
	require.NoError(t, err)
	w := NewWorker(store, resolver, &config.AppConfig{}, 10*time.Millisecond)
	w.SetCatalog(catalog)
	return w
}

func TestDuplicateSyncJobSkippedWithoutPulpCall(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	store := newFakeStore()
	catalog := testCatalog("primary", srv.URL)
	w := newTestWorker(t, store, catalog)

	params, _ := json.Marshal(types.SyncParams{MaxConcurrentSyncs: 1, MaxRuntimeSeconds: 5})
	runningID, _ := store.CreateJob("", types.JobKindSync, "primary", params)
	_, _ = store.Claim(runningID)

	queuedID, _ := store.CreateJob("", types.JobKindSync, "primary", params)
	queuedJob, _ := store.GetJob(queuedID)

	w.runJob(context.Background(), queuedJob)

	finished, _ := store.GetJob(queuedID)
	assert.Equal(t, types.JobStateCanceled, finished.State)
	assert.Contains(t, finished.Error, "skipped_duplicate")
	assert.False(t, called, "a duplicate job must never reach Pulp")
}

func TestReconcileJobMissingDescriptorDirFails(t *testing.T) {
	store := newFakeStore()
	catalog := testCatalog("primary", "http://unused.example")
	w := newTestWorker(t, store, catalog)

	params, _ := json.Marshal(types.ReconcileParams{GitRepoConfigDir: "/nonexistent/does/not/exist"})
	jobID, _ := store.CreateJob("", types.JobKindReconcile, "primary", params)
	job, _ := store.GetJob(jobID)

	w.runJob(context.Background(), job)

	finished, _ := store.GetJob(jobID)
	assert.Equal(t, types.JobStateFailed, finished.State)
	assert.NotEmpty(t, finished.Error)
}

func TestUnknownServerFailsJobImmediately(t *testing.T) {
	store := newFakeStore()
	catalog := testCatalog("primary", "http://unused.example")
	w := newTestWorker(t, store, catalog)

	params, _ := json.Marshal(types.SyncParams{MaxConcurrentSyncs: 1, MaxRuntimeSeconds: 5})
	jobID, _ := store.CreateJob("", types.JobKindSync, "no-such-server", params)
	job, _ := store.GetJob(jobID)

	w.runJob(context.Background(), job)

	finished, _ := store.GetJob(jobID)
	assert.Equal(t, types.JobStateFailed, finished.State)
	assert.Contains(t, finished.Error, "unknown server")
}

func TestRunProcessesOldestQueuedJobFirst(t *testing.T) {
	store := newFakeStore()
	catalog := testCatalog("primary", "http://unused.example")
	w := newTestWorker(t, store, catalog)

	params, _ := json.Marshal(types.ReconcileParams{GitRepoConfigDir: "/nonexistent"})
	firstID, _ := store.CreateJob("", types.JobKindReconcile, "primary", params)
	first, _ := store.GetJob(firstID)
	first.EnqueuedAt = time.Now().Add(-time.Hour)

	secondID, _ := store.CreateJob("", types.JobKindReconcile, "primary", params)
	second, _ := store.GetJob(secondID)
	second.EnqueuedAt = time.Now()

	w.processNext(context.Background())

	firstAfter, _ := store.GetJob(firstID)
	secondAfter, _ := store.GetJob(secondID)
	assert.True(t, firstAfter.State.Terminal(), "the older job should have been picked first")
	assert.Equal(t, types.JobStateQueued, secondAfter.State)
}
