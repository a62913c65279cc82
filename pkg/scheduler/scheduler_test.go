package scheduler

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/pulp-manager/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingEnqueuer struct {
	mu    sync.Mutex
	calls []createCall
}

type createCall struct {
	kind   types.JobKind
	server string
	params []byte
}

func (r *recordingEnqueuer) CreateJob(_ string, kind types.JobKind, server string, params []byte) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, createCall{kind: kind, server: server, params: params})
	return "job-1", nil
}

func (r *recordingEnqueuer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func everyMinuteCatalog() *types.Catalog {
	return &types.Catalog{
		Servers: map[string]*types.PulpServer{
			"primary": {Name: "primary", Active: true},
		},
		RepoGroups: map[string]*types.RepoGroup{
			"debs": {Name: "debs", RegexInclude: "^ext-", Active: true},
		},
		ServerRepoGroups: []*types.ServerRepoGroup{
			{Server: "primary", Group: "debs", Schedule: "* * * * *", MaxConcurrentSync: 4, Active: true},
		},
		Credentials: map[string]*types.CredentialsRef{},
	}
}

func TestReloadRegistersOneEntryPerActiveBinding(t *testing.T) {
	store := &recordingEnqueuer{}
	s := NewScheduler(store, "/etc/pulp-manager/repos")

	require.NoError(t, s.Reload(everyMinuteCatalog()))

	s.mu.Lock()
	entries := s.cron.Entries()
	s.mu.Unlock()
	assert.Len(t, entries, 1)
}

func TestInactiveBindingIsNotScheduled(t *testing.T) {
	store := &recordingEnqueuer{}
	s := NewScheduler(store, "/etc/pulp-manager/repos")

	cat := everyMinuteCatalog()
	cat.ServerRepoGroups[0].Active = false

	require.NoError(t, s.Reload(cat))

	s.mu.Lock()
	entries := s.cron.Entries()
	s.mu.Unlock()
	assert.Len(t, entries, 0)
}

func TestReconcileRegistrationEnqueuesRepoConfigRegistrationJob(t *testing.T) {
	store := &recordingEnqueuer{}
	s := NewScheduler(store, "/etc/pulp-manager/repos")

	cat := &types.Catalog{
		Servers: map[string]*types.PulpServer{
			"primary": {
				Name:   "primary",
				Active: true,
				RepoConfigRegistration: &types.RepoConfigRegistration{
					Schedule: "* * * * *",
				},
			},
		},
		Credentials: map[string]*types.CredentialsRef{},
	}
	require.NoError(t, s.Reload(cat))
	s.Start()
	defer s.Stop()

	s.mu.Lock()
	entries := s.cron.Entries()
	s.mu.Unlock()
	require.Len(t, entries, 1)

	entries[0].Job.Run()

	require.Equal(t, 1, store.count())
	assert.Equal(t, types.JobKindRepoConfigRegistration, store.calls[0].kind)

	var params types.ReconcileParams
	require.NoError(t, json.Unmarshal(store.calls[0].params, &params))
	assert.Equal(t, "/etc/pulp-manager/repos", params.GitRepoConfigDir)
}

func TestReloadSwapsScheduleSetWithoutLosingRunningState(t *testing.T) {
	store := &recordingEnqueuer{}
	s := NewScheduler(store, "/etc/pulp-manager/repos")

	require.NoError(t, s.Reload(everyMinuteCatalog()))
	s.Start()
	defer s.Stop()

	second := everyMinuteCatalog()
	second.ServerRepoGroups = append(second.ServerRepoGroups, &types.ServerRepoGroup{
		Server: "primary", Group: "debs", Schedule: "*/2 * * * *", MaxConcurrentSync: 2, Active: true,
	})
	require.NoError(t, s.Reload(second))

	s.mu.Lock()
	entries := s.cron.Entries()
	s.mu.Unlock()
	require.Len(t, entries, 2)

	// The swapped-in instance must already be running — Reload inherits
	// the previous instance's running state rather than requiring a
	// second Start call.
	assert.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, e := range s.cron.Entries() {
			if !e.Next.IsZero() {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}
