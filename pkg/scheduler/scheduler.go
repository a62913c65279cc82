// Package scheduler owns the clock: it registers one cron entry per
// (server, repo-group) binding and per repo_config_registration binding
// from the Catalog, and enqueues a Job in the Job Store whenever a timer
// fires. See §4.9.
package scheduler

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cuemby/pulp-manager/pkg/log"
	"github.com/cuemby/pulp-manager/pkg/metrics"
	"github.com/cuemby/pulp-manager/pkg/types"
	"github.com/robfig/cron/v3"
)

// enqueuer is the subset of the Job Store the Scheduler writes to.
type enqueuer interface {
	CreateJob(parentID string, kind types.JobKind, server string, params []byte) (string, error)
}

// Scheduler evaluates the Catalog's schedules against the local clock.
// Missed firings while the process was down are never replayed — the
// next regular firing simply applies, per §4.9.
type Scheduler struct {
	store            enqueuer
	gitRepoConfigDir string

	mu      sync.Mutex
	cron    *cron.Cron
	catalog *types.Catalog
	started bool
}

// NewScheduler constructs a Scheduler with no schedules registered.
// gitRepoConfigDir is forwarded to every reconcile job this Scheduler
// enqueues (the pulp.git_repo_config_dir application setting). Call
// Reload to load a Catalog before Start.
func NewScheduler(store enqueuer, gitRepoConfigDir string) *Scheduler {
	return &Scheduler{store: store, gitRepoConfigDir: gitRepoConfigDir}
}

// Start begins evaluating whatever schedules the most recent Reload
// registered. Safe to call once; Reload may be called again afterward
// to atomically swap the whole schedule set.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = true
	if s.cron != nil {
		s.cron.Start()
	}
}

// Stop halts the currently running cron instance, if any, waiting for
// in-flight entries to finish firing.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.started = false
	s.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

// Reload builds a fresh cron.Cron from catalog and atomically swaps it
// in for the previous one, per §5 "the in-memory Catalog is immutable
// after load and replaced wholesale on reload." The old instance, if
// running, is stopped; the new one inherits its running state.
func (s *Scheduler) Reload(catalog *types.Catalog) error {
	next := cron.New()

	s.mu.Lock()
	running := s.started
	s.mu.Unlock()

	for _, binding := range catalog.ServerRepoGroups {
		if !binding.Active {
			continue
		}
		group, ok := catalog.RepoGroups[binding.Group]
		if !ok || !group.Active {
			continue
		}
		server, ok := catalog.Servers[binding.Server]
		if !ok || !server.Active {
			continue
		}
		if err := registerSyncEntry(next, s.store, binding, group); err != nil {
			return err
		}
	}

	for name, server := range catalog.Servers {
		if !server.Active || server.RepoConfigRegistration == nil {
			continue
		}
		if err := registerReconcileEntry(next, s.store, name, server.RepoConfigRegistration, s.gitRepoConfigDir); err != nil {
			return err
		}
	}

	s.mu.Lock()
	old := s.cron
	s.catalog = catalog
	s.cron = next
	s.mu.Unlock()

	if old != nil {
		<-old.Stop().Done()
	}
	if running {
		next.Start()
	}
	return nil
}

func registerSyncEntry(c *cron.Cron, store enqueuer, binding *types.ServerRepoGroup, group *types.RepoGroup) error {
	params, err := json.Marshal(types.SyncParams{
		RegexInclude:       group.RegexInclude,
		RegexExclude:       group.RegexExclude,
		MaxConcurrentSyncs: binding.MaxConcurrentSync,
		MaxRuntimeSeconds:  int(binding.MaxRuntime.Seconds()),
		SourcePulpServer:   binding.SourcePulpServer,
	})
	if err != nil {
		return fmt.Errorf("encoding sync params for %s/%s: %w", binding.Server, binding.Group, err)
	}

	server, group2 := binding.Server, binding.Group
	_, err = c.AddFunc(binding.Schedule, func() {
		logger := log.WithComponent("scheduler")
		id, err := store.CreateJob("", types.JobKindSync, server, params)
		if err != nil {
			logger.Error().Err(err).Str("server", server).Str("group", group2).Msg("enqueueing scheduled sync")
			return
		}
		metrics.JobsEnqueuedTotal.WithLabelValues(string(types.JobKindSync)).Inc()
		logger.Info().Str("job_id", id).Str("server", server).Str("group", group2).Msg("enqueued scheduled sync")
	})
	if err != nil {
		return fmt.Errorf("parsing schedule %q for %s/%s: %w", binding.Schedule, binding.Server, binding.Group, err)
	}
	return nil
}

func registerReconcileEntry(c *cron.Cron, store enqueuer, server string, reg *types.RepoConfigRegistration, gitRepoConfigDir string) error {
	params, err := json.Marshal(types.ReconcileParams{GitRepoConfigDir: gitRepoConfigDir})
	if err != nil {
		return fmt.Errorf("encoding reconcile params for %s: %w", server, err)
	}

	_, err = c.AddFunc(reg.Schedule, func() {
		logger := log.WithComponent("scheduler")
		id, err := store.CreateJob("", types.JobKindRepoConfigRegistration, server, params)
		if err != nil {
			logger.Error().Err(err).Str("server", server).Msg("enqueueing scheduled reconcile")
			return
		}
		metrics.JobsEnqueuedTotal.WithLabelValues(string(types.JobKindRepoConfigRegistration)).Inc()
		logger.Info().Str("job_id", id).Str("server", server).Msg("enqueued scheduled reconcile")
	})
	if err != nil {
		return fmt.Errorf("parsing schedule %q for %s: %w", reg.Schedule, server, err)
	}
	return nil
}

// Enqueue submits an ad-hoc job outside any schedule, for the API layer
// per §4.9 "enqueue(kind, server, params) → job_id".
func (s *Scheduler) Enqueue(kind types.JobKind, server string, params []byte) (string, error) {
	id, err := s.store.CreateJob("", kind, server, params)
	if err != nil {
		return "", err
	}
	metrics.JobsEnqueuedTotal.WithLabelValues(string(kind)).Inc()
	return id, nil
}
