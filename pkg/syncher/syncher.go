// Package syncher is the Repo Syncher — the bounded-concurrency driver
// that submits Pulp sync operations for a set of target repositories,
// polls them to terminal states under a wall-clock deadline, and records
// per-repo outcomes. See §4.5.
package syncher

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cuemby/pulp-manager/pkg/pulpclient"
	"github.com/cuemby/pulp-manager/pkg/types"
)

// DefaultGraceWindow is the small extra allowance given to in-flight
// syncs past the deadline before they're abandoned as timed_out, per
// §4.5 step 3.
const DefaultGraceWindow = 30 * time.Second

// ResultRecorder is the subset of the Job Store the Syncher writes to.
type ResultRecorder interface {
	RecordRepoResult(jobID, repo string, state types.RepoResultState, taskHref, errMsg string) error
}

// EndpointBuilder produces the sync submission request for one repo; kind-
// specific (deb/rpm/file/python/container each have their own Pulp sync
// endpoint shape), supplied by the caller.
type EndpointBuilder func(repo *types.PulpServerRepo) (path string, body map[string]interface{})

// Request bundles one Repo Syncher invocation's parameters.
type Request struct {
	JobID              string
	Server             string
	Client             *pulpclient.Client
	Targets            []*types.PulpServerRepo
	SourceRepoNames    map[string]bool // nil disables the cross-server source check
	MaxConcurrentSyncs int
	MaxRuntime         time.Duration
	BuildSyncRequest   EndpointBuilder
	PollConfig         pulpclient.PollConfig
	GraceWindow        time.Duration // defaults to DefaultGraceWindow when zero
}

// inFlight is the process-wide registry of (server, repo) pairs currently
// being driven by some Run call — the pre-scan conflict check of §4.5's
// tie-break rule operates at this granularity, finer than the Job Store's
// list_active(server, kind).
var inFlight = struct {
	mu sync.Mutex
	m  map[string]struct{}
}{m: make(map[string]struct{})}

func tryLock(server, repo string) bool {
	key := server + "/" + repo
	inFlight.mu.Lock()
	defer inFlight.mu.Unlock()
	if _, busy := inFlight.m[key]; busy {
		return false
	}
	inFlight.m[key] = struct{}{}
	return true
}

func unlock(server, repo string) {
	key := server + "/" + repo
	inFlight.mu.Lock()
	delete(inFlight.m, key)
	inFlight.mu.Unlock()
}

// Run drives req.Targets to terminal states with at most
// MaxConcurrentSyncs in flight, aborting new submissions once MaxRuntime
// elapses or ctx is canceled, and returns the aggregate Job state.
func Run(ctx context.Context, store ResultRecorder, req Request) types.JobState {
	deadline := time.Now().Add(req.MaxRuntime)
	runCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	grace := req.GraceWindow
	if grace <= 0 {
		grace = DefaultGraceWindow
	}

	sem := make(chan struct{}, req.MaxConcurrentSyncs)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var anyFailed, anyTimedOut bool

	for _, repo := range req.Targets {
		repo := repo

		if req.SourceRepoNames != nil && !req.SourceRepoNames[repo.Name] {
			_ = store.RecordRepoResult(req.JobID, repo.Name, types.RepoResultSkippedMissingSrc, "", "")
			continue
		}

		if !tryLock(req.Server, repo.Name) {
			_ = store.RecordRepoResult(req.JobID, repo.Name, types.RepoResultSkippedConflict, "", "")
			continue
		}

		select {
		case <-runCtx.Done():
			unlock(req.Server, repo.Name)
			_ = store.RecordRepoResult(req.JobID, repo.Name, types.RepoResultTimedOut, "", "deadline exceeded before submission")
			mu.Lock()
			anyTimedOut = true
			mu.Unlock()
			continue
		default:
		}

		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			defer unlock(req.Server, repo.Name)

			state, taskHref, errMsg := driveOne(ctx, req.Client, repo, req.BuildSyncRequest, req.PollConfig, deadline, grace)
			_ = store.RecordRepoResult(req.JobID, repo.Name, state, taskHref, errMsg)

			mu.Lock()
			switch state {
			case types.RepoResultFailed:
				anyFailed = true
			case types.RepoResultTimedOut:
				anyTimedOut = true
			}
			mu.Unlock()
		}()
	}

	wg.Wait()

	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		return types.JobStateCanceled
	case anyTimedOut:
		return types.JobStateTimedOut
	case anyFailed:
		return types.JobStateFailed
	default:
		return types.JobStateSucceeded
	}
}

func driveOne(ctx context.Context, client *pulpclient.Client, repo *types.PulpServerRepo, build EndpointBuilder, pollCfg pulpclient.PollConfig, deadline time.Time, grace time.Duration) (types.RepoResultState, string, string) {
	path, body := build(repo)
	href, err := client.SubmitTask(ctx, "POST", path, body)
	if err != nil {
		return types.RepoResultFailed, "", err.Error()
	}

	graceCtx, cancel := context.WithDeadline(ctx, deadline.Add(grace))
	defer cancel()

	task, err := pulpclient.PollTask(graceCtx, client, href, pollCfg)
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return types.RepoResultTimedOut, href, "deadline exceeded while polling"
		case errors.Is(err, context.Canceled):
			_ = client.CancelTask(context.Background(), href)
			return types.RepoResultCanceled, href, ""
		default:
			return types.RepoResultFailed, href, err.Error()
		}
	}

	switch task.State {
	case pulpclient.TaskStateCompleted:
		return types.RepoResultCompleted, href, ""
	case pulpclient.TaskStateCanceled:
		return types.RepoResultCanceled, href, ""
	default:
		return types.RepoResultFailed, href, pulpclient.TaskErrorPayload(task)
	}
}
