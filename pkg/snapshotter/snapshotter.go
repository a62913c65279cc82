// Package snapshotter creates dated, immutable published copies of
// repositories: publish, then (for deb repositories with a signing
// service configured) sign as part of publish, then distribute. See §4.7.
package snapshotter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/pulp-manager/pkg/pulpclient"
	"github.com/cuemby/pulp-manager/pkg/types"
)

// ResultRecorder is the subset of the Job Store the Snapshotter writes to.
type ResultRecorder interface {
	RecordRepoResult(jobID, repo string, state types.RepoResultState, taskHref, errMsg string) error
}

// Steps are the Pulp requests for one repo's publish/sign/distribute
// sequence; kind-specific, supplied by the caller.
type Steps struct {
	// Publish submits the type-specific publish endpoint and returns the
	// publication href once the task completes.
	Publish func(ctx context.Context, client *pulpclient.Client, repo *types.PulpServerRepo) (publicationHref string, err error)

	// EnsureSigningService attaches the server's configured signing
	// service to the repository prior to publish, if not already set.
	// No-op for non-deb repos or when no signing service is configured.
	EnsureSigningService func(ctx context.Context, client *pulpclient.Client, repo *types.PulpServerRepo) error

	// Distribute creates or updates a distribution at
	// <canonical name>/<YYYY-MM-DD> pointing at publicationHref.
	Distribute func(ctx context.Context, client *pulpclient.Client, repo *types.PulpServerRepo, publicationHref, date string) error
}

// Request bundles one Snapshotter invocation's parameters.
type Request struct {
	JobID                  string
	Client                 *pulpclient.Client
	Targets                []*types.PulpServerRepo
	MaxConcurrentSnapshots int
	Steps                  Steps
	Date                   string // YYYY-MM-DD; supplied by the caller, not computed here
}

// Run executes the publish→sign→distribute sequence for every target,
// up to MaxConcurrentSnapshots concurrently, aborting a repo on its first
// failing step without affecting the others, and returns the aggregate
// Job state.
func Run(ctx context.Context, store ResultRecorder, req Request) types.JobState {
	sem := make(chan struct{}, req.MaxConcurrentSnapshots)
	var wg sync.WaitGroup
	var mu sync.Mutex
	anyFailed := false

	for _, repo := range req.Targets {
		repo := repo

		select {
		case <-ctx.Done():
			_ = store.RecordRepoResult(req.JobID, repo.Name, types.RepoResultCanceled, "", "")
			continue
		default:
		}

		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			state, errMsg := snapshotOne(ctx, req.Client, repo, req.Steps, req.Date)
			_ = store.RecordRepoResult(req.JobID, repo.Name, state, "", errMsg)

			if state != types.RepoResultCompleted {
				mu.Lock()
				anyFailed = true
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	if ctx.Err() != nil {
		return types.JobStateCanceled
	}
	if anyFailed {
		return types.JobStateFailed
	}
	return types.JobStateSucceeded
}

func snapshotOne(ctx context.Context, client *pulpclient.Client, repo *types.PulpServerRepo, steps Steps, date string) (types.RepoResultState, string) {
	if repo.Kind == types.RepoKindDeb && steps.EnsureSigningService != nil {
		if err := steps.EnsureSigningService(ctx, client, repo); err != nil {
			return types.RepoResultFailed, fmt.Sprintf("attaching signing service: %v", err)
		}
	}

	publicationHref, err := steps.Publish(ctx, client, repo)
	if err != nil {
		return types.RepoResultFailed, fmt.Sprintf("publish: %v", err)
	}

	if err := steps.Distribute(ctx, client, repo, publicationHref, date); err != nil {
		return types.RepoResultFailed, fmt.Sprintf("distribute: %v", err)
	}

	return types.RepoResultCompleted, ""
}

// Today formats now as the YYYY-MM-DD snapshot date of §4.7 step 3.
func Today(now time.Time) string {
	return now.Format("2006-01-02")
}
