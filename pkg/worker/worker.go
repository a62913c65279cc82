// Package worker implements the long-lived process that consumes jobs
// from the Job Store in FIFO order, dispatches each to the matching
// component (Reconciler, Repo Syncher, or Snapshotter), and writes
// lifecycle updates back to the store. See §4.8.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/pulp-manager/pkg/config"
	"github.com/cuemby/pulp-manager/pkg/credentials"
	"github.com/cuemby/pulp-manager/pkg/log"
	"github.com/cuemby/pulp-manager/pkg/matcher"
	"github.com/cuemby/pulp-manager/pkg/metrics"
	"github.com/cuemby/pulp-manager/pkg/pulpclient"
	"github.com/cuemby/pulp-manager/pkg/reconciler"
	"github.com/cuemby/pulp-manager/pkg/snapshotter"
	"github.com/cuemby/pulp-manager/pkg/storage"
	"github.com/cuemby/pulp-manager/pkg/syncher"
	"github.com/cuemby/pulp-manager/pkg/types"
	"github.com/rs/zerolog"
)

// DefaultPollInterval is how often the Worker checks the Job Store for
// newly queued jobs when idle.
const DefaultPollInterval = 2 * time.Second

// Worker dequeues jobs from a storage.JobStore and executes them one at
// a time against the Catalog currently loaded. Multiple Worker processes
// may run concurrently against the same store; the store's claim pattern
// gives the at-most-one-running invariant, not this process.
type Worker struct {
	store        storage.JobStore
	credentials  *credentials.Resolver
	appConfig    *config.AppConfig
	pollInterval time.Duration

	catalog atomic.Pointer[types.Catalog]

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	stopCh  chan struct{}
}

// NewWorker constructs a Worker. SetCatalog must be called at least once
// before Run processes any job.
func NewWorker(store storage.JobStore, cred *credentials.Resolver, appConfig *config.AppConfig, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Worker{
		store:        store,
		credentials:  cred,
		appConfig:    appConfig,
		pollInterval: pollInterval,
		cancels:      make(map[string]context.CancelFunc),
		stopCh:       make(chan struct{}),
	}
}

// SetCatalog atomically swaps the Catalog this Worker dispatches against,
// per §5 "the in-memory Catalog is immutable after load and replaced
// wholesale on reload."
func (w *Worker) SetCatalog(cat *types.Catalog) {
	w.catalog.Store(cat)
}

// Run polls the Job Store until ctx is canceled or Stop is called. On
// entry it performs crash recovery: any job this process finds in state
// running belongs to a dead owner, since this process hasn't claimed
// anything yet (§4.8 "Crash recovery").
func (w *Worker) Run(ctx context.Context) {
	logger := log.WithComponent("worker")
	if n, err := w.store.RecoverCrashedJobs(); err != nil {
		logger.Error().Err(err).Msg("recovering crashed jobs")
	} else if n > 0 {
		logger.Warn().Int("count", n).Msg("marked crashed jobs failed")
	}

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.processNext(ctx)
		}
	}
}

// Stop ends Run's polling loop without canceling jobs already in flight.
func (w *Worker) Stop() {
	close(w.stopCh)
}

// Cancel requests cancellation of the named job's context, per §5
// "Cancellation": the Syncher/Snapshotter/Reconciler observe this at
// their own checkpoints and stop making forward progress.
func (w *Worker) Cancel(jobID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	cancel, ok := w.cancels[jobID]
	if ok {
		cancel()
	}
	return ok
}

func (w *Worker) processNext(ctx context.Context) {
	jobs, err := w.store.ListJobs()
	if err != nil {
		logger := log.WithComponent("worker")
		logger.Error().Err(err).Msg("listing jobs")
		return
	}

	var queued []*types.Job
	for _, j := range jobs {
		if j.State == types.JobStateQueued {
			queued = append(queued, j)
		}
	}
	if len(queued) == 0 {
		return
	}
	sort.Slice(queued, func(i, j int) bool { return queued[i].EnqueuedAt.Before(queued[j].EnqueuedAt) })

	w.runJob(ctx, queued[0])
}

// runJob enforces the pre-claim dedup check, claims the job, dispatches
// it to the matching component, and writes the terminal outcome. Per
// §4.4 "Durability": the claim (queued→running) is committed before any
// externally observable Pulp call is made.
func (w *Worker) runJob(ctx context.Context, job *types.Job) {
	logger := log.WithJob(job.ID, job.Server, string(job.Kind))

	active, err := w.store.ListActive(job.Server, job.Kind)
	if err != nil {
		logger.Error().Err(err).Msg("checking active jobs")
		return
	}
	for _, a := range active {
		// Only a job that is already running conflicts with this one.
		// Other queued jobs of the same (server, kind) are simply waiting
		// their turn — processNext always dispatches the oldest first.
		if a.ID != job.ID && a.State == types.JobStateRunning {
			w.finishSkippedDuplicate(job, logger)
			return
		}
	}

	claimed, err := w.store.Claim(job.ID)
	if err != nil {
		logger.Error().Err(err).Msg("claiming job")
		return
	}
	if !claimed {
		return
	}

	jobCtx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.cancels[job.ID] = cancel
	w.mu.Unlock()
	defer func() {
		cancel()
		w.mu.Lock()
		delete(w.cancels, job.ID)
		w.mu.Unlock()
	}()

	timer := metrics.NewTimer()
	state, errMsg := w.dispatch(jobCtx, job)
	timer.ObserveDurationVec(metrics.JobDuration, string(job.Kind))

	if err := w.store.MarkTerminal(job.ID, state, errMsg); err != nil {
		logger.Error().Err(err).Msg("marking job terminal")
		return
	}
	metrics.JobsCompletedTotal.WithLabelValues(string(job.Kind), string(state)).Inc()
}

func (w *Worker) finishSkippedDuplicate(job *types.Job, logger zerolog.Logger) {
	// Job Store has no terminal state for "skipped" — a duplicate is
	// folded into canceled, the closest terminal meaning ("this run did
	// not happen"), with the reason recorded on Error.
	if claimed, err := w.store.Claim(job.ID); err == nil && claimed {
		_ = w.store.MarkTerminal(job.ID, types.JobStateCanceled, "skipped_duplicate: another active job already covers this server/kind")
	} else {
		logger.Warn().Err(err).Msg("could not claim job for duplicate-skip")
	}
}

func (w *Worker) dispatch(ctx context.Context, job *types.Job) (types.JobState, string) {
	cat := w.catalog.Load()
	if cat == nil {
		return types.JobStateFailed, "catalog not loaded"
	}
	server, ok := cat.Servers[job.Server]
	if !ok {
		return types.JobStateFailed, fmt.Sprintf("unknown server %q", job.Server)
	}

	client, err := w.clientFor(ctx, server)
	if err != nil {
		return types.JobStateFailed, err.Error()
	}

	switch job.Kind {
	case types.JobKindSync:
		return w.dispatchSync(ctx, job, server, client)
	case types.JobKindSnapshot:
		return w.dispatchSnapshot(ctx, job, server, client)
	case types.JobKindReconcile, types.JobKindRepoConfigRegistration:
		return w.dispatchReconcile(ctx, job, client)
	default:
		return types.JobStateFailed, fmt.Sprintf("unsupported job kind %q", job.Kind)
	}
}

func (w *Worker) clientFor(ctx context.Context, server *types.PulpServer) (*pulpclient.Client, error) {
	cat := w.catalog.Load()
	ref, ok := cat.Credentials[server.CredentialsRef]
	if !ok {
		return nil, fmt.Errorf("%w: server %q references unknown credentials", types.ErrCredentialsUnavailable, server.Name)
	}
	username, password, err := w.credentials.Resolve(ctx, ref)
	if err != nil {
		return nil, err
	}

	var opts []pulpclient.Option
	if w.appConfig != nil {
		connect := time.Duration(w.appConfig.Remotes.SockConnectTimeout) * time.Second
		read := time.Duration(w.appConfig.Remotes.SockReadTimeout) * time.Second
		if connect > 0 && read > 0 {
			opts = append(opts, pulpclient.WithTimeouts(connect, read))
		}
	}
	return pulpclient.NewClient(server.BaseURL, username, password, opts...)
}

// --- Sync dispatch ----------------------------------------------------------

func (w *Worker) dispatchSync(ctx context.Context, job *types.Job, server *types.PulpServer, client *pulpclient.Client) (types.JobState, string) {
	var params types.SyncParams
	if err := json.Unmarshal(job.Parameters, &params); err != nil {
		return types.JobStateFailed, fmt.Sprintf("decoding sync params: %v", err)
	}

	include, err := matcher.Compile(params.RegexInclude)
	if err != nil {
		return types.JobStateFailed, fmt.Sprintf("regex_include: %v", err)
	}
	exclude, err := matcher.Compile(params.RegexExclude)
	if err != nil {
		return types.JobStateFailed, fmt.Sprintf("regex_exclude: %v", err)
	}

	repos, err := discoverRepos(ctx, client)
	if err != nil {
		return types.JobStateFailed, fmt.Sprintf("discovering repos: %v", err)
	}
	for _, r := range repos {
		r.Server = job.Server
		_ = w.store.UpsertRepo(r)
	}

	targets := matcher.Match(repos, include, exclude)

	var sourceNames map[string]bool
	if params.SourcePulpServer != "" {
		cat := w.catalog.Load()
		srcServer, ok := cat.Servers[params.SourcePulpServer]
		if !ok {
			return types.JobStateFailed, fmt.Sprintf("unknown source server %q", params.SourcePulpServer)
		}
		srcClient, err := w.clientFor(ctx, srcServer)
		if err != nil {
			return types.JobStateFailed, err.Error()
		}
		srcRepos, err := discoverRepos(ctx, srcClient)
		if err != nil {
			return types.JobStateFailed, fmt.Sprintf("discovering source repos: %v", err)
		}
		sourceNames = make(map[string]bool, len(srcRepos))
		for _, r := range srcRepos {
			sourceNames[r.Name] = true
		}
	}

	maxRuntime := time.Duration(params.MaxRuntimeSeconds) * time.Second
	state := syncher.Run(ctx, w.store, syncher.Request{
		JobID:              job.ID,
		Server:             job.Server,
		Client:             client,
		Targets:            targets,
		SourceRepoNames:    sourceNames,
		MaxConcurrentSyncs: params.MaxConcurrentSyncs,
		MaxRuntime:         maxRuntime,
		BuildSyncRequest:   buildSyncRequest,
		PollConfig:         pulpclient.DefaultPollConfig,
	})

	w.purgeBannedPackagesAfterSync(ctx, client, job, targets)

	return state, ""
}

func buildSyncRequest(repo *types.PulpServerRepo) (string, map[string]interface{}) {
	body := map[string]interface{}{"remote": repo.RemoteHref}
	return repo.Href + "sync/", body
}

// purgeBannedPackagesAfterSync implements §4.6 step 6: after any sync
// completion, the banned-package regex is swept against the repository's
// content and matches are removed. Failures here are logged, not fatal
// to the sync job — the sync itself already reached a terminal outcome.
func (w *Worker) purgeBannedPackagesAfterSync(ctx context.Context, client *pulpclient.Client, job *types.Job, targets []*types.PulpServerRepo) {
	if w.appConfig == nil || w.appConfig.Pulp.BannedPackageRegex == "" {
		return
	}
	banned, err := regexp.Compile(w.appConfig.Pulp.BannedPackageRegex)
	if err != nil {
		return
	}

	results, err := w.store.ListRepoTaskResults(job.ID)
	if err != nil {
		return
	}
	completed := make(map[string]bool)
	for _, r := range results {
		if r.State == types.RepoResultCompleted {
			completed[r.Repo] = true
		}
	}

	for _, target := range targets {
		if !completed[target.Name] {
			continue
		}
		repo, err := reconciler.FetchRepo(ctx, client, target.Href)
		if err != nil {
			continue
		}
		_, _ = reconciler.PurgeBannedPackages(ctx, client, repo, banned)
	}
}

func discoverRepos(ctx context.Context, client *pulpclient.Client) ([]*types.PulpServerRepo, error) {
	var out []*types.PulpServerRepo
	for _, kind := range []types.RepoKind{
		types.RepoKindDeb, types.RepoKindRPM, types.RepoKindFile,
		types.RepoKindPython, types.RepoKindContainer,
	} {
		repos, err := reconciler.ListRepositories(ctx, client, kind)
		if err != nil {
			return nil, fmt.Errorf("listing %s repositories: %w", kind, err)
		}
		for _, r := range repos {
			out = append(out, &types.PulpServerRepo{
				Name:       r.Name,
				Kind:       kind,
				Href:       r.Href,
				RemoteHref: r.RemoteHref,
			})
		}
	}
	return out, nil
}

// --- Snapshot dispatch -------------------------------------------------------

func (w *Worker) dispatchSnapshot(ctx context.Context, job *types.Job, server *types.PulpServer, client *pulpclient.Client) (types.JobState, string) {
	var params types.SnapshotParams
	if err := json.Unmarshal(job.Parameters, &params); err != nil {
		return types.JobStateFailed, fmt.Sprintf("decoding snapshot params: %v", err)
	}

	include, err := matcher.Compile(params.RegexInclude)
	if err != nil {
		return types.JobStateFailed, fmt.Sprintf("regex_include: %v", err)
	}
	exclude, err := matcher.Compile(params.RegexExclude)
	if err != nil {
		return types.JobStateFailed, fmt.Sprintf("regex_exclude: %v", err)
	}

	repos, err := discoverRepos(ctx, client)
	if err != nil {
		return types.JobStateFailed, fmt.Sprintf("discovering repos: %v", err)
	}
	targets := matcher.Match(repos, include, exclude)

	maxConcurrent := params.MaxConcurrentSnapshots
	if maxConcurrent <= 0 {
		maxConcurrent = server.MaxConcurrentSnapshots
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	var signingHref string
	if w.appConfig != nil {
		signingHref = w.appConfig.Pulp.DebSigningService
	}

	state := snapshotter.Run(ctx, w.store, snapshotter.Request{
		JobID:                  job.ID,
		Client:                 client,
		Targets:                targets,
		MaxConcurrentSnapshots: maxConcurrent,
		Date:                   snapshotter.Today(time.Now()),
		Steps: snapshotter.Steps{
			Publish:               publishRepo,
			EnsureSigningService:  ensureSigningServiceStep(signingHref),
			Distribute:            distributeSnapshot,
		},
	})
	return state, ""
}

func publishRepo(ctx context.Context, client *pulpclient.Client, repo *types.PulpServerRepo) (string, error) {
	path := "/pulp/api/v3/publications/" + pulpSegment(repo.Kind) + "/"
	href, err := client.SubmitTask(ctx, "POST", path, map[string]interface{}{"repository": repo.Href})
	if err != nil {
		return "", err
	}
	task, err := pulpclient.PollTask(ctx, client, href, pulpclient.DefaultPollConfig)
	if err != nil {
		return "", err
	}
	if task.State != pulpclient.TaskStateCompleted {
		return "", fmt.Errorf("publish failed: %s", pulpclient.TaskErrorPayload(task))
	}
	for _, r := range task.CreatedResources {
		return r, nil
	}
	return "", fmt.Errorf("publish task reported no created resources")
}

func ensureSigningServiceStep(signingHref string) func(context.Context, *pulpclient.Client, *types.PulpServerRepo) error {
	return func(ctx context.Context, client *pulpclient.Client, repo *types.PulpServerRepo) error {
		if signingHref == "" {
			return nil
		}
		current, err := reconciler.FetchRepo(ctx, client, repo.Href)
		if err != nil {
			return err
		}
		if current.SigningServiceHref == signingHref {
			return nil
		}
		href, err := client.SubmitTask(ctx, "PATCH", repo.Href, map[string]interface{}{"signing_service": signingHref})
		if err != nil {
			return err
		}
		_, err = pulpclient.PollTask(ctx, client, href, pulpclient.DefaultPollConfig)
		return err
	}
}

func distributeSnapshot(ctx context.Context, client *pulpclient.Client, repo *types.PulpServerRepo, publicationHref, date string) error {
	basePath := repo.Name + "/" + date
	path := "/pulp/api/v3/distributions/" + pulpSegment(repo.Kind) + "/"

	var page struct {
		Results []struct {
			Href string `json:"pulp_href"`
		} `json:"results"`
	}
	if err := client.Do(ctx, "GET", fmt.Sprintf("%s?base_path=%s", path, basePath), nil, &page); err != nil {
		return err
	}

	body := map[string]interface{}{"name": basePath, "base_path": basePath, "publication": publicationHref}
	if len(page.Results) == 0 {
		href, err := client.SubmitTask(ctx, "POST", path, body)
		if err != nil {
			return err
		}
		_, err = pulpclient.PollTask(ctx, client, href, pulpclient.DefaultPollConfig)
		return err
	}

	href, err := client.SubmitTask(ctx, "PATCH", page.Results[0].Href, map[string]interface{}{"publication": publicationHref})
	if err != nil {
		return err
	}
	_, err = pulpclient.PollTask(ctx, client, href, pulpclient.DefaultPollConfig)
	return err
}

func pulpSegment(kind types.RepoKind) string {
	switch kind {
	case types.RepoKindDeb:
		return "deb/apt"
	case types.RepoKindRPM:
		return "rpm/rpm"
	case types.RepoKindFile:
		return "file/file"
	case types.RepoKindPython:
		return "python/pypi"
	case types.RepoKindContainer:
		return "container/container"
	default:
		return string(kind)
	}
}

// --- Reconcile dispatch -------------------------------------------------------

func (w *Worker) dispatchReconcile(ctx context.Context, job *types.Job, client *pulpclient.Client) (types.JobState, string) {
	var params types.ReconcileParams
	if err := json.Unmarshal(job.Parameters, &params); err != nil {
		return types.JobStateFailed, fmt.Sprintf("decoding reconcile params: %v", err)
	}

	descriptors, err := reconciler.LoadDescriptors(params.GitRepoConfigDir)
	if err != nil {
		return types.JobStateFailed, err.Error()
	}

	cfg := w.reconcilerConfig()
	state := reconciler.Run(ctx, w.store, reconciler.Request{
		JobID:       job.ID,
		Client:      client,
		Descriptors: descriptors,
		Config:      cfg,
	})
	return state, ""
}

func (w *Worker) reconcilerConfig() reconciler.Config {
	if w.appConfig == nil {
		return reconciler.Config{Naming: reconciler.NamingRule{ExternalPrefix: "ext-"}}
	}
	p := w.appConfig.Pulp

	naming := reconciler.NamingRule{
		InternalPrefix: p.InternalPackagePrefix,
		ExternalPrefix: "ext-",
	}
	if p.PackageNameReplacementPattern != "" {
		if re, err := regexp.Compile(p.PackageNameReplacementPattern); err == nil {
			naming.Replace = re
			naming.ReplaceWith = p.PackageNameReplacementRule
		}
	}

	var banned *regexp.Regexp
	if p.BannedPackageRegex != "" {
		banned, _ = regexp.Compile(p.BannedPackageRegex)
	}

	return reconciler.Config{
		Naming:                naming,
		DebSigningServiceHref: p.DebSigningService,
		BannedPackageRegex:    banned,
	}
}
