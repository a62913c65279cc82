// Package reconciler converges a Pulp primary server's state to a
// declarative JSON repository catalog fetched from a git checkout
// directory: it diffs desired vs. actual remote/repository/publication/
// distribution objects and issues the minimum set of Pulp operations to
// converge. See §4.6.
package reconciler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/cuemby/pulp-manager/pkg/pulpclient"
	"github.com/cuemby/pulp-manager/pkg/types"
)

// descriptorMarkerPrefix tags a repository's description field with the
// descriptor's stable identifier (its filename stem), so a rename in the
// catalog (canonical name changes but the descriptor is the same file)
// is recognized as a rename rather than create+orphan. See spec.md §4.6
// "Naming collisions" and §9 Open Question (a): Pulp's repository is
// authoritative, the marker is only a hint for matching.
const descriptorMarkerPrefix = "pulp-manager:descriptor="

// Descriptor is one parsed repository JSON descriptor from the git
// checkout directory. Known fields are validated strictly; everything
// else in the source JSON is preserved in Raw and forwarded to Pulp
// verbatim on create, per §9 "Dynamic JSON descriptors".
type Descriptor struct {
	ID              string // stable identity: the source file's stem
	Name            string
	ContentRepoType types.RepoKind
	Description     string
	Owner           string
	BaseURL         string
	URL             string
	Proxy           string
	TLSValidation   *bool
	Distributions   []string
	Components      []string
	Architectures   []string
	SyncSources     []string
	SyncUdebs       *bool
	SyncInstaller   *bool
	Raw             map[string]json.RawMessage
}

// External reports whether the descriptor names an upstream URL, which
// classifies it as "external" (ext- prefix) rather than "internal" per
// §4.6 step 1.
func (d *Descriptor) External() bool {
	return d.URL != ""
}

func (d *Descriptor) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	d.Raw = raw

	type known struct {
		Name            string   `json:"name"`
		ContentRepoType string   `json:"content_repo_type"`
		Description     string   `json:"description"`
		Owner           string   `json:"owner"`
		BaseURL         string   `json:"base_url"`
		URL             string   `json:"url"`
		Proxy           string   `json:"proxy"`
		TLSValidation   *bool    `json:"tls_validation"`
		Distributions   []string `json:"distributions"`
		Components      []string `json:"components"`
		Architectures   []string `json:"architectures"`
		SyncSources     []string `json:"sync_sources"`
		SyncUdebs       *bool    `json:"sync_udebs"`
		SyncInstaller   *bool    `json:"sync_installer"`
	}
	var k known
	if err := json.Unmarshal(data, &k); err != nil {
		return fmt.Errorf("descriptor has invalid known fields: %w", err)
	}
	if k.Name == "" {
		return fmt.Errorf("descriptor missing required field %q", "name")
	}
	if k.ContentRepoType == "" {
		return fmt.Errorf("descriptor missing required field %q", "content_repo_type")
	}

	d.Name = k.Name
	d.ContentRepoType = types.RepoKind(k.ContentRepoType)
	d.Description = k.Description
	d.Owner = k.Owner
	d.BaseURL = k.BaseURL
	d.URL = k.URL
	d.Proxy = k.Proxy
	d.TLSValidation = k.TLSValidation
	d.Distributions = k.Distributions
	d.Components = k.Components
	d.Architectures = k.Architectures
	d.SyncSources = k.SyncSources
	d.SyncUdebs = k.SyncUdebs
	d.SyncInstaller = k.SyncInstaller
	return nil
}

// LoadDescriptors walks dir for *.json repository descriptors. Each
// file's basename (without extension) becomes the descriptor's stable
// ID, used for rename detection across catalog edits.
func LoadDescriptors(dir string) ([]*Descriptor, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading repo config dir %s: %w", dir, err)
	}

	var out []*Descriptor
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading descriptor %s: %w", path, err)
		}
		var d Descriptor
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, fmt.Errorf("parsing descriptor %s: %w", path, err)
		}
		d.ID = strings.TrimSuffix(e.Name(), ".json")
		out = append(out, &d)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// NamingRule computes a descriptor's canonical repository name, per
// §4.6 step 1 and §9 Open Question (b): the replacement pattern/rule is
// applied here, reconcile-only, so repeated runs stay idempotent.
type NamingRule struct {
	InternalPrefix string
	ExternalPrefix string // defaults to "ext-" when empty
	Replace        *regexp.Regexp
	ReplaceWith    string
}

// CanonicalName returns the prefix-and-optionally-rewritten name a
// descriptor should have in Pulp.
func (n NamingRule) CanonicalName(d *Descriptor) string {
	base := d.Name
	if n.Replace != nil {
		base = n.Replace.ReplaceAllString(base, n.ReplaceWith)
	}
	prefix := n.ExternalPrefix
	if prefix == "" {
		prefix = "ext-"
	}
	if !d.External() {
		prefix = n.InternalPrefix
	}
	return prefix + base
}

// Config bundles the reconcile-time policy read from the application
// INI config (pulp.* section of §6).
type Config struct {
	Naming                NamingRule
	DebSigningServiceHref string // empty disables signing-service attachment
	BannedPackageRegex    *regexp.Regexp
}

// ResultRecorder is the subset of the Job Store the Reconciler writes to.
type ResultRecorder interface {
	RecordRepoResult(jobID, repo string, state types.RepoResultState, taskHref, errMsg string) error
}

// Request bundles one Reconcile invocation's parameters.
type Request struct {
	JobID       string
	Client      *pulpclient.Client
	Descriptors []*Descriptor
	Config      Config
}

// Run applies every descriptor independently (§4.6 "Failure semantics":
// one failure does not abort the batch), then reports any repository
// under this naming scheme that no descriptor claims as orphan, and
// returns the aggregate Job state.
func Run(ctx context.Context, store ResultRecorder, req Request) types.JobState {
	var wg sync.WaitGroup
	var mu sync.Mutex
	anyFailed := false
	claimed := make(map[types.RepoKind]map[string]bool)

	for _, d := range req.Descriptors {
		d := d
		name := req.Config.Naming.CanonicalName(d)

		mu.Lock()
		if claimed[d.ContentRepoType] == nil {
			claimed[d.ContentRepoType] = make(map[string]bool)
		}
		claimed[d.ContentRepoType][name] = true
		mu.Unlock()

		wg.Add(1)
		go func() {
			defer wg.Done()
			state, href, errMsg := reconcileOne(ctx, req.Client, req.Config, d, name)
			_ = store.RecordRepoResult(req.JobID, name, state, href, errMsg)
			if state == types.RepoResultFailed {
				mu.Lock()
				anyFailed = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	reportOrphans(ctx, store, req, claimed)

	if ctx.Err() != nil {
		return types.JobStateCanceled
	}
	if anyFailed {
		return types.JobStateFailed
	}
	return types.JobStateSucceeded
}

func reconcileOne(ctx context.Context, client *pulpclient.Client, cfg Config, d *Descriptor, name string) (types.RepoResultState, string, string) {
	repo, err := findRepo(ctx, client, d.ContentRepoType, name, d.ID)
	if err != nil {
		return types.RepoResultFailed, "", fmt.Sprintf("lookup: %v", err)
	}

	if repo == nil {
		repo, err = createRepository(ctx, client, d.ContentRepoType, name, d)
		if err != nil {
			return types.RepoResultFailed, "", fmt.Sprintf("create repository: %v", err)
		}
	} else if repo.Name != name {
		if err := renameRepository(ctx, client, repo, name); err != nil {
			return types.RepoResultFailed, repo.Href, fmt.Sprintf("rename repository: %v", err)
		}
		repo.Name = name
	}

	if d.External() {
		if err := ensureRemote(ctx, client, d.ContentRepoType, repo, d); err != nil {
			return types.RepoResultFailed, repo.Href, fmt.Sprintf("ensure remote: %v", err)
		}
	} else if repo.RemoteHref != "" {
		if err := detachRemote(ctx, client, repo); err != nil {
			return types.RepoResultFailed, repo.Href, fmt.Sprintf("detach remote: %v", err)
		}
	}

	if d.ContentRepoType == types.RepoKindDeb && cfg.DebSigningServiceHref != "" && repo.SigningServiceHref != cfg.DebSigningServiceHref {
		if err := ensureSigningService(ctx, client, repo, cfg.DebSigningServiceHref); err != nil {
			return types.RepoResultFailed, repo.Href, fmt.Sprintf("ensure signing service: %v", err)
		}
	}

	if err := ensureDistribution(ctx, client, d.ContentRepoType, name, repo); err != nil {
		return types.RepoResultFailed, repo.Href, fmt.Sprintf("ensure distribution: %v", err)
	}

	return types.RepoResultCompleted, repo.Href, ""
}

// reportOrphans records every repository whose name carries this
// reconciler's prefix convention but that no descriptor claimed, per
// §4.6 "Naming collisions": recognized but unclaimed repos are orphans,
// not deleted.
func reportOrphans(ctx context.Context, store ResultRecorder, req Request, claimed map[types.RepoKind]map[string]bool) {
	seen := make(map[types.RepoKind]bool)
	for _, d := range req.Descriptors {
		if seen[d.ContentRepoType] {
			continue
		}
		seen[d.ContentRepoType] = true

		repos, err := listRepositories(ctx, req.Client, d.ContentRepoType)
		if err != nil {
			continue
		}
		for _, r := range repos {
			if claimed[d.ContentRepoType][r.Name] {
				continue
			}
			if !hasRecognizedPrefix(r.Name, req.Config.Naming) {
				continue
			}
			_ = store.RecordRepoResult(req.JobID, r.Name, types.RepoResultOrphan, r.Href, "")
		}
	}
}

func hasRecognizedPrefix(name string, n NamingRule) bool {
	ext := n.ExternalPrefix
	if ext == "" {
		ext = "ext-"
	}
	return strings.HasPrefix(name, ext) || (n.InternalPrefix != "" && strings.HasPrefix(name, n.InternalPrefix))
}

// PurgeBannedPackages removes content units matching the configured
// banned-package regex from repo, per §4.6 step 6. Invoked by the
// Worker after a sync job's completion, not as part of Run itself,
// since the trigger is "after any sync completion" rather than a
// reconcile-batch step.
func PurgeBannedPackages(ctx context.Context, client *pulpclient.Client, repo *PulpRepo, banned *regexp.Regexp) (int, error) {
	if banned == nil {
		return 0, nil
	}
	hrefs, err := listBannedContent(ctx, client, repo, banned)
	if err != nil {
		return 0, fmt.Errorf("listing content: %w", err)
	}
	if len(hrefs) == 0 {
		return 0, nil
	}
	if err := removeContent(ctx, client, repo, hrefs); err != nil {
		return 0, fmt.Errorf("removing content: %w", err)
	}
	return len(hrefs), nil
}

// --- Pulp wire-level helpers -------------------------------------------------

// PulpRepo mirrors the subset of a Pulp repository resource the
// Reconciler reads and writes.
type PulpRepo struct {
	Href                string `json:"pulp_href"`
	Name                string `json:"name"`
	Description         string `json:"description"`
	RemoteHref          string `json:"remote"`
	SigningServiceHref  string `json:"signing_service"`
	LatestVersionHref   string `json:"latest_version_href"`
}

type remoteResource struct {
	Href          string `json:"pulp_href"`
	Name          string `json:"name"`
	URL           string `json:"url"`
	Proxy         string `json:"proxy_url,omitempty"`
	TLSValidation bool   `json:"tls_validation"`
}

type distributionResource struct {
	Href       string `json:"pulp_href"`
	Name       string `json:"name"`
	BasePath   string `json:"base_path"`
	Repository string `json:"repository,omitempty"`
}

type listEnvelope[T any] struct {
	Results []T `json:"results"`
}

// pulpPathSegment maps a RepoKind to the plugin/type path segment Pulp
// uses for repositories/remotes/distributions/publications, e.g.
// "deb/apt", "rpm/rpm", "file/file", "python/pypi", "container/container".
func pulpPathSegment(kind types.RepoKind) string {
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

func reposPath(kind types.RepoKind) string {
	return "/pulp/api/v3/repositories/" + pulpPathSegment(kind) + "/"
}

func remotesPath(kind types.RepoKind) string {
	return "/pulp/api/v3/remotes/" + pulpPathSegment(kind) + "/"
}

func distributionsPath(kind types.RepoKind) string {
	return "/pulp/api/v3/distributions/" + pulpPathSegment(kind) + "/"
}

// ListRepositories lists every repository of the given kind. Exported so
// the Worker can use it for pre-sync repository discovery (§4.5 step 2),
// sharing the same wire convention the Reconciler uses.
func ListRepositories(ctx context.Context, client *pulpclient.Client, kind types.RepoKind) ([]*PulpRepo, error) {
	return listRepositories(ctx, client, kind)
}

func listRepositories(ctx context.Context, client *pulpclient.Client, kind types.RepoKind) ([]*PulpRepo, error) {
	var out []*PulpRepo
	err := client.ListAll(ctx, reposPath(kind), func(raw json.RawMessage) error {
		var page listEnvelope[*PulpRepo]
		if err := json.Unmarshal(raw, &page.Results); err != nil {
			return err
		}
		out = append(out, page.Results...)
		return nil
	})
	return out, err
}

// FetchRepo retrieves a single repository resource by href, regardless of
// kind — the representation is kind-agnostic at this field set. Used by
// the Worker to re-fetch a repo's LatestVersionHref before a banned-package
// sweep (§4.6 step 6).
func FetchRepo(ctx context.Context, client *pulpclient.Client, href string) (*PulpRepo, error) {
	var repo PulpRepo
	if err := client.Do(ctx, http.MethodGet, href, nil, &repo); err != nil {
		return nil, err
	}
	return &repo, nil
}

// findRepo looks up a repository by canonical name first; failing that,
// by the descriptor-ID marker stashed in Description, so a rename in
// the catalog is recognized as a rename rather than create+orphan.
func findRepo(ctx context.Context, client *pulpclient.Client, kind types.RepoKind, name, descriptorID string) (*PulpRepo, error) {
	repos, err := listRepositories(ctx, client, kind)
	if err != nil {
		return nil, err
	}

	marker := descriptorMarkerPrefix + descriptorID
	var byMarker *PulpRepo
	for _, r := range repos {
		if r.Name == name {
			return r, nil
		}
		if strings.Contains(r.Description, marker) {
			byMarker = r
		}
	}
	return byMarker, nil
}

func createRepository(ctx context.Context, client *pulpclient.Client, kind types.RepoKind, name string, d *Descriptor) (*PulpRepo, error) {
	body := map[string]interface{}{}
	for k, v := range d.Raw {
		switch k {
		case "name", "content_repo_type", "url", "proxy", "tls_validation", "description":
			// handled explicitly below; everything else forwards verbatim.
		default:
			var decoded interface{}
			if err := json.Unmarshal(v, &decoded); err == nil {
				body[k] = decoded
			}
		}
	}
	body["name"] = name
	body["description"] = descriptorMarkerPrefix + d.ID
	if d.Owner != "" {
		body["description"] = body["description"].(string) + " owner=" + d.Owner
	}

	href, err := client.SubmitTask(ctx, http.MethodPost, reposPath(kind), body)
	if err != nil {
		return nil, err
	}
	task, err := pulpclient.PollTask(ctx, client, href, pulpclient.DefaultPollConfig)
	if err != nil {
		return nil, err
	}
	repoHref, err := firstCreated(task, "/repositories/")
	if err != nil {
		return nil, err
	}
	var repo PulpRepo
	if err := client.Do(ctx, http.MethodGet, repoHref, nil, &repo); err != nil {
		return nil, err
	}
	return &repo, nil
}

func renameRepository(ctx context.Context, client *pulpclient.Client, repo *PulpRepo, newName string) error {
	href, err := client.SubmitTask(ctx, http.MethodPatch, repo.Href, map[string]interface{}{"name": newName})
	if err != nil {
		return err
	}
	_, err = pulpclient.PollTask(ctx, client, href, pulpclient.DefaultPollConfig)
	return err
}

func ensureRemote(ctx context.Context, client *pulpclient.Client, kind types.RepoKind, repo *PulpRepo, d *Descriptor) error {
	tlsValidation := true
	if d.TLSValidation != nil {
		tlsValidation = *d.TLSValidation
	}

	var remote *remoteResource
	if repo.RemoteHref != "" {
		remote = &remoteResource{}
		if err := client.Do(ctx, http.MethodGet, repo.RemoteHref, nil, remote); err != nil {
			return err
		}
	}

	switch {
	case remote == nil:
		href, err := client.SubmitTask(ctx, http.MethodPost, remotesPath(kind), map[string]interface{}{
			"name":           repo.Name,
			"url":            d.URL,
			"proxy_url":      d.Proxy,
			"tls_validation": tlsValidation,
		})
		if err != nil {
			return err
		}
		task, err := pulpclient.PollTask(ctx, client, href, pulpclient.DefaultPollConfig)
		if err != nil {
			return err
		}
		remoteHref, err := firstCreated(task, "/remotes/")
		if err != nil {
			return err
		}
		return attachRemote(ctx, client, repo, remoteHref)

	case remote.URL != d.URL || remote.Proxy != d.Proxy || remote.TLSValidation != tlsValidation:
		href, err := client.SubmitTask(ctx, http.MethodPatch, remote.Href, map[string]interface{}{
			"url":            d.URL,
			"proxy_url":      d.Proxy,
			"tls_validation": tlsValidation,
		})
		if err != nil {
			return err
		}
		_, err = pulpclient.PollTask(ctx, client, href, pulpclient.DefaultPollConfig)
		return err

	default:
		return nil
	}
}

func attachRemote(ctx context.Context, client *pulpclient.Client, repo *PulpRepo, remoteHref string) error {
	href, err := client.SubmitTask(ctx, http.MethodPatch, repo.Href, map[string]interface{}{"remote": remoteHref})
	if err != nil {
		return err
	}
	_, err = pulpclient.PollTask(ctx, client, href, pulpclient.DefaultPollConfig)
	if err == nil {
		repo.RemoteHref = remoteHref
	}
	return err
}

func detachRemote(ctx context.Context, client *pulpclient.Client, repo *PulpRepo) error {
	href, err := client.SubmitTask(ctx, http.MethodPatch, repo.Href, map[string]interface{}{"remote": nil})
	if err != nil {
		return err
	}
	_, err = pulpclient.PollTask(ctx, client, href, pulpclient.DefaultPollConfig)
	if err == nil {
		repo.RemoteHref = ""
	}
	return err
}

func ensureSigningService(ctx context.Context, client *pulpclient.Client, repo *PulpRepo, signingServiceHref string) error {
	href, err := client.SubmitTask(ctx, http.MethodPatch, repo.Href, map[string]interface{}{"signing_service": signingServiceHref})
	if err != nil {
		return err
	}
	_, err = pulpclient.PollTask(ctx, client, href, pulpclient.DefaultPollConfig)
	if err == nil {
		repo.SigningServiceHref = signingServiceHref
	}
	return err
}

// ensureDistribution ensures a distribution exists at base_path bound
// directly to the repository (auto-serving its latest publication as it
// changes), per §4.6 step 5. Snapshotter distributions, by contrast, pin
// a fixed historical publication href (§4.7) and are managed separately.
func ensureDistribution(ctx context.Context, client *pulpclient.Client, kind types.RepoKind, basePath string, repo *PulpRepo) error {
	var page listEnvelope[distributionResource]
	path := fmt.Sprintf("%s?base_path=%s", distributionsPath(kind), basePath)
	if err := client.Do(ctx, http.MethodGet, path, nil, &page); err != nil {
		return err
	}

	if len(page.Results) == 0 {
		href, err := client.SubmitTask(ctx, http.MethodPost, distributionsPath(kind), map[string]interface{}{
			"name":       basePath,
			"base_path":  basePath,
			"repository": repo.Href,
		})
		if err != nil {
			return err
		}
		_, err = pulpclient.PollTask(ctx, client, href, pulpclient.DefaultPollConfig)
		return err
	}

	existing := page.Results[0]
	if existing.Repository == repo.Href {
		return nil
	}
	href, err := client.SubmitTask(ctx, http.MethodPatch, existing.Href, map[string]interface{}{"repository": repo.Href})
	if err != nil {
		return err
	}
	_, err = pulpclient.PollTask(ctx, client, href, pulpclient.DefaultPollConfig)
	return err
}

func listBannedContent(ctx context.Context, client *pulpclient.Client, repo *PulpRepo, banned *regexp.Regexp) ([]string, error) {
	var page listEnvelope[struct {
		Href string `json:"pulp_href"`
		Name string `json:"name"`
	}]
	path := fmt.Sprintf("/pulp/api/v3/content/?repository_version=%s", repo.LatestVersionHref)
	if err := client.Do(ctx, http.MethodGet, path, nil, &page); err != nil {
		return nil, err
	}

	var hrefs []string
	for _, c := range page.Results {
		if banned.MatchString(c.Name) {
			hrefs = append(hrefs, c.Href)
		}
	}
	return hrefs, nil
}

func removeContent(ctx context.Context, client *pulpclient.Client, repo *PulpRepo, hrefs []string) error {
	href, err := client.SubmitTask(ctx, http.MethodPost, repo.Href+"modify/", map[string]interface{}{
		"remove_content_units": hrefs,
	})
	if err != nil {
		return err
	}
	_, err = pulpclient.PollTask(ctx, client, href, pulpclient.DefaultPollConfig)
	return err
}

func firstCreated(task *pulpclient.Task, substr string) (string, error) {
	for _, href := range task.CreatedResources {
		if strings.Contains(href, substr) {
			return href, nil
		}
	}
	if len(task.CreatedResources) > 0 {
		return task.CreatedResources[0], nil
	}
	return "", fmt.Errorf("task reported no created resources")
}
