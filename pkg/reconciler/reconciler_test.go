package reconciler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/cuemby/pulp-manager/pkg/pulpclient"
	"github.com/cuemby/pulp-manager/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePulp is a minimal in-memory stand-in for the subset of the Pulp 3
// API the Reconciler drives: repositories, remotes, distributions, and
// task polling (synchronous here — tasks complete immediately).
type fakePulp struct {
	mu            sync.Mutex
	nextID        int
	repos         map[string]map[string]*PulpRepo // kind segment -> name -> repo
	remotes       map[string]*remoteResource
	distributions map[string]*distributionResource // base_path -> dist
	completedTask map[string][]string              // task href -> created_resources
	mutations     int
}

func newFakePulp() *fakePulp {
	return &fakePulp{
		repos:         make(map[string]map[string]*PulpRepo),
		remotes:       make(map[string]*remoteResource),
		distributions: make(map[string]*distributionResource),
		completedTask: make(map[string][]string),
	}
}

func (f *fakePulp) newHref(kind, segment string) string {
	f.nextID++
	if segment == "" {
		return fmt.Sprintf("/pulp/api/v3/%s/%d/", kind, f.nextID)
	}
	return fmt.Sprintf("/pulp/api/v3/%s/%s/%d/", kind, segment, f.nextID)
}

func (f *fakePulp) server() *httptest.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/pulp/api/v3/repositories/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		segment, rest := splitSegment(strings.TrimPrefix(r.URL.Path, "/pulp/api/v3/repositories/"))

		if rest == "" {
			switch r.Method {
			case http.MethodGet:
				var out []*PulpRepo
				for _, repo := range f.repos[segment] {
					out = append(out, repo)
				}
				writeJSON(w, map[string]interface{}{"results": out})
			case http.MethodPost:
				var body map[string]interface{}
				_ = json.NewDecoder(r.Body).Decode(&body)
				href := f.newHref("repositories", segment)
				repo := &PulpRepo{Href: href, Name: body["name"].(string)}
				if d, ok := body["description"].(string); ok {
					repo.Description = d
				}
				if f.repos[segment] == nil {
					f.repos[segment] = make(map[string]*PulpRepo)
				}
				f.repos[segment][repo.Name] = repo
				f.mutations++
				taskHref := f.newHref("tasks", "")
				writeJSON(w, map[string]string{"task": taskHref})
				f.completedTask[taskHref] = []string{href}
			}
			return
		}

		// /<segment>/<id>/ or /<segment>/<id>/modify/
		repo := f.findRepoByHrefSuffix(segment, rest)
		if repo == nil {
			http.NotFound(w, r)
			return
		}
		switch {
		case r.Method == http.MethodGet:
			writeJSON(w, repo)
		case r.Method == http.MethodPatch && strings.HasSuffix(rest, "modify/"):
			f.mutations++
			taskHref := f.newHref("tasks", "")
			writeJSON(w, map[string]string{"task": taskHref})
			f.completedTask[taskHref] = nil
		case r.Method == http.MethodPatch:
			var body map[string]interface{}
			_ = json.NewDecoder(r.Body).Decode(&body)
			if name, ok := body["name"].(string); ok {
				delete(f.repos[segment], repo.Name)
				repo.Name = name
				f.repos[segment][name] = repo
			}
			if rv, ok := body["remote"]; ok {
				if rv == nil {
					repo.RemoteHref = ""
				} else {
					repo.RemoteHref = rv.(string)
				}
			}
			if ss, ok := body["signing_service"].(string); ok {
				repo.SigningServiceHref = ss
			}
			f.mutations++
			taskHref := f.newHref("tasks", "")
			writeJSON(w, map[string]string{"task": taskHref})
			f.completedTask[taskHref] = nil
		}
	})

	mux.HandleFunc("/pulp/api/v3/remotes/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		// Collection POSTs arrive at /pulp/api/v3/remotes/<type>/<subtype>/.
		if _, rest := splitSegment(strings.TrimPrefix(r.URL.Path, "/pulp/api/v3/remotes/")); rest == "" && r.Method == http.MethodPost {
			var body map[string]interface{}
			_ = json.NewDecoder(r.Body).Decode(&body)
			href := f.newHref("remotes", "x")
			rem := &remoteResource{Href: href, Name: body["name"].(string), URL: str(body["url"]), Proxy: str(body["proxy_url"]), TLSValidation: boolv(body["tls_validation"])}
			f.remotes[href] = rem
			f.mutations++
			taskHref := f.newHref("tasks", "")
			writeJSON(w, map[string]string{"task": taskHref})
			f.completedTask[taskHref] = []string{href}
			return
		}

		if rem, ok := f.remotes[r.URL.Path]; ok {
			switch r.Method {
			case http.MethodGet:
				writeJSON(w, rem)
			case http.MethodPatch:
				var body map[string]interface{}
				_ = json.NewDecoder(r.Body).Decode(&body)
				rem.URL = str(body["url"])
				rem.Proxy = str(body["proxy_url"])
				rem.TLSValidation = boolv(body["tls_validation"])
				f.mutations++
				taskHref := f.newHref("tasks", "")
				writeJSON(w, map[string]string{"task": taskHref})
				f.completedTask[taskHref] = nil
			}
			return
		}
		http.NotFound(w, r)
	})

	mux.HandleFunc("/pulp/api/v3/distributions/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		_, rest := splitSegment(strings.TrimPrefix(r.URL.Path, "/pulp/api/v3/distributions/"))

		if rest == "" {
			switch r.Method {
			case http.MethodGet:
				basePath := r.URL.Query().Get("base_path")
				var results []*distributionResource
				if d, ok := f.distributions[basePath]; ok {
					results = append(results, d)
				}
				writeJSON(w, map[string]interface{}{"results": results})
			case http.MethodPost:
				var body map[string]interface{}
				_ = json.NewDecoder(r.Body).Decode(&body)
				href := f.newHref("distributions", "x")
				d := &distributionResource{Href: href, Name: str(body["name"]), BasePath: str(body["base_path"]), Repository: str(body["repository"])}
				f.distributions[d.BasePath] = d
				f.mutations++
				taskHref := f.newHref("tasks", "")
				writeJSON(w, map[string]string{"task": taskHref})
				f.completedTask[taskHref] = []string{href}
			}
			return
		}
	})

	mux.HandleFunc("/pulp/api/v3/tasks/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		created, ok := f.completedTask[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, map[string]interface{}{"state": "completed", "created_resources": created})
	})

	return httptest.NewServer(mux)
}

func (f *fakePulp) findRepoByHrefSuffix(segment, rest string) *PulpRepo {
	rest = strings.TrimSuffix(rest, "modify/")
	for _, r := range f.repos[segment] {
		if strings.Contains(r.Href, rest) {
			return r
		}
	}
	return nil
}

func splitSegment(path string) (segment, rest string) {
	// path looks like "deb/apt/" or "deb/apt/<id>/"
	parts := strings.SplitN(strings.Trim(path, "/"), "/", 3)
	if len(parts) < 2 {
		return "", ""
	}
	segment = parts[0] + "/" + parts[1]
	if len(parts) == 3 {
		rest = parts[2] + "/"
	}
	return segment, rest
}

func str(v interface{}) string {
	s, _ := v.(string)
	return s
}

func boolv(v interface{}) bool {
	b, _ := v.(bool)
	return b
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

type recordingStore struct {
	mu      sync.Mutex
	results map[string]types.RepoResultState
}

func newRecordingStore() *recordingStore {
	return &recordingStore{results: make(map[string]types.RepoResultState)}
}

func (r *recordingStore) RecordRepoResult(_, repo string, state types.RepoResultState, _, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results[repo] = state
	return nil
}

func TestReconcileIdempotence(t *testing.T) {
	fp := newFakePulp()
	srv := fp.server()
	defer srv.Close()

	client, err := pulpclient.NewClient(srv.URL, "u", "p")
	require.NoError(t, err)

	descriptors := []*Descriptor{
		{ID: "nginx", Name: "nginx", ContentRepoType: types.RepoKindDeb, URL: "https://example.com/nginx", Raw: map[string]json.RawMessage{}},
		{ID: "myapp", Name: "myapp", ContentRepoType: types.RepoKindDeb, Raw: map[string]json.RawMessage{}},
	}
	cfg := Config{Naming: NamingRule{InternalPrefix: "int-", ExternalPrefix: "ext-"}}

	store := newRecordingStore()
	state := Run(context.Background(), store, Request{JobID: "job-1", Client: client, Descriptors: descriptors, Config: cfg})

	assert.Equal(t, types.JobStateSucceeded, state)
	assert.Equal(t, types.RepoResultCompleted, store.results["ext-nginx"])
	assert.Equal(t, types.RepoResultCompleted, store.results["int-myapp"])
	assert.Len(t, fp.repos["deb/apt"], 2)
	assert.Len(t, fp.remotes, 1)
	assert.Len(t, fp.distributions, 2)

	mutationsAfterFirst := fp.mutations

	store2 := newRecordingStore()
	state2 := Run(context.Background(), store2, Request{JobID: "job-2", Client: client, Descriptors: descriptors, Config: cfg})

	assert.Equal(t, types.JobStateSucceeded, state2)
	assert.Equal(t, mutationsAfterFirst, fp.mutations, "re-applying an unchanged catalog must not mutate Pulp")
}

func TestCanonicalNameAppliesReplacementRule(t *testing.T) {
	n := NamingRule{InternalPrefix: "int-", ExternalPrefix: "ext-"}
	d := &Descriptor{Name: "nginx", URL: "https://example.com"}
	assert.Equal(t, "ext-nginx", n.CanonicalName(d))

	d2 := &Descriptor{Name: "myapp"}
	assert.Equal(t, "int-myapp", n.CanonicalName(d2))

	withReplace := NamingRule{InternalPrefix: "int-", ExternalPrefix: "ext-", Replace: regexp.MustCompile("_"), ReplaceWith: "-"}
	assert.Equal(t, "int-my-app", withReplace.CanonicalName(&Descriptor{Name: "my_app"}))
}

func TestOrphanReportedForUnclaimedRecognizedRepo(t *testing.T) {
	fp := newFakePulp()
	fp.repos["deb/apt"] = map[string]*PulpRepo{
		"ext-stale": {Href: "/pulp/api/v3/repositories/deb/apt/99/", Name: "ext-stale"},
	}
	srv := fp.server()
	defer srv.Close()

	client, err := pulpclient.NewClient(srv.URL, "u", "p")
	require.NoError(t, err)

	descriptors := []*Descriptor{
		{ID: "nginx", Name: "nginx", ContentRepoType: types.RepoKindDeb, URL: "https://example.com/nginx", Raw: map[string]json.RawMessage{}},
	}
	cfg := Config{Naming: NamingRule{InternalPrefix: "int-", ExternalPrefix: "ext-"}}

	store := newRecordingStore()
	Run(context.Background(), store, Request{JobID: "job-1", Client: client, Descriptors: descriptors, Config: cfg})

	assert.Equal(t, types.RepoResultOrphan, store.results["ext-stale"])
}
