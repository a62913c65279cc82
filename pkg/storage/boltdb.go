package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/cuemby/pulp-manager/pkg/types"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketServers          = []byte("servers")
	bucketRepoGroups       = []byte("repo_groups")
	bucketServerRepoGroups = []byte("server_repo_groups")
	bucketCredentials      = []byte("credentials")
	bucketJobs             = []byte("jobs")
	bucketRepoTaskResults  = []byte("repo_task_results")
	bucketPulpServerRepos  = []byte("pulp_server_repos")
)

// BoltJobStore is a JobStore backed by a single embedded bbolt database,
// one bucket per entity, JSON-encoded values.
type BoltJobStore struct {
	db *bolt.DB
}

// NewBoltJobStore opens (creating if absent) the job store database under
// dataDir.
func NewBoltJobStore(dataDir string) (*BoltJobStore, error) {
	path := filepath.Join(dataDir, "pulp-manager.db")
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening job store at %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{
			bucketServers, bucketRepoGroups, bucketServerRepoGroups,
			bucketCredentials, bucketJobs, bucketRepoTaskResults,
			bucketPulpServerRepos,
		} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing buckets: %w", err)
	}

	return &BoltJobStore{db: db}, nil
}

func (s *BoltJobStore) Close() error {
	return s.db.Close()
}

// --- Jobs -------------------------------------------------------------

func (s *BoltJobStore) CreateJob(parentID string, kind types.JobKind, server string, params []byte) (string, error) {
	job := &types.Job{
		ID:         uuid.New().String(),
		ParentID:   parentID,
		Kind:       kind,
		Server:     server,
		State:      types.JobStateQueued,
		EnqueuedAt: time.Now(),
		Parameters: json.RawMessage(params),
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketJobs), job.ID, job)
	})
	if err != nil {
		return "", fmt.Errorf("creating job: %w", err)
	}
	return job.ID, nil
}

// Claim transitions a job queued→running iff its current state is queued.
// The bbolt writer lock serializes this against concurrent claims, giving
// the row-level optimistic check the at-most-one-running invariant needs.
func (s *BoltJobStore) Claim(jobID string) (bool, error) {
	claimed := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		var job types.Job
		if err := getJSON(b, jobID, &job); err != nil {
			return err
		}
		if job.State != types.JobStateQueued {
			return nil
		}
		job.State = types.JobStateRunning
		job.StartedAt = time.Now()
		claimed = true
		return putJSON(b, jobID, &job)
	})
	if err != nil {
		return false, fmt.Errorf("claiming job %s: %w", jobID, err)
	}
	return claimed, nil
}

// MarkTerminal transitions running→state. It is idempotent with respect
// to an identical terminal state already recorded.
func (s *BoltJobStore) MarkTerminal(jobID string, state types.JobState, errMsg string) error {
	if !state.Terminal() {
		return fmt.Errorf("mark_terminal called with non-terminal state %q", state)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		var job types.Job
		if err := getJSON(b, jobID, &job); err != nil {
			return err
		}
		if job.State == state {
			return nil
		}
		if job.State != types.JobStateRunning {
			return fmt.Errorf("mark_terminal on job %s in state %q, want %q", jobID, job.State, types.JobStateRunning)
		}
		job.State = state
		job.Error = errMsg
		job.FinishedAt = time.Now()
		return putJSON(b, jobID, &job)
	})
}

func (s *BoltJobStore) RecordRepoResult(jobID, repo string, state types.RepoResultState, taskHref, errMsg string) error {
	result := &types.RepoTaskResult{
		ID:         uuid.New().String(),
		JobID:      jobID,
		Repo:       repo,
		State:      state,
		TaskHref:   taskHref,
		Error:      errMsg,
		FinishedAt: time.Now(),
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketRepoTaskResults), result.ID, result)
	})
}

func (s *BoltJobStore) ListActive(server string, kind types.JobKind) ([]*types.Job, error) {
	var out []*types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(_, v []byte) error {
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			if job.Server != server || job.Kind != kind {
				return nil
			}
			if job.State == types.JobStateQueued || job.State == types.JobStateRunning {
				out = append(out, &job)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltJobStore) GetJob(jobID string) (*types.Job, error) {
	var job types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketJobs), jobID, &job)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *BoltJobStore) ListJobs() ([]*types.Job, error) {
	var out []*types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(_, v []byte) error {
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			out = append(out, &job)
			return nil
		})
	})
	return out, err
}

func (s *BoltJobStore) ListRepoTaskResults(jobID string) ([]*types.RepoTaskResult, error) {
	var out []*types.RepoTaskResult
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRepoTaskResults).ForEach(func(_, v []byte) error {
			var r types.RepoTaskResult
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			if r.JobID == jobID {
				out = append(out, &r)
			}
			return nil
		})
	})
	return out, err
}

// RecoverCrashedJobs marks every job found in state running at process
// startup as failed/worker_crashed: this process has not claimed anything
// yet, so any running job it finds belongs to a prior, now-dead owner.
func (s *BoltJobStore) RecoverCrashedJobs() (int, error) {
	n := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		return b.ForEach(func(k, v []byte) error {
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			if job.State != types.JobStateRunning {
				return nil
			}
			job.State = types.JobStateFailed
			job.Error = "worker_crashed"
			job.FinishedAt = time.Now()
			n++
			return putJSON(b, string(k), &job)
		})
	})
	return n, err
}

// --- Catalog entities ---------------------------------------------------

func (s *BoltJobStore) UpsertServer(server *types.PulpServer) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketServers), server.Name, server)
	})
}

func (s *BoltJobStore) GetServer(name string) (*types.PulpServer, error) {
	var server types.PulpServer
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketServers), name, &server)
	})
	if err != nil {
		return nil, err
	}
	return &server, nil
}

func (s *BoltJobStore) ListServers() ([]*types.PulpServer, error) {
	var out []*types.PulpServer
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketServers).ForEach(func(_, v []byte) error {
			var server types.PulpServer
			if err := json.Unmarshal(v, &server); err != nil {
				return err
			}
			out = append(out, &server)
			return nil
		})
	})
	return out, err
}

func (s *BoltJobStore) UpsertRepoGroup(group *types.RepoGroup) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketRepoGroups), group.Name, group)
	})
}

func (s *BoltJobStore) ListRepoGroups() ([]*types.RepoGroup, error) {
	var out []*types.RepoGroup
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRepoGroups).ForEach(func(_, v []byte) error {
			var g types.RepoGroup
			if err := json.Unmarshal(v, &g); err != nil {
				return err
			}
			out = append(out, &g)
			return nil
		})
	})
	return out, err
}

func serverRepoGroupKey(b *types.ServerRepoGroup) string {
	return b.Server + "/" + b.Group
}

func (s *BoltJobStore) UpsertServerRepoGroup(binding *types.ServerRepoGroup) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketServerRepoGroups), serverRepoGroupKey(binding), binding)
	})
}

func (s *BoltJobStore) ListServerRepoGroups() ([]*types.ServerRepoGroup, error) {
	var out []*types.ServerRepoGroup
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketServerRepoGroups).ForEach(func(_, v []byte) error {
			var b types.ServerRepoGroup
			if err := json.Unmarshal(v, &b); err != nil {
				return err
			}
			out = append(out, &b)
			return nil
		})
	})
	return out, err
}

func (s *BoltJobStore) UpsertCredentialsRef(ref *types.CredentialsRef) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketCredentials), ref.Name, ref)
	})
}

func (s *BoltJobStore) GetCredentialsRef(name string) (*types.CredentialsRef, error) {
	var ref types.CredentialsRef
	err := s.db.View(func(tx *bolt.Tx) error {
		return getJSON(tx.Bucket(bucketCredentials), name, &ref)
	})
	if err != nil {
		return nil, err
	}
	return &ref, nil
}

// --- Discovered repos -----------------------------------------------------

func repoKey(server, name string) string {
	return server + "/" + name
}

func (s *BoltJobStore) UpsertRepo(repo *types.PulpServerRepo) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketPulpServerRepos), repoKey(repo.Server, repo.Name), repo)
	})
}

func (s *BoltJobStore) ListRepos(server string) ([]*types.PulpServerRepo, error) {
	var out []*types.PulpServerRepo
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPulpServerRepos).ForEach(func(_, v []byte) error {
			var r types.PulpServerRepo
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			if r.Server == server {
				out = append(out, &r)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltJobStore) DeleteRepo(server, name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPulpServerRepos).Delete([]byte(repoKey(server, name)))
	})
}

// --- helpers ---------------------------------------------------------

func putJSON(b *bolt.Bucket, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %T: %w", v, err)
	}
	return b.Put([]byte(key), data)
}

func getJSON(b *bolt.Bucket, key string, v interface{}) error {
	data := b.Get([]byte(key))
	if data == nil {
		return fmt.Errorf("not found: %s", key)
	}
	return json.Unmarshal(data, v)
}

var _ JobStore = (*BoltJobStore)(nil)
