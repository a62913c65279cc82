package metrics

import (
	"time"

	"github.com/cuemby/pulp-manager/pkg/types"
)

// jobLister is the subset of storage.JobStore the Collector polls.
// Defined locally, not imported from pkg/storage, so this package has
// no dependency on the storage backend.
type jobLister interface {
	ListJobs() ([]*types.Job, error)
}

// cacheSizer reports how many entries a credentials.Resolver currently
// holds. Satisfied by *credentials.Resolver's Len method.
type cacheSizer interface {
	Len() int
}

// Collector periodically snapshots the Job Store into the gauge
// metrics that reflect point-in-time state rather than discrete
// events (JobsByState, ActiveJobs, CredentialsCacheSize). Counters and
// histograms are updated directly at their call sites in the
// Scheduler and Worker instead, since those reflect events the
// Collector would otherwise have to reconstruct by diffing polls.
type Collector struct {
	store    jobLister
	cache    cacheSizer
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector constructs a Collector. cache may be nil if credentials
// cache occupancy should not be reported.
func NewCollector(store jobLister, cache cacheSizer) *Collector {
	return &Collector{store: store, cache: cache, interval: 15 * time.Second, stopCh: make(chan struct{})}
}

// Start begins collecting on a fixed interval, collecting once
// immediately before the first tick.
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop halts collection.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectJobMetrics()
	c.collectCacheMetrics()
}

func (c *Collector) collectJobMetrics() {
	jobs, err := c.store.ListJobs()
	if err != nil {
		return
	}

	counts := make(map[types.JobKind]map[types.JobState]int)
	active := 0
	for _, job := range jobs {
		if counts[job.Kind] == nil {
			counts[job.Kind] = make(map[types.JobState]int)
		}
		counts[job.Kind][job.State]++
		if !job.State.Terminal() {
			active++
		}
	}

	JobsByState.Reset()
	for kind, states := range counts {
		for state, n := range states {
			JobsByState.WithLabelValues(string(kind), string(state)).Set(float64(n))
		}
	}
	ActiveJobs.Set(float64(active))
}

func (c *Collector) collectCacheMetrics() {
	if c.cache == nil {
		return
	}
	CredentialsCacheSize.Set(float64(c.cache.Len()))
}
