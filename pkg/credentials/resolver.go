// Package credentials resolves a named credentials reference into a
// concrete Pulp username/password pair by calling an external secret
// store, caching results with a bounded TTL.
package credentials

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/pulp-manager/pkg/metrics"
	"github.com/cuemby/pulp-manager/pkg/types"
	lru "github.com/hashicorp/golang-lru/v2"
)

// SecretStore is the external collaborator's contract: fetch the
// username/password pair stored at mountPath.
type SecretStore interface {
	Fetch(ctx context.Context, mountPath string) (username, password string, err error)
}

type cachedCred struct {
	username string
	password string
	expires  time.Time
}

// Resolver resolves CredentialsRefs to concrete credentials, caching
// results for cacheTTL. Safe for concurrent use.
type Resolver struct {
	store    SecretStore
	cacheTTL time.Duration

	mu    sync.Mutex
	cache *lru.Cache[string, cachedCred]
}

// DefaultCacheTTL is the bounded TTL the contract of §4.2 calls for
// ("5-15 min typical").
const DefaultCacheTTL = 10 * time.Minute

const defaultCacheSize = 256

// NewResolver constructs a Resolver backed by store. ttl <= 0 uses
// DefaultCacheTTL.
func NewResolver(store SecretStore, ttl time.Duration) (*Resolver, error) {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	cache, err := lru.New[string, cachedCred](defaultCacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating credentials cache: %w", err)
	}
	return &Resolver{store: store, cacheTTL: ttl, cache: cache}, nil
}

// Resolve returns the username/password for ref. It is safe to call
// concurrently. Transport errors or a missing secret are returned as
// ErrCredentialsUnavailable and must not be retried within the calling job.
func (r *Resolver) Resolve(ctx context.Context, ref *types.CredentialsRef) (username, password string, err error) {
	r.mu.Lock()
	if cached, ok := r.cache.Get(ref.Name); ok && time.Now().Before(cached.expires) {
		r.mu.Unlock()
		metrics.CredentialsCacheHits.Inc()
		return cached.username, cached.password, nil
	}
	r.mu.Unlock()
	metrics.CredentialsCacheMisses.Inc()

	username, password, err = r.store.Fetch(ctx, ref.VaultServiceAccountMount)
	if err != nil {
		return "", "", fmt.Errorf("%w: %s: %v", types.ErrCredentialsUnavailable, ref.Name, err)
	}
	if username == "" {
		username = ref.Username
	}

	r.mu.Lock()
	r.cache.Add(ref.Name, cachedCred{username: username, password: password, expires: time.Now().Add(r.cacheTTL)})
	r.mu.Unlock()

	return username, password, nil
}

// Len reports the number of credentials references currently cached,
// for the metrics Collector's occupancy gauge.
func (r *Resolver) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cache.Len()
}
