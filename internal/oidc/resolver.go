package oidc

import (
	"context"
	"maps"
	"sync"
	"time"

	"davidallendj/oidc-apikey/internal/apikey"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultCacheTTL = time.Hour

	// SharedLookupTimeout bounds an upstream lookup once it no longer
	// follows the cancellation of the caller that started it.
	SharedLookupTimeout = 30 * time.Second
)

// Cache stores discovery documents keyed by the endpoint they came from.
type Cache interface {
	Get(ctx context.Context, endpoint string) (map[string]any, bool, error)
	Set(ctx context.Context, endpoint string, doc map[string]any, ttl time.Duration) error
}

// CachingResolver answers from Cache when it can and collapses concurrent
// lookups of the same endpoint into one upstream request.
type CachingResolver struct {
	Next   apikey.DiscoveryResolver
	Cache  Cache
	TTL    time.Duration
	Logger zerolog.Logger

	group singleflight.Group
}

func NewCachingResolver(next apikey.DiscoveryResolver, cache Cache, ttl time.Duration, logger zerolog.Logger) *CachingResolver {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CachingResolver{Next: next, Cache: cache, TTL: ttl, Logger: logger}
}

func (r *CachingResolver) Resolve(ctx context.Context, endpoint string) (map[string]any, error) {
	if r.Cache != nil {
		doc, ok, err := r.Cache.Get(ctx, endpoint)
		if err != nil {
			r.Logger.Warn().Err(err).Str("endpoint", endpoint).Msg("discovery cache read failed")
		} else if ok {
			r.Logger.Debug().Str("endpoint", endpoint).Msg("discovery cache hit")
			return doc, nil
		}
	}

	// the shared lookup outlives any single caller; each caller still
	// stops waiting when its own context ends
	ch := r.group.DoChan(endpoint, func() (any, error) {
		detached, cancel := context.WithTimeout(context.WithoutCancel(ctx), SharedLookupTimeout)
		defer cancel()
		doc, err := r.Next.Resolve(detached, endpoint)
		if err != nil {
			return nil, err
		}
		if r.Cache != nil {
			if err := r.Cache.Set(detached, endpoint, doc, r.TTL); err != nil {
				r.Logger.Warn().Err(err).Str("endpoint", endpoint).Msg("discovery cache write failed")
			}
		}
		return doc, nil
	})
	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res = <-ch:
	}
	if res.Err != nil {
		return nil, res.Err
	}
	r.Logger.Debug().Str("endpoint", endpoint).Bool("shared", res.Shared).Msg("resolved discovery document")
	return res.Val.(map[string]any), nil
}

type memoryEntry struct {
	doc       map[string]any
	expiresAt time.Time
}

// MemoryCache keeps documents in process. It is the default when no other
// cache driver is configured.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: map[string]memoryEntry{}, now: time.Now}
}

func (c *MemoryCache) Get(_ context.Context, endpoint string) (map[string]any, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[endpoint]
	if !ok || !c.now().Before(entry.expiresAt) {
		return nil, false, nil
	}
	return maps.Clone(entry.doc), true, nil
}

func (c *MemoryCache) Set(_ context.Context, endpoint string, doc map[string]any, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[endpoint] = memoryEntry{doc: maps.Clone(doc), expiresAt: c.now().Add(ttl)}
	return nil
}
