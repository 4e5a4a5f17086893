package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/duragraph/flowengine/internal/domain/graph"
	"github.com/duragraph/flowengine/internal/infrastructure/engine"
)

// CachedVersionResolver wraps a VersionResolver with a Redis cache. Version
// records are immutable, so cached OEGs never go stale; the TTL only bounds
// memory, not correctness.
type CachedVersionResolver struct {
	inner engine.VersionResolver
	cache *RedisCache
	ttl   time.Duration
}

// NewCachedVersionResolver creates a cached resolver.
func NewCachedVersionResolver(inner engine.VersionResolver, cache *RedisCache, ttl time.Duration) *CachedVersionResolver {
	if ttl == 0 {
		ttl = 15 * time.Minute
	}
	return &CachedVersionResolver{inner: inner, cache: cache, ttl: ttl}
}

// GetExecutionGraph returns the cached OEG when present; otherwise loads it
// from the store and populates the cache. Cache failures degrade to a store
// read, never an error.
func (r *CachedVersionResolver) GetExecutionGraph(ctx context.Context, versionID string) (*graph.OEG, error) {
	key := "oeg:" + versionID

	if raw, err := r.cache.GetString(ctx, key); err == nil {
		var oeg graph.OEG
		if err := json.Unmarshal([]byte(raw), &oeg); err == nil {
			return &oeg, nil
		}
	}

	oeg, err := r.inner.GetExecutionGraph(ctx, versionID)
	if err != nil {
		return nil, err
	}
	_ = r.cache.Set(ctx, key, oeg, r.ttl)
	return oeg, nil
}
