package billing

import (
	"context"
	"time"

	"llm_flow/internal/metrics"
	"llm_flow/internal/models"
	"llm_flow/internal/storage"
)

type cachedCost struct {
	row   models.ModelCost
	found bool
}

// CachedLookup memoizes cost lookups, misses included, for a bounded time.
type CachedLookup struct {
	inner metrics.CostLookup
	cache *storage.LRUCache[cachedCost]
}

// NewCachedLookup wraps inner with an LRU cache of the given size and TTL.
func NewCachedLookup(inner metrics.CostLookup, size int, ttl time.Duration) *CachedLookup {
	return &CachedLookup{
		inner: inner,
		cache: storage.NewLRUCache[cachedCost](size, ttl),
	}
}

func (c *CachedLookup) LookupCost(ctx context.Context, modelID string) (models.ModelCost, bool) {
	key := costKey(modelID)
	if hit, found := c.cache.Get(key); found {
		return hit.row, hit.found
	}

	row, ok := c.inner.LookupCost(ctx, modelID)
	c.cache.Set(key, cachedCost{row: row, found: ok})
	return row, ok
}

// Invalidate drops every cached lookup, e.g. after the table was reloaded.
func (c *CachedLookup) Invalidate() {
	c.cache.Clear()
}

// Stats returns cache statistics.
func (c *CachedLookup) Stats() storage.CacheStats {
	return c.cache.GetStats()
}
