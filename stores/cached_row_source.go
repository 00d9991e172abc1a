package stores

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/oarkflow/rowls"
)

// CachedRowSource is a read-through ristretto cache in front of another
// RowSource. Relationship joins change rarely next to how often they are
// read, so a short TTL takes most lookups off the database while bounding
// staleness. Decisions themselves are never cached: each call still walks the
// policy set and emits its own audit record.
type CachedRowSource struct {
	inner rowls.RowSource
	cache *ristretto.Cache
	ttl   time.Duration
}

func NewCachedRowSource(inner rowls.RowSource, ttl time.Duration) (*CachedRowSource, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 100_000,
		MaxCost:     10_000,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &CachedRowSource{inner: inner, cache: cache, ttl: ttl}, nil
}

func (c *CachedRowSource) FetchRelated(ctx context.Context, entity, field string, value any) ([]rowls.Row, error) {
	key := cacheKey(entity, field, value)
	if hit, ok := c.cache.Get(key); ok {
		return hit.([]rowls.Row), nil
	}
	rows, err := c.inner.FetchRelated(ctx, entity, field, value)
	if err != nil {
		// lookup failures are never cached; the caller may retry
		return nil, err
	}
	c.cache.SetWithTTL(key, rows, int64(len(rows)+1), c.ttl)
	return rows, nil
}

// Invalidate drops every cached lookup. Call it after writes that change
// join rows; the cache has no way to see those writes itself.
func (c *CachedRowSource) Invalidate() {
	c.cache.Clear()
}

// Wait blocks until buffered cache writes are applied. Only tests need it.
func (c *CachedRowSource) Wait() {
	c.cache.Wait()
}

func cacheKey(entity, field string, value any) string {
	return fmt.Sprintf("%s\x00%s\x00%v", entity, field, value)
}
