package folders

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/fruitsalade/docportal/internal/drive"
	"github.com/fruitsalade/docportal/internal/metrics"
)

// CachedResolver remembers resolved folders for a bounded TTL.
type CachedResolver struct {
	next  Resolver
	cache *cache.Cache
}

// NewCachedResolver wraps next with a (vat, category) cache.
func NewCachedResolver(next Resolver, ttl time.Duration) *CachedResolver {
	return &CachedResolver{
		next:  next,
		cache: cache.New(ttl, 2*ttl),
	}
}

func cacheKey(vat string, category Category) string {
	return NormalizeVAT(vat) + "|" + category.Tag
}

// Resolve returns a cached folder or asks the wrapped resolver. Failures
// are not cached.
func (c *CachedResolver) Resolve(ctx context.Context, vat string, category Category, create bool) (drive.Item, error) {
	key := cacheKey(vat, category)
	if v, ok := c.cache.Get(key); ok {
		metrics.RecordFolderCache(true)
		return v.(drive.Item), nil
	}
	metrics.RecordFolderCache(false)

	it, err := c.next.Resolve(ctx, vat, category, create)
	if err != nil {
		return drive.Item{}, err
	}
	c.cache.SetDefault(key, it)
	return it, nil
}

// Invalidate drops the cached folder of (vat, category).
func (c *CachedResolver) Invalidate(vat string, category Category) {
	c.cache.Delete(cacheKey(vat, category))
}

// Len returns the number of cached folders.
func (c *CachedResolver) Len() int {
	return c.cache.ItemCount()
}
