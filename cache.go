// Shared read caches.
//
// Pages are immutable once written, so the cache never invalidates —
// eviction is purely a byte-budget concern. Concurrent readers asking
// for the same uncached page share one disk load via singleflight.
package quire

import (
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// manifestCacheSize bounds the decoded-manifest cache by count;
// manifests are small compared to pages.
const manifestCacheSize = 256

// pageCache holds decoded pages under a byte budget plus a small
// manifest cache, with load deduplication for both.
type pageCache struct {
	pages     *lru.Cache[string, *page]
	manifests *lru.Cache[string, *indexManifest]
	group     singleflight.Group

	budget int64
	bytes  atomic.Int64
}

func newPageCache(budget int64) *pageCache {
	c := &pageCache{budget: budget}
	c.pages, _ = lru.NewWithEvict(1<<20, func(_ string, p *page) {
		c.bytes.Add(-int64(p.usedBytes()))
	})
	c.manifests, _ = lru.New[string, *indexManifest](manifestCacheSize)
	return c
}

// page returns the cached page or loads it via fetch, deduplicating
// concurrent loads of the same id.
func (c *pageCache) page(id string, fetch func() (*page, error)) (*page, error) {
	if p, ok := c.pages.Get(id); ok {
		return p, nil
	}
	v, err, _ := c.group.Do("page:"+id, func() (any, error) {
		if p, ok := c.pages.Get(id); ok {
			return p, nil
		}
		p, err := fetch()
		if err != nil {
			return nil, err
		}
		c.pages.Add(id, p)
		c.bytes.Add(int64(p.usedBytes()))
		for c.bytes.Load() > c.budget && c.pages.Len() > 1 {
			c.pages.RemoveOldest()
		}
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*page), nil
}

// manifest returns the cached manifest or loads it via fetch.
func (c *pageCache) manifest(id string, fetch func() (*indexManifest, error)) (*indexManifest, error) {
	if m, ok := c.manifests.Get(id); ok {
		return m, nil
	}
	v, err, _ := c.group.Do("manifest:"+id, func() (any, error) {
		if m, ok := c.manifests.Get(id); ok {
			return m, nil
		}
		m, err := fetch()
		if err != nil {
			return nil, err
		}
		c.manifests.Add(id, m)
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*indexManifest), nil
}
