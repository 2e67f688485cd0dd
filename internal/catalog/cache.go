package catalog

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// StoreKey identifies a store in the catalog.
type StoreKey struct {
	Workspace string
	Store     string
}

func (k StoreKey) String() string {
	return k.Workspace + ":" + k.Store
}

// ResourceCache remembers the resource and layer behind each store for the
// lifetime of one request. Uploading to a store must Invalidate it so a
// re-published store is never answered from a stale entry.
type ResourceCache struct {
	mu      sync.Mutex
	entries *lru.Cache[StoreKey, *Resource]
	hits    int
	misses  int
}

// NewResourceCache creates a cache holding at most size stores.
func NewResourceCache(size int) *ResourceCache {
	if size <= 0 {
		size = 16
	}
	entries, _ := lru.New[StoreKey, *Resource](size)
	return &ResourceCache{entries: entries}
}

// Get returns the cached resource for key or loads it with loader.
// Failed loads are not cached.
func (c *ResourceCache) Get(key StoreKey, loader func() (*Resource, error)) (*Resource, error) {
	c.mu.Lock()
	if r, ok := c.entries.Get(key); ok {
		c.hits++
		c.mu.Unlock()
		return r, nil
	}
	c.misses++
	c.mu.Unlock()

	r, err := loader()
	if err != nil {
		return nil, fmt.Errorf("load resource %s: %w", key, err)
	}

	c.mu.Lock()
	c.entries.Add(key, r)
	c.mu.Unlock()
	return r, nil
}

// Invalidate drops the entry for key.
func (c *ResourceCache) Invalidate(key StoreKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Remove(key)
}

// Clear drops every entry.
func (c *ResourceCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Purge()
}

// CacheStats holds cache counters.
type CacheStats struct {
	Stores int
	Hits   int
	Misses int
}

// Stats returns cache counters.
func (c *ResourceCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Stores: c.entries.Len(),
		Hits:   c.hits,
		Misses: c.misses,
	}
}
