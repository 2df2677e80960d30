// Package cache provides a bounded, expiring in-memory cache keyed by
// bucket and object key.
package cache

import (
	"context"
	"sync"
	"time"
)

// Entry represents a cached item.
type Entry[V any] struct {
	Value     V
	ExpiresAt time.Time
}

// Stats holds cache statistics.
type Stats struct {
	Items     int
	Hits      int64
	Misses    int64
	Evictions int64
}

// Cache is an in-memory cache of values per bucket/key. When full, the
// entry closest to expiry is evicted.
type Cache[V any] struct {
	mu       sync.Mutex
	entries  map[string]*Entry[V]
	maxItems int
	ttl      time.Duration
	stats    Stats
	now      func() time.Time
}

// New creates a cache holding at most maxItems entries for defaultTTL each.
func New[V any](maxItems int, defaultTTL time.Duration) *Cache[V] {
	maxItems = max(maxItems, 1)
	return &Cache[V]{
		entries:  make(map[string]*Entry[V]),
		maxItems: maxItems,
		ttl:      defaultTTL,
		now:      time.Now,
	}
}

// cacheKey generates a cache key from bucket and object key.
func cacheKey(bucket, key string) string {
	return bucket + "\x00" + key
}

// Get retrieves a cached value.
func (c *Cache[V]) Get(_ context.Context, bucket, key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	id := cacheKey(bucket, key)
	entry, ok := c.entries[id]
	if !ok {
		c.stats.Misses++
		return zero, false
	}
	if c.expiredLocked(entry) {
		delete(c.entries, id)
		c.stats.Evictions++
		c.stats.Misses++
		return zero, false
	}
	c.stats.Hits++
	return entry.Value, true
}

// Set stores a value. A zero ttl uses the default.
func (c *Cache[V]) Set(_ context.Context, bucket, key string, value V, ttl time.Duration) {
	if ttl == 0 {
		ttl = c.ttl
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	id := cacheKey(bucket, key)
	if _, ok := c.entries[id]; !ok && len(c.entries) >= c.maxItems {
		c.evictExpiredLocked()
		for len(c.entries) >= c.maxItems {
			c.evictOldestLocked()
		}
	}
	c.entries[id] = &Entry[V]{Value: value, ExpiresAt: c.now().Add(ttl)}
}

// Delete removes a value from the cache.
func (c *Cache[V]) Delete(_ context.Context, bucket, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, cacheKey(bucket, key))
}

// Clear clears all cached values.
func (c *Cache[V]) Clear(_ context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*Entry[V])
	c.stats = Stats{}
}

// Stats returns cache statistics.
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.stats
	stats.Items = len(c.entries)
	return stats
}

func (c *Cache[V]) expiredLocked(e *Entry[V]) bool {
	return !c.now().Before(e.ExpiresAt)
}

// evictExpiredLocked removes expired entries (must be called with lock held).
func (c *Cache[V]) evictExpiredLocked() {
	for id, e := range c.entries {
		if c.expiredLocked(e) {
			delete(c.entries, id)
			c.stats.Evictions++
		}
	}
}

// evictOldestLocked removes the entry closest to expiry (must be called
// with lock held).
func (c *Cache[V]) evictOldestLocked() {
	var (
		oldestID string
		oldest   *Entry[V]
	)
	for id, e := range c.entries {
		if oldest == nil || e.ExpiresAt.Before(oldest.ExpiresAt) {
			oldestID, oldest = id, e
		}
	}
	if oldest == nil {
		return
	}
	delete(c.entries, oldestID)
	c.stats.Evictions++
}
