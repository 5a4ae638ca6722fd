package artifact

import (
	"strconv"
	"sync"
	"sync/atomic"
)

// CacheStats tracks bundle cache performance.
type CacheStats struct {
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Loads     int64   `json:"loads"`
	Evictions int64   `json:"evictions"`
	Entries   int     `json:"entries"`
	HitRate   float64 `json:"hit_rate"`
}

// Cache holds decoded bundles keyed by descriptor. Storing a version of a model evicts the
// cached versions of that model that are not newer than it.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*Bundle

	hits      int64
	misses    int64
	loads     int64
	evictions int64
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]*Bundle)}
}

// Get returns the cached bundle for d.
func (c *Cache) Get(d Descriptor) (*Bundle, bool) {
	c.mu.RLock()
	b, ok := c.entries[d.Key()]
	c.mu.RUnlock()
	if ok {
		atomic.AddInt64(&c.hits, 1)
	} else {
		atomic.AddInt64(&c.misses, 1)
	}
	return b, ok
}

// Put stores b and evicts older versions of the same model. A newer cached version survives
// when an older one is stored after it.
func (c *Cache) Put(b *Bundle) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := b.Descriptor.Key()
	for k, old := range c.entries {
		if k != key && old.Descriptor.Name == b.Descriptor.Name &&
			!versionLess(b.Descriptor.Version, old.Descriptor.Version) {
			delete(c.entries, k)
			atomic.AddInt64(&c.evictions, 1)
		}
	}
	c.entries[key] = b
	atomic.AddInt64(&c.loads, 1)
}

// versionLess orders registry versions numerically, falling back to string order when either
// is not an integer.
func versionLess(a, b string) bool {
	x, errA := strconv.Atoi(a)
	y, errB := strconv.Atoi(b)
	if errA != nil || errB != nil {
		return a < b
	}
	return x < y
}

// Invalidate drops every cached version of name.
func (c *Cache) Invalidate(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for k, b := range c.entries {
		if b.Descriptor.Name == name {
			delete(c.entries, k)
			n++
		}
	}
	atomic.AddInt64(&c.evictions, int64(n))
	return n
}

// Stats returns current cache statistics.
func (c *Cache) Stats() CacheStats {
	c.mu.RLock()
	entries := len(c.entries)
	c.mu.RUnlock()

	hits := atomic.LoadInt64(&c.hits)
	misses := atomic.LoadInt64(&c.misses)
	rate := float64(0)
	if total := hits + misses; total > 0 {
		rate = float64(hits) / float64(total)
	}
	return CacheStats{
		Hits:      hits,
		Misses:    misses,
		Loads:     atomic.LoadInt64(&c.loads),
		Evictions: atomic.LoadInt64(&c.evictions),
		Entries:   entries,
		HitRate:   rate,
	}
}
