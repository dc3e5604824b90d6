package bundle

import (
	"sync"
	"time"

	"drummond-analytics/internal/market"
)

type cacheKey struct {
	symbol   string
	interval market.Interval
}

type cacheEntry struct {
	asOf    time.Time
	version uint64
	bundle  *Bundle
}

// Cache holds the most recent bundle per (symbol, interval) and drops it when
// the underlying series changes. Writes to the base interval invalidate every
// coarser interval of the same symbol, since those are synthesized from it.
type Cache struct {
	mu       sync.RWMutex
	entries  map[cacheKey]cacheEntry
	versions map[cacheKey]uint64
}

func NewCache() *Cache {
	return &Cache{
		entries:  make(map[cacheKey]cacheEntry),
		versions: make(map[cacheKey]uint64),
	}
}

// Get returns the cached bundle when one exists for the same as-of instant
// and no invalidation has happened since it was built.
func (c *Cache) Get(symbol string, interval market.Interval, asOf time.Time) (*Bundle, bool) {
	key := cacheKey{symbol, interval}
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok || !e.asOf.Equal(asOf) {
		return nil, false
	}
	if e.version != c.versions[key] {
		return nil, false
	}
	return e.bundle, true
}

func (c *Cache) put(symbol string, interval market.Interval, asOf time.Time, b *Bundle) {
	key := cacheKey{symbol, interval}
	c.mu.Lock()
	defer c.mu.Unlock()
	if b.Version != c.versions[key] {
		// Invalidated while building; do not cache a stale snapshot.
		return
	}
	c.entries[key] = cacheEntry{asOf: asOf, version: b.Version, bundle: b}
}

// nextVersion returns the version a bundle built now should carry.
func (c *Cache) nextVersion(symbol string, interval market.Interval) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.versions[cacheKey{symbol, interval}]
}

// Invalidate drops the cached bundle for (symbol, interval). When interval is
// the base interval it also drops every coarser interval of the symbol.
func (c *Cache) Invalidate(symbol string, interval market.Interval) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bump(cacheKey{symbol, interval})
	if interval == market.BaseInterval {
		for key := range c.versions {
			if key.symbol == symbol && key.interval != market.BaseInterval {
				c.bump(key)
			}
		}
		for key := range c.entries {
			if key.symbol == symbol && key.interval != market.BaseInterval {
				c.bump(key)
			}
		}
	}
}

func (c *Cache) bump(key cacheKey) {
	c.versions[key]++
	delete(c.entries, key)
}

// Listener adapts the cache to a bar store update listener.
func (c *Cache) Listener() func(symbol string, interval market.Interval) {
	return func(symbol string, interval market.Interval) {
		c.Invalidate(symbol, interval)
	}
}
