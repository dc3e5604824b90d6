package coordinator

import (
	"container/list"
	"sync"

	"drummond-analytics/internal/market"
)

type analysisKey struct {
	symbol     string
	htf        market.Interval
	ttf        market.Interval
	at         int64
	htfVersion uint64
	ttfVersion uint64
}

type lruEntry struct {
	key   analysisKey
	value *Analysis
}

// lruCache memoizes analysis records with least-recently-used eviction.
type lruCache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List // front = most recent
	items    map[analysisKey]*list.Element
}

func newLRUCache(capacity int) *lruCache {
	return &lruCache{
		capacity: capacity,
		order:    list.New(),
		items:    make(map[analysisKey]*list.Element, capacity),
	}
}

func (c *lruCache) get(key analysisKey) (*Analysis, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*lruEntry).value, true
}

func (c *lruCache) put(key analysisKey, a *Analysis) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		el.Value.(*lruEntry).value = a
		c.order.MoveToFront(el)
		return
	}
	c.items[key] = c.order.PushFront(&lruEntry{key: key, value: a})
	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*lruEntry).key)
	}
}

func (c *lruCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
