package timeline

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/linkflow/timetravel/internal/debug/types"
)

// Cache is an LRU read cache in front of a timeline Source, keyed by
// execution ID. Rollback and purge must call Invalidate, since both
// change the underlying snapshot log. Cached timelines are cloned on
// every read so callers can never mutate a shared copy.
type Cache struct {
	source   Source
	capacity int
	ttl      time.Duration

	mu     sync.Mutex
	items  map[string]*list.Element
	order  *list.List
	hits   int64
	misses int64
}

type cacheItem struct {
	key       string
	entries   []*types.TimelineEntry
	expiresAt time.Time
}

var _ Source = (*Cache)(nil)

// NewCache creates a timeline cache. A ttl of zero disables expiry.
func NewCache(source Source, capacity int, ttl time.Duration) *Cache {
	if capacity <= 0 {
		capacity = 128
	}
	return &Cache{
		source:   source,
		capacity: capacity,
		ttl:      ttl,
		items:    make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Build returns the cached timeline for the execution, building and
// caching it on a miss.
func (c *Cache) Build(ctx context.Context, executionID string) ([]*types.TimelineEntry, error) {
	if entries, ok := c.get(executionID); ok {
		return entries, nil
	}

	entries, err := c.source.Build(ctx, executionID)
	if err != nil {
		return nil, err
	}
	c.set(executionID, entries)
	return cloneEntries(entries), nil
}

// Invalidate drops the cached timeline for one execution.
func (c *Cache) Invalidate(executionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, exists := c.items[executionID]; exists {
		c.order.Remove(elem)
		delete(c.items, executionID)
	}
}

// Clear drops all cached timelines.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*list.Element)
	c.order = list.New()
}

// Size returns the number of cached timelines.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Stats returns cumulative hit and miss counts.
func (c *Cache) Stats() (hits, misses int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

func (c *Cache) get(key string) ([]*types.TimelineEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, exists := c.items[key]
	if !exists {
		c.misses++
		return nil, false
	}

	item := elem.Value.(*cacheItem)
	if !item.expiresAt.IsZero() && time.Now().After(item.expiresAt) {
		c.order.Remove(elem)
		delete(c.items, key)
		c.misses++
		return nil, false
	}

	c.order.MoveToFront(elem)
	c.hits++
	return cloneEntries(item.entries), true
}

func (c *Cache) set(key string, entries []*types.TimelineEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, exists := c.items[key]; exists {
		c.order.MoveToFront(elem)
		item := elem.Value.(*cacheItem)
		item.entries = entries
		item.expiresAt = c.expiry()
		return
	}

	if c.order.Len() >= c.capacity {
		c.evict()
	}

	elem := c.order.PushFront(&cacheItem{
		key:       key,
		entries:   entries,
		expiresAt: c.expiry(),
	})
	c.items[key] = elem
}

func (c *Cache) expiry() time.Time {
	if c.ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(c.ttl)
}

func (c *Cache) evict() {
	elem := c.order.Back()
	if elem != nil {
		item := elem.Value.(*cacheItem)
		c.order.Remove(elem)
		delete(c.items, item.key)
	}
}

func cloneEntries(entries []*types.TimelineEntry) []*types.TimelineEntry {
	out := make([]*types.TimelineEntry, len(entries))
	for i, entry := range entries {
		out[i] = entry.Clone()
	}
	return out
}
