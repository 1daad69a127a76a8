// Package cache keeps built knowledge graphs and other per-tenant byte
// payloads close to the detection service.
package cache

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// LRUCache is an in-process, tenant-partitioned LRU with per-entry TTL.
// It is the community tier cache and L1 of the two-phase cache.
type LRUCache struct {
	mu       sync.Mutex
	capacity int
	entries  map[entryKey]*list.Element
	recency  *list.List
	now      func() time.Time
	stats    LRUStats
}

type entryKey struct {
	tenant string
	key    string
}

type lruEntry struct {
	id      entryKey
	payload []byte
	expires time.Time
}

// LRUStats reports occupancy and hit accounting.
type LRUStats struct {
	Size      int   `json:"size"`
	Capacity  int   `json:"capacity"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
}

// NewLRUCache returns an LRU holding at most capacity entries across all
// tenants. A non-positive capacity falls back to 10000.
func NewLRUCache(capacity int) *LRUCache {
	if capacity <= 0 {
		capacity = 10000
	}
	return &LRUCache{
		capacity: capacity,
		entries:  make(map[entryKey]*list.Element),
		recency:  list.New(),
		now:      time.Now,
	}
}

func lookupKey(tenantID, key string) (entryKey, error) {
	if tenantID == "" {
		return entryKey{}, fmt.Errorf("tenantID is required")
	}
	return entryKey{tenant: tenantID, key: key}, nil
}

// Get returns the payload stored under key, or nil when absent or expired.
func (c *LRUCache) Get(ctx context.Context, tenantID string, key string) ([]byte, error) {
	id, err := lookupKey(tenantID, key)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[id]
	if !ok {
		c.stats.Misses++
		return nil, nil
	}
	e := elem.Value.(*lruEntry)
	if !c.now().Before(e.expires) {
		c.drop(elem)
		c.stats.Misses++
		return nil, nil
	}

	c.recency.MoveToFront(elem)
	c.stats.Hits++
	return e.payload, nil
}

// Set stores payload under key for ttl, evicting the least recently used
// entries once capacity is exceeded.
func (c *LRUCache) Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error {
	id, err := lookupKey(tenantID, key)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	expires := c.now().Add(ttl)
	if elem, ok := c.entries[id]; ok {
		e := elem.Value.(*lruEntry)
		e.payload, e.expires = value, expires
		c.recency.MoveToFront(elem)
		return nil
	}

	c.entries[id] = c.recency.PushFront(&lruEntry{id: id, payload: value, expires: expires})
	for c.recency.Len() > c.capacity {
		c.drop(c.recency.Back())
		c.stats.Evictions++
	}
	return nil
}

// Delete removes key for the tenant. Missing keys are not an error.
func (c *LRUCache) Delete(ctx context.Context, tenantID string, key string) error {
	id, err := lookupKey(tenantID, key)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[id]; ok {
		c.drop(elem)
	}
	return nil
}

// PurgeTenant drops every entry of one tenant and returns how many went.
func (c *LRUCache) PurgeTenant(tenantID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for id, elem := range c.entries {
		if id.tenant == tenantID {
			c.drop(elem)
			n++
		}
	}
	return n
}

// GetGraph returns the tenant's cached graph.
func (c *LRUCache) GetGraph(ctx context.Context, tenantID string) (*domain.KnowledgeGraph, error) {
	return getGraph(ctx, c, tenantID)
}

// SetGraph caches the tenant's graph.
func (c *LRUCache) SetGraph(ctx context.Context, tenantID string, g *domain.KnowledgeGraph, ttl time.Duration) error {
	return setGraph(ctx, c, tenantID, g, ttl)
}

// InvalidateGraph forgets the tenant's cached graph.
func (c *LRUCache) InvalidateGraph(ctx context.Context, tenantID string) error {
	return c.Delete(ctx, tenantID, domain.GraphCacheKey)
}

// Ping always succeeds for the in-process cache.
func (c *LRUCache) Ping(ctx context.Context) error {
	return nil
}

// Close empties the cache.
func (c *LRUCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[entryKey]*list.Element)
	c.recency.Init()
	return nil
}

// Stats returns a snapshot of occupancy and hit counters.
func (c *LRUCache) Stats() LRUStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Size = c.recency.Len()
	s.Capacity = c.capacity
	return s
}

// drop unlinks elem. Callers hold c.mu.
func (c *LRUCache) drop(elem *list.Element) {
	if elem == nil {
		return
	}
	c.recency.Remove(elem)
	delete(c.entries, elem.Value.(*lruEntry).id)
}
