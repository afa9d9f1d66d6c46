// Package tenantcache implements the bounded per-worker client-schema
// cache used in multi-tenant mode (spec §3 TenantSchema, §4.8): an LRU
// keyed by client_id, sized per a configured limit, that reports which
// keys it evicts so callers can report them to the broker alongside
// each response.
//
// Grounded on the teacher's TenantPool connection cache
// (internal/pool/pool.go), generalized from a fixed-capacity
// round-robin slice to a true LRU via
// github.com/hashicorp/golang-lru/v2 — the pack's only ready-made LRU,
// first seen as a dependency in ethereum-go-ethereum/go.mod.
package tenantcache

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Cache is an LRU from client_id to a per-tenant schema value V,
// bounded at a fixed size. Evictions are recorded so the caller can
// drain them and fold the evicted client ids into the next
// invalidation batch sent to the broker.
type Cache[V any] struct {
	lru *lru.Cache[uint64, V]

	mu      sync.Mutex
	evicted []uint64
}

// New returns a Cache holding at most size entries. size must be >= 1.
func New[V any](size int) *Cache[V] {
	c := &Cache[V]{}
	backing, err := lru.NewWithEvict[uint64, V](size, func(key uint64, _ V) {
		c.mu.Lock()
		c.evicted = append(c.evicted, key)
		c.mu.Unlock()
	})
	if err != nil {
		// Only returned for size <= 0; callers are expected to
		// validate configuration before reaching this point.
		backing, _ = lru.New[uint64, V](1)
	}
	c.lru = backing
	return c
}

// Get returns the cached value for clientID, marking it most recently
// used, and whether it was present.
func (c *Cache[V]) Get(clientID uint64) (V, bool) {
	return c.lru.Get(clientID)
}

// Contains reports presence without affecting recency.
func (c *Cache[V]) Contains(clientID uint64) bool {
	return c.lru.Contains(clientID)
}

// Add inserts or updates clientID's entry, marking it most recently
// used. If this eviction makes room by dropping another tenant, that
// tenant's id is recorded and retrievable via DrainEvicted.
func (c *Cache[V]) Add(clientID uint64, v V) {
	c.lru.Add(clientID, v)
}

// Remove drops clientID's entry, if present, without recording it as
// an eviction (an explicit Remove is a deliberate drop, e.g. client
// disconnect, not a capacity-driven one).
func (c *Cache[V]) Remove(clientID uint64) {
	if !c.lru.Remove(clientID) {
		return
	}
	// The backing LRU runs its eviction callback on Remove too; take
	// back the entry that callback just recorded.
	c.mu.Lock()
	for i := len(c.evicted) - 1; i >= 0; i-- {
		if c.evicted[i] == clientID {
			c.evicted = append(c.evicted[:i], c.evicted[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
}

// Len returns the current number of cached tenants.
func (c *Cache[V]) Len() int {
	return c.lru.Len()
}

// FreeSlots returns how many additional tenants could be cached before
// the next Add would evict one.
func (c *Cache[V]) FreeSlots(capacity int) int {
	n := capacity - c.lru.Len()
	if n < 0 {
		return 0
	}
	return n
}

// RecencyRank returns clientID's position in recency order (0 =
// least-recently used) and whether it is present. Used by the
// broker's worker weighter to prefer the most-recently-used holder of
// a given client among several candidates (spec §4.8).
func (c *Cache[V]) RecencyRank(clientID uint64) (int, bool) {
	keys := c.lru.Keys() // oldest (least-recent) to newest (most-recent)
	for i, k := range keys {
		if k == clientID {
			return i, true
		}
	}
	return 0, false
}

// DrainEvicted returns and clears the list of client ids evicted by
// capacity pressure since the last call.
func (c *Cache[V]) DrainEvicted() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.evicted
	c.evicted = nil
	return out
}
