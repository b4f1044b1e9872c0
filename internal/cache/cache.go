// Package cache provides a small TTL cache with explicit eviction. Process
// wide caches in the engine go through this type instead of ambient global
// maps.
package cache

import (
	"sync"
	"time"
)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// Cache is a thread-safe TTL cache. Expired entries are dropped on read and
// swept opportunistically on write.
type Cache[K comparable, V any] struct {
	mu        sync.RWMutex
	entries   map[K]entry[V]
	ttl       time.Duration
	maxSize   int
	lastSweep time.Time
	now       func() time.Time
}

// New creates a cache with the given TTL and a maximum entry count. When the
// cache is full, Set evicts the entry closest to expiry.
func New[K comparable, V any](ttl time.Duration, maxSize int) *Cache[K, V] {
	if maxSize <= 0 {
		maxSize = 1024
	}
	return &Cache[K, V]{
		entries: make(map[K]entry[V]),
		ttl:     ttl,
		maxSize: maxSize,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Get returns the cached value and whether it was present and fresh.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok || c.now().After(e.expiresAt) {
		if ok {
			c.Delete(key)
		}
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set stores a value under the key with the cache's TTL.
func (c *Cache[K, V]) Set(key K, value V) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if now.Sub(c.lastSweep) > c.ttl {
		c.lastSweep = now
		for k, e := range c.entries {
			if now.After(e.expiresAt) {
				delete(c.entries, k)
			}
		}
	}

	if len(c.entries) >= c.maxSize {
		if _, exists := c.entries[key]; !exists {
			c.evictOldestLocked()
		}
	}
	c.entries[key] = entry[V]{value: value, expiresAt: now.Add(c.ttl)}
}

// Delete removes a key.
func (c *Cache[K, V]) Delete(key K) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Purge drops everything.
func (c *Cache[K, V]) Purge() {
	c.mu.Lock()
	c.entries = make(map[K]entry[V])
	c.mu.Unlock()
}

// Len returns the number of entries, including any not yet swept expired
// ones.
func (c *Cache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache[K, V]) evictOldestLocked() {
	var oldestKey K
	var oldest time.Time
	first := true
	for k, e := range c.entries {
		if first || e.expiresAt.Before(oldest) {
			oldestKey = k
			oldest = e.expiresAt
			first = false
		}
	}
	if !first {
		delete(c.entries, oldestKey)
	}
}
