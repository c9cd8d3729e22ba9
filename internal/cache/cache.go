// Package cache provides the in-memory TTL cache behind the framework's
// response caching. Routes registered with the cache-enabled flag get their
// successful GET responses stored here so repeated reads skip the handler.
// Entries expire after the TTL and the oldest entry is evicted when the
// cache is full. Safe for concurrent use.
package cache

import (
	"sync"
	"time"
)

// DefaultTTL bounds how stale a cached response may be served.
const DefaultTTL = 30 * time.Second

// DefaultMaxEntries caps memory use for one cache instance.
const DefaultMaxEntries = 1000

// Options configures a Cache. Zero values select the defaults.
type Options struct {
	TTL        time.Duration
	MaxEntries int
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// Cache is a bounded TTL map. Keys must be comparable; eviction removes
// expired entries first and then the oldest entry by insertion order.
type Cache[K comparable, V any] struct {
	mu         sync.RWMutex
	entries    map[K]entry[V]
	order      []K
	ttl        time.Duration
	maxEntries int
}

// New builds a cache from opts.
func New[K comparable, V any](opts Options) *Cache[K, V] {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	maxEntries := opts.MaxEntries
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Cache[K, V]{
		entries:    make(map[K]entry[V]),
		ttl:        ttl,
		maxEntries: maxEntries,
	}
}

// Get returns the live value under key. An expired entry is removed and
// reported as a miss.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	var zero V
	if !ok {
		return zero, false
	}
	if time.Now().After(e.expiresAt) {
		c.mu.Lock()
		c.removeLocked(key)
		c.mu.Unlock()
		return zero, false
	}
	return e.value, true
}

// Set stores value under key with a fresh TTL. Overwriting an existing key
// keeps its place in the eviction order. At capacity, expired entries are
// dropped first; if the cache is still full the oldest entry goes.
func (c *Cache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := entry[V]{value: value, expiresAt: time.Now().Add(c.ttl)}
	if _, exists := c.entries[key]; exists {
		c.entries[key] = e
		return
	}

	if len(c.entries) >= c.maxEntries {
		c.sweepLocked(time.Now())
	}
	if len(c.entries) >= c.maxEntries && len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}

	c.entries[key] = e
	c.order = append(c.order, key)
}

// Delete removes one entry. No-op for unknown keys. Handlers that mutate a
// cached resource call this to drop the stale response.
func (c *Cache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(key)
}

// Clear empties the cache.
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[K]entry[V])
	c.order = c.order[:0]
}

// SweepExpired removes every expired entry and returns how many went.
// Wired to the background task runner alongside the session sweep; lazy
// expiry on Get keeps correctness either way.
func (c *Cache[K, V]) SweepExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	before := len(c.entries)
	c.sweepLocked(time.Now())
	return before - len(c.entries)
}

// Len reports the number of entries, expired-but-unswept ones included.
func (c *Cache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// TTL returns the configured entry lifetime.
func (c *Cache[K, V]) TTL() time.Duration { return c.ttl }

// MaxEntries returns the configured capacity.
func (c *Cache[K, V]) MaxEntries() int { return c.maxEntries }

func (c *Cache[K, V]) removeLocked(key K) {
	if _, ok := c.entries[key]; !ok {
		return
	}
	delete(c.entries, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

func (c *Cache[K, V]) sweepLocked(now time.Time) {
	kept := c.order[:0]
	for _, k := range c.order {
		if e, ok := c.entries[k]; ok && now.After(e.expiresAt) {
			delete(c.entries, k)
			continue
		}
		kept = append(kept, k)
	}
	c.order = kept
}
