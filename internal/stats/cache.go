package stats

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	liveCacheTTL       = 2 * time.Second
	historicalCacheTTL = 5 * time.Minute

	cacheSweepEvery = 256
)

type cacheEntry struct {
	value   any
	expires time.Time
}

// resultCache is a small in-process TTL cache over assembled query results.
// Live results (ranges that include the realtime window) get a short TTL so
// dashboards stay fresh; fully historical results are immutable and keep
// for longer.
type resultCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	puts    int

	hits   atomic.Int64
	misses atomic.Int64
}

func newResultCache() *resultCache {
	return &resultCache{entries: make(map[string]cacheEntry)}
}

func (c *resultCache) get(key string) (any, bool) {
	c.mu.Lock()
	entry, ok := c.entries[key]
	if ok && time.Now().After(entry.expires) {
		delete(c.entries, key)
		ok = false
	}
	c.mu.Unlock()

	if ok {
		c.hits.Add(1)
		return entry.value, true
	}
	c.misses.Add(1)
	return nil, false
}

func (c *resultCache) put(key string, value any, live bool) {
	ttl := historicalCacheTTL
	if live {
		ttl = liveCacheTTL
	}

	c.mu.Lock()
	c.entries[key] = cacheEntry{value: value, expires: time.Now().Add(ttl)}
	c.puts++
	if c.puts%cacheSweepEvery == 0 {
		now := time.Now()
		for k, e := range c.entries {
			if now.After(e.expires) {
				delete(c.entries, k)
			}
		}
	}
	c.mu.Unlock()
}

// invalidate drops every entry for a backend. Keys are prefixed with the
// backend id followed by '|'.
func (c *resultCache) invalidate(prefix string) {
	c.mu.Lock()
	for k := range c.entries {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(c.entries, k)
		}
	}
	c.mu.Unlock()
}

// stats reports cumulative hit and miss counts.
func (c *resultCache) stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// cached looks up key, or computes, stores and returns the value. Errors
// are never cached.
func cached[T any](c *resultCache, key string, live bool, fn func() (T, error)) (T, error) {
	if v, ok := c.get(key); ok {
		if typed, ok := v.(T); ok {
			return typed, nil
		}
	}
	out, err := fn()
	if err != nil {
		var zero T
		return zero, err
	}
	c.put(key, out, live)
	return out, nil
}
