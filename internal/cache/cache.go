// Package cache provides a small in-memory TTL cache used by the
// market-data vendor layer.
package cache

import (
	"sync"
	"time"
)

type entry struct {
	value     any
	timestamp time.Time
}

// Cache is a TTL-bounded key/value map. A disabled cache accepts all
// operations and stores nothing.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*entry
	ttl     time.Duration
	enabled bool
}

// New creates a cache. Entries older than ttl are treated as absent.
func New(ttl time.Duration, enabled bool) *Cache {
	return &Cache{
		entries: make(map[string]*entry),
		ttl:     ttl,
		enabled: enabled,
	}
}

// Get returns the cached value for key if present and fresh.
func (c *Cache) Get(key string) (any, bool) {
	if !c.enabled {
		return nil, false
	}
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if time.Since(e.timestamp) > c.ttl {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return nil, false
	}
	return e.value, true
}

// Set stores value under key with a fresh timestamp.
func (c *Cache) Set(key string, value any) {
	if !c.enabled {
		return
	}
	c.mu.Lock()
	c.entries[key] = &entry{value: value, timestamp: time.Now()}
	c.mu.Unlock()
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]*entry)
	c.mu.Unlock()
}

// Len reports the number of stored entries, fresh or not.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
