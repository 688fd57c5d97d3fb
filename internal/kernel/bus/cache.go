package bus

import (
	"sync"
	"time"

	"github.com/kinnon13/yalls-foundry/internal/kernel/adapter"
)

// CacheStore holds idempotency results for the TTL window. Both successful
// and failed results are stored; a replayed key must return the identical
// result without re-executing the command.
type CacheStore interface {
	Get(key string) (adapter.Result, bool)
	Set(key string, result adapter.Result, ttl time.Duration)
}

// MemoryCache is the default in-process idempotency store. Entries remove
// themselves after the TTL via a scheduled timer rather than an active
// sweep, so sustained key reuse cannot grow the map beyond the TTL window.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]adapter.Result
}

// NewMemoryCache creates an empty in-process cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]adapter.Result)}
}

// Get returns the cached result for a key.
func (c *MemoryCache) Get(key string) (adapter.Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	result, ok := c.entries[key]
	return result, ok
}

// Set stores a result and schedules its removal after ttl.
func (c *MemoryCache) Set(key string, result adapter.Result, ttl time.Duration) {
	c.mu.Lock()
	c.entries[key] = result
	c.mu.Unlock()

	time.AfterFunc(ttl, func() {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
	})
}

// Len returns the number of live entries.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
