package validate

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultCacheTTL is the default lifetime of a cached validation result.
const DefaultCacheTTL = 30 * time.Minute

// DefaultCacheMaxEntries is the default cache size bound.
const DefaultCacheMaxEntries = 1024

// resultCache is a bounded TTL store for validation results. Entries are
// never mutated after insertion; updates are insert-or-replace. Expired
// entries are dropped lazily on read, and a full sweep runs when the store
// exceeds its size bound.
type resultCache struct {
	mu         sync.RWMutex
	entries    map[string]resultCacheEntry
	ttl        time.Duration
	maxEntries int
	clock      clockwork.Clock
}

type resultCacheEntry struct {
	result    ComprehensiveValidationResult
	expiresAt time.Time
}

func newResultCache(ttl time.Duration, maxEntries int, clock clockwork.Clock) *resultCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if maxEntries <= 0 {
		maxEntries = DefaultCacheMaxEntries
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &resultCache{
		entries:    make(map[string]resultCacheEntry),
		ttl:        ttl,
		maxEntries: maxEntries,
		clock:      clock,
	}
}

func (c *resultCache) get(key string) (ComprehensiveValidationResult, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return ComprehensiveValidationResult{}, false
	}
	if c.clock.Now().After(entry.expiresAt) {
		c.mu.Lock()
		// Re-check under the write lock; another call may have replaced it.
		if current, still := c.entries[key]; still && c.clock.Now().After(current.expiresAt) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return ComprehensiveValidationResult{}, false
	}
	return entry.result, true
}

func (c *resultCache) put(key string, result ComprehensiveValidationResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = resultCacheEntry{
		result:    result,
		expiresAt: c.clock.Now().Add(c.ttl),
	}
	if len(c.entries) > c.maxEntries {
		c.sweepLocked()
	}
}

// sweepLocked removes all expired entries. Caller holds the write lock.
func (c *resultCache) sweepLocked() {
	now := c.clock.Now()
	for key, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, key)
		}
	}
}

func (c *resultCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
