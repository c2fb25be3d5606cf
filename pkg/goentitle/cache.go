package goentitle

import (
	"sync"
	"time"
)

// Cache holds recently read entitlement states to keep gate checks off the
// store. Entries are invalidated when a committed change is signalled.
type Cache interface {
	// Get returns a cached state and true if present and unexpired.
	Get(accountID string) (*EntitlementState, bool)

	// Set stores a state with TTL.
	Set(accountID string, state *EntitlementState, ttl time.Duration)

	// Invalidate removes one account.
	Invalidate(accountID string)

	// Clear removes all entries from the cache
	Clear()

	// Stats returns cache statistics
	Stats() CacheStats
}

// CacheStats holds cache performance statistics
type CacheStats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int
}

type cacheEntry struct {
	state      EntitlementState
	expiration time.Time
	accessTime time.Time
	sequence   int64 // tiebreak for equal access times
}

func (e *cacheEntry) isExpired(now time.Time) bool {
	return now.After(e.expiration)
}

// NoopCache is a cache implementation that does nothing
// Used when caching is disabled
type NoopCache struct{}

func (c *NoopCache) Get(_ string) (*EntitlementState, bool)            { return nil, false }
func (c *NoopCache) Set(_ string, _ *EntitlementState, _ time.Duration) {}
func (c *NoopCache) Invalidate(_ string)                                {}
func (c *NoopCache) Clear()                                             {}
func (c *NoopCache) Stats() CacheStats                                  { return CacheStats{} }

// LRUCache implements Cache with TTL entries and least-recently-used eviction.
type LRUCache struct {
	mu        sync.Mutex
	entries   map[string]*cacheEntry
	max       int
	hits      int64
	misses    int64
	evictions int64
	sequence  int64
}

// NewLRUCache creates a cache holding at most maxEntries accounts (default: 1000).
func NewLRUCache(maxEntries int) *LRUCache {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	return &LRUCache{
		entries: make(map[string]*cacheEntry, maxEntries),
		max:     maxEntries,
	}
}

func (c *LRUCache) Get(accountID string) (*EntitlementState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	entry, exists := c.entries[accountID]
	if !exists || entry.isExpired(now) {
		c.misses++
		return nil, false
	}

	entry.accessTime = now
	c.hits++
	state := entry.state
	return &state, true
}

func (c *LRUCache) Set(accountID string, state *EntitlementState, ttl time.Duration) {
	if state == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if _, exists := c.entries[accountID]; !exists && len(c.entries) >= c.max {
		c.evictOldest()
	}

	seq := c.sequence
	c.sequence++
	c.entries[accountID] = &cacheEntry{
		state:      *state,
		expiration: now.Add(ttl),
		accessTime: now,
		sequence:   seq,
	}
}

func (c *LRUCache) evictOldest() {
	var oldestKey string
	var oldest *cacheEntry
	for key, entry := range c.entries {
		if oldest == nil || entry.accessTime.Before(oldest.accessTime) ||
			(entry.accessTime.Equal(oldest.accessTime) && entry.sequence < oldest.sequence) {
			oldestKey, oldest = key, entry
		}
	}
	if oldest != nil {
		delete(c.entries, oldestKey)
		c.evictions++
	}
}

func (c *LRUCache) Invalidate(accountID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, accountID)
}

func (c *LRUCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*cacheEntry, c.max)
}

func (c *LRUCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      len(c.entries),
	}
}
