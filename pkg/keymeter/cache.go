package keymeter

import (
	"sync"
	"time"
)

// KeyCache caches hashed key to customer id resolutions. KeyRecords are
// immutable, so entries only leave the cache through TTL or eviction.
type KeyCache interface {
	Get(hashedKey string) (string, bool)
	Set(hashedKey, customerID string, ttl time.Duration)
	Invalidate(hashedKey string)
	Clear()
	Stats() CacheStats
}

// CacheStats contains cache performance statistics
type CacheStats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int
}

type cacheEntry struct {
	customerID string
	expiration time.Time
	accessTime time.Time
	sequence   int64
}

func (e *cacheEntry) isExpired(now time.Time) bool {
	return now.After(e.expiration)
}

// NoopCache is a cache that never stores anything
type NoopCache struct{}

func (c *NoopCache) Get(_ string) (string, bool) {
	return "", false
}

func (c *NoopCache) Set(_, _ string, _ time.Duration) {}

func (c *NoopCache) Invalidate(_ string) {}

func (c *NoopCache) Clear() {}

func (c *NoopCache) Stats() CacheStats {
	return CacheStats{}
}

// LRUCache implements KeyCache using an in-memory LRU map with TTL support
type LRUCache struct {
	entries    map[string]*cacheEntry
	maxEntries int
	mu         sync.Mutex
	hits       int64
	misses     int64
	evictions  int64
	sequence   int64 // tiebreak when access times are equal
	now        func() time.Time
}

// NewLRUCache creates a new LRU cache holding at most maxEntries keys
func NewLRUCache(maxEntries int) *LRUCache {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	return &LRUCache{
		entries:    make(map[string]*cacheEntry, maxEntries),
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

func (c *LRUCache) Get(hashedKey string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	entry, exists := c.entries[hashedKey]
	if !exists || entry.isExpired(now) {
		if exists {
			delete(c.entries, hashedKey)
		}
		c.misses++
		return "", false
	}

	entry.accessTime = now
	entry.sequence = c.nextSequence()
	c.hits++
	return entry.customerID, true
}

func (c *LRUCache) Set(hashedKey, customerID string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if _, exists := c.entries[hashedKey]; !exists && len(c.entries) >= c.maxEntries {
		c.evictOldest()
	}

	c.entries[hashedKey] = &cacheEntry{
		customerID: customerID,
		expiration: now.Add(ttl),
		accessTime: now,
		sequence:   c.nextSequence(),
	}
}

// evictOldest removes the least recently used entry. Caller holds c.mu.
func (c *LRUCache) evictOldest() {
	var oldestKey string
	var oldest *cacheEntry
	for key, entry := range c.entries {
		if oldest == nil || entry.accessTime.Before(oldest.accessTime) ||
			(entry.accessTime.Equal(oldest.accessTime) && entry.sequence < oldest.sequence) {
			oldestKey = key
			oldest = entry
		}
	}
	if oldest != nil {
		delete(c.entries, oldestKey)
		c.evictions++
	}
}

func (c *LRUCache) nextSequence() int64 {
	seq := c.sequence
	c.sequence++
	return seq
}

func (c *LRUCache) Invalidate(hashedKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, hashedKey)
}

func (c *LRUCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*cacheEntry, c.maxEntries)
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
