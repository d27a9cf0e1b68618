package permissions

import (
	"context"
	"sync"
	"time"
)

// CacheEntry holds one computed calculation for a (user, role) key. Entries
// are replaced wholesale on recalculation and must not be mutated after Put.
type CacheEntry struct {
	Effective    []EffectivePermission
	Granted      map[string]struct{}
	Index        map[string]EffectivePermission
	CalculatedAt time.Time
	ExpiresAt    time.Time
}

// NewCacheEntry builds an entry with its flattened set and lookup index. The
// expiry stamp is assigned by the cache on Put so every successful
// recalculation, forced or not, resets the TTL clock.
func NewCacheEntry(effective []EffectivePermission, calculatedAt time.Time) *CacheEntry {
	granted := make(map[string]struct{}, len(effective))
	index := make(map[string]EffectivePermission, len(effective))
	for _, ep := range effective {
		index[ep.Key()] = ep
		if ep.Granted {
			granted[ep.Key()] = struct{}{}
		}
	}
	return &CacheEntry{
		Effective:    effective,
		Granted:      granted,
		Index:        index,
		CalculatedAt: calculatedAt,
	}
}

type cacheKey struct {
	userID string
	role   Role
}

// Cache is the per-process permission cache. It is an explicitly owned
// component with its own lifecycle, never a package-level singleton. All
// methods are safe for concurrent use; reads for different users proceed in
// parallel under the read lock.
type Cache struct {
	mu      sync.RWMutex
	entries map[cacheKey]*CacheEntry

	ttl        time.Duration
	sweepEvery time.Duration
}

const (
	// DefaultTTL bounds how long a computed calculation may be served.
	DefaultTTL = 5 * time.Minute
	// DefaultSweepInterval paces the background removal of stale entries.
	DefaultSweepInterval = time.Minute
)

// NewCache constructs a Cache. Non-positive durations fall back to defaults.
func NewCache(ttl, sweepEvery time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if sweepEvery <= 0 {
		sweepEvery = DefaultSweepInterval
	}
	return &Cache{
		entries:    make(map[cacheKey]*CacheEntry),
		ttl:        ttl,
		sweepEvery: sweepEvery,
	}
}

// TTL exposes the configured entry lifetime.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// Get returns the entry for (userID, role) unless it is missing or past its
// TTL as of now.
func (c *Cache) Get(userID string, role Role, now time.Time) (*CacheEntry, bool) {
	c.mu.RLock()
	entry, ok := c.entries[cacheKey{userID: userID, role: role}]
	c.mu.RUnlock()
	if !ok || now.After(entry.ExpiresAt) {
		return nil, false
	}
	return entry, true
}

// Put stores entry for (userID, role), stamping a fresh TTL window.
func (c *Cache) Put(userID string, role Role, entry *CacheEntry) {
	entry.ExpiresAt = entry.CalculatedAt.Add(c.ttl)
	c.mu.Lock()
	c.entries[cacheKey{userID: userID, role: role}] = entry
	c.mu.Unlock()
}

// Invalidate removes every entry for userID across all role keys and
// returns how many were dropped.
func (c *Cache) Invalidate(userID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key := range c.entries {
		if key.userID == userID {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// InvalidateAll empties the cache.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	c.entries = make(map[cacheKey]*CacheEntry)
	c.mu.Unlock()
}

// Sweep removes entries past their TTL as of now and returns the count.
func (c *Cache) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key, entry := range c.entries {
		if now.After(entry.ExpiresAt) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Len reports the number of live entries, expired or not.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Run sweeps on a fixed interval until the context is cancelled. It is meant
// to run on a dedicated goroutine for the lifetime of the process.
func (c *Cache) Run(ctx context.Context) {
	ticker := time.NewTicker(c.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.Sweep(now)
		}
	}
}
