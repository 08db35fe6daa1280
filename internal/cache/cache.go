// Package cache implements the time-bounded query result cache. It is
// read-through only: entries age out lazily when read, writes to the
// store never purge them, so reads can be stale for up to one TTL
// window by design.
package cache

import (
	"fmt"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// DefaultTTL is how long a cached query result stays valid.
const DefaultTTL = 300 * time.Second

type entry struct {
	value    any
	storedAt time.Time
}

// Cache is a concurrency-safe TTL cache shared across requests.
// Staleness is tolerated; the map only has to prevent corruption under
// interleaved reads and writes, not provide linearizability.
type Cache struct {
	ttl     time.Duration
	entries *xsync.MapOf[string, entry]
	now     func() time.Time
}

// New creates a cache with the given TTL. A non-positive ttl falls back
// to DefaultTTL.
func New(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		ttl:     ttl,
		entries: xsync.NewMapOf[string, entry](),
		now:     time.Now,
	}
}

// Key builds the cache key for a query: experiment, device (or "all")
// and the backup-inclusion flag all select distinct entries.
func Key(expID, deviceID string, includeBackup bool) string {
	return fmt.Sprintf("%s:%s:backup=%t", expID, deviceID, includeBackup)
}

// Get returns the cached value for key if it is younger than the TTL.
// Expired entries are removed on the way out.
func (c *Cache) Get(key string) (any, bool) {
	e, ok := c.entries.Load(key)
	if !ok {
		return nil, false
	}
	if c.now().Sub(e.storedAt) >= c.ttl {
		c.entries.Delete(key)
		return nil, false
	}
	return e.value, true
}

// Put stores a value under key with the current timestamp.
func (c *Cache) Put(key string, value any) {
	c.entries.Store(key, entry{value: value, storedAt: c.now()})
}

// Clear removes every entry and returns how many were removed.
func (c *Cache) Clear() int {
	removed := 0
	c.entries.Range(func(key string, _ entry) bool {
		c.entries.Delete(key)
		removed++
		return true
	})
	return removed
}

// Stats describes the cache contents for monitoring.
type Stats struct {
	TotalEntries   int `json:"total_entries"`
	ValidEntries   int `json:"valid_entries"`
	ExpiredEntries int `json:"expired_entries"`
	TTLSeconds     int `json:"ttl_seconds"`
}

// Snapshot counts valid and expired entries without evicting anything.
func (c *Cache) Snapshot() Stats {
	now := c.now()
	stats := Stats{TTLSeconds: int(c.ttl / time.Second)}
	c.entries.Range(func(_ string, e entry) bool {
		stats.TotalEntries++
		if now.Sub(e.storedAt) < c.ttl {
			stats.ValidEntries++
		}
		return true
	})
	stats.ExpiredEntries = stats.TotalEntries - stats.ValidEntries
	return stats
}

// TTL returns the configured entry lifetime.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}
