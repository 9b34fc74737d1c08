package listing

import (
	"sync"
	"time"

	"github.com/lazysync/lazysync/internal/cacheproto"
)

// Cache holds scanned listings. An entry is served while it is younger than
// the TTL and the directory's modification time is unchanged.
type Cache struct {
	ttl time.Duration

	mu      sync.RWMutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	entries []cacheproto.DirEntry
	stored  time.Time
	mtime   time.Time
}

// NewCache returns an empty cache. A zero ttl never expires by age.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{ttl: ttl, entries: make(map[string]cacheEntry)}
}

// Lookup returns the cached entries for path when still valid for mtime.
func (c *Cache) Lookup(path string, mtime time.Time) ([]cacheproto.DirEntry, bool) {
	c.mu.RLock()
	e, ok := c.entries[path]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if !e.mtime.Equal(mtime) || (c.ttl > 0 && time.Since(e.stored) > c.ttl) {
		return nil, false
	}
	return e.entries, true
}

// Fresh reports whether path has a valid entry for mtime.
func (c *Cache) Fresh(path string, mtime time.Time) bool {
	_, ok := c.Lookup(path, mtime)
	return ok
}

// Store records a scan result.
func (c *Cache) Store(path string, mtime time.Time, entries []cacheproto.DirEntry) {
	c.mu.Lock()
	c.entries[path] = cacheEntry{entries: entries, stored: time.Now(), mtime: mtime}
	c.mu.Unlock()
}

// Invalidate drops path.
func (c *Cache) Invalidate(path string) {
	c.mu.Lock()
	delete(c.entries, path)
	c.mu.Unlock()
}

// Len returns the number of cached directories.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
