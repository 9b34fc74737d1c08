package cacheclient

import (
	"slices"
	"sync"
	"time"
)

// memo keeps recent listings on the client side. Entries are copied on the
// way in and out so callers never share the stored slice.
type memo struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]memoEntry
}

type memoEntry struct {
	listing Listing
	at      time.Time
}

func newMemo(ttl time.Duration) *memo {
	if ttl <= 0 {
		return nil
	}
	return &memo{ttl: ttl, entries: make(map[string]memoEntry)}
}

func (m *memo) get(path string) (Listing, bool) {
	if m == nil {
		return Listing{}, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[path]
	if !ok {
		return Listing{}, false
	}
	if time.Since(e.at) > m.ttl {
		delete(m.entries, path)
		return Listing{}, false
	}
	l := e.listing
	l.Entries = slices.Clone(l.Entries)
	return l, true
}

func (m *memo) put(l Listing) {
	if m == nil {
		return
	}
	l.Entries = slices.Clone(l.Entries)
	m.mu.Lock()
	m.entries[l.Path] = memoEntry{listing: l, at: time.Now()}
	m.mu.Unlock()
}

func (m *memo) invalidate(path string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	delete(m.entries, path)
	m.mu.Unlock()
}
