package tunnel

import (
	"sync"
)

// Registry is a thread-safe, in-memory store of live tunnels keyed by local
// port. A port is reserved before connecting so two concurrent opens cannot
// race for it.
type Registry struct {
	mu      sync.RWMutex
	handles map[int]*Handle
}

// NewRegistry returns an initialised, empty Registry.
func NewRegistry() *Registry {
	return &Registry{handles: make(map[int]*Handle)}
}

// Reserve claims port for h. It returns false when a live tunnel already
// holds the port.
func (r *Registry) Reserve(port int, h *Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.handles[port]; ok && old.live() {
		return false
	}
	r.handles[port] = h
	return true
}

// Release removes the entry for port only if it still belongs to h, so a
// closing old tunnel cannot remove a newer one.
func (r *Registry) Release(port int, h *Handle) {
	r.mu.Lock()
	if cur, ok := r.handles[port]; ok && cur == h {
		delete(r.handles, port)
	}
	r.mu.Unlock()
}

// Get returns the tunnel on port, or (nil, false).
func (r *Registry) Get(port int) (*Handle, bool) {
	r.mu.RLock()
	h, ok := r.handles[port]
	r.mu.RUnlock()
	return h, ok
}

// All returns a snapshot of registered tunnels.
func (r *Registry) All() []*Handle {
	r.mu.RLock()
	out := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		out = append(out, h)
	}
	r.mu.RUnlock()
	return out
}
