package websocket

import (
	"sort"
	"sync"
)

// Registry tracks the sockets of one server: pending sockets are waiting for
// their handshake, live sockets are open.
type Registry struct {
	mu      sync.RWMutex
	pending map[string]*ServerSocket
	live    map[string]*ServerSocket
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		pending: make(map[string]*ServerSocket),
		live:    make(map[string]*ServerSocket),
	}
}

func (r *Registry) addPending(s *ServerSocket) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[s.ID()] = s
}

// promote moves a socket from pending to live. It reports false when the
// socket was already removed.
func (r *Registry) promote(s *ServerSocket) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pending[s.ID()]; !ok {
		return false
	}
	delete(r.pending, s.ID())
	r.live[s.ID()] = s
	return true
}

func (r *Registry) remove(s *ServerSocket) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, s.ID())
	delete(r.live, s.ID())
}

// Get returns a live socket by id.
func (r *Registry) Get(id string) (*ServerSocket, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.live[id]
	return s, ok
}

// Clients returns the live sockets ordered by id.
func (r *Registry) Clients() []*ServerSocket {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedSockets(r.live)
}

// PendingClients returns the sockets still waiting for a handshake.
func (r *Registry) PendingClients() []*ServerSocket {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedSockets(r.pending)
}

// Count returns the number of live sockets.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.live)
}

// PendingCount returns the number of pending sockets.
func (r *Registry) PendingCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pending)
}

func (r *Registry) all() []*ServerSocket {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := sortedSockets(r.live)
	return append(out, sortedSockets(r.pending)...)
}

func sortedSockets(m map[string]*ServerSocket) []*ServerSocket {
	out := make([]*ServerSocket, 0, len(m))
	for _, s := range m {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}
