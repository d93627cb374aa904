package stats

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/spice-ws-proxy/pkg/types"
)

// ErrDuplicateConnection is returned when an id is already registered
var ErrDuplicateConnection = errors.New("connection id already registered")

// Registry holds the stats of every active relay, keyed by connection id.
// It is shared by the connection handlers and the stats endpoint.
type Registry struct {
	mu    sync.RWMutex
	conns map[types.ConnectionID]*ConnectionStats
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{conns: make(map[types.ConnectionID]*ConnectionStats)}
}

// Insert registers stats for id. At most one entry per id may exist.
func (r *Registry) Insert(id types.ConnectionID, s *ConnectionStats) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[id]; ok {
		return errors.Wrapf(ErrDuplicateConnection, "id=%s", id)
	}
	r.conns[id] = s
	return nil
}

// Remove deletes id and returns the stats it held
func (r *Registry) Remove(id types.ConnectionID) (*ConnectionStats, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
	}
	return s, ok
}

// Get returns the stats for id
func (r *Registry) Get(id types.ConnectionID) (*ConnectionStats, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.conns[id]
	return s, ok
}

// Len returns the number of active connections
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Snapshot returns a consistent view of all active connections.
func (r *Registry) Snapshot() map[types.ConnectionID]Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[types.ConnectionID]Snapshot, len(r.conns))
	for id, s := range r.conns {
		out[id] = s.Snapshot()
	}
	return out
}
