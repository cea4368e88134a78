package runtime

import (
	"sync"

	"parley/contract"
	"parley/domain"
)

// Registry maps a user identity to its single live connection sink.
// Joining while already connected replaces the previous entry (last writer
// wins); the displaced connection gets no notice beyond the returned sink,
// which the transport closes. In-memory, process-local, lost on restart.
type Registry struct {
	mu       sync.RWMutex
	sessions map[domain.UserID]contract.EventSink
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[domain.UserID]contract.EventSink)}
}

// Join records sink as authoritative for userID and returns the displaced
// sink, if any, so the caller can tear down the orphaned connection.
func (r *Registry) Join(userID domain.UserID, sink contract.EventSink) contract.EventSink {
	r.mu.Lock()
	defer r.mu.Unlock()
	displaced := r.sessions[userID]
	r.sessions[userID] = sink
	if displaced == sink {
		return nil
	}
	return displaced
}

// Leave removes the mapping only while it still points at sink. A stale
// leave from a connection that was already displaced must not evict the
// newer one.
func (r *Registry) Leave(userID domain.UserID, sink contract.EventSink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.sessions[userID]; ok && current == sink {
		delete(r.sessions, userID)
	}
}

func (r *Registry) IsOnline(userID domain.UserID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[userID]
	return ok
}

func (r *Registry) SinkFor(userID domain.UserID) (contract.EventSink, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sink, ok := r.sessions[userID]
	return sink, ok
}

// Size reports the number of live connections, for the monitor.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
