package clients

import (
	"log/slog"
	"sync"
)

// Entry is the per-connection state held by the Registry.
type Entry struct {
	ID      ID
	Samples []int64
}

// Registry maps transport-layer ports (decimal text) to client entries.
//
// A port is bound by the signaling handler once the client's ICE candidate has
// been seen, samples are appended by the datagram relay loop, and the binding is
// removed when the owning WebSocket closes. Every method is atomic with respect
// to the others; samples are always copied out, so callers never hold a
// reference into the map.
//
// Alongside the port-keyed map the registry keeps an id -> port index, so that
// a client is bound to at most one port and disconnect-time lookups don't have
// to scan every entry.
type Registry struct {
	log *slog.Logger

	mu      sync.RWMutex
	entries map[string]*Entry
	ports   map[ID]string
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		log:     logger,
		entries: make(map[string]*Entry),
		ports:   make(map[ID]string),
	}
}

// Register binds port to id with an empty sample list.
//
// An existing entry for port is replaced (last registration wins). If id was
// already bound to a different port, that older binding is dropped so only the
// most recent port is attributed to the client.
func (r *Registry) Register(port string, id ID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.entries[port]; ok && prev.ID != id {
		// Port reuse across connections; the previous owner loses the binding.
		if r.ports[prev.ID] == port {
			delete(r.ports, prev.ID)
		}
		r.log.Debug("client port superseded", "port", port, "previous_client_id", prev.ID, "client_id", id)
	}
	if oldPort, ok := r.ports[id]; ok && oldPort != port {
		delete(r.entries, oldPort)
	}

	r.entries[port] = &Entry{ID: id}
	r.ports[id] = port
}

// RecordSample appends value to the entry bound to port. It reports whether an
// entry existed; datagrams from unknown ports are not an error.
func (r *Registry) RecordSample(port string, value int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[port]
	if !ok {
		return false
	}
	e.Samples = append(e.Samples, value)
	return true
}

// LookupPortByID returns the port currently bound to id.
func (r *Registry) LookupPortByID(id ID) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	port, ok := r.ports[id]
	if !ok {
		return "", false
	}
	if e := r.entries[port]; e == nil || e.ID != id {
		// The index and the entry map are updated under the same lock, so this
		// only happens if an invariant was broken.
		r.log.Error("client registry index out of sync", "client_id", id, "port", port)
		return "", false
	}
	return port, true
}

// ReadSamples returns a copy of the samples recorded for id.
func (r *Registry) ReadSamples(id ID) ([]int64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	port, ok := r.ports[id]
	if !ok {
		return nil, false
	}
	e, ok := r.entries[port]
	if !ok || e.ID != id {
		return nil, false
	}
	out := make([]int64, len(e.Samples))
	copy(out, e.Samples)
	return out, true
}

// Remove deletes the entry for port. Removing an unknown port is a no-op.
func (r *Registry) Remove(port string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[port]
	if !ok {
		return
	}
	delete(r.entries, port)
	if r.ports[e.ID] == port {
		delete(r.ports, e.ID)
	}
}

// Len returns the number of bound ports.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
