// Package relay forwards opaque negotiation messages between every party
// connected to it. It knows nothing about the messages beyond "valid JSON".
package relay

import "sync"

// Member is one connected party.
type Member interface {
	ID() string
	// Deliver queues msg for the member and reports false if it cannot keep up.
	Deliver(msg []byte) bool
}

// Registry tracks connected members and fans messages out to them.
type Registry struct {
	mu      sync.RWMutex
	members map[string]Member
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{members: make(map[string]Member)}
}

// Add registers a member, replacing any member with the same ID.
func (r *Registry) Add(m Member) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.members[m.ID()] = m
}

// Remove unregisters a member. It reports whether the member was present.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[id]; !ok {
		return false
	}
	delete(r.members, id)
	return true
}

// Len returns the number of connected members.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// Members returns a snapshot of the connected members.
func (r *Registry) Members() []Member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Member, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, m)
	}
	return out
}

// Broadcast delivers msg to every member except the one with fromID. Members
// that refuse delivery are removed and returned so the caller can disconnect them.
func (r *Registry) Broadcast(fromID string, msg []byte) (delivered int, dropped []Member) {
	r.mu.RLock()
	targets := make([]Member, 0, len(r.members))
	for id, m := range r.members {
		if id != fromID {
			targets = append(targets, m)
		}
	}
	r.mu.RUnlock()

	for _, m := range targets {
		if m.Deliver(msg) {
			delivered++
			continue
		}
		if r.Remove(m.ID()) {
			dropped = append(dropped, m)
		}
	}
	return delivered, dropped
}
