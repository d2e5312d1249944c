package ws

import (
	"sort"
	"sync"
	"time"
)

// Registry tracks live sessions keyed by identity (user UUID or printer
// UUID). An identity may hold several concurrent sessions, e.g. a web tab
// and a mobile app. The Registry is the only component allowed to write
// frames to a session; per-session write exclusion lives in Conn.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]map[*Conn]struct{}
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]map[*Conn]struct{})}
}

// Attach registers a session under identity.
func (r *Registry) Attach(identity string, c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.sessions[identity]
	if !ok {
		set = make(map[*Conn]struct{})
		r.sessions[identity] = set
	}
	set[c] = struct{}{}
}

// Detach removes a session and reports whether it was the identity's last
// one. Detaching an unknown session is a no-op returning false.
func (r *Registry) Detach(identity string, c *Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.sessions[identity]
	if !ok {
		return false
	}
	if _, ok := set[c]; !ok {
		return false
	}
	delete(set, c)
	if len(set) == 0 {
		delete(r.sessions, identity)
		return true
	}
	return false
}

// Broadcast writes a frame to every active session for identity and returns
// the number of successful deliveries. Sessions that fail to accept the
// write are skipped, not detached; their own read loops observe the broken
// connection and tear down.
func (r *Registry) Broadcast(identity string, f Frame, timeout time.Duration) int {
	b, err := Marshal(f)
	if err != nil {
		return 0
	}
	return r.BroadcastRaw(identity, b, timeout)
}

// BroadcastRaw is Broadcast for pre-marshaled frame bytes.
func (r *Registry) BroadcastRaw(identity string, b []byte, timeout time.Duration) int {
	r.mu.RLock()
	conns := make([]*Conn, 0, len(r.sessions[identity]))
	for c := range r.sessions[identity] {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, c := range conns {
		if err := c.WriteRaw(b, timeout); err == nil {
			delivered++
		}
	}
	return delivered
}

// IsConnected reports whether identity has at least one live session.
func (r *Registry) IsConnected(identity string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions[identity]) > 0
}

// SessionCount returns the number of live sessions for identity.
func (r *Registry) SessionCount(identity string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions[identity])
}

// ConnectedIDs returns the identities with at least one live session, sorted
// for stable iteration.
func (r *Registry) ConnectedIDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}
