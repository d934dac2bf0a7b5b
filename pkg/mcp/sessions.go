package mcp

import (
	"sort"
	"sync"
)

// SessionRegistry maps watching client IDs to MCP session IDs.
// Populated when clients call deriva.watch.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string // clientID → sessionID
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]string)}
}

// Register associates a client ID with a session ID.
// If the client already has a session, it is overwritten (reconnect).
func (r *SessionRegistry) Register(clientID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[clientID] = sessionID
}

// Unregister drops the client's subscription.
func (r *SessionRegistry) Unregister(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, clientID)
}

// SessionFor returns the session ID for the given client, if watching.
func (r *SessionRegistry) SessionFor(clientID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessions[clientID]
	return sid, ok
}

// Clients returns the watching client IDs in sorted order.
func (r *SessionRegistry) Clients() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.sessions))
	for cid := range r.sessions {
		out = append(out, cid)
	}
	sort.Strings(out)
	return out
}

// Remove deletes all client mappings for the given session ID.
// Called when a session disconnects.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for cid, sid := range r.sessions {
		if sid == sessionID {
			delete(r.sessions, cid)
		}
	}
}
