package relay

import "sync"

// Registry maps a user identity to the id of the connection that most
// recently announced it. At most one entry exists per user; a newer announce
// overwrites the older mapping.
type Registry struct {
	mu      sync.Mutex
	entries map[string]string // userID -> connID
}

// NewRegistry creates an empty presence registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]string)}
}

// Set records connID as the live connection for userID.
func (r *Registry) Set(userID, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[userID] = connID
}

// Get returns the connection id currently mapped to userID.
func (r *Registry) Get(userID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	connID, ok := r.entries[userID]
	return connID, ok
}

// DeleteIfMatches removes the entry for userID only if it still points at
// connID. It reports whether an entry was removed. A connection closing
// after its user reconnected elsewhere therefore leaves the newer entry alone.
func (r *Registry) DeleteIfMatches(userID, connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.entries[userID]; ok && current == connID {
		delete(r.entries, userID)
		return true
	}
	return false
}

// Len returns the number of users currently present.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
