package registry

import "sync"

// Registry records which user is online and on which session.
// A user has at most one session; the latest Bind wins.
type Registry struct {
	mu    sync.RWMutex
	users map[string]string
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		users: make(map[string]string),
	}
}

// Bind registers sessionID for userID, replacing any earlier session.
// It returns the superseded session id, if there was one.
func (r *Registry) Bind(userID, sessionID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, ok := r.users[userID]
	r.users[userID] = sessionID
	if ok && prev != sessionID {
		return prev, true
	}
	return "", false
}

// Lookup returns the live session of userID.
func (r *Registry) Lookup(userID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sessionID, ok := r.users[userID]
	return sessionID, ok
}

// Unbind removes every entry that still points at sessionID and returns the users
// it removed. Entries are matched by session, so the disconnect of a superseded
// session leaves the newer one alone.
func (r *Registry) Unbind(sessionID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []string
	for userID, sid := range r.users {
		if sid == sessionID {
			delete(r.users, userID)
			removed = append(removed, userID)
		}
	}
	return removed
}

// Len returns the number of online users.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}
