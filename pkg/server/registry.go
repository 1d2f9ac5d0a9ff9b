package server

import "sync"

// Registry maps identities to the session currently logged in as them.
// At most one session is stored per identity; the latest Bind wins.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
	}
}

// Bind maps identity to sess, superseding any earlier session.
// The superseded session (nil if none) is returned.
func (r *Registry) Bind(identity string, sess *Session) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.sessions[identity]
	r.sessions[identity] = sess
	if prev == sess {
		return nil
	}
	return prev
}

// Lookup returns the session bound to identity
func (r *Registry) Lookup(identity string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sess, ok := r.sessions[identity]
	return sess, ok
}

// Release removes the mapping only if it still points at sess.
// It reports whether a mapping was removed.
func (r *Registry) Release(identity string, sess *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.sessions[identity]; ok && cur == sess {
		delete(r.sessions, identity)
		return true
	}
	return false
}

// Count returns the number of bound identities
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.sessions)
}
