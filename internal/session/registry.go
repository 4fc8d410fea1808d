package session

import (
	"sync"
	"time"
)

// Session is one authenticated live connection. Owned exclusively by the
// Registry; other components reference it by SessionID/UserID only.
type Session struct {
	SessionID   string
	UserID      string
	Username    string
	AvatarURL   string
	ConnectedAt time.Time
}

// TeardownFunc is invoked synchronously when a session is terminated, before
// the record is removed, so routers and presence never see a stale session.
type TeardownFunc func(sess *Session)

// Registry is the thread-safe arena of active sessions.
type Registry struct {
	mu       sync.RWMutex
	byID     map[string]*Session
	teardown TeardownFunc
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]*Session)}
}

// SetTeardown registers the teardown hook. Must be called before the first
// Terminate; typically during server wiring.
func (r *Registry) SetTeardown(fn TeardownFunc) {
	r.mu.Lock()
	r.teardown = fn
	r.mu.Unlock()
}

// Put registers a session. The caller has already authenticated the identity.
func (r *Registry) Put(sess *Session) {
	r.mu.Lock()
	r.byID[sess.SessionID] = sess
	r.mu.Unlock()
}

// Get returns the session for the given ID, or nil if not registered.
func (r *Registry) Get(sessionID string) *Session {
	r.mu.RLock()
	sess := r.byID[sessionID]
	r.mu.RUnlock()
	return sess
}

// Terminate removes a session and synchronously runs the teardown hook.
// Idempotent: terminating an unknown or already-removed session is a no-op.
// Returns true if the session was found and removed.
func (r *Registry) Terminate(sessionID string) bool {
	r.mu.Lock()
	sess, ok := r.byID[sessionID]
	if ok {
		delete(r.byID, sessionID)
	}
	fn := r.teardown
	r.mu.Unlock()

	if !ok {
		return false
	}
	if fn != nil {
		fn(sess)
	}
	return true
}

// Count returns the number of active sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	n := len(r.byID)
	r.mu.RUnlock()
	return n
}

// All returns a snapshot of all active sessions.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.byID))
	for _, sess := range r.byID {
		sessions = append(sessions, sess)
	}
	r.mu.RUnlock()
	return sessions
}
