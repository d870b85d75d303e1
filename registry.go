package chatstream

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// SessionFactory constructs the session for an instance key. It runs under
// the registry's insert-if-absent critical section, so it must not call back
// into the registry.
type SessionFactory func(instanceID string) (*Session, error)

// Registry maps instance keys to live sessions and enforces at-most-one
// live session per key. It is the only mutable state shared across
// sessions; an explicit Registry value is constructed once per process and
// passed by reference to call sites.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	factory  SessionFactory
}

// NewRegistry creates an empty registry that builds missing sessions with
// the given factory.
func NewRegistry(factory SessionFactory) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		factory:  factory,
	}
}

// GetOrCreate returns the live session for instanceID, constructing and
// storing one if none exists. Safe under concurrent calls for the same key:
// exactly one session is ever created per key and every caller receives it.
// If construction fails nothing is stored.
func (r *Registry) GetOrCreate(instanceID string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sess, ok := r.sessions[instanceID]; ok {
		return sess, nil
	}

	sess, err := r.factory(instanceID)
	if err != nil {
		return nil, err
	}
	sess.releaseHook = func() {
		r.drop(instanceID)
	}
	r.sessions[instanceID] = sess
	logrus.WithField("instance", instanceID).Debug("session created")
	return sess, nil
}

// Get returns the live session for instanceID, if any.
func (r *Registry) Get(instanceID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[instanceID]
	return sess, ok
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Remove releases the session for instanceID (listeners cleared, parser
// subscription dropped) and deletes the registry entry. Removing an absent
// id is a no-op, not an error.
func (r *Registry) Remove(instanceID string) {
	r.mu.Lock()
	sess, ok := r.sessions[instanceID]
	delete(r.sessions, instanceID)
	r.mu.Unlock()

	if ok {
		sess.release()
	}
}

// drop deletes the registry entry without touching the session. Used as the
// session release hook so a session finishing its stream unregisters itself.
func (r *Registry) drop(instanceID string) {
	r.mu.Lock()
	delete(r.sessions, instanceID)
	r.mu.Unlock()
	logrus.WithField("instance", instanceID).Debug("session released")
}

// StopStream routes a stop request to the live session for instanceID, if
// any. Returns whether a session was found.
func (r *Registry) StopStream(instanceID string) bool {
	sess, ok := r.Get(instanceID)
	if !ok {
		return false
	}
	sess.StopStream()
	return true
}
