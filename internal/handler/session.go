package handler

import (
	"sync"
	"time"
)

// =============================================================================
// Session Manager
// =============================================================================

// Closer is a session the manager can close at shutdown.
type Closer interface {
	Close() error
}

type tracked struct {
	session   Closer
	remote    string
	createdAt time.Time
}

// SessionManager tracks sessions being served.
//
// There is no session resumption: a session lives exactly as long as its
// connection, and peers reconnect and handshake again after a disconnect.
//
// SessionManager is safe for concurrent use.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*tracked
	closed   bool
	wg       sync.WaitGroup
}

// NewSessionManager creates a new session manager.
func NewSessionManager() *SessionManager {
	return &SessionManager{sessions: make(map[string]*tracked)}
}

// Add registers a session. It returns false once CloseAll has run; the
// caller must then close the session itself.
func (sm *SessionManager) Add(id, remote string, s Closer) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.closed {
		return false
	}
	sm.sessions[id] = &tracked{session: s, remote: remote, createdAt: time.Now()}
	sm.wg.Add(1)
	return true
}

// Remove forgets a session after it was served.
func (sm *SessionManager) Remove(id string) {
	sm.mu.Lock()
	t, ok := sm.sessions[id]
	delete(sm.sessions, id)
	sm.mu.Unlock()

	if ok {
		log.Debug("session removed", "session_id", id, "remote", t.remote, "age", time.Since(t.createdAt))
		sm.wg.Done()
	}
}

// Count returns the number of sessions being served.
func (sm *SessionManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// CloseAll refuses new sessions, closes the current ones and waits up to
// timeout for their handlers to return. It reports whether all handlers
// returned in time.
func (sm *SessionManager) CloseAll(timeout time.Duration) bool {
	sm.mu.Lock()
	sm.closed = true
	sessions := make([]Closer, 0, len(sm.sessions))
	for _, t := range sm.sessions {
		sessions = append(sessions, t.session)
	}
	sm.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}

	done := make(chan struct{})
	go func() {
		sm.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		log.Warn("sessions still open after shutdown timeout", "count", sm.Count())
		return false
	}
}
