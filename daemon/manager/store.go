package manager

import (
	"crypto/subtle"
	"errors"
	"sync"
	"time"
)

var (
	ErrSessionNotFound     = errors.New("session not found")
	ErrFingerprintMismatch = errors.New("fingerprint does not match session")
	ErrEmptyFingerprint    = errors.New("fingerprint must not be empty")
)

// SessionStore manages in-memory session storage. All membership and
// token state lives here; nothing survives a restart.
type SessionStore struct {
	sessions map[string]*Session
	mu       sync.RWMutex
}

// NewSessionStore creates a new session store.
func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions: make(map[string]*Session),
	}
}

// JoinSession admits a client to a session, creating the session if it
// does not exist. The first join fixes the session fingerprint; later
// joins must present the same bytes. Creation and fingerprint check
// happen under one lock so concurrent first-joins can never produce two
// sessions with the same id.
func (s *SessionStore) JoinSession(sessionID string, fingerprint []byte, clientID, clientName string, emitter Emitter) (string, *Session, error) {
	if len(fingerprint) == 0 {
		return "", nil, ErrEmptyFingerprint
	}

	s.mu.Lock()
	session, exists := s.sessions[sessionID]
	if !exists {
		session = newSession(sessionID, fingerprint)
		s.sessions[sessionID] = session
	}
	s.mu.Unlock()

	if subtle.ConstantTimeCompare(session.Fingerprint, fingerprint) != 1 {
		return "", nil, ErrFingerprintMismatch
	}

	token, err := newSessionToken()
	if err != nil {
		return "", nil, err
	}

	now := time.Now()
	session.addClient(&Client{
		ID:           clientID,
		Name:         clientName,
		ConnectedAt:  now,
		LastActivity: now,
		SessionToken: token,
		Emitter:      emitter,
	})

	return token, session, nil
}

// ValidateToken reports whether token is the live token for the
// (clientID, sessionID) pair. Comparison is constant-time.
func (s *SessionStore) ValidateToken(sessionID, clientID, token string) bool {
	session, err := s.Get(sessionID)
	if err != nil {
		return false
	}
	client, ok := session.GetClient(clientID)
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(client.SessionToken), []byte(token)) == 1
}

// LookupToken resolves a bearer token to its (sessionID, clientID) pair.
// Used by the download endpoint, which carries no connection state. The
// scan compares every candidate in constant time.
func (s *SessionStore) LookupToken(token string) (sessionID, clientID string, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, session := range s.sessions {
		session.mu.RLock()
		for _, client := range session.clients {
			if subtle.ConstantTimeCompare([]byte(client.SessionToken), []byte(token)) == 1 {
				sessionID, clientID, ok = session.ID, client.ID, true
			}
		}
		session.mu.RUnlock()
	}
	return sessionID, clientID, ok
}

// Get retrieves a session by ID.
func (s *SessionStore) Get(sessionID string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, exists := s.sessions[sessionID]
	if !exists {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// RemoveClient drops a membership record. Safe if the session or the
// client is already gone. Returns the remaining member count, or -1 when
// the session does not exist.
func (s *SessionStore) RemoveClient(sessionID, clientID string) int {
	session, err := s.Get(sessionID)
	if err != nil {
		return -1
	}
	session.removeClient(clientID)
	return session.ClientCount()
}

// Touch refreshes activity for a session member.
func (s *SessionStore) Touch(sessionID, clientID string) {
	if session, err := s.Get(sessionID); err == nil {
		session.Touch(clientID)
	}
}

// ExpireIdle removes sessions that are empty and idle for longer than
// maxIdle, returning their ids so callers can purge session-scoped
// content. Sessions with connected clients are never touched.
func (s *SessionStore) ExpireIdle(now time.Time, maxIdle time.Duration) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []string
	for id, session := range s.sessions {
		if session.ClientCount() > 0 {
			continue
		}
		if now.Sub(session.LastActivity()) > maxIdle {
			delete(s.sessions, id)
			removed = append(removed, id)
		}
	}
	return removed
}

// Count returns the total number of sessions.
func (s *SessionStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// ClientCount returns the total number of connected members across all
// sessions.
func (s *SessionStore) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := 0
	for _, session := range s.sessions {
		total += session.ClientCount()
	}
	return total
}
