package manager

import (
	"sync"
	"time"
)

// Emitter delivers events to a single connected client. The realtime
// transport supplies one per live connection.
type Emitter interface {
	Emit(event string, payload interface{}) error
}

// Client represents one connection's membership in a session.
type Client struct {
	ID           string
	Name         string
	ConnectedAt  time.Time
	LastActivity time.Time
	SessionToken string
	Emitter      Emitter
}

// MemberInfo is the wire-facing view of a session member.
type MemberInfo struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	JoinedAt time.Time `json:"joinedAt"`
}

// Session represents a shared room of clients holding the same passphrase.
// The fingerprint is set at creation and never changes.
type Session struct {
	ID          string
	Fingerprint []byte
	CreatedAt   time.Time

	lastActivity time.Time
	clients      map[string]*Client
	mu           sync.RWMutex
}

func newSession(id string, fingerprint []byte) *Session {
	now := time.Now()
	fp := make([]byte, len(fingerprint))
	copy(fp, fingerprint)
	return &Session{
		ID:           id,
		Fingerprint:  fp,
		CreatedAt:    now,
		lastActivity: now,
		clients:      make(map[string]*Client),
	}
}

// addClient inserts a membership record, replacing any prior record for
// the same client id.
func (s *Session) addClient(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.ID] = c
	s.lastActivity = time.Now()
}

// removeClient drops a membership record. Safe if already absent.
func (s *Session) removeClient(clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, clientID)
	s.lastActivity = time.Now()
}

// GetClient returns the membership record for a client id.
func (s *Session) GetClient(clientID string) (*Client, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[clientID]
	return c, ok
}

// ClientCount returns the number of connected members.
func (s *Session) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Members returns a snapshot of current members.
func (s *Session) Members() []MemberInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	members := make([]MemberInfo, 0, len(s.clients))
	for _, c := range s.clients {
		members = append(members, MemberInfo{
			ID:       c.ID,
			Name:     c.Name,
			JoinedAt: c.ConnectedAt,
		})
	}
	return members
}

// Touch refreshes session and client activity timestamps.
func (s *Session) Touch(clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
	if c, ok := s.clients[clientID]; ok {
		c.LastActivity = time.Now()
	}
}

// LastActivity returns the most recent activity timestamp.
func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}
