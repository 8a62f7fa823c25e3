package manager

import (
	"strconv"
	"sync"
	"testing"
	"time"
)

type nopEmitter struct{}

func (nopEmitter) Emit(event string, payload interface{}) error { return nil }

func TestJoinSessionCreatesAndAdmits(t *testing.T) {
	s := NewSessionStore()

	token, session, err := s.JoinSession("room-1", []byte("fp-abc"), "client-1", "alice", nopEmitter{})
	if err != nil {
		t.Fatalf("JoinSession failed: %v", err)
	}
	if token == "" {
		t.Fatal("expected a session token")
	}
	if len(token) != 64 {
		t.Errorf("token length = %d, want 64 hex chars", len(token))
	}
	if session.ClientCount() != 1 {
		t.Errorf("client count = %d, want 1", session.ClientCount())
	}

	token2, _, err := s.JoinSession("room-1", []byte("fp-abc"), "client-2", "bob", nopEmitter{})
	if err != nil {
		t.Fatalf("second join failed: %v", err)
	}
	if token2 == token {
		t.Error("tokens must be unique per client")
	}
	if session.ClientCount() != 2 {
		t.Errorf("client count = %d, want 2", session.ClientCount())
	}
}

func TestJoinSessionFingerprintMismatch(t *testing.T) {
	s := NewSessionStore()

	if _, _, err := s.JoinSession("room-1", []byte("fp-good"), "client-1", "alice", nopEmitter{}); err != nil {
		t.Fatalf("first join failed: %v", err)
	}

	_, _, err := s.JoinSession("room-1", []byte("fp-evil"), "client-2", "mallory", nopEmitter{})
	if err != ErrFingerprintMismatch {
		t.Fatalf("err = %v, want ErrFingerprintMismatch", err)
	}

	// The rejected join must not leave a membership record behind.
	session, err := s.Get("room-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if session.ClientCount() != 1 {
		t.Errorf("client count = %d after rejected join, want 1", session.ClientCount())
	}
}

func TestJoinSessionEmptyFingerprint(t *testing.T) {
	s := NewSessionStore()
	if _, _, err := s.JoinSession("room-1", nil, "client-1", "alice", nopEmitter{}); err != ErrEmptyFingerprint {
		t.Fatalf("err = %v, want ErrEmptyFingerprint", err)
	}
	if s.Count() != 0 {
		t.Errorf("session count = %d, want 0", s.Count())
	}
}

func TestConcurrentFirstJoinSingleSession(t *testing.T) {
	s := NewSessionStore()

	const workers = 32
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, _, err := s.JoinSession("room-race", []byte("same-fp"), "client-"+strconv.Itoa(n), "c", nopEmitter{})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent join failed: %v", err)
		}
	}
	if s.Count() != 1 {
		t.Fatalf("session count = %d, want exactly 1", s.Count())
	}
	session, _ := s.Get("room-race")
	if session.ClientCount() != workers {
		t.Errorf("client count = %d, want %d", session.ClientCount(), workers)
	}
}

func TestValidateToken(t *testing.T) {
	s := NewSessionStore()
	token, _, err := s.JoinSession("room-1", []byte("fp"), "client-1", "alice", nopEmitter{})
	if err != nil {
		t.Fatalf("join failed: %v", err)
	}

	if !s.ValidateToken("room-1", "client-1", token) {
		t.Error("live token rejected")
	}
	if s.ValidateToken("room-1", "client-1", "bogus") {
		t.Error("bogus token accepted")
	}
	if s.ValidateToken("room-1", "client-2", token) {
		t.Error("token accepted for wrong client")
	}
	if s.ValidateToken("room-x", "client-1", token) {
		t.Error("token accepted for wrong session")
	}
}

func TestLookupToken(t *testing.T) {
	s := NewSessionStore()
	token, _, _ := s.JoinSession("room-1", []byte("fp"), "client-1", "alice", nopEmitter{})

	sessionID, clientID, ok := s.LookupToken(token)
	if !ok || sessionID != "room-1" || clientID != "client-1" {
		t.Fatalf("LookupToken = (%q, %q, %v), want (room-1, client-1, true)", sessionID, clientID, ok)
	}
	if _, _, ok := s.LookupToken("nope"); ok {
		t.Error("unknown token resolved")
	}
}

func TestRemoveClient(t *testing.T) {
	s := NewSessionStore()
	s.JoinSession("room-1", []byte("fp"), "client-1", "alice", nopEmitter{})
	s.JoinSession("room-1", []byte("fp"), "client-2", "bob", nopEmitter{})

	if n := s.RemoveClient("room-1", "client-1"); n != 1 {
		t.Errorf("remaining = %d, want 1", n)
	}
	if n := s.RemoveClient("room-1", "client-1"); n != 1 {
		t.Errorf("repeat removal remaining = %d, want 1", n)
	}
	if n := s.RemoveClient("room-missing", "client-1"); n != -1 {
		t.Errorf("missing session remaining = %d, want -1", n)
	}
}

func TestExpireIdle(t *testing.T) {
	s := NewSessionStore()
	s.JoinSession("room-empty", []byte("fp"), "client-1", "alice", nopEmitter{})
	s.JoinSession("room-live", []byte("fp"), "client-2", "bob", nopEmitter{})
	s.RemoveClient("room-empty", "client-1")

	// Nothing is idle long enough yet.
	if removed := s.ExpireIdle(time.Now(), time.Hour); len(removed) != 0 {
		t.Fatalf("premature expiry: %v", removed)
	}

	removed := s.ExpireIdle(time.Now().Add(2*time.Hour), time.Hour)
	if len(removed) != 1 || removed[0] != "room-empty" {
		t.Fatalf("removed = %v, want [room-empty]", removed)
	}

	// A session with a connected member never expires.
	if _, err := s.Get("room-live"); err != nil {
		t.Error("occupied session was expired")
	}
	if _, err := s.Get("room-empty"); err != ErrSessionNotFound {
		t.Error("expired session still resolvable")
	}
}

func TestMembersSnapshot(t *testing.T) {
	s := NewSessionStore()
	_, session, _ := s.JoinSession("room-1", []byte("fp"), "client-1", "alice", nopEmitter{})
	s.JoinSession("room-1", []byte("fp"), "client-2", "bob", nopEmitter{})

	members := session.Members()
	if len(members) != 2 {
		t.Fatalf("members = %d, want 2", len(members))
	}
	names := map[string]string{}
	for _, m := range members {
		names[m.ID] = m.Name
	}
	if names["client-1"] != "alice" || names["client-2"] != "bob" {
		t.Errorf("unexpected member set: %v", names)
	}
}
