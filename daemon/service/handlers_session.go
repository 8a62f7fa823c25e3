package service

import (
	"encoding/json"

	"github.com/veildrop/veildrop/daemon/transport"
)

// handleJoin admits the connection to a session, creating it on first
// join. On success the joiner receives the session token, the current
// member list, and a back-fill of the newest stored content.
func (b *Broker) handleJoin(c transport.Conn, data json.RawMessage) interface{} {
	var req JoinRequest
	if err := json.Unmarshal(data, &req); err != nil {
		b.metrics.RecordJoin(false)
		return JoinAck{Success: false, Error: CodeBadRequest}
	}
	if req.SessionID == "" {
		b.metrics.RecordJoin(false)
		return JoinAck{Success: false, Error: CodeBadRequest}
	}

	// A client belongs to at most one session. A connection still bound
	// elsewhere leaves that session first, so its old membership, room
	// subscription, and token all die before the new join is admitted.
	if prev, _, bound := c.Session(); bound && prev != req.SessionID {
		b.leaveSession(c, prev)
	}

	token, session, err := b.sessions.JoinSession(req.SessionID, req.Fingerprint, c.ID(), req.ClientName, c)
	if err != nil {
		code := errorCode(err)
		b.metrics.RecordJoin(false)
		b.logger.JoinRejected(req.SessionID, c.ID(), code)
		return JoinAck{Success: false, Error: code}
	}

	c.BindSession(req.SessionID, token, req.ClientName)
	b.bus.JoinRoom(req.SessionID, c)

	b.metrics.RecordJoin(true)
	b.syncGauges()
	b.logger.SessionJoined(req.SessionID, c.ID(), req.ClientName, session.ClientCount())

	b.bus.BroadcastToRoom(req.SessionID, EventClientJoined, ClientJoinedEvent{
		SessionID:  req.SessionID,
		ClientID:   c.ID(),
		ClientName: req.ClientName,
	}, c.ID())

	b.backfill(c, req.SessionID, req.CachedContentIDs)

	members := session.Members()
	peers := members[:0]
	for _, m := range members {
		if m.ID != c.ID() {
			peers = append(peers, m)
		}
	}
	return JoinAck{Success: true, Token: token, Clients: peers}
}

// handleLeave removes the connection from its session. When the leaver
// asks for cleanup and was the last member, all session content is
// purged, pinned items included.
func (b *Broker) handleLeave(c transport.Conn, data json.RawMessage) interface{} {
	var req LeaveRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return Ack{Success: false, Error: CodeBadRequest}
	}
	sessionID, code := b.boundSession(c, req.SessionID)
	if code != "" {
		return Ack{Success: false, Error: code}
	}

	remaining := b.leaveSession(c, sessionID)

	if req.CleanupContent && remaining == 0 {
		if _, err := b.store.CleanupAllSessionContent(sessionID); err != nil {
			b.logger.WithSession(sessionID).Error(err, "session content cleanup failed")
		}
	}

	return Ack{Success: true}
}

// handlePing refreshes the member's activity clock. requireAuth already
// established that the token is live.
func (b *Broker) handlePing(c transport.Conn, _ json.RawMessage) interface{} {
	sessionID, _, _ := c.Session()
	b.sessions.Touch(sessionID, c.ID())
	return PingAck{Valid: true}
}

// handleDisconnect mirrors an implicit leave when the socket drops.
// Stored content stays; the expiry sweep reclaims it if nobody returns.
func (b *Broker) handleDisconnect(c transport.Conn) {
	sessionID, _, ok := c.Session()
	if !ok {
		return
	}
	b.leaveSession(c, sessionID)
}

// leaveSession tears down one membership: record, room subscription, and
// connection binding, then tells the remaining members. Returns the
// remaining member count.
func (b *Broker) leaveSession(c transport.Conn, sessionID string) int {
	remaining := b.sessions.RemoveClient(sessionID, c.ID())
	b.bus.LeaveRoom(sessionID, c)
	c.ClearSession()

	b.syncGauges()
	b.logger.SessionLeft(sessionID, c.ID(), remaining)

	b.bus.BroadcastToRoom(sessionID, EventClientLeft, ClientLeftEvent{
		SessionID: sessionID,
		ClientID:  c.ID(),
	}, c.ID())
	return remaining
}

func (b *Broker) syncGauges() {
	b.metrics.SessionsActive.Set(float64(b.sessions.Count()))
	b.metrics.ClientsActive.Set(float64(b.sessions.ClientCount()))
}
