// Package service is the realtime broker: it converts inbound connection
// events into session and store operations and fans results out to peers.
package service

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/veildrop/veildrop/daemon/manager"
	"github.com/veildrop/veildrop/daemon/store"
	"github.com/veildrop/veildrop/daemon/transport"
	"github.com/veildrop/veildrop/internal/observability"
)

// defaultPageSize is the number of items back-filled on join.
const defaultPageSize = 5

// Options configures a Broker.
type Options struct {
	PageSize           int
	MaxItemsPerSession int
}

// Broker owns the event surface of the realtime channel. Handlers run
// concurrently across connections; the transport serializes events from
// any single connection.
type Broker struct {
	sessions *manager.SessionStore
	store    *store.ContentStore
	bus      transport.Bus
	logger   *observability.Logger
	metrics  *observability.Metrics
	opts     Options
}

// NewBroker creates a broker over the given session store, chunk store,
// and fan-out bus.
func NewBroker(sessions *manager.SessionStore, cs *store.ContentStore, bus transport.Bus, logger *observability.Logger, metrics *observability.Metrics, opts Options) *Broker {
	if opts.PageSize <= 0 {
		opts.PageSize = defaultPageSize
	}
	return &Broker{
		sessions: sessions,
		store:    cs,
		bus:      bus,
		logger:   logger,
		metrics:  metrics,
		opts:     opts,
	}
}

// Register installs every event handler on the transport registry.
func (b *Broker) Register(r transport.Registry) {
	r.OnEvent(EventJoin, b.instrument(EventJoin, b.handleJoin))
	r.OnEvent(EventLeave, b.instrument(EventLeave, b.requireAuth(b.handleLeave)))
	r.OnEvent(EventContent, b.instrument(EventContent, b.requireAuth(b.handleContent)))
	r.OnEvent(EventChunk, b.instrument(EventChunk, b.requireAuth(b.handleChunk)))
	r.OnEvent(EventRemoveContent, b.instrument(EventRemoveContent, b.requireAuth(b.handleRemoveContent)))
	r.OnEvent(EventPinContent, b.instrument(EventPinContent, b.requireAuth(b.handlePinContent)))
	r.OnEvent(EventUnpinContent, b.instrument(EventUnpinContent, b.requireAuth(b.handleUnpinContent)))
	r.OnEvent(EventListContent, b.instrument(EventListContent, b.requireAuth(b.handleListContent)))
	r.OnEvent(EventPing, b.instrument(EventPing, b.requireAuth(b.handlePing)))
	r.OnDisconnect(b.handleDisconnect)
}

// instrument wraps a handler with timing, success metrics, and a panic
// boundary. A panicking handler answers INTERNAL_ERROR and leaves the
// connection open.
func (b *Broker) instrument(event string, h transport.Handler) transport.Handler {
	return func(c transport.Conn, data json.RawMessage) (reply interface{}) {
		start := time.Now()
		defer func() {
			if r := recover(); r != nil {
				correlationID := uuid.NewString()
				sessionID, _, _ := c.Session()
				b.logger.HandlerError(panicError(r), c.ID(), sessionID, event, correlationID)
				b.metrics.RecordEvent(event, false, time.Since(start).Seconds())
				reply = Ack{Success: false, Error: CodeInternalError}
			}
		}()

		reply = h(c, data)
		b.metrics.RecordEvent(event, ackSuccess(reply), time.Since(start).Seconds())
		return reply
	}
}

// requireAuth is the pre-dispatch check for every event except join: the
// connection must carry a session binding from a prior join, the token
// must validate, and the session must still exist. A failing check
// rejects the event without invoking the handler.
func (b *Broker) requireAuth(h transport.Handler) transport.Handler {
	return func(c transport.Conn, data json.RawMessage) interface{} {
		sessionID, token, ok := c.Session()
		if !ok {
			b.metrics.RecordAuthFailure("missing_session")
			return Ack{Success: false, Error: CodeAuthRequired}
		}
		if _, err := b.sessions.Get(sessionID); err != nil {
			b.metrics.RecordAuthFailure("session_not_found")
			return Ack{Success: false, Error: CodeSessionNotFound}
		}
		if !b.sessions.ValidateToken(sessionID, c.ID(), token) {
			b.metrics.RecordAuthFailure("invalid_token")
			return Ack{Success: false, Error: CodeInvalidToken}
		}
		return h(c, data)
	}
}

// boundSession returns the connection's session id and verifies the
// payload addresses it. Events may only reference the session the caller
// joined.
func (b *Broker) boundSession(c transport.Conn, payloadSessionID string) (string, string) {
	sessionID, _, _ := c.Session()
	if payloadSessionID != "" && payloadSessionID != sessionID {
		return "", CodeNotInSession
	}
	return sessionID, ""
}

// internalError logs err with correlation info and returns the opaque
// code for the ack.
func (b *Broker) internalError(c transport.Conn, event string, err error) string {
	code := errorCode(err)
	if code == CodeInternalError {
		correlationID := uuid.NewString()
		sessionID, _, _ := c.Session()
		b.logger.HandlerError(err, c.ID(), sessionID, event, correlationID)
	}
	return code
}

func ackSuccess(reply interface{}) bool {
	switch v := reply.(type) {
	case Ack:
		return v.Success
	case JoinAck:
		return v.Success
	case ListContentAck:
		return v.Success
	case PingAck:
		return v.Valid
	default:
		return true
	}
}

type recoveredPanic struct {
	value interface{}
}

func (p recoveredPanic) Error() string {
	return fmt.Sprintf("handler panic: %v", p.value)
}

func panicError(v interface{}) error {
	if err, ok := v.(error); ok {
		return err
	}
	return recoveredPanic{value: v}
}
