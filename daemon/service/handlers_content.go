package service

import (
	"encoding/base64"
	"encoding/json"

	"github.com/veildrop/veildrop/daemon/store"
	"github.com/veildrop/veildrop/daemon/transport"
)

// handleContent registers a content item and fans its metadata out to the
// rest of the session. Small inline payloads are persisted as a single
// chunk and forwarded with the announcement; large inline payloads are
// recorded as metadata only and the payload is neither stored nor
// forwarded. Chunked items are announced here and filled by chunk events.
func (b *Broker) handleContent(c transport.Conn, data json.RawMessage) interface{} {
	var req ContentRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return Ack{Success: false, Error: CodeBadRequest}
	}
	sessionID, code := b.boundSession(c, req.SessionID)
	if code != "" {
		return Ack{Success: false, Error: code}
	}
	if req.Content.ContentID == "" {
		return Ack{Success: false, Error: CodeBadRequest}
	}

	meta := store.ContentMeta{
		ContentID:          req.Content.ContentID,
		SessionID:          sessionID,
		ContentType:        req.Content.ContentType,
		MimeType:           req.Content.MimeType,
		TotalChunks:        req.Content.TotalChunks,
		TotalSize:          req.Content.TotalSize,
		AdditionalMetadata: req.Content.Metadata,
	}
	if meta.TotalChunks < 1 {
		meta.TotalChunks = 1
	}
	if req.Content.EncryptionMetadata != nil {
		meta.EncryptionIV = req.Content.EncryptionMetadata.IV
	}

	largeFile := meta.TotalSize > b.store.LargeFileThreshold()

	var inline []byte
	if req.Data != "" && !req.Content.IsChunked {
		decoded, err := base64.StdEncoding.DecodeString(req.Data)
		if err != nil {
			return Ack{Success: false, Error: CodeBadRequest}
		}
		inline = decoded
	}

	completed := false
	switch {
	case inline != nil && !largeFile:
		if err := b.store.SaveContent(meta); err != nil {
			return Ack{Success: false, Error: b.internalError(c, EventContent, err)}
		}
		done, err := b.store.SaveChunk(inline, store.ChunkMeta{
			ContentID:   meta.ContentID,
			SessionID:   sessionID,
			ChunkIndex:  0,
			TotalChunks: 1,
			IV:          meta.EncryptionIV,
		})
		if err != nil {
			return Ack{Success: false, Error: b.internalError(c, EventContent, err)}
		}
		completed = done
	case inline != nil:
		// Payload exceeds the threshold: record metadata only. The sender
		// keeps the bytes; peers fetch them peer-side or re-request.
		meta.IsComplete = true
		if err := b.store.SaveContent(meta); err != nil {
			return Ack{Success: false, Error: b.internalError(c, EventContent, err)}
		}
		completed = true
	case !req.Content.IsChunked && meta.TotalSize == 0:
		// Zero-byte content has no payload to wait for; the record itself
		// is the whole item.
		meta.IsComplete = true
		if err := b.store.SaveContent(meta); err != nil {
			return Ack{Success: false, Error: b.internalError(c, EventContent, err)}
		}
		completed = true
	default:
		if err := b.store.SaveContent(meta); err != nil {
			return Ack{Success: false, Error: b.internalError(c, EventContent, err)}
		}
	}

	announced := req.Content
	announced.IsLargeFile = largeFile
	event := ContentEvent{SessionID: sessionID, Content: announced}
	if inline != nil && !largeFile {
		event.Data = req.Data
	}
	b.bus.BroadcastToRoom(sessionID, EventContent, event, c.ID())

	if completed {
		b.evictOverflow(sessionID)
	}
	b.sessions.Touch(sessionID, c.ID())
	return Ack{Success: true}
}

// evictOverflow trims the session down to the item cap once a new item
// completes. Evictions are announced so clients drop the items too.
func (b *Broker) evictOverflow(sessionID string) {
	if b.opts.MaxItemsPerSession <= 0 {
		return
	}
	removed, err := b.store.CleanupOldContent(sessionID, b.opts.MaxItemsPerSession)
	if err != nil {
		b.logger.WithSession(sessionID).Error(err, "overflow eviction failed")
		return
	}
	for _, id := range removed {
		b.bus.BroadcastToRoom(sessionID, EventContentRemoved, ContentRemovedEvent{
			SessionID: sessionID,
			ContentID: id,
			RemovedBy: "server",
		}, "")
	}
}

// handleChunk persists one encrypted chunk and forwards it to peers
// unless the parent content is classified large, in which case the relay
// stores without fanning out.
func (b *Broker) handleChunk(c transport.Conn, data json.RawMessage) interface{} {
	var req ChunkRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return Ack{Success: false, Error: CodeBadRequest}
	}
	sessionID, code := b.boundSession(c, req.SessionID)
	if code != "" {
		return Ack{Success: false, Error: code}
	}

	completed, err := b.store.SaveChunk(req.Chunk.EncryptedData, store.ChunkMeta{
		ContentID:   req.Chunk.ContentID,
		SessionID:   sessionID,
		ChunkIndex:  req.Chunk.ChunkIndex,
		TotalChunks: req.Chunk.TotalChunks,
		IV:          req.Chunk.IV,
	})
	if err != nil {
		return Ack{Success: false, Error: b.internalError(c, EventChunk, err)}
	}

	largeFile, err := b.store.IsLargeFile(req.Chunk.ContentID)
	if err != nil {
		return Ack{Success: false, Error: b.internalError(c, EventChunk, err)}
	}
	if !largeFile {
		b.bus.BroadcastToRoom(sessionID, EventChunk, ChunkEvent{
			SessionID: sessionID,
			Chunk:     req.Chunk,
		}, c.ID())
	}

	if completed {
		b.evictOverflow(sessionID)
	}
	b.sessions.Touch(sessionID, c.ID())
	return Ack{Success: true}
}

// handleRemoveContent deletes a content item and notifies peers. The
// caller may only remove content belonging to its own session.
func (b *Broker) handleRemoveContent(c transport.Conn, data json.RawMessage) interface{} {
	var req ContentRefRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return Ack{Success: false, Error: CodeBadRequest}
	}
	sessionID, code := b.boundSession(c, req.SessionID)
	if code != "" {
		return Ack{Success: false, Error: code}
	}

	if code := b.checkOwnership(sessionID, req.ContentID); code != "" {
		return Ack{Success: false, Error: code}
	}

	if err := b.store.RemoveContent(req.ContentID); err != nil {
		return Ack{Success: false, Error: b.internalError(c, EventRemoveContent, err)}
	}
	b.metrics.RecordContentRemoved("explicit", 1)

	b.bus.BroadcastToRoom(sessionID, EventContentRemoved, ContentRemovedEvent{
		SessionID: sessionID,
		ContentID: req.ContentID,
		RemovedBy: c.ID(),
	}, c.ID())

	return Ack{Success: true}
}

// handlePinContent marks a content item pinned, exempting it from
// eviction. The confirmation goes to the whole room, sender included, so
// every client converges on the same pin state.
func (b *Broker) handlePinContent(c transport.Conn, data json.RawMessage) interface{} {
	var req ContentRefRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return Ack{Success: false, Error: CodeBadRequest}
	}
	sessionID, code := b.boundSession(c, req.SessionID)
	if code != "" {
		return Ack{Success: false, Error: code}
	}
	if code := b.checkOwnership(sessionID, req.ContentID); code != "" {
		return Ack{Success: false, Error: code}
	}

	if err := b.store.PinContent(req.ContentID); err != nil {
		return Ack{Success: false, Error: b.internalError(c, EventPinContent, err)}
	}

	b.bus.BroadcastToRoom(sessionID, EventContentPinned, ContentPinnedEvent{ContentID: req.ContentID}, "")
	return Ack{Success: true}
}

// handleUnpinContent clears the pin flag and notifies the whole room.
func (b *Broker) handleUnpinContent(c transport.Conn, data json.RawMessage) interface{} {
	var req ContentRefRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return Ack{Success: false, Error: CodeBadRequest}
	}
	sessionID, code := b.boundSession(c, req.SessionID)
	if code != "" {
		return Ack{Success: false, Error: code}
	}
	if code := b.checkOwnership(sessionID, req.ContentID); code != "" {
		return Ack{Success: false, Error: code}
	}

	if err := b.store.UnpinContent(req.ContentID); err != nil {
		return Ack{Success: false, Error: b.internalError(c, EventUnpinContent, err)}
	}

	b.bus.BroadcastToRoom(sessionID, EventContentUnpinned, ContentPinnedEvent{ContentID: req.ContentID}, "")
	return Ack{Success: true}
}

// checkOwnership confirms the content exists and belongs to sessionID.
// Content in other sessions reads as not found, never as forbidden.
func (b *Broker) checkOwnership(sessionID, contentID string) string {
	meta, err := b.store.GetContent(contentID)
	if err != nil {
		return errorCode(err)
	}
	if meta.SessionID != sessionID {
		return CodeContentNotFound
	}
	return ""
}
