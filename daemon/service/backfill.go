package service

import (
	"encoding/json"

	"github.com/veildrop/veildrop/daemon/store"
	"github.com/veildrop/veildrop/daemon/transport"
)

// backfill replays the newest page of stored content to a fresh joiner,
// skipping items the client reports as already cached. Chunk payloads
// follow each announcement for everything except large files, which are
// metadata-only and fetched over the download endpoint. A trailing
// pagination event tells the client how much more it can pull via
// list-content.
func (b *Broker) backfill(c transport.Conn, sessionID string, cachedIDs []string) {
	items, err := b.store.ListContent(sessionID, 0)
	if err != nil {
		b.logger.WithSession(sessionID).Error(err, "backfill listing failed")
		return
	}

	cached := make(map[string]struct{}, len(cachedIDs))
	for _, id := range cachedIDs {
		cached[id] = struct{}{}
	}

	page := items
	if len(page) > b.opts.PageSize {
		page = page[:b.opts.PageSize]
	}

	for i := range page {
		if _, ok := cached[page[i].ContentID]; ok {
			continue
		}
		b.replayContent(c, sessionID, &page[i])
	}

	if err := c.Emit(EventPaginationInfo, PaginationInfoEvent{
		TotalCount:  len(items),
		CurrentPage: 1,
		PageSize:    b.opts.PageSize,
		HasMore:     len(items) > len(page),
	}); err != nil {
		b.logger.WithClient(c.ID()).Error(err, "pagination emit failed")
	}
}

// replayContent re-announces one stored item to a single connection,
// followed by its chunks in ascending index order for non-large items.
func (b *Broker) replayContent(c transport.Conn, sessionID string, meta *store.ContentMeta) {
	if err := c.Emit(EventContent, ContentEvent{
		SessionID: sessionID,
		Content:   contentDataFromMeta(meta),
	}); err != nil {
		b.logger.WithClient(c.ID()).Error(err, "content replay emit failed")
		return
	}
	// Large files are fetched over the download endpoint and zero-byte
	// items have no chunks; the announcement alone is the replay.
	if meta.IsLargeFile || meta.TotalSize == 0 {
		return
	}

	for i := 0; i < meta.TotalChunks; i++ {
		data, err := b.store.GetChunk(meta.ContentID, i)
		if err != nil {
			b.logger.WithContent(meta.ContentID, meta.TotalSize).Error(err, "chunk replay read failed")
			return
		}
		cm, err := b.store.GetChunkMetadata(meta.ContentID, i)
		if err != nil {
			b.logger.WithContent(meta.ContentID, meta.TotalSize).Error(err, "chunk replay metadata failed")
			return
		}
		if err := c.Emit(EventChunk, ChunkEvent{
			SessionID: sessionID,
			Chunk: ChunkData{
				ContentID:     meta.ContentID,
				ChunkIndex:    i,
				TotalChunks:   meta.TotalChunks,
				EncryptedData: Bytes(data),
				IV:            Bytes(cm.IV),
			},
		}); err != nil {
			b.logger.WithClient(c.ID()).Error(err, "chunk replay emit failed")
			return
		}
	}
}

// handleListContent pages through stored content for the session. Offsets
// below zero clamp to zero; non-positive limits clamp to one. Each
// returned item is replayed to the caller in full.
func (b *Broker) handleListContent(c transport.Conn, data json.RawMessage) interface{} {
	var req ListContentRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return ListContentAck{Success: false, Error: CodeBadRequest}
	}
	sessionID, code := b.boundSession(c, req.SessionID)
	if code != "" {
		return ListContentAck{Success: false, Error: code}
	}

	offset := req.Offset
	if offset < 0 {
		offset = 0
	}
	limit := req.Limit
	if limit < 1 {
		limit = 1
	}

	items, err := b.store.ListContent(sessionID, 0)
	if err != nil {
		return ListContentAck{Success: false, Error: b.internalError(c, EventListContent, err)}
	}

	total := len(items)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	page := items[offset:end]

	views := make([]ContentData, 0, len(page))
	for i := range page {
		b.replayContent(c, sessionID, &page[i])
		views = append(views, contentDataFromMeta(&page[i]))
	}

	b.sessions.Touch(sessionID, c.ID())
	return ListContentAck{
		Success:    true,
		Content:    views,
		TotalCount: total,
		HasMore:    end < total,
	}
}
