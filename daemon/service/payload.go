package service

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/veildrop/veildrop/daemon/manager"
	"github.com/veildrop/veildrop/daemon/store"
)

// Inbound event names.
const (
	EventJoin          = "join"
	EventLeave         = "leave"
	EventContent       = "content"
	EventChunk         = "chunk"
	EventRemoveContent = "remove-content"
	EventPinContent    = "pin-content"
	EventUnpinContent  = "unpin-content"
	EventListContent   = "list-content"
	EventPing          = "ping"
)

// Outbound event names.
const (
	EventClientJoined    = "client-joined"
	EventClientLeft      = "client-left"
	EventContentRemoved  = "content-removed"
	EventContentPinned   = "content-pinned"
	EventContentUnpinned = "content-unpinned"
	EventPaginationInfo  = "content-pagination-info"
)

// Bytes is a byte string carried on the wire as a JSON array of numbers,
// matching the clients' Uint8Array serialization.
type Bytes []byte

func (b Bytes) MarshalJSON() ([]byte, error) {
	if b == nil {
		return []byte("null"), nil
	}
	buf := make([]byte, 0, len(b)*4+2)
	buf = append(buf, '[')
	for i, v := range b {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = strconv.AppendUint(buf, uint64(v), 10)
	}
	return append(buf, ']'), nil
}

func (b *Bytes) UnmarshalJSON(data []byte) error {
	var ints []int
	if err := json.Unmarshal(data, &ints); err != nil {
		return err
	}
	out := make([]byte, len(ints))
	for i, v := range ints {
		if v < 0 || v > 255 {
			return fmt.Errorf("byte value %d out of range", v)
		}
		out[i] = byte(v)
	}
	*b = out
	return nil
}

// EncryptionMetadata carries the per-content IV. The server never uses
// it; it only round-trips.
type EncryptionMetadata struct {
	IV Bytes `json:"iv"`
}

// ContentData is the client-facing view of a content item.
type ContentData struct {
	ContentID          string              `json:"contentId"`
	SenderID           string              `json:"senderId"`
	SenderName         string              `json:"senderName"`
	ContentType        string              `json:"contentType"`
	MimeType           string              `json:"mimeType,omitempty"`
	Timestamp          int64               `json:"timestamp"`
	Metadata           json.RawMessage     `json:"metadata,omitempty"`
	IsChunked          bool                `json:"isChunked"`
	TotalChunks        int                 `json:"totalChunks,omitempty"`
	TotalSize          int64               `json:"totalSize"`
	IsLargeFile        bool                `json:"isLargeFile,omitempty"`
	IsPinned           bool                `json:"isPinned,omitempty"`
	EncryptionMetadata *EncryptionMetadata `json:"encryptionMetadata,omitempty"`
}

// ChunkData is one encrypted chunk on the wire.
type ChunkData struct {
	ContentID     string `json:"contentId"`
	ChunkIndex    int    `json:"chunkIndex"`
	TotalChunks   int    `json:"totalChunks"`
	EncryptedData Bytes  `json:"encryptedData"`
	IV            Bytes  `json:"iv"`
}

// Requests.

type JoinRequest struct {
	SessionID        string   `json:"sessionId"`
	ClientName       string   `json:"clientName"`
	Fingerprint      Bytes    `json:"fingerprint"`
	CachedContentIDs []string `json:"cachedContentIds,omitempty"`
}

type LeaveRequest struct {
	SessionID      string `json:"sessionId"`
	CleanupContent bool   `json:"cleanupContent,omitempty"`
}

type ContentRequest struct {
	SessionID string      `json:"sessionId"`
	Content   ContentData `json:"content"`
	Data      string      `json:"data,omitempty"` // base64 inline payload
}

type ChunkRequest struct {
	SessionID string    `json:"sessionId"`
	Chunk     ChunkData `json:"chunk"`
}

type ContentRefRequest struct {
	SessionID string `json:"sessionId"`
	ContentID string `json:"contentId"`
}

type ListContentRequest struct {
	SessionID string `json:"sessionId"`
	Offset    int    `json:"offset,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

type PingRequest struct {
	SessionID string `json:"sessionId"`
}

// Acks.

type Ack struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type JoinAck struct {
	Success bool                 `json:"success"`
	Token   string               `json:"token,omitempty"`
	Clients []manager.MemberInfo `json:"clients,omitempty"`
	Error   string               `json:"error,omitempty"`
}

type ListContentAck struct {
	Success    bool          `json:"success"`
	Content    []ContentData `json:"content"`
	TotalCount int           `json:"totalCount"`
	HasMore    bool          `json:"hasMore"`
	Error      string        `json:"error,omitempty"`
}

type PingAck struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

// Broadcast payloads.

type ClientJoinedEvent struct {
	SessionID  string `json:"sessionId"`
	ClientID   string `json:"clientId"`
	ClientName string `json:"clientName"`
}

type ClientLeftEvent struct {
	SessionID string `json:"sessionId"`
	ClientID  string `json:"clientId"`
}

type ContentEvent struct {
	SessionID string      `json:"sessionId"`
	Content   ContentData `json:"content"`
	Data      string      `json:"data,omitempty"`
}

type ChunkEvent struct {
	SessionID string    `json:"sessionId"`
	Chunk     ChunkData `json:"chunk"`
}

type ContentRemovedEvent struct {
	SessionID string `json:"sessionId"`
	ContentID string `json:"contentId"`
	RemovedBy string `json:"removedBy"`
}

type ContentPinnedEvent struct {
	ContentID string `json:"contentId"`
}

type PaginationInfoEvent struct {
	TotalCount  int  `json:"totalCount"`
	CurrentPage int  `json:"currentPage"`
	PageSize    int  `json:"pageSize"`
	HasMore     bool `json:"hasMore"`
}

// contentDataFromMeta builds the wire view of stored metadata. The sender
// identity is not persisted, so back-filled items carry the server as
// sender.
func contentDataFromMeta(meta *store.ContentMeta) ContentData {
	cd := ContentData{
		ContentID:   meta.ContentID,
		SenderID:    "server",
		SenderName:  "server",
		ContentType: meta.ContentType,
		MimeType:    meta.MimeType,
		Timestamp:   meta.CreatedAt.UnixMilli(),
		Metadata:    meta.AdditionalMetadata,
		IsChunked:   meta.TotalChunks > 1,
		TotalChunks: meta.TotalChunks,
		TotalSize:   meta.TotalSize,
		IsLargeFile: meta.IsLargeFile,
		IsPinned:    meta.IsPinned,
	}
	if len(meta.EncryptionIV) > 0 {
		cd.EncryptionMetadata = &EncryptionMetadata{IV: Bytes(meta.EncryptionIV)}
	}
	return cd
}
