package store

import (
	"bytes"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/zeebo/blake3"
)

// SaveChunk persists one encrypted chunk: payload bytes to the filesystem,
// chunk metadata to the database. If the content record does not exist yet
// (chunks may outrun the metadata event) a provisional record is created
// from the chunk's declared totals. When the distinct-index count reaches
// total_chunks the content is marked complete inside the same transaction
// as the chunk insert. Returns whether this write completed the content.
func (cs *ContentStore) SaveChunk(data []byte, meta ChunkMeta) (bool, error) {
	if !validSegment(meta.ContentID) || !validSegment(meta.SessionID) {
		return false, ErrInvalidID
	}
	if meta.TotalChunks < 1 || meta.ChunkIndex < 0 || meta.ChunkIndex >= meta.TotalChunks {
		return false, fmt.Errorf("%w: index %d of %d", ErrInvalidChunkIndex, meta.ChunkIndex, meta.TotalChunks)
	}

	start := time.Now()
	sum := blake3.Sum256(data)

	if err := cs.writeChunkFile(meta.SessionID, meta.ContentID, meta.ChunkIndex, data); err != nil {
		return false, err
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	tx, err := cs.db.Begin()
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Provisional content record for chunk-before-metadata arrivals.
	if _, err := tx.Exec(`
		INSERT INTO content (content_id, session_id, content_type, mime_type, total_chunks, total_size, created_at, is_large_file)
		VALUES (?, ?, 'other', '', ?, 0, ?, 0)
		ON CONFLICT(content_id) DO NOTHING
	`, meta.ContentID, meta.SessionID, meta.TotalChunks, time.Now()); err != nil {
		return false, fmt.Errorf("failed to ensure content record: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT OR REPLACE INTO chunks (content_id, chunk_index, size, iv, checksum)
		VALUES (?, ?, ?, ?, ?)
	`, meta.ContentID, meta.ChunkIndex, len(data), meta.IV, sum[:]); err != nil {
		cs.metrics.RecordDatabaseOperation("save_chunk", false)
		return false, fmt.Errorf("failed to save chunk metadata: %w", err)
	}

	// Completion is decided on the count of distinct indices, not arrival
	// order, and must see this transaction's own insert.
	res, err := tx.Exec(`
		UPDATE content SET is_complete = 1
		WHERE content_id = ?
		  AND is_complete = 0
		  AND (SELECT COUNT(*) FROM chunks WHERE content_id = ?) >= total_chunks
	`, meta.ContentID, meta.ContentID)
	if err != nil {
		return false, fmt.Errorf("failed to check completion: %w", err)
	}
	completedRows, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit chunk: %w", err)
	}

	cs.metrics.RecordDatabaseOperation("save_chunk", true)
	cs.metrics.RecordChunkPersisted(len(data), time.Since(start).Seconds())
	cs.logger.ChunkPersisted(meta.ContentID, meta.ChunkIndex, len(data))

	completed := completedRows > 0
	if completed {
		cs.metrics.RecordContentComplete()
		cs.logger.ContentComplete(meta.ContentID, meta.TotalChunks)
	}
	return completed, nil
}

// GetReceivedChunkCount returns the count of distinct chunk indices
// persisted for a content item.
func (cs *ContentStore) GetReceivedChunkCount(contentID string) (int, error) {
	var count int
	if err := cs.db.QueryRow("SELECT COUNT(*) FROM chunks WHERE content_id = ?", contentID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count chunks: %w", err)
	}
	return count, nil
}

// StoredSize sums the persisted chunk sizes for a content item. This is
// the exact byte length a streaming download produces, which differs from
// the declared total_size by per-chunk encryption overhead.
func (cs *ContentStore) StoredSize(contentID string) (int64, error) {
	var size sql.NullInt64
	if err := cs.db.QueryRow("SELECT SUM(size) FROM chunks WHERE content_id = ?", contentID).Scan(&size); err != nil {
		return 0, fmt.Errorf("failed to sum chunk sizes: %w", err)
	}
	return size.Int64, nil
}

// GetChunkMetadata returns stored metadata for one chunk.
func (cs *ContentStore) GetChunkMetadata(contentID string, chunkIndex int) (*ChunkMeta, error) {
	meta := ChunkMeta{ContentID: contentID, ChunkIndex: chunkIndex}
	err := cs.db.QueryRow(`
		SELECT c.size, c.iv, c.checksum, ct.session_id, ct.total_chunks
		FROM chunks c JOIN content ct ON ct.content_id = c.content_id
		WHERE c.content_id = ? AND c.chunk_index = ?
	`, contentID, chunkIndex).Scan(&meta.Size, &meta.IV, &meta.Checksum, &meta.SessionID, &meta.TotalChunks)
	if err == sql.ErrNoRows {
		return nil, ErrChunkNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to query chunk metadata: %w", err)
	}
	return &meta, nil
}

// GetChunk reads one chunk's payload bytes, verifying the recorded
// checksum.
func (cs *ContentStore) GetChunk(contentID string, chunkIndex int) ([]byte, error) {
	meta, err := cs.GetChunkMetadata(contentID, chunkIndex)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(cs.chunkPath(meta.SessionID, contentID, chunkIndex))
	if os.IsNotExist(err) {
		return nil, ErrChunkNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to read chunk payload: %w", err)
	}

	sum := blake3.Sum256(data)
	if !bytes.Equal(sum[:], meta.Checksum) {
		return nil, fmt.Errorf("%w: content %s chunk %d", ErrChecksumMismatch, contentID, chunkIndex)
	}
	return data, nil
}

// chunkPath maps a chunk to its payload file.
func (cs *ContentStore) chunkPath(sessionID, contentID string, chunkIndex int) string {
	return filepath.Join(cs.opts.StorageRoot, sessionID, contentID, strconv.Itoa(chunkIndex))
}

// writeChunkFile writes payload bytes with fsync, via a temp file rename
// so readers never observe a partial chunk.
func (cs *ContentStore) writeChunkFile(sessionID, contentID string, chunkIndex int, data []byte) error {
	dir := filepath.Join(cs.opts.StorageRoot, sessionID, contentID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create chunk directory: %w", err)
	}

	final := filepath.Join(dir, strconv.Itoa(chunkIndex))
	tmp, err := os.CreateTemp(dir, "chunk-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create chunk temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write chunk payload: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync chunk payload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close chunk temp file: %w", err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to publish chunk payload: %w", err)
	}
	return nil
}
