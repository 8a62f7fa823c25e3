package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// SaveContent creates or replaces a content metadata record without
// writing chunk bytes. On first write the large-file flag is computed from
// the declared total size; replacement keeps created_at and the flag
// sticky. A provisional record left by an early chunk declares size 0, so
// it takes the flag of the first real announcement instead.
func (cs *ContentStore) SaveContent(meta ContentMeta) error {
	if !validSegment(meta.ContentID) || !validSegment(meta.SessionID) {
		return ErrInvalidID
	}
	if meta.TotalChunks < 1 {
		return fmt.Errorf("%w: totalChunks must be >= 1", ErrInvalidChunkIndex)
	}
	if meta.TotalSize < 0 {
		return fmt.Errorf("invalid total size %d", meta.TotalSize)
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	largeFile := meta.TotalSize > cs.opts.LargeFileThreshold
	createdAt := meta.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := cs.db.Exec(`
		INSERT INTO content
			(content_id, session_id, content_type, mime_type, total_chunks, total_size,
			 created_at, is_complete, is_pinned, is_large_file, encryption_iv, additional_metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)
		ON CONFLICT(content_id) DO UPDATE SET
			content_type = excluded.content_type,
			mime_type = excluded.mime_type,
			total_chunks = excluded.total_chunks,
			total_size = excluded.total_size,
			is_complete = content.is_complete OR excluded.is_complete,
			is_large_file = CASE WHEN content.total_size = 0
				THEN excluded.is_large_file ELSE content.is_large_file END,
			encryption_iv = excluded.encryption_iv,
			additional_metadata = excluded.additional_metadata
	`,
		meta.ContentID, meta.SessionID, meta.ContentType, meta.MimeType,
		meta.TotalChunks, meta.TotalSize, createdAt, boolToInt(meta.IsComplete),
		boolToInt(largeFile), meta.EncryptionIV, string(meta.AdditionalMetadata),
	)
	if err != nil {
		cs.metrics.RecordDatabaseOperation("save_content", false)
		return fmt.Errorf("failed to save content metadata: %w", err)
	}
	cs.metrics.RecordDatabaseOperation("save_content", true)
	cs.logger.ContentPublished(meta.SessionID, meta.ContentID, meta.TotalSize, meta.TotalChunks, largeFile)
	return nil
}

// UpdateContentMetadata replaces only the opaque metadata blob. All other
// fields, including the large-file flag, are untouched.
func (cs *ContentStore) UpdateContentMetadata(contentID string, additionalMetadata json.RawMessage) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	res, err := cs.db.Exec(
		"UPDATE content SET additional_metadata = ? WHERE content_id = ?",
		string(additionalMetadata), contentID,
	)
	if err != nil {
		return fmt.Errorf("failed to update content metadata: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrContentNotFound
	}
	return nil
}

// MarkContentComplete transitions is_complete to true. Idempotent.
func (cs *ContentStore) MarkContentComplete(contentID string) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	res, err := cs.db.Exec("UPDATE content SET is_complete = 1 WHERE content_id = ?", contentID)
	if err != nil {
		return fmt.Errorf("failed to mark content complete: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		if err := cs.db.QueryRow("SELECT 1 FROM content WHERE content_id = ?", contentID).Scan(&exists); err == sql.ErrNoRows {
			return ErrContentNotFound
		}
	}
	return nil
}

// GetContent retrieves a content metadata record.
func (cs *ContentStore) GetContent(contentID string) (*ContentMeta, error) {
	row := cs.db.QueryRow(`
		SELECT content_id, session_id, content_type, mime_type, total_chunks, total_size,
		       created_at, is_complete, is_pinned, is_large_file, encryption_iv, additional_metadata
		FROM content WHERE content_id = ?
	`, contentID)
	return scanContent(row)
}

// IsLargeFile reports the sticky large-file classification.
func (cs *ContentStore) IsLargeFile(contentID string) (bool, error) {
	var large int
	err := cs.db.QueryRow("SELECT is_large_file FROM content WHERE content_id = ?", contentID).Scan(&large)
	if err == sql.ErrNoRows {
		return false, ErrContentNotFound
	} else if err != nil {
		return false, fmt.Errorf("failed to query large-file flag: %w", err)
	}
	return large != 0, nil
}

// ListContent returns completed content for a session ordered by
// is_pinned DESC, created_at DESC. limit <= 0 means no limit.
func (cs *ContentStore) ListContent(sessionID string, limit int) ([]ContentMeta, error) {
	query := `
		SELECT content_id, session_id, content_type, mime_type, total_chunks, total_size,
		       created_at, is_complete, is_pinned, is_large_file, encryption_iv, additional_metadata
		FROM content
		WHERE session_id = ? AND is_complete = 1
		ORDER BY is_pinned DESC, created_at DESC
	`
	args := []interface{}{sessionID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := cs.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list content: %w", err)
	}
	defer rows.Close()

	var items []ContentMeta
	for rows.Next() {
		meta, err := scanContent(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *meta)
	}
	return items, rows.Err()
}

// PinContent sets the pin flag. Re-pinning is a no-op success; a new pin
// above the per-session cap is rejected with ErrPinLimitReached.
func (cs *ContentStore) PinContent(contentID string) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	var sessionID string
	var pinned int
	err := cs.db.QueryRow("SELECT session_id, is_pinned FROM content WHERE content_id = ?", contentID).Scan(&sessionID, &pinned)
	if err == sql.ErrNoRows {
		return ErrContentNotFound
	} else if err != nil {
		return fmt.Errorf("failed to query pin state: %w", err)
	}
	if pinned != 0 {
		return nil
	}

	if cs.opts.MaxPinnedPerSession > 0 {
		var count int
		if err := cs.db.QueryRow(
			"SELECT COUNT(*) FROM content WHERE session_id = ? AND is_pinned = 1", sessionID,
		).Scan(&count); err != nil {
			return fmt.Errorf("failed to count pinned items: %w", err)
		}
		if count >= cs.opts.MaxPinnedPerSession {
			return ErrPinLimitReached
		}
	}

	if _, err := cs.db.Exec("UPDATE content SET is_pinned = 1 WHERE content_id = ?", contentID); err != nil {
		return fmt.Errorf("failed to pin content: %w", err)
	}
	return nil
}

// UnpinContent clears the pin flag. A no-op on unpinned items.
func (cs *ContentStore) UnpinContent(contentID string) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	res, err := cs.db.Exec("UPDATE content SET is_pinned = 0 WHERE content_id = ?", contentID)
	if err != nil {
		return fmt.Errorf("failed to unpin content: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		if err := cs.db.QueryRow("SELECT 1 FROM content WHERE content_id = ?", contentID).Scan(&exists); err == sql.ErrNoRows {
			return ErrContentNotFound
		}
	}
	return nil
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanContent(row rowScanner) (*ContentMeta, error) {
	var (
		meta       ContentMeta
		complete   int
		pinned     int
		large      int
		additional sql.NullString
	)
	err := row.Scan(
		&meta.ContentID, &meta.SessionID, &meta.ContentType, &meta.MimeType,
		&meta.TotalChunks, &meta.TotalSize, &meta.CreatedAt,
		&complete, &pinned, &large, &meta.EncryptionIV, &additional,
	)
	if err == sql.ErrNoRows {
		return nil, ErrContentNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to scan content row: %w", err)
	}
	meta.IsComplete = complete != 0
	meta.IsPinned = pinned != 0
	meta.IsLargeFile = large != 0
	if additional.Valid && additional.String != "" {
		meta.AdditionalMetadata = json.RawMessage(additional.String)
	}
	return &meta, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
