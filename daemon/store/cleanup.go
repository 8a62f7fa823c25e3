package store

import (
	"fmt"
	"os"
	"path/filepath"
)

// RemoveContent atomically deletes a content record, its chunk rows, and
// its payload files. Streaming readers observe the removal as
// ErrContentGone on their next chunk.
func (cs *ContentStore) RemoveContent(contentID string) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.removeContentLocked(contentID)
}

func (cs *ContentStore) removeContentLocked(contentID string) error {
	var sessionID string
	err := cs.db.QueryRow("SELECT session_id FROM content WHERE content_id = ?", contentID).Scan(&sessionID)
	if err != nil {
		cs.metrics.RecordDatabaseOperation("remove_content", false)
		return ErrContentNotFound
	}

	tx, err := cs.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM chunks WHERE content_id = ?", contentID); err != nil {
		return fmt.Errorf("failed to delete chunk rows: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM content WHERE content_id = ?", contentID); err != nil {
		return fmt.Errorf("failed to delete content row: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit removal: %w", err)
	}

	// Payload files go after the metadata commit; a crash between the two
	// leaves only orphaned files, never dangling metadata.
	if err := os.RemoveAll(filepath.Join(cs.opts.StorageRoot, sessionID, contentID)); err != nil {
		cs.logger.Error(err, "failed to remove chunk payload directory")
	}

	cs.metrics.RecordDatabaseOperation("remove_content", true)
	return nil
}

// CleanupOldContent evicts non-pinned completed content beyond the newest
// maxItems for a session. Pinned content is never counted and never
// evicted. Returns the removed content ids.
func (cs *ContentStore) CleanupOldContent(sessionID string, maxItems int) ([]string, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if maxItems < 0 {
		maxItems = 0
	}

	rows, err := cs.db.Query(`
		SELECT content_id FROM content
		WHERE session_id = ? AND is_pinned = 0 AND is_complete = 1
		ORDER BY created_at DESC, content_id
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list eviction candidates: %w", err)
	}

	var candidates []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan eviction candidate: %w", err)
		}
		candidates = append(candidates, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(candidates) <= maxItems {
		return nil, nil
	}

	removed := make([]string, 0, len(candidates)-maxItems)
	for _, id := range candidates[maxItems:] {
		if err := cs.removeContentLocked(id); err != nil {
			cs.logger.Error(err, "eviction failed for content "+id)
			continue
		}
		removed = append(removed, id)
	}

	if len(removed) > 0 {
		cs.metrics.RecordContentRemoved("eviction", len(removed))
		cs.logger.ContentEvicted(sessionID, removed)
	}
	return removed, nil
}

// CleanupAllSessionContent deletes all content for a session, pinned or
// not. Used on explicit session teardown.
func (cs *ContentStore) CleanupAllSessionContent(sessionID string) (int, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	rows, err := cs.db.Query("SELECT content_id FROM content WHERE session_id = ?", sessionID)
	if err != nil {
		return 0, fmt.Errorf("failed to list session content: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	removed := 0
	for _, id := range ids {
		if err := cs.removeContentLocked(id); err != nil {
			cs.logger.Error(err, "teardown removal failed for content "+id)
			continue
		}
		removed++
	}

	// Drop the now-empty session directory.
	if err := os.RemoveAll(filepath.Join(cs.opts.StorageRoot, sessionID)); err != nil {
		cs.logger.Error(err, "failed to remove session payload directory")
	}

	if removed > 0 {
		cs.metrics.RecordContentRemoved("session_teardown", removed)
	}
	return removed, nil
}

// SessionIDs returns the distinct sessions that currently hold content.
// The eviction sweep iterates this set.
func (cs *ContentStore) SessionIDs() ([]string, error) {
	rows, err := cs.db.Query("SELECT DISTINCT session_id FROM content")
	if err != nil {
		return nil, fmt.Errorf("failed to list session ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
