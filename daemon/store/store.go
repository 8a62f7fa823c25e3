// Package store persists encrypted content metadata and chunk payloads.
// Metadata lives in an embedded SQLite database; chunk bytes live in a
// filesystem hierarchy under the storage root. The server never inspects
// payloads beyond size and checksum.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/veildrop/veildrop/internal/observability"
)

var (
	ErrContentNotFound   = errors.New("content not found")
	ErrChunkNotFound     = errors.New("chunk not found")
	ErrContentGone       = errors.New("content removed")
	ErrInvalidChunkIndex = errors.New("chunk index out of range")
	ErrInvalidID         = errors.New("invalid identifier")
	ErrChecksumMismatch  = errors.New("chunk checksum mismatch")
	ErrPinLimitReached   = errors.New("pinned item limit reached")
)

// schemaVersion 2 added the is_large_file column; opening a version-1
// database triggers FixLargeFileMetadata once.
const schemaVersion = 2

// ContentMeta describes one logical unit of shared content.
type ContentMeta struct {
	ContentID          string          `json:"contentId"`
	SessionID          string          `json:"sessionId"`
	ContentType        string          `json:"contentType"`
	MimeType           string          `json:"mimeType"`
	TotalChunks        int             `json:"totalChunks"`
	TotalSize          int64           `json:"totalSize"`
	CreatedAt          time.Time       `json:"createdAt"`
	IsComplete         bool            `json:"isComplete"`
	IsPinned           bool            `json:"isPinned"`
	IsLargeFile        bool            `json:"isLargeFile"`
	EncryptionIV       []byte          `json:"encryptionIv"`
	AdditionalMetadata json.RawMessage `json:"additionalMetadata,omitempty"`
}

// ChunkMeta describes one stored chunk of a content item.
type ChunkMeta struct {
	ContentID   string
	SessionID   string
	ChunkIndex  int
	TotalChunks int
	Size        int
	IV          []byte
	Checksum    []byte
}

// Options configures a ContentStore.
type Options struct {
	StorageRoot         string
	LargeFileThreshold  int64
	MaxPinnedPerSession int
}

// ContentStore is the SQLite+filesystem implementation of the chunk store.
type ContentStore struct {
	db   *sql.DB
	opts Options

	logger  *observability.Logger
	metrics *observability.Metrics

	// Serializes writers; SQLite allows one writer at a time and the
	// completion check must see its own chunk insert.
	mu sync.Mutex
}

// Open creates or opens the store under opts.StorageRoot. The metadata
// database lives at <root>/metadata.db.
func Open(opts Options, logger *observability.Logger, metrics *observability.Metrics) (*ContentStore, error) {
	if err := os.MkdirAll(opts.StorageRoot, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}

	dbPath := filepath.Join(opts.StorageRoot, "metadata.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL; PRAGMA busy_timeout = 5000; PRAGMA foreign_keys = ON;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}

	cs := &ContentStore{
		db:      db,
		opts:    opts,
		logger:  logger,
		metrics: metrics,
	}

	if err := cs.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return cs, nil
}

// initSchema creates the database schema if it doesn't exist and runs
// pending migrations.
func (cs *ContentStore) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS content (
			content_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			content_type TEXT NOT NULL,
			mime_type TEXT NOT NULL DEFAULT '',
			total_chunks INTEGER NOT NULL,
			total_size INTEGER NOT NULL,
			created_at TIMESTAMP NOT NULL,
			is_complete INTEGER NOT NULL DEFAULT 0,
			is_pinned INTEGER NOT NULL DEFAULT 0,
			is_large_file INTEGER NOT NULL DEFAULT 0,
			encryption_iv BLOB,
			additional_metadata TEXT
		);

		CREATE TABLE IF NOT EXISTS chunks (
			content_id TEXT NOT NULL,
			chunk_index INTEGER NOT NULL,
			size INTEGER NOT NULL,
			iv BLOB,
			checksum BLOB,
			PRIMARY KEY (content_id, chunk_index),
			FOREIGN KEY (content_id) REFERENCES content(content_id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_content_session ON content(session_id, is_pinned, created_at);
		CREATE INDEX IF NOT EXISTS idx_content_complete ON content(session_id, is_complete);
	`

	if _, err := cs.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	var version int
	err := cs.db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if err == sql.ErrNoRows {
		if _, err := cs.db.Exec("INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
			return fmt.Errorf("failed to set schema version: %w", err)
		}
		return nil
	} else if err != nil {
		return fmt.Errorf("failed to query schema version: %w", err)
	}

	if version < schemaVersion {
		if _, err := cs.FixLargeFileMetadata(); err != nil {
			return fmt.Errorf("failed to migrate large-file flags: %w", err)
		}
		if _, err := cs.db.Exec("INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
			return fmt.Errorf("failed to bump schema version: %w", err)
		}
	}

	return nil
}

// FixLargeFileMetadata recomputes is_large_file from total_size across all
// records. Idempotent: the flag is a pure function of total_size and the
// configured threshold.
func (cs *ContentStore) FixLargeFileMetadata() (int64, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	res, err := cs.db.Exec(
		"UPDATE content SET is_large_file = (total_size > ?) WHERE is_large_file != (total_size > ?)",
		cs.opts.LargeFileThreshold, cs.opts.LargeFileThreshold,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to recompute large-file flags: %w", err)
	}
	return res.RowsAffected()
}

// Ping verifies database connectivity.
func (cs *ContentStore) Ping(ctx context.Context) error {
	return cs.db.PingContext(ctx)
}

// ProbeStorage verifies the payload root is writable.
func (cs *ContentStore) ProbeStorage() error {
	probe := filepath.Join(cs.opts.StorageRoot, ".probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return err
	}
	return os.Remove(probe)
}

// Close closes the database connection.
func (cs *ContentStore) Close() error {
	if cs.db != nil {
		return cs.db.Close()
	}
	return nil
}

// LargeFileThreshold returns the configured classification threshold.
func (cs *ContentStore) LargeFileThreshold() int64 {
	return cs.opts.LargeFileThreshold
}

// validSegment rejects identifiers that could escape the storage root or
// collide with internal files.
func validSegment(id string) bool {
	if id == "" || len(id) > 255 {
		return false
	}
	if id == "." || id == ".." {
		return false
	}
	if strings.ContainsAny(id, "/\\\x00") {
		return false
	}
	if strings.HasPrefix(id, ".") {
		return false
	}
	return true
}
