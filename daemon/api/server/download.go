package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/veildrop/veildrop/daemon/store"
)

// byteRange is a resolved single byte range, inclusive on both ends.
type byteRange struct {
	start int64
	end   int64
}

// handleDownload streams a completed content item chunk by chunk. The
// bytes on the wire are the stored ciphertext; decryption happens client
// side. Auth is the session token, either as a Bearer header or a token
// query parameter for browser-initiated downloads that cannot set
// headers.
func (s *APIServer) handleDownload(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	contentID := mux.Vars(r)["contentId"]

	token := bearerToken(r)
	if token == "" {
		s.metrics.RecordDownload("unauthorized", 0, time.Since(start).Seconds())
		http.Error(w, "missing token", http.StatusForbidden)
		return
	}
	sessionID, _, ok := s.sessions.LookupToken(token)
	if !ok {
		s.metrics.RecordDownload("unauthorized", 0, time.Since(start).Seconds())
		http.Error(w, "invalid token", http.StatusForbidden)
		return
	}

	meta, err := s.store.GetContent(contentID)
	if err != nil {
		s.metrics.RecordDownload("not_found", 0, time.Since(start).Seconds())
		http.Error(w, "content not found", http.StatusNotFound)
		return
	}
	if meta.SessionID != sessionID {
		s.metrics.RecordDownload("forbidden", 0, time.Since(start).Seconds())
		http.Error(w, "content not accessible from this session", http.StatusForbidden)
		return
	}
	if !meta.IsComplete {
		s.metrics.RecordDownload("not_found", 0, time.Since(start).Seconds())
		http.Error(w, "content not yet complete", http.StatusNotFound)
		return
	}

	storedSize, err := s.store.StoredSize(contentID)
	if err != nil {
		s.metrics.RecordDownload("error", 0, time.Since(start).Seconds())
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}

	mimeType := meta.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", mimeType)
	w.Header().Set("Accept-Ranges", "bytes")
	if name := fileNameFromMetadata(meta.AdditionalMetadata); name != "" {
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	}

	rng, ok, err := parseRange(r.Header.Get("Range"), storedSize)
	if err != nil {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", storedSize))
		http.Error(w, "invalid range", http.StatusRequestedRangeNotSatisfiable)
		return
	}

	sendLength := storedSize
	status := http.StatusOK
	if ok {
		sendLength = rng.end - rng.start + 1
		status = http.StatusPartialContent
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", rng.start, rng.end, storedSize))
	}
	w.Header().Set("Content-Length", strconv.FormatInt(sendLength, 10))

	if r.Method == http.MethodHead {
		w.WriteHeader(status)
		return
	}

	sent, err := s.streamRange(r.Context(), w, status, contentID, rng, ok)
	duration := time.Since(start)
	switch {
	case err == nil:
		s.metrics.RecordDownload("success", sent, duration.Seconds())
		s.logger.DownloadServed(contentID, sent, duration)
	case errors.Is(err, store.ErrContentGone):
		s.metrics.RecordDownload("gone", sent, duration.Seconds())
		s.logger.WithContent(contentID, meta.TotalSize).Warn("content removed mid-download")
		if sent == 0 {
			http.Error(w, "content removed", http.StatusGone)
		}
		// After the first byte the truncated body plus connection close is
		// all we can signal.
	case errors.Is(err, context.Canceled):
		s.metrics.RecordDownload("client_abort", sent, duration.Seconds())
	default:
		s.metrics.RecordDownload("error", sent, duration.Seconds())
		s.logger.WithContent(contentID, meta.TotalSize).Error(err, "download stream failed")
		if sent == 0 {
			http.Error(w, "download failed", http.StatusInternalServerError)
		}
	}
}

// streamRange walks stored chunks in order and writes the requested
// window, flushing after every chunk so memory stays bounded by one chunk
// regardless of content size. The status line is written just before the
// first body byte, so a removal detected at the first chunk can still be
// reported as a clean error status.
func (s *APIServer) streamRange(ctx context.Context, w http.ResponseWriter, status int, contentID string, rng byteRange, ranged bool) (int64, error) {
	flusher, _ := w.(http.Flusher)

	headerWritten := false
	var offset, sent int64
	err := s.store.StreamContent(ctx, contentID, func(_ int, data []byte, _ *store.ChunkMeta) error {
		chunkStart := offset
		chunkEnd := offset + int64(len(data)) - 1
		offset += int64(len(data))

		window := data
		if ranged {
			if chunkEnd < rng.start {
				return nil
			}
			if chunkStart > rng.end {
				return errRangeDone
			}
			lo, hi := int64(0), int64(len(data))
			if rng.start > chunkStart {
				lo = rng.start - chunkStart
			}
			if rng.end < chunkEnd {
				hi = rng.end - chunkStart + 1
			}
			window = data[lo:hi]
		}

		if !headerWritten {
			w.WriteHeader(status)
			headerWritten = true
		}
		n, err := w.Write(window)
		sent += int64(n)
		if err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	})
	if errors.Is(err, errRangeDone) {
		err = nil
	}
	return sent, err
}

// errRangeDone aborts the chunk walk once the requested window is fully
// written.
var errRangeDone = errors.New("range satisfied")

// bearerToken extracts the session token from the Authorization header or
// the token query parameter.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// parseRange handles a single "bytes=start-end" range. Multi-range
// requests and other units are treated as no range at all, per RFC 9110's
// allowance to ignore Range. A syntactically valid but unsatisfiable
// range is an error.
func parseRange(header string, size int64) (byteRange, bool, error) {
	if header == "" || size == 0 {
		return byteRange{}, false, nil
	}
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok || strings.Contains(spec, ",") {
		return byteRange{}, false, nil
	}

	startStr, endStr, ok := strings.Cut(spec, "-")
	if !ok {
		return byteRange{}, false, nil
	}
	startStr, endStr = strings.TrimSpace(startStr), strings.TrimSpace(endStr)

	// Suffix form "bytes=-N": the final N bytes.
	if startStr == "" {
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n <= 0 {
			return byteRange{}, false, fmt.Errorf("invalid suffix range %q", header)
		}
		if n > size {
			n = size
		}
		return byteRange{start: size - n, end: size - 1}, true, nil
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return byteRange{}, false, fmt.Errorf("invalid range start %q", header)
	}
	if start >= size {
		return byteRange{}, false, fmt.Errorf("range start %d beyond size %d", start, size)
	}

	end := size - 1
	if endStr != "" {
		end, err = strconv.ParseInt(endStr, 10, 64)
		if err != nil || end < start {
			return byteRange{}, false, fmt.Errorf("invalid range end %q", header)
		}
		if end > size-1 {
			end = size - 1
		}
	}
	return byteRange{start: start, end: end}, true, nil
}

// fileNameFromMetadata pulls the client-supplied file name out of the
// opaque metadata blob, if present.
func fileNameFromMetadata(blob json.RawMessage) string {
	if len(blob) == 0 {
		return ""
	}
	var m struct {
		FileName string `json:"fileName"`
	}
	if err := json.Unmarshal(blob, &m); err != nil {
		return ""
	}
	return m.FileName
}
