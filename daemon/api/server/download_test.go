package server

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veildrop/veildrop/daemon/config"
	"github.com/veildrop/veildrop/daemon/manager"
	"github.com/veildrop/veildrop/daemon/store"
	"github.com/veildrop/veildrop/internal/observability"
)

// Prometheus collectors register globally, so the package shares one
// metrics instance across tests.
var (
	testMetrics = observability.NewMetrics()
	testLogger  = observability.NewLogger("server-test", "test", io.Discard)
)

type nopEmitter struct{}

func (nopEmitter) Emit(event string, payload interface{}) error { return nil }

type serverRig struct {
	api      *APIServer
	router   http.Handler
	sessions *manager.SessionStore
	store    *store.ContentStore
	token    string
}

// newServerRig builds a server over a live store with one joined client
// and one stored two-chunk content item ("abcde" + "fgh").
func newServerRig(t *testing.T) *serverRig {
	t.Helper()
	cs, err := store.Open(store.Options{
		StorageRoot:         t.TempDir(),
		LargeFileThreshold:  1 << 20,
		MaxPinnedPerSession: 10,
	}, testLogger, testMetrics)
	require.NoError(t, err)
	t.Cleanup(func() { cs.Close() })

	sessions := manager.NewSessionStore()
	token, _, err := sessions.JoinSession("session-1", []byte("fp"), "client-1", "alice", nopEmitter{})
	require.NoError(t, err)

	require.NoError(t, cs.SaveContent(store.ContentMeta{
		ContentID:          "content-1",
		SessionID:          "session-1",
		ContentType:        "file",
		MimeType:           "application/pdf",
		TotalChunks:        2,
		TotalSize:          8,
		AdditionalMetadata: []byte(`{"fileName":"report.pdf"}`),
	}))
	for i, data := range [][]byte{[]byte("abcde"), []byte("fgh")} {
		_, err := cs.SaveChunk(data, store.ChunkMeta{
			ContentID: "content-1", SessionID: "session-1",
			ChunkIndex: i, TotalChunks: 2,
		})
		require.NoError(t, err)
	}

	cfg := config.DefaultConfig()
	health := observability.NewHealthChecker("test")
	api := New(cfg, sessions, cs, http.NotFoundHandler(), health, testLogger, testMetrics)
	return &serverRig{api: api, router: api.Router(), sessions: sessions, store: cs, token: token}
}

func (r *serverRig) get(t *testing.T, path string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	r.router.ServeHTTP(rec, req)
	return rec
}

func TestDownloadRequiresToken(t *testing.T) {
	rig := newServerRig(t)

	rec := rig.get(t, "/download/content-1", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = rig.get(t, "/download/content-1", map[string]string{"Authorization": "Bearer bogus"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestDownloadFullContent(t *testing.T) {
	rig := newServerRig(t)

	rec := rig.get(t, "/download/content-1", map[string]string{"Authorization": "Bearer " + rig.token})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "abcdefgh", rec.Body.String())
	assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
	assert.Equal(t, "8", rec.Header().Get("Content-Length"))
	assert.Equal(t, "bytes", rec.Header().Get("Accept-Ranges"))
	assert.Equal(t, `attachment; filename="report.pdf"`, rec.Header().Get("Content-Disposition"))
}

func TestDownloadTokenAsQueryParameter(t *testing.T) {
	rig := newServerRig(t)

	rec := rig.get(t, "/download/content-1?token="+rig.token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "abcdefgh", rec.Body.String())
}

func TestDownloadUnknownContent(t *testing.T) {
	rig := newServerRig(t)
	rec := rig.get(t, "/download/missing", map[string]string{"Authorization": "Bearer " + rig.token})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDownloadCrossSessionForbidden(t *testing.T) {
	rig := newServerRig(t)
	otherToken, _, err := rig.sessions.JoinSession("session-2", []byte("fp2"), "client-2", "eve", nopEmitter{})
	require.NoError(t, err)

	rec := rig.get(t, "/download/content-1", map[string]string{"Authorization": "Bearer " + otherToken})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestDownloadIncompleteContent(t *testing.T) {
	rig := newServerRig(t)
	require.NoError(t, rig.store.SaveContent(store.ContentMeta{
		ContentID: "pending", SessionID: "session-1",
		ContentType: "file", TotalChunks: 3, TotalSize: 30,
	}))

	rec := rig.get(t, "/download/pending", map[string]string{"Authorization": "Bearer " + rig.token})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDownloadRangeAcrossChunks(t *testing.T) {
	rig := newServerRig(t)

	// Window spanning the chunk boundary at offset 5.
	rec := rig.get(t, "/download/content-1", map[string]string{
		"Authorization": "Bearer " + rig.token,
		"Range":         "bytes=3-6",
	})
	require.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "defg", rec.Body.String())
	assert.Equal(t, "bytes 3-6/8", rec.Header().Get("Content-Range"))
	assert.Equal(t, "4", rec.Header().Get("Content-Length"))
}

func TestDownloadSuffixRange(t *testing.T) {
	rig := newServerRig(t)

	rec := rig.get(t, "/download/content-1", map[string]string{
		"Authorization": "Bearer " + rig.token,
		"Range":         "bytes=-3",
	})
	require.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "fgh", rec.Body.String())
	assert.Equal(t, "bytes 5-7/8", rec.Header().Get("Content-Range"))
}

func TestDownloadOpenEndedRange(t *testing.T) {
	rig := newServerRig(t)

	rec := rig.get(t, "/download/content-1", map[string]string{
		"Authorization": "Bearer " + rig.token,
		"Range":         "bytes=6-",
	})
	require.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "gh", rec.Body.String())
}

func TestDownloadUnsatisfiableRange(t *testing.T) {
	rig := newServerRig(t)

	rec := rig.get(t, "/download/content-1", map[string]string{
		"Authorization": "Bearer " + rig.token,
		"Range":         "bytes=100-200",
	})
	assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, rec.Code)
	assert.Equal(t, "bytes */8", rec.Header().Get("Content-Range"))
}

func TestDownloadHead(t *testing.T) {
	rig := newServerRig(t)

	req := httptest.NewRequest(http.MethodHead, "/download/content-1", nil)
	req.Header.Set("Authorization", "Bearer "+rig.token)
	rec := httptest.NewRecorder()
	rig.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "8", rec.Header().Get("Content-Length"))
	assert.Zero(t, rec.Body.Len(), "HEAD must not carry a body")
}

func TestParseRange(t *testing.T) {
	cases := []struct {
		header     string
		size       int64
		start, end int64
		ranged     bool
		wantErr    bool
	}{
		{"", 100, 0, 0, false, false},
		{"bytes=0-49", 100, 0, 49, true, false},
		{"bytes=50-", 100, 50, 99, true, false},
		{"bytes=-10", 100, 90, 99, true, false},
		{"bytes=-200", 100, 0, 99, true, false},
		{"bytes=0-500", 100, 0, 99, true, false},
		{"bytes=0-49,60-80", 100, 0, 0, false, false}, // multi-range ignored
		{"items=0-49", 100, 0, 0, false, false},       // unknown unit ignored
		{"bytes=100-", 100, 0, 0, false, true},
		{"bytes=20-10", 100, 0, 0, false, true},
		{"bytes=-0", 100, 0, 0, false, true},
	}
	for _, c := range cases {
		rng, ranged, err := parseRange(c.header, c.size)
		if c.wantErr {
			assert.Error(t, err, "header %q", c.header)
			continue
		}
		require.NoError(t, err, "header %q", c.header)
		assert.Equal(t, c.ranged, ranged, "header %q", c.header)
		if ranged {
			assert.Equal(t, c.start, rng.start, "header %q", c.header)
			assert.Equal(t, c.end, rng.end, "header %q", c.header)
		}
	}
}

func TestHealthEndpoint(t *testing.T) {
	rig := newServerRig(t)
	rec := rig.get(t, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCORSMiddleware(t *testing.T) {
	rig := newServerRig(t)

	rec := rig.get(t, "/health", map[string]string{"Origin": "https://app.example.com"})
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	// Preflight short-circuits.
	req := httptest.NewRequest(http.MethodOptions, "/download/content-1", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec2 := httptest.NewRecorder()
	rig.router.ServeHTTP(rec2, req)
	assert.Equal(t, http.StatusNoContent, rec2.Code)
}

func TestCORSExplicitOriginList(t *testing.T) {
	handler := corsMiddleware([]string{"https://allowed.example"}, false)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Origin", "https://allowed.example")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, "https://allowed.example", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
