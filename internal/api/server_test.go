package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tphakala/imagewall/internal/app"
	"github.com/tphakala/imagewall/internal/logger"
	"github.com/tphakala/imagewall/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	note      = "journal/day.md"
	remoteSrc = "https://img.example/x.png"
)

type testServer struct {
	server *Server
	app    *app.App
	local  []byte
	remote []byte
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	local := testutil.PNG(t, 40, 20)
	remote := testutil.PNG(t, 30, 30)
	mock := httpmock.NewMockTransport()
	mock.RegisterResponder("GET", remoteSrc, testutil.ImageResponder(remote, true))

	v := testutil.MemVault(t, map[string][]byte{
		note:            []byte("![[a.png]]\n![x](" + remoteSrc + ")\n![[missing.png]]\n"),
		"journal/a.png": local,
	})
	a, err := app.New(t.Context(), testutil.Settings(t),
		app.WithLogger(logger.NewNopLogger()),
		app.WithVault(v),
		app.WithCacheFs(afero.NewMemMapFs()),
		app.WithTransport(mock))
	require.NoError(t, err)

	s, err := New(a)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = s.Shutdown()
		_ = a.Close()
	})
	return &testServer{server: s, app: a, local: local, remote: remote}
}

func (ts *testServer) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	ts.server.Echo().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, false, body["gallery_open"])
	assert.NotEmpty(t, rec.Header().Get(echoRequestIDHeader))
}

const echoRequestIDHeader = "X-Request-Id"

func TestNoteImages(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/v1/images?note="+note, "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[struct {
		Note   string   `json:"note"`
		Images []string `json:"images"`
	}](t, rec)
	assert.Equal(t, []string{"a.png", "missing.png", remoteSrc}, body.Images)

	rec = ts.do(t, http.MethodGet, "/api/v1/images", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/images?note=nope.md", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	errResp := decode[ErrorResponse](t, rec)
	assert.Equal(t, http.StatusNotFound, errResp.Code)
	assert.NotEmpty(t, errResp.CorrelationID)
}

func TestGalleryLifecycle(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/v1/gallery", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/gallery?note="+note+"&visible=2", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[GalleryResponse](t, rec)
	assert.Equal(t, note, resp.Note)
	assert.Equal(t, app.Summary{Total: 3, Loaded: 2, Failed: 1}, resp.Summary)

	var blobURL string
	for _, s := range resp.Slots {
		if s.Path == "a.png" {
			blobURL = s.Src
		}
	}
	require.True(t, strings.HasPrefix(blobURL, "/blob/"), blobURL)

	rec = ts.do(t, http.MethodGet, blobURL, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.Equal(t, ts.local, rec.Body.Bytes())

	rec = ts.do(t, http.MethodGet, "/api/v1/gallery", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodDelete, "/api/v1/gallery", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = ts.do(t, http.MethodDelete, "/api/v1/gallery", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodGet, blobURL, "")
	assert.Equal(t, http.StatusNotFound, rec.Code, "handles die with the gallery")

	// the readable remote image was written back before the gallery closed
	rec = ts.do(t, http.MethodGet, "/api/v1/cache/image?src="+remoteSrc, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, ts.remote, rec.Body.Bytes())
	assert.NotEmpty(t, rec.Header().Get("Last-Modified"))

	rec = ts.do(t, http.MethodGet, "/api/v1/cache/image?src=https://img.example/other.png", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = ts.do(t, http.MethodGet, "/api/v1/cache/image", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReopenServesCachedImagesThroughCacheEndpoint(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/api/v1/gallery?note="+note, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/gallery?note="+note, "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[GalleryResponse](t, rec)
	assert.Equal(t, 1, resp.Summary.Cached)
	for _, s := range resp.Slots {
		if s.Path == remoteSrc {
			assert.Equal(t, "/api/v1/cache/image?src=https%3A%2F%2Fimg.example%2Fx.png", s.Src)
		}
	}
}

func TestGalleryRejectsBadInput(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/api/v1/gallery", "").Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/api/v1/gallery?note="+note+"&visible=-1", "").Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodPost, "/api/v1/gallery?note=nope.md", "").Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/blob/whatever", "").Code)
}

func TestRetrySlot(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodPost, "/api/v1/gallery/retry?src=a.png", "").Code)

	rec := ts.do(t, http.MethodPost, "/api/v1/gallery?note="+note, "")
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, http.StatusConflict, ts.do(t, http.MethodPost, "/api/v1/gallery/retry?src=a.png", "").Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodPost, "/api/v1/gallery/retry?src=b.png", "").Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/gallery/retry?src=missing.png", "")
	require.Equal(t, http.StatusOK, rec.Code)
	report := decode[app.SlotReport](t, rec)
	assert.Equal(t, app.StatusFailed, report.Status)
	assert.Equal(t, 3, report.Attempts, "a user retry bypasses the failure cache")
}

func TestCacheEndpoints(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/api/v1/gallery?note="+note, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, http.StatusNoContent, ts.do(t, http.MethodDelete, "/api/v1/gallery", "").Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/cache", "")
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[CacheStats](t, rec)
	assert.True(t, stats.Enabled)
	assert.Equal(t, 1, stats.Entries)
	assert.Equal(t, int64(len(ts.remote)), stats.SizeBytes)
	assert.Equal(t, 7, stats.MaxAgeDays)
	assert.Equal(t, "/cache", stats.Dir)

	rec = ts.do(t, http.MethodPut, "/api/v1/cache/policy", `{"maxAgeDays": 40}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = ts.do(t, http.MethodPut, "/api/v1/cache/policy", `{"maxSizeMB": 5}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPut, "/api/v1/cache/policy", `{"maxAgeDays": 3, "enabled": false}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	policy := decode[CachePolicyResponse](t, rec)
	assert.False(t, policy.Enabled)
	assert.Equal(t, 3, policy.MaxAgeDays)
	assert.Equal(t, 100, policy.MaxSizeMB)

	stats = decode[CacheStats](t, ts.do(t, http.MethodGet, "/api/v1/cache", ""))
	assert.False(t, stats.Enabled)
	assert.Equal(t, 3, stats.MaxAgeDays)

	rec = ts.do(t, http.MethodDelete, "/api/v1/cache", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]int{"cleared": 1}, decode[map[string]int](t, rec))
	assert.Zero(t, ts.app.Cache.Len())
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "imagewall_cache_entries")
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	cfg.Listen = "nonsense"
	require.Error(t, cfg.Validate())
	cfg = DefaultConfig()
	cfg.WriteTimeout = 0
	require.Error(t, cfg.Validate())
}

func TestConcurrentOpensCloseEveryDisplacedGallery(t *testing.T) {
	ts := newTestServer(t)
	baseline := goleak.IgnoreCurrent()

	const opens = 16
	codes := make([]int, opens)
	var wg sync.WaitGroup
	for i := range opens {
		wg.Go(func() {
			codes[i] = ts.do(t, http.MethodPost, "/api/v1/gallery?note="+note, "").Code
		})
	}
	wg.Wait()

	ok := 0
	for _, code := range codes {
		assert.Contains(t, []int{http.StatusOK, http.StatusConflict}, code)
		if code == http.StatusOK {
			ok++
		}
	}
	assert.GreaterOrEqual(t, ok, 1)

	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/v1/gallery", "").Code)
	require.Equal(t, http.StatusNoContent, ts.do(t, http.MethodDelete, "/api/v1/gallery", "").Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/api/v1/gallery", "").Code)

	assert.NoError(t, goleak.Find(baseline))
}
