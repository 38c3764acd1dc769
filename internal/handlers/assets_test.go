package handlers

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/draftwell/roomhost/internal/assets"
	"github.com/draftwell/roomhost/internal/blob"
	"github.com/draftwell/roomhost/internal/edgecache"
)

func newAssetRouter(t *testing.T, cache edgecache.Cache) (*gin.Engine, *AssetHandler, blob.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store, err := blob.NewFilesystemStore(t.TempDir())
	require.NoError(t, err)
	svc, err := assets.NewService(store, zap.NewNop())
	require.NoError(t, err)

	handler := NewAssetHandler(svc, cache)
	r := gin.New()
	r.POST("/api/uploads/:uploadId", handler.Upload)
	r.GET("/api/uploads/:uploadId", handler.Download)
	return r, handler, store
}

func uploadWhole(t *testing.T, r *gin.Engine, uploadID, contentType, body string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/uploads/"+uploadID, strings.NewReader(body))
	req.Header.Set("Content-Type", contentType)
	r.ServeHTTP(w, req)
	return w
}

func TestUploadAndDownloadWhole(t *testing.T) {
	r, _, _ := newAssetRouter(t, nil)

	w := uploadWhole(t, r, "u1", "image/png", "pixels")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"assembled":true`)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/uploads/u1", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "pixels", w.Body.String())
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
	assert.Equal(t, "bytes", w.Header().Get("Accept-Ranges"))
	assert.NotEmpty(t, w.Header().Get("ETag"))
}

func TestUploadChunked(t *testing.T) {
	r, _, _ := newAssetRouter(t, nil)

	send := func(index int, body string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/uploads/u1", strings.NewReader(body))
		req.Header.Set("Content-Type", "video/mp4")
		req.Header.Set("X-Chunk-Index", strconv.Itoa(index))
		req.Header.Set("X-Total-Chunks", "2")
		r.ServeHTTP(w, req)
		return w
	}

	require.Equal(t, http.StatusOK, send(1, "tail").Code)
	final := send(0, "head")
	require.Equal(t, http.StatusOK, final.Code)
	assert.Contains(t, final.Body.String(), `"assembled":true`)

	// Replaying a chunk after completion conflicts.
	assert.Equal(t, http.StatusConflict, send(0, "head").Code)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/uploads/u1", nil))
	assert.Equal(t, "headtail", w.Body.String())
}

func TestUploadRejectsTextContent(t *testing.T) {
	r, _, _ := newAssetRouter(t, nil)

	w := uploadWhole(t, r, "u1", "text/html", "<html>")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDownloadRangeRequests(t *testing.T) {
	r, _, _ := newAssetRouter(t, nil)
	body := strings.Repeat("0123456789", 100) // 1000 bytes
	require.Equal(t, http.StatusOK, uploadWhole(t, r, "u1", "video/mp4", body).Code)

	get := func(rangeHeader string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/uploads/u1", nil)
		if rangeHeader != "" {
			req.Header.Set("Range", rangeHeader)
		}
		r.ServeHTTP(w, req)
		return w
	}

	w := get("bytes=0-99")
	require.Equal(t, http.StatusPartialContent, w.Code)
	assert.Equal(t, "bytes 0-99/1000", w.Header().Get("Content-Range"))
	assert.Equal(t, body[:100], w.Body.String())

	w = get("bytes=990-")
	require.Equal(t, http.StatusPartialContent, w.Code)
	assert.Equal(t, "bytes 990-999/1000", w.Header().Get("Content-Range"))

	w = get("bytes=-10")
	require.Equal(t, http.StatusPartialContent, w.Code)
	assert.Equal(t, "bytes 990-999/1000", w.Header().Get("Content-Range"))
	assert.Equal(t, body[990:], w.Body.String())

	// Ranges that resolve to the whole object are still range responses.
	w = get("bytes=0-")
	require.Equal(t, http.StatusPartialContent, w.Code)
	assert.Equal(t, "bytes 0-999/1000", w.Header().Get("Content-Range"))
	assert.Equal(t, body, w.Body.String())

	w = get("bytes=-2000")
	require.Equal(t, http.StatusPartialContent, w.Code)
	assert.Equal(t, "bytes 0-999/1000", w.Header().Get("Content-Range"))
	assert.Equal(t, body, w.Body.String())

	w = get("bytes=2000-")
	require.Equal(t, http.StatusRequestedRangeNotSatisfiable, w.Code)
	assert.Equal(t, "bytes */1000", w.Header().Get("Content-Range"))

	assert.Equal(t, http.StatusBadRequest, get("bytes=0-10,20-30").Code)
}

func TestDownloadConditional(t *testing.T) {
	r, _, _ := newAssetRouter(t, nil)
	require.Equal(t, http.StatusOK, uploadWhole(t, r, "u1", "image/png", "pixels").Code)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/uploads/u1", nil))
	etag := w.Header().Get("ETag")
	require.NotEmpty(t, etag)

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/uploads/u1", nil)
	req.Header.Set("If-None-Match", etag)
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotModified, w.Code)
	assert.Empty(t, w.Body.String())
}

func TestDownloadAbsentIs404(t *testing.T) {
	r, _, _ := newAssetRouter(t, nil)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/uploads/ghost", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "NOT_FOUND")
}

func TestDownloadPopulatesCacheOnFullResponse(t *testing.T) {
	cache, err := edgecache.NewMemoryCache(16)
	require.NoError(t, err)
	r, handler, store := newAssetRouter(t, cache)
	require.Equal(t, http.StatusOK, uploadWhole(t, r, "u1", "image/png", "pixels").Code)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/uploads/u1", nil))
	require.Equal(t, http.StatusOK, w.Code)
	handler.Drain()

	req := httptest.NewRequest(http.MethodGet, "/api/uploads/u1", nil)
	cached, hit, err := cache.Match(context.Background(), edgecache.RequestKey(req))
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, []byte("pixels"), cached.Body)

	// Served from cache even after the backing object disappears.
	require.NoError(t, store.Delete(context.Background(), assets.UploadKey("u1")))
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "pixels", w.Body.String())
}

func TestRangedDownloadNeverCached(t *testing.T) {
	cache, err := edgecache.NewMemoryCache(16)
	require.NoError(t, err)
	r, handler, _ := newAssetRouter(t, cache)
	require.Equal(t, http.StatusOK, uploadWhole(t, r, "u1", "image/png", "0123456789").Code)

	req := httptest.NewRequest(http.MethodGet, "/api/uploads/u1", nil)
	req.Header.Set("Range", "bytes=0-3")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusPartialContent, w.Code)
	handler.Drain()

	_, hit, err := cache.Match(context.Background(), edgecache.RequestKey(req))
	require.NoError(t, err)
	assert.False(t, hit)

	// Same for a range covering the whole object.
	req = httptest.NewRequest(http.MethodGet, "/api/uploads/u1", nil)
	req.Header.Set("Range", "bytes=0-")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusPartialContent, w.Code)
	handler.Drain()

	_, hit, err = cache.Match(context.Background(), edgecache.RequestKey(req))
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestParseRangeHeader(t *testing.T) {
	cases := []struct {
		raw  string
		want *blob.ByteRange
		ok   bool
	}{
		{"", nil, true},
		{"bytes=0-99", &blob.ByteRange{Start: 0, End: 99}, true},
		{"bytes=100-", &blob.ByteRange{Start: 100, End: -1}, true},
		{"bytes=-50", &blob.ByteRange{Suffix: 50}, true},
		{"bytes=5-2", nil, false},
		{"bytes=--5", nil, false},
		{"items=0-5", nil, false},
		{"bytes=0-5,10-20", nil, false},
	}
	for _, tc := range cases {
		got, err := parseRangeHeader(tc.raw)
		if !tc.ok {
			assert.Error(t, err, tc.raw)
			continue
		}
		require.NoError(t, err, tc.raw)
		assert.Equal(t, tc.want, got, tc.raw)
	}
}

func TestCacheFillSurvivesSlowWriter(t *testing.T) {
	cache, err := edgecache.NewMemoryCache(16)
	require.NoError(t, err)
	r, handler, _ := newAssetRouter(t, cache)

	payload := bytes.Repeat([]byte{'x'}, 1<<16)
	w := uploadWhole(t, r, "big", "video/mp4", string(payload))
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/uploads/big", nil))
	require.Equal(t, http.StatusOK, w.Code)

	done := make(chan struct{})
	go func() { handler.Drain(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("cache fill did not finish")
	}
}
