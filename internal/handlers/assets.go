package handlers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/draftwell/roomhost/internal/assets"
	"github.com/draftwell/roomhost/internal/blob"
	"github.com/draftwell/roomhost/internal/edgecache"
	apperrors "github.com/draftwell/roomhost/pkg/errors"
	"github.com/draftwell/roomhost/pkg/logger"
	"github.com/draftwell/roomhost/pkg/metrics"
	"github.com/draftwell/roomhost/pkg/response"
)

const (
	chunkIndexHeader = "X-Chunk-Index"
	chunkTotalHeader = "X-Total-Chunks"
)

// AssetHandler serves chunked uploads and cached, range-capable downloads.
type AssetHandler struct {
	service *assets.Service
	cache   edgecache.Cache
	log     *zap.Logger

	// fills tracks background cache population so shutdown can drain it.
	fills sync.WaitGroup
}

func NewAssetHandler(service *assets.Service, cache edgecache.Cache) *AssetHandler {
	return &AssetHandler{
		service: service,
		cache:   cache,
		log:     logger.WithModule("assets"),
	}
}

// Upload receives one chunk. Single-chunk uploads omit the chunk headers.
func (h *AssetHandler) Upload(c *gin.Context) {
	index, total, err := chunkCoordinates(c)
	if err != nil {
		response.Error(c, err)
		return
	}

	result, err := h.service.SaveChunk(c.Request.Context(), assets.ChunkInput{
		UploadID:    c.Param("uploadId"),
		Index:       index,
		Total:       total,
		ContentType: c.ContentType(),
		Body:        c.Request.Body,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, result)
}

// chunkCoordinates reads the chunk headers, defaulting to a single-chunk
// upload when both are absent.
func chunkCoordinates(c *gin.Context) (index, total int, err error) {
	rawIndex := c.GetHeader(chunkIndexHeader)
	rawTotal := c.GetHeader(chunkTotalHeader)
	if rawIndex == "" && rawTotal == "" {
		return 0, 1, nil
	}

	index, err = strconv.Atoi(rawIndex)
	if err != nil {
		return 0, 0, apperrors.NewBadRequest(chunkIndexHeader + " must be an integer")
	}
	total, err = strconv.Atoi(rawTotal)
	if err != nil {
		return 0, 0, apperrors.NewBadRequest(chunkTotalHeader + " must be an integer")
	}
	return index, total, nil
}

// Download serves an assembled upload with range and conditional semantics.
// Complete responses are copied into the edge cache off the request path;
// partial and conditional responses always bypass it.
func (h *AssetHandler) Download(c *gin.Context) {
	uploadID := c.Param("uploadId")
	key := edgecache.RequestKey(c.Request)

	if cached, hit := h.matchCache(c, key); hit {
		metrics.CacheLookups.WithLabelValues("hit").Inc()
		h.serveCached(c, cached)
		return
	}
	metrics.CacheLookups.WithLabelValues("miss").Inc()

	rng, err := parseRangeHeader(c.GetHeader("Range"))
	if err != nil {
		response.Error(c, err)
		return
	}

	obj, err := h.service.Open(c.Request.Context(), uploadID, blob.GetOptions{
		Range:       rng,
		IfNoneMatch: c.GetHeader("If-None-Match"),
	})
	if errors.Is(err, blob.ErrNotModified) {
		c.Header("ETag", c.GetHeader("If-None-Match"))
		c.Status(http.StatusNotModified)
		return
	}
	if errors.Is(err, blob.ErrInvalidRange) {
		meta, headErr := h.service.Stat(c.Request.Context(), uploadID)
		if headErr == nil {
			c.Header("Content-Range", fmt.Sprintf("bytes */%d", meta.Size))
		}
		c.Status(http.StatusRequestedRangeNotSatisfiable)
		return
	}
	if err != nil {
		response.Error(c, err)
		return
	}
	defer obj.Body.Close()

	c.Header("Accept-Ranges", "bytes")
	c.Header("Content-Type", obj.Meta.ContentType)
	c.Header("ETag", obj.Meta.ETag)
	c.Header("Content-Length", strconv.FormatInt(obj.Length, 10))

	// Any honoured Range request answers 206 with Content-Range, even when
	// the resolved range happens to cover the whole object.
	if rng != nil || obj.Partial() {
		c.Header("Content-Range", fmt.Sprintf("bytes %d-%d/%d", obj.Offset, obj.Offset+obj.Length-1, obj.Meta.Size))
		c.Status(http.StatusPartialContent)
		_, _ = io.Copy(c.Writer, obj.Body)
		return
	}

	c.Status(http.StatusOK)
	if h.cache == nil {
		_, _ = io.Copy(c.Writer, obj.Body)
		return
	}

	// Tee the body so the client stream and the cache fill share one read.
	var buf bytes.Buffer
	if _, err := io.Copy(c.Writer, io.TeeReader(obj.Body, &buf)); err != nil {
		return // client went away, cache nothing partial
	}
	h.fillCache(key, &edgecache.CachedResponse{
		ContentType: obj.Meta.ContentType,
		ETag:        obj.Meta.ETag,
		Body:        buf.Bytes(),
	})
}

func (h *AssetHandler) matchCache(c *gin.Context, key string) (*edgecache.CachedResponse, bool) {
	if h.cache == nil {
		return nil, false
	}
	cached, hit, err := h.cache.Match(c.Request.Context(), key)
	if err != nil {
		// A broken cache must not break downloads.
		h.log.Warn("cache lookup failed", zap.Error(err))
		return nil, false
	}
	return cached, hit
}

func (h *AssetHandler) serveCached(c *gin.Context, cached *edgecache.CachedResponse) {
	if match := c.GetHeader("If-None-Match"); match != "" && match == cached.ETag {
		c.Header("ETag", cached.ETag)
		c.Status(http.StatusNotModified)
		return
	}
	c.Header("Accept-Ranges", "bytes")
	c.Header("ETag", cached.ETag)
	c.Data(http.StatusOK, cached.ContentType, cached.Body)
}

func (h *AssetHandler) fillCache(key string, resp *edgecache.CachedResponse) {
	h.fills.Add(1)
	go func() {
		defer h.fills.Done()
		if err := h.cache.Put(context.Background(), key, resp); err != nil {
			h.log.Warn("cache fill failed", zap.Error(err))
		}
	}()
}

// Drain waits for in-flight cache fills, bounding shutdown.
func (h *AssetHandler) Drain() {
	h.fills.Wait()
}

// parseRangeHeader interprets a single-range "bytes=" header. Multipart
// ranges are not supported and read as malformed.
func parseRangeHeader(raw string) (*blob.ByteRange, error) {
	if raw == "" {
		return nil, nil
	}
	spec, ok := strings.CutPrefix(raw, "bytes=")
	if !ok || strings.Contains(spec, ",") {
		return nil, apperrors.NewBadRequest("unsupported Range header")
	}

	start, end, ok := strings.Cut(spec, "-")
	if !ok {
		return nil, apperrors.NewBadRequest("malformed Range header")
	}

	if start == "" {
		// bytes=-N, the object's last N bytes
		suffix, err := strconv.ParseInt(end, 10, 64)
		if err != nil || suffix <= 0 {
			return nil, apperrors.NewBadRequest("malformed Range header")
		}
		return &blob.ByteRange{Suffix: suffix}, nil
	}

	first, err := strconv.ParseInt(start, 10, 64)
	if err != nil || first < 0 {
		return nil, apperrors.NewBadRequest("malformed Range header")
	}
	last := int64(-1)
	if end != "" {
		last, err = strconv.ParseInt(end, 10, 64)
		if err != nil || last < first {
			return nil, apperrors.NewBadRequest("malformed Range header")
		}
	}
	return &blob.ByteRange{Start: first, End: last}, nil
}
