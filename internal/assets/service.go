// Package assets ingests chunked uploads and serves the assembled objects.
// Chunks arrive in any order, possibly concurrently and possibly more than
// once; the final object appears exactly once, when the last distinct chunk
// lands.
package assets

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/draftwell/roomhost/internal/blob"
	apperrors "github.com/draftwell/roomhost/pkg/errors"
	"github.com/draftwell/roomhost/pkg/metrics"
)

const (
	uploadPrefix   = "uploads/"
	chunkSeparator = ".part"
)

// ChunkInput describes one arriving chunk.
type ChunkInput struct {
	UploadID    string
	Index       int
	Total       int
	ContentType string
	Body        io.Reader
}

// ChunkResult reports what the ingestion did with a chunk.
type ChunkResult struct {
	Stored    bool `json:"stored"`
	Assembled bool `json:"assembled"`
}

// Service stores chunks and assembles finished uploads.
type Service struct {
	store blob.Store
	log   *zap.Logger
}

func NewService(store blob.Store, log *zap.Logger) (*Service, error) {
	if store == nil {
		return nil, errors.New("assets: blob store is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: store, log: log.With(zap.String("module", "assets"))}, nil
}

// UploadKey returns the durable key of an assembled upload.
func UploadKey(uploadID string) string {
	return uploadPrefix + uploadID
}

func chunkKey(uploadID string, index int) string {
	return UploadKey(uploadID) + chunkSeparator + strconv.Itoa(index)
}

// IsChunkKey reports whether a store key names an unassembled chunk, and if
// so its upload id. Used by the maintenance sweeper.
func IsChunkKey(key string) (string, bool) {
	if !strings.HasPrefix(key, uploadPrefix) {
		return "", false
	}
	rest := strings.TrimPrefix(key, uploadPrefix)
	sep := strings.LastIndex(rest, chunkSeparator)
	if sep < 0 {
		return "", false
	}
	if _, err := strconv.Atoi(rest[sep+len(chunkSeparator):]); err != nil {
		return "", false
	}
	return rest[:sep], true
}

// SaveChunk validates, stores and, when it completes the set, assembles a
// chunk. Duplicate chunks and already-finished uploads are conflicts, so a
// retrying sender can distinguish "lost my ack" from "new work".
func (s *Service) SaveChunk(ctx context.Context, input ChunkInput) (ChunkResult, error) {
	if err := s.validate(input); err != nil {
		metrics.UploadChunks.WithLabelValues("rejected").Inc()
		return ChunkResult{}, err
	}

	// An assembled object means every chunk was already consumed.
	if _, err := s.store.Head(ctx, UploadKey(input.UploadID)); err == nil {
		metrics.UploadChunks.WithLabelValues("conflict").Inc()
		return ChunkResult{}, apperrors.NewConflict("upload already complete")
	} else if !errors.Is(err, blob.ErrNotFound) {
		return ChunkResult{}, apperrors.Wrap(err, "failed to check upload")
	}

	key := chunkKey(input.UploadID, input.Index)
	if _, err := s.store.Head(ctx, key); err == nil {
		metrics.UploadChunks.WithLabelValues("conflict").Inc()
		return ChunkResult{}, apperrors.NewConflict(fmt.Sprintf("chunk %d already received", input.Index))
	} else if !errors.Is(err, blob.ErrNotFound) {
		return ChunkResult{}, apperrors.Wrap(err, "failed to check chunk")
	}

	err := s.store.Put(ctx, key, input.Body, blob.Metadata{ContentType: input.ContentType})
	if err != nil {
		return ChunkResult{}, apperrors.Wrap(err, "failed to store chunk")
	}
	metrics.UploadChunks.WithLabelValues("stored").Inc()

	complete, err := s.haveAllChunks(ctx, input.UploadID, input.Total)
	if err != nil {
		return ChunkResult{}, apperrors.Wrap(err, "failed to check completeness")
	}
	if !complete {
		return ChunkResult{Stored: true}, nil
	}

	if err := s.assemble(ctx, input.UploadID, input.Total); err != nil {
		return ChunkResult{}, apperrors.Wrap(err, "failed to assemble upload")
	}
	return ChunkResult{Stored: true, Assembled: true}, nil
}

func (s *Service) validate(input ChunkInput) error {
	if input.UploadID == "" {
		return apperrors.NewBadRequest("upload id is required")
	}
	if input.Total <= 0 {
		return apperrors.NewBadRequest("chunk total must be positive")
	}
	if input.Index < 0 || input.Index >= input.Total {
		return apperrors.NewBadRequest(fmt.Sprintf("chunk index %d out of range [0,%d)", input.Index, input.Total))
	}
	if !strings.HasPrefix(input.ContentType, "image/") && !strings.HasPrefix(input.ContentType, "video/") {
		return apperrors.ErrUnsupportedMedia
	}
	return nil
}

func (s *Service) haveAllChunks(ctx context.Context, uploadID string, total int) (bool, error) {
	for i := 0; i < total; i++ {
		_, err := s.store.Head(ctx, chunkKey(uploadID, i))
		if errors.Is(err, blob.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
	}
	return true, nil
}

// assemble streams the chunk sequence into the final object and removes the
// chunks. The assembled object carries chunk 0's content type: senders put
// the real media type on the first chunk.
func (s *Service) assemble(ctx context.Context, uploadID string, total int) error {
	first, err := s.store.Head(ctx, chunkKey(uploadID, 0))
	if err != nil {
		return fmt.Errorf("assets: chunk 0 vanished before assembly: %w", err)
	}

	reader := &chunkReader{ctx: ctx, store: s.store, uploadID: uploadID, total: total}
	defer reader.Close()

	err = s.store.Put(ctx, UploadKey(uploadID), reader, blob.Metadata{ContentType: first.ContentType})
	if err != nil {
		return err
	}
	metrics.UploadsAssembled.Inc()
	s.log.Info("upload assembled", zap.String("upload", uploadID), zap.Int("chunks", total))

	for i := 0; i < total; i++ {
		if err := s.store.Delete(ctx, chunkKey(uploadID, i)); err != nil && !errors.Is(err, blob.ErrNotFound) {
			// The object is already durable, a stranded chunk only wastes
			// space until the sweeper reclaims it.
			s.log.Warn("failed to delete chunk", zap.String("upload", uploadID), zap.Int("chunk", i), zap.Error(err))
		}
	}
	return nil
}

// Stat reports an assembled upload's metadata.
func (s *Service) Stat(ctx context.Context, uploadID string) (blob.Metadata, error) {
	meta, err := s.store.Head(ctx, UploadKey(uploadID))
	if errors.Is(err, blob.ErrNotFound) {
		return blob.Metadata{}, apperrors.ErrNotFound
	}
	return meta, err
}

// Open fetches an assembled upload, honouring range and conditional options.
func (s *Service) Open(ctx context.Context, uploadID string, opts blob.GetOptions) (*blob.Object, error) {
	obj, err := s.store.Get(ctx, UploadKey(uploadID), opts)
	if errors.Is(err, blob.ErrNotFound) {
		return nil, apperrors.ErrNotFound
	}
	return obj, err
}

// chunkReader concatenates chunk bodies lazily, opening each one as the
// previous is exhausted.
type chunkReader struct {
	ctx      context.Context
	store    blob.Store
	uploadID string
	total    int
	index    int
	current  io.ReadCloser
}

func (r *chunkReader) Read(p []byte) (int, error) {
	for {
		if r.current == nil {
			if r.index >= r.total {
				return 0, io.EOF
			}
			obj, err := r.store.Get(r.ctx, chunkKey(r.uploadID, r.index), blob.GetOptions{})
			if err != nil {
				return 0, fmt.Errorf("assets: read chunk %d: %w", r.index, err)
			}
			r.current = obj.Body
		}

		n, err := r.current.Read(p)
		if errors.Is(err, io.EOF) {
			_ = r.current.Close()
			r.current = nil
			r.index++
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (r *chunkReader) Close() error {
	if r.current != nil {
		err := r.current.Close()
		r.current = nil
		return err
	}
	return nil
}
