package blob

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	// ErrNotFound indicates the requested object does not exist.
	ErrNotFound = errors.New("blob: object not found")
	// ErrNotModified indicates a conditional read matched the stored ETag.
	ErrNotModified = errors.New("blob: object not modified")
	// ErrInvalidRange indicates the requested byte range cannot be satisfied.
	ErrInvalidRange = errors.New("blob: unsatisfiable byte range")
)

// ByteRange selects a slice of an object. Either Start/End (End < 0 means
// "to the end of the object") or Suffix (last N bytes) is populated.
type ByteRange struct {
	Start  int64
	End    int64
	Suffix int64
}

// GetOptions tunes a read: an optional byte range and an optional
// conditional ETag (If-None-Match semantics).
type GetOptions struct {
	Range       *ByteRange
	IfNoneMatch string
}

// Metadata describes a stored object without its body.
type Metadata struct {
	ContentType string
	ETag        string
	Size        int64
	ModTime     time.Time
}

// Object is a readable stored object. Size always reports the full object
// length even for range reads; Offset/Length describe the slice returned.
type Object struct {
	Body   io.ReadCloser
	Meta   Metadata
	Offset int64
	Length int64
}

// Partial reports whether the object body covers only part of the object.
func (o *Object) Partial() bool {
	return o != nil && o.Length != o.Meta.Size
}

// Store is the durable object storage boundary. Keys are opaque
// slash-separated strings; bodies are byte streams of unbounded length.
type Store interface {
	Get(ctx context.Context, key string, opts GetOptions) (*Object, error)
	Put(ctx context.Context, key string, body io.Reader, meta Metadata) error
	Head(ctx context.Context, key string) (Metadata, error)
	Delete(ctx context.Context, keys ...string) error
	List(ctx context.Context, prefix string) ([]string, error)
}

// ResolveRange maps a requested range onto an object of the given size,
// returning the absolute offset and length. Mirrors HTTP range semantics:
// a suffix range selects the last N bytes, an open-ended range runs to the
// end of the object.
func ResolveRange(r *ByteRange, size int64) (offset, length int64, err error) {
	if r == nil {
		return 0, size, nil
	}

	if r.Suffix > 0 {
		if r.Suffix >= size {
			return 0, size, nil
		}
		return size - r.Suffix, r.Suffix, nil
	}

	if r.Start < 0 || r.Start >= size {
		return 0, 0, ErrInvalidRange
	}

	end := r.End
	if end < 0 || end >= size {
		end = size - 1
	}
	if end < r.Start {
		return 0, 0, ErrInvalidRange
	}
	return r.Start, end - r.Start + 1, nil
}
