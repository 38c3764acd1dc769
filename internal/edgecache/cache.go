package edgecache

import (
	"context"
	"net/http"
	"strings"
)

// CachedResponse is a fully materialised HTTP response held by the edge
// cache. Only complete 200 responses are ever stored; partial and
// conditional responses bypass the cache entirely.
type CachedResponse struct {
	ContentType string `json:"content_type"`
	ETag        string `json:"etag"`
	Body        []byte `json:"body"`
}

// Cache is the edge cache boundary for the asset download path. Entries are
// keyed by the full request URL plus its Range header, so ranged requests
// never collide with whole-object ones.
type Cache interface {
	Match(ctx context.Context, key string) (*CachedResponse, bool, error)
	Put(ctx context.Context, key string, resp *CachedResponse) error
}

// RequestKey derives the cache key for an inbound request.
func RequestKey(r *http.Request) string {
	var b strings.Builder
	b.WriteString(r.Method)
	b.WriteByte(' ')
	b.WriteString(r.URL.String())
	if rng := r.Header.Get("Range"); rng != "" {
		b.WriteByte(' ')
		b.WriteString(rng)
	}
	return b.String()
}
