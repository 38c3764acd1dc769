package edgecache

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryCacheMatchAndPut(t *testing.T) {
	cache, err := NewMemoryCache(8)
	require.NoError(t, err)

	ctx := context.Background()

	_, ok, err := cache.Match(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	resp := &CachedResponse{ContentType: "image/png", ETag: "abc", Body: []byte("bytes")}
	require.NoError(t, cache.Put(ctx, "k", resp))

	got, ok, err := cache.Match(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, resp.Body, got.Body)
	require.Equal(t, "image/png", got.ContentType)
}

func TestMemoryCacheEvicts(t *testing.T) {
	cache, err := NewMemoryCache(1)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, cache.Put(ctx, "a", &CachedResponse{Body: []byte("a")}))
	require.NoError(t, cache.Put(ctx, "b", &CachedResponse{Body: []byte("b")}))

	_, ok, err := cache.Match(ctx, "a")
	require.NoError(t, err)
	require.False(t, ok, "oldest entry should have been evicted")
}

func TestRequestKeyIsRangeAware(t *testing.T) {
	whole := httptest.NewRequest("GET", "http://host/api/uploads/u1", nil)
	ranged := httptest.NewRequest("GET", "http://host/api/uploads/u1", nil)
	ranged.Header.Set("Range", "bytes=0-99")

	require.NotEqual(t, RequestKey(whole), RequestKey(ranged))
	require.Equal(t, RequestKey(whole), RequestKey(httptest.NewRequest("GET", "http://host/api/uploads/u1", nil)))
}
