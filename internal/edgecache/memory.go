package edgecache

import (
	"context"
	"errors"

	lru "github.com/hashicorp/golang-lru/v2"
)

var _ Cache = (*MemoryCache)(nil)

// MemoryCache is an in-process LRU edge cache. It is the default backend and
// the fallback when Redis is not configured.
type MemoryCache struct {
	entries *lru.Cache[string, *CachedResponse]
}

// NewMemoryCache builds a cache bounded to the given number of responses.
func NewMemoryCache(size int) (*MemoryCache, error) {
	if size <= 0 {
		return nil, errors.New("edgecache: size must be positive")
	}
	entries, err := lru.New[string, *CachedResponse](size)
	if err != nil {
		return nil, err
	}
	return &MemoryCache{entries: entries}, nil
}

func (c *MemoryCache) Match(_ context.Context, key string) (*CachedResponse, bool, error) {
	resp, ok := c.entries.Get(key)
	return resp, ok, nil
}

func (c *MemoryCache) Put(_ context.Context, key string, resp *CachedResponse) error {
	if resp == nil {
		return errors.New("edgecache: nil response")
	}
	c.entries.Add(key, resp)
	return nil
}
