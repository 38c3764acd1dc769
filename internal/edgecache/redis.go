package edgecache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "roomhost:edge:"

var _ Cache = (*RedisCache)(nil)

// RedisConfig captures connection parameters for the Redis edge cache.
type RedisConfig struct {
	Address  string
	Username string
	Password string
	DB       int
	TTL      time.Duration
}

// RedisCache stores cached responses in Redis so replicas share one edge
// cache. Entries expire after the configured TTL.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache connects eagerly so misconfiguration surfaces at startup.
func NewRedisCache(ctx context.Context, cfg RedisConfig) (*RedisCache, error) {
	if cfg.Address == "" {
		return nil, errors.New("edgecache: redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("edgecache: connect redis: %w", err)
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisCache{client: client, ttl: ttl}, nil
}

func (c *RedisCache) Match(ctx context.Context, key string) (*CachedResponse, bool, error) {
	raw, err := c.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("edgecache: match: %w", err)
	}

	var resp CachedResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, false, fmt.Errorf("edgecache: decode entry: %w", err)
	}
	return &resp, true, nil
}

func (c *RedisCache) Put(ctx context.Context, key string, resp *CachedResponse) error {
	if resp == nil {
		return errors.New("edgecache: nil response")
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("edgecache: encode entry: %w", err)
	}
	if err := c.client.Set(ctx, redisKeyPrefix+key, raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("edgecache: put: %w", err)
	}
	return nil
}

// Close releases the underlying Redis connection pool.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
