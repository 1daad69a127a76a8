package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/redis/go-redis/v9"
)

// namespace prefixes every key so kestrel can share a Redis with other services.
const namespace = "kestrel"

// RedisCache stores payloads under kestrel:<tenant>:<key>. It is the pro tier
// cache and L2 of the two-phase cache, letting the API and worker processes
// reuse one another's graphs.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache dials Redis from cfg and fails fast when it is unreachable.
func NewRedisCache(cfg domain.CacheConfig) (*RedisCache, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:        addr,
		Password:    cfg.RedisPassword,
		DB:          cfg.RedisDB,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}

	return NewRedisCacheWithClient(client), nil
}

// NewRedisCacheWithClient wraps an existing client.
func NewRedisCacheWithClient(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func redisKey(tenantID, key string) (string, error) {
	if tenantID == "" {
		return "", fmt.Errorf("tenantID is required")
	}
	return namespace + ":" + tenantID + ":" + key, nil
}

// Get returns the stored payload. A missing key yields nil, nil.
func (c *RedisCache) Get(ctx context.Context, tenantID string, key string) ([]byte, error) {
	k, err := redisKey(tenantID, key)
	if err != nil {
		return nil, err
	}

	val, err := c.client.Get(ctx, k).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, nil
	case err != nil:
		return nil, err
	}
	return val, nil
}

// Set stores payload with ttl.
func (c *RedisCache) Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error {
	k, err := redisKey(tenantID, key)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, k, value, ttl).Err()
}

// Delete removes key.
func (c *RedisCache) Delete(ctx context.Context, tenantID string, key string) error {
	k, err := redisKey(tenantID, key)
	if err != nil {
		return err
	}
	return c.client.Del(ctx, k).Err()
}

// GetGraph returns the tenant's graph.
func (c *RedisCache) GetGraph(ctx context.Context, tenantID string) (*domain.KnowledgeGraph, error) {
	return getGraph(ctx, c, tenantID)
}

// SetGraph stores the tenant's graph.
func (c *RedisCache) SetGraph(ctx context.Context, tenantID string, g *domain.KnowledgeGraph, ttl time.Duration) error {
	return setGraph(ctx, c, tenantID, g, ttl)
}

// InvalidateGraph drops the tenant's graph so the next read rebuilds it.
func (c *RedisCache) InvalidateGraph(ctx context.Context, tenantID string) error {
	return c.Delete(ctx, tenantID, domain.GraphCacheKey)
}

// Ping checks Redis connectivity.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the client.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
