package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// New creates a new cache based on configuration.
// For Community tier: returns LRU cache.
// For Pro tier with two-phase: returns TwoPhaseCache wrapping LRU + Redis.
// For Pro tier without two-phase: returns Redis cache.
func New(cfg domain.CacheConfig) (domain.Cache, error) {
	switch cfg.Type {
	case "memory":
		return NewLRUCache(cfg.LocalMaxSize), nil

	case "redis":
		if cfg.EnableTwoPhase {
			return NewTwoPhaseCache(cfg)
		}
		return NewRedisCache(cfg)

	default:
		return nil, fmt.Errorf("unsupported cache type: %s", cfg.Type)
	}
}

// byteStore is the raw key/value surface every backend provides.
type byteStore interface {
	Get(ctx context.Context, tenantID string, key string) ([]byte, error)
	Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error
}

// getGraph reads and decodes the tenant's graph from s.
func getGraph(ctx context.Context, s byteStore, tenantID string) (*domain.KnowledgeGraph, error) {
	data, err := s.Get(ctx, tenantID, domain.GraphCacheKey)
	if err != nil || data == nil {
		return nil, err
	}

	var g domain.KnowledgeGraph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("failed to decode cached graph: %w", err)
	}
	return &g, nil
}

// setGraph encodes g and stores it in s.
func setGraph(ctx context.Context, s byteStore, tenantID string, g *domain.KnowledgeGraph, ttl time.Duration) error {
	if g == nil {
		return fmt.Errorf("graph is required")
	}
	data, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("failed to encode graph: %w", err)
	}
	return s.Set(ctx, tenantID, domain.GraphCacheKey, data, ttl)
}

// TwoPhaseCache fronts Redis with an in-process LRU. Reads that miss L1
// fill it from L2; writes go to both. An unreachable L2 degrades to L1 only
// on reads, since a stale local graph beats rebuilding on every request.
type TwoPhaseCache struct {
	local  *LRUCache
	remote *RedisCache
	l1TTL  time.Duration
}

// NewTwoPhaseCache dials Redis and wraps it with an LRU of cfg.LocalMaxSize.
func NewTwoPhaseCache(cfg domain.CacheConfig) (*TwoPhaseCache, error) {
	remote, err := NewRedisCache(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create redis cache: %w", err)
	}
	return newTwoPhase(NewLRUCache(cfg.LocalMaxSize), remote, cfg.LocalTTL), nil
}

func newTwoPhase(local *LRUCache, remote *RedisCache, l1TTL time.Duration) *TwoPhaseCache {
	if l1TTL <= 0 {
		l1TTL = 5 * time.Minute
	}
	return &TwoPhaseCache{local: local, remote: remote, l1TTL: l1TTL}
}

// Get consults L1, then L2.
func (c *TwoPhaseCache) Get(ctx context.Context, tenantID string, key string) ([]byte, error) {
	if val, err := c.local.Get(ctx, tenantID, key); err != nil || val != nil {
		return val, err
	}

	val, err := c.remote.Get(ctx, tenantID, key)
	if err != nil {
		slog.Warn("L2 cache read failed, serving L1 only",
			"tenant_id", tenantID,
			"key", key,
			"error", err,
		)
		return nil, nil
	}
	if val != nil {
		_ = c.local.Set(ctx, tenantID, key, val, c.l1TTL)
	}
	return val, nil
}

// Set writes L1 with the shorter of ttl and the L1 TTL, then L2.
func (c *TwoPhaseCache) Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error {
	if err := c.local.Set(ctx, tenantID, key, value, min(ttl, c.l1TTL)); err != nil {
		return err
	}
	return c.remote.Set(ctx, tenantID, key, value, ttl)
}

// Delete removes key from both layers. L1 is cleared even when L2 fails.
func (c *TwoPhaseCache) Delete(ctx context.Context, tenantID string, key string) error {
	if err := c.local.Delete(ctx, tenantID, key); err != nil {
		return err
	}
	return c.remote.Delete(ctx, tenantID, key)
}

// GetGraph reads the tenant's graph through both layers.
func (c *TwoPhaseCache) GetGraph(ctx context.Context, tenantID string) (*domain.KnowledgeGraph, error) {
	return getGraph(ctx, c, tenantID)
}

// SetGraph stores the tenant's graph in both layers.
func (c *TwoPhaseCache) SetGraph(ctx context.Context, tenantID string, g *domain.KnowledgeGraph, ttl time.Duration) error {
	return setGraph(ctx, c, tenantID, g, ttl)
}

// InvalidateGraph drops the tenant's graph from both layers.
func (c *TwoPhaseCache) InvalidateGraph(ctx context.Context, tenantID string) error {
	return c.Delete(ctx, tenantID, domain.GraphCacheKey)
}

// Ping reports L2 reachability; L1 cannot fail.
func (c *TwoPhaseCache) Ping(ctx context.Context) error {
	if err := c.remote.Ping(ctx); err != nil {
		return fmt.Errorf("L2 ping failed: %w", err)
	}
	return nil
}

// Close releases both layers.
func (c *TwoPhaseCache) Close() error {
	_ = c.local.Close()
	return c.remote.Close()
}
