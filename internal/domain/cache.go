package domain

import (
	"context"
	"time"
)

// Cache defines the interface for caching operations.
// Supports two-phase caching: local LRU (Community) + Redis (Pro).
// All methods require tenantID for strict multi-tenancy isolation.
type Cache interface {
	// Get retrieves a value from cache.
	// Returns nil, nil if key not found.
	Get(ctx context.Context, tenantID string, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache.
	Delete(ctx context.Context, tenantID string, key string) error

	// GetGraph retrieves the last knowledge graph built for a tenant.
	// Returns nil, nil on a miss.
	GetGraph(ctx context.Context, tenantID string) (*KnowledgeGraph, error)

	// SetGraph stores the knowledge graph built for a tenant.
	SetGraph(ctx context.Context, tenantID string, g *KnowledgeGraph, ttl time.Duration) error

	// InvalidateGraph drops the tenant's graph after its records change.
	InvalidateGraph(ctx context.Context, tenantID string) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// GraphCacheKey is the cache key under which a tenant's graph is stored.
const GraphCacheKey = "graph:latest"

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string `json:"type" yaml:"type"`

	// Local LRU cache settings (Community tier)
	LocalMaxSize int           `json:"localMaxSize" yaml:"local_max_size"`
	LocalTTL     time.Duration `json:"localTtl" yaml:"local_ttl"`

	// Redis settings (Pro tier)
	RedisAddr     string `json:"redisAddr" yaml:"redis_addr"`
	RedisPassword string `json:"-" yaml:"redis_password"`
	RedisDB       int    `json:"redisDb" yaml:"redis_db"`

	// Two-phase settings
	EnableTwoPhase bool `json:"enableTwoPhase" yaml:"enable_two_phase"` // If true, check local first, then Redis

	// GraphTTL bounds how long a built graph is reused by analyzers.
	GraphTTL time.Duration `json:"graphTtl" yaml:"graph_ttl"`
}
