package cache

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleGraph() *domain.KnowledgeGraph {
	return &domain.KnowledgeGraph{
		Nodes: []domain.Node{
			{ID: "client_a", Type: domain.NodeClient, Label: "a", RiskScore: 40},
			{ID: "client_b", Type: domain.NodeClient, Label: "b", RiskScore: 60},
		},
		Edges: []domain.Edge{
			{ID: "device_match_client_a_client_b", Source: "client_a", Target: "client_b",
				Type: domain.EdgeDeviceMatch, Weight: 1, IsFraudIndicator: true},
		},
		Stats: domain.GraphStats{NodeCount: 2, EdgeCount: 1, FraudEdgeCount: 1, AvgRiskScore: 50},
	}
}

func TestLRUCache(t *testing.T) {
	cache := NewLRUCache(100)
	ctx := context.Background()
	tenantID := "tenant-001"

	t.Run("SetAndGet", func(t *testing.T) {
		require.NoError(t, cache.Set(ctx, tenantID, "key1", []byte("value1"), time.Minute))

		val, err := cache.Get(ctx, tenantID, "key1")
		require.NoError(t, err)
		assert.Equal(t, "value1", string(val))
	})

	t.Run("GetMiss", func(t *testing.T) {
		val, err := cache.Get(ctx, tenantID, "nonexistent")
		require.NoError(t, err)
		assert.Nil(t, val)
	})

	t.Run("Delete", func(t *testing.T) {
		_ = cache.Set(ctx, tenantID, "key2", []byte("value2"), time.Minute)
		require.NoError(t, cache.Delete(ctx, tenantID, "key2"))

		val, _ := cache.Get(ctx, tenantID, "key2")
		assert.Nil(t, val)
	})

	t.Run("TTLExpiration", func(t *testing.T) {
		now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
		clocked := NewLRUCache(10)
		clocked.now = func() time.Time { return now }

		_ = clocked.Set(ctx, tenantID, "expiring", []byte("temp"), time.Minute)
		val, _ := clocked.Get(ctx, tenantID, "expiring")
		assert.Equal(t, "temp", string(val))

		now = now.Add(2 * time.Minute)
		val, _ = clocked.Get(ctx, tenantID, "expiring")
		assert.Nil(t, val)
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		_ = cache.Set(ctx, "tenant-A", "shared", []byte("A"), time.Minute)
		_ = cache.Set(ctx, "tenant-B", "shared", []byte("B"), time.Minute)

		a, _ := cache.Get(ctx, "tenant-A", "shared")
		b, _ := cache.Get(ctx, "tenant-B", "shared")
		assert.Equal(t, "A", string(a))
		assert.Equal(t, "B", string(b))
	})

	t.Run("RequiresTenant", func(t *testing.T) {
		_, err := cache.Get(ctx, "", "k")
		assert.Error(t, err)
	})

	t.Run("Eviction", func(t *testing.T) {
		small := NewLRUCache(2)
		_ = small.Set(ctx, tenantID, "k1", []byte("1"), time.Minute)
		_ = small.Set(ctx, tenantID, "k2", []byte("2"), time.Minute)
		_, _ = small.Get(ctx, tenantID, "k1")
		_ = small.Set(ctx, tenantID, "k3", []byte("3"), time.Minute)

		k2, _ := small.Get(ctx, tenantID, "k2")
		assert.Nil(t, k2, "least recently used entry is evicted")
		k1, _ := small.Get(ctx, tenantID, "k1")
		assert.NotNil(t, k1)

		stats := small.Stats()
		assert.Equal(t, 2, stats.Size)
		assert.Equal(t, 2, stats.Capacity)
		assert.Equal(t, int64(1), stats.Evictions)
		assert.Equal(t, int64(2), stats.Hits)
		assert.Equal(t, int64(1), stats.Misses)
	})

	t.Run("Graph", func(t *testing.T) {
		miss, err := cache.GetGraph(ctx, tenantID)
		require.NoError(t, err)
		assert.Nil(t, miss)

		require.NoError(t, cache.SetGraph(ctx, tenantID, sampleGraph(), time.Minute))
		g, err := cache.GetGraph(ctx, tenantID)
		require.NoError(t, err)
		require.NotNil(t, g)
		assert.Equal(t, sampleGraph().Edges, g.Edges)
		assert.Equal(t, 50.0, g.Stats.AvgRiskScore)

		assert.Error(t, cache.SetGraph(ctx, tenantID, nil, time.Minute))
	})

	t.Run("InvalidateGraph", func(t *testing.T) {
		require.NoError(t, cache.SetGraph(ctx, "tenant-inv", sampleGraph(), time.Minute))
		require.NoError(t, cache.InvalidateGraph(ctx, "tenant-inv"))

		g, err := cache.GetGraph(ctx, "tenant-inv")
		require.NoError(t, err)
		assert.Nil(t, g)
	})

	t.Run("PurgeTenant", func(t *testing.T) {
		c := NewLRUCache(10)
		_ = c.Set(ctx, "tenant-x", "a", []byte("1"), time.Minute)
		_ = c.Set(ctx, "tenant-x", "b", []byte("2"), time.Minute)
		_ = c.Set(ctx, "tenant-y", "a", []byte("3"), time.Minute)

		assert.Equal(t, 2, c.PurgeTenant("tenant-x"))
		y, _ := c.Get(ctx, "tenant-y", "a")
		assert.Equal(t, "3", string(y))
		assert.Equal(t, 1, c.Stats().Size)
	})

	t.Run("Close", func(t *testing.T) {
		testCache := NewLRUCache(10)
		_ = testCache.Set(ctx, tenantID, "k", []byte("v"), time.Minute)
		require.NoError(t, testCache.Close())

		val, _ := testCache.Get(ctx, tenantID, "k")
		assert.Nil(t, val)
	})
}

func TestRedisCacheGraph(t *testing.T) {
	client, mock := redismock.NewClientMock()
	cache := NewRedisCacheWithClient(client)
	ctx := context.Background()

	g := sampleGraph()
	payload, err := json.Marshal(g)
	require.NoError(t, err)
	key := "kestrel:tenant-001:" + domain.GraphCacheKey

	mock.ExpectGet(key).RedisNil()
	mock.ExpectSet(key, payload, 10*time.Minute).SetVal("OK")
	mock.ExpectGet(key).SetVal(string(payload))

	miss, err := cache.GetGraph(ctx, "tenant-001")
	require.NoError(t, err)
	assert.Nil(t, miss)

	require.NoError(t, cache.SetGraph(ctx, "tenant-001", g, 10*time.Minute))

	got, err := cache.GetGraph(ctx, "tenant-001")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Len(t, got.Nodes, 2)
	assert.Equal(t, 1, got.Stats.FraudEdgeCount)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisCacheErrors(t *testing.T) {
	client, mock := redismock.NewClientMock()
	cache := NewRedisCacheWithClient(client)
	ctx := context.Background()

	mock.ExpectGet("kestrel:tenant-001:broken").SetErr(errors.New("connection refused"))
	mock.ExpectGet("kestrel:tenant-001:" + domain.GraphCacheKey).SetVal("not json")
	mock.ExpectDel("kestrel:tenant-001:gone").SetVal(1)
	mock.ExpectDel("kestrel:tenant-001:" + domain.GraphCacheKey).SetVal(1)

	_, err := cache.Get(ctx, "tenant-001", "broken")
	assert.EqualError(t, err, "connection refused")

	_, err = cache.GetGraph(ctx, "tenant-001")
	assert.ErrorContains(t, err, "failed to decode cached graph")

	assert.NoError(t, cache.Delete(ctx, "tenant-001", "gone"))
	assert.NoError(t, cache.InvalidateGraph(ctx, "tenant-001"))

	_, err = cache.Get(ctx, "", "k")
	assert.Error(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTwoPhaseCache(t *testing.T) {
	client, mock := redismock.NewClientMock()
	tp := newTwoPhase(NewLRUCache(10), NewRedisCacheWithClient(client), time.Minute)
	ctx := context.Background()

	mock.ExpectGet("kestrel:tenant-001:k").SetVal("remote")

	// L2 hit populates L1, so the second read never reaches Redis.
	val, err := tp.Get(ctx, "tenant-001", "k")
	require.NoError(t, err)
	assert.Equal(t, "remote", string(val))

	val, err = tp.Get(ctx, "tenant-001", "k")
	require.NoError(t, err)
	assert.Equal(t, "remote", string(val))

	mock.ExpectSet("kestrel:tenant-001:w", []byte("v"), time.Hour).SetVal("OK")
	require.NoError(t, tp.Set(ctx, "tenant-001", "w", []byte("v"), time.Hour))

	local, _ := tp.local.Get(ctx, "tenant-001", "w")
	assert.Equal(t, "v", string(local))

	mock.ExpectDel("kestrel:tenant-001:w").SetVal(1)
	require.NoError(t, tp.Delete(ctx, "tenant-001", "w"))
	local, _ = tp.local.Get(ctx, "tenant-001", "w")
	assert.Nil(t, local)

	// An L2 outage reads as a miss instead of failing the caller.
	mock.ExpectGet("kestrel:tenant-001:down").SetErr(errors.New("connection refused"))
	val, err = tp.Get(ctx, "tenant-001", "down")
	require.NoError(t, err)
	assert.Nil(t, val)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNewCache(t *testing.T) {
	t.Run("MemoryType", func(t *testing.T) {
		cache, err := New(domain.CacheConfig{Type: "memory", LocalMaxSize: 100})
		require.NoError(t, err)
		defer cache.Close()

		_, ok := cache.(*LRUCache)
		assert.True(t, ok, "expected LRUCache for memory type")
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		_, err := New(domain.CacheConfig{Type: "memcached"})
		assert.Error(t, err)
	})
}
