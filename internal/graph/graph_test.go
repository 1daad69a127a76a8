package graph

import (
	"errors"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestBuilder() *Builder {
	return NewBuilder(domain.DefaultDetectionConfig()).WithClock(func() time.Time { return epoch })
}

func findEdge(g *domain.KnowledgeGraph, id string) (domain.Edge, bool) {
	for _, e := range g.Edges {
		if e.ID == id {
			return e, true
		}
	}
	return domain.Edge{}, false
}

func mustNode(t *testing.T, g *domain.KnowledgeGraph, id string) *domain.Node {
	t.Helper()
	n, ok := g.Node(id)
	require.True(t, ok, "node %s missing", id)
	return n
}

func TestBuildStructuralEdges(t *testing.T) {
	snap := domain.Snapshot{
		Affiliates: []domain.Affiliate{{ID: "a1", Name: "Partner One", ReferralCode: "P1"}},
		Clients: []domain.Client{
			{ID: "c1", AffiliateID: "a1"},
			{ID: "c2", AffiliateID: "missing"},
			{ID: ""},
		},
		Trades: []domain.Trade{
			{ID: "t1", ClientID: "c1", ContractType: "CALL", Symbol: "EURUSD", Amount: 10, CreatedAt: epoch},
			{ID: "t2", ClientID: "ghost", ContractType: "PUT", Symbol: "EURUSD", Amount: 10, CreatedAt: epoch},
		},
	}

	g := newTestBuilder().Build(snap, nil)
	require.NoError(t, Validate(g))

	assert.Equal(t, 1, g.Stats.DroppedEdges, "referral to unknown affiliate is dropped")
	assert.Equal(t, 2, g.Stats.SkippedRecords, "client without id and orphan trade are skipped")

	ref, ok := findEdge(g, "referral_affiliate_a1_client_c1")
	require.True(t, ok)
	assert.False(t, ref.IsFraudIndicator)
	assert.Equal(t, "affiliate_a1", ref.Source)

	link, ok := findEdge(g, "trade_link_client_c1_trade_t1")
	require.True(t, ok)
	assert.False(t, link.IsFraudIndicator)

	trade := mustNode(t, g, "trade_t1")
	assert.Equal(t, "client_c1", trade.Metadata.OwnerID)
	require.NotNil(t, trade.Metadata.TradedAt)

	_, ok = g.Node("trade_t2")
	assert.False(t, ok)

	assert.Equal(t, "Partner One", mustNode(t, g, "affiliate_a1").Label)
	assert.Equal(t, 1, g.Stats.NodesByType[domain.NodeAffiliate])
	assert.Equal(t, 2, g.Stats.NodesByType[domain.NodeClient])
}

func TestBuildDeviceMatch(t *testing.T) {
	snap := domain.Snapshot{
		Clients: []domain.Client{
			{ID: "c1", DeviceID: "fp1"},
			{ID: "c2", DeviceID: "fp1"},
			{ID: "c3", DeviceID: "fp2"},
		},
	}

	g := newTestBuilder().Build(snap, nil)
	require.NoError(t, Validate(g))

	e, ok := findEdge(g, "device_match_client_c1_client_c2")
	require.True(t, ok)
	assert.True(t, e.IsFraudIndicator)
	assert.Equal(t, 1.0, e.Weight)
	assert.Equal(t, 100, e.Metadata.Confidence)

	dev := mustNode(t, g, "device_fp1")
	assert.Equal(t, []string{"client_c1", "client_c2"}, dev.Metadata.ObservedAccounts)
	assert.Equal(t, "device_id", dev.Metadata.DeviceClass)
	assert.Equal(t, 20, dev.RiskScore)

	assert.Equal(t, 25, mustNode(t, g, "client_c1").RiskScore)
	assert.Equal(t, 25, mustNode(t, g, "client_c2").RiskScore)
	assert.Equal(t, 0, mustNode(t, g, "client_c3").RiskScore)

	// A fingerprint seen on a single account stays unattached.
	for _, e := range g.Edges {
		assert.False(t, e.Touches("device_fp2"))
	}

	assert.InDelta(t, 50.0/3.0, g.Stats.AvgRiskScore, 0.001)

	attach, ok := findEdge(g, "observed_on_client_c1_device_fp1")
	require.True(t, ok)
	assert.False(t, attach.IsFraudIndicator)
	assert.False(t, FraudRelevant(&attach))

	clusters := DetectClusters(g)
	require.Len(t, clusters, 1)
	assert.Equal(t, []string{"client_c1", "client_c2"}, clusters[0].Nodes)
	assert.Equal(t, 1, clusters[0].FraudEdgeCount)
	assert.InDelta(t, 1.0, clusters[0].Density, 0.0001)
	assert.InDelta(t, 25.0, clusters[0].AvgRiskScore, 0.001)
}

func TestBuildSharedDeviceCluster(t *testing.T) {
	snap := domain.Snapshot{
		Clients: []domain.Client{
			{ID: "A", DeviceID: "fp1"},
			{ID: "B", DeviceID: "fp1"},
		},
	}

	g := newTestBuilder().Build(snap, nil)
	require.NoError(t, Validate(g))

	clusters := DetectClusters(g)
	require.Len(t, clusters, 1)
	c := clusters[0]
	assert.Equal(t, []string{"client_A", "client_B"}, c.Nodes, "signal nodes never join a cluster")
	assert.Equal(t, 25.0, c.AvgRiskScore)
	assert.Equal(t, 1, c.FraudEdgeCount)
	assert.Equal(t, 1.0, c.Density)

	for _, e := range IntraEdges(g, &c) {
		assert.Equal(t, domain.EdgeDeviceMatch, e.Type)
	}
}

func TestBuildSharedIPKeepsIPNodeOutOfCluster(t *testing.T) {
	snap := domain.Snapshot{
		Clients: []domain.Client{
			{ID: "c1", IPAddress: "10.0.0.7"},
			{ID: "c2", IPAddress: "10.0.0.7"},
		},
	}

	g := newTestBuilder().Build(snap, nil)
	require.NoError(t, Validate(g))

	_, ok := findEdge(g, "observed_on_client_c1_ip_10.0.0.7")
	assert.True(t, ok)

	clusters := DetectClusters(g)
	require.Len(t, clusters, 1)
	assert.Equal(t, []string{"client_c1", "client_c2"}, clusters[0].Nodes)
}

func TestBuildIPOverlap(t *testing.T) {
	snap := domain.Snapshot{
		Affiliates: []domain.Affiliate{{ID: "a1"}},
		Clients: []domain.Client{
			{ID: "c1", AffiliateID: "a1", IPAddress: "10.0.0.1"},
			{ID: "c2", IPAddress: "10.0.0.1"},
		},
		Tracking: []domain.TrackingRecord{
			{VisitorID: "a1", IPAddress: "10.0.0.1"},
			{VisitorID: "stranger", IPAddress: "172.16.0.9"},
			{VisitorID: ""},
		},
	}

	g := newTestBuilder().Build(snap, nil)
	require.NoError(t, Validate(g))
	assert.Equal(t, 1, g.Stats.SkippedRecords)

	explained, ok := findEdge(g, "ip_overlap_affiliate_a1_client_c1")
	require.True(t, ok)
	assert.False(t, explained.IsFraudIndicator, "referrer sharing an IP with its client is explained")
	assert.Equal(t, exactIPWeight, explained.Weight)

	shared, ok := findEdge(g, "ip_overlap_client_c1_client_c2")
	require.True(t, ok)
	assert.True(t, shared.IsFraudIndicator)

	outside, ok := findEdge(g, "ip_overlap_affiliate_a1_client_c2")
	require.True(t, ok)
	assert.True(t, outside.IsFraudIndicator)

	// Unattributed tracking still yields a signal node.
	stranger := mustNode(t, g, "ip_172.16.0.9")
	assert.Empty(t, stranger.Metadata.ObservedAccounts)
}

func TestBuildIPPrefix(t *testing.T) {
	snap := domain.Snapshot{
		Clients: []domain.Client{
			{ID: "c1", IPAddress: "192.168.1.10"},
			{ID: "c2", IPAddress: "192.168.1.20"},
			{ID: "c3", IPAddress: "192.168.2.20"},
		},
	}

	g := newTestBuilder().Build(snap, nil)
	e, ok := findEdge(g, "ip_overlap_client_c1_client_c2")
	require.True(t, ok)
	assert.Equal(t, prefixIPWeight, e.Weight)
	assert.True(t, e.IsFraudIndicator)

	_, ok = findEdge(g, "ip_overlap_client_c1_client_c3")
	assert.False(t, ok)

	cfg := domain.DefaultDetectionConfig()
	cfg.IPPrefixMatching = false
	g = NewBuilder(cfg).Build(snap, nil)
	_, ok = findEdge(g, "ip_overlap_client_c1_client_c2")
	assert.False(t, ok)
}

func TestBuildTradeEdges(t *testing.T) {
	snap := domain.Snapshot{
		Clients: []domain.Client{{ID: "c1"}, {ID: "c2"}},
		Trades: []domain.Trade{
			{ID: "t1", ClientID: "c1", ContractType: "CALL", Symbol: "EURUSD", Amount: 100, CreatedAt: epoch},
			{ID: "t2", ClientID: "c2", ContractType: "put", Symbol: "EURUSD", Amount: 100, CreatedAt: epoch.Add(900 * time.Millisecond)},
			{ID: "t3", ClientID: "c2", ContractType: "CALL", Symbol: "GBPUSD", Amount: 10, CreatedAt: epoch.Add(30 * time.Second)},
			{ID: "t4", ClientID: "c1", ContractType: "PUT", Symbol: "GBPUSD", Amount: 10, CreatedAt: epoch.Add(3 * time.Minute)},
			{ID: "t5", ClientID: "c2", ContractType: "PUT", Symbol: "GBPUSD", Amount: 10},
		},
	}

	g := newTestBuilder().Build(snap, nil)
	require.NoError(t, Validate(g))

	opp, ok := findEdge(g, "opposite_position_trade_t1_trade_t2")
	require.True(t, ok)
	assert.True(t, opp.IsFraudIndicator)
	assert.Equal(t, int64(900), opp.Metadata.TimeDeltaMs)
	assert.InDelta(t, 0.91, opp.Weight, 0.0001)
	assert.Equal(t, 91, opp.Metadata.Confidence)
	assert.Equal(t, epoch.Add(900*time.Millisecond), opp.Metadata.DetectedAt)

	sync, ok := findEdge(g, "timing_sync_trade_t1_trade_t3")
	require.True(t, ok)
	assert.False(t, sync.IsFraudIndicator, "same direction with distant amounts is not flagged")

	_, ok = findEdge(g, "timing_sync_trade_t2_trade_t3")
	assert.False(t, ok, "trades of the same account are not paired")

	for _, e := range g.Edges {
		assert.False(t, e.Touches("trade_t4") && e.Type != domain.EdgeTradeLink, "t4 is outside every window")
		assert.False(t, e.Touches("trade_t5") && e.Type != domain.EdgeTradeLink, "untimed trades are not compared")
	}

	assert.Equal(t, 19, mustNode(t, g, "trade_t1").RiskScore)
	assert.Equal(t, 9, mustNode(t, g, "client_c1").RiskScore, "account inherits half its riskiest trade")
}

func TestBuildTimingSyncFlagged(t *testing.T) {
	snap := domain.Snapshot{
		Clients: []domain.Client{{ID: "c1"}, {ID: "c2"}},
		Trades: []domain.Trade{
			{ID: "t1", ClientID: "c1", ContractType: "CALL", Symbol: "EURUSD", Amount: 100, CreatedAt: epoch},
			{ID: "t2", ClientID: "c2", ContractType: "CALL", Symbol: "GBPUSD", Amount: 90, CreatedAt: epoch.Add(20 * time.Second)},
		},
	}

	g := newTestBuilder().Build(snap, nil)
	e, ok := findEdge(g, "timing_sync_trade_t1_trade_t2")
	require.True(t, ok)
	assert.True(t, e.IsFraudIndicator, "amounts within tolerance")
}

func TestBuildDeterministic(t *testing.T) {
	snap := domain.Snapshot{
		Affiliates: []domain.Affiliate{{ID: "a1"}},
		Clients: []domain.Client{
			{ID: "c1", AffiliateID: "a1", IPAddress: "10.1.1.1", DeviceID: "fp"},
			{ID: "c2", AffiliateID: "a1", IPAddress: "10.1.1.2", DeviceID: "fp"},
			{ID: "c3", IPAddress: "10.1.1.1"},
		},
		Trades: []domain.Trade{
			{ID: "t1", ClientID: "c1", ContractType: "CALL", Symbol: "X", Amount: 50, CreatedAt: epoch},
			{ID: "t2", ClientID: "c2", ContractType: "PUT", Symbol: "X", Amount: 45, CreatedAt: epoch.Add(time.Second)},
			{ID: "t3", ClientID: "c3", ContractType: "PUT", Symbol: "X", Amount: 2000, CreatedAt: epoch.Add(2 * time.Second)},
		},
	}

	first := newTestBuilder().Build(snap, nil)
	second := newTestBuilder().Build(snap, nil)
	assert.Equal(t, first, second)
	assert.Equal(t, DetectClusters(first), DetectClusters(second))
}

func TestPriorRingBonus(t *testing.T) {
	snap := domain.Snapshot{Clients: []domain.Client{{ID: "c1"}, {ID: "c2"}}}
	prior := []*domain.FraudRing{
		{Status: domain.RingActive, Entities: []string{"client_c1"}},
		{Status: domain.RingResolved, Entities: []string{"client_c2"}},
	}

	g := newTestBuilder().Build(snap, prior)
	assert.Equal(t, 25, mustNode(t, g, "client_c1").RiskScore)
	assert.Equal(t, 0, mustNode(t, g, "client_c2").RiskScore)
}

func TestRiskScoreBoundsAndMonotonicity(t *testing.T) {
	s := NewScorer(domain.DefaultDetectionConfig())
	node := domain.Node{ID: "client_a", Type: domain.NodeClient}

	var edges []domain.Edge
	prev := s.RiskScore(node, edges)
	assert.Equal(t, 0, prev)

	types := []domain.EdgeType{
		domain.EdgeTimingSync,
		domain.EdgeIPOverlap,
		domain.EdgeOppositePosition,
		domain.EdgeDeviceMatch,
	}
	for i := 0; i < 20; i++ {
		edges = append(edges, domain.Edge{
			ID:               "e" + string(rune('a'+i)),
			Source:           "client_a",
			Target:           "client_b",
			Type:             types[i%len(types)],
			Weight:           float64(i%5) / 4,
			IsFraudIndicator: true,
		})
		score := s.RiskScore(node, edges)
		assert.GreaterOrEqual(t, score, prev)
		assert.LessOrEqual(t, score, 100)
		prev = score
	}
	assert.Equal(t, 100, prev)

	// Structural and non-touching edges contribute nothing.
	quiet := []domain.Edge{
		{Source: "client_a", Target: "trade_1", Type: domain.EdgeTradeLink, Weight: 1},
		{Source: "client_x", Target: "client_y", Type: domain.EdgeDeviceMatch, Weight: 1, IsFraudIndicator: true},
	}
	assert.Equal(t, 0, s.RiskScore(node, quiet))
}

func TestRiskScoreLargeTrade(t *testing.T) {
	s := NewScorer(domain.DefaultDetectionConfig())
	big := domain.Node{ID: "trade_1", Type: domain.NodeTrade, Metadata: domain.NodeMetadata{Amount: 1500}}
	small := domain.Node{ID: "trade_2", Type: domain.NodeTrade, Metadata: domain.NodeMetadata{Amount: 15}}
	assert.Equal(t, largeTradePoints, s.RiskScore(big, nil))
	assert.Equal(t, 0, s.RiskScore(small, nil))
}

// scenarioGraph is two clients linked by a device match, each owning a trade.
func scenarioGraph() *domain.KnowledgeGraph {
	return &domain.KnowledgeGraph{
		Nodes: []domain.Node{
			{ID: "client_A", Type: domain.NodeClient, RiskScore: 60},
			{ID: "client_B", Type: domain.NodeClient, RiskScore: 90},
			{ID: "trade_1", Type: domain.NodeTrade, Metadata: domain.NodeMetadata{Amount: 25}},
			{ID: "trade_2", Type: domain.NodeTrade, Metadata: domain.NodeMetadata{Amount: 25}},
		},
		Edges: []domain.Edge{
			{ID: "d1", Source: "client_A", Target: "client_B", Type: domain.EdgeDeviceMatch, Weight: 1, IsFraudIndicator: true},
			{ID: "l1", Source: "client_A", Target: "trade_1", Type: domain.EdgeTradeLink, Weight: 1},
			{ID: "l2", Source: "client_B", Target: "trade_2", Type: domain.EdgeTradeLink, Weight: 1},
		},
	}
}

func TestDetectClustersScenario(t *testing.T) {
	clusters := DetectClusters(scenarioGraph())
	require.Len(t, clusters, 1)

	c := clusters[0]
	assert.Equal(t, "cluster_1", c.ID)
	assert.Equal(t, []string{"client_A", "client_B"}, c.Nodes)
	assert.Equal(t, 75.0, c.AvgRiskScore)
	assert.Equal(t, 1, c.FraudEdgeCount)
	assert.Equal(t, 1.0, c.Density)
}

func TestDetectClustersPartition(t *testing.T) {
	g := &domain.KnowledgeGraph{
		Nodes: []domain.Node{
			{ID: "n1", RiskScore: 10}, {ID: "n2", RiskScore: 20}, {ID: "n3", RiskScore: 30},
			{ID: "n4", RiskScore: 90}, {ID: "n5", RiskScore: 80}, {ID: "n6"}, {ID: "n7"},
		},
		Edges: []domain.Edge{
			{ID: "e1", Source: "n1", Target: "n2", Type: domain.EdgeTimingSync, IsFraudIndicator: true},
			{ID: "e2", Source: "n2", Target: "n3", Type: domain.EdgeIPOverlap},
			{ID: "e3", Source: "n4", Target: "n5", Type: domain.EdgeOppositePosition, IsFraudIndicator: true},
			{ID: "e4", Source: "n5", Target: "n6", Type: domain.EdgeTradeLink},
			{ID: "e5", Source: "n6", Target: "n7", Type: domain.EdgeTimingSync},
			{ID: "e6", Source: "n1", Target: "n3", Type: domain.EdgeReferral},
		},
	}

	clusters := DetectClusters(g)
	require.Len(t, clusters, 2)

	// Sorted by average risk.
	assert.Equal(t, []string{"n4", "n5"}, clusters[0].Nodes)
	assert.Equal(t, 85.0, clusters[0].AvgRiskScore)
	assert.Equal(t, []string{"n1", "n2", "n3"}, clusters[1].Nodes)
	assert.Equal(t, 1, clusters[1].FraudEdgeCount)
	assert.InDelta(t, 1.0, clusters[1].Density, 0.0001, "referral counts toward density")

	relevant := map[string]bool{}
	for i := range g.Edges {
		if FraudRelevant(&g.Edges[i]) {
			relevant[g.Edges[i].Source] = true
			relevant[g.Edges[i].Target] = true
		}
	}

	covered := map[string]bool{}
	for _, c := range clusters {
		for _, id := range c.Nodes {
			assert.False(t, covered[id], "clusters overlap on %s", id)
			covered[id] = true
		}
	}
	assert.Equal(t, relevant, covered)
}

func TestClusterDensityCountsEdges(t *testing.T) {
	g := &domain.KnowledgeGraph{
		Nodes: []domain.Node{{ID: "a"}, {ID: "b"}, {ID: "c"}},
		Edges: []domain.Edge{
			{ID: "e1", Source: "a", Target: "b", Type: domain.EdgeDeviceMatch, IsFraudIndicator: true},
			{ID: "e2", Source: "b", Target: "c", Type: domain.EdgeIPOverlap, IsFraudIndicator: true},
		},
	}
	clusters := DetectClusters(g)
	require.Len(t, clusters, 1)
	assert.InDelta(t, 2.0/3.0, clusters[0].Density, 0.0001)

	t.Run("ParallelEdges", func(t *testing.T) {
		g.Nodes = g.Nodes[:2]
		g.Edges = []domain.Edge{
			{ID: "e1", Source: "a", Target: "b", Type: domain.EdgeDeviceMatch, IsFraudIndicator: true},
			{ID: "e2", Source: "a", Target: "b", Type: domain.EdgeIPOverlap, IsFraudIndicator: true},
		}
		clusters := DetectClusters(g)
		require.Len(t, clusters, 1)
		assert.Equal(t, 2.0, clusters[0].Density)
		assert.Equal(t, 2, clusters[0].FraudEdgeCount)
	})
}

func TestDetectClustersEmpty(t *testing.T) {
	assert.Empty(t, DetectClusters(&domain.KnowledgeGraph{}))
	g := &domain.KnowledgeGraph{Nodes: []domain.Node{{ID: "solo"}}}
	assert.Empty(t, DetectClusters(g))
}

func TestValidate(t *testing.T) {
	require.NoError(t, Validate(scenarioGraph()))

	g := scenarioGraph()
	g.Edges = append(g.Edges, domain.Edge{ID: "bad", Source: "client_A", Target: "nowhere"})
	assert.True(t, errors.Is(Validate(g), ErrDanglingEdge))

	g = scenarioGraph()
	g.Nodes[0].RiskScore = 101
	assert.True(t, errors.Is(Validate(g), ErrScoreOutOfRange))

	g = scenarioGraph()
	g.Edges = append(g.Edges, g.Edges[0])
	assert.True(t, errors.Is(Validate(g), ErrDuplicateID))

	assert.Error(t, Validate(nil))
}

func TestAmountHelpers(t *testing.T) {
	assert.Equal(t, 0.0, AmountRatio(0, 0))
	assert.Equal(t, 0.5, AmountRatio(50, 100))
	assert.True(t, AmountsClose(100, 80, 0.2))
	assert.False(t, AmountsClose(100, 79, 0.2))
	assert.False(t, AmountsClose(0, 0, 0.2))
}
