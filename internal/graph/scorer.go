package graph

import (
	"math"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Points contributed by one fraud-indicator edge at weight 1.0. An edge of
// weight w contributes points*(0.5+0.5w), so every fraud edge adds at least
// half its points.
var fraudEdgePoints = map[domain.EdgeType]int{
	domain.EdgeDeviceMatch:      25,
	domain.EdgeOppositePosition: 20,
	domain.EdgeIPOverlap:        15,
	domain.EdgeTimingSync:       10,
}

// largeTradePoints is added to a trade node at or above LargeTradeAmount.
const largeTradePoints = 10

// Scorer assigns risk scores from local signals.
type Scorer struct {
	cfg   domain.DetectionConfig
	prior map[string]bool
}

// NewScorer creates a scorer with no prior rings.
func NewScorer(cfg domain.DetectionConfig) *Scorer {
	return &Scorer{cfg: cfg, prior: map[string]bool{}}
}

// WithPriorRings returns a copy of the scorer that raises the base score of
// every entity belonging to an active ring in rings.
func (s *Scorer) WithPriorRings(rings []*domain.FraudRing) *Scorer {
	prior := make(map[string]bool)
	for _, r := range rings {
		if r == nil || r.Status != domain.RingActive {
			continue
		}
		for _, e := range r.Entities {
			prior[e] = true
		}
	}
	return &Scorer{cfg: s.cfg, prior: prior}
}

// RiskScore computes a node's base score from the edges touching it.
// The result is in [0,100] and never decreases when a fraud-indicator edge
// touching the node is added.
func (s *Scorer) RiskScore(node domain.Node, edges []domain.Edge) int {
	score := 0
	for i := range edges {
		e := &edges[i]
		if !e.IsFraudIndicator || !e.Touches(node.ID) {
			continue
		}
		points := fraudEdgePoints[e.Type]
		score += int(math.Round(float64(points) * (0.5 + 0.5*clampUnit(e.Weight))))
	}

	switch node.Type {
	case domain.NodeTrade:
		if s.cfg.LargeTradeAmount > 0 && node.Metadata.Amount >= s.cfg.LargeTradeAmount {
			score += largeTradePoints
		}
	case domain.NodeIP, domain.NodeDevice:
		if n := len(node.Metadata.ObservedAccounts); n > 1 {
			score += (n - 1) * s.cfg.SharedSignalPoint
		}
	}

	if s.prior[node.ID] {
		score += s.cfg.PriorRingBonus
	}

	return clampScore(score)
}

// Apply scores every node of g in one pass, then propagates trade risk to
// the owning account (half of the riskiest owned trade). Scores are written
// once per node.
func (s *Scorer) Apply(g *domain.KnowledgeGraph) {
	incident := make(map[string][]domain.Edge, len(g.Nodes))
	for _, e := range g.Edges {
		incident[e.Source] = append(incident[e.Source], e)
		if e.Target != e.Source {
			incident[e.Target] = append(incident[e.Target], e)
		}
	}

	base := make(map[string]int, len(g.Nodes))
	for i := range g.Nodes {
		n := g.Nodes[i]
		base[n.ID] = s.RiskScore(n, incident[n.ID])
	}

	bonus := make(map[string]int)
	for _, e := range g.Edges {
		if e.Type != domain.EdgeTradeLink {
			continue
		}
		if half := base[e.Target] / 2; half > bonus[e.Source] {
			bonus[e.Source] = half
		}
	}

	for i := range g.Nodes {
		n := &g.Nodes[i]
		score := base[n.ID]
		if n.Type.IsAccount() {
			score += bonus[n.ID]
		}
		n.RiskScore = clampScore(score)
	}
}

// ComputeStats recounts nodes and edges and the mean account risk score.
func ComputeStats(g *domain.KnowledgeGraph, dropped, skipped int, builtAt time.Time) domain.GraphStats {
	stats := domain.GraphStats{
		NodeCount:      len(g.Nodes),
		EdgeCount:      len(g.Edges),
		DroppedEdges:   dropped,
		SkippedRecords: skipped,
		NodesByType:    make(map[domain.NodeType]int),
		EdgesByType:    make(map[domain.EdgeType]int),
		BuiltAt:        builtAt,
	}

	accounts, total := 0, 0
	for _, n := range g.Nodes {
		stats.NodesByType[n.Type]++
		if n.Type.IsAccount() {
			accounts++
			total += n.RiskScore
		}
	}
	if accounts > 0 {
		stats.AvgRiskScore = float64(total) / float64(accounts)
	}

	for _, e := range g.Edges {
		stats.EdgesByType[e.Type]++
		if e.IsFraudIndicator {
			stats.FraudEdgeCount++
		}
	}

	return stats
}

func clampScore(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
