// Package rings turns qualifying clusters into classified, scored fraud
// rings and persists them without duplicating active rings.
package rings

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/graph"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/shopspring/decimal"
)

// Rule maps a predicate over a cluster's intra-cluster edges to a ring type.
type Rule struct {
	Type    domain.RingType
	Matches func(edges []domain.Edge) bool
}

// FallbackType is assigned when no rule matches.
const FallbackType = domain.RingTimingCoordination

// DefaultRules is the classification order. The first matching rule wins.
var DefaultRules = []Rule{
	{Type: domain.RingOppositeTrading, Matches: hasEdge(domain.EdgeOppositePosition)},
	{Type: domain.RingMultiAccount, Matches: hasEdge(domain.EdgeDeviceMatch)},
	{Type: domain.RingIPClustering, Matches: hasEdge(domain.EdgeIPOverlap)},
}

func hasEdge(t domain.EdgeType) func([]domain.Edge) bool {
	return func(edges []domain.Edge) bool {
		for i := range edges {
			if edges[i].Type == t {
				return true
			}
		}
		return false
	}
}

// Classify evaluates rules in order against the intra-cluster edges.
func Classify(edges []domain.Edge, rules []Rule) domain.RingType {
	for _, r := range rules {
		if r.Matches(edges) {
			return r.Type
		}
	}
	return FallbackType
}

// Confidence returns min(cap, base + fraudEdges*step), clamped to [0, cap].
func Confidence(fraudEdges int, cfg domain.DetectionConfig) int {
	c := cfg.ConfidenceBase + fraudEdges*cfg.ConfidenceStep
	if c > cfg.ConfidenceCap {
		c = cfg.ConfidenceCap
	}
	if c < 0 {
		c = 0
	}
	return c
}

// Exposure sums the amount of every trade node among ids. Amounts are added
// as decimals and rounded to cents.
func Exposure(g *domain.KnowledgeGraph, ids []string) float64 {
	idx := g.NodeIndex()
	total := decimal.Zero
	for _, id := range ids {
		i, ok := idx[id]
		if !ok || g.Nodes[i].Type != domain.NodeTrade {
			continue
		}
		total = total.Add(decimal.NewFromFloat(g.Nodes[i].Metadata.Amount))
	}
	return total.Round(2).InexactFloat64()
}

// Extractor classifies clusters into fraud rings.
type Extractor struct {
	cfg       domain.DetectionConfig
	qualifier *rules.Engine
	rules     []Rule
	now       func() time.Time
	newID     func() string
}

// NewExtractor creates an extractor using the default classification rules.
func NewExtractor(cfg domain.DetectionConfig, qualifier *rules.Engine) *Extractor {
	return &Extractor{
		cfg:       cfg,
		qualifier: qualifier,
		rules:     DefaultRules,
		now:       time.Now,
		newID:     func() string { return uuid.New().String() },
	}
}

// WithClock overrides the creation timestamp source.
func (x *Extractor) WithClock(now func() time.Time) *Extractor {
	x.now = now
	return x
}

// WithRules replaces the classification rules.
func (x *Extractor) WithRules(r []Rule) *Extractor {
	x.rules = r
	return x
}

// Detect clusters the graph and extracts rings from the qualifying clusters.
func (x *Extractor) Detect(g *domain.KnowledgeGraph) ([]*domain.FraudRing, error) {
	return x.Extract(g, graph.DetectClusters(g))
}

// Extract returns one ring per qualifying cluster, in cluster order.
func (x *Extractor) Extract(g *domain.KnowledgeGraph, clusters []domain.Cluster) ([]*domain.FraudRing, error) {
	qualifying, err := x.qualifier.Filter(clusters)
	if err != nil {
		return nil, fmt.Errorf("failed to qualify clusters: %w", err)
	}

	rings := make([]*domain.FraudRing, 0, len(qualifying))
	for i := range qualifying {
		rings = append(rings, x.Ring(g, &qualifying[i]))
	}

	slog.Debug("rings extracted",
		"clusters", len(clusters),
		"qualifying", len(qualifying),
	)
	return rings, nil
}

// Ring builds the ring for a single cluster without checking qualification.
func (x *Extractor) Ring(g *domain.KnowledgeGraph, c *domain.Cluster) *domain.FraudRing {
	intra := graph.IntraEdges(g, c)
	ringType := Classify(intra, x.rules)
	severity := x.cfg.Severity.Classify(c.AvgRiskScore)
	exposure := Exposure(g, c.Nodes)
	now := x.now()

	entities := append([]string(nil), c.Nodes...)
	sort.Strings(entities)

	return &domain.FraudRing{
		ID:             x.newID(),
		Name:           ringName(ringType, entities),
		Type:           ringType,
		Severity:       severity,
		Confidence:     Confidence(c.FraudEdgeCount, x.cfg),
		Entities:       entities,
		Exposure:       exposure,
		AvgRiskScore:   c.AvgRiskScore,
		FraudEdgeCount: c.FraudEdgeCount,
		Evidence:       x.evidence(intra, now),
		Summary:        summary(ringType, c, exposure),
		Status:         domain.RingActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// evidence picks the strongest fraud-relevant intra-cluster edges.
// Ties on weight are broken by edge id.
func (x *Extractor) evidence(intra []domain.Edge, now time.Time) []domain.Evidence {
	var relevant []domain.Edge
	for i := range intra {
		if graph.FraudRelevant(&intra[i]) {
			relevant = append(relevant, intra[i])
		}
	}
	sort.SliceStable(relevant, func(i, j int) bool {
		if relevant[i].Weight != relevant[j].Weight {
			return relevant[i].Weight > relevant[j].Weight
		}
		return relevant[i].ID < relevant[j].ID
	})
	if limit := x.cfg.EvidenceLimit; limit > 0 && len(relevant) > limit {
		relevant = relevant[:limit]
	}

	out := make([]domain.Evidence, 0, len(relevant))
	for _, e := range relevant {
		conf := e.Metadata.Confidence
		if conf == 0 {
			conf = int(math.Round(e.Weight * 100))
		}
		desc := e.Metadata.Description
		if desc == "" {
			desc = fmt.Sprintf("%s between %s and %s", e.Type, e.Source, e.Target)
		}
		ts := e.Metadata.DetectedAt
		if ts.IsZero() {
			ts = now
		}
		out = append(out, domain.Evidence{
			Type:        e.Type,
			Description: desc,
			Confidence:  conf,
			SourceNodes: []string{e.Source, e.Target},
			SourceEdges: []string{e.ID},
			Timestamp:   ts,
		})
	}
	return out
}

var ringTitles = map[domain.RingType]string{
	domain.RingOppositeTrading:    "Opposite trading ring",
	domain.RingMultiAccount:       "Multi-account ring",
	domain.RingIPClustering:       "IP cluster",
	domain.RingTimingCoordination: "Coordinated timing ring",
}

func ringName(t domain.RingType, entities []string) string {
	lead := "unknown"
	if len(entities) > 0 {
		lead = entities[0]
	}
	return fmt.Sprintf("%s around %s", ringTitles[t], lead)
}

func summary(t domain.RingType, c *domain.Cluster, exposure float64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %d entities, %d fraud-indicator edges, average risk %.1f",
		ringTitles[t], len(c.Nodes), c.FraudEdgeCount, c.AvgRiskScore)
	if exposure > 0 {
		fmt.Fprintf(&b, ", exposure %s", decimal.NewFromFloat(exposure).StringFixed(2))
	}
	return b.String()
}
