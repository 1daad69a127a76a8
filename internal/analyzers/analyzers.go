// Package analyzers runs the pattern analyzers over a knowledge graph.
// Each analyzer produces typed findings independently of ring extraction.
package analyzers

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	// ErrUnknownAnalyzer is returned for kinds the engine does not serve.
	ErrUnknownAnalyzer = errors.New("unknown analyzer")
)

// Runner dispatches analyzer kinds.
type Runner struct {
	cfg domain.DetectionConfig
	now func() time.Time
}

// NewRunner creates a runner with the given thresholds.
func NewRunner(cfg domain.DetectionConfig) *Runner {
	return &Runner{cfg: cfg, now: time.Now}
}

// WithClock overrides the GeneratedAt timestamp source.
func (r *Runner) WithClock(now func() time.Time) *Runner {
	r.now = now
	return r
}

// Kinds lists the analyzers served by Run.
func Kinds() []domain.AnalyzerKind {
	return []domain.AnalyzerKind{domain.AnalyzerOppositeTrade, domain.AnalyzerCommission}
}

// Run executes one analyzer over g.
func (r *Runner) Run(g *domain.KnowledgeGraph, kind domain.AnalyzerKind) (*domain.AgentAnalysis, error) {
	var analysis *domain.AgentAnalysis
	switch kind {
	case domain.AnalyzerOppositeTrade:
		analysis = r.oppositeTrade(g)
	case domain.AnalyzerCommission:
		analysis = r.commission(g)
	case domain.AnalyzerTemporal:
		return nil, fmt.Errorf("%w: %s is served by an external analyzer", ErrUnknownAnalyzer, kind)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownAnalyzer, kind)
	}

	analysis.Kind = kind
	analysis.GeneratedAt = r.now()
	slog.Debug("analysis complete",
		"analyzer", kind,
		"findings", len(analysis.Findings),
	)
	return analysis, nil
}

// accountTrades groups trade nodes by owning account. Ownership comes from
// trade_link edges, falling back to the trade's owner metadata.
func accountTrades(g *domain.KnowledgeGraph) (map[string][]*domain.Node, []string) {
	owners := tradeOwners(g)
	grouped := make(map[string][]*domain.Node)
	for i := range g.Nodes {
		n := &g.Nodes[i]
		if n.Type != domain.NodeTrade {
			continue
		}
		owner := owners[n.ID]
		if owner == "" {
			continue
		}
		grouped[owner] = append(grouped[owner], n)
	}

	accounts := make([]string, 0, len(grouped))
	for id := range grouped {
		accounts = append(accounts, id)
	}
	sort.Strings(accounts)
	return grouped, accounts
}

func tradeOwners(g *domain.KnowledgeGraph) map[string]string {
	owners := make(map[string]string)
	for i := range g.Nodes {
		n := &g.Nodes[i]
		if n.Type == domain.NodeTrade && n.Metadata.OwnerID != "" {
			owners[n.ID] = n.Metadata.OwnerID
		}
	}
	for i := range g.Edges {
		e := &g.Edges[i]
		if e.Type == domain.EdgeTradeLink {
			owners[e.Target] = e.Source
		}
	}
	return owners
}

func suggestedAction(s domain.Severity) string {
	switch s {
	case domain.SeverityCritical:
		return "Freeze payouts for the involved accounts and escalate for investigation"
	case domain.SeverityHigh:
		return "Open an investigation and review the accounts' trading history"
	case domain.SeverityMedium:
		return "Add the accounts to the watch list"
	default:
		return "No action required; keep monitoring"
	}
}

// dedupe returns ids in order without empties or repeats.
func dedupe(ids ...string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
