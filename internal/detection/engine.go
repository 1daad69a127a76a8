// Package detection wires the graph engine into a per-tenant pipeline:
// fetch, build, cluster, extract and persist.
package detection

import (
	"fmt"

	"github.com/opensource-finance/kestrel/internal/analyzers"
	"github.com/opensource-finance/kestrel/internal/correlation"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/graph"
	"github.com/opensource-finance/kestrel/internal/rings"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// Engine is the pure core: every method works on in-memory inputs only.
type Engine struct {
	builder    *graph.Builder
	qualifier  *rules.Engine
	extractor  *rings.Extractor
	runner     *analyzers.Runner
	correlator *correlation.Analyzer
}

// NewEngine compiles the qualifier and assembles the engine components.
func NewEngine(cfg domain.DetectionConfig) (*Engine, error) {
	qualifier, err := rules.NewEngine(cfg.QualifierExpression)
	if err != nil {
		return nil, fmt.Errorf("failed to compile qualifier: %w", err)
	}
	return &Engine{
		builder:    graph.NewBuilder(cfg),
		qualifier:  qualifier,
		extractor:  rings.NewExtractor(cfg, qualifier),
		runner:     analyzers.NewRunner(cfg),
		correlator: correlation.New(cfg),
	}, nil
}

// Qualifier exposes the cluster qualifier so it can be reloaded.
func (e *Engine) Qualifier() *rules.Engine {
	return e.qualifier
}

// BuildGraph converts a snapshot into a scored knowledge graph.
func (e *Engine) BuildGraph(snap domain.Snapshot, prior []*domain.FraudRing) *domain.KnowledgeGraph {
	return e.builder.Build(snap, prior)
}

// DetectFraudRings clusters g and classifies the qualifying clusters.
func (e *Engine) DetectFraudRings(g *domain.KnowledgeGraph) ([]*domain.FraudRing, []domain.Cluster, error) {
	clusters := graph.DetectClusters(g)
	found, err := e.extractor.Extract(g, clusters)
	if err != nil {
		return nil, clusters, err
	}
	return found, clusters, nil
}

// RunPatternAnalyzer runs one analyzer kind over g.
func (e *Engine) RunPatternAnalyzer(g *domain.KnowledgeGraph, kind domain.AnalyzerKind) (*domain.AgentAnalysis, error) {
	return e.runner.Run(g, kind)
}

// RunCorrelationAnalysis scores account pairs from raw trades.
func (e *Engine) RunCorrelationAnalysis(trades []domain.Trade, accounts []string) []domain.CorrelationResult {
	return e.correlator.Analyze(trades, accounts)
}
