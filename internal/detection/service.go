package detection

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/fetch"
	"github.com/opensource-finance/kestrel/internal/rings"
	"github.com/opensource-finance/kestrel/internal/telemetry"
	"github.com/opensource-finance/kestrel/internal/velocity"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Report is the outcome of one detection run.
type Report struct {
	TenantID    string              `json:"tenantId"`
	Stats       domain.GraphStats   `json:"stats"`
	Clusters    []domain.Cluster    `json:"clusters"`
	Candidates  int                 `json:"candidates"`
	Rings       []*domain.FraudRing `json:"rings"`
	Skipped     int                 `json:"skipped"`
	FailedFeeds []string            `json:"failedFeeds,omitempty"`
	DurationMs  int64               `json:"durationMs"`
}

// Service runs the engine against stored records for a tenant.
type Service struct {
	engine   *Engine
	repo     domain.Repository
	cache    domain.Cache
	bus      domain.EventBus
	fetcher  *fetch.Fetcher
	store    *rings.Store
	velocity *velocity.Service
	graphTTL time.Duration
}

// NewService assembles a service. cache and eventBus may be nil.
func NewService(cfg *domain.Config, repo domain.Repository, cache domain.Cache, eventBus domain.EventBus) (*Service, error) {
	engine, err := NewEngine(cfg.Detection)
	if err != nil {
		return nil, err
	}
	return &Service{
		engine:   engine,
		repo:     repo,
		cache:    cache,
		bus:      eventBus,
		fetcher:  fetch.New(repo, cfg.Fetch),
		store:    rings.NewStore(repo, cfg.Detection.DedupPrefix),
		velocity: velocity.NewService(repo),
		graphTTL: cfg.Cache.GraphTTL,
	}, nil
}

// Engine returns the underlying pure engine.
func (s *Service) Engine() *Engine {
	return s.engine
}

// Run executes the full pipeline for a tenant and persists new rings.
func (s *Service) Run(ctx context.Context, tenantID string) (*Report, error) {
	ctx, span := telemetry.Tracer.Start(ctx, "detection.run",
		trace.WithAttributes(attribute.String("tenant_id", tenantID)))
	defer span.End()
	start := time.Now()

	g, failed := s.build(ctx, tenantID)

	phase := time.Now()
	found, clusters, err := s.engine.DetectFraudRings(g)
	telemetry.ObservePhase("extract", time.Since(phase))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "extraction failed")
		return nil, err
	}

	phase = time.Now()
	saved, err := s.store.SaveAll(ctx, tenantID, found)
	telemetry.ObservePhase("persist", time.Since(phase))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persistence failed")
		return nil, err
	}

	for _, ring := range saved.Inserted {
		telemetry.RecordRing(string(ring.Type), string(ring.Severity))
		s.publish(ctx, tenantID, domain.TopicRingDetected, ring)
	}
	telemetry.RecordSkippedRings(saved.Skipped)

	elapsed := time.Since(start)
	telemetry.ObservePhase("total", elapsed)
	span.SetAttributes(
		attribute.Int("clusters", len(clusters)),
		attribute.Int("rings_inserted", len(saved.Inserted)),
	)

	slog.Info("detection run complete",
		"tenant_id", tenantID,
		"nodes", g.Stats.NodeCount,
		"edges", g.Stats.EdgeCount,
		"clusters", len(clusters),
		"candidates", len(found),
		"rings_inserted", len(saved.Inserted),
		"rings_skipped", saved.Skipped,
		"duration_ms", elapsed.Milliseconds(),
	)

	return &Report{
		TenantID:    tenantID,
		Stats:       g.Stats,
		Clusters:    clusters,
		Candidates:  len(found),
		Rings:       saved.Inserted,
		Skipped:     saved.Skipped,
		FailedFeeds: failed,
		DurationMs:  elapsed.Milliseconds(),
	}, nil
}

// Graph returns the tenant's cached graph, building a fresh one on a miss
// or when refresh is set.
func (s *Service) Graph(ctx context.Context, tenantID string, refresh bool) *domain.KnowledgeGraph {
	if !refresh && s.cache != nil {
		g, err := s.cache.GetGraph(ctx, tenantID)
		if err != nil {
			slog.Warn("graph cache read failed", "tenant_id", tenantID, "error", err)
		} else if g != nil {
			return g
		}
	}
	g, _ := s.build(ctx, tenantID)
	return g
}

// Analyze runs a pattern analyzer over the tenant's graph and publishes
// its findings.
func (s *Service) Analyze(ctx context.Context, tenantID string, kind domain.AnalyzerKind) (*domain.AgentAnalysis, error) {
	ctx, span := telemetry.Tracer.Start(ctx, "detection.analyze",
		trace.WithAttributes(
			attribute.String("tenant_id", tenantID),
			attribute.String("analyzer", string(kind)),
		))
	defer span.End()

	g := s.Graph(ctx, tenantID, false)
	analysis, err := s.engine.RunPatternAnalyzer(g, kind)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	analysis.TenantID = tenantID

	for i := range analysis.Findings {
		f := &analysis.Findings[i]
		telemetry.RecordFinding(string(kind), string(f.Severity))
		s.publish(ctx, tenantID, domain.TopicFindingRaised, f)
	}
	return analysis, nil
}

// Correlate scores account pairs over the tenant's stored trades.
func (s *Service) Correlate(ctx context.Context, tenantID string, accounts []string) ([]domain.CorrelationResult, error) {
	trades, err := s.repo.ListTrades(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list trades: %w", err)
	}
	return s.engine.RunCorrelationAnalysis(trades, accounts), nil
}

// Rings lists persisted rings, newest first.
func (s *Service) Rings(ctx context.Context, tenantID string, status domain.RingStatus) ([]*domain.FraudRing, error) {
	return s.store.Load(ctx, tenantID, status)
}

// Ring loads one persisted ring.
func (s *Service) Ring(ctx context.Context, tenantID, ringID string) (*domain.FraudRing, error) {
	return s.repo.GetFraudRing(ctx, tenantID, ringID)
}

// UpdateRingStatus applies an analyst-driven status transition.
func (s *Service) UpdateRingStatus(ctx context.Context, tenantID, ringID string, status domain.RingStatus) (*domain.FraudRing, error) {
	if err := s.repo.UpdateFraudRingStatus(ctx, tenantID, ringID, status); err != nil {
		return nil, err
	}
	return s.repo.GetFraudRing(ctx, tenantID, ringID)
}

// Velocity returns the trading velocity profile of one account.
func (s *Service) Velocity(ctx context.Context, tenantID, accountID string) (*velocity.Profile, error) {
	return s.velocity.AccountProfile(ctx, tenantID, accountID)
}

// SetQualifier replaces the cluster qualifier expression.
func (s *Service) SetQualifier(expression string) error {
	return s.engine.Qualifier().Reload(expression)
}

// build fetches the tenant's records, builds the graph and caches it.
func (s *Service) build(ctx context.Context, tenantID string) (*domain.KnowledgeGraph, []string) {
	ctx, span := telemetry.Tracer.Start(ctx, "detection.build")
	defer span.End()

	phase := time.Now()
	fetched := s.fetcher.Fetch(ctx, tenantID)
	telemetry.ObservePhase("fetch", time.Since(phase))

	prior, err := s.store.Load(ctx, tenantID, domain.RingActive)
	if err != nil {
		slog.Warn("failed to load prior rings", "tenant_id", tenantID, "error", err)
		prior = nil
	}

	phase = time.Now()
	g := s.engine.BuildGraph(fetched.Snapshot, prior)
	telemetry.ObservePhase("build", time.Since(phase))
	telemetry.RecordBuild(g.Stats.DroppedEdges, g.Stats.SkippedRecords)

	if s.cache != nil {
		if err := s.cache.SetGraph(ctx, tenantID, g, s.graphTTL); err != nil {
			slog.Warn("failed to cache graph", "tenant_id", tenantID, "error", err)
		}
	}
	return g, fetched.FailedFeeds
}

func (s *Service) publish(ctx context.Context, tenantID, topic string, v any) {
	if s.bus == nil {
		return
	}
	if err := bus.PublishJSON(ctx, s.bus, tenantID, topic, v); err != nil {
		slog.Warn("failed to publish event",
			"tenant_id", tenantID,
			"topic", topic,
			"error", err,
		)
	}
}
