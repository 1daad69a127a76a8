// Package graph turns flat record feeds into a typed knowledge graph,
// scores its nodes and extracts clusters over the fraud-relevant subgraph.
package graph

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Weights of structural and observation edges.
const (
	structuralWeight  = 1.0
	observationWeight = 0.3
)

// Builder converts a record snapshot into a KnowledgeGraph.
// A Builder is safe for concurrent use; each Build works on its own state.
type Builder struct {
	cfg    domain.DetectionConfig
	scorer *Scorer
	now    func() time.Time
}

// NewBuilder creates a builder using the given thresholds.
func NewBuilder(cfg domain.DetectionConfig) *Builder {
	return &Builder{
		cfg:    cfg,
		scorer: NewScorer(cfg),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the clock used for build timestamps.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

// buildState accumulates nodes and edges during one Build call.
type buildState struct {
	cfg   domain.DetectionConfig
	nodes []domain.Node
	index map[string]int
	edges []domain.Edge
	seen  map[string]bool
	stats domain.GraphStats

	// account node id of each raw key, clients first
	accounts map[string]string
	// owning account of each trade node
	owners map[string]string
	// referral pairs, keyed by pairKey
	referrals map[string]bool

	builtAt time.Time
}

// Build constructs the graph for snap. Active rings in prior raise the base
// risk of the entities they contain.
//
// Records that fail validation are skipped with a warning. Edges whose
// endpoints are missing are dropped with a warning. Neither aborts the build.
func (b *Builder) Build(snap domain.Snapshot, prior []*domain.FraudRing) *domain.KnowledgeGraph {
	st := &buildState{
		cfg:       b.cfg,
		index:     make(map[string]int),
		seen:      make(map[string]bool),
		accounts:  make(map[string]string),
		owners:    make(map[string]string),
		referrals: make(map[string]bool),
		builtAt:   b.now(),
	}

	st.addAffiliates(snap.Affiliates)
	clients := st.addClients(snap.Clients)
	trades := st.addTrades(snap.Trades)

	st.linkReferrals(clients)
	st.linkTrades(trades)

	obs := st.collectObservations(clients, snap.Tracking)
	st.addSignalNodes(obs)
	st.deriveDeviceEdges(obs)
	st.deriveIPEdges(obs)
	st.deriveTradeEdges(trades)

	g := &domain.KnowledgeGraph{
		Nodes: st.nodes,
		Edges: st.edges,
		Stats: st.stats,
	}
	if g.Nodes == nil {
		g.Nodes = []domain.Node{}
	}
	if g.Edges == nil {
		g.Edges = []domain.Edge{}
	}

	b.scorer.WithPriorRings(prior).Apply(g)
	g.Stats = ComputeStats(g, st.stats.DroppedEdges, st.stats.SkippedRecords, st.builtAt)

	slog.Debug("knowledge graph built",
		"nodes", g.Stats.NodeCount,
		"edges", g.Stats.EdgeCount,
		"fraud_edges", g.Stats.FraudEdgeCount,
		"dropped_edges", g.Stats.DroppedEdges,
		"skipped_records", g.Stats.SkippedRecords,
	)

	return g
}

func (st *buildState) addNode(n domain.Node) bool {
	if _, exists := st.index[n.ID]; exists {
		return false
	}
	st.index[n.ID] = len(st.nodes)
	st.nodes = append(st.nodes, n)
	return true
}

func (st *buildState) hasNode(id string) bool {
	_, ok := st.index[id]
	return ok
}

// addEdge appends e unless an edge with the same id exists. Edges with a
// missing endpoint are dropped.
func (st *buildState) addEdge(e domain.Edge) {
	if !st.hasNode(e.Source) || !st.hasNode(e.Target) {
		st.stats.DroppedEdges++
		slog.Warn("dropping edge with missing endpoint",
			"edge_id", e.ID,
			"source", e.Source,
			"target", e.Target,
		)
		return
	}
	if st.seen[e.ID] {
		return
	}
	if e.Type.IsStructural() {
		e.IsFraudIndicator = false
	}
	st.seen[e.ID] = true
	st.edges = append(st.edges, e)
}

func (st *buildState) skip(kind, id string, err error) {
	st.stats.SkippedRecords++
	slog.Warn("skipping invalid record",
		"kind", kind,
		"id", id,
		"error", err,
	)
}

func (st *buildState) addAffiliates(affiliates []domain.Affiliate) {
	for i := range affiliates {
		a := affiliates[i]
		if err := a.Validate(); err != nil {
			st.skip("affiliate", a.ID, err)
			continue
		}
		label := a.Name
		if label == "" {
			label = a.ID
		}
		id := domain.AffiliateNodeID(a.ID)
		if !st.addNode(domain.Node{
			ID:    id,
			Type:  domain.NodeAffiliate,
			Label: label,
			Metadata: domain.NodeMetadata{
				Email:        a.Email,
				ReferralCode: a.ReferralCode,
			},
		}) {
			continue
		}
		if _, taken := st.accounts[a.ID]; !taken {
			st.accounts[a.ID] = id
		}
	}
}

func (st *buildState) addClients(clients []domain.Client) []domain.Client {
	kept := make([]domain.Client, 0, len(clients))
	for i := range clients {
		c := clients[i]
		if err := c.Validate(); err != nil {
			st.skip("client", c.ID, err)
			continue
		}
		label := c.Name
		if label == "" {
			label = c.ID
		}
		id := domain.ClientNodeID(c.ID)
		if !st.addNode(domain.Node{
			ID:    id,
			Type:  domain.NodeClient,
			Label: label,
			Metadata: domain.NodeMetadata{
				Email:       c.Email,
				AffiliateID: c.AffiliateID,
			},
		}) {
			continue
		}
		// Trades and tracking records reference clients first.
		st.accounts[c.ID] = id
		kept = append(kept, c)
	}
	return kept
}

// tradeRef is a validated trade with its resolved owner.
type tradeRef struct {
	nodeID string
	owner  string
	trade  domain.Trade
}

func (st *buildState) addTrades(trades []domain.Trade) []tradeRef {
	refs := make([]tradeRef, 0, len(trades))
	for i := range trades {
		t := trades[i]
		if err := t.Validate(); err != nil {
			st.skip("trade", t.ID, err)
			continue
		}
		owner, ok := st.accounts[t.ClientID]
		if !ok {
			st.skip("trade", t.ID, fmt.Errorf("%w: unknown owner %s", domain.ErrInvalidRecord, t.ClientID))
			continue
		}

		md := domain.NodeMetadata{
			OwnerID:      owner,
			Amount:       t.Amount,
			Profit:       t.Profit,
			ContractType: t.ContractType,
			Symbol:       t.Symbol,
		}
		if !t.CreatedAt.IsZero() {
			at := t.CreatedAt.UTC()
			md.TradedAt = &at
		}

		id := domain.TradeNodeID(t.ID)
		if !st.addNode(domain.Node{
			ID:       id,
			Type:     domain.NodeTrade,
			Label:    fmt.Sprintf("%s %s %.2f", t.ContractType, t.Symbol, t.Amount),
			Metadata: md,
		}) {
			continue
		}
		st.owners[id] = owner
		refs = append(refs, tradeRef{nodeID: id, owner: owner, trade: t})
	}
	return refs
}

func (st *buildState) linkReferrals(clients []domain.Client) {
	for _, c := range clients {
		if c.AffiliateID == "" {
			continue
		}
		src := domain.AffiliateNodeID(c.AffiliateID)
		dst := domain.ClientNodeID(c.ID)
		st.addEdge(domain.Edge{
			ID:     edgeID(domain.EdgeReferral, src, dst),
			Source: src,
			Target: dst,
			Type:   domain.EdgeReferral,
			Weight: structuralWeight,
			Metadata: domain.EdgeMetadata{
				Description: fmt.Sprintf("%s referred %s", src, dst),
			},
		})
		if st.hasNode(src) {
			st.referrals[pairKey(src, dst)] = true
		}
	}
}

func (st *buildState) linkTrades(trades []tradeRef) {
	for _, ref := range trades {
		st.addEdge(domain.Edge{
			ID:     edgeID(domain.EdgeTradeLink, ref.owner, ref.nodeID),
			Source: ref.owner,
			Target: ref.nodeID,
			Type:   domain.EdgeTradeLink,
			Weight: structuralWeight,
			Metadata: domain.EdgeMetadata{
				Description: fmt.Sprintf("%s placed %s", ref.owner, ref.nodeID),
			},
		})
	}
}

// edgeID derives a deterministic id with endpoints in sorted order.
func edgeID(t domain.EdgeType, a, b string) string {
	if t.IsStructural() {
		return fmt.Sprintf("%s_%s_%s", t, a, b)
	}
	a, b = ordered(a, b)
	return fmt.Sprintf("%s_%s_%s", t, a, b)
}

func ordered(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

func pairKey(a, b string) string {
	a, b = ordered(a, b)
	return a + "|" + b
}

// sortedKeys returns the keys of m in ascending order.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
