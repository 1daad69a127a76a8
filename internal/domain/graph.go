package domain

import "time"

// NodeType identifies the kind of entity a node represents.
type NodeType string

const (
	NodeAffiliate NodeType = "affiliate"
	NodeClient    NodeType = "client"
	NodeTrade     NodeType = "trade"
	NodeIP        NodeType = "ip"
	NodeDevice    NodeType = "device"
)

// IsAccount reports whether the node is an affiliate or client account.
func (t NodeType) IsAccount() bool {
	return t == NodeAffiliate || t == NodeClient
}

// EdgeType identifies the relationship an edge represents.
type EdgeType string

const (
	EdgeReferral         EdgeType = "referral"
	EdgeIPOverlap        EdgeType = "ip_overlap"
	EdgeDeviceMatch      EdgeType = "device_match"
	EdgeTimingSync       EdgeType = "timing_sync"
	EdgeOppositePosition EdgeType = "opposite_position"
	EdgeTradeLink        EdgeType = "trade_link"

	// EdgeObservedOn attaches an account to a shared IP or device node.
	// Account-to-account overlap is carried by ip_overlap and device_match.
	EdgeObservedOn EdgeType = "observed_on"
)

// IsStructural reports whether the edge type mirrors an explicit foreign key
// or a recorded observation. Structural edges are never fraud indicators.
func (t EdgeType) IsStructural() bool {
	return t == EdgeReferral || t == EdgeTradeLink || t == EdgeObservedOn
}

// NodeMetadata carries type-dependent attributes. Only the fields relevant to
// the node's type are populated.
type NodeMetadata struct {
	// affiliate / client
	Email        string `json:"email,omitempty"`
	ReferralCode string `json:"referralCode,omitempty"`
	AffiliateID  string `json:"affiliateId,omitempty"`

	// trade
	OwnerID      string     `json:"ownerId,omitempty"`
	Amount       float64    `json:"amount,omitempty"`
	Profit       float64    `json:"profit,omitempty"`
	ContractType string     `json:"contractType,omitempty"`
	Symbol       string     `json:"symbol,omitempty"`
	TradedAt     *time.Time `json:"tradedAt,omitempty"`

	// ip / device
	IPAddress        string   `json:"ipAddress,omitempty"`
	Fingerprint      string   `json:"fingerprint,omitempty"`
	DeviceClass      string   `json:"deviceClass,omitempty"`
	ObservedAccounts []string `json:"observedAccounts,omitempty"`
}

// Node is a typed entity in the knowledge graph.
type Node struct {
	ID        string       `json:"id"`
	Type      NodeType     `json:"type"`
	Label     string       `json:"label"`
	RiskScore int          `json:"riskScore"`
	Metadata  NodeMetadata `json:"metadata"`
}

// EdgeMetadata carries relationship-specific evidence.
type EdgeMetadata struct {
	TimeDeltaMs int64     `json:"timeDelta,omitempty"`
	Confidence  int       `json:"confidence,omitempty"`
	Description string    `json:"description,omitempty"`
	DetectedAt  time.Time `json:"detectedAt,omitempty"`
}

// Edge is a typed, weighted relationship. Direction is informational;
// clustering treats edges as undirected.
type Edge struct {
	ID               string       `json:"id"`
	Source           string       `json:"source"`
	Target           string       `json:"target"`
	Type             EdgeType     `json:"type"`
	Weight           float64      `json:"weight"`
	IsFraudIndicator bool         `json:"isFraudIndicator"`
	Metadata         EdgeMetadata `json:"metadata"`
}

// Touches reports whether the edge has nodeID as an endpoint.
func (e *Edge) Touches(nodeID string) bool {
	return e.Source == nodeID || e.Target == nodeID
}

// Other returns the endpoint opposite nodeID.
func (e *Edge) Other(nodeID string) string {
	if e.Source == nodeID {
		return e.Target
	}
	return e.Source
}

// GraphStats summarizes a knowledge graph.
type GraphStats struct {
	NodeCount      int              `json:"nodeCount"`
	EdgeCount      int              `json:"edgeCount"`
	FraudEdgeCount int              `json:"fraudEdgeCount"`
	DroppedEdges   int              `json:"droppedEdges"`
	SkippedRecords int              `json:"skippedRecords"`
	AvgRiskScore   float64          `json:"avgRiskScore"`
	NodesByType    map[NodeType]int `json:"nodesByType"`
	EdgesByType    map[EdgeType]int `json:"edgesByType"`
	BuiltAt        time.Time        `json:"builtAt"`
}

// KnowledgeGraph is the snapshot built once per detection run.
type KnowledgeGraph struct {
	Nodes []Node     `json:"nodes"`
	Edges []Edge     `json:"edges"`
	Stats GraphStats `json:"stats"`
}

// NodeIndex returns a map from node id to its position in Nodes.
func (g *KnowledgeGraph) NodeIndex() map[string]int {
	idx := make(map[string]int, len(g.Nodes))
	for i := range g.Nodes {
		idx[g.Nodes[i].ID] = i
	}
	return idx
}

// Node looks up a node by id.
func (g *KnowledgeGraph) Node(id string) (*Node, bool) {
	for i := range g.Nodes {
		if g.Nodes[i].ID == id {
			return &g.Nodes[i], true
		}
	}
	return nil, false
}

// Cluster is a connected component over the fraud-relevant subgraph.
type Cluster struct {
	ID             string   `json:"id"`
	Nodes          []string `json:"nodes"`
	AvgRiskScore   float64  `json:"avgRiskScore"`
	FraudEdgeCount int      `json:"fraudEdgeCount"`
	Density        float64  `json:"density"`
}

// Node id prefixes. Ids are derived from source keys so rebuilding a
// snapshot yields the same identifiers.
const (
	PrefixAffiliate = "affiliate_"
	PrefixClient    = "client_"
	PrefixTrade     = "trade_"
	PrefixIP        = "ip_"
	PrefixDevice    = "device_"
)

// AffiliateNodeID returns the node id for an affiliate key.
func AffiliateNodeID(id string) string { return PrefixAffiliate + id }

// ClientNodeID returns the node id for a client key.
func ClientNodeID(id string) string { return PrefixClient + id }

// TradeNodeID returns the node id for a trade key.
func TradeNodeID(id string) string { return PrefixTrade + id }

// IPNodeID returns the node id for an IP address.
func IPNodeID(ip string) string { return PrefixIP + ip }

// DeviceNodeID returns the node id for a device fingerprint.
func DeviceNodeID(fp string) string { return PrefixDevice + fp }
