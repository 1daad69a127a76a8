package domain

import (
	"sort"
	"strings"
	"time"
)

// RingType classifies how a fraud ring operates.
type RingType string

const (
	RingOppositeTrading    RingType = "opposite_trading"
	RingMultiAccount       RingType = "multi_account"
	RingIPClustering       RingType = "ip_clustering"
	RingTimingCoordination RingType = "timing_coordination"
)

// RingStatus is the investigation state of a persisted ring.
// Transitions are driven by analysts, never by the engine.
type RingStatus string

const (
	RingActive        RingStatus = "active"
	RingInvestigating RingStatus = "investigating"
	RingResolved      RingStatus = "resolved"
	RingFalsePositive RingStatus = "false_positive"
)

var ringTransitions = map[RingStatus][]RingStatus{
	RingActive:        {RingInvestigating, RingResolved, RingFalsePositive},
	RingInvestigating: {RingResolved, RingFalsePositive},
}

// Valid reports whether s is a known status.
func (s RingStatus) Valid() bool {
	switch s {
	case RingActive, RingInvestigating, RingResolved, RingFalsePositive:
		return true
	}
	return false
}

// CanTransition reports whether a ring in status s may move to next.
func (s RingStatus) CanTransition(next RingStatus) bool {
	for _, allowed := range ringTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Evidence is one supporting observation attached to a ring.
type Evidence struct {
	Type        EdgeType  `json:"type"`
	Description string    `json:"description"`
	Confidence  int       `json:"confidence"`
	SourceNodes []string  `json:"sourceNodes"`
	SourceEdges []string  `json:"sourceEdges"`
	Timestamp   time.Time `json:"timestamp"`
}

// FraudRing is a classified, scored cluster.
type FraudRing struct {
	ID             string     `json:"id"`
	TenantID       string     `json:"tenantId,omitempty"`
	Name           string     `json:"name"`
	Type           RingType   `json:"type"`
	Severity       Severity   `json:"severity"`
	Confidence     int        `json:"confidence"`
	Entities       []string   `json:"entities"`
	Exposure       float64    `json:"exposure"`
	AvgRiskScore   float64    `json:"avgRiskScore"`
	FraudEdgeCount int        `json:"fraudEdgeCount"`
	Evidence       []Evidence `json:"evidence"`
	Summary        string     `json:"summary"`
	Status         RingStatus `json:"status"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt,omitempty"`
}

// DedupKey returns the first n entities (sorted) joined with "|".
// Two active rings sharing a key describe the same group.
func (r *FraudRing) DedupKey(n int) string {
	return strings.Join(LeadingEntities(r.Entities, n), "|")
}

// LeadingEntities returns the first n entries of the sorted entity list.
func LeadingEntities(entities []string, n int) []string {
	sorted := append([]string(nil), entities...)
	sort.Strings(sorted)
	if n > 0 && len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}
