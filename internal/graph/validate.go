package graph

import (
	"errors"
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	// ErrDanglingEdge is returned when an edge references a missing node.
	ErrDanglingEdge = errors.New("edge references missing node")

	// ErrScoreOutOfRange is returned when a risk score leaves [0,100].
	ErrScoreOutOfRange = errors.New("risk score out of range")

	// ErrDuplicateID is returned when two nodes or two edges share an id.
	ErrDuplicateID = errors.New("duplicate id")
)

// Validate checks the structural invariants of a graph that did not come
// from a Builder.
func Validate(g *domain.KnowledgeGraph) error {
	if g == nil {
		return fmt.Errorf("graph is nil")
	}

	nodes := make(map[string]bool, len(g.Nodes))
	for _, n := range g.Nodes {
		if nodes[n.ID] {
			return fmt.Errorf("%w: node %s", ErrDuplicateID, n.ID)
		}
		nodes[n.ID] = true
		if n.RiskScore < 0 || n.RiskScore > 100 {
			return fmt.Errorf("%w: node %s has %d", ErrScoreOutOfRange, n.ID, n.RiskScore)
		}
	}

	edges := make(map[string]bool, len(g.Edges))
	for _, e := range g.Edges {
		if edges[e.ID] {
			return fmt.Errorf("%w: edge %s", ErrDuplicateID, e.ID)
		}
		edges[e.ID] = true
		if !nodes[e.Source] || !nodes[e.Target] {
			return fmt.Errorf("%w: edge %s (%s -> %s)", ErrDanglingEdge, e.ID, e.Source, e.Target)
		}
	}

	return nil
}
