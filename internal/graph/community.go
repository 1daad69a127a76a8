package graph

import (
	"fmt"
	"sort"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// FraudRelevant reports whether an edge participates in clustering.
// observed_on attachments never do, so IP and device nodes stay out of
// clusters.
func FraudRelevant(e *domain.Edge) bool {
	if e.Type.IsStructural() {
		return false
	}
	return e.IsFraudIndicator || e.Type == domain.EdgeDeviceMatch || e.Type == domain.EdgeIPOverlap
}

// DetectClusters returns the connected components of the fraud-relevant
// subgraph with at least two nodes, sorted by average risk descending.
// Ties are broken by the smallest node id. The traversal is a BFS in node
// order, so identical graphs yield identical clusters.
func DetectClusters(g *domain.KnowledgeGraph) []domain.Cluster {
	idx := g.NodeIndex()

	adj := make(map[string][]string)
	for i := range g.Edges {
		e := &g.Edges[i]
		if !FraudRelevant(e) || e.Source == e.Target {
			continue
		}
		if _, ok := idx[e.Source]; !ok {
			continue
		}
		if _, ok := idx[e.Target]; !ok {
			continue
		}
		adj[e.Source] = append(adj[e.Source], e.Target)
		adj[e.Target] = append(adj[e.Target], e.Source)
	}

	visited := make(map[string]bool, len(g.Nodes))
	var components [][]string
	for _, n := range g.Nodes {
		if visited[n.ID] || len(adj[n.ID]) == 0 {
			continue
		}
		visited[n.ID] = true
		queue := []string{n.ID}
		var component []string
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			component = append(component, cur)
			for _, next := range adj[cur] {
				if !visited[next] {
					visited[next] = true
					queue = append(queue, next)
				}
			}
		}
		if len(component) > 1 {
			sort.Strings(component)
			components = append(components, component)
		}
	}

	clusters := make([]domain.Cluster, 0, len(components))
	for _, members := range components {
		clusters = append(clusters, summarize(g, idx, members))
	}

	sort.SliceStable(clusters, func(i, j int) bool {
		if clusters[i].AvgRiskScore != clusters[j].AvgRiskScore {
			return clusters[i].AvgRiskScore > clusters[j].AvgRiskScore
		}
		return clusters[i].Nodes[0] < clusters[j].Nodes[0]
	})
	for i := range clusters {
		clusters[i].ID = fmt.Sprintf("cluster_%d", i+1)
	}

	return clusters
}

// summarize computes the cluster aggregates over the full graph.
func summarize(g *domain.KnowledgeGraph, idx map[string]int, members []string) domain.Cluster {
	in := make(map[string]bool, len(members))
	total := 0
	for _, id := range members {
		in[id] = true
		total += g.Nodes[idx[id]].RiskScore
	}

	fraudEdges, intra := 0, 0
	for i := range g.Edges {
		e := &g.Edges[i]
		if !in[e.Source] || !in[e.Target] || e.Source == e.Target {
			continue
		}
		intra++
		if e.IsFraudIndicator {
			fraudEdges++
		}
	}

	// Parallel edges between one pair each count, so density may exceed 1.
	n := len(members)
	density := 0.0
	if possible := n * (n - 1) / 2; possible > 0 {
		density = float64(intra) / float64(possible)
	}

	return domain.Cluster{
		Nodes:          members,
		AvgRiskScore:   float64(total) / float64(n),
		FraudEdgeCount: fraudEdges,
		Density:        density,
	}
}

// IntraEdges returns the edges with both endpoints in the cluster.
func IntraEdges(g *domain.KnowledgeGraph, c *domain.Cluster) []domain.Edge {
	in := make(map[string]bool, len(c.Nodes))
	for _, id := range c.Nodes {
		in[id] = true
	}
	var out []domain.Edge
	for _, e := range g.Edges {
		if in[e.Source] && in[e.Target] {
			out = append(out, e)
		}
	}
	return out
}
