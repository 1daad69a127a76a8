package analyzers

import (
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/graph"
)

// TimingBonus rewards tighter gaps between the two opposite trades.
func TimingBonus(deltaMs int64) int {
	if deltaMs < 0 {
		deltaMs = -deltaMs
	}
	switch {
	case deltaMs < 1000:
		return 20
	case deltaMs < 3000:
		return 15
	case deltaMs < 5000:
		return 10
	default:
		return 0
	}
}

// FraudScore is 50 + ratio*20 + timing bonus, clamped to [0,100]. The
// score is not rounded: severity bands are applied to the exact value.
func FraudScore(amountRatio float64, deltaMs int64) float64 {
	return math.Min(100, math.Max(0, 50+amountRatio*20+float64(TimingBonus(deltaMs))))
}

// displayScore rounds a score to two decimals for summaries and evidence.
func displayScore(score float64) float64 {
	return math.Round(score*100) / 100
}

// OppositePairs ranks every opposite_position edge by fraud score,
// descending. Ties are broken by edge id.
func OppositePairs(g *domain.KnowledgeGraph) []domain.OppositeTradePair {
	idx := g.NodeIndex()
	owners := tradeOwners(g)

	var pairs []domain.OppositeTradePair
	for i := range g.Edges {
		e := &g.Edges[i]
		if e.Type != domain.EdgeOppositePosition {
			continue
		}
		ia, okA := idx[e.Source]
		ib, okB := idx[e.Target]
		if !okA || !okB {
			continue
		}
		a, b := &g.Nodes[ia], &g.Nodes[ib]

		delta := e.Metadata.TimeDeltaMs
		if delta < 0 {
			delta = -delta
		}
		ratio := graph.AmountRatio(a.Metadata.Amount, b.Metadata.Amount)

		pairs = append(pairs, domain.OppositeTradePair{
			EdgeID:      e.ID,
			TradeA:      a.ID,
			TradeB:      b.ID,
			AccountA:    owners[a.ID],
			AccountB:    owners[b.ID],
			Symbol:      a.Metadata.Symbol,
			AmountA:     a.Metadata.Amount,
			AmountB:     b.Metadata.Amount,
			AmountRatio: ratio,
			TimeDeltaMs: delta,
			TimingBonus: TimingBonus(delta),
			FraudScore:  FraudScore(ratio, delta),
		})
	}

	sort.SliceStable(pairs, func(i, j int) bool {
		if pairs[i].FraudScore != pairs[j].FraudScore {
			return pairs[i].FraudScore > pairs[j].FraudScore
		}
		return pairs[i].EdgeID < pairs[j].EdgeID
	})
	return pairs
}

// oppositeContext is the summarization payload of the opposite-trade analyzer.
type oppositeContext struct {
	Pairs []domain.OppositeTradePair `json:"pairs"`
}

func (r *Runner) oppositeTrade(g *domain.KnowledgeGraph) *domain.AgentAnalysis {
	pairs := OppositePairs(g)

	top := pairs
	if n := r.cfg.TopOppositePairs; n > 0 && len(top) > n {
		top = top[:n]
	}

	findings := make([]domain.AgentFinding, 0, len(top))
	for _, p := range top {
		findings = append(findings, r.oppositeFinding(p))
	}

	accounts := make(map[string]bool)
	total, maxScore, flagged := 0.0, 0.0, 0
	for _, p := range pairs {
		total += p.FraudScore
		if p.FraudScore > maxScore {
			maxScore = p.FraudScore
		}
		if r.cfg.Severity.Classify(p.FraudScore).Rank() >= domain.SeverityHigh.Rank() {
			flagged++
		}
		for _, id := range []string{p.AccountA, p.AccountB} {
			if id != "" {
				accounts[id] = true
			}
		}
	}
	avg := 0.0
	if len(pairs) > 0 {
		avg = total / float64(len(pairs))
	}

	summary := "No opposite-position trade pairs detected"
	if len(pairs) > 0 {
		summary = fmt.Sprintf("%d opposite-position pairs across %d accounts; top fraud score %.2f",
			len(pairs), len(accounts), displayScore(maxScore))
	}

	return &domain.AgentAnalysis{
		Summary:  summary,
		Findings: findings,
		Metrics: map[string]float64{
			"pairs":     float64(len(pairs)),
			"accounts":  float64(len(accounts)),
			"avg_score": displayScore(avg),
			"max_score": displayScore(maxScore),
			"flagged":   float64(flagged),
		},
		Context: oppositeContext{Pairs: top},
	}
}

func (r *Runner) oppositeFinding(p domain.OppositeTradePair) domain.AgentFinding {
	severity := r.cfg.Severity.Classify(p.FraudScore)
	return domain.AgentFinding{
		ID:       "opposite_" + p.EdgeID,
		Type:     string(domain.EdgeOppositePosition),
		Severity: severity,
		Title:    fmt.Sprintf("Opposite positions on %s", p.Symbol),
		Description: fmt.Sprintf("%s and %s took opposite positions on %s %dms apart (amounts %.2f / %.2f)",
			orUnknown(p.AccountA), orUnknown(p.AccountB), p.Symbol, p.TimeDeltaMs, p.AmountA, p.AmountB),
		Confidence: int(math.Round(p.FraudScore)),
		Entities:   dedupe(p.AccountA, p.AccountB, p.TradeA, p.TradeB),
		Evidence: []domain.FindingEvidence{
			{Label: "amount_ratio", Value: strconv.FormatFloat(p.AmountRatio, 'f', 2, 64), Score: p.AmountRatio},
			{Label: "time_delta_ms", Value: strconv.FormatInt(p.TimeDeltaMs, 10), Score: float64(p.TimingBonus)},
			{Label: "fraud_score", Value: strconv.FormatFloat(p.FraudScore, 'f', 2, 64), Score: displayScore(p.FraudScore)},
		},
		SuggestedAction: suggestedAction(severity),
	}
}

func orUnknown(id string) string {
	if id == "" {
		return "unknown account"
	}
	return id
}
