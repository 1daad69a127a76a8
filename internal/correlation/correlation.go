// Package correlation scores account pairs directly from trade records,
// without building a graph.
package correlation

import (
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

// Analyzer computes pairwise account correlations.
type Analyzer struct {
	window     time.Duration
	tolerance  decimal.Decimal
	weights    domain.CorrelationWeights
	flagged    float64
	suspicious float64
}

// New creates an analyzer from the correlation settings of cfg. Zero
// weights or thresholds fall back to the defaults.
func New(cfg domain.DetectionConfig) *Analyzer {
	defaults := domain.DefaultDetectionConfig()

	window := cfg.CorrelationWindow
	if window <= 0 {
		window = defaults.CorrelationWindow
	}
	weights := cfg.CorrelationWeights
	if weights.Sum() <= 0 {
		weights = defaults.CorrelationWeights
	}
	flagged, suspicious := cfg.CorrelationFlagged, cfg.CorrelationSuspicious
	if flagged <= 0 {
		flagged = defaults.CorrelationFlagged
	}
	if suspicious <= 0 {
		suspicious = defaults.CorrelationSuspicious
	}

	return &Analyzer{
		window:     window,
		tolerance:  decimal.NewFromFloat(cfg.AmountTolerance),
		weights:    weights,
		flagged:    flagged,
		suspicious: suspicious,
	}
}

// Analyze scores every pair of accounts with at least one timing match,
// highest overall score first. When accounts is non-empty only those
// accounts are considered.
func (a *Analyzer) Analyze(trades []domain.Trade, accounts []string) []domain.CorrelationResult {
	byAccount := a.group(trades, accounts)

	ids := make([]string, 0, len(byAccount))
	for id := range byAccount {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	results := []domain.CorrelationResult{}
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			r, ok := a.pair(ids[i], ids[j], byAccount[ids[i]], byAccount[ids[j]])
			if ok {
				results = append(results, r)
			}
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].OverallScore > results[j].OverallScore
	})
	return results
}

func (a *Analyzer) group(trades []domain.Trade, accounts []string) map[string][]domain.Trade {
	var allow map[string]bool
	if len(accounts) > 0 {
		allow = make(map[string]bool, len(accounts))
		for _, id := range accounts {
			allow[id] = true
		}
	}

	byAccount := make(map[string][]domain.Trade)
	for _, t := range trades {
		if err := t.Validate(); err != nil {
			slog.Warn("skipping trade in correlation", "trade_id", t.ID, "error", err)
			continue
		}
		if allow != nil && !allow[t.ClientID] {
			continue
		}
		byAccount[t.ClientID] = append(byAccount[t.ClientID], t)
	}
	return byAccount
}

// pair scores one account pair. ok is false when no trades matched in time.
func (a *Analyzer) pair(idA, idB string, tradesA, tradesB []domain.Trade) (domain.CorrelationResult, bool) {
	var matches, opposite, amounts, symbols int
	for _, ta := range tradesA {
		if ta.CreatedAt.IsZero() {
			continue
		}
		for _, tb := range tradesB {
			if tb.CreatedAt.IsZero() {
				continue
			}
			delta := ta.CreatedAt.Sub(tb.CreatedAt)
			if delta < 0 {
				delta = -delta
			}
			if delta > a.window {
				continue
			}
			matches++
			if domain.Opposite(ta.ContractType, tb.ContractType) {
				opposite++
			}
			if a.amountsClose(ta.Amount, tb.Amount) {
				amounts++
			}
			if ta.Symbol == tb.Symbol {
				symbols++
			}
		}
	}
	if matches == 0 {
		return domain.CorrelationResult{}, false
	}

	smaller := len(tradesA)
	if len(tradesB) < smaller {
		smaller = len(tradesB)
	}
	timing := math.Min(100, float64(matches)/float64(smaller)*100)
	direction := share(opposite, matches)
	amount := share(amounts, matches)
	symbol := share(symbols, matches)
	w := a.weights
	overall := round2(math.Min(100, timing*w.Timing+direction*w.Direction+amount*w.Amount+symbol*w.Symbol))

	return domain.CorrelationResult{
		AccountA:       idA,
		AccountB:       idB,
		MatchedPairs:   matches,
		TimingScore:    round2(timing),
		DirectionScore: round2(direction),
		AmountScore:    round2(amount),
		SymbolScore:    round2(symbol),
		OverallScore:   overall,
		Status:         a.Status(overall),
	}, true
}

// amountsClose compares the relative difference to the larger amount.
func (a *Analyzer) amountsClose(x, y float64) bool {
	dx, dy := decimal.NewFromFloat(x), decimal.NewFromFloat(y)
	hi := decimal.Max(dx, dy)
	if !hi.IsPositive() {
		return false
	}
	return dx.Sub(dy).Abs().Div(hi).LessThanOrEqual(a.tolerance)
}

// Status buckets an overall score against the configured thresholds.
func (a *Analyzer) Status(overall float64) domain.CorrelationStatus {
	switch {
	case overall >= a.flagged:
		return domain.CorrelationFlagged
	case overall >= a.suspicious:
		return domain.CorrelationSuspicious
	default:
		return domain.CorrelationNormal
	}
}

func share(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) / float64(total) * 100
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
