package analyzers

import (
	"fmt"
	"strconv"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/velocity"
	"github.com/shopspring/decimal"
)

// anomalyConfidence is the confidence reported for each anomaly kind.
var anomalyConfidence = map[string]int{
	domain.AnomalyHighVolumeLowValue: 70,
	domain.AnomalyRapidChurn:         75,
	domain.AnomalyHighWinRate:        80,
	domain.AnomalyTotalLoss:          85,
	domain.AnomalyEvenSplit:          60,
}

// accountStats aggregates one account's trades.
type accountStats struct {
	id        string
	count     int
	avgAmount float64
	wins      int
	losses    int
	winProfit decimal.Decimal
	lossTotal decimal.Decimal
	velocity  velocity.Profile
}

// winRate is wins over decided trades. Zero-profit trades are pushes and
// count toward neither side.
func (s *accountStats) winRate() float64 {
	decided := s.wins + s.losses
	if decided == 0 {
		return 0
	}
	return float64(s.wins) / float64(decided)
}

func (s *accountStats) decided() int {
	return s.wins + s.losses
}

// evenSplit reports whether the win rate lies within tolerance of 50%.
// The distance is taken in decimal so 9/20 and 11/20 are treated alike.
func (s *accountStats) evenSplit(tolerance float64) bool {
	decided := s.decided()
	if decided == 0 {
		return false
	}
	rate := decimal.NewFromInt(int64(s.wins)).Div(decimal.NewFromInt(int64(decided)))
	return rate.Sub(decimal.NewFromFloat(0.5)).Abs().LessThanOrEqual(decimal.NewFromFloat(tolerance))
}

func collectStats(id string, trades []*domain.Node) *accountStats {
	s := &accountStats{id: id, count: len(trades)}

	total := decimal.Zero
	times := make([]time.Time, 0, len(trades))
	for _, t := range trades {
		md := t.Metadata
		total = total.Add(decimal.NewFromFloat(md.Amount))
		switch {
		case md.Profit > 0:
			s.wins++
			s.winProfit = s.winProfit.Add(decimal.NewFromFloat(md.Profit))
		case md.Profit < 0:
			s.losses++
			s.lossTotal = s.lossTotal.Add(decimal.NewFromFloat(-md.Profit))
		}
		if md.TradedAt != nil {
			times = append(times, *md.TradedAt)
		} else {
			times = append(times, time.Time{})
		}
	}
	if s.count > 0 {
		s.avgAmount = total.Div(decimal.NewFromInt(int64(s.count))).InexactFloat64()
	}
	s.velocity = velocity.Compute(times, velocity.MinSpan)
	return s
}

// anomalies evaluates the per-account behavioral rules.
func anomalies(s *accountStats, cfg domain.DetectionConfig) []domain.CommissionAnomaly {
	var out []domain.CommissionAnomaly
	add := func(kind string, sev domain.Severity, desc string, rate float64) {
		out = append(out, domain.CommissionAnomaly{
			AccountID:   s.id,
			Kind:        kind,
			Severity:    sev,
			Description: desc,
			TradeCount:  s.count,
			AvgAmount:   s.avgAmount,
			Rate:        rate,
		})
	}

	if s.count >= cfg.HighVolumeMinTrades && s.avgAmount < cfg.LowValueAmount {
		sev := domain.SeverityMedium
		if s.count >= cfg.HighVolumeHighTrades {
			sev = domain.SeverityHigh
		}
		add(domain.AnomalyHighVolumeLowValue, sev,
			fmt.Sprintf("%d trades averaging %.2f", s.count, s.avgAmount), 0)
	}

	if s.velocity.Resolved >= cfg.ChurnMinTrades && s.velocity.PerHour > cfg.ChurnTradesPerHour {
		add(domain.AnomalyRapidChurn, domain.SeverityHigh,
			fmt.Sprintf("%.1f trades per hour over %.2f hours", s.velocity.PerHour, s.velocity.SpanHours),
			s.velocity.PerHour)
	}

	rate := s.winRate()
	if s.decided() >= cfg.WinRateMinTrades && rate >= cfg.HighWinRate {
		add(domain.AnomalyHighWinRate, domain.SeverityHigh,
			fmt.Sprintf("Unusually high win rate of %.0f%%", rate*100), rate)
	}

	if s.count >= cfg.TotalLossMinTrades && s.losses == s.count {
		add(domain.AnomalyTotalLoss, domain.SeverityCritical,
			fmt.Sprintf("All %d trades lost; check for a coordinated opposite account", s.count), 0)
	}

	if s.decided() >= cfg.EvenSplitMinTrades && s.evenSplit(cfg.EvenSplitTolerance) {
		add(domain.AnomalyEvenSplit, domain.SeverityMedium,
			fmt.Sprintf("Suspiciously even split: win rate %.0f%%", rate*100), rate)
	}

	return out
}

// winLoss builds the looser win/loss profile. It returns nil when the
// account has too few decided trades.
func winLoss(s *accountStats, cfg domain.DetectionConfig) *domain.WinLossAnalysis {
	if s.decided() < cfg.WinRateMinTrades {
		return nil
	}

	a := &domain.WinLossAnalysis{
		AccountID:  s.id,
		TradeCount: s.count,
		Wins:       s.wins,
		Losses:     s.losses,
		WinRate:    s.winRate(),
		Suspicion:  domain.SeverityLow,
	}
	if s.wins > 0 {
		a.AvgWinProfit = s.winProfit.Div(decimal.NewFromInt(int64(s.wins))).InexactFloat64()
	}
	if s.losses > 0 {
		a.AvgLossAmount = s.lossTotal.Div(decimal.NewFromInt(int64(s.losses))).InexactFloat64()
	}

	if a.WinRate >= cfg.SuspiciousWinRate {
		a.Suspicion = domain.SeverityHigh
	}
	if a.AvgLossAmount > 0 && a.AvgWinProfit > cfg.PayoffRatio*a.AvgLossAmount {
		a.Notes = append(a.Notes, fmt.Sprintf(
			"Average win %.2f exceeds %.0fx the average loss %.2f", a.AvgWinProfit, cfg.PayoffRatio, a.AvgLossAmount))
	}
	return a
}

// CommissionReport evaluates every account that owns trades, in account
// id order.
func CommissionReport(g *domain.KnowledgeGraph, cfg domain.DetectionConfig) domain.CommissionReport {
	grouped, accounts := accountTrades(g)

	report := domain.CommissionReport{
		Anomalies: []domain.CommissionAnomaly{},
		WinLoss:   []domain.WinLossAnalysis{},
	}
	for _, id := range accounts {
		s := collectStats(id, grouped[id])
		report.Anomalies = append(report.Anomalies, anomalies(s, cfg)...)
		if wl := winLoss(s, cfg); wl != nil {
			report.WinLoss = append(report.WinLoss, *wl)
		}
	}
	return report
}

func (r *Runner) commission(g *domain.KnowledgeGraph) *domain.AgentAnalysis {
	report := CommissionReport(g, r.cfg)
	_, accounts := accountTrades(g)

	findings := make([]domain.AgentFinding, 0, len(report.Anomalies))
	flagged := make(map[string]bool)
	for _, a := range report.Anomalies {
		findings = append(findings, commissionFinding(a))
		flagged[a.AccountID] = true
	}

	suspicious := 0
	for _, wl := range report.WinLoss {
		if wl.Suspicion == domain.SeverityHigh {
			suspicious++
		}
	}

	summary := fmt.Sprintf("No behavioral anomalies across %d accounts", len(accounts))
	if len(findings) > 0 {
		summary = fmt.Sprintf("%d behavioral anomalies across %d of %d accounts",
			len(findings), len(flagged), len(accounts))
	}

	return &domain.AgentAnalysis{
		Summary:  summary,
		Findings: findings,
		Metrics: map[string]float64{
			"accounts":           float64(len(accounts)),
			"flagged_accounts":   float64(len(flagged)),
			"anomalies":          float64(len(report.Anomalies)),
			"suspicious_winloss": float64(suspicious),
		},
		Context: report,
	}
}

func commissionFinding(a domain.CommissionAnomaly) domain.AgentFinding {
	evidence := []domain.FindingEvidence{
		{Label: "trade_count", Value: strconv.Itoa(a.TradeCount), Score: float64(a.TradeCount)},
		{Label: "avg_amount", Value: strconv.FormatFloat(a.AvgAmount, 'f', 2, 64), Score: a.AvgAmount},
	}
	if a.Rate != 0 {
		evidence = append(evidence, domain.FindingEvidence{
			Label: "rate", Value: strconv.FormatFloat(a.Rate, 'f', 2, 64), Score: a.Rate,
		})
	}

	return domain.AgentFinding{
		ID:              fmt.Sprintf("%s_%s", a.Kind, a.AccountID),
		Type:            a.Kind,
		Severity:        a.Severity,
		Title:           anomalyTitles[a.Kind],
		Description:     fmt.Sprintf("%s: %s", a.AccountID, a.Description),
		Confidence:      anomalyConfidence[a.Kind],
		Entities:        []string{a.AccountID},
		Evidence:        evidence,
		SuggestedAction: suggestedAction(a.Severity),
	}
}

var anomalyTitles = map[string]string{
	domain.AnomalyHighVolumeLowValue: "High volume of low-value trades",
	domain.AnomalyRapidChurn:         "Rapid trade churn",
	domain.AnomalyHighWinRate:        "Unusually high win rate",
	domain.AnomalyTotalLoss:          "Every trade lost",
	domain.AnomalyEvenSplit:          "Suspiciously even win/loss split",
}
