package domain

import "time"

// AnalyzerKind selects a pattern analyzer.
type AnalyzerKind string

const (
	AnalyzerOppositeTrade AnalyzerKind = "opposite_trade"
	AnalyzerCommission    AnalyzerKind = "commission"
	// AnalyzerTemporal is served by an external collaborator with the same
	// output shape; the engine does not implement it.
	AnalyzerTemporal AnalyzerKind = "temporal"
)

// FindingEvidence is a single datum backing a finding.
type FindingEvidence struct {
	Label string  `json:"label"`
	Value string  `json:"value"`
	Score float64 `json:"score,omitempty"`
}

// AgentFinding is a typed observation produced by a pattern analyzer,
// independent of ring membership.
type AgentFinding struct {
	ID              string            `json:"id"`
	Type            string            `json:"type"`
	Severity        Severity          `json:"severity"`
	Title           string            `json:"title"`
	Description     string            `json:"description"`
	Confidence      int               `json:"confidence"`
	Entities        []string          `json:"entities"`
	Evidence        []FindingEvidence `json:"evidence"`
	SuggestedAction string            `json:"suggestedAction"`
}

// AgentAnalysis is the output of one analyzer run. Context is the structured
// payload handed to the external summarization service.
type AgentAnalysis struct {
	Kind        AnalyzerKind       `json:"kind"`
	TenantID    string             `json:"tenantId,omitempty"`
	Summary     string             `json:"summary"`
	Findings    []AgentFinding     `json:"findings"`
	Metrics     map[string]float64 `json:"metrics"`
	Context     any                `json:"context,omitempty"`
	GeneratedAt time.Time          `json:"generatedAt"`
}

// OppositeTradePair is one ranked opposite-position pair.
type OppositeTradePair struct {
	EdgeID      string  `json:"edgeId"`
	TradeA      string  `json:"tradeA"`
	TradeB      string  `json:"tradeB"`
	AccountA    string  `json:"accountA"`
	AccountB    string  `json:"accountB"`
	Symbol      string  `json:"symbol"`
	AmountA     float64 `json:"amountA"`
	AmountB     float64 `json:"amountB"`
	AmountRatio float64 `json:"amountRatio"`
	TimeDeltaMs int64   `json:"timeDeltaMs"`
	TimingBonus int     `json:"timingBonus"`
	FraudScore  float64 `json:"fraudScore"`
}

// Anomaly kinds reported by the commission analyzer.
const (
	AnomalyHighVolumeLowValue = "high_volume_low_value"
	AnomalyRapidChurn         = "rapid_churn"
	AnomalyHighWinRate        = "high_win_rate"
	AnomalyTotalLoss          = "total_loss"
	AnomalyEvenSplit          = "even_split"
)

// CommissionAnomaly is a per-account behavioral anomaly.
type CommissionAnomaly struct {
	AccountID   string   `json:"accountId"`
	Kind        string   `json:"kind"`
	Severity    Severity `json:"severity"`
	Description string   `json:"description"`
	TradeCount  int      `json:"tradeCount"`
	AvgAmount   float64  `json:"avgAmount"`
	Rate        float64  `json:"rate,omitempty"`
}

// WinLossAnalysis is the looser, per-account win/loss profile.
type WinLossAnalysis struct {
	AccountID     string   `json:"accountId"`
	TradeCount    int      `json:"tradeCount"`
	Wins          int      `json:"wins"`
	Losses        int      `json:"losses"`
	WinRate       float64  `json:"winRate"`
	AvgWinProfit  float64  `json:"avgWinProfit"`
	AvgLossAmount float64  `json:"avgLossAmount"`
	Suspicion     Severity `json:"suspicion"`
	Notes         []string `json:"notes,omitempty"`
}

// CommissionReport is the structured context of a commission analysis.
type CommissionReport struct {
	Anomalies []CommissionAnomaly `json:"anomalies"`
	WinLoss   []WinLossAnalysis   `json:"winLoss"`
}
