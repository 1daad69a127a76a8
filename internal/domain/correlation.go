package domain

// CorrelationStatus buckets an account pair's overall correlation score.
type CorrelationStatus string

const (
	CorrelationFlagged    CorrelationStatus = "FLAGGED"
	CorrelationSuspicious CorrelationStatus = "SUSPICIOUS"
	CorrelationNormal     CorrelationStatus = "NORMAL"
)

// CorrelationResult scores how closely two accounts trade together.
type CorrelationResult struct {
	AccountA       string            `json:"accountA"`
	AccountB       string            `json:"accountB"`
	MatchedPairs   int               `json:"matchedPairs"`
	TimingScore    float64           `json:"timingScore"`
	DirectionScore float64           `json:"directionScore"`
	AmountScore    float64           `json:"amountScore"`
	SymbolScore    float64           `json:"symbolScore"`
	OverallScore   float64           `json:"overallScore"`
	Status         CorrelationStatus `json:"status"`
}
