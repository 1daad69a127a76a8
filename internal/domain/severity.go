package domain

// Severity is the ordinal risk band derived from a 0-100 score.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityInfo:     0,
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Rank orders severities so they can be compared.
func (s Severity) Rank() int {
	return severityRank[s]
}

// SeverityBands holds the lower bounds (inclusive) of the medium, high and
// critical bands. Scores below Medium are low.
type SeverityBands struct {
	Medium   float64 `json:"medium" yaml:"medium"`
	High     float64 `json:"high" yaml:"high"`
	Critical float64 `json:"critical" yaml:"critical"`
}

// DefaultSeverityBands returns the 40/60/80 table shared by the ring
// extractor and every analyzer.
func DefaultSeverityBands() SeverityBands {
	return SeverityBands{Medium: 40, High: 60, Critical: 80}
}

// Classify maps a score to its severity band.
func (b SeverityBands) Classify(score float64) Severity {
	switch {
	case score >= b.Critical:
		return SeverityCritical
	case score >= b.High:
		return SeverityHigh
	case score >= b.Medium:
		return SeverityMedium
	default:
		return SeverityLow
	}
}
