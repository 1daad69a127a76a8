// Package velocity provides trade velocity calculation.
package velocity

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// MinSpan is the shortest time span a rate is computed over, so a burst of
// trades in the same second does not produce an unbounded rate.
const MinSpan = time.Minute

// Profile describes how fast an account trades.
type Profile struct {
	AccountID  string    `json:"accountId,omitempty"`
	TradeCount int       `json:"tradeCount"`
	Resolved   int       `json:"resolved"` // trades with a usable timestamp
	First      time.Time `json:"first,omitempty"`
	Last       time.Time `json:"last,omitempty"`
	SpanHours  float64   `json:"spanHours"`
	PerHour    float64   `json:"perHour"`
	PeakHour   int       `json:"peakHour"` // most trades inside any 1h window
}

// Compute builds a profile from trade timestamps. Zero timestamps count
// toward TradeCount but not toward the rate. Fewer than two resolved
// timestamps yield a zero rate.
func Compute(times []time.Time, minSpan time.Duration) Profile {
	p := Profile{TradeCount: len(times)}

	resolved := make([]time.Time, 0, len(times))
	for _, t := range times {
		if !t.IsZero() {
			resolved = append(resolved, t)
		}
	}
	p.Resolved = len(resolved)
	if p.Resolved == 0 {
		return p
	}

	sort.Slice(resolved, func(i, j int) bool { return resolved[i].Before(resolved[j]) })
	p.First = resolved[0]
	p.Last = resolved[len(resolved)-1]
	p.PeakHour = PeakWindow(resolved, time.Hour)

	if p.Resolved < 2 {
		return p
	}

	span := p.Last.Sub(p.First)
	if span < minSpan {
		span = minSpan
	}
	p.SpanHours = span.Hours()
	if p.SpanHours > 0 {
		p.PerHour = float64(p.Resolved) / p.SpanHours
	}
	return p
}

// PeakWindow returns the largest number of sorted timestamps that fall
// inside any window of the given length.
func PeakWindow(sorted []time.Time, window time.Duration) int {
	peak, start := 0, 0
	for end := range sorted {
		for sorted[end].Sub(sorted[start]) > window {
			start++
		}
		if n := end - start + 1; n > peak {
			peak = n
		}
	}
	return peak
}

// Service calculates velocity for stored accounts.
type Service struct {
	source domain.RecordSource
}

// NewService creates a new velocity service.
func NewService(source domain.RecordSource) *Service {
	return &Service{source: source}
}

// AccountProfile returns the velocity profile of one account's trades.
func (s *Service) AccountProfile(ctx context.Context, tenantID, accountID string) (*Profile, error) {
	if tenantID == "" || accountID == "" {
		return nil, fmt.Errorf("tenantID and accountID are required")
	}

	trades, err := s.source.ListTrades(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list trades: %w", err)
	}

	var times []time.Time
	for _, t := range trades {
		if t.ClientID == accountID {
			times = append(times, t.CreatedAt)
		}
	}

	p := Compute(times, MinSpan)
	p.AccountID = accountID
	return &p, nil
}
