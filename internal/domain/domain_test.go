package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeverityBands(t *testing.T) {
	bands := DefaultSeverityBands()

	tests := []struct {
		score float64
		want  Severity
	}{
		{0, SeverityLow},
		{39.99, SeverityLow},
		{40, SeverityMedium},
		{59, SeverityMedium},
		{60, SeverityHigh},
		{79, SeverityHigh},
		{80, SeverityCritical},
		{100, SeverityCritical},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, bands.Classify(tt.score), "score %.2f", tt.score)
	}
}

func TestSeverityRank(t *testing.T) {
	assert.Less(t, SeverityLow.Rank(), SeverityMedium.Rank())
	assert.Less(t, SeverityHigh.Rank(), SeverityCritical.Rank())
	assert.Less(t, SeverityInfo.Rank(), SeverityLow.Rank())
}

func TestRingStatusTransitions(t *testing.T) {
	assert.True(t, RingActive.CanTransition(RingInvestigating))
	assert.True(t, RingActive.CanTransition(RingFalsePositive))
	assert.True(t, RingInvestigating.CanTransition(RingResolved))
	assert.False(t, RingResolved.CanTransition(RingActive))
	assert.False(t, RingInvestigating.CanTransition(RingActive))
	assert.False(t, RingFalsePositive.CanTransition(RingInvestigating))

	assert.True(t, RingResolved.Valid())
	assert.False(t, RingStatus("closed").Valid())
}

func TestDedupKey(t *testing.T) {
	ring := &FraudRing{Entities: []string{"client_d", "client_a", "client_c", "client_b"}}
	assert.Equal(t, "client_a|client_b|client_c", ring.DedupKey(3))

	small := &FraudRing{Entities: []string{"client_z", "client_y"}}
	assert.Equal(t, "client_y|client_z", small.DedupKey(3))

	// The ring itself is left untouched.
	assert.Equal(t, "client_d", ring.Entities[0])
}

func TestTradeValidate(t *testing.T) {
	trade := &Trade{ID: "t1", ClientID: "c1", ContractType: " call ", Amount: 10}
	require.NoError(t, trade.Validate())
	assert.Equal(t, ContractCall, trade.ContractType)

	missingOwner := &Trade{ID: "t2", ContractType: "PUT"}
	err := missingOwner.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidRecord))

	badDirection := &Trade{ID: "t3", ClientID: "c1", ContractType: "HOLD"}
	assert.Error(t, badDirection.Validate())

	negative := &Trade{ID: "t4", ClientID: "c1", ContractType: "PUT", Amount: -1}
	assert.Error(t, negative.Validate())
}

func TestTrackingRecordValidate(t *testing.T) {
	assert.Error(t, (&TrackingRecord{}).Validate())
	assert.Error(t, (&TrackingRecord{VisitorID: "v1"}).Validate())
	assert.NoError(t, (&TrackingRecord{VisitorID: "v1", IPAddress: "10.0.0.1"}).Validate())
	assert.NoError(t, (&TrackingRecord{VisitorID: "v1", CanvasFingerprint: "fp"}).Validate())
}

func TestOpposite(t *testing.T) {
	assert.True(t, Opposite(ContractCall, ContractPut))
	assert.True(t, Opposite(ContractPut, ContractCall))
	assert.False(t, Opposite(ContractCall, ContractCall))
	assert.False(t, Opposite("", ContractPut))
}

func TestEdgeHelpers(t *testing.T) {
	e := Edge{Source: "a", Target: "b"}
	assert.True(t, e.Touches("a"))
	assert.False(t, e.Touches("c"))
	assert.Equal(t, "b", e.Other("a"))
	assert.Equal(t, "a", e.Other("b"))
	assert.True(t, EdgeReferral.IsStructural())
	assert.False(t, EdgeDeviceMatch.IsStructural())
	assert.True(t, EdgeObservedOn.IsStructural())
}
