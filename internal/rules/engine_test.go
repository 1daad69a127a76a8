package rules

import (
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestEngineCreation(t *testing.T) {
	engine, err := NewEngine("")
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	if engine.Expression() != domain.DefaultQualifierExpression {
		t.Errorf("expected default expression, got %q", engine.Expression())
	}
}

func TestDefaultQualifier(t *testing.T) {
	engine, err := NewEngine("")
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	tests := []struct {
		name    string
		cluster domain.Cluster
		want    bool
	}{
		{"high risk no fraud edges", domain.Cluster{AvgRiskScore: 30, Nodes: []string{"a", "b"}}, true},
		{"low risk one fraud edge", domain.Cluster{AvgRiskScore: 5, FraudEdgeCount: 1, Nodes: []string{"a", "b"}}, true},
		{"low risk no fraud edges", domain.Cluster{AvgRiskScore: 29.9, Nodes: []string{"a", "b"}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := engine.Qualifies(&tt.cluster)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestCustomQualifier(t *testing.T) {
	engine, err := NewEngine("size >= 3 && density > 0.5")
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	small := domain.Cluster{Nodes: []string{"a", "b"}, Density: 1}
	dense := domain.Cluster{Nodes: []string{"a", "b", "c"}, Density: 0.67}

	if ok, _ := engine.Qualifies(&small); ok {
		t.Error("expected two-node cluster to be rejected")
	}
	if ok, _ := engine.Qualifies(&dense); !ok {
		t.Error("expected dense three-node cluster to qualify")
	}
}

func TestInvalidQualifier(t *testing.T) {
	if _, err := NewEngine("this is not valid CEL !!!"); err == nil {
		t.Error("expected error for invalid CEL expression")
	}

	if _, err := NewEngine("avg_risk_score * 2.0"); err == nil {
		t.Error("expected error for non-bool expression")
	}
}

func TestReloadKeepsPreviousOnError(t *testing.T) {
	engine, _ := NewEngine("fraud_edge_count >= 2")

	if err := engine.Reload("unknown_var > 1"); err == nil {
		t.Fatal("expected error for undeclared variable")
	}
	if engine.Expression() != "fraud_edge_count >= 2" {
		t.Errorf("expression changed after failed reload: %q", engine.Expression())
	}

	if err := engine.Validate("density >= 0.0"); err != nil {
		t.Errorf("unexpected validation error: %v", err)
	}
	if engine.Expression() != "fraud_edge_count >= 2" {
		t.Error("Validate must not replace the loaded expression")
	}
}

func TestFilterPreservesOrder(t *testing.T) {
	engine, _ := NewEngine("")

	clusters := []domain.Cluster{
		{ID: "cluster_1", AvgRiskScore: 80},
		{ID: "cluster_2", AvgRiskScore: 10},
		{ID: "cluster_3", AvgRiskScore: 10, FraudEdgeCount: 2},
	}

	got, err := engine.Filter(clusters)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 || got[0].ID != "cluster_1" || got[1].ID != "cluster_3" {
		t.Errorf("unexpected filter result: %+v", got)
	}
}
