// Package rules provides the CEL-based cluster qualification engine.
//
// A cluster becomes a fraud ring candidate when the qualifier expression
// evaluates to true. The expression sees the cluster aggregates as:
//
//	avg_risk_score   double
//	fraud_edge_count int
//	size             int
//	density          double
package rules

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Engine evaluates the qualifier expression against clusters.
type Engine struct {
	mu         sync.RWMutex
	env        *cel.Env
	program    cel.Program
	expression string
}

// NewEngine compiles expression. An empty expression selects
// domain.DefaultQualifierExpression.
func NewEngine(expression string) (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("avg_risk_score", cel.DoubleType),
		cel.Variable("fraud_edge_count", cel.IntType),
		cel.Variable("size", cel.IntType),
		cel.Variable("density", cel.DoubleType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	e := &Engine{env: env}
	if err := e.Reload(expression); err != nil {
		return nil, err
	}
	return e, nil
}

// Validate compiles expression without replacing the loaded one.
func (e *Engine) Validate(expression string) error {
	_, err := e.compile(expression)
	return err
}

// Reload replaces the qualifier expression.
func (e *Engine) Reload(expression string) error {
	if expression == "" {
		expression = domain.DefaultQualifierExpression
	}
	program, err := e.compile(expression)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.program = program
	e.expression = expression
	return nil
}

// Expression returns the loaded qualifier expression.
func (e *Engine) Expression() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.expression
}

// Qualifies reports whether the cluster is a ring candidate.
func (e *Engine) Qualifies(c *domain.Cluster) (bool, error) {
	e.mu.RLock()
	program := e.program
	e.mu.RUnlock()

	out, _, err := program.Eval(Activation(c))
	if err != nil {
		return false, fmt.Errorf("qualifier evaluation failed for %s: %w", c.ID, err)
	}

	b, ok := out.(types.Bool)
	if !ok {
		return false, fmt.Errorf("qualifier returned %s, want bool", out.Type())
	}
	return bool(b), nil
}

// Filter returns the clusters that qualify, preserving order. Clusters whose
// evaluation fails are left out and their errors joined.
func (e *Engine) Filter(clusters []domain.Cluster) ([]domain.Cluster, error) {
	var (
		out  []domain.Cluster
		errs []error
	)
	for i := range clusters {
		ok, err := e.Qualifies(&clusters[i])
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			out = append(out, clusters[i])
		}
	}
	if len(errs) > 0 {
		return out, fmt.Errorf("%d clusters failed qualification: %w", len(errs), errs[0])
	}
	return out, nil
}

// Activation builds the CEL variables for a cluster.
func Activation(c *domain.Cluster) map[string]any {
	return map[string]any{
		"avg_risk_score":   c.AvgRiskScore,
		"fraud_edge_count": int64(c.FraudEdgeCount),
		"size":             int64(len(c.Nodes)),
		"density":          c.Density,
	}
}

func (e *Engine) compile(expression string) (cel.Program, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile qualifier: %w", issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("qualifier must return bool, got %s", ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create qualifier program: %w", err)
	}
	return program, nil
}
