// Package anomaly implements ports.AnomalyPort with CEL rules evaluated
// over a period's anomaly vector.
package anomaly

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/Mindburn-Labs/remit/pkg/ports"
)

// thresholdRule trips when a metric exceeds the threshold of the same name.
const thresholdRule = `name in vector && vector[name] > thresholds[name]`

// Rule is a named CEL boolean expression over vector and thresholds, both
// map(string, double). A rule that evaluates to true is a trigger.
type Rule struct {
	Name string `yaml:"name" json:"name"`
	Expr string `yaml:"expr" json:"expr"`
}

// Evaluator flags a vector as anomalous when any metric exceeds its
// threshold or any extra rule holds.
type Evaluator struct {
	env      *cel.Env
	mu       sync.RWMutex
	prgCache map[string]cel.Program
	rules    []Rule
}

var _ ports.AnomalyPort = (*Evaluator)(nil)

func NewEvaluator(rules ...Rule) (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("vector", cel.MapType(cel.StringType, cel.DoubleType)),
		cel.Variable("thresholds", cel.MapType(cel.StringType, cel.DoubleType)),
		cel.Variable("name", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	e := &Evaluator{env: env, prgCache: make(map[string]cel.Program), rules: rules}
	if _, err := e.program(thresholdRule); err != nil {
		return nil, err
	}
	for _, r := range rules {
		if r.Name == "" {
			return nil, fmt.Errorf("anomaly: rule without a name")
		}
		if _, err := e.program(r.Expr); err != nil {
			return nil, fmt.Errorf("anomaly: rule %s: %w", r.Name, err)
		}
	}
	return e, nil
}

func (e *Evaluator) Evaluate(_ context.Context, vector, thresholds map[string]float64) (*ports.AnomalyVerdict, error) {
	if vector == nil {
		vector = map[string]float64{}
	}
	if thresholds == nil {
		thresholds = map[string]float64{}
	}

	names := make([]string, 0, len(thresholds))
	for k := range thresholds {
		names = append(names, k)
	}
	sort.Strings(names)

	verdict := &ports.AnomalyVerdict{Triggers: []string{}}
	for _, name := range names {
		hit, err := e.eval(thresholdRule, map[string]any{"vector": vector, "thresholds": thresholds, "name": name})
		if err != nil {
			return nil, fmt.Errorf("anomaly: threshold %s: %w", name, err)
		}
		if hit {
			verdict.Triggers = append(verdict.Triggers, name)
		}
	}
	for _, r := range e.rules {
		hit, err := e.eval(r.Expr, map[string]any{"vector": vector, "thresholds": thresholds, "name": r.Name})
		if err != nil {
			return nil, fmt.Errorf("anomaly: rule %s: %w", r.Name, err)
		}
		if hit {
			verdict.Triggers = append(verdict.Triggers, r.Name)
		}
	}
	verdict.Anomalous = len(verdict.Triggers) > 0
	return verdict, nil
}

func (e *Evaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, hit := e.prgCache[expr]
	e.mu.RUnlock()
	if hit {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, hit = e.prgCache[expr]; hit {
		return prg, nil
	}
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("compile: expression must be boolean, got %s", ast.OutputType())
	}
	prg, err := e.env.Program(ast, cel.InterruptCheckFrequency(100), cel.CostLimit(10000))
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	e.prgCache[expr] = prg
	return prg, nil
}

func (e *Evaluator) eval(expr string, input map[string]any) (bool, error) {
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(input)
	if err != nil {
		return false, err
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("non-boolean result %v", out.Value())
	}
	return b, nil
}

// Noop never reports an anomaly.
type Noop struct{}

func (Noop) Evaluate(context.Context, map[string]float64, map[string]float64) (*ports.AnomalyVerdict, error) {
	return &ports.AnomalyVerdict{Triggers: []string{}}, nil
}
