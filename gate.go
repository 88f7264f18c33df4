package workflow

import (
	"context"
	"fmt"
	"sync"

	"github.com/wtthornton/TappsCodingAgents-sub003/script"
)

// GateInput is what a gate condition sees
type GateInput struct {
	StepID    string
	Result    *StepResult
	Variables map[string]any
}

// Condition decides whether a gate passes
type Condition interface {
	Evaluate(ctx context.Context, input GateInput) (bool, error)
}

// ConditionFunc adapts a function to the Condition interface
type ConditionFunc func(ctx context.Context, input GateInput) (bool, error)

func (f ConditionFunc) Evaluate(ctx context.Context, input GateInput) (bool, error) {
	return f(ctx, input)
}

// ScoreAtLeast passes when the step reported a score of at least threshold.
// A missing score fails the gate.
func ScoreAtLeast(threshold float64) Condition {
	return ConditionFunc(func(_ context.Context, input GateInput) (bool, error) {
		if input.Result == nil || input.Result.Score == nil {
			return false, nil
		}
		return *input.Result.Score >= threshold, nil
	})
}

// ScriptCondition evaluates a compiled expression such as "score >= 70". The
// expression sees score, output, result (score and output), step and
// variables.
type ScriptCondition struct {
	source string
	code   script.Script
}

// NewScriptCondition compiles source with the given compiler
func NewScriptCondition(ctx context.Context, compiler script.Compiler, source string) (*ScriptCondition, error) {
	code, err := compiler.Compile(ctx, source)
	if err != nil {
		return nil, fmt.Errorf("failed to compile gate condition %q: %w", source, err)
	}
	return &ScriptCondition{source: source, code: code}, nil
}

// Source returns the expression text
func (c *ScriptCondition) Source() string {
	return c.source
}

func (c *ScriptCondition) Evaluate(ctx context.Context, input GateInput) (bool, error) {
	value, err := c.code.Evaluate(ctx, gateGlobals(input))
	if err != nil {
		return false, err
	}
	return value.IsTruthy(), nil
}

func gateGlobals(input GateInput) map[string]any {
	var score any
	output := map[string]any{}
	if input.Result != nil {
		if input.Result.Score != nil {
			score = *input.Result.Score
		}
		if input.Result.Output != nil {
			output = input.Result.Output
		}
	}
	variables := input.Variables
	if variables == nil {
		variables = map[string]any{}
	}
	return map[string]any{
		script.GlobalScore:     score,
		script.GlobalOutput:    output,
		script.GlobalResult:    map[string]any{"score": score, "output": output},
		script.GlobalStep:      input.StepID,
		script.GlobalVariables: variables,
	}
}

// GateOutcome is the decision for a gated step. NextStep is the on_pass
// target when passed and the on_fail target otherwise; it may be empty.
type GateOutcome struct {
	Passed   bool
	NextStep string
	Reason   string
}

// GateEvaluator evaluates gate conditions. Script conditions are compiled
// once per step and reused across loopbacks.
type GateEvaluator struct {
	compiler   script.Compiler
	mutex      sync.Mutex
	conditions map[string]Condition
}

// NewGateEvaluator returns an evaluator that compiles conditions with compiler
func NewGateEvaluator(compiler script.Compiler) *GateEvaluator {
	return &GateEvaluator{compiler: compiler, conditions: map[string]Condition{}}
}

// Register sets a custom condition for a step, replacing its expression
func (g *GateEvaluator) Register(stepID string, condition Condition) {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	g.conditions[stepID] = condition
}

// Prepare compiles the conditions of every gated step so that syntax errors
// surface before the run starts.
func (g *GateEvaluator) Prepare(ctx context.Context, wf *Workflow) error {
	for _, step := range wf.Steps() {
		if !step.HasGate() {
			continue
		}
		if _, err := g.condition(ctx, step); err != nil {
			return fmt.Errorf("step %q: %w", step.ID, err)
		}
	}
	return nil
}

func (g *GateEvaluator) condition(ctx context.Context, step *Step) (Condition, error) {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	if c, ok := g.conditions[step.ID]; ok {
		return c, nil
	}
	c, err := NewScriptCondition(ctx, g.compiler, step.Gate.Condition)
	if err != nil {
		return nil, err
	}
	g.conditions[step.ID] = c
	return c, nil
}

// Evaluate applies the step's gate to its result. A condition that fails to
// evaluate counts as a failed gate, with the error as the reason.
func (g *GateEvaluator) Evaluate(ctx context.Context, step *Step, result *StepResult, variables map[string]any) (GateOutcome, error) {
	if !step.HasGate() {
		return GateOutcome{Passed: true}, nil
	}
	condition, err := g.condition(ctx, step)
	if err != nil {
		return GateOutcome{}, err
	}
	passed, err := condition.Evaluate(ctx, GateInput{StepID: step.ID, Result: result, Variables: variables})
	if err != nil {
		return GateOutcome{
			NextStep: step.Gate.OnFail,
			Reason:   fmt.Sprintf("condition %q could not be evaluated: %v", step.Gate.Condition, err),
		}, nil
	}
	if passed {
		return GateOutcome{Passed: true, NextStep: step.Gate.OnPass}, nil
	}
	reason := fmt.Sprintf("condition %q not met", step.Gate.Condition)
	if result != nil && result.Score != nil {
		reason = fmt.Sprintf("%s (score %g)", reason, *result.Score)
	}
	return GateOutcome{NextStep: step.Gate.OnFail, Reason: reason}, nil
}
