package activities

import (
	"fmt"
	"reflect"

	"github.com/risor-io/risor/object"

	workflow "github.com/wtthornton/TappsCodingAgents-sub003"
	"github.com/wtthornton/TappsCodingAgents-sub003/script"
)

// ScriptParams defines the parameters for the script activity
type ScriptParams struct {
	Code string `mapstructure:"code"`
}

// ScriptActivity evaluates a risor script. The script sees variables,
// artifacts (name to path) and step. Assignments to variables become run
// variables when the step succeeds. The script's value is interpreted as:
//
//   - a number: the step score
//   - a map: "score" and "variables" keys are taken out, the rest is output
//   - anything else: output under "result"
type ScriptActivity struct{}

func NewScriptActivity() workflow.Activity {
	return workflow.NewTypedActivity(&ScriptActivity{})
}

func (a *ScriptActivity) Name() string {
	return "script"
}

func (a *ScriptActivity) Execute(ctx workflow.Context, params ScriptParams) (*workflow.StepResult, error) {
	if params.Code == "" {
		return nil, fmt.Errorf("missing 'code' parameter")
	}

	compiled, err := ctx.Compiler().Compile(ctx, params.Code)
	if err != nil {
		return nil, fmt.Errorf("failed to compile script: %w", err)
	}

	variables := object.FromGoType(ctx.Variables())
	if _, ok := variables.(*object.Map); !ok {
		return nil, fmt.Errorf("variables cannot be passed to the script")
	}
	// Compare against the converted form so numeric widening is not a change
	baseline, _ := script.ToGo(variables).(map[string]any)
	artifacts := map[string]any{}
	for name := range ctx.Artifacts() {
		if path, ok := ctx.ArtifactPath(name); ok {
			artifacts[name] = path
		}
	}

	value, err := compiled.Evaluate(ctx, map[string]any{
		script.GlobalVariables: variables,
		script.GlobalArtifacts: artifacts,
		script.GlobalStep:      ctx.StepID(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to execute script: %w", err)
	}

	result := toResult(value.Value())
	modified, _ := script.ToGo(variables).(map[string]any)
	changed := changedVariables(baseline, modified)
	if len(changed) > 0 {
		if result.Variables == nil {
			result.Variables = map[string]any{}
		}
		for k, v := range changed {
			if _, set := result.Variables[k]; !set {
				result.Variables[k] = v
			}
		}
	}
	return result, nil
}

func toResult(value any) *workflow.StepResult {
	switch v := value.(type) {
	case nil:
		return &workflow.StepResult{}
	case int64:
		score := float64(v)
		return &workflow.StepResult{Score: &score}
	case float64:
		return &workflow.StepResult{Score: &v}
	case map[string]any:
		result := &workflow.StepResult{}
		output := map[string]any{}
		for key, item := range v {
			switch key {
			case "score":
				switch s := item.(type) {
				case int64:
					score := float64(s)
					result.Score = &score
				case float64:
					result.Score = &s
				default:
					output[key] = item
				}
			case "variables":
				if vars, ok := item.(map[string]any); ok {
					result.Variables = vars
				} else {
					output[key] = item
				}
			default:
				output[key] = item
			}
		}
		if len(output) > 0 {
			result.Output = output
		}
		return result
	default:
		return &workflow.StepResult{Output: map[string]any{"result": v}}
	}
}

// changedVariables returns the added or modified entries of modified
func changedVariables(original, modified map[string]any) map[string]any {
	changed := map[string]any{}
	for key, value := range modified {
		if old, ok := original[key]; !ok || !reflect.DeepEqual(old, value) {
			changed[key] = value
		}
	}
	return changed
}
