package workflow

import (
	"encoding/json"
	"fmt"

	"github.com/go-viper/mapstructure/v2"

	"github.com/wtthornton/TappsCodingAgents-sub003/state"
)

// Activity is the body of a step. The engine only invokes it and awaits the
// result; what it does internally is opaque.
type Activity interface {

	// Name returns the name of the Activity
	Name() string

	// Execute the Activity with the step's rendered parameters
	Execute(ctx Context, params map[string]any) (*StepResult, error)
}

// StepResult is what an activity hands back to the engine
type StepResult struct {
	// Output is recorded on the step and visible to gate conditions
	Output map[string]any `json:"output,omitempty"`

	// Score is an optional quality score for gate conditions
	Score *float64 `json:"score,omitempty"`

	// Artifacts produced by the step, with paths relative to the work dir
	Artifacts []ArtifactOutput `json:"artifacts,omitempty"`

	// Variables are merged into the run variables when the step succeeds
	Variables map[string]any `json:"variables,omitempty"`
}

// ArtifactOutput reports an artifact produced by a step
type ArtifactOutput struct {
	Name string             `json:"name"`
	Path string             `json:"path"`
	Kind state.ArtifactKind `json:"kind,omitempty"`
}

// Score returns a pointer to v, for building StepResults
func Score(v float64) *float64 {
	return &v
}

// ActivityFunc is the signature of a function usable as an activity
type ActivityFunc func(ctx Context, params map[string]any) (*StepResult, error)

// ActivityFunction wraps a function for use as an Activity.
type ActivityFunction struct {
	name string
	fn   ActivityFunc
}

// NewActivityFunction returns an Activity for the given function.
func NewActivityFunction(name string, fn ActivityFunc) Activity {
	return &ActivityFunction{name: name, fn: fn}
}

// Name of the Activity.
func (a *ActivityFunction) Name() string {
	return a.name
}

// Execute the Activity.
func (a *ActivityFunction) Execute(ctx Context, params map[string]any) (*StepResult, error) {
	return a.fn(ctx, params)
}

// TypedActivity is an activity with a typed parameter struct. Parameters are
// decoded with mapstructure, so fields use `mapstructure:"..."` tags.
type TypedActivity[TParams, TResult any] interface {
	Name() string
	Execute(ctx Context, params TParams) (TResult, error)
}

// NewTypedActivity adapts a TypedActivity to the Activity interface. The
// result becomes the step output unless it already is a StepResult.
func NewTypedActivity[TParams, TResult any](activity TypedActivity[TParams, TResult]) Activity {
	return &typedActivityAdapter[TParams, TResult]{activity: activity}
}

// TypedActivityFunction wraps a function for use as a typed activity.
func TypedActivityFunction[TParams, TResult any](name string, fn func(ctx Context, params TParams) (TResult, error)) Activity {
	return NewTypedActivity(&typedActivityFunction[TParams, TResult]{name: name, fn: fn})
}

type typedActivityFunction[TParams, TResult any] struct {
	name string
	fn   func(ctx Context, params TParams) (TResult, error)
}

func (t *typedActivityFunction[TParams, TResult]) Name() string {
	return t.name
}

func (t *typedActivityFunction[TParams, TResult]) Execute(ctx Context, params TParams) (TResult, error) {
	return t.fn(ctx, params)
}

type typedActivityAdapter[TParams, TResult any] struct {
	activity TypedActivity[TParams, TResult]
}

func (a *typedActivityAdapter[TParams, TResult]) Name() string {
	return a.activity.Name()
}

func (a *typedActivityAdapter[TParams, TResult]) Execute(ctx Context, params map[string]any) (*StepResult, error) {
	var typed TParams
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &typed,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(params); err != nil {
		return nil, fmt.Errorf("invalid parameters for %s: %w", a.activity.Name(), err)
	}
	result, err := a.activity.Execute(ctx, typed)
	if err != nil {
		return nil, err
	}
	return ToStepResult(result)
}

// ToStepResult converts an arbitrary activity result into a StepResult.
// Objects become the output map; other values are stored under "result".
func ToStepResult(v any) (*StepResult, error) {
	switch r := v.(type) {
	case nil:
		return &StepResult{}, nil
	case *StepResult:
		if r == nil {
			return &StepResult{}, nil
		}
		return r, nil
	case StepResult:
		return &r, nil
	case map[string]any:
		return &StepResult{Output: r}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to convert activity result: %w", err)
	}
	var output map[string]any
	if err := json.Unmarshal(data, &output); err == nil {
		return &StepResult{Output: output}, nil
	}
	var value any
	if err := json.Unmarshal(data, &value); err != nil {
		return nil, fmt.Errorf("failed to convert activity result: %w", err)
	}
	return &StepResult{Output: map[string]any{"result": value}}, nil
}
