package script

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"time"

	"github.com/risor-io/risor"
	"github.com/risor-io/risor/compiler"
	"github.com/risor-io/risor/modules/all"
	"github.com/risor-io/risor/object"
	"github.com/risor-io/risor/parser"
)

// RisorScript is a compiled risor program
type RisorScript struct {
	engine *RisorScriptingEngine
	code   *compiler.Code
}

// Evaluate runs the program. globals override the engine defaults by name.
// A script whose value is an error object fails with that error's message.
func (s *RisorScript) Evaluate(ctx context.Context, globals map[string]any) (Value, error) {
	bound := make(map[string]any, len(s.engine.globals)+len(globals))
	maps.Copy(bound, s.engine.globals)
	maps.Copy(bound, globals)
	value, err := risor.EvalCode(ctx, s.code, risor.WithGlobals(bound))
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate risor script: %w", err)
	}
	if errObj, ok := value.(*object.Error); ok {
		return nil, fmt.Errorf("script returned error: %s", errObj.Message().Value())
	}
	return &RisorValue{obj: value}, nil
}

// RisorScriptingEngine compiles risor code against a fixed set of global
// names. Values passed to Evaluate override the defaults by name.
type RisorScriptingEngine struct {
	globals map[string]any
	names   []string
}

func NewRisorScriptingEngine(globals map[string]any) *RisorScriptingEngine {
	names := slices.Sorted(maps.Keys(globals))
	return &RisorScriptingEngine{globals: globals, names: names}
}

func (e *RisorScriptingEngine) Compile(ctx context.Context, code string) (Script, error) {
	ast, err := parser.Parse(ctx, code)
	if err != nil {
		return nil, err
	}
	compiled, err := compiler.Compile(ast, compiler.WithGlobalNames(e.names))
	if err != nil {
		return nil, err
	}
	return &RisorScript{engine: e, code: compiled}, nil
}

type RisorValue struct {
	obj object.Object
}

func (value *RisorValue) Value() any {
	return ToGo(value.obj)
}

func (value *RisorValue) IsTruthy() bool {
	return Truthy(value.obj)
}

// String renders the value for substitution into a template. Scalars use
// their plain form; lists and maps render as JSON so that paths and scores
// stay machine readable.
func (value *RisorValue) String() string {
	switch v := value.obj.(type) {
	case *object.NilType:
		return ""
	case *object.String:
		return v.Value()
	case *object.Int:
		return strconv.FormatInt(v.Value(), 10)
	case *object.Float:
		return strconv.FormatFloat(v.Value(), 'g', -1, 64)
	case *object.Bool:
		return strconv.FormatBool(v.Value())
	case *object.Time:
		return v.Value().Format(time.RFC3339)
	case *object.List, *object.Map, *object.Set:
		data, err := json.Marshal(ToGo(v))
		if err != nil {
			return v.Inspect()
		}
		return string(data)
	default:
		return value.obj.Inspect()
	}
}

// Names bound when a gate condition or parameter template is evaluated. They
// are declared up front because risor resolves global names at compile time.
const (
	GlobalResult    = "result"
	GlobalScore     = "score"
	GlobalOutput    = "output"
	GlobalVariables = "variables"
	GlobalArtifacts = "artifacts"
	GlobalStep      = "step"
	GlobalRun       = "run"
)

// DefaultRisorGlobals returns the side-effect free risor builtins plus
// placeholders for the names the engine binds at evaluation time.
func DefaultRisorGlobals() map[string]any {
	globals := map[string]any{}
	for name, value := range all.Builtins() {
		if IsSafeBuiltin(name) {
			globals[name] = value
		}
	}
	for _, name := range []string{GlobalResult, GlobalOutput, GlobalVariables, GlobalArtifacts, GlobalRun} {
		globals[name] = object.NewMap(map[string]object.Object{})
	}
	globals[GlobalScore] = object.Nil
	globals[GlobalStep] = object.NewString("")
	return globals
}
