package script

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

var templateExpr = regexp.MustCompile(`\$\{([^}]+)\}`)

// Template is a string with embedded ${...} expressions
type Template struct {
	raw   string
	parts []templatePart
}

type templatePart struct {
	text string
	code Script
}

// NewTemplate compiles each ${...} expression in raw
func NewTemplate(engine Compiler, raw string) (*Template, error) {
	t := &Template{raw: raw}

	openCount := strings.Count(raw, "${")
	if openCount == 0 {
		return t, nil
	}
	matches := templateExpr.FindAllStringSubmatchIndex(raw, -1)
	if len(matches) < openCount {
		return nil, fmt.Errorf("unclosed template expression in string: %q", raw)
	}

	var lastEnd int
	for _, match := range matches {
		if match[0] > lastEnd {
			t.parts = append(t.parts, templatePart{text: raw[lastEnd:match[0]]})
		}
		expr := raw[match[2]:match[3]]
		code, err := engine.Compile(context.Background(), expr)
		if err != nil {
			return nil, fmt.Errorf("failed to compile template expression %q: %w", expr, err)
		}
		t.parts = append(t.parts, templatePart{code: code})
		lastEnd = match[1]
	}
	if lastEnd < len(raw) {
		t.parts = append(t.parts, templatePart{text: raw[lastEnd:]})
	}
	return t, nil
}

// IsStatic reports whether the template contains no expressions
func (t *Template) IsStatic() bool {
	return len(t.parts) == 0
}

// Eval renders the template
func (t *Template) Eval(ctx context.Context, globals map[string]any) (string, error) {
	if t.IsStatic() {
		return t.raw, nil
	}
	var sb strings.Builder
	for _, part := range t.parts {
		if part.code == nil {
			sb.WriteString(part.text)
			continue
		}
		result, err := part.code.Evaluate(ctx, globals)
		if err != nil {
			return "", fmt.Errorf("failed to evaluate template expression: %w", err)
		}
		sb.WriteString(result.String())
	}
	return sb.String(), nil
}

// EvalValue evaluates a template that consists of a single expression and
// returns its Go value, so "${variables.count}" stays an int. Any other
// template renders to a string.
func (t *Template) EvalValue(ctx context.Context, globals map[string]any) (any, error) {
	if len(t.parts) == 1 && t.parts[0].code != nil {
		result, err := t.parts[0].code.Evaluate(ctx, globals)
		if err != nil {
			return nil, fmt.Errorf("failed to evaluate template expression: %w", err)
		}
		return result.Value(), nil
	}
	return t.Eval(ctx, globals)
}

// RenderParameters returns a copy of params with every string value rendered
// as a template. Nested maps and lists are rendered recursively.
func RenderParameters(ctx context.Context, engine Compiler, params map[string]any, globals map[string]any) (map[string]any, error) {
	if params == nil {
		return nil, nil
	}
	rendered := make(map[string]any, len(params))
	for key, value := range params {
		v, err := renderValue(ctx, engine, value, globals)
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %w", key, err)
		}
		rendered[key] = v
	}
	return rendered, nil
}

func renderValue(ctx context.Context, engine Compiler, value any, globals map[string]any) (any, error) {
	switch v := value.(type) {
	case string:
		t, err := NewTemplate(engine, v)
		if err != nil {
			return nil, err
		}
		return t.EvalValue(ctx, globals)
	case map[string]any:
		return RenderParameters(ctx, engine, v, globals)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			r, err := renderValue(ctx, engine, item, globals)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return value, nil
	}
}
