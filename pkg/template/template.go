// Package template renders step inputs and evaluates `when` conditions
// against the execution context. Expressions use expr-lang syntax inside
// {{ ... }} markers; a string that is exactly one expression keeps the
// expression's type, otherwise results are interpolated as text.
package template

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/expr-lang/expr"
)

var exprMarker = regexp.MustCompile(`\{\{(.*?)\}\}`)

// Context is the environment visible to expressions: workload fields,
// prior step results, transient vars, loop bindings.
type Context map[string]any

// EvalBool evaluates a condition expression (no markers) to a boolean.
func EvalBool(cond string, env Context) (bool, error) {
	program, err := expr.Compile(cond, expr.Env(map[string]any(env)), expr.AsBool(), expr.AllowUndefinedVariables())
	if err != nil {
		return false, fmt.Errorf("failed to compile condition %q: %w", cond, err)
	}
	out, err := expr.Run(program, map[string]any(env))
	if err != nil {
		return false, fmt.Errorf("failed to evaluate condition %q: %w", cond, err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("condition %q did not produce a boolean", cond)
	}
	return b, nil
}

// Eval evaluates a bare expression (no markers) and returns its value.
func Eval(code string, env Context) (any, error) {
	program, err := expr.Compile(code, expr.Env(map[string]any(env)), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("failed to compile expression %q: %w", code, err)
	}
	out, err := expr.Run(program, map[string]any(env))
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate expression %q: %w", code, err)
	}
	return out, nil
}

// Render walks a value and substitutes every {{ expr }} occurrence.
// Maps and slices are rendered recursively; non-string leaves pass through.
func Render(value any, env Context) (any, error) {
	switch v := value.(type) {
	case string:
		return RenderString(v, env)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, elem := range v {
			rendered, err := Render(elem, env)
			if err != nil {
				return nil, err
			}
			out[k] = rendered
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, elem := range v {
			rendered, err := Render(elem, env)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil
	default:
		return value, nil
	}
}

// RenderString substitutes {{ expr }} markers in s. A string consisting of a
// single marker returns the expression value with its type preserved.
func RenderString(s string, env Context) (any, error) {
	matches := exprMarker.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}

	// Whole-string expression: keep the value's type.
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		return Eval(strings.TrimSpace(s[matches[0][2]:matches[0][3]]), env)
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(s[last:m[0]])
		out, err := Eval(strings.TrimSpace(s[m[2]:m[3]]), env)
		if err != nil {
			return nil, err
		}
		b.WriteString(fmt.Sprint(out))
		last = m[1]
	}
	b.WriteString(s[last:])
	return b.String(), nil
}

// RenderInputs renders a full input map, preserving key order semantics of
// Render for each value.
func RenderInputs(inputs map[string]any, env Context) (map[string]any, error) {
	if inputs == nil {
		return nil, nil
	}
	out, err := Render(inputs, env)
	if err != nil {
		return nil, err
	}
	m, ok := out.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("rendered inputs are not a map")
	}
	return m, nil
}
