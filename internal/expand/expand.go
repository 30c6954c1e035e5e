// Package expand implements the Variable Expander: a pure, side-effect-free
// rewriter that substitutes ${name} references in every string scalar of a
// parsed YAML tree against a variables mapping.
package expand

import (
	"fmt"
	"strings"
)

// VariableNotDefinedError reports a ${name} reference with no matching
// entry in the variables mapping.
type VariableNotDefinedError struct {
	Name string
}

func (e *VariableNotDefinedError) Error() string {
	return fmt.Sprintf("variable not defined: %s", e.Name)
}

// Tree recursively rewrites every string scalar in tree, replacing
// ${name} references with the corresponding scalar from vars. Mappings and
// sequences are walked; all other values pass through unchanged. A single
// pass resolves every placeholder left-to-right — replacement text is never
// re-scanned, so a literal ${x} inside a variable's own value survives
// verbatim.
func Tree(tree any, vars map[string]any) (any, error) {
	switch value := tree.(type) {
	case string:
		return expandString(value, vars)
	case map[string]any:
		result := make(map[string]any, len(value))

		for k, v := range value {
			expanded, err := Tree(v, vars)
			if err != nil {
				return nil, err
			}

			result[k] = expanded
		}

		return result, nil
	case map[any]any:
		result := make(map[string]any, len(value))

		for k, v := range value {
			key, ok := k.(string)
			if !ok {
				key = fmt.Sprintf("%v", k)
			}

			expanded, err := Tree(v, vars)
			if err != nil {
				return nil, err
			}

			result[key] = expanded
		}

		return result, nil
	case []any:
		result := make([]any, len(value))

		for i, v := range value {
			expanded, err := Tree(v, vars)
			if err != nil {
				return nil, err
			}

			result[i] = expanded
		}

		return result, nil
	default:
		return value, nil
	}
}

// expandString resolves every ${name} occurrence in s in a single
// left-to-right pass.
func expandString(s string, vars map[string]any) (string, error) {
	var out strings.Builder

	remaining := s

	for {
		start := strings.Index(remaining, "${")
		if start == -1 {
			out.WriteString(remaining)

			break
		}

		end := strings.Index(remaining[start:], "}")
		if end == -1 {
			out.WriteString(remaining)

			break
		}

		end += start

		out.WriteString(remaining[:start])

		name := remaining[start+2 : end]

		value, ok := vars[name]
		if !ok {
			return "", &VariableNotDefinedError{Name: name}
		}

		out.WriteString(scalarToString(value))

		remaining = remaining[end+1:]
	}

	return out.String(), nil
}

// scalarToString renders a variable's value for substitution. Variables are
// documented as scalar/list/mapping; only scalars make sense inside a
// string placeholder, so non-scalars are rendered with fmt for
// predictability rather than rejected outright.
func scalarToString(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}
