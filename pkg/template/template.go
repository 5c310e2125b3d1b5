// Package template resolves {{stepID.field}} references in step input
// templates against the accumulated run context.
package template

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// TriggerKey is the reserved context entry holding the triggering payload.
const TriggerKey = "trigger"

var refPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_-]+)\.([a-zA-Z0-9_.-]+)\s*\}\}`)

// ErrUnresolved indicates a reference names a step output or field that is
// not present in the run context.
var ErrUnresolved = errors.New("unresolved template reference")

// Ref is one parsed {{stepID.field}} reference.
type Ref struct {
	StepID string
	Field  string
}

// References extracts all step references from a template string.
func References(input string) []Ref {
	matches := refPattern.FindAllStringSubmatch(input, -1)
	if len(matches) == 0 {
		return nil
	}

	refs := make([]Ref, 0, len(matches))
	for _, m := range matches {
		refs = append(refs, Ref{StepID: m[1], Field: m[2]})
	}

	return refs
}

// CollectReferences walks an input template and extracts every step
// reference, including those nested in maps and slices.
func CollectReferences(input map[string]any) []Ref {
	var refs []Ref

	var walk func(value any)
	walk = func(value any) {
		switch v := value.(type) {
		case string:
			refs = append(refs, References(v)...)
		case map[string]any:
			for _, nested := range v {
				walk(nested)
			}
		case []any:
			for _, nested := range v {
				walk(nested)
			}
		}
	}

	walk(input)

	return refs
}

// Resolve substitutes every reference in the input template with the value it
// names in the run context. A string that is exactly one reference resolves
// to the referenced value itself, preserving its type; strings with embedded
// references interpolate the values as text.
func Resolve(input map[string]any, runContext map[string]any) (map[string]any, error) {
	if input == nil {
		return map[string]any{}, nil
	}

	resolved := make(map[string]any, len(input))

	for key, value := range input {
		out, err := resolveValue(value, runContext)
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %w", key, err)
		}

		resolved[key] = out
	}

	return resolved, nil
}

func resolveValue(value any, runContext map[string]any) (any, error) {
	switch v := value.(type) {
	case string:
		return resolveString(v, runContext)
	case map[string]any:
		return Resolve(v, runContext)
	case []any:
		out := make([]any, len(v))

		for i, item := range v {
			resolved, err := resolveValue(item, runContext)
			if err != nil {
				return nil, err
			}

			out[i] = resolved
		}

		return out, nil
	default:
		return value, nil
	}
}

func resolveString(input string, runContext map[string]any) (any, error) {
	// A string that is exactly one reference keeps the referenced type.
	if m := refPattern.FindStringSubmatch(input); m != nil && m[0] == strings.TrimSpace(input) {
		return lookup(runContext, m[1], m[2])
	}

	var resolveErr error

	out := refPattern.ReplaceAllStringFunc(input, func(match string) string {
		m := refPattern.FindStringSubmatch(match)

		value, err := lookup(runContext, m[1], m[2])
		if err != nil {
			resolveErr = err

			return match
		}

		return fmt.Sprintf("%v", value)
	})

	if resolveErr != nil {
		return nil, resolveErr
	}

	return out, nil
}

// lookup walks a dotted field path inside one step's recorded output.
func lookup(runContext map[string]any, stepID, fieldPath string) (any, error) {
	output, ok := runContext[stepID]
	if !ok {
		return nil, fmt.Errorf("%w: no output recorded for step %q", ErrUnresolved, stepID)
	}

	current := output
	for _, part := range strings.Split(fieldPath, ".") {
		asMap, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: %s.%s is not addressable", ErrUnresolved, stepID, fieldPath)
		}

		current, ok = asMap[part]
		if !ok {
			return nil, fmt.Errorf("%w: field %q not found in output of step %q", ErrUnresolved, fieldPath, stepID)
		}
	}

	return current, nil
}
