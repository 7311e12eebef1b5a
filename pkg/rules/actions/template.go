package actions

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"impactlab/rulecore/pkg/rules"
)

// Parameters may embed {{ path }} placeholders. Paths resolve against the
// context data; context.type, context.id and context.correlation_id resolve
// against the context itself.
var (
	placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*(?:\.[A-Za-z0-9_]+)*)\s*\}\}`)
	wholeRe       = regexp.MustCompile(`^\s*\{\{\s*([A-Za-z_][A-Za-z0-9_]*(?:\.[A-Za-z0-9_]+)*)\s*\}\}\s*$`)
)

// resolveParams returns a copy of params with every placeholder replaced.
func resolveParams(params map[string]any, ectx *rules.ExecutionContext) (map[string]any, error) {
	out := make(map[string]any, len(params))
	for k, v := range params {
		r, err := resolveValue(v, ectx)
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %w", k, err)
		}
		out[k] = r
	}
	return out, nil
}

func resolveValue(v any, ectx *rules.ExecutionContext) (any, error) {
	switch t := v.(type) {
	case string:
		return resolveString(t, ectx)
	case map[string]any:
		return resolveParams(t, ectx)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			r, err := resolveValue(e, ectx)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

// resolveString substitutes placeholders. A string that is exactly one
// placeholder yields the referenced value with its type intact.
func resolveString(s string, ectx *rules.ExecutionContext) (any, error) {
	if !strings.Contains(s, "{{") {
		return s, nil
	}
	if m := wholeRe.FindStringSubmatch(s); m != nil {
		return lookupRef(m[1], ectx)
	}

	var firstErr error
	out := placeholderRe.ReplaceAllStringFunc(s, func(match string) string {
		path := placeholderRe.FindStringSubmatch(match)[1]
		v, err := lookupRef(path, ectx)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return match
		}
		return fmt.Sprint(v)
	})
	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

func lookupRef(path string, ectx *rules.ExecutionContext) (any, error) {
	switch path {
	case RefContextType:
		return ectx.Type, nil
	case RefContextID:
		return ectx.ID, nil
	case RefCorrelationID:
		return ectx.Metadata.CorrelationID, nil
	}
	path = strings.TrimPrefix(path, templateDataPrefix)
	v, ok := ectx.Get(path)
	if !ok {
		return nil, fmt.Errorf("template references undefined field %q", path)
	}
	return v, nil
}

// Context references a template can make besides data fields.
const (
	RefContextType   = "context.type"
	RefContextID     = "context.id"
	RefCorrelationID = "context.correlation_id"

	templateDataPrefix = "data."
)

// TemplateRefs lists the distinct placeholder paths found anywhere in params,
// including nested maps and lists, in order of first appearance.
func TemplateRefs(params map[string]any) []string {
	var refs []string
	seen := make(map[string]bool)
	var walk func(v any)
	walk = func(v any) {
		switch t := v.(type) {
		case string:
			for _, m := range placeholderRe.FindAllStringSubmatch(t, -1) {
				if !seen[m[1]] {
					seen[m[1]] = true
					refs = append(refs, m[1])
				}
			}
		case map[string]any:
			keys := make([]string, 0, len(t))
			for k := range t {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				walk(t[k])
			}
		case []any:
			for _, e := range t {
				walk(e)
			}
		}
	}
	walk(params)
	return refs
}

// RefField returns the top-level data field a placeholder path reads. It
// returns false for the context references.
func RefField(path string) (string, bool) {
	switch path {
	case RefContextType, RefContextID, RefCorrelationID:
		return "", false
	}
	path = strings.TrimPrefix(path, templateDataPrefix)
	field, _, _ := strings.Cut(path, ".")
	return field, true
}
