package workflow

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var placeholderPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// lookupPath walks a dotted path through nested maps. Only string-keyed
// maps traverse; anything else ends the walk.
func lookupPath(scope map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = scope
	for _, part := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// substituteString resolves ${a.b.c} placeholders against scope. A string
// that is exactly one placeholder yields the looked-up value with its
// native type; placeholders embedded in longer text stringify. Unresolved
// placeholders stay as written.
func substituteString(s string, scope map[string]any) any {
	if m := placeholderPattern.FindStringSubmatch(s); m != nil && m[0] == s {
		if v, ok := lookupPath(scope, m[1]); ok {
			return v
		}
		return s
	}
	return placeholderPattern.ReplaceAllStringFunc(s, func(ph string) string {
		path := ph[2 : len(ph)-1]
		v, ok := lookupPath(scope, path)
		if !ok {
			return ph
		}
		return stringify(v)
	})
}

// substituteValue applies substituteString recursively through maps and
// slices, leaving non-string leaves untouched.
func substituteValue(v any, scope map[string]any) any {
	switch x := v.(type) {
	case string:
		return substituteString(x, scope)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			out[k] = substituteValue(item, scope)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = substituteValue(item, scope)
		}
		return out
	default:
		return v
	}
}

// substituteExpr prepares an expression for evaluation: each resolved
// placeholder splices in as a JSON literal so strings stay quoted and
// numbers stay bare. Unresolved placeholders stay as written, which the
// evaluator rejects.
func substituteExpr(expr string, scope map[string]any) string {
	return placeholderPattern.ReplaceAllStringFunc(expr, func(ph string) string {
		path := ph[2 : len(ph)-1]
		v, ok := lookupPath(scope, path)
		if !ok {
			return ph
		}
		b, err := json.Marshal(v)
		if err != nil {
			return ph
		}
		return string(b)
	})
}

func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return x
	case float64:
		return trimFloat(x)
	case bool:
		if x {
			return "true"
		}
		return "false"
	case map[string]any, []any:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprintf("%v", x)
		}
		return string(b)
	default:
		return fmt.Sprintf("%v", x)
	}
}

func trimFloat(f float64) string {
	if f == float64(int64(f)) {
		return fmt.Sprintf("%d", int64(f))
	}
	return fmt.Sprintf("%g", f)
}
