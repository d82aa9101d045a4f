package rules

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/rendis/flowpilot/internal/variables"
)

// Interpolate replaces every ${path} in s with the formatted variable value.
// Placeholders that resolve to nil are left untouched.
func Interpolate(s string, vars variables.Resolver) string {
	if !strings.Contains(s, "${") || vars == nil {
		return s
	}
	var b strings.Builder
	rest := s
	for {
		start := strings.Index(rest, "${")
		if start < 0 {
			b.WriteString(rest)
			break
		}
		end := strings.IndexByte(rest[start+2:], '}')
		if end < 0 {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:start])
		token := rest[start : start+2+end+1]
		path := strings.TrimSpace(rest[start+2 : start+2+end])
		if v := vars.Lookup(path); v != nil {
			b.WriteString(FormatValue(v))
		} else {
			b.WriteString(token)
		}
		rest = rest[start+2+end+1:]
	}
	return b.String()
}

// InterpolateValue walks maps and slices interpolating every string. A string
// that is exactly one placeholder yields the raw, typed variable value.
func InterpolateValue(v any, vars variables.Resolver) any {
	switch val := v.(type) {
	case string:
		if path, ok := soloPlaceholder(val); ok && vars != nil {
			if resolved := vars.Lookup(path); resolved != nil {
				return resolved
			}
			return nil
		}
		return Interpolate(val, vars)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = InterpolateValue(item, vars)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = InterpolateValue(item, vars)
		}
		return out
	case []string:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = InterpolateValue(item, vars)
		}
		return out
	default:
		return v
	}
}

// HasPlaceholder reports whether s contains a ${...} reference.
func HasPlaceholder(s string) bool {
	i := strings.Index(s, "${")
	return i >= 0 && strings.IndexByte(s[i:], '}') > 0
}

func soloPlaceholder(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "${") || !strings.HasSuffix(s, "}") {
		return "", false
	}
	inner := s[2 : len(s)-1]
	if strings.ContainsAny(inner, "{}") {
		return "", false
	}
	return strings.TrimSpace(inner), true
}

// FormatValue renders a value for inline use in strings. Scalars print
// naturally; maps and slices are JSON-encoded.
func FormatValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return "null"
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", val)
	case json.Number:
		return val.String()
	case fmt.Stringer:
		return val.String()
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(b)
	}
}
