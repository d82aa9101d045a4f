package steps

import (
	"encoding/json"
	"fmt"
	"time"
)

func stringParam(m map[string]any, key, defaultVal string) string {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	s, ok := v.(string)
	if !ok {
		return defaultVal
	}
	return s
}

func boolParam(m map[string]any, key string, defaultVal bool) bool {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	b, ok := v.(bool)
	if !ok {
		return defaultVal
	}
	return b
}

func intParam(m map[string]any, key string, defaultVal int) int {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return defaultVal
		}
		return int(i)
	default:
		return defaultVal
	}
}

// durationParam accepts Go duration strings ("30s", "1h30m") and plain
// numbers of milliseconds.
func durationParam(m map[string]any, key string, defaultVal time.Duration) time.Duration {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	switch d := v.(type) {
	case string:
		if parsed, err := time.ParseDuration(d); err == nil && parsed > 0 {
			return parsed
		}
		if parsed, ok := ParseWaitDuration(d); ok {
			return parsed
		}
	case int, int64, float64:
		if ms := intParam(m, key, 0); ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultVal
}

// stringList accepts a single string or a list of scalars.
func stringList(v any) []string {
	switch l := v.(type) {
	case nil:
		return nil
	case string:
		if l == "" {
			return nil
		}
		return []string{l}
	case []string:
		return append([]string(nil), l...)
	case []any:
		out := make([]string, 0, len(l))
		for _, item := range l {
			if s, ok := item.(string); ok {
				out = append(out, s)
			} else if item != nil {
				out = append(out, fmt.Sprint(item))
			}
		}
		return out
	default:
		return []string{fmt.Sprint(l)}
	}
}

func mapParam(m map[string]any, key string) map[string]any {
	if v, ok := m[key].(map[string]any); ok {
		return v
	}
	return nil
}
