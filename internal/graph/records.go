package graph

import "time"

// Record value coercion. Bolt returns int64 and time.Time, the mock returns
// whatever a test put in, and JSON round-trips produce float64 and RFC3339
// strings. Callers read record fields through these instead of asserting.

func AsString(v any) string {
	s, _ := v.(string)
	return s
}

func AsInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

func AsFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}

func AsBool(v any) bool {
	b, _ := v.(bool)
	return b
}

// AsTime accepts driver time values and RFC3339 strings. The zero time marks
// an absent or unparseable value.
func AsTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return parsed
		}
	}
	return time.Time{}
}

// AsTimePtr is AsTime with nil for absent values.
func AsTimePtr(v any) *time.Time {
	t := AsTime(v)
	if t.IsZero() {
		return nil
	}
	return &t
}

func AsStringSlice(v any) []string {
	switch s := v.(type) {
	case []string:
		return s
	case []any:
		out := make([]string, 0, len(s))
		for _, item := range s {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}
