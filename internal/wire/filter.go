package wire

import (
	"fmt"
	"strings"
)

// Filter is a parsed row filter in the "column=eq.value" grammar. The zero
// value matches every row.
type Filter struct {
	Column string
	Value  string
}

// ParseFilter parses "column=eq.value". An empty input yields the match-all
// filter.
func ParseFilter(raw string) (Filter, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Filter{}, nil
	}
	column, rest, ok := strings.Cut(raw, "=")
	if !ok {
		return Filter{}, fmt.Errorf("invalid filter %q: missing operator", raw)
	}
	value, ok := strings.CutPrefix(rest, "eq.")
	if !ok {
		return Filter{}, fmt.Errorf("invalid filter %q: only eq is supported", raw)
	}
	column = strings.TrimSpace(column)
	if column == "" {
		return Filter{}, fmt.Errorf("invalid filter %q: empty column", raw)
	}
	return Filter{Column: column, Value: value}, nil
}

// IsZero reports whether the filter matches every row.
func (f Filter) IsZero() bool {
	return f.Column == ""
}

// Matches reports whether row satisfies the filter. Values are compared by
// their canonical string form so numeric JSON values match their textual
// filter representation.
func (f Filter) Matches(row map[string]any) bool {
	if f.IsZero() {
		return true
	}
	if row == nil {
		return false
	}
	value, ok := row[f.Column]
	if !ok {
		return false
	}
	return canonical(value) == f.Value
}

func canonical(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		// JSON numbers decode as float64; render integers without a fraction.
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%g", v)
	case bool:
		if v {
			return "true"
		}
		return "false"
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}
