package document

import (
	"fmt"
	"slices"
	"strings"
)

// Filter restricts a subscription to documents whose Field equals Value.
type Filter struct {
	Field string `json:"field" yaml:"field"`
	Value any    `json:"value" yaml:"value"`
}

// Filters is a conjunction of equality filters. Order is not significant.
type Filters []Filter

// Eq is a shorthand Filter constructor.
func Eq(field string, value any) Filter {
	return Filter{Field: field, Value: value}
}

// Matches reports whether fields satisfy every filter.
func (fs Filters) Matches(fields Fields) bool {
	for _, f := range fs {
		v, ok := fields[f.Field]
		if !ok {
			return false
		}
		if !Equal(v, f.Value) {
			return false
		}
	}
	return true
}

// Key returns a stable identity for (collection, filters).
//
// Two filter sets that differ only in order produce the same key.
func Key(collection string, fs Filters) (string, error) {
	parts := make([]string, 0, len(fs))
	for _, f := range fs {
		b, err := MarshalCanonical(map[string]any{"field": f.Field, "value": f.Value})
		if err != nil {
			return "", fmt.Errorf("filter %q: %w", f.Field, err)
		}
		parts = append(parts, string(b))
	}
	slices.Sort(parts)
	parts = slices.Compact(parts)
	return collection + "?" + "[" + strings.Join(parts, ",") + "]", nil
}
