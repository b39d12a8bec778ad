// Package params holds the per-trial parameter set handed to a trainer.
package params

import (
	"maps"
	"slices"

	"github.com/signalnine/hporun/internal/config"
)

// Set maps a parameter name to its concrete value for one trial.
type Set map[string]any

// FromFixed builds a Set from the fixed parameters.
func FromFixed(fixed []config.FixedParam) Set {
	s := make(Set, len(fixed))
	for _, p := range fixed {
		s[p.Name] = p.Value
	}
	return s
}

func (s Set) Clone() Set {
	return maps.Clone(s)
}

// Merge overlays values onto s and returns s.
func (s Set) Merge(values map[string]any) Set {
	maps.Copy(s, values)
	return s
}

// Keys returns the parameter names in sorted order.
func (s Set) Keys() []string {
	return slices.Sorted(maps.Keys(s))
}

// Int reads an integral value. Whole floats are accepted.
func (s Set) Int(name string) (int, bool) {
	switch v := s[name].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		if v == float64(int(v)) {
			return int(v), true
		}
	}
	return 0, false
}

// Float reads any numeric value as float64.
func (s Set) Float(name string) (float64, bool) {
	return AsFloat(s[name])
}

// AsFloat converts a numeric value to float64.
func AsFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	}
	return 0, false
}
