package contract

import (
	"fmt"
	"strings"
)

// ValidationError lists every shape violation found in one pass.
type ValidationError struct {
	Contract string
	Errors   []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s validation failed: %s", e.Contract, strings.Join(e.Errors, "; "))
}

// validator accumulates field errors for one contract check.
type validator struct {
	contract string
	errors   []string
}

func newValidator(contract string) *validator {
	return &validator{contract: contract}
}

func (v *validator) addf(format string, args ...any) {
	v.errors = append(v.errors, fmt.Sprintf(format, args...))
}

func (v *validator) err() error {
	if len(v.errors) == 0 {
		return nil
	}
	return &ValidationError{Contract: v.contract, Errors: v.errors}
}

func (v *validator) requireString(m map[string]any, field string) string {
	raw, ok := m[field]
	if !ok || raw == nil {
		v.addf("%s: required field is missing", field)
		return ""
	}
	s, ok := raw.(string)
	if !ok {
		v.addf("%s: must be a string, got %T", field, raw)
		return ""
	}
	if s == "" {
		v.addf("%s: must be non-empty", field)
	}
	return s
}

func (v *validator) optionalString(m map[string]any, field string) string {
	raw, ok := m[field]
	if !ok || raw == nil {
		return ""
	}
	s, ok := raw.(string)
	if !ok {
		v.addf("%s: must be a string, got %T", field, raw)
		return ""
	}
	return s
}

func (v *validator) requireNumber(m map[string]any, field string) float64 {
	raw, ok := m[field]
	if !ok || raw == nil {
		v.addf("%s: required field is missing", field)
		return 0
	}
	f, ok := asNumber(raw)
	if !ok {
		v.addf("%s: must be a number, got %T", field, raw)
		return 0
	}
	return f
}

func (v *validator) requireBool(m map[string]any, field string) bool {
	raw, ok := m[field]
	if !ok || raw == nil {
		v.addf("%s: required field is missing", field)
		return false
	}
	b, ok := raw.(bool)
	if !ok {
		v.addf("%s: must be a boolean, got %T", field, raw)
		return false
	}
	return b
}

func (v *validator) requireMap(m map[string]any, field string) map[string]any {
	raw, ok := m[field]
	if !ok || raw == nil {
		v.addf("%s: required field is missing", field)
		return nil
	}
	mm, ok := raw.(map[string]any)
	if !ok {
		v.addf("%s: must be a mapping, got %T", field, raw)
		return nil
	}
	return mm
}

func (v *validator) optionalMap(m map[string]any, field string) map[string]any {
	raw, ok := m[field]
	if !ok || raw == nil {
		return nil
	}
	mm, ok := raw.(map[string]any)
	if !ok {
		v.addf("%s: must be a mapping, got %T", field, raw)
		return nil
	}
	return mm
}

// requireList returns the field as a slice of maps, validating that every
// element is a mapping.
func (v *validator) requireList(m map[string]any, field string) []map[string]any {
	raw, ok := m[field]
	if !ok || raw == nil {
		v.addf("%s: required field is missing", field)
		return nil
	}
	return v.elementMaps(field, raw)
}

func (v *validator) optionalList(m map[string]any, field string) []map[string]any {
	raw, ok := m[field]
	if !ok || raw == nil {
		return nil
	}
	return v.elementMaps(field, raw)
}

func (v *validator) elementMaps(field string, raw any) []map[string]any {
	items, ok := raw.([]any)
	if !ok {
		if typed, isTyped := raw.([]map[string]any); isTyped {
			return typed
		}
		v.addf("%s: must be an array, got %T", field, raw)
		return nil
	}
	out := make([]map[string]any, 0, len(items))
	for i, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			v.addf("%s[%d]: must be a mapping, got %T", field, i, item)
			continue
		}
		out = append(out, m)
	}
	return out
}

// requireStringList validates the field is an array of strings.
func (v *validator) requireStringList(m map[string]any, field string) []string {
	raw, ok := m[field]
	if !ok || raw == nil {
		v.addf("%s: required field is missing", field)
		return nil
	}
	return v.elementStrings(field, raw)
}

func (v *validator) optionalStringList(m map[string]any, field string) []string {
	raw, ok := m[field]
	if !ok || raw == nil {
		return nil
	}
	return v.elementStrings(field, raw)
}

func (v *validator) elementStrings(field string, raw any) []string {
	if typed, ok := raw.([]string); ok {
		return typed
	}
	items, ok := raw.([]any)
	if !ok {
		v.addf("%s: must be an array, got %T", field, raw)
		return nil
	}
	out := make([]string, 0, len(items))
	for i, item := range items {
		s, ok := item.(string)
		if !ok {
			v.addf("%s[%d]: must be a string, got %T", field, i, item)
			continue
		}
		out = append(out, s)
	}
	return out
}

func (v *validator) requireEnum(m map[string]any, field string, allowed ...string) string {
	s := v.requireString(m, field)
	if s == "" {
		return s
	}
	for _, a := range allowed {
		if s == a {
			return s
		}
	}
	v.addf("%s: %q is not one of %v", field, s, allowed)
	return s
}

func (v *validator) rangeUnit(field string, f float64) {
	if f < 0 || f > 1 {
		v.addf("%s: must be within [0, 1], got %v", field, f)
	}
}

func asNumber(raw any) (float64, bool) {
	switch n := raw.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
