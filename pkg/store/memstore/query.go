package memstore

import (
	"fmt"
	"sort"
	"strings"
)

// matchesQuery evaluates the supported query-DSL subset: match_all, term,
// terms, exists, range, match, multi_match, and bool combinators.
// A nil query matches everything; an ids clause matches nothing.
func matchesQuery(source map[string]any, query map[string]any) bool {
	if len(query) == 0 {
		return true
	}
	for kind, raw := range query {
		body, _ := raw.(map[string]any)
		switch kind {
		case "match_all":
			return true
		case "bool":
			if !matchesBool(source, body) {
				return false
			}
		case "term":
			if !matchesTerm(source, body) {
				return false
			}
		case "terms":
			if !matchesTerms(source, body) {
				return false
			}
		case "exists":
			field, _ := body["field"].(string)
			if lookupField(source, field) == nil {
				return false
			}
		case "ids":
			// Evaluated at the caller level in real stores; unsupported here.
			return false
		case "range":
			if !matchesRange(source, body) {
				return false
			}
		case "match":
			if !matchesMatch(source, body) {
				return false
			}
		case "multi_match":
			if !matchesMultiMatch(source, body) {
				return false
			}
		default:
			// Unknown clause: treat as non-matching rather than silently
			// matching everything.
			return false
		}
	}
	return true
}

func matchesBool(source map[string]any, body map[string]any) bool {
	for _, key := range []string{"must", "filter"} {
		for _, clause := range clauseList(body[key]) {
			if !matchesQuery(source, clause) {
				return false
			}
		}
	}
	for _, clause := range clauseList(body["must_not"]) {
		if matchesQuery(source, clause) {
			return false
		}
	}
	if should := clauseList(body["should"]); len(should) > 0 {
		anyMatch := false
		for _, clause := range should {
			if matchesQuery(source, clause) {
				anyMatch = true
				break
			}
		}
		if !anyMatch {
			return false
		}
	}
	return true
}

func clauseList(raw any) []map[string]any {
	switch v := raw.(type) {
	case nil:
		return nil
	case []any:
		var out []map[string]any
		for _, item := range v {
			if m, ok := item.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	case []map[string]any:
		return v
	case map[string]any:
		return []map[string]any{v}
	}
	return nil
}

func matchesTerm(source map[string]any, body map[string]any) bool {
	for field, raw := range body {
		want := raw
		if m, ok := raw.(map[string]any); ok {
			want = m["value"]
		}
		if !valueEquals(lookupField(source, field), want) {
			return false
		}
	}
	return true
}

func matchesTerms(source map[string]any, body map[string]any) bool {
	for field, raw := range body {
		values, ok := raw.([]any)
		if !ok {
			return false
		}
		got := lookupField(source, field)
		found := false
		for _, want := range values {
			if valueEquals(got, want) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func matchesRange(source map[string]any, body map[string]any) bool {
	for field, raw := range body {
		bounds, ok := raw.(map[string]any)
		if !ok {
			return false
		}
		got := lookupField(source, field)
		for op, bound := range bounds {
			cmp, comparable := compareValues(got, bound)
			if !comparable {
				return false
			}
			switch op {
			case "gte":
				if cmp < 0 {
					return false
				}
			case "gt":
				if cmp <= 0 {
					return false
				}
			case "lte":
				if cmp > 0 {
					return false
				}
			case "lt":
				if cmp >= 0 {
					return false
				}
			}
		}
	}
	return true
}

func matchesMatch(source map[string]any, body map[string]any) bool {
	for field, raw := range body {
		text, _ := raw.(string)
		if m, ok := raw.(map[string]any); ok {
			text, _ = m["query"].(string)
		}
		got, _ := lookupField(source, field).(string)
		if !containsFold(got, text) {
			return false
		}
	}
	return true
}

// matchesMultiMatch approximates analyzed matching: any query token found in
// any of the listed fields is a hit.
func matchesMultiMatch(source map[string]any, body map[string]any) bool {
	text, _ := body["query"].(string)
	tokens := strings.Fields(strings.ToLower(text))
	fields := clauseStrings(body["fields"])
	for _, field := range fields {
		// Strip boost suffixes ("name^2").
		if idx := strings.Index(field, "^"); idx > 0 {
			field = field[:idx]
		}
		got, ok := lookupField(source, field).(string)
		if !ok {
			continue
		}
		haystack := strings.ToLower(got)
		for _, token := range tokens {
			if strings.Contains(haystack, token) {
				return true
			}
		}
	}
	return false
}

func clauseStrings(raw any) []string {
	switch v := raw.(type) {
	case []any:
		var out []string
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return v
	}
	return nil
}

// lookupField resolves a dotted field path against a nested document.
func lookupField(source map[string]any, path string) any {
	if path == "" {
		return nil
	}
	var current any = source
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current, ok = m[part]
		if !ok {
			return nil
		}
	}
	return current
}

func valueEquals(got, want any) bool {
	if got == nil || want == nil {
		return got == want
	}
	if gf, gok := toFloat(got); gok {
		if wf, wok := toFloat(want); wok {
			return gf == wf
		}
	}
	return fmt.Sprintf("%v", got) == fmt.Sprintf("%v", want)
}

// compareValues compares numbers numerically and strings lexically
// (ISO-8601 timestamps compare correctly as strings).
func compareValues(got, want any) (int, bool) {
	if gf, gok := toFloat(got); gok {
		if wf, wok := toFloat(want); wok {
			switch {
			case gf < wf:
				return -1, true
			case gf > wf:
				return 1, true
			}
			return 0, true
		}
	}
	gs, gok := got.(string)
	ws, wok := want.(string)
	if gok && wok {
		return strings.Compare(gs, ws), true
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
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

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

// sortHits orders hits by the requested sort fields. Each sort entry is
// {"field": {"order": "asc"|"desc"}} or {"field": "asc"}.
func sortHits[T any](hits []T, sorts []map[string]any, sourceOf func(T) map[string]any) {
	type key struct {
		field string
		desc  bool
	}
	var keys []key
	for _, s := range sorts {
		for field, raw := range s {
			order := "asc"
			switch v := raw.(type) {
			case string:
				order = v
			case map[string]any:
				if o, ok := v["order"].(string); ok {
					order = o
				}
			}
			keys = append(keys, key{field: field, desc: order == "desc"})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool {
		for _, k := range keys {
			cmp, ok := compareValues(lookupField(sourceOf(hits[i]), k.field), lookupField(sourceOf(hits[j]), k.field))
			if !ok || cmp == 0 {
				continue
			}
			if k.desc {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
}
