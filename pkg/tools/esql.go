package tools

import (
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/arome3/vigil/pkg/store"
)

// coerceParams validates provided parameters against the declared schema and
// returns coerced values. Missing optional params take declared defaults;
// missing required params are an error. Keyword params accept strings or
// string arrays; arrays are expanded by expandArrayParams before execution.
func coerceParams(def *Definition, provided map[string]any) (map[string]any, error) {
	specs := map[string]ParamSpec{}
	if def.Configuration != nil {
		specs = def.Configuration.Params
	}

	out := make(map[string]any, len(specs))
	for name, spec := range specs {
		raw, present := provided[name]
		if !present || raw == nil {
			if spec.Default != nil {
				out[name] = spec.Default
				continue
			}
			if spec.Required {
				return nil, fmt.Errorf("tool %s: required param %q is missing", def.ID, name)
			}
			continue
		}
		coerced, err := coerceParam(spec.Type, raw)
		if err != nil {
			return nil, fmt.Errorf("tool %s: param %q: %w", def.ID, name, err)
		}
		out[name] = coerced
	}
	return out, nil
}

func coerceParam(paramType string, raw any) (any, error) {
	switch paramType {
	case ParamKeyword:
		switch v := raw.(type) {
		case string:
			return v, nil
		case []string:
			return v, nil
		case []any:
			out := make([]string, 0, len(v))
			for _, item := range v {
				s, ok := item.(string)
				if !ok {
					return nil, fmt.Errorf("keyword array element must be a string, got %T", item)
				}
				out = append(out, s)
			}
			return out, nil
		}
		return nil, fmt.Errorf("keyword param must be a string or string array, got %T", raw)

	case ParamInteger:
		switch v := raw.(type) {
		case int:
			return int64(v), nil
		case int64:
			return v, nil
		case float64:
			if v != float64(int64(v)) {
				return nil, fmt.Errorf("integer param must be integer-valued, got %v", v)
			}
			return int64(v), nil
		}
		return nil, fmt.Errorf("integer param must be a number, got %T", raw)

	case ParamDouble:
		switch v := raw.(type) {
		case float64:
			return v, nil
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		}
		return nil, fmt.Errorf("double param must be a number, got %T", raw)

	case ParamIP:
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("ip param must be a string, got %T", raw)
		}
		if net.ParseIP(s) == nil {
			return nil, fmt.Errorf("ip param %q is not a valid address", s)
		}
		return s, nil

	case ParamDate:
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("date param must be an ISO-8601 string, got %T", raw)
		}
		if _, err := time.Parse(time.RFC3339, s); err != nil {
			if _, err2 := time.Parse("2006-01-02", s); err2 != nil {
				return nil, fmt.Errorf("date param %q is not ISO-8601", s)
			}
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown param type %q", paramType)
}

var placeholderPattern = regexp.MustCompile(`\?([A-Za-z_][A-Za-z0-9_]*)`)

// expandArrayParams rewrites array-valued placeholders. The underlying query
// engine does not accept array-valued parameters in IN clauses, so a `?name`
// whose value is an array becomes `?name_0, ?name_1, ...` with one parameter
// per element. Scalar parameters pass through untouched.
func expandArrayParams(query string, params map[string]any) (string, []store.ESQLParam) {
	var out []store.ESQLParam
	used := make(map[string]bool)

	expanded := placeholderPattern.ReplaceAllStringFunc(query, func(match string) string {
		name := strings.TrimPrefix(match, "?")
		value, ok := params[name]
		if !ok {
			return match
		}
		arr, isArray := asStringSlice(value)
		if !isArray {
			if !used[name] {
				out = append(out, store.ESQLParam{Name: name, Value: value})
				used[name] = true
			}
			return match
		}
		names := make([]string, 0, len(arr))
		for i, item := range arr {
			elem := fmt.Sprintf("%s_%d", name, i)
			names = append(names, "?"+elem)
			if !used[elem] {
				out = append(out, store.ESQLParam{Name: elem, Value: item})
				used[elem] = true
			}
		}
		return strings.Join(names, ", ")
	})

	return expanded, out
}

func asStringSlice(v any) ([]string, bool) {
	switch arr := v.(type) {
	case []string:
		return arr, true
	case []any:
		out := make([]string, 0, len(arr))
		for _, item := range arr {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}
