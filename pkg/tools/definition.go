// Package tools loads JSON tool definitions at startup and executes them:
// parameterized ES|QL queries and keyword/hybrid/knn searches. Parameter
// values always travel separately from query text — the registry never
// concatenates a value into a query string.
package tools

import (
	"fmt"
	"strings"
)

// Retrieval strategies.
const (
	StrategyESQL    = "esql"
	StrategyKeyword = "keyword"
	StrategyHybrid  = "hybrid"
	StrategyKNN     = "knn"
)

// Parameter types accepted by declared schemas.
const (
	ParamKeyword = "keyword"
	ParamInteger = "integer"
	ParamDouble  = "double"
	ParamIP      = "ip"
	ParamDate    = "date"
)

// ParamSpec declares one tool parameter.
type ParamSpec struct {
	Type     string `json:"type"`
	Required bool   `json:"required"`
	Default  any    `json:"default,omitempty"`
}

// Configuration carries the ES|QL query and its parameter schema.
type Configuration struct {
	Query  string               `json:"query,omitempty"`
	Params map[string]ParamSpec `json:"params,omitempty"`
}

// Definition is one JSON tool definition.
type Definition struct {
	ID                    string         `json:"id"`
	RetrievalStrategy     string         `json:"retrieval_strategy"`
	Index                 string         `json:"index"`
	QueryFields           []string       `json:"query_fields,omitempty"`
	VectorField           string         `json:"vector_field,omitempty"`
	ResultFields          []string       `json:"result_fields,omitempty"`
	MaxResults            int            `json:"max_results,omitempty"`
	Filter                map[string]any `json:"filter,omitempty"`
	LookupJoinTechPreview bool           `json:"lookupJoinTechPreview,omitempty"`
	RankWindowSize        int            `json:"rank_window_size,omitempty"`
	RankConstant          int            `json:"rank_constant,omitempty"`
	Configuration         *Configuration `json:"configuration,omitempty"`
}

// Validate checks a loaded definition for structural soundness.
func (d *Definition) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("tool definition missing id")
	}
	switch d.RetrievalStrategy {
	case StrategyESQL:
		if d.Configuration == nil || strings.TrimSpace(d.Configuration.Query) == "" {
			return fmt.Errorf("tool %s: esql strategy requires configuration.query", d.ID)
		}
		for name, spec := range d.Configuration.Params {
			switch spec.Type {
			case ParamKeyword, ParamInteger, ParamDouble, ParamIP, ParamDate:
			default:
				return fmt.Errorf("tool %s: param %s has unknown type %q", d.ID, name, spec.Type)
			}
		}
	case StrategyKeyword:
		if d.Index == "" || len(d.QueryFields) == 0 {
			return fmt.Errorf("tool %s: keyword strategy requires index and query_fields", d.ID)
		}
	case StrategyHybrid:
		if d.Index == "" || len(d.QueryFields) == 0 || d.VectorField == "" {
			return fmt.Errorf("tool %s: hybrid strategy requires index, query_fields and vector_field", d.ID)
		}
	case StrategyKNN:
		if d.Index == "" || d.VectorField == "" {
			return fmt.Errorf("tool %s: knn strategy requires index and vector_field", d.ID)
		}
	default:
		return fmt.Errorf("tool %s: unknown retrieval_strategy %q", d.ID, d.RetrievalStrategy)
	}
	return nil
}

// Result is a tool execution outcome. ES|QL tools fill Columns/Values (rows
// are extracted by column name); search tools fill Hits.
type Result struct {
	ToolID  string
	Columns []Column
	Values  [][]any
	Hits    []map[string]any
}

// Column mirrors a columnar result column.
type Column struct {
	Name string
	Type string
}

// ColumnValues returns the named column's values, one per row.
func (r *Result) ColumnValues(name string) ([]any, bool) {
	idx := -1
	for i, c := range r.Columns {
		if c.Name == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, false
	}
	out := make([]any, 0, len(r.Values))
	for _, row := range r.Values {
		if idx < len(row) {
			out = append(out, row[idx])
		} else {
			out = append(out, nil)
		}
	}
	return out, true
}

// RowCount returns the number of result rows (columnar or hits).
func (r *Result) RowCount() int {
	if len(r.Values) > 0 {
		return len(r.Values)
	}
	return len(r.Hits)
}
