package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/arome3/vigil/pkg/store"
)

// knnCandidateCap is the hard ceiling on num_candidates.
const knnCandidateCap = 100

// executeSearch routes a search-family tool to its retrieval mode and
// defensively filters hits to the declared result fields.
func (r *Registry) executeSearch(ctx context.Context, def *Definition, params map[string]any) (*Result, error) {
	queryText, _ := params["query"].(string)
	size := def.MaxResults
	if size <= 0 {
		size = 10
	}
	if k, ok := params["k"]; ok {
		if n, ok := toInt(k); ok && n > 0 {
			size = n
		}
	}

	var (
		result *store.SearchResult
		err    error
	)
	switch def.RetrievalStrategy {
	case StrategyKeyword:
		result, err = r.keywordSearch(ctx, def, queryText, size)
	case StrategyHybrid:
		result, err = r.hybridSearch(ctx, def, queryText, size)
	case StrategyKNN:
		result, err = r.knnSearch(ctx, def, queryText, size)
	default:
		return nil, fmt.Errorf("tool %s: unsupported search strategy %q", def.ID, def.RetrievalStrategy)
	}
	if err != nil {
		return nil, fmt.Errorf("tool %s: %w", def.ID, err)
	}

	out := &Result{ToolID: def.ID}
	for _, hit := range result.Hits {
		out.Hits = append(out.Hits, filterFields(hit, def.ResultFields))
	}
	return out, nil
}

func (r *Registry) keywordSearch(ctx context.Context, def *Definition, queryText string, size int) (*store.SearchResult, error) {
	match := map[string]any{
		"multi_match": map[string]any{
			"query":  queryText,
			"fields": def.QueryFields,
		},
	}
	query := match
	if def.Filter != nil {
		query = map[string]any{
			"bool": map[string]any{
				"must":   []map[string]any{match},
				"filter": []map[string]any{def.Filter},
			},
		}
	}
	return r.store.Search(ctx, def.Index, store.SearchRequest{Query: query, Size: size})
}

// hybridSearch combines keyword and vector retrieval with reciprocal-rank
// fusion, falling back to pure knn when the cluster rejects RRF (license or
// parse errors).
func (r *Registry) hybridSearch(ctx context.Context, def *Definition, queryText string, size int) (*store.SearchResult, error) {
	vector, err := r.embedQuery(ctx, def, queryText)
	if err != nil {
		return nil, err
	}

	rankWindow := def.RankWindowSize
	if rankWindow <= 0 {
		rankWindow = 50
	}
	rankConstant := def.RankConstant
	if rankConstant <= 0 {
		rankConstant = 60
	}

	retriever := map[string]any{
		"rrf": map[string]any{
			"rank_window_size": rankWindow,
			"rank_constant":    rankConstant,
			"retrievers": []map[string]any{
				{
					"standard": map[string]any{
						"query": map[string]any{
							"multi_match": map[string]any{
								"query":  queryText,
								"fields": def.QueryFields,
							},
						},
					},
				},
				{
					"knn": map[string]any{
						"field":          def.VectorField,
						"query_vector":   vector,
						"k":              size,
						"num_candidates": numCandidates(size),
					},
				},
			},
		},
	}

	result, err := r.store.Search(ctx, def.Index, store.SearchRequest{Retriever: retriever, Size: size})
	if err != nil {
		if isRRFError(err) {
			r.logger.Warn("RRF unavailable, falling back to pure knn", "tool", def.ID, "error", err)
			return r.knnSearchWithVector(ctx, def, vector, size)
		}
		return nil, err
	}
	return result, nil
}

func (r *Registry) knnSearch(ctx context.Context, def *Definition, queryText string, size int) (*store.SearchResult, error) {
	vector, err := r.embedQuery(ctx, def, queryText)
	if err != nil {
		return nil, err
	}
	return r.knnSearchWithVector(ctx, def, vector, size)
}

func (r *Registry) knnSearchWithVector(ctx context.Context, def *Definition, vector []float32, size int) (*store.SearchResult, error) {
	knn := map[string]any{
		"field":          def.VectorField,
		"query_vector":   vector,
		"k":              size,
		"num_candidates": numCandidates(size),
	}
	if def.Filter != nil {
		knn["filter"] = def.Filter
	}
	return r.store.Search(ctx, def.Index, store.SearchRequest{KNN: knn, Size: size})
}

func (r *Registry) embedQuery(ctx context.Context, def *Definition, queryText string) ([]float32, error) {
	if r.embedder == nil {
		return nil, fmt.Errorf("tool %s: vector strategy requires an embedder", def.ID)
	}
	vector, err := r.embedder.Embed(ctx, queryText)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	return vector, nil
}

// numCandidates is min(10·k, 100).
func numCandidates(k int) int {
	n := 10 * k
	if n > knnCandidateCap {
		return knnCandidateCap
	}
	return n
}

// filterFields keeps only declared result fields plus _id and _score.
// Undeclared fields never leak to callers; a definition that declares no
// result fields passes the whole source through.
func filterFields(hit store.SearchHit, fields []string) map[string]any {
	out := map[string]any{
		"_id":    hit.ID,
		"_score": hit.Score,
	}
	if len(fields) == 0 {
		for k, v := range hit.Source {
			out[k] = v
		}
		return out
	}
	for _, f := range fields {
		if v, ok := hit.Source[f]; ok {
			out[f] = v
		}
	}
	return out
}

func isRRFError(err error) bool {
	msg := strings.ToLower(err.Error())
	if !strings.Contains(msg, "rrf") {
		return false
	}
	return strings.Contains(msg, "license") || strings.Contains(msg, "parse")
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}
