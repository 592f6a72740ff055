// Package store defines the document-store contract the orchestration core
// depends on: versioned reads, optimistic-concurrency writes, search,
// update-by-query, bulk indexing, and parameterized ES|QL execution.
//
// Two implementations ship with the repo: an Elasticsearch adapter
// (pkg/store/es) and an in-memory store used by tests and the demo command
// (pkg/store/memstore).
package store

import "context"

// Document is a versioned read result. SeqNo and PrimaryTerm are the
// optimistic-concurrency tokens; every Update of the same document must
// supply the tokens from the matching Get.
type Document struct {
	Index       string
	ID          string
	Source      map[string]any
	SeqNo       int64
	PrimaryTerm int64
}

// SearchHit is a single search result with its metadata.
type SearchHit struct {
	ID     string
	Score  float64
	Source map[string]any
}

// SearchResult holds hits plus total count and any requested aggregations.
type SearchResult struct {
	Total        int64
	Hits         []SearchHit
	Aggregations map[string]any
}

// SearchRequest is a search body. Query/Aggs/Sort use the store's native
// query DSL as generic maps; Size limits hits (0 means store default).
type SearchRequest struct {
	Query map[string]any
	Aggs  map[string]any
	Sort  []map[string]any
	Size  int
	// KNN and Retriever carry vector and hybrid-retrieval bodies when set.
	KNN       map[string]any
	Retriever map[string]any
}

// ESQLParam is a named query parameter. Values always travel separately from
// the query text; callers never concatenate values into the query string.
type ESQLParam struct {
	Name  string
	Value any
}

// ESQLColumn describes one column of a columnar ES|QL result.
type ESQLColumn struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// ESQLResult is a columnar query result. Rows are extracted by column name,
// never by positional index.
type ESQLResult struct {
	Columns []ESQLColumn `json:"columns"`
	Values  [][]any      `json:"values"`
}

// Column returns the values of the named column, one per row.
// Returns (nil, false) if the column is not present.
func (r *ESQLResult) Column(name string) ([]any, bool) {
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

// BulkOp is a single operation in a Bulk call.
type BulkOp struct {
	Action string // "index" or "create"
	Index  string
	ID     string // optional for "index"
	Doc    map[string]any
}

// Script is a scripted partial update for UpdateByQuery.
type Script struct {
	Source string
	Params map[string]any
}

// Store is the document-store contract.
type Store interface {
	// Get reads a document and its concurrency tokens.
	// Returns ErrNotFound if the id does not exist.
	Get(ctx context.Context, index, id string) (*Document, error)

	// Create writes a new document, failing with ErrAlreadyExists if the id
	// is taken. This is the primitive behind create-only claim indices.
	Create(ctx context.Context, index, id string, doc map[string]any, opts ...WriteOption) error

	// Update applies a partial document patch guarded by the concurrency
	// tokens from a prior Get. Returns ErrConflict (as a *ConflictError)
	// when the tokens no longer match.
	Update(ctx context.Context, index, id string, patch map[string]any, seqNo, primaryTerm int64, opts ...WriteOption) error

	// Index writes a full document, generating an id when empty.
	// Returns the document id.
	Index(ctx context.Context, index, id string, doc map[string]any, opts ...WriteOption) (string, error)

	// Search runs a query against one index.
	Search(ctx context.Context, index string, req SearchRequest) (*SearchResult, error)

	// UpdateByQuery applies a scripted patch to every document matching the
	// query.
	UpdateByQuery(ctx context.Context, index string, query map[string]any, script Script) error

	// Bulk executes a batch of index/create operations.
	Bulk(ctx context.Context, ops []BulkOp) error

	// ESQL executes a parameterized ES|QL query and returns columnar results.
	ESQL(ctx context.Context, query string, params []ESQLParam) (*ESQLResult, error)
}
