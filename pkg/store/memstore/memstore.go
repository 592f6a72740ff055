// Package memstore is an in-memory store.Store used by tests and the demo
// command. It implements real document CRUD with seq_no / primary_term
// semantics and evaluates a practical subset of the query DSL; ES|QL and
// vector searches are served through registrable hooks since there is no
// query engine behind them.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/arome3/vigil/pkg/store"
)

type entry struct {
	source      map[string]any
	seqNo       int64
	primaryTerm int64
}

// ESQLHandler serves ES|QL queries for tests. Handlers are matched by query
// substring; the first match wins.
type ESQLHandler func(query string, params []store.ESQLParam) (*store.ESQLResult, error)

// SearchHook intercepts searches that the in-memory evaluator cannot serve
// (vector, hybrid, aggregations). Returning handled=false falls through to
// the built-in evaluator.
type SearchHook func(index string, req store.SearchRequest) (result *store.SearchResult, handled bool, err error)

// Store is an in-memory store.Store.
type Store struct {
	mu      sync.RWMutex
	indices map[string]map[string]*entry
	nextSeq int64

	esqlHandlers []esqlRoute
	searchHook   SearchHook

	// failNext, when set, makes the next matching operation fail with the
	// given error. Used by tests to exercise retry and conflict paths.
	failNext map[string]error
}

type esqlRoute struct {
	match   string
	handler ESQLHandler
}

var _ store.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		indices:  make(map[string]map[string]*entry),
		failNext: make(map[string]error),
	}
}

// HandleESQL registers a handler for ES|QL queries containing match.
func (s *Store) HandleESQL(match string, h ESQLHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.esqlHandlers = append(s.esqlHandlers, esqlRoute{match: match, handler: h})
}

// SetSearchHook installs a search interceptor.
func (s *Store) SetSearchHook(hook SearchHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.searchHook = hook
}

// FailNext makes the next operation with the given verb ("get", "create",
// "update", "index", "search", "esql") fail with err.
func (s *Store) FailNext(verb string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext[verb] = err
}

func (s *Store) takeFailure(verb string) error {
	if err, ok := s.failNext[verb]; ok {
		delete(s.failNext, verb)
		return err
	}
	return nil
}

// Get reads a document with its concurrency tokens.
func (s *Store) Get(ctx context.Context, index, id string) (*store.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("get"); err != nil {
		return nil, err
	}

	e, ok := s.lookup(index, id)
	if !ok {
		return nil, store.ErrNotFound
	}
	return &store.Document{
		Index:       index,
		ID:          id,
		Source:      deepCopy(e.source),
		SeqNo:       e.seqNo,
		PrimaryTerm: e.primaryTerm,
	}, nil
}

// Create writes a new document, failing if the id exists.
func (s *Store) Create(ctx context.Context, index, id string, doc map[string]any, opts ...store.WriteOption) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("create"); err != nil {
		return err
	}

	docs := s.index(index)
	if _, exists := docs[id]; exists {
		return store.ErrAlreadyExists
	}
	s.nextSeq++
	docs[id] = &entry{source: deepCopy(doc), seqNo: s.nextSeq, primaryTerm: 1}
	return nil
}

// Update applies a partial patch guarded by the concurrency tokens.
func (s *Store) Update(ctx context.Context, index, id string, patch map[string]any, seqNo, primaryTerm int64, opts ...store.WriteOption) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("update"); err != nil {
		return err
	}

	e, ok := s.lookup(index, id)
	if !ok {
		return store.ErrNotFound
	}
	if e.seqNo != seqNo || e.primaryTerm != primaryTerm {
		return &store.ConflictError{Index: index, ID: id, SeqNo: seqNo, PrimaryTerm: primaryTerm}
	}
	for k, v := range patch {
		e.source[k] = deepCopyValue(v)
	}
	s.nextSeq++
	e.seqNo = s.nextSeq
	return nil
}

// Index writes a full document, generating an id when empty.
func (s *Store) Index(ctx context.Context, index, id string, doc map[string]any, opts ...store.WriteOption) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure("index"); err != nil {
		return "", err
	}

	if id == "" {
		id = uuid.NewString()
	}
	docs := s.index(index)
	s.nextSeq++
	docs[id] = &entry{source: deepCopy(doc), seqNo: s.nextSeq, primaryTerm: 1}
	return id, nil
}

// Search evaluates the supported query subset against matching indices.
// The index argument may contain a trailing wildcard ("vigil-alerts-*").
func (s *Store) Search(ctx context.Context, index string, req store.SearchRequest) (*store.SearchResult, error) {
	s.mu.Lock()
	hook := s.searchHook
	if err := s.takeFailure("search"); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.mu.Unlock()

	if hook != nil {
		if result, handled, err := hook(index, req); handled {
			return result, err
		}
	}
	if req.KNN != nil || req.Retriever != nil {
		// No vector engine behind the in-memory store; tests must install a
		// search hook for these.
		return &store.SearchResult{}, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	type scored struct {
		id  string
		src map[string]any
	}
	var hits []scored
	for idxName, docs := range s.indices {
		if !indexMatches(index, idxName) {
			continue
		}
		for id, e := range docs {
			if matchesQuery(e.source, req.Query) {
				hits = append(hits, scored{id: id, src: deepCopy(e.source)})
			}
		}
	}

	if len(req.Sort) > 0 {
		sortHits(hits, req.Sort, func(h scored) map[string]any { return h.src })
	} else {
		sort.Slice(hits, func(i, j int) bool { return hits[i].id < hits[j].id })
	}

	total := int64(len(hits))
	size := req.Size
	if size > 0 && len(hits) > size {
		hits = hits[:size]
	}

	out := &store.SearchResult{Total: total}
	for _, h := range hits {
		out.Hits = append(out.Hits, store.SearchHit{ID: h.id, Score: 1.0, Source: h.src})
	}
	return out, nil
}

// UpdateByQuery applies a scripted patch to matching documents. Only the
// "ctx._source.<field> = params.<name>" assignment form is interpreted.
func (s *Store) UpdateByQuery(ctx context.Context, index string, query map[string]any, script store.Script) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for idxName, docs := range s.indices {
		if !indexMatches(index, idxName) {
			continue
		}
		for _, e := range docs {
			if !matchesQuery(e.source, query) {
				continue
			}
			applyScript(e.source, script)
			s.nextSeq++
			e.seqNo = s.nextSeq
		}
	}
	return nil
}

// Bulk executes index/create operations.
func (s *Store) Bulk(ctx context.Context, ops []store.BulkOp) error {
	for _, op := range ops {
		switch op.Action {
		case "create":
			if err := s.Create(ctx, op.Index, op.ID, op.Doc); err != nil {
				return err
			}
		default:
			if _, err := s.Index(ctx, op.Index, op.ID, op.Doc); err != nil {
				return err
			}
		}
	}
	return nil
}

// ESQL serves the query via the first matching registered handler.
func (s *Store) ESQL(ctx context.Context, query string, params []store.ESQLParam) (*store.ESQLResult, error) {
	s.mu.Lock()
	if err := s.takeFailure("esql"); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	routes := make([]esqlRoute, len(s.esqlHandlers))
	copy(routes, s.esqlHandlers)
	s.mu.Unlock()

	for _, r := range routes {
		if strings.Contains(query, r.match) {
			return r.handler(query, params)
		}
	}
	return &store.ESQLResult{}, nil
}

// Count returns the number of documents in an index (test helper).
func (s *Store) Count(index string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for idxName, docs := range s.indices {
		if indexMatches(index, idxName) {
			n += len(docs)
		}
	}
	return n
}

// Docs returns copies of all documents in an index (test helper).
func (s *Store) Docs(index string) []map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []map[string]any
	for idxName, docs := range s.indices {
		if !indexMatches(index, idxName) {
			continue
		}
		for id, e := range docs {
			src := deepCopy(e.source)
			src["_id"] = id
			out = append(out, src)
		}
	}
	return out
}

func (s *Store) index(name string) map[string]*entry {
	docs, ok := s.indices[name]
	if !ok {
		docs = make(map[string]*entry)
		s.indices[name] = docs
	}
	return docs
}

func (s *Store) lookup(index, id string) (*entry, bool) {
	for idxName, docs := range s.indices {
		if !indexMatches(index, idxName) {
			continue
		}
		if e, ok := docs[id]; ok {
			return e, true
		}
	}
	return nil, false
}

func indexMatches(pattern, name string) bool {
	if pattern == name {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(name, strings.TrimSuffix(pattern, "*"))
	}
	return false
}

func applyScript(source map[string]any, script store.Script) {
	// Interpret simple "ctx._source.x = params.y;" assignment statements.
	for _, stmt := range strings.Split(script.Source, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		parts := strings.SplitN(stmt, "=", 2)
		if len(parts) != 2 {
			continue
		}
		field := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(parts[0]), "ctx._source."))
		rhs := strings.TrimSpace(parts[1])
		if param, ok := strings.CutPrefix(rhs, "params."); ok {
			if v, present := script.Params[param]; present {
				source[field] = deepCopyValue(v)
			}
		}
	}
}

func deepCopy(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		// Sources are decoded JSON; marshal cannot realistically fail.
		panic(fmt.Sprintf("memstore: copying document: %v", err))
	}
	var out map[string]any
	_ = json.Unmarshal(raw, &out)
	return out
}

func deepCopyValue(v any) any {
	switch v.(type) {
	case nil, bool, string, float64, int, int64:
		return v
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}
