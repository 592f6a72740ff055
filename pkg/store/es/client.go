// Package es implements the store.Store contract against Elasticsearch using
// the official Go client. All optimistic-concurrency semantics map directly
// onto if_seq_no / if_primary_term; wait-for-visible writes map onto
// refresh=wait_for.
package es

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/arome3/vigil/pkg/store"
)

// Client implements store.Store backed by Elasticsearch.
type Client struct {
	es *elasticsearch.Client
}

var _ store.Store = (*Client)(nil)

// NewClient connects to Elasticsearch and verifies the connection.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	esCfg := elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
		APIKey:    cfg.APIKey,
	}
	if cfg.CACert != "" {
		pem, err := os.ReadFile(cfg.CACert)
		if err != nil {
			return nil, fmt.Errorf("reading CA cert: %w", err)
		}
		esCfg.CACert = pem
	}

	es, err := elasticsearch.NewClient(esCfg)
	if err != nil {
		return nil, fmt.Errorf("creating elasticsearch client: %w", err)
	}

	client := &Client{es: es}
	if err := client.Ping(ctx); err != nil {
		return nil, fmt.Errorf("verifying elasticsearch connection: %w", err)
	}
	return client, nil
}

// Ping verifies the cluster is reachable.
func (c *Client) Ping(ctx context.Context) error {
	res, err := c.es.Ping(c.es.Ping.WithContext(ctx))
	if err != nil {
		return err
	}
	defer closeBody(res)
	if res.IsError() {
		return statusError(res, "")
	}
	return nil
}

// Get reads a document with its seq_no / primary_term tokens.
func (c *Client) Get(ctx context.Context, index, id string) (*store.Document, error) {
	res, err := c.es.Get(index, id,
		c.es.Get.WithContext(ctx),
	)
	if err != nil {
		return nil, wrapTransport(err)
	}
	defer closeBody(res)

	if res.StatusCode == http.StatusNotFound {
		return nil, store.ErrNotFound
	}
	if res.IsError() {
		return nil, statusError(res, id)
	}

	var body struct {
		ID          string         `json:"_id"`
		SeqNo       int64          `json:"_seq_no"`
		PrimaryTerm int64          `json:"_primary_term"`
		Source      map[string]any `json:"_source"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decoding get response: %w", err)
	}

	return &store.Document{
		Index:       index,
		ID:          body.ID,
		Source:      body.Source,
		SeqNo:       body.SeqNo,
		PrimaryTerm: body.PrimaryTerm,
	}, nil
}

// Create writes a new document, failing if the id exists.
func (c *Client) Create(ctx context.Context, index, id string, doc map[string]any, opts ...store.WriteOption) error {
	o := store.ApplyWriteOptions(opts)
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding document: %w", err)
	}

	reqOpts := []func(*esapi.CreateRequest){
		c.es.Create.WithContext(ctx),
	}
	if o.RefreshWait {
		reqOpts = append(reqOpts, c.es.Create.WithRefresh("wait_for"))
	}

	res, err := c.es.Create(index, id, bytes.NewReader(body), reqOpts...)
	if err != nil {
		return wrapTransport(err)
	}
	defer closeBody(res)

	if res.StatusCode == http.StatusConflict {
		return store.ErrAlreadyExists
	}
	if res.IsError() {
		return statusError(res, id)
	}
	return nil
}

// Update applies a partial patch guarded by seq_no / primary_term.
func (c *Client) Update(ctx context.Context, index, id string, patch map[string]any, seqNo, primaryTerm int64, opts ...store.WriteOption) error {
	o := store.ApplyWriteOptions(opts)
	body, err := json.Marshal(map[string]any{"doc": patch})
	if err != nil {
		return fmt.Errorf("encoding patch: %w", err)
	}

	reqOpts := []func(*esapi.UpdateRequest){
		c.es.Update.WithContext(ctx),
		c.es.Update.WithIfSeqNo(int(seqNo)),
		c.es.Update.WithIfPrimaryTerm(int(primaryTerm)),
	}
	if o.RefreshWait {
		reqOpts = append(reqOpts, c.es.Update.WithRefresh("wait_for"))
	}

	res, err := c.es.Update(index, id, bytes.NewReader(body), reqOpts...)
	if err != nil {
		return wrapTransport(err)
	}
	defer closeBody(res)

	if res.StatusCode == http.StatusNotFound {
		return store.ErrNotFound
	}
	if res.StatusCode == http.StatusConflict {
		return &store.ConflictError{Index: index, ID: id, SeqNo: seqNo, PrimaryTerm: primaryTerm}
	}
	if res.IsError() {
		return statusError(res, id)
	}
	return nil
}

// Index writes a full document, generating an id when empty.
func (c *Client) Index(ctx context.Context, index, id string, doc map[string]any, opts ...store.WriteOption) (string, error) {
	o := store.ApplyWriteOptions(opts)
	body, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("encoding document: %w", err)
	}

	reqOpts := []func(*esapi.IndexRequest){
		c.es.Index.WithContext(ctx),
	}
	if id != "" {
		reqOpts = append(reqOpts, c.es.Index.WithDocumentID(id))
	}
	if o.RefreshWait {
		reqOpts = append(reqOpts, c.es.Index.WithRefresh("wait_for"))
	}

	res, err := c.es.Index(index, bytes.NewReader(body), reqOpts...)
	if err != nil {
		return "", wrapTransport(err)
	}
	defer closeBody(res)

	if res.IsError() {
		return "", statusError(res, id)
	}

	var out struct {
		ID string `json:"_id"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding index response: %w", err)
	}
	return out.ID, nil
}

// Search runs a query against one index.
func (c *Client) Search(ctx context.Context, index string, req store.SearchRequest) (*store.SearchResult, error) {
	body := map[string]any{}
	if req.Query != nil {
		body["query"] = req.Query
	}
	if req.Aggs != nil {
		body["aggs"] = req.Aggs
	}
	if len(req.Sort) > 0 {
		body["sort"] = req.Sort
	}
	if req.Size > 0 {
		body["size"] = req.Size
	}
	if req.KNN != nil {
		body["knn"] = req.KNN
	}
	if req.Retriever != nil {
		body["retriever"] = req.Retriever
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding search body: %w", err)
	}

	res, err := c.es.Search(
		c.es.Search.WithContext(ctx),
		c.es.Search.WithIndex(index),
		c.es.Search.WithBody(bytes.NewReader(encoded)),
	)
	if err != nil {
		return nil, wrapTransport(err)
	}
	defer closeBody(res)

	if res.IsError() {
		return nil, statusError(res, "")
	}

	var decoded struct {
		Hits struct {
			Total struct {
				Value int64 `json:"value"`
			} `json:"total"`
			Hits []struct {
				ID     string         `json:"_id"`
				Score  float64        `json:"_score"`
				Source map[string]any `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
		Aggregations map[string]any `json:"aggregations"`
	}
	if err := json.NewDecoder(res.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decoding search response: %w", err)
	}

	out := &store.SearchResult{
		Total:        decoded.Hits.Total.Value,
		Aggregations: decoded.Aggregations,
	}
	for _, h := range decoded.Hits.Hits {
		out.Hits = append(out.Hits, store.SearchHit{ID: h.ID, Score: h.Score, Source: h.Source})
	}
	return out, nil
}

// UpdateByQuery applies a scripted patch to matching documents.
func (c *Client) UpdateByQuery(ctx context.Context, index string, query map[string]any, script store.Script) error {
	body := map[string]any{
		"query": query,
		"script": map[string]any{
			"source": script.Source,
			"params": script.Params,
		},
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding update-by-query body: %w", err)
	}

	res, err := c.es.UpdateByQuery([]string{index},
		c.es.UpdateByQuery.WithContext(ctx),
		c.es.UpdateByQuery.WithBody(bytes.NewReader(encoded)),
	)
	if err != nil {
		return wrapTransport(err)
	}
	defer closeBody(res)

	if res.IsError() {
		return statusError(res, "")
	}
	return nil
}

// Bulk executes a batch of index/create operations using the NDJSON bulk API.
func (c *Client) Bulk(ctx context.Context, ops []store.BulkOp) error {
	if len(ops) == 0 {
		return nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, op := range ops {
		action := op.Action
		if action == "" {
			action = "index"
		}
		meta := map[string]any{"_index": op.Index}
		if op.ID != "" {
			meta["_id"] = op.ID
		}
		if err := enc.Encode(map[string]any{action: meta}); err != nil {
			return fmt.Errorf("encoding bulk action: %w", err)
		}
		if err := enc.Encode(op.Doc); err != nil {
			return fmt.Errorf("encoding bulk document: %w", err)
		}
	}

	res, err := c.es.Bulk(bytes.NewReader(buf.Bytes()), c.es.Bulk.WithContext(ctx))
	if err != nil {
		return wrapTransport(err)
	}
	defer closeBody(res)

	if res.IsError() {
		return statusError(res, "")
	}

	var decoded struct {
		Errors bool `json:"errors"`
	}
	if err := json.NewDecoder(res.Body).Decode(&decoded); err != nil {
		return fmt.Errorf("decoding bulk response: %w", err)
	}
	if decoded.Errors {
		return fmt.Errorf("bulk request completed with item errors")
	}
	return nil
}

// ESQL executes a parameterized ES|QL query and returns columnar results.
// Parameter values travel in the request's params array, never inside the
// query text.
func (c *Client) ESQL(ctx context.Context, query string, params []store.ESQLParam) (*store.ESQLResult, error) {
	body := map[string]any{"query": query}
	if len(params) > 0 {
		named := make([]map[string]any, 0, len(params))
		for _, p := range params {
			named = append(named, map[string]any{p.Name: p.Value})
		}
		body["params"] = named
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding esql body: %w", err)
	}

	res, err := c.es.EsqlQuery(bytes.NewReader(encoded),
		c.es.EsqlQuery.WithContext(ctx),
	)
	if err != nil {
		return nil, wrapTransport(err)
	}
	defer closeBody(res)

	if res.IsError() {
		return nil, statusError(res, "")
	}

	var out store.ESQLResult
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding esql response: %w", err)
	}
	return &out, nil
}

func statusError(res *esapi.Response, id string) error {
	msg, _ := io.ReadAll(res.Body)
	return &store.TransportError{Status: res.StatusCode, Message: string(msg) + " " + id}
}

func wrapTransport(err error) error {
	return &store.TransportError{Status: 0, Message: err.Error()}
}

func closeBody(res *esapi.Response) {
	if res != nil && res.Body != nil {
		_ = res.Body.Close()
	}
}
