// Package search is the client for the hybrid lexical+vector index. It
// speaks the OpenSearch-compatible REST API over plain HTTP: index template
// bootstrap, bulk upsert keyed on chunk_id, BM25 match, kNN on the
// embedding field, and delete-by-query for cascading ingest deletion.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Document is the index schema for one chunk.
type Document struct {
	ChunkID    string         `json:"chunk_id"`
	DocID      string         `json:"doc_id"`
	TenantID   string         `json:"tenant_id"`
	Text       string         `json:"text"`
	Embedding  []float32      `json:"embedding,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	IngestedAt string         `json:"ingested_at,omitempty"`
	Section    string         `json:"section,omitempty"`
	Page       int            `json:"page,omitempty"`
	// Spans are short quote windows used for citation anchoring.
	Spans []string `json:"citation_spans,omitempty"`
}

// Hit is one search result.
type Hit struct {
	Document
	Score float64
}

// Client talks to one index. Safe for concurrent use.
type Client struct {
	baseURL    string
	index      string
	httpClient *http.Client
}

// New constructs a Client for the named index.
func New(baseURL, index string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		index:      index,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Index returns the index name this client targets.
func (c *Client) Index() string { return c.index }

// WithIndex returns a Client for a different index on the same backend.
func (c *Client) WithIndex(index string) *Client {
	return &Client{baseURL: c.baseURL, index: index, httpClient: c.httpClient}
}

// Ping verifies the backend is reachable. Implements the server's Pinger.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/", nil)
	if err != nil {
		return fmt.Errorf("search: ping request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("search: ping: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("search: ping returned %d", resp.StatusCode)
	}
	return nil
}

// Exists reports whether the index has been created.
func (c *Client) Exists(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.baseURL+"/"+c.index, nil)
	if err != nil {
		return false, fmt.Errorf("search: exists request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("search: exists: %w", err)
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK, nil
}

// EnsureIndex creates the index with the knn mapping template when it does
// not already exist. dimensions must match the embedding provider's output.
func (c *Client) EnsureIndex(ctx context.Context, dimensions int) error {
	exists, err := c.Exists(ctx)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	template := map[string]any{
		"settings": map[string]any{
			"index.knn": true,
		},
		"mappings": map[string]any{
			"properties": map[string]any{
				"chunk_id":  map[string]any{"type": "keyword"},
				"doc_id":    map[string]any{"type": "keyword"},
				"tenant_id": map[string]any{"type": "keyword"},
				"text":      map[string]any{"type": "text"},
				"embedding": map[string]any{
					"type":      "knn_vector",
					"dimension": dimensions,
					"method": map[string]any{
						"name":       "hnsw",
						"space_type": "cosinesimil",
						"engine":     "lucene",
					},
				},
				"metadata":    map[string]any{"type": "object", "enabled": true},
				"ingested_at": map[string]any{"type": "date", "format": "strict_date_optional_time||epoch_millis"},
			},
		},
	}

	status, body, err := c.do(ctx, http.MethodPut, "/"+c.index, template)
	if err != nil {
		return err
	}
	if status >= 300 {
		return fmt.Errorf("search: create index %s returned %d: %s", c.index, status, body)
	}
	return nil
}

// BulkUpsert indexes the documents with _id = chunk_id so re-publishes
// overwrite in place.
func (c *Client) BulkUpsert(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, doc := range docs {
		action := map[string]any{"index": map[string]any{"_index": c.index, "_id": doc.ChunkID}}
		if err := enc.Encode(action); err != nil {
			return fmt.Errorf("search: encode bulk action: %w", err)
		}
		if err := enc.Encode(doc); err != nil {
			return fmt.Errorf("search: encode bulk doc: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/_bulk", &buf)
	if err != nil {
		return fmt.Errorf("search: bulk request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-ndjson")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("search: bulk: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("search: bulk returned %d: %s", resp.StatusCode, payload)
	}

	var result struct {
		Errors bool `json:"errors"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("search: decode bulk response: %w", err)
	}
	if result.Errors {
		return fmt.Errorf("search: bulk reported item errors")
	}
	return nil
}

// Match runs a BM25 full-text query with operator "and".
func (c *Client) Match(ctx context.Context, query string, size int) ([]Hit, error) {
	body := map[string]any{
		"size": size,
		"query": map[string]any{
			"match": map[string]any{
				"text": map[string]any{
					"query":    query,
					"operator": "and",
				},
			},
		},
	}
	return c.search(ctx, body)
}

// KNN runs a k-nearest-neighbour query on the embedding field.
func (c *Client) KNN(ctx context.Context, vector []float32, k int) ([]Hit, error) {
	body := map[string]any{
		"size": k,
		"query": map[string]any{
			"knn": map[string]any{
				"embedding": map[string]any{
					"vector": vector,
					"k":      k,
				},
			},
		},
	}
	return c.search(ctx, body)
}

// DeleteByQuery removes every document matching (tenant_id, doc_id).
func (c *Client) DeleteByQuery(ctx context.Context, tenantID, docID string) error {
	body := map[string]any{
		"query": map[string]any{
			"bool": map[string]any{
				"must": []any{
					map[string]any{"term": map[string]any{"tenant_id": tenantID}},
					map[string]any{"term": map[string]any{"doc_id": docID}},
				},
			},
		},
	}
	status, payload, err := c.do(ctx, http.MethodPost, "/"+c.index+"/_delete_by_query", body)
	if err != nil {
		return err
	}
	if status >= 300 {
		return fmt.Errorf("search: delete_by_query returned %d: %s", status, payload)
	}
	return nil
}

// searchResponse is the subset of the search API response we read.
type searchResponse struct {
	Hits struct {
		Hits []struct {
			Score  float64         `json:"_score"`
			Source json.RawMessage `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

func (c *Client) search(ctx context.Context, body map[string]any) ([]Hit, error) {
	status, payload, err := c.do(ctx, http.MethodPost, "/"+c.index+"/_search", body)
	if err != nil {
		return nil, err
	}
	if status >= 300 {
		return nil, fmt.Errorf("search: query returned %d: %s", status, payload)
	}

	var result searchResponse
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, fmt.Errorf("search: decode response: %w", err)
	}

	hits := make([]Hit, 0, len(result.Hits.Hits))
	for _, h := range result.Hits.Hits {
		var doc Document
		if err := json.Unmarshal(h.Source, &doc); err != nil {
			return nil, fmt.Errorf("search: decode hit: %w", err)
		}
		hits = append(hits, Hit{Document: doc, Score: h.Score})
	}
	return hits, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("search: marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("search: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("search: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("search: read response: %w", err)
	}
	return resp.StatusCode, payload, nil
}
