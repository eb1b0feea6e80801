package retrieve

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Reranker scores (query, text) pairs with a cross-encoder. Higher is more
// relevant.
type Reranker interface {
	Score(ctx context.Context, query string, texts []string) ([]float64, error)
}

// HTTPReranker calls an external cross-encoder service.
type HTTPReranker struct {
	baseURL string
	client  *http.Client
}

// NewHTTPReranker constructs a reranker client for the given base URL.
func NewHTTPReranker(baseURL string) *HTTPReranker {
	return &HTTPReranker{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

type rerankRequest struct {
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

type rerankResponse struct {
	Scores []float64 `json:"scores"`
}

// Score implements Reranker.
func (r *HTTPReranker) Score(ctx context.Context, query string, texts []string) ([]float64, error) {
	payload, err := json.Marshal(rerankRequest{Query: query, Documents: texts})
	if err != nil {
		return nil, fmt.Errorf("retrieve: marshal rerank request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/v1/rerank", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("retrieve: build rerank request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("retrieve: rerank request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("retrieve: rerank returned %d", resp.StatusCode)
	}

	var result rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("retrieve: decode rerank response: %w", err)
	}
	if len(result.Scores) != len(texts) {
		return nil, fmt.Errorf("retrieve: rerank returned %d scores for %d texts", len(result.Scores), len(texts))
	}
	return result.Scores, nil
}
