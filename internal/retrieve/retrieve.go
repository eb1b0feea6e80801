// Package retrieve implements hybrid retrieval: BM25 and kNN queries fused
// by chunk_id, source-tag and filename scoping, cross-encoder reranking,
// and a per-document cap on the final hit list.
package retrieve

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/corvuslabs/conduit-go/internal/embed"
	"github.com/corvuslabs/conduit-go/internal/logging"
	"github.com/corvuslabs/conduit-go/internal/search"
)

// Index is the subset of the search client the retriever needs.
type Index interface {
	Match(ctx context.Context, query string, size int) ([]search.Hit, error)
	KNN(ctx context.Context, vector []float32, k int) ([]search.Hit, error)
}

// Hit is one retrieved chunk with its per-modality and fused scores.
type Hit struct {
	search.Document
	ScoreBM25   float64
	ScoreVector float64
	// Combined is the max of the two modality scores.
	Combined float64
	// Rerank is the cross-encoder score, 0 when the reranker is unavailable.
	Rerank float64
	// Score is the ordering score: Rerank when present, Combined otherwise.
	Score float64
	// Query records which expansion query surfaced this hit.
	Query string
}

// Retriever runs the hybrid retrieval pipeline against one index.
type Retriever struct {
	index    Index
	embedder embed.Embedder
	reranker Reranker

	vectorTopK     int
	vectorMinScore float64
	perDocCap      int
	sourceTag      string
}

// Option configures a Retriever.
type Option func(*Retriever)

// WithReranker sets the cross-encoder reranker. Without one, ordering falls
// back to the combined score.
func WithReranker(r Reranker) Option {
	return func(rt *Retriever) { rt.reranker = r }
}

// WithSourceTag restricts results to hits whose metadata source matches.
func WithSourceTag(tag string) Option {
	return func(rt *Retriever) { rt.sourceTag = tag }
}

// WithPerDocCap overrides the per-document chunk cap (default 2).
func WithPerDocCap(limit int) Option {
	return func(rt *Retriever) { rt.perDocCap = limit }
}

// New constructs a Retriever. vectorTopK and vectorMinScore bound the kNN
// side of the fusion.
func New(index Index, embedder embed.Embedder, vectorTopK int, vectorMinScore float64, opts ...Option) *Retriever {
	r := &Retriever{
		index:          index,
		embedder:       embedder,
		vectorTopK:     vectorTopK,
		vectorMinScore: vectorMinScore,
		perDocCap:      2,
	}
	if r.vectorTopK <= 0 {
		r.vectorTopK = 10
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// fileToken matches a filename-like token used to scope retrieval to one
// document.
var fileToken = regexp.MustCompile(`(?i)\w+\.(txt|pdf|csv|md|docx|pptx|xlsx|json)`)

// Retrieve runs both modalities concurrently, fuses the hits, applies
// scoping and reranking, and returns at most topK hits.
func (r *Retriever) Retrieve(ctx context.Context, query string, topK int) ([]Hit, error) {
	if topK <= 0 {
		topK = 10
	}
	size := topK
	if r.vectorTopK > size {
		size = r.vectorTopK
	}

	var bm25Hits, knnHits []search.Hit
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hits, err := r.index.Match(gctx, query, size)
		if err != nil {
			return fmt.Errorf("retrieve: bm25: %w", err)
		}
		bm25Hits = hits
		return nil
	})
	g.Go(func() error {
		vectors, err := r.embedder.Embed(gctx, []string{query})
		if err != nil {
			return fmt.Errorf("retrieve: embed query: %w", err)
		}
		hits, err := r.index.KNN(gctx, vectors[0], size)
		if err != nil {
			return fmt.Errorf("retrieve: knn: %w", err)
		}
		knnHits = r.cutoff(hits)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := r.merge(bm25Hits, knnHits)
	if r.sourceTag != "" {
		merged = filterSource(merged, r.sourceTag)
	}
	merged = scopeToFilename(merged, query)
	r.rerank(ctx, query, merged)

	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].Rerank != merged[j].Rerank {
			return merged[i].Rerank > merged[j].Rerank
		}
		return merged[i].Combined > merged[j].Combined
	})

	merged = capPerDoc(merged, r.perDocCap)
	if len(merged) > topK {
		merged = merged[:topK]
	}
	return merged, nil
}

// cutoff applies the vector_min_score threshold unless it would discard
// every hit.
func (r *Retriever) cutoff(hits []search.Hit) []search.Hit {
	if r.vectorMinScore <= 0 {
		return hits
	}
	kept := make([]search.Hit, 0, len(hits))
	for _, h := range hits {
		if h.Score >= r.vectorMinScore {
			kept = append(kept, h)
		}
	}
	if len(kept) == 0 {
		return hits
	}
	return kept
}

// merge fuses the two modalities by chunk_id, keeping the max score seen
// per modality.
func (r *Retriever) merge(bm25, knn []search.Hit) []Hit {
	byID := make(map[string]*Hit)
	order := make([]string, 0, len(bm25)+len(knn))

	add := func(h search.Hit, vector bool) {
		entry, ok := byID[h.ChunkID]
		if !ok {
			entry = &Hit{Document: h.Document}
			byID[h.ChunkID] = entry
			order = append(order, h.ChunkID)
		}
		if vector {
			if h.Score > entry.ScoreVector {
				entry.ScoreVector = h.Score
			}
		} else if h.Score > entry.ScoreBM25 {
			entry.ScoreBM25 = h.Score
		}
	}
	for _, h := range bm25 {
		add(h, false)
	}
	for _, h := range knn {
		add(h, true)
	}

	out := make([]Hit, 0, len(order))
	for _, id := range order {
		entry := byID[id]
		entry.Combined = entry.ScoreBM25
		if entry.ScoreVector > entry.Combined {
			entry.Combined = entry.ScoreVector
		}
		entry.Score = entry.Combined
		out = append(out, *entry)
	}
	return out
}

func filterSource(hits []Hit, tag string) []Hit {
	kept := make([]Hit, 0, len(hits))
	for _, h := range hits {
		if source, _ := h.Metadata["source"].(string); source == tag {
			kept = append(kept, h)
		}
	}
	return kept
}

// scopeToFilename restricts hits to the document named in the query, when
// the query names one. An empty scoped set restores the unscoped hits.
func scopeToFilename(hits []Hit, query string) []Hit {
	token := fileToken.FindString(query)
	if token == "" {
		return hits
	}
	token = strings.ToLower(token)

	scoped := make([]Hit, 0, len(hits))
	for _, h := range hits {
		if metadataNamesFile(h.Metadata, token) {
			scoped = append(scoped, h)
		}
	}
	if len(scoped) == 0 {
		return hits
	}
	return scoped
}

func metadataNamesFile(metadata map[string]any, token string) bool {
	for _, key := range []string{"filename", "original_basename", "object_suffix", "path"} {
		value, _ := metadata[key].(string)
		if value == "" {
			continue
		}
		if strings.Contains(strings.ToLower(value), token) {
			return true
		}
	}
	return false
}

// rerank scores (query, text) pairs with the cross-encoder. Unavailable or
// failing rerankers leave every rerank score at zero so ordering falls back
// to the combined score.
func (r *Retriever) rerank(ctx context.Context, query string, hits []Hit) {
	if r.reranker == nil || len(hits) == 0 {
		return
	}
	texts := make([]string, len(hits))
	for i, h := range hits {
		texts[i] = h.Text
	}
	scores, err := r.reranker.Score(ctx, query, texts)
	if err != nil || len(scores) != len(hits) {
		logging.FromContext(ctx).Warn("retrieve: reranker unavailable, using combined scores",
			slog.Any("error", err),
		)
		return
	}
	for i := range hits {
		hits[i].Rerank = scores[i]
		if scores[i] > 0 {
			hits[i].Score = scores[i]
		}
	}
}

func capPerDoc(hits []Hit, limit int) []Hit {
	if limit <= 0 {
		return hits
	}
	perDoc := make(map[string]int, len(hits))
	kept := make([]Hit, 0, len(hits))
	for _, h := range hits {
		if perDoc[h.DocID] >= limit {
			continue
		}
		perDoc[h.DocID]++
		kept = append(kept, h)
	}
	return kept
}

// Confidence estimates answer confidence from the ranked hit list: the top
// score reinforced by its margin over the runner-up, clamped to [0, 0.99].
func Confidence(hits []Hit) float64 {
	if len(hits) == 0 {
		return 0
	}
	s1 := hits[0].Score
	if s1 <= 0 {
		return 0
	}
	var s2 float64
	if len(hits) > 1 {
		s2 = hits[1].Score
	}
	c := 0.5*s1 + 0.5*(s1-s2)
	if c < 0 {
		return 0
	}
	if c > 0.99 {
		return 0.99
	}
	return c
}
