package retrieve

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/corvuslabs/conduit-go/internal/embed"
	"github.com/corvuslabs/conduit-go/internal/search"
)

// fakeIndex serves canned hits per modality.
type fakeIndex struct {
	bm25    []search.Hit
	knn     []search.Hit
	bm25Err error
	knnErr  error
}

func (f *fakeIndex) Match(_ context.Context, _ string, _ int) ([]search.Hit, error) {
	return f.bm25, f.bm25Err
}

func (f *fakeIndex) KNN(_ context.Context, _ []float32, _ int) ([]search.Hit, error) {
	return f.knn, f.knnErr
}

type fixedReranker struct {
	scores []float64
	err    error
}

func (f *fixedReranker) Score(_ context.Context, _ string, texts []string) ([]float64, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.scores[:len(texts)], nil
}

func hit(chunkID, docID string, score float64, metadata map[string]any) search.Hit {
	return search.Hit{
		Document: search.Document{ChunkID: chunkID, DocID: docID, TenantID: "acme", Text: "text for " + chunkID, Metadata: metadata},
		Score:    score,
	}
}

func Test_Retrieve_MergeKeepsMaxPerModality(t *testing.T) {
	t.Parallel()
	idx := &fakeIndex{
		bm25: []search.Hit{hit("c1", "d1", 1.5, nil), hit("c2", "d2", 0.8, nil)},
		knn:  []search.Hit{hit("c1", "d1", 0.9, nil), hit("c3", "d3", 0.7, nil)},
	}
	r := New(idx, embed.NewLocal(8), 10, 0)

	hits, err := r.Retrieve(context.Background(), "query", 10)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(hits) != 3 {
		t.Fatalf("hits: got %d, want 3", len(hits))
	}

	byID := map[string]Hit{}
	for _, h := range hits {
		byID[h.ChunkID] = h
	}
	c1 := byID["c1"]
	if c1.ScoreBM25 != 1.5 || c1.ScoreVector != 0.9 {
		t.Errorf("c1 modality scores: bm25=%v vector=%v", c1.ScoreBM25, c1.ScoreVector)
	}
	if c1.Combined != 1.5 {
		t.Errorf("c1 combined: got %v, want 1.5", c1.Combined)
	}
	if hits[0].ChunkID != "c1" {
		t.Errorf("order: first hit %q, want c1", hits[0].ChunkID)
	}
}

func Test_Retrieve_VectorCutoffRestoresWhenEmpty(t *testing.T) {
	t.Parallel()
	idx := &fakeIndex{
		knn: []search.Hit{hit("c1", "d1", 0.05, nil), hit("c2", "d2", 0.02, nil)},
	}
	r := New(idx, embed.NewLocal(8), 10, 0.5)

	hits, err := r.Retrieve(context.Background(), "query", 10)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	// Every hit is under the cutoff, so the cutoff must not apply.
	if len(hits) != 2 {
		t.Fatalf("hits: got %d, want 2", len(hits))
	}
}

func Test_Retrieve_SourceTagFilters(t *testing.T) {
	t.Parallel()
	idx := &fakeIndex{
		bm25: []search.Hit{
			hit("c1", "d1", 1.0, map[string]any{"source": "sp500"}),
			hit("c2", "d2", 2.0, map[string]any{"source": "phrasebank"}),
			hit("c3", "d3", 1.5, nil),
		},
	}
	r := New(idx, embed.NewLocal(8), 10, 0, WithSourceTag("sp500"))

	hits, err := r.Retrieve(context.Background(), "query", 10)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(hits) != 1 || hits[0].ChunkID != "c1" {
		t.Fatalf("hits: %+v", hits)
	}
}

func Test_Retrieve_FilenameScoping(t *testing.T) {
	t.Parallel()
	idx := &fakeIndex{
		bm25: []search.Hit{
			hit("c1", "d1", 2.0, map[string]any{"filename": "Q3-Report.PDF"}),
			hit("c2", "d2", 3.0, map[string]any{"filename": "notes.txt"}),
		},
	}
	r := New(idx, embed.NewLocal(8), 10, 0)

	hits, err := r.Retrieve(context.Background(), "summarize q3-report.pdf please", 10)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(hits) != 1 || hits[0].ChunkID != "c1" {
		t.Fatalf("scoped hits: %+v", hits)
	}
}

func Test_Retrieve_FilenameScopingRestoresOnEmpty(t *testing.T) {
	t.Parallel()
	idx := &fakeIndex{
		bm25: []search.Hit{hit("c1", "d1", 2.0, map[string]any{"filename": "other.txt"})},
	}
	r := New(idx, embed.NewLocal(8), 10, 0)

	hits, err := r.Retrieve(context.Background(), "what does missing.pdf say", 10)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("hits: got %d, want unscoped set restored", len(hits))
	}
}

func Test_Retrieve_RerankOrdersHits(t *testing.T) {
	t.Parallel()
	idx := &fakeIndex{
		bm25: []search.Hit{hit("c1", "d1", 3.0, nil), hit("c2", "d2", 1.0, nil)},
	}
	// The reranker inverts the lexical order.
	r := New(idx, embed.NewLocal(8), 10, 0, WithReranker(&fixedReranker{scores: []float64{0.1, 0.9}}))

	hits, err := r.Retrieve(context.Background(), "query", 10)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if hits[0].ChunkID != "c2" {
		t.Errorf("first hit: got %q, want c2", hits[0].ChunkID)
	}
	if hits[0].Score != 0.9 {
		t.Errorf("final score: got %v, want rerank score 0.9", hits[0].Score)
	}
}

func Test_Retrieve_RerankFailureFallsBackToCombined(t *testing.T) {
	t.Parallel()
	idx := &fakeIndex{
		bm25: []search.Hit{hit("c1", "d1", 3.0, nil), hit("c2", "d2", 1.0, nil)},
	}
	r := New(idx, embed.NewLocal(8), 10, 0, WithReranker(&fixedReranker{err: errors.New("model unavailable")}))

	hits, err := r.Retrieve(context.Background(), "query", 10)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if hits[0].ChunkID != "c1" {
		t.Errorf("first hit: got %q, want combined-score order", hits[0].ChunkID)
	}
	if hits[0].Rerank != 0 {
		t.Errorf("rerank score: got %v, want 0", hits[0].Rerank)
	}
}

func Test_Retrieve_PerDocCap(t *testing.T) {
	t.Parallel()
	idx := &fakeIndex{
		bm25: []search.Hit{
			hit("c1", "d1", 5.0, nil),
			hit("c2", "d1", 4.0, nil),
			hit("c3", "d1", 3.0, nil),
			hit("c4", "d2", 2.0, nil),
		},
	}
	r := New(idx, embed.NewLocal(8), 10, 0)

	hits, err := r.Retrieve(context.Background(), "query", 10)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	perDoc := map[string]int{}
	for _, h := range hits {
		perDoc[h.DocID]++
	}
	if perDoc["d1"] != 2 {
		t.Errorf("d1 chunks: got %d, want capped at 2", perDoc["d1"])
	}
	if perDoc["d2"] != 1 {
		t.Errorf("d2 chunks: got %d, want 1", perDoc["d2"])
	}
}

func Test_Retrieve_TruncatesToTopK(t *testing.T) {
	t.Parallel()
	var bm25 []search.Hit
	for i := 0; i < 8; i++ {
		bm25 = append(bm25, hit(string(rune('a'+i)), "d"+string(rune('a'+i)), float64(8-i), nil))
	}
	idx := &fakeIndex{bm25: bm25}
	r := New(idx, embed.NewLocal(8), 10, 0)

	hits, err := r.Retrieve(context.Background(), "query", 3)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(hits) != 3 {
		t.Fatalf("hits: got %d, want 3", len(hits))
	}
}

func Test_Retrieve_IndexErrorPropagates(t *testing.T) {
	t.Parallel()
	idx := &fakeIndex{bm25Err: errors.New("index not ready")}
	r := New(idx, embed.NewLocal(8), 10, 0)

	if _, err := r.Retrieve(context.Background(), "query", 10); err == nil {
		t.Fatal("want error from failing modality")
	}
}

func Test_Retrieve_Confidence(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		scores []float64
		want   float64
	}{
		{"no hits", nil, 0},
		{"negative top", []float64{-0.3}, 0},
		{"single hit", []float64{0.6}, 0.6},
		{"close runner up", []float64{0.6, 0.58}, 0.31},
		{"dominant top", []float64{2.0, 0.1}, 0.99},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			hits := make([]Hit, len(tt.scores))
			for i, s := range tt.scores {
				hits[i] = Hit{Score: s}
			}
			got := Confidence(hits)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("confidence: got %v, want %v", got, tt.want)
			}
		})
	}
}
