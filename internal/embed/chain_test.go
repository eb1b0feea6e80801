package embed

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/corvuslabs/conduit-go/internal/config"
)

// flakyEmbedder fails the first failCount calls, then succeeds.
type flakyEmbedder struct {
	name      string
	failCount int
	calls     int
	batches   [][]string
}

func (f *flakyEmbedder) Name() string { return f.name }

func (f *flakyEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.calls++
	f.batches = append(f.batches, texts)
	if f.calls <= f.failCount {
		return nil, errors.New("provider down")
	}
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{float32(len(texts[i]))}
	}
	return out, nil
}

func Test_Chain_LocalDeterministic(t *testing.T) {
	t.Parallel()
	e := NewLocal(32)
	a, err := e.Embed(context.Background(), []string{"hello world"})
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	b, err := e.Embed(context.Background(), []string{"hello world"})
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(a[0]) != 32 {
		t.Fatalf("dimension: got %d, want 32", len(a[0]))
	}
	for i := range a[0] {
		if a[0][i] != b[0][i] {
			t.Fatalf("vector not deterministic at %d: %v vs %v", i, a[0][i], b[0][i])
		}
	}

	c, _ := e.Embed(context.Background(), []string{"different text"})
	same := true
	for i := range a[0] {
		if a[0][i] != c[0][i] {
			same = false
			break
		}
	}
	if same {
		t.Error("different texts produced identical vectors")
	}
}

func Test_Chain_FallsBackToNextProvider(t *testing.T) {
	t.Parallel()
	bad := &flakyEmbedder{name: "bad", failCount: 1000}
	good := &flakyEmbedder{name: "good"}
	chain, err := NewChain(16, bad, good)
	if err != nil {
		t.Fatalf("new chain: %v", err)
	}

	vecs, err := chain.Embed(context.Background(), []string{"a", "bb", "ccc"})
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(vecs) != 3 {
		t.Fatalf("vectors: got %d, want 3", len(vecs))
	}
	if bad.calls != 1 || good.calls != 1 {
		t.Errorf("calls: bad=%d good=%d", bad.calls, good.calls)
	}
}

func Test_Chain_AggregatesAllFailures(t *testing.T) {
	t.Parallel()
	a := &flakyEmbedder{name: "first", failCount: 1000}
	b := &flakyEmbedder{name: "second", failCount: 1000}
	chain, err := NewChain(16, a, b)
	if err != nil {
		t.Fatalf("new chain: %v", err)
	}

	_, err = chain.Embed(context.Background(), []string{"x"})
	if err == nil {
		t.Fatal("want aggregated error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "first") || !strings.Contains(msg, "second") {
		t.Errorf("aggregated error missing provider names: %v", msg)
	}
}

func Test_Chain_EveryTextInBatchEmbedded(t *testing.T) {
	t.Parallel()
	p := &flakyEmbedder{name: "p"}
	chain, err := NewChain(2, p)
	if err != nil {
		t.Fatalf("new chain: %v", err)
	}

	texts := []string{"one", "two", "three", "four", "five"}
	vecs, err := chain.Embed(context.Background(), texts)
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(vecs) != len(texts) {
		t.Fatalf("vectors: got %d, want %d", len(vecs), len(texts))
	}
	// Batch size 2 over 5 texts = 3 provider calls, each carrying the
	// full batch contents.
	if len(p.batches) != 3 {
		t.Fatalf("batches: got %d, want 3", len(p.batches))
	}
	total := 0
	for _, b := range p.batches {
		total += len(b)
	}
	if total != len(texts) {
		t.Errorf("texts sent: got %d, want %d", total, len(texts))
	}
}

func Test_Chain_EmptyInput(t *testing.T) {
	t.Parallel()
	chain, err := NewChain(4, NewLocal(8))
	if err != nil {
		t.Fatalf("new chain: %v", err)
	}
	vecs, err := chain.Embed(context.Background(), nil)
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if vecs != nil {
		t.Errorf("want nil for empty input, got %v", vecs)
	}
}

func Test_Chain_NewFromSettings(t *testing.T) {
	t.Parallel()
	tests := []struct {
		provider string
		wantName string
		wantErr  bool
	}{
		{"local", "chain(local)", false},
		{"ollama", "chain(ollama)", false},
		{"openai", "chain(openai)", false},
		{"auto", "chain(ollama,openai)", false},
		{"", "chain(ollama,openai)", false},
		{"bogus", "", true},
	}
	for _, tt := range tests {
		chain, err := NewFromSettings(config.EmbeddingSettings{Provider: tt.provider, Dimensions: 8, BatchSize: 4})
		if tt.wantErr {
			if err == nil {
				t.Errorf("provider %q: expected error", tt.provider)
			}
			continue
		}
		if err != nil {
			t.Errorf("provider %q: %v", tt.provider, err)
			continue
		}
		if chain.Name() != tt.wantName {
			t.Errorf("provider %q: chain name %q, want %q", tt.provider, chain.Name(), tt.wantName)
		}
	}
}
