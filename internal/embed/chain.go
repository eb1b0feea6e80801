package embed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/corvuslabs/conduit-go/internal/config"
	"github.com/corvuslabs/conduit-go/internal/logging"
)

// Chain is an Embedder that batches its input and walks an ordered provider
// list: on a provider failure the next one is tried, and only when every
// provider has failed does the batch error surface, aggregated.
type Chain struct {
	providers []Embedder
	batchSize int
}

// NewChain constructs a Chain over the given providers. batchSize defaults
// to 16 when non-positive.
func NewChain(batchSize int, providers ...Embedder) (*Chain, error) {
	if len(providers) == 0 {
		return nil, errors.New("embed: chain needs at least one provider")
	}
	if batchSize <= 0 {
		batchSize = 16
	}
	return &Chain{providers: providers, batchSize: batchSize}, nil
}

// Name implements Embedder.
func (c *Chain) Name() string {
	names := make([]string, len(c.providers))
	for i, p := range c.providers {
		names[i] = p.Name()
	}
	return "chain(" + strings.Join(names, ",") + ")"
}

// Embed splits texts into batches and embeds each batch through the
// fallback chain. Every text in a batch is embedded by the same provider
// in a single multi-input request.
func (c *Chain) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	log := logging.FromContext(ctx)

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += c.batchSize {
		end := start + c.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch := texts[start:end]

		vectors, err := c.embedBatch(ctx, log, batch)
		if err != nil {
			return nil, err
		}
		out = append(out, vectors...)
	}
	return out, nil
}

func (c *Chain) embedBatch(ctx context.Context, log *slog.Logger, batch []string) ([][]float32, error) {
	var errs []error
	for _, p := range c.providers {
		vectors, err := p.Embed(ctx, batch)
		if err != nil {
			log.Warn("embed: provider failed, trying next",
				slog.String("provider", p.Name()),
				slog.Any("error", err),
			)
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
			continue
		}
		if len(vectors) != len(batch) {
			errs = append(errs, fmt.Errorf("%s: returned %d vectors for %d texts", p.Name(), len(vectors), len(batch)))
			continue
		}
		return vectors, nil
	}
	return nil, fmt.Errorf("embed: all providers failed: %w", errors.Join(errs...))
}

// NewFromSettings builds the provider chain selected by the embedding
// settings. "auto" tries ollama then openai.
func NewFromSettings(cfg config.EmbeddingSettings) (*Chain, error) {
	ollamaHost := cfg.Endpoint
	if ollamaHost == "" {
		ollamaHost = "http://localhost:11434"
	}

	var providers []Embedder
	switch strings.ToLower(cfg.Provider) {
	case "ollama":
		providers = []Embedder{NewOllama(ollamaHost, cfg.Model)}
	case "openai":
		providers = []Embedder{NewOpenAI("", cfg.APIKey, cfg.Model, cfg.Dimensions)}
	case "local":
		providers = []Embedder{NewLocal(cfg.Dimensions)}
	case "auto", "":
		providers = []Embedder{
			NewOllama(ollamaHost, cfg.Model),
			NewOpenAI("", cfg.APIKey, cfg.Model, cfg.Dimensions),
		}
	default:
		return nil, fmt.Errorf("embed: unknown provider %q", cfg.Provider)
	}
	return NewChain(cfg.BatchSize, providers...)
}
