package commands

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/corvuslabs/conduit-go/internal/config"
	"github.com/corvuslabs/conduit-go/internal/embed"
	"github.com/corvuslabs/conduit-go/internal/events"
	"github.com/corvuslabs/conduit-go/internal/extract"
	"github.com/corvuslabs/conduit-go/internal/llm"
	"github.com/corvuslabs/conduit-go/internal/memory"
	"github.com/corvuslabs/conduit-go/internal/orchestrator"
	"github.com/corvuslabs/conduit-go/internal/pii"
	"github.com/corvuslabs/conduit-go/internal/pipeline"
	"github.com/corvuslabs/conduit-go/internal/planner"
	"github.com/corvuslabs/conduit-go/internal/queue"
	"github.com/corvuslabs/conduit-go/internal/retrieve"
	"github.com/corvuslabs/conduit-go/internal/risk"
	"github.com/corvuslabs/conduit-go/internal/search"
	"github.com/corvuslabs/conduit-go/internal/state"
	"github.com/corvuslabs/conduit-go/internal/storage"
	"github.com/corvuslabs/conduit-go/internal/synthesize"
)

// deps holds every wired component shared by the serve, worker, and ingest
// commands.
type deps struct {
	cfg     *config.Settings
	store   *state.Store
	objects *storage.Client
	index   *search.Client
	broker  queue.Broker
	events  events.Publisher
	coord   *pipeline.Coordinator
	orch    *orchestrator.Orchestrator
}

// close releases the broker, event publisher, and state store.
func (d *deps) close() {
	_ = d.broker.Close()
	_ = d.events.Close()
	_ = d.store.Close()
}

// buildDeps snapshots the environment into Settings and wires the full
// component graph.
func buildDeps(ctx context.Context, log *slog.Logger) (*deps, error) {
	cfg := config.FromEnv()

	st, err := state.Open(cfg.State.Path)
	if err != nil {
		return nil, err
	}

	objects, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	if err := objects.EnsureBucket(ctx); err != nil {
		// The bucket usually pre-exists; creation only matters on first boot.
		log.Warn("storage: ensure bucket", slog.Any("error", err))
	}

	index := search.New(cfg.Index.URL, cfg.Index.Name)
	broker := newBroker(cfg.Broker)
	publisher := events.NewFromSettings(cfg.Events)

	embedder, err := embed.NewFromSettings(cfg.Embedding)
	if err != nil {
		_ = broker.Close()
		_ = st.Close()
		return nil, fmt.Errorf("wiring: embedder: %w", err)
	}

	var ocr extract.OCRClient
	if cfg.OCR.Enabled {
		ocr = extract.NewHTTPOCR(cfg.OCR.URL, cfg.OCR.Langs)
	}
	extractor := extract.New(ocr, cfg.OCR.Enabled)

	policies, err := pii.LoadPolicies(cfg.PII.PolicyFile)
	if err != nil {
		_ = broker.Close()
		_ = st.Close()
		return nil, fmt.Errorf("wiring: pii policies: %w", err)
	}

	coord := pipeline.New(st, objects, extractor, policies, embedder, index, broker, publisher, cfg)

	gateway, err := llm.NewFromSettings(cfg.Model, cfg.Timeouts.LLM)
	if err != nil {
		_ = broker.Close()
		_ = st.Close()
		return nil, fmt.Errorf("wiring: llm gateway: %w", err)
	}

	var retOpts []retrieve.Option
	if cfg.RAG.RerankURL != "" {
		retOpts = append(retOpts, retrieve.WithReranker(retrieve.NewHTTPReranker(cfg.RAG.RerankURL)))
	}
	retriever := retrieve.New(index, embedder, cfg.RAG.VectorTopK, cfg.RAG.VectorMinScore, retOpts...)

	orch := orchestrator.New(
		memory.NewStore(),
		planner.New(gateway),
		retriever,
		risk.NewService(cfg.Risk, cfg.Timeouts.Simulator),
		synthesize.New(gateway, cfg.RAG.DocsBaseURL),
		cfg,
	)

	return &deps{
		cfg:     cfg,
		store:   st,
		objects: objects,
		index:   index,
		broker:  broker,
		events:  publisher,
		coord:   coord,
		orch:    orch,
	}, nil
}

// newBroker selects the stage queue backend. REDIS_ADDR set to "memory" (or
// empty) yields the in-process broker for single-binary development.
func newBroker(cfg config.BrokerSettings) queue.Broker {
	if cfg.RedisAddr == "" || cfg.RedisAddr == "memory" {
		return queue.NewMemoryBroker(256)
	}
	return queue.NewRedisBroker(cfg)
}
