// Package pipeline is the ingestion stage coordinator. Each ingest walks
// parse_normalize, pii_dq, enrich, chunk_embed, and index_publish; stages
// run as queue tasks, record their completion in the stage ledger, and hand
// the canonical payload to the next stage. A stage's failure path checks
// the ledger first so a retried task cannot double-fail an ingest.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/corvuslabs/conduit-go/internal/chunk"
	"github.com/corvuslabs/conduit-go/internal/config"
	"github.com/corvuslabs/conduit-go/internal/embed"
	"github.com/corvuslabs/conduit-go/internal/events"
	"github.com/corvuslabs/conduit-go/internal/extract"
	"github.com/corvuslabs/conduit-go/internal/logging"
	"github.com/corvuslabs/conduit-go/internal/pii"
	"github.com/corvuslabs/conduit-go/internal/queue"
	"github.com/corvuslabs/conduit-go/internal/search"
	"github.com/corvuslabs/conduit-go/internal/state"
	"github.com/corvuslabs/conduit-go/internal/storage"
)

// Stage names, in chain order.
const (
	StageParseNormalize = "parse_normalize"
	StagePIIDQ          = "pii_dq"
	StageEnrich         = "enrich"
	StageChunkEmbed     = "chunk_embed"
	StageIndexPublish   = "index_publish"
	StageReindexQueued  = "reindex_queued"
)

var stageOrder = []string{StageParseNormalize, StagePIIDQ, StageEnrich, StageChunkEmbed, StageIndexPublish}

// nextStage returns the stage after name, or "" at the end of the chain.
func nextStage(name string) string {
	for i, s := range stageOrder {
		if s == name && i+1 < len(stageOrder) {
			return stageOrder[i+1]
		}
	}
	return ""
}

// ObjectStore is the subset of the storage client the pipeline needs.
type ObjectStore interface {
	Get(ctx context.Context, uri string) ([]byte, error)
	PutRedactedText(ctx context.Context, tenantID, ingestID, basename, text string) (string, string, error)
	DeleteIngest(ctx context.Context, tenantID, ingestID string) error
	URI(key string) string
	Bucket() string
}

// Index is the subset of the search client the pipeline needs.
type Index interface {
	EnsureIndex(ctx context.Context, dimensions int) error
	BulkUpsert(ctx context.Context, docs []search.Document) error
	DeleteByQuery(ctx context.Context, tenantID, docID string) error
}

// Coordinator wires the stages to their dependencies.
type Coordinator struct {
	store    *state.Store
	objects  ObjectStore
	extract  *extract.Extractor
	policies pii.Policies
	embedder embed.Embedder
	index    Index
	broker   queue.Broker
	events   events.Publisher
	cfg      *config.Settings
}

// New constructs a Coordinator.
func New(
	store *state.Store,
	objects ObjectStore,
	extractor *extract.Extractor,
	policies pii.Policies,
	embedder embed.Embedder,
	index Index,
	broker queue.Broker,
	publisher events.Publisher,
	cfg *config.Settings,
) *Coordinator {
	return &Coordinator{
		store:    store,
		objects:  objects,
		extract:  extractor,
		policies: policies,
		embedder: embedder,
		index:    index,
		broker:   broker,
		events:   publisher,
		cfg:      cfg,
	}
}

// Start enqueues the first stage for a freshly manifested ingest.
func (c *Coordinator) Start(ctx context.Context, ingestID, tenantID string) error {
	if err := c.store.UpdateStatus(ctx, ingestID, tenantID, state.StatusQueued, "", "", ""); err != nil {
		return err
	}
	return c.broker.Enqueue(ctx, queue.Task{IngestID: ingestID, TenantID: tenantID, Stage: StageParseNormalize})
}

// Reindex requeues a completed ingest through the full chain.
func (c *Coordinator) Reindex(ctx context.Context, ingestID string) error {
	manifest, err := c.store.GetManifest(ctx, ingestID)
	if err != nil {
		return err
	}
	if err := c.store.ResetIngest(ctx, ingestID, manifest.TenantID, StageReindexQueued); err != nil {
		return err
	}
	return c.broker.Enqueue(ctx, queue.Task{IngestID: ingestID, TenantID: manifest.TenantID, Stage: StageParseNormalize})
}

// Delete cascades an ingest out of every store: state rows, object-store
// prefix, then the index.
func (c *Coordinator) Delete(ctx context.Context, ingestID string) error {
	manifest, err := c.store.GetManifest(ctx, ingestID)
	if err != nil {
		return err
	}
	if err := c.store.DeleteIngest(ctx, ingestID); err != nil {
		return err
	}
	if err := c.objects.DeleteIngest(ctx, manifest.TenantID, ingestID); err != nil {
		return fmt.Errorf("pipeline: delete objects: %w", err)
	}
	if err := c.index.DeleteByQuery(ctx, manifest.TenantID, ingestID); err != nil {
		return fmt.Errorf("pipeline: delete index docs: %w", err)
	}
	return nil
}

// Handle dispatches one stage task. It is the queue.Handler for the worker
// pool.
func (c *Coordinator) Handle(ctx context.Context, task queue.Task) error {
	switch task.Stage {
	case StageParseNormalize:
		return c.parseNormalize(ctx, task)
	case StagePIIDQ:
		return c.piiDQ(ctx, task)
	case StageEnrich:
		return c.enrich(ctx, task)
	case StageChunkEmbed:
		return c.chunkEmbed(ctx, task)
	case StageIndexPublish:
		return c.indexPublish(ctx, task)
	}
	return fmt.Errorf("pipeline: unknown stage %q", task.Stage)
}

// manifestFor loads the manifest, logging and returning nil when it is
// missing: a task without a manifest exits without any state change.
func (c *Coordinator) manifestFor(ctx context.Context, ingestID string) *state.Manifest {
	manifest, err := c.store.GetManifest(ctx, ingestID)
	if err != nil {
		logging.FromContext(ctx).Error("pipeline: manifest missing, dropping task",
			slog.String("ingest_id", ingestID),
			slog.Any("error", err),
		)
		return nil
	}
	return manifest
}

// fail transitions the ingest to FAILED and publishes the failure event,
// unless the ledger already shows this stage complete (a retry racing a
// prior success must not fail the ingest).
func (c *Coordinator) fail(ctx context.Context, ingestID, tenantID, stage, reason string) {
	done, err := c.store.StageCompleted(ctx, ingestID, stage)
	if err == nil && done {
		return
	}
	if err := c.store.UpdateStatus(ctx, ingestID, tenantID, state.StatusFailed, stage, reason, reason); err != nil {
		logging.FromContext(ctx).Error("pipeline: record failure", slog.Any("error", err))
	}
	_ = c.events.Publish(ctx, events.Event{
		Kind:     events.IngestionFailed,
		IngestID: ingestID,
		TenantID: tenantID,
		Stage:    stage,
		Reason:   reason,
	})
}

// advance marks the stage complete and enqueues the next one with the
// canonical payload.
func (c *Coordinator) advance(ctx context.Context, ingestID, tenantID, stage string, canonical *Canonical) error {
	prev := ""
	for i, s := range stageOrder {
		if s == stage && i > 0 {
			prev = stageOrder[i-1]
		}
	}
	if err := c.store.MarkStageComplete(ctx, ingestID, stage, prev); err != nil {
		return err
	}

	next := nextStage(stage)
	if next == "" {
		return nil
	}
	payload, err := json.Marshal(canonical)
	if err != nil {
		return fmt.Errorf("pipeline: marshal canonical: %w", err)
	}
	return c.broker.Enqueue(ctx, queue.Task{
		IngestID:  ingestID,
		TenantID:  tenantID,
		Stage:     next,
		Canonical: payload,
	})
}

func decodeCanonical(task queue.Task) *Canonical {
	canonical := &Canonical{Metadata: map[string]any{}}
	if len(task.Canonical) > 0 {
		_ = json.Unmarshal(task.Canonical, canonical)
	}
	if canonical.Metadata == nil {
		canonical.Metadata = map[string]any{}
	}
	return canonical
}

func (c *Coordinator) parseNormalize(ctx context.Context, task queue.Task) error {
	manifest := c.manifestFor(ctx, task.IngestID)
	if manifest == nil {
		return nil
	}
	stage := StageParseNormalize
	if err := c.store.UpdateStatus(ctx, task.IngestID, manifest.TenantID, state.StatusProcessing, stage, "", ""); err != nil {
		return err
	}
	_ = c.events.Publish(ctx, events.Event{
		Kind:     events.IngestionStarted,
		IngestID: task.IngestID,
		TenantID: manifest.TenantID,
		Stage:    stage,
	})

	var raw []byte
	if manifest.ObjectKey != "" {
		data, err := c.objects.Get(ctx, c.objects.URI(manifest.ObjectKey))
		if err != nil {
			logging.FromContext(ctx).Warn("pipeline: landing object fetch failed",
				slog.String("ingest_id", task.IngestID),
				slog.Any("error", err),
			)
		} else {
			raw = data
		}
	}

	filename := manifest.OriginalBasename
	if filename == "" {
		filename = "upload.bin"
	}
	result := c.extract.Extract(ctx, raw, filename, manifest.Mime)
	canonical := buildCanonical(manifest, result, filename)

	return c.advance(ctx, task.IngestID, manifest.TenantID, stage, canonical)
}

func (c *Coordinator) piiDQ(ctx context.Context, task queue.Task) error {
	manifest := c.manifestFor(ctx, task.IngestID)
	if manifest == nil {
		return nil
	}
	stage := StagePIIDQ
	tenantID := manifest.TenantID
	if err := c.store.UpdateStatus(ctx, task.IngestID, tenantID, state.StatusProcessing, stage, "", ""); err != nil {
		return err
	}

	canonical := decodeCanonical(task)
	opts := parseOptions(canonical.Metadata)

	policy := c.policies.Get(opts.Policy)
	action := pii.Action(strings.ToUpper(opts.Action))
	result := pii.Apply(canonical.Text, policy, action, opts.Mask)
	found := result.Total > 0

	piiMeta := map[string]any{
		"found":    found,
		"action":   opts.Action,
		"mask":     opts.Mask,
		"policy":   opts.Policy,
		"total":    result.Total,
		"raw_path": c.objects.URI(manifest.ObjectKey),
	}
	report := map[string]any{}
	for k, v := range result.Report {
		if !strings.HasPrefix(k, "_") {
			report[k] = v
		}
	}
	piiMeta["report"] = report
	canonical.Metadata["pii"] = piiMeta

	lowered := strings.ToLower(opts.Action)
	if found && (lowered == "redact" || lowered == "hash") {
		canonical.Text = result.Text
		basename := manifest.OriginalBasename
		if basename == "" {
			basename = "document.txt"
		}
		uri, key, err := c.objects.PutRedactedText(ctx, tenantID, task.IngestID, basename, result.Text)
		if err != nil {
			c.fail(ctx, task.IngestID, tenantID, stage, fmt.Sprintf("redacted write failed: %v", err))
			return err
		}
		piiMeta["redacted_path"] = uri
		piiMeta["redacted_key"] = key
	} else if found {
		canonical.Text = result.Text
	}

	if found && (lowered == "fail" || lowered == "reject" || opts.FailOnPII) {
		c.fail(ctx, task.IngestID, tenantID, stage, "PII policy violation")
		return nil
	}

	passed, dqReport := pii.RunDQ(pii.DQInput{
		Text:          canonical.Text,
		Lang:          canonical.Lang,
		OCRApplied:    canonical.OCRApplied,
		OCRConfidence: canonical.OCRConfidence,
	}, pii.DQOptions{
		LanguageDetect: true,
		OCRConfMin:     0.5,
		Skip:           opts.Skip,
	})

	if err := c.store.InsertPIIReport(ctx, task.IngestID, tenantID, result.Report); err != nil {
		return err
	}
	if err := c.store.InsertDQReport(ctx, task.IngestID, tenantID, dqReport); err != nil {
		return err
	}

	if !passed {
		if !opts.ContinueOnWarn {
			c.fail(ctx, task.IngestID, tenantID, stage, "DQ checks failed")
			return nil
		}
		canonical.Metadata["dq"] = map[string]any{"status": "WARN", "report": dqReport}
	}

	if err := c.store.MergeManifestMetadata(ctx, task.IngestID, canonical.Metadata); err != nil {
		logging.FromContext(ctx).Warn("pipeline: manifest metadata merge failed",
			slog.String("ingest_id", task.IngestID),
			slog.Any("error", err),
		)
	}

	return c.advance(ctx, task.IngestID, tenantID, stage, canonical)
}

// enrich re-detects language and derives placeholder keyphrases. The
// keyphrase quality is not contractual; the stage exists so enrichment has
// a home in the chain.
func (c *Coordinator) enrich(ctx context.Context, task queue.Task) error {
	manifest := c.manifestFor(ctx, task.IngestID)
	if manifest == nil {
		return nil
	}
	stage := StageEnrich
	if err := c.store.UpdateStatus(ctx, task.IngestID, manifest.TenantID, state.StatusProcessing, stage, "", ""); err != nil {
		return err
	}

	canonical := decodeCanonical(task)
	if detected := pii.DetectLanguage(canonical.Text); detected != "auto" {
		canonical.Lang = detected
	}
	canonical.Keyphrases = keyphrases(canonical.Text, 5)

	return c.advance(ctx, task.IngestID, manifest.TenantID, stage, canonical)
}

func keyphrases(text string, n int) []string {
	fields := strings.Fields(text)
	if len(fields) > n {
		fields = fields[:n]
	}
	return fields
}

func (c *Coordinator) chunkEmbed(ctx context.Context, task queue.Task) error {
	manifest := c.manifestFor(ctx, task.IngestID)
	if manifest == nil {
		return nil
	}
	stage := StageChunkEmbed
	tenantID := manifest.TenantID
	if err := c.store.UpdateStatus(ctx, task.IngestID, tenantID, state.StatusProcessing, stage, "", ""); err != nil {
		return err
	}

	canonical := decodeCanonical(task)
	strategy := chunk.PresetFor(canonical.DocType)
	if canonical.ChunkStrategy != nil {
		strategy = strategy.Merge(canonical.ChunkStrategy.MaxTokens, canonical.ChunkStrategy.OverlapTokens)
	}
	windows := chunk.Split(canonical.Text, strategy)

	docID := canonical.DocID
	if docID == "" {
		docID = task.IngestID
	}

	chunkMeta := c.chunkMetadata(manifest, canonical)
	pageOffsets := pageWordOffsets(canonical.Pages)
	rows := make([]state.Chunk, 0, len(windows))
	for _, w := range windows {
		metadata := make(map[string]any, len(chunkMeta))
		for k, v := range chunkMeta {
			metadata[k] = v
		}
		pageStart := pageForWord(canonical.Pages, pageOffsets, w.Start)
		pageEnd := pageForWord(canonical.Pages, pageOffsets, w.Start+w.TokenCount-1)
		if pageStart > 0 {
			metadata["page"] = pageStart
		}
		rows = append(rows, state.Chunk{
			ChunkID:    chunk.ID(docID, w.Index, w.Text),
			DocID:      docID,
			TenantID:   tenantID,
			Text:       w.Text,
			Lang:       canonical.Lang,
			TokenCount: w.TokenCount,
			ChunkIndex: w.Index,
			PageStart:  pageStart,
			PageEnd:    pageEnd,
			Metadata:   metadata,
		})
	}

	if err := c.store.UpsertChunks(ctx, rows); err != nil {
		c.fail(ctx, task.IngestID, tenantID, stage, fmt.Sprintf("chunk upsert failed: %v", err))
		return err
	}

	return c.advance(ctx, task.IngestID, tenantID, stage, canonical)
}

// pageWordOffsets returns the cumulative word count preceding each page.
// Extractors join page texts with whitespace, so word offsets in the full
// document text line up with these sums.
func pageWordOffsets(pages []extract.Page) []int {
	offsets := make([]int, len(pages))
	total := 0
	for i, p := range pages {
		offsets[i] = total
		total += len(strings.Fields(p.Text))
	}
	return offsets
}

// pageForWord maps a word offset in the document text to the number of the
// page it falls on. Returns 0 when the document has no page structure.
func pageForWord(pages []extract.Page, offsets []int, word int) int {
	if len(pages) == 0 {
		return 0
	}
	page := pages[0].Number
	for i := range pages {
		if offsets[i] > word {
			break
		}
		page = pages[i].Number
	}
	return page
}

// chunkMetadata merges manifest and canonical metadata, strips the
// path-like fields, and re-sets them from the authoritative object key.
func (c *Coordinator) chunkMetadata(manifest *state.Manifest, canonical *Canonical) map[string]any {
	merged := map[string]any{}
	for k, v := range manifest.Metadata {
		merged[k] = v
	}
	for k, v := range canonical.Metadata {
		merged[k] = v
	}
	for _, key := range []string{"path", "raw_path", "object", "object_suffix", "original_basename", "filename", "document_id"} {
		delete(merged, key)
	}

	suffix := manifest.OriginalBasename
	if suffix == "" {
		suffix = manifest.ObjectSuffix
	}
	if suffix == "" {
		suffix = "document.txt"
	}
	rawURI := fmt.Sprintf("%s%s/%s/landing/%s/raw/%s", storage.Scheme, c.objects.Bucket(), manifest.TenantID, manifest.IngestID, suffix)

	merged["path"] = rawURI
	merged["raw_path"] = rawURI
	merged["object"] = manifest.ObjectKey
	merged["object_suffix"] = suffix
	merged["original_basename"] = suffix
	merged["filename"] = suffix
	merged["document_id"] = canonical.DocID
	if _, ok := merged["doc_type"]; !ok {
		merged["doc_type"] = canonical.DocType
	}
	merged["owner"] = canonical.Owner
	merged["ingested_at"] = canonical.IngestedAt
	return merged
}

// citationSpans cuts chunk text into fixed 200-character quote windows
// used by the index for citation anchoring.
func citationSpans(text string) []string {
	const span = 200
	runes := []rune(text)
	var out []string
	for start := 0; start < len(runes); start += span {
		end := start + span
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[start:end]))
	}
	return out
}

// metaInt reads an integer metadata value, tolerating the float64 shape
// JSON round-trips produce.
func metaInt(metadata map[string]any, key string) int {
	switch v := metadata[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func (c *Coordinator) indexPublish(ctx context.Context, task queue.Task) error {
	manifest := c.manifestFor(ctx, task.IngestID)
	if manifest == nil {
		return nil
	}
	stage := StageIndexPublish
	tenantID := manifest.TenantID
	if err := c.store.UpdateStatus(ctx, task.IngestID, tenantID, state.StatusProcessing, stage, "", ""); err != nil {
		return err
	}

	canonical := decodeCanonical(task)
	docID := canonical.DocID
	if docID == "" {
		docID = task.IngestID
	}

	chunks, err := c.store.ChunksByDoc(ctx, docID)
	if err != nil {
		c.fail(ctx, task.IngestID, tenantID, stage, err.Error())
		return err
	}

	texts := make([]string, len(chunks))
	for i, ch := range chunks {
		texts[i] = ch.Text
	}
	ctxEmbed, cancel := context.WithTimeout(ctx, c.cfg.Timeouts.Embedding)
	vectors, err := c.embedder.Embed(ctxEmbed, texts)
	cancel()
	if err != nil {
		c.fail(ctx, task.IngestID, tenantID, stage, err.Error())
		return err
	}

	if err := c.index.EnsureIndex(ctx, c.cfg.Embedding.Dimensions); err != nil {
		c.fail(ctx, task.IngestID, tenantID, stage, err.Error())
		return err
	}

	docs := make([]search.Document, 0, len(chunks))
	for i, ch := range chunks {
		if err := c.store.UpsertVector(ctx, state.Vector{
			ChunkID:   ch.ChunkID,
			TenantID:  tenantID,
			DocID:     docID,
			Embedding: vectors[i],
			Metadata:  ch.Metadata,
		}); err != nil {
			c.fail(ctx, task.IngestID, tenantID, stage, err.Error())
			return err
		}
		section, _ := ch.Metadata["section"].(string)
		docs = append(docs, search.Document{
			ChunkID:    ch.ChunkID,
			DocID:      docID,
			TenantID:   tenantID,
			Text:       ch.Text,
			Embedding:  vectors[i],
			Metadata:   ch.Metadata,
			IngestedAt: canonical.IngestedAt,
			Section:    section,
			Page:       metaInt(ch.Metadata, "page"),
			Spans:      citationSpans(ch.Text),
		})
	}
	if err := c.index.BulkUpsert(ctx, docs); err != nil {
		c.fail(ctx, task.IngestID, tenantID, stage, err.Error())
		return err
	}

	if err := c.advance(ctx, task.IngestID, tenantID, stage, canonical); err != nil {
		return err
	}
	if err := c.store.UpdateStatus(ctx, task.IngestID, tenantID, state.StatusCompleted, stage, "", ""); err != nil {
		return err
	}
	_ = c.events.Publish(ctx, events.Event{
		Kind:      events.IngestionCompleted,
		IngestID:  task.IngestID,
		TenantID:  tenantID,
		Stage:     stage,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	return nil
}
