package state

import (
	"context"
	"errors"
	"testing"
)

// openTestStore opens an in-memory Store for use in tests.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open in-memory store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func putTestManifest(t *testing.T, s *Store, ingestID, tenantID, objectKey string) {
	t.Helper()
	err := s.PutManifest(context.Background(), &Manifest{
		IngestID:  ingestID,
		TenantID:  tenantID,
		ObjectKey: objectKey,
		Labels:    []string{"test"},
		Metadata:  map[string]any{"source": "unit"},
	})
	if err != nil {
		t.Fatalf("put manifest: %v", err)
	}
}

func Test_State_ManifestRoundTrip(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	putTestManifest(t, s, "ing-1", "t1", "t1/landing/ing-1/raw/a.txt")

	m, err := s.GetManifest(ctx, "ing-1")
	if err != nil {
		t.Fatalf("get manifest: %v", err)
	}
	if m.TenantID != "t1" || m.ObjectKey != "t1/landing/ing-1/raw/a.txt" {
		t.Errorf("manifest fields: got %+v", m)
	}
	if len(m.Labels) != 1 || m.Labels[0] != "test" {
		t.Errorf("labels: got %v", m.Labels)
	}
	if m.Metadata["source"] != "unit" {
		t.Errorf("metadata: got %v", m.Metadata)
	}
}

func Test_State_GetManifestNotFound(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	_, err := s.GetManifest(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func Test_State_HasObjectDedupes(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	putTestManifest(t, s, "ing-1", "t1", "t1/landing/ing-1/raw/a.txt")

	ok, err := s.HasObject(ctx, "t1", "t1/landing/ing-1/raw/a.txt")
	if err != nil {
		t.Fatalf("has object: %v", err)
	}
	if !ok {
		t.Error("want true for existing object")
	}
	ok, err = s.HasObject(ctx, "t2", "t1/landing/ing-1/raw/a.txt")
	if err != nil {
		t.Fatalf("has object other tenant: %v", err)
	}
	if ok {
		t.Error("want false for other tenant")
	}
}

func Test_State_StatusTerminalIsAbsorbing(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.UpdateStatus(ctx, "ing-1", "t1", StatusProcessing, "parse_normalize", "", ""); err != nil {
		t.Fatalf("update processing: %v", err)
	}
	if err := s.UpdateStatus(ctx, "ing-1", "t1", StatusFailed, "pii_dq", "boom", "PII policy violation"); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	// A later transition must not resurrect the ingest.
	if err := s.UpdateStatus(ctx, "ing-1", "t1", StatusProcessing, "enrich", "", ""); err != nil {
		t.Fatalf("update after terminal: %v", err)
	}

	ing, err := s.GetIngestion(ctx, "ing-1")
	if err != nil {
		t.Fatalf("get ingestion: %v", err)
	}
	if ing.Status != StatusFailed {
		t.Errorf("status: got %s, want FAILED", ing.Status)
	}
	if ing.DLQReason != "PII policy violation" {
		t.Errorf("dlq_reason: got %q", ing.DLQReason)
	}
	if ing.FinishedAt.Unix() == 0 {
		t.Error("finished_at not set on terminal state")
	}
}

func Test_State_StageLedgerIdempotent(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	done, err := s.StageCompleted(ctx, "ing-1", "parse_normalize")
	if err != nil {
		t.Fatalf("stage completed: %v", err)
	}
	if done {
		t.Error("stage should not be complete yet")
	}

	for range 3 {
		if err := s.MarkStageComplete(ctx, "ing-1", "parse_normalize", ""); err != nil {
			t.Fatalf("mark stage complete: %v", err)
		}
	}

	done, err = s.StageCompleted(ctx, "ing-1", "parse_normalize")
	if err != nil {
		t.Fatalf("stage completed: %v", err)
	}
	if !done {
		t.Error("stage should be complete after marking")
	}
}

func Test_State_ResetIngestBypassesTerminalGuard(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.UpdateStatus(ctx, "ing-1", "t1", StatusCompleted, "index_publish", "", ""); err != nil {
		t.Fatalf("update completed: %v", err)
	}
	if err := s.MarkStageComplete(ctx, "ing-1", "index_publish", "chunk_embed"); err != nil {
		t.Fatalf("mark stage complete: %v", err)
	}

	if err := s.ResetIngest(ctx, "ing-1", "t1", "reindex_queued"); err != nil {
		t.Fatalf("reset ingest: %v", err)
	}

	ing, err := s.GetIngestion(ctx, "ing-1")
	if err != nil {
		t.Fatalf("get ingestion: %v", err)
	}
	if ing.Status != StatusQueued || ing.Stage != "reindex_queued" {
		t.Errorf("got %s / %q, want QUEUED / reindex_queued", ing.Status, ing.Stage)
	}
	done, err := s.StageCompleted(ctx, "ing-1", "index_publish")
	if err != nil {
		t.Fatalf("stage completed: %v", err)
	}
	if done {
		t.Error("ledger must be cleared by reset")
	}
}

func Test_State_ChunkUpsertIgnoresDuplicates(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	chunks := []Chunk{
		{ChunkID: "c1", DocID: "ing-1", TenantID: "t1", Text: "alpha", ChunkIndex: 0},
		{ChunkID: "c2", DocID: "ing-1", TenantID: "t1", Text: "beta", ChunkIndex: 1},
	}
	if err := s.UpsertChunks(ctx, chunks); err != nil {
		t.Fatalf("upsert chunks: %v", err)
	}
	// Re-ingest: same chunk ids, must converge without error or duplication.
	if err := s.UpsertChunks(ctx, chunks); err != nil {
		t.Fatalf("upsert chunks again: %v", err)
	}

	n, err := s.CountChunks(ctx, "ing-1")
	if err != nil {
		t.Fatalf("count chunks: %v", err)
	}
	if n != 2 {
		t.Errorf("chunk count: got %d, want 2", n)
	}
}

func Test_State_VectorUpsertUpdatesEmbedding(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	v := Vector{ChunkID: "c1", TenantID: "t1", DocID: "ing-1", Embedding: []float32{1, 2, 3}}
	if err := s.UpsertVector(ctx, v); err != nil {
		t.Fatalf("upsert vector: %v", err)
	}
	v.Embedding = []float32{4, 5, 6}
	if err := s.UpsertVector(ctx, v); err != nil {
		t.Fatalf("upsert vector again: %v", err)
	}

	n, err := s.CountVectors(ctx, "ing-1")
	if err != nil {
		t.Fatalf("count vectors: %v", err)
	}
	if n != 1 {
		t.Errorf("vector count: got %d, want 1", n)
	}
}

func Test_State_DeleteIngestCascades(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	putTestManifest(t, s, "ing-1", "t1", "t1/landing/ing-1/raw/a.txt")
	if err := s.UpdateStatus(ctx, "ing-1", "t1", StatusProcessing, "chunk_embed", "", ""); err != nil {
		t.Fatalf("update status: %v", err)
	}
	if err := s.UpsertChunks(ctx, []Chunk{{ChunkID: "c1", DocID: "ing-1", TenantID: "t1", Text: "x"}}); err != nil {
		t.Fatalf("upsert chunks: %v", err)
	}
	if err := s.UpsertVector(ctx, Vector{ChunkID: "c1", TenantID: "t1", DocID: "ing-1", Embedding: []float32{1}}); err != nil {
		t.Fatalf("upsert vector: %v", err)
	}
	if err := s.InsertDQReport(ctx, "ing-1", "t1", map[string]any{"not_empty": true}); err != nil {
		t.Fatalf("insert dq: %v", err)
	}
	if err := s.InsertPIIReport(ctx, "ing-1", "t1", map[string]any{"_total": 0}); err != nil {
		t.Fatalf("insert pii: %v", err)
	}
	if err := s.MarkStageComplete(ctx, "ing-1", "parse_normalize", ""); err != nil {
		t.Fatalf("mark stage: %v", err)
	}
	if err := s.MarkStageComplete(ctx, "ing-1", "pii_dq", "parse_normalize"); err != nil {
		t.Fatalf("mark stage 2: %v", err)
	}

	if err := s.DeleteIngest(ctx, "ing-1"); err != nil {
		t.Fatalf("delete ingest: %v", err)
	}

	if _, err := s.GetManifest(ctx, "ing-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("manifest not deleted: %v", err)
	}
	if _, err := s.GetIngestion(ctx, "ing-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("ingestion not deleted: %v", err)
	}
	n, _ := s.CountChunks(ctx, "ing-1")
	if n != 0 {
		t.Errorf("chunks remain: %d", n)
	}
	n, _ = s.CountVectors(ctx, "ing-1")
	if n != 0 {
		t.Errorf("vectors remain: %d", n)
	}
	done, _ := s.StageCompleted(ctx, "ing-1", "parse_normalize")
	if done {
		t.Error("ledger rows remain after delete")
	}
}

func Test_State_ListIngestionsNewestFirst(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	putTestManifest(t, s, "ing-a", "t1", "t1/landing/ing-a/raw/a.txt")
	putTestManifest(t, s, "ing-b", "t1", "t1/landing/ing-b/raw/b.txt")
	putTestManifest(t, s, "ing-x", "t2", "t2/landing/ing-x/raw/x.txt")
	if err := s.UpdateStatus(ctx, "ing-b", "t1", StatusCompleted, "index_publish", "", ""); err != nil {
		t.Fatalf("update status: %v", err)
	}

	items, err := s.ListIngestions(ctx, "t1", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("list length: got %d, want 2", len(items))
	}
	for _, it := range items {
		if it.Manifest.TenantID != "t1" {
			t.Errorf("tenant isolation failed: %+v", it.Manifest)
		}
	}
	// ing-b has a status row; ing-a projects as QUEUED.
	for _, it := range items {
		switch it.Manifest.IngestID {
		case "ing-b":
			if it.Ingestion.Status != StatusCompleted {
				t.Errorf("ing-b status: got %s", it.Ingestion.Status)
			}
		case "ing-a":
			if it.Ingestion.Status != StatusQueued {
				t.Errorf("ing-a status: got %s", it.Ingestion.Status)
			}
		}
	}
}
