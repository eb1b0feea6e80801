// Package state provides the SQLite-backed durable state for the ingestion
// pipeline: manifests, per-ingest status rows, chunks, vectors, DQ/PII
// reports, and the lineage graph that doubles as the stage idempotency
// ledger. One Store instance is shared by the HTTP server and the workers.
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver
)

// ErrNotFound is returned when a manifest or ingestion row does not exist.
var ErrNotFound = errors.New("state: not found")

// Status is the lifecycle state of an ingest attempt.
type Status string

const (
	// StatusQueued means the ingest is waiting for its first stage.
	StatusQueued Status = "QUEUED"
	// StatusProcessing means a stage is currently executing.
	StatusProcessing Status = "PROCESSING"
	// StatusCompleted is terminal success.
	StatusCompleted Status = "COMPLETED"
	// StatusFailed is terminal failure; dlq_reason explains why.
	StatusFailed Status = "FAILED"
)

// Terminal reports whether s is an absorbing state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Manifest describes one ingested object. Immutable after creation except
// for metadata merges performed by later stages.
type Manifest struct {
	IngestID         string
	TenantID         string
	Source           string
	ObjectKey        string
	ObjectSuffix     string
	OriginalBasename string
	DocType          string
	Checksum         string
	Size             int64
	Mime             string
	Uploader         string
	Labels           []string
	Metadata         map[string]any
	CreatedAt        time.Time
}

// Ingestion is the per-ingest status row.
type Ingestion struct {
	IngestID   string
	TenantID   string
	Status     Status
	Stage      string
	StartedAt  time.Time
	FinishedAt time.Time
	Error      string
	DLQReason  string
	UpdatedAt  time.Time
}

// Chunk is one word-window of a document's extracted text.
type Chunk struct {
	ChunkID     string
	DocID       string
	TenantID    string
	Text        string
	Lang        string
	TokenCount  int
	SectionPath string
	PageStart   int
	PageEnd     int
	IsTable     bool
	ChunkIndex  int
	Metadata    map[string]any
}

// Vector is the embedding for one chunk.
type Vector struct {
	ChunkID   string
	TenantID  string
	DocID     string
	Embedding []float32
	Metadata  map[string]any
}

// IngestionListing is one row of the manifest×state join returned by
// ListIngestions.
type IngestionListing struct {
	Manifest  Manifest
	Ingestion Ingestion
}

// Store is the SQLite-backed state store. Safe for concurrent use; writes
// are serialized through a single connection.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a Store at the given path and runs the schema
// migration. Use ":memory:" for an in-memory database in tests.
func Open(path string) (*Store, error) {
	// WAL mode improves concurrent read performance and is safe for single-host use.
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("state: open %s: %w", path, err)
	}
	// Limit to a single writer connection to avoid SQLITE_BUSY under concurrent writes.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// migrate creates the schema if it does not already exist.
func (s *Store) migrate() error {
	const ddl = `
CREATE TABLE IF NOT EXISTS manifests (
    ingest_id         TEXT PRIMARY KEY,
    tenant_id         TEXT NOT NULL,
    source            TEXT NOT NULL DEFAULT '',
    object_key        TEXT NOT NULL,
    object_suffix     TEXT NOT NULL DEFAULT '',
    original_basename TEXT NOT NULL DEFAULT '',
    doc_type          TEXT NOT NULL DEFAULT '',
    checksum          TEXT NOT NULL DEFAULT '',
    size              INTEGER NOT NULL DEFAULT 0,
    mime              TEXT NOT NULL DEFAULT '',
    uploader          TEXT NOT NULL DEFAULT '',
    labels            TEXT NOT NULL DEFAULT '[]',
    metadata          TEXT NOT NULL DEFAULT '{}',
    created_at        INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_manifests_tenant_object
    ON manifests (tenant_id, object_key);

CREATE TABLE IF NOT EXISTS ingestions (
    ingest_id   TEXT PRIMARY KEY,
    tenant_id   TEXT NOT NULL,
    status      TEXT NOT NULL CHECK(status IN ('QUEUED','PROCESSING','COMPLETED','FAILED')),
    stage       TEXT NOT NULL DEFAULT '',
    started_at  INTEGER NOT NULL DEFAULT 0,
    finished_at INTEGER NOT NULL DEFAULT 0,
    error       TEXT NOT NULL DEFAULT '',
    dlq_reason  TEXT NOT NULL DEFAULT '',
    updated_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS chunks (
    chunk_id     TEXT PRIMARY KEY,
    doc_id       TEXT NOT NULL,
    tenant_id    TEXT NOT NULL,
    text         TEXT NOT NULL,
    lang         TEXT NOT NULL DEFAULT '',
    token_count  INTEGER NOT NULL DEFAULT 0,
    section_path TEXT NOT NULL DEFAULT '',
    page_start   INTEGER NOT NULL DEFAULT 0,
    page_end     INTEGER NOT NULL DEFAULT 0,
    is_table     INTEGER NOT NULL DEFAULT 0,
    chunk_index  INTEGER NOT NULL DEFAULT 0,
    metadata     TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_chunks_doc ON chunks (doc_id);

CREATE TABLE IF NOT EXISTS vectors (
    chunk_id  TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    doc_id    TEXT NOT NULL,
    embedding TEXT NOT NULL,
    metadata  TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_vectors_doc ON vectors (doc_id);

CREATE TABLE IF NOT EXISTS dq_reports (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    ingest_id  TEXT NOT NULL,
    tenant_id  TEXT NOT NULL,
    report     TEXT NOT NULL,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS pii_reports (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    ingest_id  TEXT NOT NULL,
    tenant_id  TEXT NOT NULL,
    report     TEXT NOT NULL,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS lineage_nodes (
    node_id    TEXT PRIMARY KEY,
    ingest_id  TEXT NOT NULL,
    kind       TEXT NOT NULL,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_lineage_nodes_ingest ON lineage_nodes (ingest_id);

CREATE TABLE IF NOT EXISTS lineage_edges (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    parent     TEXT NOT NULL,
    child      TEXT NOT NULL,
    created_at INTEGER NOT NULL
);
`
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("state: migrate: %w", err)
	}
	return nil
}

// Ping verifies the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("state: ping: %w", err)
	}
	return nil
}

// Close releases the database connection pool.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("state: close: %w", err)
	}
	return nil
}

// PutManifest inserts a manifest row. The (tenant_id, object_key) pair must
// be unique across the table.
func (s *Store) PutManifest(ctx context.Context, m *Manifest) error {
	labels, err := json.Marshal(m.Labels)
	if err != nil {
		return fmt.Errorf("state: marshal labels: %w", err)
	}
	meta, err := marshalMeta(m.Metadata)
	if err != nil {
		return err
	}
	created := m.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	const q = `
INSERT INTO manifests
    (ingest_id, tenant_id, source, object_key, object_suffix, original_basename,
     doc_type, checksum, size, mime, uploader, labels, metadata, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, q,
		m.IngestID, m.TenantID, m.Source, m.ObjectKey, m.ObjectSuffix, m.OriginalBasename,
		m.DocType, m.Checksum, m.Size, m.Mime, m.Uploader, string(labels), meta, created.Unix())
	if err != nil {
		return fmt.Errorf("state: put manifest: %w", err)
	}
	return nil
}

// GetManifest returns the manifest for ingestID, or ErrNotFound.
func (s *Store) GetManifest(ctx context.Context, ingestID string) (*Manifest, error) {
	const q = `
SELECT ingest_id, tenant_id, source, object_key, object_suffix, original_basename,
       doc_type, checksum, size, mime, uploader, labels, metadata, created_at
FROM   manifests WHERE ingest_id = ?`
	row := s.db.QueryRowContext(ctx, q, ingestID)
	m, err := scanManifest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("state: get manifest: %w", err)
	}
	return m, nil
}

// HasObject reports whether a manifest already exists for the given
// (tenant_id, object_key). Used by the webhook path to dedupe events.
func (s *Store) HasObject(ctx context.Context, tenantID, objectKey string) (bool, error) {
	const q = `SELECT COUNT(1) FROM manifests WHERE tenant_id = ? AND object_key = ?`
	var n int
	if err := s.db.QueryRowContext(ctx, q, tenantID, objectKey).Scan(&n); err != nil {
		return false, fmt.Errorf("state: has object: %w", err)
	}
	return n > 0, nil
}

// MergeManifestMetadata merges extra keys into the manifest's metadata map.
// Existing keys are overwritten by extra.
func (s *Store) MergeManifestMetadata(ctx context.Context, ingestID string, extra map[string]any) error {
	m, err := s.GetManifest(ctx, ingestID)
	if err != nil {
		return err
	}
	if m.Metadata == nil {
		m.Metadata = map[string]any{}
	}
	for k, v := range extra {
		m.Metadata[k] = v
	}
	meta, err := marshalMeta(m.Metadata)
	if err != nil {
		return err
	}
	const q = `UPDATE manifests SET metadata = ? WHERE ingest_id = ?`
	if _, err := s.db.ExecContext(ctx, q, meta, ingestID); err != nil {
		return fmt.Errorf("state: merge manifest metadata: %w", err)
	}
	return nil
}

// UpdateStatus upserts the ingestion row for ingestID. Terminal states are
// absorbing: once COMPLETED or FAILED the row is never rewritten. started_at
// is set the first time the ingest leaves QUEUED; finished_at is set when a
// terminal state is entered.
func (s *Store) UpdateStatus(ctx context.Context, ingestID, tenantID string, status Status, stage, errMsg, dlqReason string) error {
	now := time.Now().Unix()

	cur, err := s.GetIngestion(ctx, ingestID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if cur != nil && cur.Status.Terminal() {
		return nil
	}

	started := int64(0)
	if cur != nil {
		started = cur.StartedAt.Unix()
		if started < 0 {
			started = 0
		}
	}
	if started == 0 && status == StatusProcessing {
		started = now
	}
	finished := int64(0)
	if status.Terminal() {
		finished = now
	}

	const q = `
INSERT INTO ingestions (ingest_id, tenant_id, status, stage, started_at, finished_at, error, dlq_reason, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(ingest_id) DO UPDATE SET
    status      = excluded.status,
    stage       = excluded.stage,
    started_at  = excluded.started_at,
    finished_at = excluded.finished_at,
    error       = excluded.error,
    dlq_reason  = excluded.dlq_reason,
    updated_at  = excluded.updated_at`
	if _, err := s.db.ExecContext(ctx, q, ingestID, tenantID, string(status), stage, started, finished, errMsg, dlqReason, now); err != nil {
		return fmt.Errorf("state: update status: %w", err)
	}
	return nil
}

// GetIngestion returns the status row for ingestID, or ErrNotFound.
func (s *Store) GetIngestion(ctx context.Context, ingestID string) (*Ingestion, error) {
	const q = `
SELECT ingest_id, tenant_id, status, stage, started_at, finished_at, error, dlq_reason, updated_at
FROM   ingestions WHERE ingest_id = ?`
	var ing Ingestion
	var status string
	var started, finished, updated int64
	err := s.db.QueryRowContext(ctx, q, ingestID).Scan(
		&ing.IngestID, &ing.TenantID, &status, &ing.Stage,
		&started, &finished, &ing.Error, &ing.DLQReason, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("state: get ingestion: %w", err)
	}
	ing.Status = Status(status)
	ing.StartedAt = time.Unix(started, 0)
	ing.FinishedAt = time.Unix(finished, 0)
	ing.UpdatedAt = time.Unix(updated, 0)
	return &ing, nil
}

// ListIngestions returns up to limit manifest×state joins for the tenant,
// newest first. Manifests with no status row yet are included with a QUEUED
// projection.
func (s *Store) ListIngestions(ctx context.Context, tenantID string, limit int) ([]IngestionListing, error) {
	const q = `
SELECT m.ingest_id, m.tenant_id, m.source, m.object_key, m.object_suffix, m.original_basename,
       m.doc_type, m.checksum, m.size, m.mime, m.uploader, m.labels, m.metadata, m.created_at,
       COALESCE(i.status, 'QUEUED'), COALESCE(i.stage, ''),
       COALESCE(i.started_at, 0), COALESCE(i.finished_at, 0),
       COALESCE(i.error, ''), COALESCE(i.dlq_reason, ''), COALESCE(i.updated_at, 0)
FROM   manifests m
LEFT JOIN ingestions i ON i.ingest_id = m.ingest_id
WHERE  m.tenant_id = ?
ORDER  BY m.created_at DESC, m.ingest_id DESC
LIMIT  ?`
	rows, err := s.db.QueryContext(ctx, q, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("state: list ingestions: %w", err)
	}
	defer rows.Close()

	var out []IngestionListing
	for rows.Next() {
		var l IngestionListing
		var labels, meta, status string
		var created, started, finished, updated int64
		if err := rows.Scan(
			&l.Manifest.IngestID, &l.Manifest.TenantID, &l.Manifest.Source,
			&l.Manifest.ObjectKey, &l.Manifest.ObjectSuffix, &l.Manifest.OriginalBasename,
			&l.Manifest.DocType, &l.Manifest.Checksum, &l.Manifest.Size, &l.Manifest.Mime,
			&l.Manifest.Uploader, &labels, &meta, &created,
			&status, &l.Ingestion.Stage, &started, &finished,
			&l.Ingestion.Error, &l.Ingestion.DLQReason, &updated,
		); err != nil {
			return nil, fmt.Errorf("state: list scan: %w", err)
		}
		if err := json.Unmarshal([]byte(labels), &l.Manifest.Labels); err != nil {
			return nil, fmt.Errorf("state: list labels: %w", err)
		}
		if err := json.Unmarshal([]byte(meta), &l.Manifest.Metadata); err != nil {
			return nil, fmt.Errorf("state: list metadata: %w", err)
		}
		l.Manifest.CreatedAt = time.Unix(created, 0)
		l.Ingestion.IngestID = l.Manifest.IngestID
		l.Ingestion.TenantID = l.Manifest.TenantID
		l.Ingestion.Status = Status(status)
		l.Ingestion.StartedAt = time.Unix(started, 0)
		l.Ingestion.FinishedAt = time.Unix(finished, 0)
		l.Ingestion.UpdatedAt = time.Unix(updated, 0)
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("state: list rows: %w", err)
	}
	return out, nil
}

// UpsertChunks inserts chunk rows, ignoring chunk_ids that already exist.
// chunk_id is a stable content hash, so re-ingest converges.
func (s *Store) UpsertChunks(ctx context.Context, chunks []Chunk) error {
	const q = `
INSERT OR IGNORE INTO chunks
    (chunk_id, doc_id, tenant_id, text, lang, token_count, section_path,
     page_start, page_end, is_table, chunk_index, metadata)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("state: upsert chunks begin: %w", err)
	}
	defer tx.Rollback()
	for _, c := range chunks {
		meta, err := marshalMeta(c.Metadata)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, q,
			c.ChunkID, c.DocID, c.TenantID, c.Text, c.Lang, c.TokenCount, c.SectionPath,
			c.PageStart, c.PageEnd, boolInt(c.IsTable), c.ChunkIndex, meta); err != nil {
			return fmt.Errorf("state: upsert chunk %s: %w", c.ChunkID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("state: upsert chunks commit: %w", err)
	}
	return nil
}

// ChunksByDoc returns all chunks for docID ordered by chunk_index.
func (s *Store) ChunksByDoc(ctx context.Context, docID string) ([]Chunk, error) {
	const q = `
SELECT chunk_id, doc_id, tenant_id, text, lang, token_count, section_path,
       page_start, page_end, is_table, chunk_index, metadata
FROM   chunks WHERE doc_id = ? ORDER BY chunk_index ASC`
	rows, err := s.db.QueryContext(ctx, q, docID)
	if err != nil {
		return nil, fmt.Errorf("state: chunks by doc: %w", err)
	}
	defer rows.Close()

	var out []Chunk
	for rows.Next() {
		var c Chunk
		var isTable int
		var meta string
		if err := rows.Scan(&c.ChunkID, &c.DocID, &c.TenantID, &c.Text, &c.Lang,
			&c.TokenCount, &c.SectionPath, &c.PageStart, &c.PageEnd, &isTable,
			&c.ChunkIndex, &meta); err != nil {
			return nil, fmt.Errorf("state: chunks scan: %w", err)
		}
		c.IsTable = isTable != 0
		if err := json.Unmarshal([]byte(meta), &c.Metadata); err != nil {
			return nil, fmt.Errorf("state: chunks metadata: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("state: chunks rows: %w", err)
	}
	return out, nil
}

// UpsertVector inserts or replaces the embedding for a chunk. On conflict
// the embedding and metadata are updated in place.
func (s *Store) UpsertVector(ctx context.Context, v Vector) error {
	emb, err := json.Marshal(v.Embedding)
	if err != nil {
		return fmt.Errorf("state: marshal embedding: %w", err)
	}
	meta, err := marshalMeta(v.Metadata)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO vectors (chunk_id, tenant_id, doc_id, embedding, metadata)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(chunk_id) DO UPDATE SET
    embedding = excluded.embedding,
    metadata  = excluded.metadata`
	if _, err := s.db.ExecContext(ctx, q, v.ChunkID, v.TenantID, v.DocID, string(emb), meta); err != nil {
		return fmt.Errorf("state: upsert vector: %w", err)
	}
	return nil
}

// CountChunks returns the number of chunk rows for docID.
func (s *Store) CountChunks(ctx context.Context, docID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM chunks WHERE doc_id = ?`, docID).Scan(&n); err != nil {
		return 0, fmt.Errorf("state: count chunks: %w", err)
	}
	return n, nil
}

// CountVectors returns the number of vector rows for docID.
func (s *Store) CountVectors(ctx context.Context, docID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM vectors WHERE doc_id = ?`, docID).Scan(&n); err != nil {
		return 0, fmt.Errorf("state: count vectors: %w", err)
	}
	return n, nil
}

// InsertDQReport appends a DQ report row.
func (s *Store) InsertDQReport(ctx context.Context, ingestID, tenantID string, report map[string]any) error {
	return s.insertReport(ctx, "dq_reports", ingestID, tenantID, report)
}

// InsertPIIReport appends a PII report row.
func (s *Store) InsertPIIReport(ctx context.Context, ingestID, tenantID string, report map[string]any) error {
	return s.insertReport(ctx, "pii_reports", ingestID, tenantID, report)
}

func (s *Store) insertReport(ctx context.Context, table, ingestID, tenantID string, report map[string]any) error {
	data, err := marshalMeta(report)
	if err != nil {
		return err
	}
	q := fmt.Sprintf(`INSERT INTO %s (ingest_id, tenant_id, report, created_at) VALUES (?, ?, ?, ?)`, table)
	if _, err := s.db.ExecContext(ctx, q, ingestID, tenantID, data, time.Now().Unix()); err != nil {
		return fmt.Errorf("state: insert %s: %w", table, err)
	}
	return nil
}

// stageNode builds the ledger node id for a completed stage.
func stageNode(ingestID, stage string) string {
	return ingestID + ":stage:" + stage + ":completed"
}

// MarkStageComplete records a stage's completion in the ledger. Insertion is
// idempotent. When prevStage is non-empty an edge from the previous stage's
// node is recorded as well.
func (s *Store) MarkStageComplete(ctx context.Context, ingestID, stage, prevStage string) error {
	now := time.Now().Unix()
	const qn = `INSERT OR IGNORE INTO lineage_nodes (node_id, ingest_id, kind, created_at) VALUES (?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, qn, stageNode(ingestID, stage), ingestID, "stage:"+stage+":completed", now); err != nil {
		return fmt.Errorf("state: mark stage complete: %w", err)
	}
	if prevStage != "" {
		const qe = `INSERT INTO lineage_edges (parent, child, created_at) VALUES (?, ?, ?)`
		if _, err := s.db.ExecContext(ctx, qe, stageNode(ingestID, prevStage), stageNode(ingestID, stage), now); err != nil {
			return fmt.Errorf("state: mark stage edge: %w", err)
		}
	}
	return nil
}

// StageCompleted reports whether the ledger already records the stage as
// complete for ingestID.
func (s *Store) StageCompleted(ctx context.Context, ingestID, stage string) (bool, error) {
	const q = `SELECT COUNT(1) FROM lineage_nodes WHERE node_id = ?`
	var n int
	if err := s.db.QueryRowContext(ctx, q, stageNode(ingestID, stage)).Scan(&n); err != nil {
		return false, fmt.Errorf("state: stage completed: %w", err)
	}
	return n > 0, nil
}

// ResetIngest rewrites the ingestion row to QUEUED, bypassing the
// terminal-state guard, and clears the stage ledger so a reindex run
// records fresh completions.
func (s *Store) ResetIngest(ctx context.Context, ingestID, tenantID, stage string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("state: reset begin: %w", err)
	}
	defer tx.Rollback()

	like := ingestID + ":%"
	if _, err := tx.ExecContext(ctx, `DELETE FROM lineage_edges WHERE parent LIKE ? OR child LIKE ?`, like, like); err != nil {
		return fmt.Errorf("state: reset ledger edges: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM lineage_nodes WHERE ingest_id = ?`, ingestID); err != nil {
		return fmt.Errorf("state: reset ledger nodes: %w", err)
	}
	const q = `
INSERT INTO ingestions (ingest_id, tenant_id, status, stage, started_at, finished_at, error, dlq_reason, updated_at)
VALUES (?, ?, ?, ?, 0, 0, '', '', ?)
ON CONFLICT(ingest_id) DO UPDATE SET
    status      = excluded.status,
    stage       = excluded.stage,
    started_at  = 0,
    finished_at = 0,
    error       = '',
    dlq_reason  = '',
    updated_at  = excluded.updated_at`
	if _, err := tx.ExecContext(ctx, q, ingestID, tenantID, string(StatusQueued), stage, time.Now().Unix()); err != nil {
		return fmt.Errorf("state: reset status: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("state: reset commit: %w", err)
	}
	return nil
}

// DeleteIngest removes every row belonging to ingestID: vectors, chunks,
// DQ/PII reports, lineage edges in both directions, lineage nodes, the
// manifest, and the ingestion row. Object store and index cleanup is the
// caller's responsibility.
func (s *Store) DeleteIngest(ctx context.Context, ingestID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("state: delete begin: %w", err)
	}
	defer tx.Rollback()

	like := ingestID + ":%"
	stmts := []struct {
		q    string
		args []any
	}{
		{`DELETE FROM vectors WHERE doc_id = ?`, []any{ingestID}},
		{`DELETE FROM chunks WHERE doc_id = ?`, []any{ingestID}},
		{`DELETE FROM dq_reports WHERE ingest_id = ?`, []any{ingestID}},
		{`DELETE FROM pii_reports WHERE ingest_id = ?`, []any{ingestID}},
		{`DELETE FROM lineage_edges WHERE parent LIKE ? OR child LIKE ?`, []any{like, like}},
		{`DELETE FROM lineage_nodes WHERE ingest_id = ?`, []any{ingestID}},
		{`DELETE FROM manifests WHERE ingest_id = ?`, []any{ingestID}},
		{`DELETE FROM ingestions WHERE ingest_id = ?`, []any{ingestID}},
	}
	for _, st := range stmts {
		if _, err := tx.ExecContext(ctx, st.q, st.args...); err != nil {
			return fmt.Errorf("state: delete ingest: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("state: delete commit: %w", err)
	}
	return nil
}

// scanner abstracts *sql.Row / *sql.Rows for manifest scanning.
type scanner interface {
	Scan(dest ...any) error
}

func scanManifest(row scanner) (*Manifest, error) {
	var m Manifest
	var labels, meta string
	var created int64
	if err := row.Scan(&m.IngestID, &m.TenantID, &m.Source, &m.ObjectKey,
		&m.ObjectSuffix, &m.OriginalBasename, &m.DocType, &m.Checksum,
		&m.Size, &m.Mime, &m.Uploader, &labels, &meta, &created); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(labels), &m.Labels); err != nil {
		return nil, fmt.Errorf("state: manifest labels: %w", err)
	}
	if err := json.Unmarshal([]byte(meta), &m.Metadata); err != nil {
		return nil, fmt.Errorf("state: manifest metadata: %w", err)
	}
	m.CreatedAt = time.Unix(created, 0)
	return &m, nil
}

func marshalMeta(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("state: marshal metadata: %w", err)
	}
	return string(data), nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
