package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/corvuslabs/conduit-go/internal/orchestrator"
	"github.com/corvuslabs/conduit-go/internal/state"
)

// Config holds the HTTP server configuration.
type Config struct {
	// Host is the address to bind to (default: 0.0.0.0).
	Host string
	// Port is the TCP port to listen on (default: 8080).
	Port int
	// ReadTimeout is the maximum duration for reading the request.
	ReadTimeout time.Duration
	// WriteTimeout is the maximum duration for writing the response.
	WriteTimeout time.Duration
	// ShutdownTimeout is the maximum duration for a graceful shutdown.
	ShutdownTimeout time.Duration
	// Logger is the structured logger used by the server and its handlers.
	// If nil, slog.Default() is used.
	Logger *slog.Logger
	// Pingers is the ordered list of dependency probes run by GET /ready.
	// If empty, /ready returns 200 with no checks (liveness-only mode).
	Pingers []Pinger
	// RateLimit is the sustained request rate allowed per IP on rate-limited
	// endpoints (requests/second). Defaults to 10 if zero.
	RateLimit float64
	// RateBurst is the maximum instantaneous burst per IP. Defaults to 20 if zero.
	RateBurst int
	// APIKey is the Bearer token required on all protected /v1/* routes.
	// If empty, authentication is disabled (development mode).
	APIKey string
	// MetricsRegistry receives all server metric registrations. If nil, a
	// fresh private registry is created and also used as the gatherer.
	MetricsRegistry prometheus.Registerer
	// MetricsGatherer backs GET /metrics. If nil, a fresh private registry
	// shared with MetricsRegistry is used.
	MetricsGatherer prometheus.Gatherer
	// MaxUploadBytes bounds the multipart memory buffer on POST /v1/ingest.
	// Defaults to 64 MiB if zero.
	MaxUploadBytes int64
}

// ingestPipeline is the interface the handlers use to drive the stage
// machine. *pipeline.Coordinator satisfies it; tests inject a fake.
type ingestPipeline interface {
	// Start enqueues the first stage for a freshly manifested ingest.
	Start(ctx context.Context, ingestID, tenantID string) error
	// Reindex requeues an existing ingest through the full chain.
	Reindex(ctx context.Context, ingestID string) error
	// Delete cascades removal across state, object store, and index.
	Delete(ctx context.Context, ingestID string) error
}

// querier is the interface handleQuery calls to answer a message.
// *orchestrator.Orchestrator satisfies it; tests inject a fake.
type querier interface {
	Handle(ctx context.Context, threadID, message, model string, meta map[string]any) orchestrator.Response
}

// objectStore is the subset of the storage client the handlers need.
type objectStore interface {
	// PutRaw writes the raw upload and returns (key, uri).
	PutRaw(ctx context.Context, tenantID, ingestID, filename string, data []byte, contentType string) (string, string, error)
	// PutManifest writes the manifest JSON document and returns (key, uri).
	PutManifest(ctx context.Context, tenantID, ingestID string, manifest any) (string, string, error)
	// PresignDownload returns a time-limited GET URL for a landing-zone key.
	PresignDownload(ctx context.Context, tenantID, key string, ttl time.Duration) (string, error)
}

// Deps bundles the components the server fronts.
type Deps struct {
	// Store is the SQLite state store (manifests, ingestion rows, reports).
	Store *state.Store
	// Objects is the tenant-scoped object store facade.
	Objects objectStore
	// Pipeline drives the ingestion stage machine.
	Pipeline ingestPipeline
	// Query is the query-path orchestrator.
	Query querier
}

// Server is the HTTP front for the ingestion pipeline and query orchestrator.
type Server struct {
	// deps holds the wired components.
	deps Deps
	// cfg holds the resolved server configuration.
	cfg *Config
	// httpServer is the underlying net/http server.
	httpServer *http.Server
	// log is the structured logger for this server instance.
	log *slog.Logger
	// pingers is the ordered list of dependency probes for GET /ready.
	pingers []Pinger
	// metrics holds this instance's Prometheus collectors.
	metrics *serverMetrics
	// stopRL stops the rate limiter's background eviction goroutine on shutdown.
	stopRL func()
}

// ingestResponse is the JSON response for POST /v1/ingest and POST /v1/reindex.
type ingestResponse struct {
	// IngestID identifies the (re)queued logical ingest attempt.
	IngestID string `json:"ingest_id"`
	// Status is always "queued" on success.
	Status string `json:"status"`
}

// reindexRequest is the JSON body for POST /v1/reindex.
type reindexRequest struct {
	IngestID string `json:"ingest_id"`
	// TenantID is accepted for symmetry with the upload form but the manifest
	// row is authoritative.
	TenantID string `json:"tenant_id,omitempty"`
}

// statusResponse is the IngestionState projection for GET /v1/status/{ingest_id}.
type statusResponse struct {
	IngestID   string `json:"ingest_id"`
	TenantID   string `json:"tenant_id"`
	Status     string `json:"status"`
	Stage      string `json:"stage,omitempty"`
	StartedAt  string `json:"started_at,omitempty"`
	FinishedAt string `json:"finished_at,omitempty"`
	Error      string `json:"error,omitempty"`
	DLQReason  string `json:"dlq_reason,omitempty"`
	UpdatedAt  string `json:"updated_at,omitempty"`
}

// listItem is one manifest×state join row in GET /v1/ingestions.
type listItem struct {
	IngestID         string         `json:"ingest_id"`
	TenantID         string         `json:"tenant_id"`
	Source           string         `json:"source,omitempty"`
	ObjectKey        string         `json:"object_key"`
	ObjectSuffix     string         `json:"object_suffix,omitempty"`
	OriginalBasename string         `json:"original_basename,omitempty"`
	DocType          string         `json:"doc_type,omitempty"`
	Mime             string         `json:"mime,omitempty"`
	Size             int64          `json:"size"`
	Labels           []string       `json:"labels,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	CreatedAt        string         `json:"created_at,omitempty"`
	Status           string         `json:"status"`
	Stage            string         `json:"stage,omitempty"`
	Error            string         `json:"error,omitempty"`
	DLQReason        string         `json:"dlq_reason,omitempty"`
	UpdatedAt        string         `json:"updated_at,omitempty"`
}

// listResponse is the JSON response for GET /v1/ingestions.
type listResponse struct {
	Items []listItem `json:"items"`
	Count int        `json:"count"`
}

// deleteResponse is the JSON response for DELETE /v1/ingest/{ingest_id}.
type deleteResponse struct {
	IngestID string `json:"ingest_id"`
	Deleted  bool   `json:"deleted"`
}

// presignResponse is the JSON response for GET /v1/files/presign.
type presignResponse struct {
	URL       string `json:"url"`
	ExpiresIn int    `json:"expires_in"`
}

// queryRequest is the JSON body for POST /v1/query.
type queryRequest struct {
	// ThreadID scopes conversational memory; defaults to "default".
	ThreadID string `json:"thread_id"`
	// Message is the user's natural language query.
	Message string `json:"message"`
	// Model optionally names the model to use. Anything other than the
	// configured allowed model id is refused.
	Model string `json:"model"`
	// Meta carries optional request hints (e.g. an explicit risk spec).
	Meta map[string]any `json:"meta"`
}

// webhookResponse is the JSON response for POST /webhook/minio.
type webhookResponse struct {
	// Queued lists the ingest ids created from this notification.
	Queued []string `json:"queued"`
	// Skipped counts records already known by object key.
	Skipped int `json:"skipped"`
}
