package server

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/corvuslabs/conduit-go/internal/logging"
	"github.com/corvuslabs/conduit-go/internal/state"
)

// presign TTL bounds, seconds.
const (
	presignMinSeconds     = 1
	presignMaxSeconds     = 3600
	presignDefaultSeconds = 600
)

// list pagination bounds.
const (
	listDefaultLimit = 25
	listMaxLimit     = 200
)

// handleIngest handles POST /v1/ingest multipart uploads. The raw bytes and
// the manifest document land in the object store before the state row is
// written, so a crash between the two leaves no dangling state entry.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	if err := r.ParseMultipartForm(s.cfg.MaxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}

	tenantID := strings.TrimSpace(r.FormValue("tenant_id"))
	if tenantID == "" {
		writeError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read file")
		return
	}
	if len(data) == 0 {
		writeError(w, http.StatusBadRequest, "file is empty")
		return
	}

	metadata, err := parseJSONObject(r.FormValue("metadata"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "metadata must be a JSON object")
		return
	}
	options, err := parseJSONObject(r.FormValue("options"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "options must be a JSON object")
		return
	}
	if len(options) > 0 {
		metadata["options"] = options
	}

	ingestID := uuid.NewString()
	mime := header.Header.Get("Content-Type")
	if mime == "" || mime == "application/octet-stream" {
		mime = http.DetectContentType(data)
	}

	rawKey, rawURI, err := s.deps.Objects.PutRaw(r.Context(), tenantID, ingestID, header.Filename, data, mime)
	if err != nil {
		log.Error("ingest: raw upload failed", slog.Any("error", err))
		writeError(w, http.StatusBadGateway, "object store unavailable")
		return
	}

	sum := sha256.Sum256(data)
	metadata["raw_uri"] = rawURI

	manifest := &state.Manifest{
		IngestID:         ingestID,
		TenantID:         tenantID,
		Source:           strings.TrimSpace(r.FormValue("source")),
		ObjectKey:        rawKey,
		ObjectSuffix:     rawKeySuffix(rawKey),
		OriginalBasename: path.Base("/" + header.Filename),
		DocType:          strings.TrimSpace(r.FormValue("doc_type")),
		Checksum:         hex.EncodeToString(sum[:]),
		Size:             int64(len(data)),
		Mime:             mime,
		Uploader:         strings.TrimSpace(r.FormValue("uploader")),
		Labels:           parseLabels(r.Form["labels"]),
		Metadata:         metadata,
		CreatedAt:        time.Now().UTC(),
	}

	_, manifestURI, err := s.deps.Objects.PutManifest(r.Context(), tenantID, ingestID, manifest)
	if err != nil {
		log.Error("ingest: manifest upload failed", slog.Any("error", err))
		writeError(w, http.StatusBadGateway, "object store unavailable")
		return
	}
	metadata["manifest_uri"] = manifestURI

	if err := s.deps.Store.PutManifest(r.Context(), manifest); err != nil {
		log.Error("ingest: manifest persist failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to record manifest")
		return
	}

	if err := s.deps.Pipeline.Start(r.Context(), ingestID, tenantID); err != nil {
		log.Error("ingest: enqueue failed", slog.Any("error", err))
		writeError(w, http.StatusBadGateway, "failed to enqueue ingest")
		return
	}

	s.metrics.ingestAcceptedTotal.WithLabelValues("upload").Inc()
	log.Info("ingest accepted",
		slog.String("ingest_id", ingestID),
		slog.String("tenant_id", tenantID),
		slog.Int("size", len(data)),
	)
	writeJSON(w, http.StatusOK, ingestResponse{IngestID: ingestID, Status: "queued"})
}

// handleStatus handles GET /v1/status/{ingest_id}.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ingestID := r.PathValue("ingest_id")

	ing, err := s.deps.Store.GetIngestion(r.Context(), ingestID)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			writeError(w, http.StatusNotFound, "ingest not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to read ingestion state")
		return
	}

	writeJSON(w, http.StatusOK, statusResponse{
		IngestID:   ing.IngestID,
		TenantID:   ing.TenantID,
		Status:     string(ing.Status),
		Stage:      ing.Stage,
		StartedAt:  fmtTime(ing.StartedAt),
		FinishedAt: fmtTime(ing.FinishedAt),
		Error:      ing.Error,
		DLQReason:  ing.DLQReason,
		UpdatedAt:  fmtTime(ing.UpdatedAt),
	})
}

// handleListIngestions handles GET /v1/ingestions?tenant_id&limit.
func (s *Server) handleListIngestions(w http.ResponseWriter, r *http.Request) {
	tenantID := strings.TrimSpace(r.URL.Query().Get("tenant_id"))

	limit := listDefaultLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > listMaxLimit {
			writeError(w, http.StatusBadRequest, "limit must be an integer in [1,200]")
			return
		}
		limit = n
	}

	listings, err := s.deps.Store.ListIngestions(r.Context(), tenantID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list ingestions")
		return
	}

	items := make([]listItem, 0, len(listings))
	for _, l := range listings {
		items = append(items, listItem{
			IngestID:         l.Manifest.IngestID,
			TenantID:         l.Manifest.TenantID,
			Source:           l.Manifest.Source,
			ObjectKey:        l.Manifest.ObjectKey,
			ObjectSuffix:     l.Manifest.ObjectSuffix,
			OriginalBasename: l.Manifest.OriginalBasename,
			DocType:          l.Manifest.DocType,
			Mime:             l.Manifest.Mime,
			Size:             l.Manifest.Size,
			Labels:           l.Manifest.Labels,
			Metadata:         l.Manifest.Metadata,
			CreatedAt:        fmtTime(l.Manifest.CreatedAt),
			Status:           string(l.Ingestion.Status),
			Stage:            l.Ingestion.Stage,
			Error:            l.Ingestion.Error,
			DLQReason:        l.Ingestion.DLQReason,
			UpdatedAt:        fmtTime(l.Ingestion.UpdatedAt),
		})
	}

	writeJSON(w, http.StatusOK, listResponse{Items: items, Count: len(items)})
}

// handleReindex handles POST /v1/reindex.
func (s *Server) handleReindex(w http.ResponseWriter, r *http.Request) {
	var req reindexRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.IngestID) == "" {
		writeError(w, http.StatusBadRequest, "ingest_id is required")
		return
	}

	if err := s.deps.Pipeline.Reindex(r.Context(), req.IngestID); err != nil {
		if errors.Is(err, state.ErrNotFound) {
			writeError(w, http.StatusNotFound, "manifest not found")
			return
		}
		logging.FromContext(r.Context()).Error("reindex failed", slog.Any("error", err))
		writeError(w, http.StatusBadGateway, "failed to requeue ingest")
		return
	}

	writeJSON(w, http.StatusOK, ingestResponse{IngestID: req.IngestID, Status: "queued"})
}

// handleDelete handles DELETE /v1/ingest/{ingest_id}?tenant_id. The tenant
// check runs against the manifest row before anything is destroyed.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	ingestID := r.PathValue("ingest_id")
	tenantID := strings.TrimSpace(r.URL.Query().Get("tenant_id"))

	manifest, err := s.deps.Store.GetManifest(r.Context(), ingestID)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			writeError(w, http.StatusNotFound, "ingest not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to read manifest")
		return
	}
	if tenantID != "" && tenantID != manifest.TenantID {
		writeError(w, http.StatusBadRequest, "tenant_id mismatch")
		return
	}

	if err := s.deps.Pipeline.Delete(r.Context(), ingestID); err != nil {
		logging.FromContext(r.Context()).Error("delete failed",
			slog.String("ingest_id", ingestID), slog.Any("error", err))
		writeError(w, http.StatusBadGateway, "failed to delete ingest")
		return
	}

	writeJSON(w, http.StatusOK, deleteResponse{IngestID: ingestID, Deleted: true})
}

// handlePresign handles GET /v1/files/presign?tenant_id&object_key&expires_in.
// Keys outside the tenant's landing prefix are refused by the storage facade.
func (s *Server) handlePresign(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tenantID := strings.TrimSpace(q.Get("tenant_id"))
	objectKey := strings.TrimSpace(q.Get("object_key"))
	if tenantID == "" || objectKey == "" {
		writeError(w, http.StatusBadRequest, "tenant_id and object_key are required")
		return
	}

	expires := presignDefaultSeconds
	if raw := q.Get("expires_in"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < presignMinSeconds || n > presignMaxSeconds {
			writeError(w, http.StatusBadRequest, "expires_in must be an integer in [1,3600]")
			return
		}
		expires = n
	}

	signedURL, err := s.deps.Objects.PresignDownload(r.Context(), tenantID, objectKey, time.Duration(expires)*time.Second)
	if err != nil {
		writeError(w, http.StatusBadRequest, "cannot presign this key")
		return
	}

	writeJSON(w, http.StatusOK, presignResponse{URL: signedURL, ExpiresIn: expires})
}

// minioEvent is the S3-style bucket notification payload.
type minioEvent struct {
	Records []struct {
		S3 struct {
			Bucket struct {
				Name string `json:"name"`
			} `json:"bucket"`
			Object struct {
				Key         string `json:"key"`
				Size        int64  `json:"size"`
				ContentType string `json:"contentType"`
				ETag        string `json:"eTag"`
			} `json:"object"`
		} `json:"s3"`
	} `json:"Records"`
}

// handleMinioWebhook handles POST /webhook/minio. Each created-object record
// under a landing prefix that is not already manifested gets a fresh ingest.
func (s *Server) handleMinioWebhook(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	var event minioEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		writeError(w, http.StatusBadRequest, "invalid event payload")
		return
	}

	resp := webhookResponse{Queued: []string{}}
	for _, record := range event.Records {
		key := record.S3.Object.Key
		// MinIO URL-encodes object keys in notifications.
		if decoded, err := url.QueryUnescape(key); err == nil {
			key = decoded
		}
		if key == "" || !strings.Contains(key, "/landing/") {
			continue
		}

		tenantID := tenantFromKey(key)
		known, err := s.deps.Store.HasObject(r.Context(), tenantID, key)
		if err != nil {
			log.Error("webhook: dedupe lookup failed", slog.Any("error", err))
			continue
		}
		if known {
			resp.Skipped++
			continue
		}

		ingestID := uuid.NewString()
		manifest := &state.Manifest{
			IngestID:         ingestID,
			TenantID:         tenantID,
			Source:           "minio-webhook",
			ObjectKey:        key,
			ObjectSuffix:     rawKeySuffix(key),
			OriginalBasename: path.Base(key),
			Mime:             record.S3.Object.ContentType,
			Checksum:         strings.Trim(record.S3.Object.ETag, `"`),
			Size:             record.S3.Object.Size,
			Metadata:         map[string]any{"event": "s3:ObjectCreated", "bucket": record.S3.Bucket.Name},
			CreatedAt:        time.Now().UTC(),
		}
		if err := s.deps.Store.PutManifest(r.Context(), manifest); err != nil {
			log.Error("webhook: manifest persist failed", slog.Any("error", err))
			continue
		}
		if err := s.deps.Pipeline.Start(r.Context(), ingestID, tenantID); err != nil {
			log.Error("webhook: enqueue failed", slog.Any("error", err))
			continue
		}

		s.metrics.ingestAcceptedTotal.WithLabelValues("webhook").Inc()
		resp.Queued = append(resp.Queued, ingestID)
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleQuery handles POST /v1/query.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	threadID := strings.TrimSpace(req.ThreadID)
	if threadID == "" {
		threadID = "default"
	}

	start := time.Now()
	resp := s.deps.Query.Handle(r.Context(), threadID, req.Message, strings.TrimSpace(req.Model), req.Meta)

	s.metrics.queryRequestsTotal.WithLabelValues(resp.Route).Inc()
	s.metrics.queryDurationSeconds.WithLabelValues(resp.Route).Observe(time.Since(start).Seconds())

	writeJSON(w, http.StatusOK, resp)
}

// parseJSONObject decodes an optional form field carrying a JSON object.
// An empty field yields an empty, writable map.
func parseJSONObject(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}

// parseLabels flattens repeatable label fields, splitting comma lists and
// dropping duplicates while preserving first-seen order.
func parseLabels(values []string) []string {
	seen := make(map[string]bool)
	var labels []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			label := strings.TrimSpace(part)
			if label == "" || seen[label] {
				continue
			}
			seen[label] = true
			labels = append(labels, label)
		}
	}
	return labels
}

// rawKeySuffix returns the portion of a landing key after the raw/ marker,
// falling back to the final path segment.
func rawKeySuffix(key string) string {
	if _, after, found := strings.Cut(key, "/raw/"); found && after != "" {
		return after
	}
	return path.Base(key)
}

// tenantFromKey derives the tenant for webhook-sourced objects. A path part
// prefixed tenant- wins verbatim; otherwise the first segment is used.
func tenantFromKey(key string) string {
	parts := strings.Split(key, "/")
	for _, part := range parts {
		if strings.HasPrefix(part, "tenant-") {
			return part
		}
	}
	if len(parts) > 0 && parts[0] != "" {
		return parts[0]
	}
	return "default"
}

// fmtTime renders a timestamp as RFC 3339 UTC, or empty when unset.
func fmtTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
