// Package server implements the HTTP API fronting the ingestion pipeline
// and the query orchestrator: multipart uploads, ingestion status and
// lifecycle operations, object-store webhooks, presigned downloads, and the
// assistant query endpoint. The server is started by the `conduit serve`
// CLI command.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// New constructs a Server from the wired components and config.
func New(deps Deps, cfg *Config) (*Server, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("server: state store must not be nil")
	}
	if deps.Pipeline == nil {
		return nil, fmt.Errorf("server: pipeline must not be nil")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Host == "" {
		cfg.Host = "0.0.0.0"
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		// Large uploads and slow LLM synthesis both ride this timeout.
		cfg.WriteTimeout = 2 * time.Minute
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.MaxUploadBytes == 0 {
		cfg.MaxUploadBytes = 64 << 20
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MetricsRegistry == nil {
		reg := prometheus.NewRegistry()
		cfg.MetricsRegistry = reg
		if cfg.MetricsGatherer == nil {
			cfg.MetricsGatherer = reg
		}
	}

	s := &Server{
		deps:    deps,
		cfg:     cfg,
		log:     cfg.Logger,
		pingers: cfg.Pingers,
		metrics: newServerMetrics(cfg.MetricsRegistry),
	}

	if cfg.APIKey == "" {
		s.log.Warn("server: API key not set, authentication disabled")
	}

	rl, stopRL := newRateLimiter(cfg.RateLimit, cfg.RateBurst, s.log)
	s.stopRL = stopRL

	api := http.NewServeMux()
	api.Handle("POST /v1/ingest", s.instrument("ingest", s.handleIngest))
	api.Handle("GET /v1/status/{ingest_id}", s.instrument("status", s.handleStatus))
	api.Handle("GET /v1/ingestions", s.instrument("ingestions", s.handleListIngestions))
	api.Handle("POST /v1/reindex", s.instrument("reindex", s.handleReindex))
	api.Handle("DELETE /v1/ingest/{ingest_id}", s.instrument("delete", s.handleDelete))
	api.Handle("GET /v1/files/presign", s.instrument("presign", s.handlePresign))
	api.Handle("POST /v1/query", s.instrument("query", s.handleQuery))

	root := http.NewServeMux()
	root.Handle("/v1/", authMiddleware(cfg.APIKey, rl.middleware(api)))
	// Webhook notifications come straight from the object store, outside the
	// Bearer-token perimeter, but still rate limited.
	root.Handle("POST /webhook/minio", rl.middleware(s.instrument("webhook", s.handleMinioWebhook)))
	root.HandleFunc("GET /health", s.handleHealth)
	root.HandleFunc("GET /ready", s.handleReady)
	root.Handle("GET /metrics", promhttp.HandlerFor(cfg.MetricsGatherer, promhttp.HandlerOpts{}))

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      requestLogger(s.log, root),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s, nil
}

// Start begins listening and serving HTTP requests. It blocks until the
// context is cancelled, then performs a graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		s.log.Info("server listening", slog.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		s.stopRL()
		return fmt.Errorf("server: listen error: %w", err)
	case <-ctx.Done():
		s.stopRL()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server: graceful shutdown failed: %w", err)
		}
		return nil
	}
}

// handleHealth handles GET /health for liveness checks.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// writeJSON serializes v with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Error("server: encode response", slog.Any("error", err))
	}
}

// writeError emits the uniform {"error": …} body used by every handler.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
