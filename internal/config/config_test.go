package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_NoFile(t *testing.T) {
	t.Parallel()

	log := slog.Default()
	path, err := Load("/nonexistent/path/config.yaml", log)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if path != "" {
		t.Errorf("expected empty path, got %q", path)
	}
}

func TestLoad_ValidFile(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")

	content := []byte(`
storage:
  endpoint: http://minio:9000
  bucket: landing-test
index:
  url: http://opensearch:9200
  name: rag-chunks
embedding:
  provider: ollama
  model: nomic-embed-text
  dimensions: 768
rag:
  score_threshold: 0.25
  max_context_chunks: 7
logging:
  level: debug
  format: text
`)

	if err := os.WriteFile(cfgPath, content, 0o644); err != nil {
		t.Fatal(err)
	}

	// Clear env vars that the YAML should set.
	envKeys := []string{
		"S3_ENDPOINT", "S3_BUCKET",
		"INDEX_URL", "INDEX_NAME",
		"EMBEDDING_PROVIDER", "EMBEDDING_MODEL", "EMBEDDING_DIMENSIONS",
		"RAG_SCORE_THRESHOLD", "RAG_MAX_CONTEXT_CHUNKS",
		"LOG_LEVEL", "LOG_FORMAT",
	}
	for _, k := range envKeys {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}

	log := slog.Default()
	loaded, err := Load(cfgPath, log)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded != cfgPath {
		t.Errorf("loaded path: got %q, want %q", loaded, cfgPath)
	}

	checks := map[string]string{
		"S3_ENDPOINT":            "http://minio:9000",
		"S3_BUCKET":              "landing-test",
		"INDEX_URL":              "http://opensearch:9200",
		"INDEX_NAME":             "rag-chunks",
		"EMBEDDING_PROVIDER":     "ollama",
		"EMBEDDING_MODEL":        "nomic-embed-text",
		"EMBEDDING_DIMENSIONS":   "768",
		"RAG_SCORE_THRESHOLD":    "0.25",
		"RAG_MAX_CONTEXT_CHUNKS": "7",
		"LOG_LEVEL":              "debug",
		"LOG_FORMAT":             "text",
	}
	for k, want := range checks {
		got := os.Getenv(k)
		if got != want {
			t.Errorf("%s: got %q, want %q", k, got, want)
		}
	}
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")

	content := []byte(`
embedding:
  provider: ollama
`)
	if err := os.WriteFile(cfgPath, content, 0o644); err != nil {
		t.Fatal(err)
	}

	// Set env var BEFORE loading — it should NOT be overwritten.
	t.Setenv("EMBEDDING_PROVIDER", "openai")

	log := slog.Default()
	_, err := Load(cfgPath, log)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if got := os.Getenv("EMBEDDING_PROVIDER"); got != "openai" {
		t.Errorf("EMBEDDING_PROVIDER: expected env override %q, got %q", "openai", got)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")

	if err := os.WriteFile(cfgPath, []byte("{{invalid yaml"), 0o644); err != nil {
		t.Fatal(err)
	}

	log := slog.Default()
	_, err := Load(cfgPath, log)
	if err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

func TestFromEnv_Defaults(t *testing.T) {
	for _, k := range []string{
		"RAG_SCORE_THRESHOLD", "RAG_MAX_CONTEXT_CHUNKS", "EMBEDDING_DIMENSIONS",
		"RISK_MAX_TRIALS", "MEMORY_TOKEN_CAP", "INDEX_NAME",
	} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}

	s := FromEnv()
	if s.RAG.ScoreThreshold != 0.18 {
		t.Errorf("score threshold default: got %v, want 0.18", s.RAG.ScoreThreshold)
	}
	if s.RAG.MaxContextChunks != 5 {
		t.Errorf("max context chunks default: got %d, want 5", s.RAG.MaxContextChunks)
	}
	if s.Embedding.Dimensions != 768 {
		t.Errorf("embedding dimensions default: got %d, want 768", s.Embedding.Dimensions)
	}
	if s.Index.Name != "rag-chunks" {
		t.Errorf("index name default: got %q, want rag-chunks", s.Index.Name)
	}
}

func TestFromEnv_EnvWins(t *testing.T) {
	t.Setenv("RAG_SCORE_THRESHOLD", "0.42")
	t.Setenv("RISK_MAX_TRIALS", "5000")

	s := FromEnv()
	if s.RAG.ScoreThreshold != 0.42 {
		t.Errorf("score threshold: got %v, want 0.42", s.RAG.ScoreThreshold)
	}
	if s.Risk.MaxTrials != 5000 {
		t.Errorf("max trials: got %d, want 5000", s.Risk.MaxTrials)
	}
}

func TestFloatStr(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   float64
		want string
	}{
		{0.0, ""},
		{0.2, "0.2"},
		{0.18, "0.18"},
		{1.0, "1"},
	}
	for _, tt := range tests {
		if got := floatStr(tt.in); got != tt.want {
			t.Errorf("floatStr(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
