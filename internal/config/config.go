// Package config provides YAML-based configuration for conduit.
// Configuration is loaded with a layered precedence: defaults → YAML file → env vars.
// Environment variables always win, so existing deployments are unaffected.
//
// File search order:
//  1. --config CLI flag (explicit path)
//  2. CONDUIT_CONFIG environment variable
//  3. ~/.conduit/config.yaml
//  4. ./conduit.yaml
//
// If no file is found the system runs entirely from env vars. After layering,
// [FromEnv] snapshots everything into a single immutable [Settings] value that
// is threaded explicitly through the components.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// File is the top-level YAML configuration structure.
// Field names use yaml tags that mirror the env var naming (lowercase, underscored).
type File struct {
	// Server configures the HTTP server.
	Server ServerFile `yaml:"server"`

	// Storage configures the S3/MinIO object store.
	Storage StorageFile `yaml:"storage"`

	// Index configures the lexical+vector index.
	Index IndexFile `yaml:"index"`

	// Embedding configures the embedding provider chain.
	Embedding EmbeddingFile `yaml:"embedding"`

	// Model configures the generative LLM provider.
	Model ModelFile `yaml:"model"`

	// RAG configures retrieval thresholds and limits.
	RAG RAGFile `yaml:"rag"`

	// Risk configures the Monte-Carlo simulator client.
	Risk RiskFile `yaml:"risk"`

	// Memory configures per-thread conversational memory.
	Memory MemoryFile `yaml:"memory"`

	// OCR configures the OCR sidecar.
	OCR OCRFile `yaml:"ocr"`

	// PII configures entity policy and masking.
	PII PIIFile `yaml:"pii"`

	// Broker configures the stage task queue.
	Broker BrokerFile `yaml:"broker"`

	// Events configures lifecycle event publishing.
	Events EventsFile `yaml:"events"`

	// Logging configures structured logging.
	Logging LoggingFile `yaml:"logging"`
}

// ServerFile holds HTTP server settings.
type ServerFile struct {
	// Host is the bind address.
	Host string `yaml:"host"`
	// Port is the TCP port.
	Port int `yaml:"port"`
	// APIKey is the Bearer token for API authentication. Prefer env var CONDUIT_API_KEY.
	APIKey string `yaml:"api_key"`
}

// StorageFile holds object store settings.
type StorageFile struct {
	// Endpoint is the S3-compatible endpoint URL (empty for AWS).
	Endpoint string `yaml:"endpoint"`
	// Bucket is the landing bucket name.
	Bucket string `yaml:"bucket"`
	// Region is the S3 region.
	Region string `yaml:"region"`
	// AccessKey is the access key id. Prefer env var S3_ACCESS_KEY.
	AccessKey string `yaml:"access_key"`
	// SecretKey is the secret access key. Prefer env var S3_SECRET_KEY.
	SecretKey string `yaml:"secret_key"`
}

// IndexFile holds lexical+vector index settings.
type IndexFile struct {
	// URL is the index REST endpoint.
	URL string `yaml:"url"`
	// Name is the default index name.
	Name string `yaml:"name"`
}

// EmbeddingFile holds embedding provider settings.
type EmbeddingFile struct {
	// Provider selects the backend: ollama, openai, local, auto.
	Provider string `yaml:"provider"`
	// Model is the embedding model name.
	Model string `yaml:"model"`
	// Dimensions is the embedding vector size.
	Dimensions int `yaml:"dimensions"`
	// Endpoint is the embedding API endpoint.
	Endpoint string `yaml:"endpoint"`
	// APIKey is the embedding API key. Prefer env var EMBEDDING_API_KEY.
	APIKey string `yaml:"api_key"`
	// BatchSize is the number of texts per provider request.
	BatchSize int `yaml:"batch_size"`
}

// ModelFile holds generative LLM settings.
type ModelFile struct {
	// Provider selects the backend: openai, ollama, fake.
	Provider string `yaml:"provider"`
	// AllowedModel is the only model id the gateway will serve.
	AllowedModel string `yaml:"allowed_model"`
	// OllamaHost is the Ollama API endpoint.
	OllamaHost string `yaml:"ollama_host"`
	// OpenAIKey is the OpenAI API key. Prefer env var OPENAI_API_KEY.
	OpenAIKey string `yaml:"openai_api_key"`
}

// RAGFile holds retrieval settings.
type RAGFile struct {
	// ScoreThreshold is the evidence-gate score cutoff.
	ScoreThreshold float64 `yaml:"score_threshold"`
	// MaxContextChunks caps the RAG pack size.
	MaxContextChunks int `yaml:"max_context_chunks"`
	// VectorTopK is the kNN fan-out per query.
	VectorTopK int `yaml:"vector_top_k"`
	// VectorMinScore is the kNN score cutoff.
	VectorMinScore float64 `yaml:"vector_min_score"`
	// RerankURL is the cross-encoder sidecar endpoint.
	RerankURL string `yaml:"rerank_url"`
	// DocsBaseURL prefixes citation links.
	DocsBaseURL string `yaml:"docs_base_url"`
}

// RiskFile holds simulator settings.
type RiskFile struct {
	// SimURL is the Monte-Carlo simulator base URL.
	SimURL string `yaml:"sim_url"`
	// MaxTrials bounds requested simulation trials.
	MaxTrials int `yaml:"max_trials"`
	// DataVersion is mixed into the cache signature.
	DataVersion string `yaml:"data_version"`
}

// MemoryFile holds conversational memory settings.
type MemoryFile struct {
	// TokenCap bounds the recent-window token budget.
	TokenCap int `yaml:"token_cap"`
	// SummaryEveryN updates the long summary every N turns.
	SummaryEveryN int `yaml:"summary_every_n"`
	// SummaryCapChars bounds the long summary length.
	SummaryCapChars int `yaml:"summary_cap_chars"`
}

// OCRFile holds OCR sidecar settings.
type OCRFile struct {
	// Enabled toggles OCR fallback for PDFs and images.
	Enabled bool `yaml:"enabled"`
	// URL is the OCR sidecar endpoint.
	URL string `yaml:"url"`
	// Langs is the comma-separated OCR language list.
	Langs string `yaml:"langs"`
}

// PIIFile holds PII policy settings.
type PIIFile struct {
	// PolicyFile is the YAML policy document path.
	PolicyFile string `yaml:"policy_file"`
	// Mask is the default redaction token.
	Mask string `yaml:"mask"`
}

// BrokerFile holds stage queue settings.
type BrokerFile struct {
	// RedisAddr is the Redis host:port.
	RedisAddr string `yaml:"redis_addr"`
	// Queue is the stage task list key.
	Queue string `yaml:"queue"`
	// Workers is the worker pool size.
	Workers int `yaml:"workers"`
}

// EventsFile holds lifecycle event settings.
type EventsFile struct {
	// KafkaBrokers is the comma-separated broker list (empty disables Kafka).
	KafkaBrokers string `yaml:"kafka_brokers"`
	// TopicPrefix prefixes ingestion.* topics.
	TopicPrefix string `yaml:"topic_prefix"`
}

// LoggingFile holds structured logging settings.
type LoggingFile struct {
	// Level is the minimum log level: debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is the log output format: json, text.
	Format string `yaml:"format"`
}

// envMapping maps YAML config fields to their corresponding env var names.
// Only non-empty YAML values are applied; env vars always take precedence.
var envMapping = []struct {
	envKey string
	value  func(*File) string
}{
	{"CONDUIT_HOST", func(c *File) string { return c.Server.Host }},
	{"CONDUIT_PORT", func(c *File) string { return intStr(c.Server.Port) }},
	{"CONDUIT_API_KEY", func(c *File) string { return c.Server.APIKey }},
	{"S3_ENDPOINT", func(c *File) string { return c.Storage.Endpoint }},
	{"S3_BUCKET", func(c *File) string { return c.Storage.Bucket }},
	{"S3_REGION", func(c *File) string { return c.Storage.Region }},
	{"S3_ACCESS_KEY", func(c *File) string { return c.Storage.AccessKey }},
	{"S3_SECRET_KEY", func(c *File) string { return c.Storage.SecretKey }},
	{"INDEX_URL", func(c *File) string { return c.Index.URL }},
	{"INDEX_NAME", func(c *File) string { return c.Index.Name }},
	{"EMBEDDING_PROVIDER", func(c *File) string { return c.Embedding.Provider }},
	{"EMBEDDING_MODEL", func(c *File) string { return c.Embedding.Model }},
	{"EMBEDDING_DIMENSIONS", func(c *File) string { return intStr(c.Embedding.Dimensions) }},
	{"EMBEDDING_ENDPOINT", func(c *File) string { return c.Embedding.Endpoint }},
	{"EMBEDDING_API_KEY", func(c *File) string { return c.Embedding.APIKey }},
	{"EMBEDDING_BATCH_SIZE", func(c *File) string { return intStr(c.Embedding.BatchSize) }},
	{"MODEL_PROVIDER", func(c *File) string { return c.Model.Provider }},
	{"ALLOWED_MODEL", func(c *File) string { return c.Model.AllowedModel }},
	{"OLLAMA_HOST", func(c *File) string { return c.Model.OllamaHost }},
	{"OPENAI_API_KEY", func(c *File) string { return c.Model.OpenAIKey }},
	{"RAG_SCORE_THRESHOLD", func(c *File) string { return floatStr(c.RAG.ScoreThreshold) }},
	{"RAG_MAX_CONTEXT_CHUNKS", func(c *File) string { return intStr(c.RAG.MaxContextChunks) }},
	{"VECTOR_TOP_K", func(c *File) string { return intStr(c.RAG.VectorTopK) }},
	{"VECTOR_MIN_SCORE", func(c *File) string { return floatStr(c.RAG.VectorMinScore) }},
	{"RERANK_URL", func(c *File) string { return c.RAG.RerankURL }},
	{"DOCS_BASE_URL", func(c *File) string { return c.RAG.DocsBaseURL }},
	{"SIM_URL", func(c *File) string { return c.Risk.SimURL }},
	{"RISK_MAX_TRIALS", func(c *File) string { return intStr(c.Risk.MaxTrials) }},
	{"DATA_VERSION", func(c *File) string { return c.Risk.DataVersion }},
	{"MEMORY_TOKEN_CAP", func(c *File) string { return intStr(c.Memory.TokenCap) }},
	{"SUMMARY_EVERY_N", func(c *File) string { return intStr(c.Memory.SummaryEveryN) }},
	{"SUMMARY_CAP_CHARS", func(c *File) string { return intStr(c.Memory.SummaryCapChars) }},
	{"OCR_ENABLED", func(c *File) string { return boolStr(c.OCR.Enabled) }},
	{"OCR_URL", func(c *File) string { return c.OCR.URL }},
	{"OCR_LANGS", func(c *File) string { return c.OCR.Langs }},
	{"PII_POLICY_FILE", func(c *File) string { return c.PII.PolicyFile }},
	{"PII_MASK", func(c *File) string { return c.PII.Mask }},
	{"REDIS_ADDR", func(c *File) string { return c.Broker.RedisAddr }},
	{"QUEUE_NAME", func(c *File) string { return c.Broker.Queue }},
	{"QUEUE_WORKERS", func(c *File) string { return intStr(c.Broker.Workers) }},
	{"KAFKA_BROKERS", func(c *File) string { return c.Events.KafkaBrokers }},
	{"KAFKA_TOPIC_PREFIX", func(c *File) string { return c.Events.TopicPrefix }},
	{"LOG_LEVEL", func(c *File) string { return c.Logging.Level }},
	{"LOG_FORMAT", func(c *File) string { return c.Logging.Format }},
}

// Load reads a YAML config file and applies non-empty values as environment
// variables. Existing env vars are never overwritten (env always wins).
// Returns the path that was loaded, or empty string if no file was found.
func Load(explicitPath string, log *slog.Logger) (string, error) {
	path := resolveConfigPath(explicitPath)
	if path == "" {
		log.Debug("config: no YAML config file found, using env vars only")
		return "", nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("config: failed to read %s: %w", path, err)
	}

	var cfg File
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return "", fmt.Errorf("config: failed to parse %s: %w", path, err)
	}

	applied := 0
	for _, m := range envMapping {
		yamlVal := m.value(&cfg)
		if yamlVal == "" || yamlVal == "0" || yamlVal == "false" {
			continue
		}
		if os.Getenv(m.envKey) != "" {
			continue // env var already set — do not override
		}
		os.Setenv(m.envKey, yamlVal)
		applied++
	}

	log.Info("config: loaded YAML config",
		slog.String("path", path),
		slog.Int("keys_applied", applied),
	)

	return path, nil
}

// resolveConfigPath returns the first config file path that exists.
func resolveConfigPath(explicit string) string {
	if explicit != "" {
		if _, err := os.Stat(explicit); err == nil {
			return explicit
		}
		return ""
	}

	if envPath := os.Getenv("CONDUIT_CONFIG"); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}

	home, err := os.UserHomeDir()
	if err == nil {
		p := filepath.Join(home, ".conduit", "config.yaml")
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	if _, err := os.Stat("conduit.yaml"); err == nil {
		return "conduit.yaml"
	}

	return ""
}

// intStr converts an int to string, returning "" for zero values.
func intStr(v int) string {
	if v == 0 {
		return ""
	}
	return strconv.Itoa(v)
}

// floatStr converts a float64 to string, returning "" for zero values.
func floatStr(v float64) string {
	if v == 0 {
		return ""
	}
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.4f", v), "0"), ".")
}

// boolStr converts a bool to string, returning "" for false.
func boolStr(v bool) string {
	if !v {
		return ""
	}
	return "true"
}

// getEnv returns the env var value or def when unset.
func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// getEnvInt returns the env var parsed as int, or def when unset or invalid.
func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// getEnvFloat returns the env var parsed as float64, or def when unset or invalid.
func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

// getEnvBool returns the env var parsed as bool, or def when unset or invalid.
func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// getEnvDuration returns the env var parsed as a duration, or def.
func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
