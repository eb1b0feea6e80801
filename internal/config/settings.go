package config

import "time"

// Settings is the immutable runtime configuration snapshot. It is built once
// at startup by [FromEnv], after [Load] has layered any YAML file onto the
// environment, and threaded explicitly through every component.
type Settings struct {
	Server    ServerSettings
	Storage   StorageSettings
	Index     IndexSettings
	Embedding EmbeddingSettings
	Model     ModelSettings
	RAG       RAGSettings
	Risk      RiskSettings
	Memory    MemorySettings
	OCR       OCRSettings
	PII       PIISettings
	State     StateSettings
	Broker    BrokerSettings
	Events    EventsSettings
	Latency   LatencySettings
	Timeouts  TimeoutSettings
}

// ServerSettings configures the HTTP server.
type ServerSettings struct {
	Host   string
	Port   int
	APIKey string
}

// StorageSettings configures the S3/MinIO object store facade.
type StorageSettings struct {
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
}

// IndexSettings configures the lexical+vector index client.
type IndexSettings struct {
	URL  string
	Name string
}

// EmbeddingSettings configures the embedding provider chain.
type EmbeddingSettings struct {
	Provider   string
	Model      string
	Dimensions int
	Endpoint   string
	APIKey     string
	BatchSize  int
}

// ModelSettings configures the generative LLM gateway.
type ModelSettings struct {
	Provider     string
	AllowedModel string
	OllamaHost   string
	OpenAIKey    string
}

// RAGSettings configures hybrid retrieval and the evidence gate.
type RAGSettings struct {
	ScoreThreshold   float64
	MaxContextChunks int
	VectorTopK       int
	VectorMinScore   float64
	RerankURL        string
	DocsBaseURL      string
}

// RiskSettings configures the Monte-Carlo simulator client.
type RiskSettings struct {
	SimURL      string
	MaxTrials   int
	DataVersion string
}

// MemorySettings configures per-thread conversational memory.
type MemorySettings struct {
	TokenCap        int
	SummaryEveryN   int
	SummaryCapChars int
}

// OCRSettings configures the OCR sidecar.
type OCRSettings struct {
	Enabled bool
	URL     string
	Langs   string
}

// PIISettings configures entity policy and masking.
type PIISettings struct {
	PolicyFile string
	Mask       string
}

// StateSettings configures the SQLite state store.
type StateSettings struct {
	Path string
}

// BrokerSettings configures the stage task queue.
type BrokerSettings struct {
	RedisAddr string
	Queue     string
	Workers   int
}

// EventsSettings configures lifecycle event publishing.
type EventsSettings struct {
	KafkaBrokers string
	TopicPrefix  string
}

// LatencySettings carries the per-route p95 latency targets reported in
// query telemetry.
type LatencySettings struct {
	TargetLLMMs  int
	TargetRAGMs  int
	TargetRiskMs int
}

// TimeoutSettings carries per-dependency timeouts. Optional helpers (risk)
// degrade on timeout; required ones fail the request.
type TimeoutSettings struct {
	Retrieval time.Duration
	Embedding time.Duration
	LLM       time.Duration
	Simulator time.Duration
}

// FromEnv snapshots the environment into a Settings value with defaults
// applied. Call after [Load] so YAML-sourced values are visible.
func FromEnv() *Settings {
	return &Settings{
		Server: ServerSettings{
			Host:   getEnv("CONDUIT_HOST", "0.0.0.0"),
			Port:   getEnvInt("CONDUIT_PORT", 8080),
			APIKey: getEnv("CONDUIT_API_KEY", ""),
		},
		Storage: StorageSettings{
			Endpoint:  getEnv("S3_ENDPOINT", ""),
			Bucket:    getEnv("S3_BUCKET", "conduit-landing"),
			Region:    getEnv("S3_REGION", "us-east-1"),
			AccessKey: getEnv("S3_ACCESS_KEY", ""),
			SecretKey: getEnv("S3_SECRET_KEY", ""),
		},
		Index: IndexSettings{
			URL:  getEnv("INDEX_URL", "http://localhost:9200"),
			Name: getEnv("INDEX_NAME", "rag-chunks"),
		},
		Embedding: EmbeddingSettings{
			Provider:   getEnv("EMBEDDING_PROVIDER", "auto"),
			Model:      getEnv("EMBEDDING_MODEL", "nomic-embed-text"),
			Dimensions: getEnvInt("EMBEDDING_DIMENSIONS", 768),
			Endpoint:   getEnv("EMBEDDING_ENDPOINT", ""),
			APIKey:     getEnv("EMBEDDING_API_KEY", ""),
			BatchSize:  getEnvInt("EMBEDDING_BATCH_SIZE", 16),
		},
		Model: ModelSettings{
			Provider:     getEnv("MODEL_PROVIDER", "openai"),
			AllowedModel: getEnv("ALLOWED_MODEL", "gpt-4o-mini"),
			OllamaHost:   getEnv("OLLAMA_HOST", "http://localhost:11434"),
			OpenAIKey:    getEnv("OPENAI_API_KEY", ""),
		},
		RAG: RAGSettings{
			ScoreThreshold:   getEnvFloat("RAG_SCORE_THRESHOLD", 0.18),
			MaxContextChunks: getEnvInt("RAG_MAX_CONTEXT_CHUNKS", 5),
			VectorTopK:       getEnvInt("VECTOR_TOP_K", 10),
			VectorMinScore:   getEnvFloat("VECTOR_MIN_SCORE", 0),
			RerankURL:        getEnv("RERANK_URL", ""),
			DocsBaseURL:      getEnv("DOCS_BASE_URL", "/docs/"),
		},
		Risk: RiskSettings{
			SimURL:      getEnv("SIM_URL", ""),
			MaxTrials:   getEnvInt("RISK_MAX_TRIALS", 20000),
			DataVersion: getEnv("DATA_VERSION", "v1"),
		},
		Memory: MemorySettings{
			TokenCap:        getEnvInt("MEMORY_TOKEN_CAP", 1200),
			SummaryEveryN:   getEnvInt("SUMMARY_EVERY_N", 6),
			SummaryCapChars: getEnvInt("SUMMARY_CAP_CHARS", 2000),
		},
		OCR: OCRSettings{
			Enabled: getEnvBool("OCR_ENABLED", false),
			URL:     getEnv("OCR_URL", ""),
			Langs:   getEnv("OCR_LANGS", "eng"),
		},
		PII: PIISettings{
			PolicyFile: getEnv("PII_POLICY_FILE", ""),
			Mask:       getEnv("PII_MASK", "[REDACTED]"),
		},
		State: StateSettings{
			Path: getEnv("STATE_DB_PATH", "conduit.db"),
		},
		Broker: BrokerSettings{
			RedisAddr: getEnv("REDIS_ADDR", ""),
			Queue:     getEnv("QUEUE_NAME", "conduit:stages"),
			Workers:   getEnvInt("QUEUE_WORKERS", 4),
		},
		Events: EventsSettings{
			KafkaBrokers: getEnv("KAFKA_BROKERS", ""),
			TopicPrefix:  getEnv("KAFKA_TOPIC_PREFIX", "ingestion"),
		},
		Latency: LatencySettings{
			TargetLLMMs:  getEnvInt("TARGET_P95_LLM_MS", 2500),
			TargetRAGMs:  getEnvInt("TARGET_P95_LLM_RAG_MS", 4000),
			TargetRiskMs: getEnvInt("TARGET_P95_LLM_RISK_MS", 6000),
		},
		Timeouts: TimeoutSettings{
			Retrieval: getEnvDuration("RETRIEVAL_TIMEOUT", 8*time.Second),
			Embedding: getEnvDuration("EMBEDDING_TIMEOUT", 15*time.Second),
			LLM:       getEnvDuration("LLM_TIMEOUT", 60*time.Second),
			Simulator: getEnvDuration("SIMULATOR_TIMEOUT", 20*time.Second),
		},
	}
}
