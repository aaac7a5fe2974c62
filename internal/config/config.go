// Package config provides configuration management for Recall.
// Settings come from three layers, lowest precedence first: built-in
// defaults, an optional YAML file named by RECALL_CONFIG_FILE, and
// environment variables with the RECALL_ prefix.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration settings for the Recall service.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Storage     StorageConfig     `yaml:"storage"`
	Redis       RedisConfig       `yaml:"redis"`
	LLM         LLMConfig         `yaml:"llm"`
	Billing     BillingConfig     `yaml:"billing"`
	Ingest      IngestConfig      `yaml:"ingest"`
	Consolidate ConsolidateConfig `yaml:"consolidate"`
}

// ServerConfig contains HTTP API settings.
type ServerConfig struct {
	Host string `yaml:"host"` // Bind address (default: 127.0.0.1)
	Port int    `yaml:"port"` // Listen port (default: 8480; 0 picks a free port)
}

// StorageConfig contains graph store configuration.
type StorageConfig struct {
	PostgresDSN  string `yaml:"postgres_dsn"`  // PostgreSQL connection string
	EmbeddingDim int    `yaml:"embedding_dim"` // Vector column dimension (default: 768, nomic-embed-text)
}

// RedisConfig contains balance store configuration.
type RedisConfig struct {
	Addr     string `yaml:"addr"`     // Redis address (default: localhost:6379)
	Password string `yaml:"password"` // Redis password
	DB       int    `yaml:"db"`       // Redis database number
}

// LLMConfig contains embedding and graph extraction provider configuration.
type LLMConfig struct {
	Provider       string        `yaml:"provider"`        // Provider: ollama, openai (default: ollama)
	OllamaURL      string        `yaml:"ollama_url"`      // Ollama API URL (default: http://localhost:11434)
	OllamaModel    string        `yaml:"ollama_model"`    // Ollama extraction model (default: qwen2.5:7b)
	EmbeddingModel string        `yaml:"embedding_model"` // Embedding model (default: nomic-embed-text)
	OpenAIAPIKey   string        `yaml:"openai_api_key"`  // OpenAI API key
	OpenAIModel    string        `yaml:"openai_model"`    // OpenAI extraction model (default: gpt-4o-mini)
	Timeout        time.Duration `yaml:"timeout"`         // Per-call provider timeout (default: 60s)
	RatePerSecond  float64       `yaml:"rate_per_second"` // Outbound provider call rate limit (default: 10)
}

// BillingConfig contains cost guard policy settings.
type BillingConfig struct {
	// CostPerThousandTokens is the price of 1000 processed tokens in minor
	// currency units (default: 2).
	CostPerThousandTokens int64 `yaml:"cost_per_thousand_tokens"`

	// ExtractionMultiplier scales the estimate when graph extraction will
	// run in addition to embedding (default: 3).
	ExtractionMultiplier int64 `yaml:"extraction_multiplier"`

	// ProNegativeFloor is how far below zero a PRO tenant's balance may go
	// before access is denied, in minor currency units (default: 50000).
	ProNegativeFloor int64 `yaml:"pro_negative_floor"`

	// MirrorBuffer is the queue depth of the async ledger mirror (default: 256).
	MirrorBuffer int `yaml:"mirror_buffer"`
}

// IngestConfig contains ingestion pipeline settings.
type IngestConfig struct {
	NumWorkers      int           `yaml:"num_workers"`      // Worker goroutines draining the queue (default: 5)
	QueueSize       int           `yaml:"queue_size"`       // Job queue buffer size (default: 1000)
	MaxRetries      int           `yaml:"max_retries"`      // Retries for transient provider failures (default: 3)
	RetryBackoff    time.Duration `yaml:"retry_backoff"`    // Base backoff, doubled per attempt (default: 2s)
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // Max wait for workers to drain on shutdown (default: 30s)
}

// ConsolidateConfig contains sleep-cycle settings.
type ConsolidateConfig struct {
	Interval           time.Duration `yaml:"interval"`              // Scheduler period (default: 6h)
	Window             time.Duration `yaml:"window"`                // Trailing eligibility window (default: 24h)
	MinBatch           int           `yaml:"min_batch"`             // Minimum unconsolidated memories to process a tenant (default: 5)
	MaxBatch           int           `yaml:"max_batch"`             // Maximum memories per batch, most recent first (default: 50)
	AvgTokensPerMemory int           `yaml:"avg_tokens_per_memory"` // Cost-estimate heuristic (default: 100)
}

// LoadConfig builds a Config from defaults, the optional YAML file named by
// RECALL_CONFIG_FILE, and RECALL_-prefixed environment variables, in that
// order of precedence.
func LoadConfig() (*Config, error) {
	cfg := defaultConfig()

	if path := os.Getenv("RECALL_CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks invariants that would otherwise surface as confusing
// runtime behavior.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: port must be in [0, 65535], got %d", c.Server.Port)
	}
	if c.Storage.EmbeddingDim < 1 {
		return fmt.Errorf("config: embedding_dim must be >= 1, got %d", c.Storage.EmbeddingDim)
	}
	if c.Ingest.NumWorkers < 1 {
		return fmt.Errorf("config: num_workers must be >= 1, got %d", c.Ingest.NumWorkers)
	}
	if c.Ingest.QueueSize < 1 {
		return fmt.Errorf("config: queue_size must be >= 1, got %d", c.Ingest.QueueSize)
	}
	if c.Billing.ProNegativeFloor < 0 {
		return fmt.Errorf("config: pro_negative_floor is a magnitude and must be >= 0, got %d", c.Billing.ProNegativeFloor)
	}
	if c.Consolidate.MinBatch < 1 || c.Consolidate.MaxBatch < c.Consolidate.MinBatch {
		return fmt.Errorf("config: consolidate batch bounds invalid (min=%d max=%d)", c.Consolidate.MinBatch, c.Consolidate.MaxBatch)
	}
	return nil
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8480,
		},
		Storage: StorageConfig{
			PostgresDSN:  "postgres://localhost/recall?sslmode=disable",
			EmbeddingDim: 768,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		LLM: LLMConfig{
			Provider:       "ollama",
			OllamaURL:      "http://localhost:11434",
			OllamaModel:    "qwen2.5:7b",
			EmbeddingModel: "nomic-embed-text",
			OpenAIModel:    "gpt-4o-mini",
			Timeout:        60 * time.Second,
			RatePerSecond:  10,
		},
		Billing: BillingConfig{
			CostPerThousandTokens: 2,
			ExtractionMultiplier:  3,
			ProNegativeFloor:      50000,
			MirrorBuffer:          256,
		},
		Ingest: IngestConfig{
			NumWorkers:      5,
			QueueSize:       1000,
			MaxRetries:      3,
			RetryBackoff:    2 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Consolidate: ConsolidateConfig{
			Interval:           6 * time.Hour,
			Window:             24 * time.Hour,
			MinBatch:           5,
			MaxBatch:           50,
			AvgTokensPerMemory: 100,
		},
	}
}

// applyEnv overrides cfg fields from RECALL_-prefixed environment variables.
func applyEnv(cfg *Config) {
	cfg.Server.Host = getEnv("RECALL_HOST", cfg.Server.Host)
	cfg.Server.Port = getEnvInt("RECALL_PORT", cfg.Server.Port)

	cfg.Storage.PostgresDSN = getEnv("RECALL_POSTGRES_DSN", cfg.Storage.PostgresDSN)
	cfg.Storage.EmbeddingDim = getEnvInt("RECALL_EMBEDDING_DIM", cfg.Storage.EmbeddingDim)

	cfg.Redis.Addr = getEnv("RECALL_REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = getEnv("RECALL_REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getEnvInt("RECALL_REDIS_DB", cfg.Redis.DB)

	cfg.LLM.Provider = getEnv("RECALL_LLM_PROVIDER", cfg.LLM.Provider)
	cfg.LLM.OllamaURL = getEnv("RECALL_OLLAMA_URL", cfg.LLM.OllamaURL)
	cfg.LLM.OllamaModel = getEnv("RECALL_OLLAMA_MODEL", cfg.LLM.OllamaModel)
	cfg.LLM.EmbeddingModel = getEnv("RECALL_EMBEDDING_MODEL", cfg.LLM.EmbeddingModel)
	cfg.LLM.OpenAIAPIKey = getEnv("RECALL_OPENAI_API_KEY", cfg.LLM.OpenAIAPIKey)
	cfg.LLM.OpenAIModel = getEnv("RECALL_OPENAI_MODEL", cfg.LLM.OpenAIModel)
	cfg.LLM.Timeout = getEnvDuration("RECALL_LLM_TIMEOUT", cfg.LLM.Timeout)

	cfg.Billing.CostPerThousandTokens = getEnvInt64("RECALL_COST_PER_1K_TOKENS", cfg.Billing.CostPerThousandTokens)
	cfg.Billing.ExtractionMultiplier = getEnvInt64("RECALL_EXTRACTION_MULTIPLIER", cfg.Billing.ExtractionMultiplier)
	cfg.Billing.ProNegativeFloor = getEnvInt64("RECALL_PRO_NEGATIVE_FLOOR", cfg.Billing.ProNegativeFloor)

	cfg.Ingest.NumWorkers = getEnvInt("RECALL_INGEST_WORKERS", cfg.Ingest.NumWorkers)
	cfg.Ingest.QueueSize = getEnvInt("RECALL_INGEST_QUEUE_SIZE", cfg.Ingest.QueueSize)
	cfg.Ingest.MaxRetries = getEnvInt("RECALL_INGEST_MAX_RETRIES", cfg.Ingest.MaxRetries)
	cfg.Ingest.RetryBackoff = getEnvDuration("RECALL_INGEST_RETRY_BACKOFF", cfg.Ingest.RetryBackoff)
	cfg.Ingest.ShutdownTimeout = getEnvDuration("RECALL_INGEST_SHUTDOWN_TIMEOUT", cfg.Ingest.ShutdownTimeout)

	cfg.Consolidate.Interval = getEnvDuration("RECALL_CONSOLIDATE_INTERVAL", cfg.Consolidate.Interval)
	cfg.Consolidate.Window = getEnvDuration("RECALL_CONSOLIDATE_WINDOW", cfg.Consolidate.Window)
	cfg.Consolidate.MinBatch = getEnvInt("RECALL_CONSOLIDATE_MIN_BATCH", cfg.Consolidate.MinBatch)
	cfg.Consolidate.MaxBatch = getEnvInt("RECALL_CONSOLIDATE_MAX_BATCH", cfg.Consolidate.MaxBatch)
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default
// value. Unparsable values fall back to the default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvInt64 retrieves a 64-bit integer environment variable or returns a
// default value. Unparsable values fall back to the default.
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvDuration retrieves a duration environment variable (Go duration
// syntax, e.g. "30s", "6h") or returns a default value.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
