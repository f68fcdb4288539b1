package config

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// AgentConfig describes one configured agent entry from agent_models_config.
type AgentConfig struct {
	AgentID     string  `yaml:"agent_id"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature,omitempty"`
	Personality string  `yaml:"personality,omitempty"`
}

// OrchestratorConfig holds the turn-loop sizing knobs.
type OrchestratorConfig struct {
	NumAgents          int           `yaml:"num_agents"`
	DefaultTurns       int           `yaml:"default_turns"`
	ConsensusAlgorithm string        `yaml:"consensus_algorithm"`
	AgentModelsConfig  []AgentConfig `yaml:"agent_models_config,omitempty"`
	HistoryWindow      int           `yaml:"history_window,omitempty"`
}

// LLMConfig holds provider credentials and default model parameters. The
// orchestrator default provider mirrors the original Python system, which
// was Gemini-first.
type LLMConfig struct {
	GeminiModel       string  `yaml:"gemini_model"`
	GeminiTemperature float64 `yaml:"gemini_temperature"`
	GeminiMaxTokens   int     `yaml:"gemini_max_tokens"`
	AnthropicAPIKey   string  `yaml:"anthropic_api_key,omitempty"`
	OpenAIAPIKey      string  `yaml:"openai_api_key,omitempty"`
	GoogleAPIKey      string  `yaml:"google_api_key,omitempty"`
	RequestTimeout    int     `yaml:"request_timeout_seconds,omitempty"`
	EmbeddingHost     string  `yaml:"embedding_host,omitempty"`
	EmbeddingAPIKey   string  `yaml:"embedding_api_key,omitempty"`
	EmbeddingModel    string  `yaml:"embedding_model,omitempty"`
}

// MessageBusConfig configures the Redis Streams backend.
type MessageBusConfig struct {
	RedisAddr   string `yaml:"redis_addr"`
	StreamMaxLen int64 `yaml:"stream_maxlen"`
	RetentionHours int `yaml:"retention_hours,omitempty"`
}

// AuditSinkConfig configures the Postgres-backed durable store.
type AuditSinkConfig struct {
	DSN             string `yaml:"dsn"`
	PoolSize        int32  `yaml:"pool_size"`
	PoolOverflow    int32  `yaml:"pool_overflow"`
	RetentionDays   int    `yaml:"retention_days,omitempty"`
	ExportBucket    string `yaml:"export_bucket,omitempty"`
}

// VectorStoreConfig configures the optional Qdrant-backed similarity store.
type VectorStoreConfig struct {
	Enabled    bool   `yaml:"enabled"`
	DSN        string `yaml:"dsn,omitempty"`
	Collection string `yaml:"collection,omitempty"`
	Dimensions int    `yaml:"dimensions,omitempty"`
}

// RetryConfig and CircuitBreakerConfig mirror faultcore's own config types
// in plain-YAML form so they can be loaded here and handed off at
// construction time.
type RetryConfig struct {
	MaxAttempts     int     `yaml:"max_attempts"`
	BaseDelay       float64 `yaml:"base_delay"`
	MaxDelay        float64 `yaml:"max_delay"`
	ExponentialBase float64 `yaml:"exponential_base"`
}

type CircuitBreakerConfig struct {
	FailureThreshold int     `yaml:"failure_threshold"`
	TimeoutSeconds   float64 `yaml:"timeout_seconds"`
	SuccessThreshold int     `yaml:"success_threshold"`
}

// RateLimitConfig mirrors the original system's SecurityConfig constants.
type RateLimitConfig struct {
	Requests int `yaml:"requests"`
	Window   int `yaml:"window_seconds"`
	Burst    int `yaml:"burst"`
}

// AuthConfig configures JWT issuance.
type AuthConfig struct {
	SecretKey        string `yaml:"secret_key"`
	TokenExpiryHours int    `yaml:"token_expiry_hours"`
}

// TelemetryConfig controls OpenTelemetry settings.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	Insecure    bool   `yaml:"insecure"`
	ServiceName string `yaml:"service_name"`
}

// HealthConfig controls health-check timeouts.
type HealthConfig struct {
	TimeoutSeconds float64 `yaml:"timeout_seconds"`
}

type Config struct {
	LogLevel     string               `yaml:"log_level"`
	LogPath      string               `yaml:"log_path,omitempty"`
	Orchestrator OrchestratorConfig   `yaml:"orchestrator"`
	LLM          LLMConfig            `yaml:"llm"`
	MessageBus   MessageBusConfig     `yaml:"message_bus"`
	AuditSink    AuditSinkConfig      `yaml:"audit_sink"`
	VectorStore  VectorStoreConfig   `yaml:"vector_store"`
	Retry        RetryConfig          `yaml:"retry"`
	Breaker      CircuitBreakerConfig `yaml:"breaker"`
	RateLimit    RateLimitConfig      `yaml:"rate_limit"`
	Auth         AuthConfig           `yaml:"auth"`
	OTel         TelemetryConfig      `yaml:"otel"`
	Health       HealthConfig         `yaml:"health"`
}

// Load reads filename, decodes it strictly (unknown keys are rejected, per
// the configuration surface's contract) and fills in defaults for any
// field the file left zero-valued. A warning is logged (through zerolog,
// since this process is headless) only for orchestrator.num_agents,
// orchestrator.default_turns, orchestrator.consensus_algorithm,
// message_bus.redis_addr and auth.secret_key; every other default is
// applied silently. An empty log_level is left empty so that
// observability.InitLogger can fall back to LOG_LEVEL.
func Load(filename string) (*Config, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config file: %w", err)
	}

	applyDefaults(&cfg)
	log.Info().Str("file", filename).Msg("configuration loaded")
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	warn := func(field string, value any) {
		log.Warn().Str("field", field).Interface("default", value).Msg("config field missing, using default")
	}

	if cfg.Orchestrator.NumAgents <= 0 {
		cfg.Orchestrator.NumAgents = 3
		warn("orchestrator.num_agents", 3)
	}
	if cfg.Orchestrator.DefaultTurns <= 0 {
		cfg.Orchestrator.DefaultTurns = 2
		warn("orchestrator.default_turns", 2)
	}
	if cfg.Orchestrator.ConsensusAlgorithm == "" {
		cfg.Orchestrator.ConsensusAlgorithm = "synthesis"
		warn("orchestrator.consensus_algorithm", "synthesis")
	}
	if cfg.Orchestrator.HistoryWindow <= 0 {
		cfg.Orchestrator.HistoryWindow = 50
	}

	if cfg.LLM.GeminiModel == "" {
		cfg.LLM.GeminiModel = "gemini-1.5-flash"
	}
	if cfg.LLM.GeminiTemperature <= 0 {
		cfg.LLM.GeminiTemperature = 0.7
	}
	if cfg.LLM.GeminiMaxTokens <= 0 {
		cfg.LLM.GeminiMaxTokens = 4000
	}
	if cfg.LLM.RequestTimeout <= 0 {
		cfg.LLM.RequestTimeout = 30
	}
	if cfg.LLM.EmbeddingHost == "" {
		cfg.LLM.EmbeddingHost = "https://api.openai.com/v1/embeddings"
	}
	if cfg.LLM.EmbeddingModel == "" {
		cfg.LLM.EmbeddingModel = "text-embedding-3-small"
	}

	if cfg.MessageBus.RedisAddr == "" {
		cfg.MessageBus.RedisAddr = "localhost:6379"
		warn("message_bus.redis_addr", cfg.MessageBus.RedisAddr)
	}
	if cfg.MessageBus.StreamMaxLen <= 0 {
		cfg.MessageBus.StreamMaxLen = 1000
	}
	if cfg.MessageBus.RetentionHours <= 0 {
		cfg.MessageBus.RetentionHours = 24
	}

	if cfg.AuditSink.PoolSize <= 0 {
		cfg.AuditSink.PoolSize = 10
	}
	if cfg.AuditSink.PoolOverflow <= 0 {
		cfg.AuditSink.PoolOverflow = 20
	}
	if cfg.AuditSink.RetentionDays <= 0 {
		cfg.AuditSink.RetentionDays = 30
	}

	if cfg.VectorStore.Collection == "" {
		cfg.VectorStore.Collection = "conversation_memory"
	}
	if cfg.VectorStore.Dimensions <= 0 {
		cfg.VectorStore.Dimensions = 384
	}

	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Retry.BaseDelay <= 0 {
		cfg.Retry.BaseDelay = 1.0
	}
	if cfg.Retry.MaxDelay <= 0 {
		cfg.Retry.MaxDelay = 60.0
	}
	if cfg.Retry.ExponentialBase <= 0 {
		cfg.Retry.ExponentialBase = 2.0
	}

	if cfg.Breaker.FailureThreshold <= 0 {
		cfg.Breaker.FailureThreshold = 5
	}
	if cfg.Breaker.TimeoutSeconds <= 0 {
		cfg.Breaker.TimeoutSeconds = 60.0
	}
	if cfg.Breaker.SuccessThreshold <= 0 {
		cfg.Breaker.SuccessThreshold = 3
	}

	if cfg.RateLimit.Requests <= 0 {
		cfg.RateLimit.Requests = 100
	}
	if cfg.RateLimit.Window <= 0 {
		cfg.RateLimit.Window = 3600
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 10
	}

	if cfg.Auth.SecretKey == "" {
		cfg.Auth.SecretKey = "dev-secret-change-me"
		warn("auth.secret_key", "dev-secret-change-me (INSECURE — set in production)")
	}
	if cfg.Auth.TokenExpiryHours <= 0 {
		cfg.Auth.TokenExpiryHours = 24
	}

	if cfg.OTel.ServiceName == "" {
		cfg.OTel.ServiceName = "orchestrator"
	}

	if cfg.Health.TimeoutSeconds <= 0 {
		cfg.Health.TimeoutSeconds = 5.0
	}
}

// RetentionDuration converts RetentionHours to the time.Duration form that
// messagebus.Bus.Cleanup takes as its maxAge.
func (c MessageBusConfig) RetentionDuration() time.Duration {
	return time.Duration(c.RetentionHours) * time.Hour
}
