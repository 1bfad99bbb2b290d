package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/yungbote/loqui-backend/internal/platform/envutil"
)

type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

func (p PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.DBName, p.SSLMode)
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type QuotaConfig struct {
	BucketCapacity  float64
	RefillPerSecond float64
	KeyTTL          time.Duration
}

type MemoryConfig struct {
	MaxContextTokens  int
	SummaryBudget     int
	MessageThreshold  int
	TokenThreshold    int
	ResummaryCooldown time.Duration
	ResummaryDelta    int
	KeepRecent        int
}

type LLMConfig struct {
	Provider         string
	FallbackProvider string

	InferenceBaseURL    string
	InferenceChatModel  string
	InferenceEmbedModel string
	InferenceEmbedDim   int
	InferenceAPIKey     string
	InferenceMaxRetries int

	GeminiAPIKey string
	GeminiModel  string

	AnthropicAPIKey string
	AnthropicModel  string

	MaxContextTokens int
	MaxOutputTokens  int
	Timeout          time.Duration
	SimulateStream   bool
}

type IngestConfig struct {
	ParseWorkers   int
	MaxUploadBytes int64
	BucketName     string
}

type Config struct {
	Env  string
	Port string

	Postgres PostgresConfig
	Redis    RedisConfig
	Quota    QuotaConfig
	Memory   MemoryConfig
	LLM      LLMConfig
	Ingest   IngestConfig

	CORSAllowedOrigins []string
}

// FromEnv resolves the full runtime configuration once at startup.
// Every knob has a working local default; only provider API keys are
// genuinely required, and those are validated by the provider factory.
func FromEnv() *Config {
	return &Config{
		Env:  envutil.Str("APP_ENV", "development"),
		Port: envutil.Str("PORT", "8080"),

		Postgres: PostgresConfig{
			Host:     envutil.Str("POSTGRES_HOST", "localhost"),
			Port:     envutil.Int("POSTGRES_PORT", 5432),
			User:     envutil.Str("POSTGRES_USER", "postgres"),
			Password: envutil.Str("POSTGRES_PASSWORD", "postgres"),
			DBName:   envutil.Str("POSTGRES_DB", "loqui"),
			SSLMode:  envutil.Str("POSTGRES_SSLMODE", "disable"),
		},

		Redis: RedisConfig{
			Addr:     envutil.Str("REDIS_ADDR", "localhost:6379"),
			Password: envutil.Str("REDIS_PASSWORD", ""),
			DB:       envutil.Int("REDIS_DB", 0),
		},

		Quota: QuotaConfig{
			BucketCapacity:  envutil.Float64("QUOTA_BUCKET_CAPACITY", 20),
			RefillPerSecond: envutil.Float64("QUOTA_REFILL_PER_SECOND", 1),
			KeyTTL:          time.Duration(envutil.Int("QUOTA_KEY_TTL_SECONDS", 60)) * time.Second,
		},

		Memory: MemoryConfig{
			MaxContextTokens:  envutil.Int("MEMORY_MAX_CONTEXT_TOKENS", 8000),
			SummaryBudget:     envutil.Int("MEMORY_SUMMARY_BUDGET", 500),
			MessageThreshold:  envutil.Int("MEMORY_MESSAGE_THRESHOLD", 30),
			TokenThreshold:    envutil.Int("MEMORY_TOKEN_THRESHOLD", 6000),
			ResummaryCooldown: time.Duration(envutil.Int("MEMORY_RESUMMARY_COOLDOWN_HOURS", 24)) * time.Hour,
			ResummaryDelta:    envutil.Int("MEMORY_RESUMMARY_DELTA", 20),
			KeepRecent:        envutil.Int("MEMORY_KEEP_RECENT", 10),
		},

		LLM: LLMConfig{
			Provider:         strings.ToLower(envutil.Str("LLM_PROVIDER", "local")),
			FallbackProvider: strings.ToLower(envutil.Str("LLM_FALLBACK_PROVIDER", "")),

			InferenceBaseURL:    envutil.Str("INFERENCE_BASE_URL", "http://localhost:11434"),
			InferenceChatModel:  envutil.Str("INFERENCE_CHAT_MODEL", "llama3.1:8b"),
			InferenceEmbedModel: envutil.Str("INFERENCE_EMBED_MODEL", "nomic-embed-text"),
			InferenceEmbedDim:   envutil.Int("INFERENCE_EMBED_DIM", 768),
			InferenceAPIKey:     envutil.Str("INFERENCE_API_KEY", ""),
			InferenceMaxRetries: envutil.Int("INFERENCE_MAX_RETRIES", 2),

			GeminiAPIKey: envutil.Str("GEMINI_API_KEY", ""),
			GeminiModel:  envutil.Str("GEMINI_MODEL", "gemini-2.0-flash"),

			AnthropicAPIKey: envutil.Str("ANTHROPIC_API_KEY", ""),
			AnthropicModel:  envutil.Str("ANTHROPIC_MODEL", "claude-sonnet-4-20250514"),

			MaxContextTokens: envutil.Int("LLM_MAX_CONTEXT_TOKENS", 8000),
			MaxOutputTokens:  envutil.Int("LLM_MAX_OUTPUT_TOKENS", 1024),
			Timeout:          time.Duration(envutil.Int("LLM_TIMEOUT_SECONDS", 60)) * time.Second,
			SimulateStream:   envutil.Bool("LLM_SIMULATE_STREAM", false),
		},

		Ingest: IngestConfig{
			ParseWorkers:   envutil.Int("DOC_PARSE_WORKERS", 2),
			MaxUploadBytes: int64(envutil.Int("DOC_MAX_UPLOAD_BYTES", 10<<20)),
			BucketName:     envutil.Str("DOCUMENT_GCS_BUCKET_NAME", "loqui-documents"),
		},

		CORSAllowedOrigins: splitOrigins(envutil.Str("CORS_ALLOWED_ORIGINS", "http://localhost:3000")),
	}
}

func splitOrigins(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
