package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the Brigade execution core.
type Config struct {
	Port       int
	Version    string
	Skills     SkillsConfig
	State      StateConfig
	Resilience ResilienceConfig
	Providers  ProvidersConfig
	Orch       OrchestratorConfig
	Tracer     TracerConfig
	Telemetry  TelemetryConfig
}

// OrchestratorConfig bounds multi-step execution.
type OrchestratorConfig struct {
	// MaxSteps caps total plan nodes, guaranteeing termination even
	// under malformed plans.
	MaxSteps int
	// MaxLoops caps agentic loop iterations for chained and evaluated
	// execution.
	MaxLoops int
	// StepTimeout bounds each capability invocation.
	StepTimeout time.Duration
}

// SkillsConfig configures capability discovery.
type SkillsConfig struct {
	// Dir is the directory scanned for capability definition files.
	Dir string
	// SummaryTTL bounds how long discovered summaries are served
	// before a rescan.
	SummaryTTL time.Duration
	// DefinitionTTL bounds how long a fully loaded definition is cached.
	DefinitionTTL time.Duration
}

// StateConfig configures the tiered state manager.
type StateConfig struct {
	// RedisURL is the durable tier address. Empty means in-memory only.
	RedisURL string

	SessionTTL      time.Duration
	ConversationTTL time.Duration
	DefaultTTL      time.Duration
	MaxMessages     int
	SweepInterval   time.Duration
}

// ResilienceConfig configures circuit breakers and retries.
type ResilienceConfig struct {
	SearchThreshold  int
	SearchCooldown   time.Duration
	StorageThreshold int
	StorageCooldown  time.Duration

	RetryAttempts int
	RetryDelay    time.Duration
	RetryBackoff  float64
}

// ProvidersConfig configures the language-model and embedding providers.
type ProvidersConfig struct {
	ChatKind       string // "openai", "anthropic", or OpenAI-compatible
	ChatEndpoint   string
	ChatModel      string
	ChatAPIKey     string
	ChatFallback   string // optional secondary endpoint, same kind
	EmbedEndpoint  string
	EmbedModel     string
	EmbedAPIKey    string
	CallTimeout    time.Duration
	StorageTimeout time.Duration
}

// TracerConfig configures the execution tracer.
type TracerConfig struct {
	Retention  time.Duration
	SampleRate float64
	MaxSummary int
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:    envInt("BRIGADE_PORT", 8080),
		Version: envStr("BRIGADE_VERSION", "0.2.0"),
		Skills: SkillsConfig{
			Dir:           envStr("BRIGADE_SKILLS_DIR", "skills"),
			SummaryTTL:    envDur("BRIGADE_SKILLS_SUMMARY_TTL", 10*time.Minute),
			DefinitionTTL: envDur("BRIGADE_SKILLS_DEFINITION_TTL", 5*time.Minute),
		},
		State: StateConfig{
			RedisURL:        envStr("BRIGADE_REDIS_URL", ""),
			SessionTTL:      envDur("BRIGADE_SESSION_TTL", time.Hour),
			ConversationTTL: envDur("BRIGADE_CONVERSATION_TTL", 24*time.Hour),
			DefaultTTL:      envDur("BRIGADE_STATE_TTL", 5*time.Minute),
			MaxMessages:     envInt("BRIGADE_MAX_MESSAGES", 20),
			SweepInterval:   envDur("BRIGADE_SWEEP_INTERVAL", time.Minute),
		},
		Resilience: ResilienceConfig{
			SearchThreshold:  envInt("BRIGADE_SEARCH_THRESHOLD", 3),
			SearchCooldown:   envDur("BRIGADE_SEARCH_COOLDOWN", 30*time.Second),
			StorageThreshold: envInt("BRIGADE_STORAGE_THRESHOLD", 5),
			StorageCooldown:  envDur("BRIGADE_STORAGE_COOLDOWN", 60*time.Second),
			RetryAttempts:    envInt("BRIGADE_RETRY_ATTEMPTS", 3),
			RetryDelay:       envDur("BRIGADE_RETRY_DELAY", time.Second),
			RetryBackoff:     envFloat("BRIGADE_RETRY_BACKOFF", 2.0),
		},
		Providers: ProvidersConfig{
			ChatKind:       envStr("BRIGADE_CHAT_KIND", "openai"),
			ChatEndpoint:   envStr("BRIGADE_CHAT_ENDPOINT", ""),
			ChatModel:      envStr("BRIGADE_CHAT_MODEL", "gpt-4o-mini"),
			ChatAPIKey:     envStr("BRIGADE_CHAT_API_KEY", ""),
			ChatFallback:   envStr("BRIGADE_CHAT_FALLBACK_ENDPOINT", ""),
			EmbedEndpoint:  envStr("BRIGADE_EMBED_ENDPOINT", ""),
			EmbedModel:     envStr("BRIGADE_EMBED_MODEL", "text-embedding-3-small"),
			EmbedAPIKey:    envStr("BRIGADE_EMBED_API_KEY", ""),
			CallTimeout:    envDur("BRIGADE_CALL_TIMEOUT", 30*time.Second),
			StorageTimeout: envDur("BRIGADE_STORAGE_TIMEOUT", 60*time.Second),
		},
		Orch: OrchestratorConfig{
			MaxSteps:    envInt("BRIGADE_MAX_STEPS", 10),
			MaxLoops:    envInt("BRIGADE_MAX_LOOPS", 5),
			StepTimeout: envDur("BRIGADE_STEP_TIMEOUT", 45*time.Second),
		},
		Tracer: TracerConfig{
			Retention:  envDur("BRIGADE_TRACE_RETENTION", 7*24*time.Hour),
			SampleRate: envFloat("BRIGADE_TRACE_SAMPLE_RATE", 0.1),
			MaxSummary: envInt("BRIGADE_TRACE_MAX_SUMMARY", 500),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "brigade-core"),
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDur(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
