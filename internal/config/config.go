// Package config loads process-wide configuration from environment
// variables (CONDUCTOR_* prefix) and the YAML model catalog. The struct
// is built once at startup and treated as immutable afterwards.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full runtime configuration.
type Config struct {
	Server    ServerConfig
	Log       LogConfig
	Auth      AuthConfig
	Catalog   CatalogConfig
	Defaults  GenerationDefaults
	Retry     RetryConfig
	Timeouts  TimeoutConfig
	Ensemble  EnsembleConfig
	Store     StoreConfig
	Events    EventsConfig
	Providers ProvidersConfig
	Trace     TraceConfig
	RateLimit RateLimitConfig
}

// ServerConfig configures the HTTP facade.
type ServerConfig struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// LogConfig configures logrus.
type LogConfig struct {
	Level  string
	Format string // "text" or "json"
}

// AuthConfig configures request authentication. APIKeyDigests holds
// argon2id digests of accepted API keys; an empty list together with an
// empty JWTSecret disables auth entirely.
type AuthConfig struct {
	APIKeyDigests []string
	JWTSecret     string
}

// Enabled reports whether any authentication method is configured.
func (a AuthConfig) Enabled() bool {
	return len(a.APIKeyDigests) > 0 || a.JWTSecret != ""
}

// CatalogConfig locates the model capability catalog.
type CatalogConfig struct {
	Path  string
	Watch bool
}

// GenerationDefaults fill unset request parameters.
type GenerationDefaults struct {
	Temperature float64
	MaxTokens   int
}

// RetryConfig shapes the retry/backoff executor.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	JitterFactor float64
}

// TimeoutConfig composes the per-attempt, per-model and round-wide
// bounds. Expected ordering: PerAttempt <= PerModel <= Round.
type TimeoutConfig struct {
	PerAttempt time.Duration
	PerModel   time.Duration
	Round      time.Duration
}

// EnsembleConfig configures parallel rounds.
type EnsembleConfig struct {
	Scheme        string // "plurality" or "score"
	MaxConcurrent int    // 0 = unbounded
}

// StoreConfig selects and configures the conversation store backend.
type StoreConfig struct {
	Backend       string // "memory", "redis", "postgres", "sqlite"
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTTL      time.Duration
	PostgresDSN   string
	SQLitePath    string
}

// EventsConfig configures transcript event publishing. Empty Brokers
// selects the no-op publisher.
type EventsConfig struct {
	Brokers []string
	Topic   string
}

// ProvidersConfig holds per-vendor endpoints.
type ProvidersConfig struct {
	OpenAI    ProviderEndpoint
	Anthropic ProviderEndpoint
	Ollama    ProviderEndpoint
}

// ProviderEndpoint is one vendor's HTTP endpoint configuration.
type ProviderEndpoint struct {
	BaseURL string
	Enabled bool
}

// TraceConfig selects the OpenTelemetry span exporter.
type TraceConfig struct {
	Exporter string // "otlp", "console", "none"
	Endpoint string
	Insecure bool
}

// RateLimitConfig bounds requests per client key.
type RateLimitConfig struct {
	Requests int
	Window   time.Duration
}

// Load builds the configuration from environment variables, applying
// defaults for anything unset.
func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            getEnv("CONDUCTOR_ADDR", ":8080"),
			ReadTimeout:     getDurationEnv("CONDUCTOR_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getDurationEnv("CONDUCTOR_WRITE_TIMEOUT", 120*time.Second),
			ShutdownTimeout: getDurationEnv("CONDUCTOR_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Log: LogConfig{
			Level:  getEnv("CONDUCTOR_LOG_LEVEL", "info"),
			Format: getEnv("CONDUCTOR_LOG_FORMAT", "text"),
		},
		Auth: AuthConfig{
			APIKeyDigests: getEnvSlice("CONDUCTOR_API_KEY_DIGESTS", nil),
			JWTSecret:     getEnv("CONDUCTOR_JWT_SECRET", ""),
		},
		Catalog: CatalogConfig{
			Path:  getEnv("CONDUCTOR_CATALOG", "configs/models.yaml"),
			Watch: getBoolEnv("CONDUCTOR_CATALOG_WATCH", true),
		},
		Defaults: GenerationDefaults{
			Temperature: getFloatEnv("CONDUCTOR_DEFAULT_TEMPERATURE", 0.7),
			MaxTokens:   getIntEnv("CONDUCTOR_DEFAULT_MAX_TOKENS", 1024),
		},
		Retry: RetryConfig{
			MaxAttempts:  getIntEnv("CONDUCTOR_RETRY_MAX_ATTEMPTS", 3),
			InitialDelay: getDurationEnv("CONDUCTOR_RETRY_INITIAL_DELAY", 1*time.Second),
			MaxDelay:     getDurationEnv("CONDUCTOR_RETRY_MAX_DELAY", 30*time.Second),
			Multiplier:   getFloatEnv("CONDUCTOR_RETRY_MULTIPLIER", 2.0),
			JitterFactor: getFloatEnv("CONDUCTOR_RETRY_JITTER", 0.1),
		},
		Timeouts: TimeoutConfig{
			PerAttempt: getDurationEnv("CONDUCTOR_TIMEOUT_ATTEMPT", 60*time.Second),
			PerModel:   getDurationEnv("CONDUCTOR_TIMEOUT_MODEL", 90*time.Second),
			Round:      getDurationEnv("CONDUCTOR_TIMEOUT_ROUND", 120*time.Second),
		},
		Ensemble: EnsembleConfig{
			Scheme:        getEnv("CONDUCTOR_VOTING_SCHEME", "plurality"),
			MaxConcurrent: getIntEnv("CONDUCTOR_MAX_CONCURRENT", 0),
		},
		Store: StoreConfig{
			Backend:       getEnv("CONDUCTOR_STORE", "memory"),
			RedisAddr:     getEnv("CONDUCTOR_REDIS_ADDR", "localhost:6379"),
			RedisPassword: getEnv("CONDUCTOR_REDIS_PASSWORD", ""),
			RedisDB:       getIntEnv("CONDUCTOR_REDIS_DB", 0),
			RedisTTL:      getDurationEnv("CONDUCTOR_REDIS_TTL", 0),
			PostgresDSN:   getEnv("CONDUCTOR_POSTGRES_DSN", ""),
			SQLitePath:    getEnv("CONDUCTOR_SQLITE_PATH", "conductor.db"),
		},
		Events: EventsConfig{
			Brokers: getEnvSlice("CONDUCTOR_KAFKA_BROKERS", nil),
			Topic:   getEnv("CONDUCTOR_KAFKA_TOPIC", "conductor.conversation.events"),
		},
		Providers: ProvidersConfig{
			OpenAI: ProviderEndpoint{
				BaseURL: getEnv("CONDUCTOR_OPENAI_BASE_URL", "https://api.openai.com/v1"),
				Enabled: getBoolEnv("CONDUCTOR_OPENAI_ENABLED", true),
			},
			Anthropic: ProviderEndpoint{
				BaseURL: getEnv("CONDUCTOR_ANTHROPIC_BASE_URL", "https://api.anthropic.com/v1"),
				Enabled: getBoolEnv("CONDUCTOR_ANTHROPIC_ENABLED", true),
			},
			Ollama: ProviderEndpoint{
				BaseURL: getEnv("CONDUCTOR_OLLAMA_BASE_URL", "http://localhost:11434"),
				Enabled: getBoolEnv("CONDUCTOR_OLLAMA_ENABLED", false),
			},
		},
		Trace: TraceConfig{
			Exporter: getEnv("CONDUCTOR_TRACE_EXPORTER", "none"),
			Endpoint: getEnv("CONDUCTOR_TRACE_ENDPOINT", "localhost:4318"),
			Insecure: getBoolEnv("CONDUCTOR_TRACE_INSECURE", true),
		},
		RateLimit: RateLimitConfig{
			Requests: getIntEnv("CONDUCTOR_RATE_LIMIT_REQUESTS", 120),
			Window:   getDurationEnv("CONDUCTOR_RATE_LIMIT_WINDOW", time.Minute),
		},
	}
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry max attempts must be >= 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("retry multiplier must be >= 1, got %v", c.Retry.Multiplier)
	}
	if c.Timeouts.PerAttempt > c.Timeouts.PerModel {
		return fmt.Errorf("per-attempt timeout %v exceeds per-model timeout %v", c.Timeouts.PerAttempt, c.Timeouts.PerModel)
	}
	if c.Timeouts.PerModel > c.Timeouts.Round {
		return fmt.Errorf("per-model timeout %v exceeds round deadline %v", c.Timeouts.PerModel, c.Timeouts.Round)
	}
	switch c.Ensemble.Scheme {
	case "plurality", "score":
	default:
		return fmt.Errorf("unknown voting scheme %q", c.Ensemble.Scheme)
	}
	switch c.Store.Backend {
	case "memory", "redis", "postgres", "sqlite":
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Store.Backend == "postgres" && c.Store.PostgresDSN == "" {
		return fmt.Errorf("postgres store selected but CONDUCTOR_POSTGRES_DSN is empty")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		return out
	}
	return defaultValue
}
