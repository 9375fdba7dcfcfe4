package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the wizard runtime.
type Config struct {
	Port      int
	Version   string
	LogLevel  string
	Database  DatabaseConfig
	Telemetry TelemetryConfig
	Auth      AuthConfig
	Providers ProvidersConfig
	Telegram  TelegramConfig
	Catalog   CatalogConfig
}

type DatabaseConfig struct {
	// URL selects the store: memory, memory:///snapshot.json,
	// sqlite:///path/wizard.db or postgres://...
	URL string
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	Insecure     bool
	ServiceName  string
	Version      string
	SampleRatio  float64
}

type AuthConfig struct {
	// APIKeys are accepted on X-API-Key or Authorization: Bearer. Empty
	// disables key checking.
	APIKeys []string
}

type ProvidersConfig struct {
	Timeout          time.Duration
	OpenAIAPIKey     string
	OpenAIBaseURL    string
	AnthropicAPIKey  string
	AnthropicBaseURL string
	OllamaBaseURL    string
}

type TelegramConfig struct {
	BotToken      string
	WebhookSecret string
	APIBase       string
	RatePerMinute int
	UpdateTimeout time.Duration
}

type CatalogConfig struct {
	Path          string
	DefaultWizard string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	version := envStr("WIZARD_VERSION", "0.1.0")
	return &Config{
		Port:     envInt("WIZARD_PORT", 8080),
		Version:  version,
		LogLevel: envStr("WIZARD_LOG_LEVEL", "info"),
		Database: DatabaseConfig{
			URL: envStr("DATABASE_URL", "memory"),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:     envBool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "wizard-runtime"),
			Version:      version,
			SampleRatio:  envFloat("OTEL_TRACES_SAMPLER_RATIO", 1.0),
		},
		Auth: AuthConfig{
			APIKeys: envList("WIZARD_API_KEYS"),
		},
		Providers: ProvidersConfig{
			Timeout:          envDuration("WIZARD_PROVIDER_TIMEOUT", 120*time.Second),
			OpenAIAPIKey:     envStr("OPENAI_API_KEY", ""),
			OpenAIBaseURL:    envStr("OPENAI_BASE_URL", "https://api.openai.com/v1"),
			AnthropicAPIKey:  envStr("ANTHROPIC_API_KEY", ""),
			AnthropicBaseURL: envStr("ANTHROPIC_BASE_URL", "https://api.anthropic.com"),
			OllamaBaseURL:    envStr("OLLAMA_BASE_URL", "http://localhost:11434"),
		},
		Telegram: TelegramConfig{
			BotToken:      envStr("TELEGRAM_BOT_TOKEN", ""),
			WebhookSecret: envStr("TELEGRAM_WEBHOOK_SECRET", ""),
			APIBase:       envStr("TELEGRAM_API_BASE", "https://api.telegram.org"),
			RatePerMinute: envInt("TELEGRAM_RATE_PER_MIN", 20),
			UpdateTimeout: envDuration("WIZARD_WEBHOOK_TIMEOUT", 5*time.Minute),
		},
		Catalog: CatalogConfig{
			Path:          envStr("WIZARD_CATALOG_PATH", ""),
			DefaultWizard: envStr("WIZARD_DEFAULT_WIZARD", ""),
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

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
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

// envDuration accepts Go durations ("90s") or bare seconds ("90").
func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

func envList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
