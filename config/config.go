package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all process-wide configuration values.
type Config struct {
	// Server
	Addr            string
	Env             string
	GracefulTimeout time.Duration

	// Redis (optional shared cache for the pricing catalog)
	RedisURL string

	// Authentication (control-surface only)
	APIKeyHeader string

	// DashboardToken, when non-empty, gates /ws and
	// /v1/screenshot/{agentID} behind a static bearer token; /metrics
	// is not gated. Empty disables the guard (local/dev use).
	DashboardToken string

	// DashboardOrigins are the origins the control surface's CORS
	// policy admits. Empty admits any origin.
	DashboardOrigins []string

	// Rate limiting (control-surface only)
	RateLimitEnabled bool
	RateLimitRPM     int
	RateLimitBurst   int

	// Timeouts
	DefaultTimeout   time.Duration
	ProviderTimeouts map[string]time.Duration

	// Body limits
	MaxBodyBytes int64

	// Provider defaults
	DefaultProvider string

	// DefaultModel is the model used when the persisted config.json
	// doesn't name one.
	DefaultModel string

	// Logging
	LogLevel string

	// EspritHome is the directory holding accounts.json, config.json,
	// usage.json and credentials.json.
	EspritHome string

	// MaxRetries bounds the dispatch core's outer retry loop.
	MaxRetries int

	// FanOutInterval is the telemetry poll/broadcast cadence.
	FanOutInterval time.Duration

	// HeartbeatInterval controls the idle-client websocket heartbeat.
	HeartbeatInterval time.Duration

	// BackoffTiers is the escalating-cooldown ladder, in seconds. The
	// account pool does not read this field; it applies
	// credential.BackoffTiers.
	BackoffTiers []int

	// BackoffResetWindow is how long without a 429 before the
	// consecutive-429 counter resets. The account pool does not read
	// this field; it applies credential.BackoffResetWindow.
	BackoffResetWindow time.Duration
}

// Load reads configuration from environment variables and optional .env file.
func Load() *Config {
	_ = godotenv.Load()

	gracefulSec := getEnvInt("ESPRIT_GRACEFUL_TIMEOUT_SEC", 15)
	defaultTimeoutSec := getEnvInt("ESPRIT_DEFAULT_TIMEOUT_SEC", 120)
	fanOutMs := getEnvInt("ESPRIT_FANOUT_INTERVAL_MS", 500)
	heartbeatSec := getEnvInt("ESPRIT_HEARTBEAT_SEC", 30)

	home := getEnv("ESPRIT_HOME", "")
	if home == "" {
		if h, err := os.UserHomeDir(); err == nil {
			home = filepath.Join(h, ".esprit")
		} else {
			home = ".esprit"
		}
	}

	cfg := &Config{
		Addr:              getEnv("ESPRIT_ADDR", ":8080"),
		Env:               getEnv("ENV", "development"),
		GracefulTimeout:   time.Duration(gracefulSec) * time.Second,
		RedisURL:          getEnv("REDIS_URL", ""),
		APIKeyHeader:      getEnv("API_KEY_HEADER", "Authorization"),
		DashboardToken:    getEnv("ESPRIT_DASHBOARD_TOKEN", ""),
		DashboardOrigins:  splitCSV(getEnv("ESPRIT_DASHBOARD_ORIGINS", "")),
		RateLimitEnabled:  getEnvBool("RATE_LIMIT_ENABLED", true),
		RateLimitRPM:      getEnvInt("RATE_LIMIT_RPM", 60),
		RateLimitBurst:    getEnvInt("RATE_LIMIT_BURST", 10),
		DefaultTimeout:    time.Duration(defaultTimeoutSec) * time.Second,
		MaxBodyBytes:      int64(getEnvInt("ESPRIT_MAX_BODY_BYTES", 1*1024*1024)),
		DefaultProvider:   getEnv("DEFAULT_PROVIDER", "anthropic"),
		DefaultModel:      getEnv("ESPRIT_DEFAULT_MODEL", "claude-sonnet-4-5"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		EspritHome:        home,
		MaxRetries:        getEnvInt("ESPRIT_MAX_RETRIES", 5),
		FanOutInterval:    time.Duration(fanOutMs) * time.Millisecond,
		HeartbeatInterval: time.Duration(heartbeatSec) * time.Second,
		BackoffTiers:      []int{60, 300, 1800, 7200},
		BackoffResetWindow: 120 * time.Second,
		ProviderTimeouts: map[string]time.Duration{
			"anthropic":  time.Duration(getEnvInt("PROVIDER_TIMEOUT_ANTHROPIC_SEC", 120)) * time.Second,
			"openai":     time.Duration(getEnvInt("PROVIDER_TIMEOUT_OPENAI_SEC", 120)) * time.Second,
			"google":     time.Duration(getEnvInt("PROVIDER_TIMEOUT_GOOGLE_SEC", 120)) * time.Second,
			"cloudcode":  time.Duration(getEnvInt("PROVIDER_TIMEOUT_CLOUDCODE_SEC", 120)) * time.Second,
		},
	}
	return cfg
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ProviderTimeout returns the configured timeout for a given provider.
func (c *Config) ProviderTimeout(provider string) time.Duration {
	if t, ok := c.ProviderTimeouts[provider]; ok {
		return t
	}
	return c.DefaultTimeout
}

func splitCSV(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
