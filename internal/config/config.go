// Package config provides calibration engine configuration loaded from environment variables.
package config

import (
	"errors"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	DatabaseURL string
	Port        string
	APIKey      string
	LogLevel    string

	// Postgres pool size, shared by the history repositories and River
	DatabaseMaxConns int

	// Profile definitions file (YAML, replaced atomically on every adjustment)
	ProfilesPath string

	// Batch queue persistence. Redis is used when RedisURL is set, the JSON file otherwise.
	RedisURL       string
	RedisKeyPrefix string
	QueueStatePath string

	EmbeddingProvider       string
	EmbeddingModel          string
	EmbeddingProviderAPIKey string
	EmbeddingBaseURL        string
	EmbeddingDimensions     int
	EmbeddingRateLimit      float64
	CentroidCacheSize       int

	FeedbackWindow       time.Duration
	DecayInterval        time.Duration
	FeedbackSampleWeight float64
	MaxFeedbackSamples   int

	BatchInterval      time.Duration
	BatchSizeThreshold int
	BatchCheckInterval time.Duration

	// River is only available with a Postgres DATABASE_URL
	RiverEnabled    bool
	RiverMaxWorkers int

	TelegramBotToken    string
	TelegramAdminChatID int64

	// OTEL_METRICS_EXPORTER: "otlp", "prometheus" or empty (disabled)
	OtelMetricsExporter string
	// OTEL_TRACES_EXPORTER: "otlp", "stdout" or empty (disabled)
	OtelTracesExporter string
}

// UsesPostgres reports whether DatabaseURL points at Postgres rather than SQLite.
func (c *Config) UsesPostgres() bool {
	return strings.HasPrefix(c.DatabaseURL, "postgres://") || strings.HasPrefix(c.DatabaseURL, "postgresql://")
}

// SQLitePath returns the file path of a sqlite:// DatabaseURL.
func (c *Config) SQLitePath() string {
	return strings.TrimPrefix(c.DatabaseURL, "sqlite://")
}

// ValidateServe checks the settings that only the HTTP server needs.
func (c *Config) ValidateServe() error {
	if c.APIKey == "" {
		return errors.New("API_KEY environment variable is required but not set")
	}

	if c.RiverEnabled && !c.UsesPostgres() {
		return errors.New("RIVER_ENABLED requires a postgres DATABASE_URL")
	}

	return nil
}

// getEnv retrieves an environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}

	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value.
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsInt64 is getEnvAsInt for 64-bit ids such as Telegram chat ids.
func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsFloat retrieves an environment variable as a float or returns a default value.
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsBool accepts the forms strconv.ParseBool understands.
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsDuration accepts Go duration strings ("10m") or plain integer seconds ("600").
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	if secs, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(secs) * time.Second
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

// Load reads configuration from environment variables and returns a Config struct.
// It automatically loads .env file if it exists.
// Returns default values for any missing environment variables; values that would
// break the tuning invariants (non-positive windows, intervals or limits) are errors.
func Load() (*Config, error) {
	// Load .env file if it exists. Skip logging when absent (e.g. env from secrets/parameter store).
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("Failed to load .env file", "error", err)
	}

	cfg := &Config{
		DatabaseURL: getEnv("DATABASE_URL", "sqlite://data/calibration.db"),
		Port:        getEnv("PORT", "8080"),
		APIKey:      os.Getenv("API_KEY"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		DatabaseMaxConns: getEnvAsInt("DATABASE_MAX_CONNS", 10),

		ProfilesPath: getEnv("PROFILES_PATH", "config/profiles.yml"),

		RedisURL:       os.Getenv("REDIS_URL"),
		RedisKeyPrefix: getEnv("REDIS_KEY_PREFIX", "tgsentinel:"),
		QueueStatePath: getEnv("QUEUE_STATE_PATH", "data/batch_queue.json"),

		EmbeddingProvider:       strings.ToLower(getEnv("EMBEDDING_PROVIDER", "hash")),
		EmbeddingModel:          os.Getenv("EMBEDDING_MODEL"),
		EmbeddingProviderAPIKey: os.Getenv("EMBEDDING_PROVIDER_API_KEY"),
		EmbeddingBaseURL:        os.Getenv("EMBEDDING_BASE_URL"),
		EmbeddingDimensions:     getEnvAsInt("EMBEDDING_DIMENSIONS", 384),
		EmbeddingRateLimit:      getEnvAsFloat("EMBEDDING_RATE_LIMIT", 5),
		CentroidCacheSize:       getEnvAsInt("CENTROID_CACHE_SIZE", 512),

		FeedbackWindow:       time.Duration(getEnvAsInt("FEEDBACK_WINDOW_DAYS", 7)) * 24 * time.Hour,
		DecayInterval:        time.Duration(getEnvAsInt("DECAY_INTERVAL_HOURS", 24)) * time.Hour,
		FeedbackSampleWeight: getEnvAsFloat("FEEDBACK_SAMPLE_WEIGHT", 0.4),
		MaxFeedbackSamples:   getEnvAsInt("MAX_FEEDBACK_SAMPLES", 20),

		BatchInterval:      getEnvAsDuration("BATCH_INTERVAL", 600*time.Second),
		BatchSizeThreshold: getEnvAsInt("BATCH_SIZE_THRESHOLD", 5),
		BatchCheckInterval: getEnvAsDuration("BATCH_CHECK_INTERVAL", 30*time.Second),

		RiverEnabled:    getEnvAsBool("RIVER_ENABLED", false),
		RiverMaxWorkers: getEnvAsInt("RIVER_MAX_WORKERS", 2),

		TelegramBotToken:    os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramAdminChatID: getEnvAsInt64("TELEGRAM_ADMIN_CHAT_ID", 0),

		OtelMetricsExporter: strings.ToLower(os.Getenv("OTEL_METRICS_EXPORTER")),
		OtelTracesExporter:  strings.ToLower(os.Getenv("OTEL_TRACES_EXPORTER")),
	}

	if cfg.FeedbackWindow <= 0 {
		return nil, errors.New("FEEDBACK_WINDOW_DAYS must be a positive integer")
	}

	if cfg.DecayInterval <= 0 {
		return nil, errors.New("DECAY_INTERVAL_HOURS must be a positive integer")
	}

	if cfg.FeedbackSampleWeight <= 0 || cfg.FeedbackSampleWeight > 1 {
		return nil, errors.New("FEEDBACK_SAMPLE_WEIGHT must be in (0, 1]")
	}

	if cfg.MaxFeedbackSamples <= 0 {
		return nil, errors.New("MAX_FEEDBACK_SAMPLES must be a positive integer")
	}

	if cfg.BatchInterval <= 0 || cfg.BatchCheckInterval <= 0 {
		return nil, errors.New("BATCH_INTERVAL and BATCH_CHECK_INTERVAL must be positive")
	}

	if cfg.BatchSizeThreshold <= 0 {
		return nil, errors.New("BATCH_SIZE_THRESHOLD must be a positive integer")
	}

	if cfg.EmbeddingDimensions <= 0 {
		return nil, errors.New("EMBEDDING_DIMENSIONS must be a positive integer")
	}

	if cfg.CentroidCacheSize <= 0 {
		return nil, errors.New("CENTROID_CACHE_SIZE must be a positive integer")
	}

	if cfg.RiverMaxWorkers <= 0 {
		return nil, errors.New("RIVER_MAX_WORKERS must be a positive integer")
	}

	return cfg, nil
}
