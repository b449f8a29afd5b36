package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetEnv(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue string
		envValue     string
		shouldSet    bool
		want         string
	}{
		{
			name:         "returns environment variable when set",
			key:          "TEST_VAR",
			defaultValue: "default",
			envValue:     "custom",
			shouldSet:    true,
			want:         "custom",
		},
		{
			name:         "returns default when environment variable not set",
			key:          "TEST_VAR_MISSING",
			defaultValue: "default",
			want:         "default",
		},
		{
			name:         "returns default when environment variable is empty string",
			key:          "TEST_VAR_EMPTY",
			defaultValue: "default",
			envValue:     "",
			shouldSet:    true,
			want:         "default",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.shouldSet {
				t.Setenv(tt.key, tt.envValue)
			}

			assert.Equal(t, tt.want, getEnv(tt.key, tt.defaultValue))
		})
	}
}

func TestGetEnvAsNumbers(t *testing.T) {
	t.Run("int falls back on garbage", func(t *testing.T) {
		t.Setenv("TEST_INT", "twelve")
		assert.Equal(t, 5, getEnvAsInt("TEST_INT", 5))
	})

	t.Run("int64 parses chat ids", func(t *testing.T) {
		t.Setenv("TEST_CHAT", "-1001234567890")
		assert.Equal(t, int64(-1001234567890), getEnvAsInt64("TEST_CHAT", 0))
	})

	t.Run("float parses", func(t *testing.T) {
		t.Setenv("TEST_FLOAT", "0.25")
		assert.InDelta(t, 0.25, getEnvAsFloat("TEST_FLOAT", 1), 1e-9)
	})

	t.Run("bool falls back on garbage", func(t *testing.T) {
		t.Setenv("TEST_BOOL", "maybe")
		assert.True(t, getEnvAsBool("TEST_BOOL", true))
	})
}

func TestGetEnvAsDuration(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  time.Duration
	}{
		{"plain seconds", "600", 600 * time.Second},
		{"go duration", "10m", 10 * time.Minute},
		{"invalid uses default", "soon", time.Minute},
		{"unset uses default", "", time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("TEST_DURATION", tt.value)
			assert.Equal(t, tt.want, getEnvAsDuration("TEST_DURATION", time.Minute))
		})
	}
}

func TestLoad_defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite://data/calibration.db", cfg.DatabaseURL)
	assert.False(t, cfg.UsesPostgres())
	assert.Equal(t, "data/calibration.db", cfg.SQLitePath())
	assert.Equal(t, 7*24*time.Hour, cfg.FeedbackWindow)
	assert.Equal(t, 24*time.Hour, cfg.DecayInterval)
	assert.InDelta(t, 0.4, cfg.FeedbackSampleWeight, 1e-9)
	assert.Equal(t, 20, cfg.MaxFeedbackSamples)
	assert.Equal(t, 600*time.Second, cfg.BatchInterval)
	assert.Equal(t, 5, cfg.BatchSizeThreshold)
	assert.Equal(t, 30*time.Second, cfg.BatchCheckInterval)
	assert.Equal(t, "tgsentinel:", cfg.RedisKeyPrefix)
	assert.Equal(t, "hash", cfg.EmbeddingProvider)
}

func TestLoad_rejectsInvalidValues(t *testing.T) {
	tests := []struct {
		key   string
		value string
	}{
		{"FEEDBACK_WINDOW_DAYS", "0"},
		{"DECAY_INTERVAL_HOURS", "-1"},
		{"FEEDBACK_SAMPLE_WEIGHT", "1.5"},
		{"MAX_FEEDBACK_SAMPLES", "0"},
		{"BATCH_SIZE_THRESHOLD", "0"},
		{"BATCH_INTERVAL", "-5"},
		{"EMBEDDING_DIMENSIONS", "0"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)

			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestValidateServe(t *testing.T) {
	t.Run("requires API key", func(t *testing.T) {
		cfg := &Config{DatabaseURL: "sqlite://x.db"}
		assert.Error(t, cfg.ValidateServe())
	})

	t.Run("river needs postgres", func(t *testing.T) {
		cfg := &Config{APIKey: "k", DatabaseURL: "sqlite://x.db", RiverEnabled: true}
		assert.Error(t, cfg.ValidateServe())
	})

	t.Run("postgres with river is fine", func(t *testing.T) {
		cfg := &Config{APIKey: "k", DatabaseURL: "postgres://u:p@localhost/db", RiverEnabled: true}
		assert.NoError(t, cfg.ValidateServe())
	})
}
