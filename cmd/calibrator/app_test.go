package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redoracle/tgsentinel/internal/api/handlers"
	"github.com/redoracle/tgsentinel/internal/config"
	"github.com/redoracle/tgsentinel/internal/models"
	"github.com/redoracle/tgsentinel/internal/service"
)

const testProfiles = `interests:
  - id: crypto
    threshold: 0.45
    positive_samples: [Bitcoin breaks all-time high, Ethereum upgrade ships]
    negative_samples: [Crypto scam giveaway]
alerts:
  - id: outage
    keywords: [down, outage]
    min_score: 1.0
`

const testAPIKey = "test-key"

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	dir := t.TempDir()
	profiles := filepath.Join(dir, "profiles.yml")
	require.NoError(t, os.WriteFile(profiles, []byte(testProfiles), 0o644))

	return &config.Config{
		DatabaseURL:          "sqlite://" + filepath.Join(dir, "calibration.db"),
		Port:                 "0",
		APIKey:               testAPIKey,
		ProfilesPath:         profiles,
		QueueStatePath:       filepath.Join(dir, "queue.json"),
		EmbeddingProvider:    embeddingProviderHash,
		EmbeddingDimensions:  64,
		CentroidCacheSize:    16,
		FeedbackWindow:       7 * 24 * time.Hour,
		DecayInterval:        time.Hour,
		FeedbackSampleWeight: 0.4,
		MaxFeedbackSamples:   20,
		BatchInterval:        600 * time.Second,
		BatchSizeThreshold:   5,
		BatchCheckInterval:   30 * time.Second,
		RiverMaxWorkers:      1,
	}
}

func TestNewEncoder(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		provider string
		apiKey   string
		baseURL  string
		wantErr  bool
	}{
		{name: "hash", provider: embeddingProviderHash},
		{name: "local with base url", provider: embeddingProviderLocal, baseURL: "http://localhost:11434/v1"},
		{name: "local without base url", provider: embeddingProviderLocal, wantErr: true},
		{name: "openai without key", provider: embeddingProviderOpenAI, wantErr: true},
		{name: "openai", provider: embeddingProviderOpenAI, apiKey: "sk-test"},
		{name: "unknown", provider: "word2vec", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.Config{
				EmbeddingProvider:       tt.provider,
				EmbeddingProviderAPIKey: tt.apiKey,
				EmbeddingBaseURL:        tt.baseURL,
				EmbeddingDimensions:     32,
			}

			client, err := newEncoder(ctx, cfg)
			if tt.wantErr {
				require.Error(t, err)
				assert.Nil(t, client)

				return
			}

			require.NoError(t, err)
			assert.NotNil(t, client)
		})
	}

	_, err := newEncoder(ctx, &config.Config{EmbeddingProvider: "word2vec"})
	require.ErrorIs(t, err, errUnsupportedEmbeddingProvider)
}

func TestNewEngine_sqliteAndFileQueue(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	e, err := newEngine(ctx, cfg, appMetrics{})
	require.NoError(t, err)
	t.Cleanup(func() { e.close(context.Background()) })

	assert.Nil(t, e.pool)
	assert.NotNil(t, e.sqlite)
	assert.Contains(t, e.readinessChecks(), "sqlite")

	e.processor.ScheduleRecompute(ctx, "crypto")
	require.NoError(t, e.processor.Stop(ctx))

	_, err = os.Stat(cfg.QueueStatePath)
	require.NoError(t, err, "queue state is flushed on stop")

	// A second engine over the same files restores the pending set.
	restored, err := newEngine(ctx, cfg, appMetrics{})
	require.NoError(t, err)
	t.Cleanup(func() { restored.close(context.Background()) })

	assert.Equal(t, []string{"crypto"}, restored.processor.Status().PendingProfiles)
}

func TestNewEngine_unreachableQueueStoreStartsEmpty(t *testing.T) {
	cfg := testConfig(t)
	cfg.RedisURL = "redis://127.0.0.1:1/0"
	ctx := context.Background()

	e, err := newEngine(ctx, cfg, appMetrics{})
	require.NoError(t, err)
	t.Cleanup(func() { e.close(context.Background()) })

	require.NotNil(t, e.redis)
	assert.Contains(t, e.readinessChecks(), "redis")
	assert.Empty(t, e.processor.Status().PendingProfiles)

	e.processor.ScheduleRecompute(ctx, "crypto")
	assert.Equal(t, []string{"crypto"}, e.processor.Status().PendingProfiles)
}

func newTestHandler(t *testing.T) http.Handler {
	t.Helper()

	h, _ := newTestServer(t, testConfig(t))

	return h
}

func newTestServer(t *testing.T, cfg *config.Config) (http.Handler, *engine) {
	t.Helper()

	e, err := newEngine(context.Background(), cfg, appMetrics{})
	require.NoError(t, err)
	t.Cleanup(func() { e.close(context.Background()) })

	feedbackService := service.NewFeedbackService(service.FeedbackParams{
		Events:   e.history,
		Profiles: e.profiles,
		Scorer:   e.scorer,
		Interest: e.interest,
		Alert:    e.alert,
		Tuner:    e.tuner,
		Pending:  e.history,
		Notifier: e.notifier,
	})

	server := newHTTPServer(
		cfg,
		handlers.NewHealthHandler(e.readinessChecks()),
		handlers.NewFeedbackHandler(feedbackService),
		handlers.NewCalibrationHandler(newCalibrationService(e, nil)),
		nil, nil, nil, nil,
	)

	return server.Handler, e
}

func do(t *testing.T, h http.Handler, method, path, body string, auth bool) *httptest.ResponseRecorder {
	t.Helper()

	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, http.NoBody)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}

	if auth {
		req.Header.Set("Authorization", "Bearer "+testAPIKey)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	return rec
}

func TestHTTPServer_routes(t *testing.T) {
	h := newTestHandler(t)

	t.Run("probes are public", func(t *testing.T) {
		assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/health", "", false).Code)
		assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/ready", "", false).Code)
	})

	t.Run("v1 requires the api key", func(t *testing.T) {
		rec := do(t, h, http.MethodGet, "/v1/calibration/status", "", false)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	})

	t.Run("borderline feedback tunes the threshold", func(t *testing.T) {
		const body = `{"chat_id":1,"msg_id":%d,"profile_ids":["crypto"],"label":"down","profile_type":"interest","semantic_score":0.5}`

		var last models.SubmitFeedbackResult

		for i := range 3 {
			rec := do(t, h, http.MethodPost, "/v1/feedback", fmt.Sprintf(body, i+1), true)
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &last))
		}

		require.Len(t, last.Outcomes, 1)
		assert.True(t, last.Outcomes[0].Applied)

		rec := do(t, h, http.MethodGet, "/v1/profiles/interest/crypto/calibration", "", true)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var cal models.ProfileCalibration
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cal))
		assert.InDelta(t, 0.55, cal.CurrentValue, 1e-9)
		require.Len(t, cal.Adjustments, 1)
	})

	t.Run("manual recompute runs inline", func(t *testing.T) {
		rec := do(t, h, http.MethodPost, "/v1/calibration/recompute", `{"profile_ids":["crypto"]}`, true)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var res models.RecomputeResult
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
		assert.False(t, res.Queued)
		require.NotNil(t, res.Batch)
		assert.Equal(t, []string{"crypto"}, res.Batch.ProfileIDs)
		assert.Empty(t, res.Batch.FailedProfileIDs)

		rec = do(t, h, http.MethodGet, "/v1/calibration/batches", "", true)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("unknown routes are 404", func(t *testing.T) {
		assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/v1/nope", "", true).Code)
	})
}

func TestRestart_consumedFeedbackIsNotCountedAgain(t *testing.T) {
	const body = `{"chat_id":1,"msg_id":%d,"profile_ids":["crypto"],"label":"down","profile_type":"interest","semantic_score":%g}`

	cfg := testConfig(t)
	ctx := context.Background()

	submit := func(h http.Handler, msgID int, score float64) models.ProfileFeedbackOutcome {
		rec := do(t, h, http.MethodPost, "/v1/feedback", fmt.Sprintf(body, msgID, score), true)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var res models.SubmitFeedbackResult
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
		require.Len(t, res.Outcomes, 1)

		return res.Outcomes[0]
	}

	first, _ := newTestServer(t, cfg)

	var out models.ProfileFeedbackOutcome
	for i := range 3 {
		out = submit(first, i+1, 0.5)
	}

	require.True(t, out.Applied)

	// A second process over the same history rebuilds its counters at startup.
	second, e := newTestServer(t, cfg)
	e.decay.RunOnce(ctx)

	out = submit(second, 10, 0.6)
	assert.False(t, out.Applied)

	e.decay.RunOnce(ctx)

	out = submit(second, 11, 0.6)
	assert.False(t, out.Applied, "feedback consumed by the earlier adjustment must not count again")

	snap, ok := e.interest.Stats("crypto")
	require.True(t, ok)
	assert.Equal(t, 2, snap.Counters[string(models.BucketBorderlineFP)])

	rec := do(t, second, http.MethodGet, "/v1/profiles/interest/crypto/calibration", "", true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var cal models.ProfileCalibration
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cal))
	assert.InDelta(t, 0.55, cal.CurrentValue, 1e-9)
}
