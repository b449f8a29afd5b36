package observability

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/redoracle/tgsentinel/internal/config"
)

func TestNormalizers(t *testing.T) {
	assert.Equal(t, "interest", NormalizeProfileType("interest"))
	assert.Equal(t, "unknown", NormalizeProfileType("keyword"))
	assert.Equal(t, "down", NormalizeLabel("down"))
	assert.Equal(t, "unknown", NormalizeLabel(""))
	assert.Equal(t, "manual", NormalizeTrigger("manual"))
	assert.Equal(t, "unknown", NormalizeTrigger("cron"))
	assert.Equal(t, "centroids", NormalizeCacheName("centroids"))
	assert.Equal(t, "other", NormalizeCacheName("webhooks"))
	assert.Equal(t, "other", normalize("raise_everything", AllowedActions, "other"))
}

func TestStatusClass(t *testing.T) {
	assert.Equal(t, "2xx", StatusClass(204))
	assert.Equal(t, "4xx", StatusClass(404))
	assert.Equal(t, "5xx", StatusClass(503))
}

func TestNilMeterDisablesMetrics(t *testing.T) {
	cal, err := NewCalibrationMetrics(nil)
	require.NoError(t, err)
	assert.Nil(t, cal)

	httpM, err := NewHTTPMetrics(nil)
	require.NoError(t, err)
	assert.Nil(t, httpM)

	enc, err := NewEncoderMetrics(nil)
	require.NoError(t, err)
	assert.Nil(t, enc)

	cache, err := NewCacheMetrics(nil)
	require.NoError(t, err)
	assert.Nil(t, cache)
}

func TestCacheMetrics_countsLifecycle(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := NewCacheMetrics(Meter(provider))
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordMiss(ctx, "centroids")
	m.RecordHit(ctx, "centroids")
	m.RecordHit(ctx, "centroids")
	m.RecordReplace(ctx, "centroids")

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	totals := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, metric := range sm.Metrics {
			sum, ok := metric.Data.(metricdata.Sum[int64])
			require.True(t, ok, metric.Name)

			for _, dp := range sum.DataPoints {
				cache, _ := dp.Attributes.Value(AttrCache)
				assert.Equal(t, "centroids", cache.AsString())
				totals[metric.Name] += dp.Value
			}
		}
	}

	assert.Equal(t, int64(2), totals[MetricNameCacheHits])
	assert.Equal(t, int64(1), totals[MetricNameCacheMisses])
	assert.Equal(t, int64(1), totals[MetricNameCacheReplacements])
}

func TestCalibrationMetrics_recordsBatch(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := NewCalibrationMetrics(Meter(provider))
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordBatch(ctx, "automatic", 3, 1, 2*time.Second)
	m.RecordFeedback(ctx, "interest", "down")

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	names := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, metric := range sm.Metrics {
			names[metric.Name] = true
		}
	}

	assert.True(t, names[MetricNameBatches])
	assert.True(t, names[MetricNameBatchDuration])
	assert.True(t, names[MetricNameFeedbackEvents])
}

func TestEncoderMetrics_recordsErrors(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := NewEncoderMetrics(Meter(provider))
	require.NoError(t, err)

	m.RecordEncode(context.Background(), 4, time.Millisecond, errors.New("timeout"))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	require.NotEmpty(t, rm.ScopeMetrics)
}

func TestNewMeterProvider_disabledAndPrometheus(t *testing.T) {
	ctx := context.Background()

	mp, handler, err := NewMeterProvider(ctx, &config.Config{})
	require.NoError(t, err)
	assert.Nil(t, mp)
	assert.Nil(t, handler)

	mp, handler, err = NewMeterProvider(ctx, &config.Config{OtelMetricsExporter: "prometheus"})
	require.NoError(t, err)
	require.NotNil(t, mp)
	assert.NotNil(t, handler)
	assert.NoError(t, ShutdownMeterProvider(ctx, mp))
}

func TestNewSampler(t *testing.T) {
	assert.Equal(t, sdktrace.AlwaysSample().Description(), newSampler("always_on", "").Description())
	assert.Equal(t, sdktrace.TraceIDRatioBased(0.25).Description(), newSampler("traceidratio", "0.25").Description())
	assert.Equal(t, sdktrace.TraceIDRatioBased(1).Description(), newSampler("traceidratio", "7").Description())
	assert.Contains(t, newSampler("", "").Description(), "ParentBased")
}

func TestTraceContextHandler_addsBatchID(t *testing.T) {
	var buf bytes.Buffer

	logger := slog.New(NewTraceContextHandler(slog.NewTextHandler(&buf, nil)))

	ctx := WithBatchID(context.Background(), "b-1")
	ctx = context.WithValue(ctx, RequestIDKey, "r-1")
	logger.InfoContext(ctx, "hello")

	assert.Contains(t, buf.String(), "batch_id=b-1")
	assert.Contains(t, buf.String(), "request_id=r-1")
}
