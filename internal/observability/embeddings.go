package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// EncoderMetrics records calls to the text encoder.
type EncoderMetrics interface {
	RecordEncode(ctx context.Context, texts int, duration time.Duration, err error)
}

type encoderMetrics struct {
	calls    metric.Int64Counter
	texts    metric.Int64Counter
	duration metric.Float64Histogram
}

// NewEncoderMetrics creates EncoderMetrics. Returns (nil, nil) when meter is nil (metrics disabled).
func NewEncoderMetrics(meter metric.Meter) (EncoderMetrics, error) {
	if meter == nil {
		//nolint:nilnil // intentional: callers use "if metrics != nil" when metrics disabled
		return nil, nil
	}

	calls, err := meter.Int64Counter(
		MetricNameEncoderCalls,
		metric.WithDescription("Encoder batch calls by status (success, error)"),
	)
	if err != nil {
		return nil, fmt.Errorf("create encoder calls counter: %w", err)
	}

	texts, err := meter.Int64Counter(
		MetricNameEncoderTexts,
		metric.WithDescription("Texts sent to the encoder"),
	)
	if err != nil {
		return nil, fmt.Errorf("create encoder texts counter: %w", err)
	}

	duration, err := meter.Float64Histogram(
		MetricNameEncoderDuration,
		metric.WithDescription("Encoder call duration (seconds)"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create encoder duration histogram: %w", err)
	}

	return &encoderMetrics{calls: calls, texts: texts, duration: duration}, nil
}

func (e *encoderMetrics) RecordEncode(ctx context.Context, texts int, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}

	attrs := metric.WithAttributes(attribute.String(AttrStatus, status))

	e.calls.Add(ctx, 1, attrs)
	e.texts.Add(ctx, int64(texts))
	e.duration.Record(ctx, duration.Seconds(), attrs)
}
