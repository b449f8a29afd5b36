package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// CalibrationMetrics records feedback, tuning and batch metrics.
type CalibrationMetrics interface {
	RecordFeedback(ctx context.Context, profileType, label string)
	RecordRecommendation(ctx context.Context, profileType, action, outcome string)
	RecordBatch(ctx context.Context, trigger string, profiles, failed int, duration time.Duration)
	RecordQueuePersistFailure(ctx context.Context)
}

type calibrationMetrics struct {
	feedback        metric.Int64Counter
	recommendations metric.Int64Counter
	batches         metric.Int64Counter
	batchProfiles   metric.Int64Counter
	batchDuration   metric.Float64Histogram
	persistFailures metric.Int64Counter
}

// NewCalibrationMetrics creates CalibrationMetrics. Returns (nil, nil) when meter is nil (metrics disabled).
func NewCalibrationMetrics(meter metric.Meter) (CalibrationMetrics, error) {
	if meter == nil {
		//nolint:nilnil // intentional: callers use "if metrics != nil" when metrics disabled
		return nil, nil
	}

	feedback, err := meter.Int64Counter(
		MetricNameFeedbackEvents,
		metric.WithDescription("Feedback events recorded, per profile type and label"),
	)
	if err != nil {
		return nil, fmt.Errorf("create feedback counter: %w", err)
	}

	recommendations, err := meter.Int64Counter(
		MetricNameRecommendations,
		metric.WithDescription("Tuning recommendations by action and outcome (applied, queued, duplicate, drift_capped, failed, skipped)"),
	)
	if err != nil {
		return nil, fmt.Errorf("create recommendations counter: %w", err)
	}

	batches, err := meter.Int64Counter(
		MetricNameBatches,
		metric.WithDescription("Recompute batches run, per trigger"),
	)
	if err != nil {
		return nil, fmt.Errorf("create batches counter: %w", err)
	}

	batchProfiles, err := meter.Int64Counter(
		MetricNameBatchProfiles,
		metric.WithDescription("Profiles processed by recompute batches, per status (ok, failed)"),
	)
	if err != nil {
		return nil, fmt.Errorf("create batch profiles counter: %w", err)
	}

	batchDuration, err := meter.Float64Histogram(
		MetricNameBatchDuration,
		metric.WithDescription("Recompute batch duration (seconds)"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create batch duration histogram: %w", err)
	}

	persistFailures, err := meter.Int64Counter(
		MetricNameQueuePersistFailures,
		metric.WithDescription("Queue state writes that failed; crash recovery may lose pending profiles"),
	)
	if err != nil {
		return nil, fmt.Errorf("create queue persist failures counter: %w", err)
	}

	return &calibrationMetrics{
		feedback:        feedback,
		recommendations: recommendations,
		batches:         batches,
		batchProfiles:   batchProfiles,
		batchDuration:   batchDuration,
		persistFailures: persistFailures,
	}, nil
}

func (m *calibrationMetrics) RecordFeedback(ctx context.Context, profileType, label string) {
	m.feedback.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrProfileType, NormalizeProfileType(profileType)),
		attribute.String(AttrLabel, NormalizeLabel(label)),
	))
}

func (m *calibrationMetrics) RecordRecommendation(ctx context.Context, profileType, action, outcome string) {
	m.recommendations.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrProfileType, NormalizeProfileType(profileType)),
		attribute.String(AttrAction, normalize(action, AllowedActions, "other")),
		attribute.String(AttrOutcome, normalize(outcome, AllowedOutcomes, "other")),
	))
}

func (m *calibrationMetrics) RecordBatch(ctx context.Context, trigger string, profiles, failed int, duration time.Duration) {
	trig := attribute.String(AttrTrigger, NormalizeTrigger(trigger))

	m.batches.Add(ctx, 1, metric.WithAttributes(trig))
	m.batchDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(trig))
	m.batchProfiles.Add(ctx, int64(profiles-failed), metric.WithAttributes(attribute.String(AttrStatus, "ok")))
	m.batchProfiles.Add(ctx, int64(failed), metric.WithAttributes(attribute.String(AttrStatus, "failed")))
}

func (m *calibrationMetrics) RecordQueuePersistFailure(ctx context.Context) {
	m.persistFailures.Add(ctx, 1)
}
