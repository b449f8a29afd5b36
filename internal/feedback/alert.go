package feedback

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redoracle/tgsentinel/internal/models"
)

// Alert policy constants.
const (
	AlertNegativeThreshold = 3
	AlertNegativeRate      = 0.30
	MinScoreStep           = 0.10
)

var alertBuckets = []models.FeedbackBucket{
	models.BucketAlertNegative,
	models.BucketAlertPositive,
}

// ClassifyAlert maps an alert feedback label to its bucket.
func ClassifyAlert(label models.FeedbackLabel) models.FeedbackBucket {
	switch label {
	case models.LabelDown:
		return models.BucketAlertNegative
	case models.LabelUp:
		return models.BucketAlertPositive
	default:
		return models.BucketNone
	}
}

// AlertAggregator tracks keyword-profile feedback. Only min_score is tuned;
// up votes feed the negative-rate denominator and nothing else.
type AlertAggregator struct {
	table  *statsTable
	events EventSource
	resets ResetSource
	window time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// NewAlertAggregator creates an AlertAggregator. SampleWeight is ignored.
func NewAlertAggregator(p AggregatorParams) *AlertAggregator {
	p.defaults()

	return &AlertAggregator{
		table:  newStatsTable(),
		events: p.Events,
		resets: p.Resets,
		window: p.Window,
		now:    p.Now,
		logger: p.Logger,
	}
}

// RecordFeedback counts one event and recommends raising min_score when
// negatives are both frequent and a large enough share of all feedback.
func (a *AlertAggregator) RecordFeedback(ctx context.Context, profileID string, label models.FeedbackLabel) Recommendation {
	bucket := ClassifyAlert(label)

	s := a.table.get(profileID)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastEventAt = a.now()

	if bucket == models.BucketNone {
		return Recommendation{Action: ActionNone, Bucket: bucket}
	}

	s.counts[bucket]++

	neg := s.counts[models.BucketAlertNegative]
	pos := s.counts[models.BucketAlertPositive]

	rec := Recommendation{Action: ActionNone, Bucket: bucket, Count: neg}

	if neg >= AlertNegativeThreshold && float64(neg)/float64(neg+pos) >= AlertNegativeRate {
		rec.Action = ActionRaiseMinScore
		rec.Delta = MinScoreStep

		a.logger.InfoContext(ctx, "feedback: alert recommendation",
			"profile_id", profileID, "negative", neg, "positive", pos)
	}

	return rec
}

// ResetCounters zeroes both alert counters; the rate is derived from the pair.
func (a *AlertAggregator) ResetCounters(profileID string) {
	a.table.get(profileID).reset(a.now(), alertBuckets...)
}

// Stats returns a copy of the profile's counters.
func (a *AlertAggregator) Stats(profileID string) (StatsSnapshot, bool) {
	s, ok := a.table.lookup(profileID)
	if !ok {
		return StatsSnapshot{}, false
	}

	return s.snapshot(alertBuckets), true
}

// Decay re-derives alert counters from the event log.
func (a *AlertAggregator) Decay(ctx context.Context, now time.Time) error {
	n, err := a.table.decay(ctx, now, decayParams{
		events:      a.events,
		resets:      a.resets,
		seed:        alertResets,
		profileType: models.ProfileTypeAlert,
		window:      a.window,
		buckets:     alertBuckets,
		logger:      a.logger,
	})
	if err != nil {
		return fmt.Errorf("decay alert stats: %w", err)
	}

	a.logger.DebugContext(ctx, "feedback: alert stats decayed", "profiles", n)

	return nil
}

// alertResets returns the latest min_score adjustment for both alert buckets.
func alertResets(
	ctx context.Context, src ResetSource, profileID string, since time.Time,
) (map[models.FeedbackBucket]time.Time, error) {
	adjustments, err := src.ListAdjustments(ctx, profileID, models.AdjustmentMinScore, models.TimeRange{From: since})
	if err != nil {
		return nil, fmt.Errorf("list min_score adjustments: %w", err)
	}

	out := make(map[models.FeedbackBucket]time.Time)

	for _, adj := range adjustments {
		for _, b := range alertBuckets {
			latest(out, b, adj.CreatedAt)
		}
	}

	return out, nil
}
