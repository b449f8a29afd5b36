package feedback

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redoracle/tgsentinel/internal/models"
)

// Interest policy constants.
const (
	BorderlineBand        = 0.20
	StrongTruePositiveGap = 0.15
	BorderlineFPThreshold = 3
	SevereFPThreshold     = 2
	StrongTPThreshold     = 2
	ThresholdStep         = 0.10
	DefaultSampleWeight   = 0.4
)

var interestBuckets = []models.FeedbackBucket{
	models.BucketBorderlineFP,
	models.BucketSevereFP,
	models.BucketStrongTP,
}

// Classify places one interest feedback event into its counter bucket.
func Classify(label models.FeedbackLabel, score, threshold float64) models.FeedbackBucket {
	switch label {
	case models.LabelDown:
		if score < threshold {
			return models.BucketNone
		}

		if score < threshold+BorderlineBand {
			return models.BucketBorderlineFP
		}

		return models.BucketSevereFP
	case models.LabelUp:
		if score >= threshold+StrongTruePositiveGap {
			return models.BucketStrongTP
		}
	}

	return models.BucketNone
}

// AggregatorParams configures an aggregator. Window defaults to DefaultWindow.
// Resets may be nil; counters then rebuild from the event log alone.
type AggregatorParams struct {
	Events       EventSource
	Resets       ResetSource
	Window       time.Duration
	SampleWeight float64
	Now          func() time.Time
	Logger       *slog.Logger
}

func (p *AggregatorParams) defaults() {
	if p.Window <= 0 {
		p.Window = DefaultWindow
	}

	if p.SampleWeight <= 0 {
		p.SampleWeight = DefaultSampleWeight
	}

	if p.Now == nil {
		p.Now = time.Now
	}

	if p.Logger == nil {
		p.Logger = slog.Default()
	}
}

// InterestAggregator tracks semantic-profile feedback.
type InterestAggregator struct {
	table        *statsTable
	events       EventSource
	resets       ResetSource
	window       time.Duration
	sampleWeight float64
	now          func() time.Time
	logger       *slog.Logger
}

// NewInterestAggregator creates an InterestAggregator.
func NewInterestAggregator(p AggregatorParams) *InterestAggregator {
	p.defaults()

	return &InterestAggregator{
		table:        newStatsTable(),
		events:       p.Events,
		resets:       p.Resets,
		window:       p.Window,
		sampleWeight: p.SampleWeight,
		now:          p.Now,
		logger:       p.Logger,
	}
}

// RecordFeedback counts one event and returns the recommendation it triggers, if any.
func (a *InterestAggregator) RecordFeedback(
	ctx context.Context, profileID string, label models.FeedbackLabel, score, threshold float64,
) Recommendation {
	bucket := Classify(label, score, threshold)

	s := a.table.get(profileID)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastEventAt = a.now()

	if bucket == models.BucketNone {
		return Recommendation{Action: ActionNone, Bucket: bucket}
	}

	s.counts[bucket]++
	count := s.counts[bucket]

	rec := Recommendation{Action: ActionNone, Bucket: bucket, Count: count}

	switch bucket {
	case models.BucketBorderlineFP:
		if count >= BorderlineFPThreshold {
			rec.Action = ActionRaiseThreshold
			rec.Delta = ThresholdStep
		}
	case models.BucketSevereFP:
		if count >= SevereFPThreshold {
			rec.Action = ActionAddNegativeSample
			rec.SampleWeight = a.sampleWeight
		}
	case models.BucketStrongTP:
		if count >= StrongTPThreshold {
			rec.Action = ActionAddPositiveSample
			rec.SampleWeight = a.sampleWeight
		}
	}

	if !rec.IsNone() {
		a.logger.InfoContext(ctx, "feedback: interest recommendation",
			"profile_id", profileID, "action", rec.Action, "bucket", bucket, "count", count)
	}

	return rec
}

// ResetCounter zeroes one counter after the recommendation derived from it was applied.
func (a *InterestAggregator) ResetCounter(profileID string, bucket models.FeedbackBucket) {
	a.table.get(profileID).reset(a.now(), bucket)
}

// Stats returns a copy of the profile's counters.
func (a *InterestAggregator) Stats(profileID string) (StatsSnapshot, bool) {
	s, ok := a.table.lookup(profileID)
	if !ok {
		return StatsSnapshot{}, false
	}

	return s.snapshot(interestBuckets), true
}

// Decay re-derives interest counters from the event log.
func (a *InterestAggregator) Decay(ctx context.Context, now time.Time) error {
	n, err := a.table.decay(ctx, now, decayParams{
		events:      a.events,
		resets:      a.resets,
		seed:        interestResets,
		profileType: models.ProfileTypeInterest,
		window:      a.window,
		buckets:     interestBuckets,
		logger:      a.logger,
	})
	if err != nil {
		return fmt.Errorf("decay interest stats: %w", err)
	}

	a.logger.DebugContext(ctx, "feedback: interest stats decayed", "profiles", n)

	return nil
}

// interestResets maps threshold adjustments to the bucket named in their
// reason and queued samples to the bucket that requested them.
func interestResets(
	ctx context.Context, src ResetSource, profileID string, since time.Time,
) (map[models.FeedbackBucket]time.Time, error) {
	tr := models.TimeRange{From: since}
	out := make(map[models.FeedbackBucket]time.Time)

	adjustments, err := src.ListAdjustments(ctx, profileID, models.AdjustmentThreshold, tr)
	if err != nil {
		return nil, fmt.Errorf("list threshold adjustments: %w", err)
	}

	for _, adj := range adjustments {
		bucket := models.FeedbackBucket(adj.Reason)
		if bucket != models.BucketSevereFP && bucket != models.BucketStrongTP {
			bucket = models.BucketBorderlineFP
		}

		latest(out, bucket, adj.CreatedAt)
	}

	samples, err := src.ListSamples(ctx, profileID, tr)
	if err != nil {
		return nil, fmt.Errorf("list samples: %w", err)
	}

	for _, sample := range samples {
		bucket := models.BucketSevereFP
		if sample.Category == models.SamplePositive {
			bucket = models.BucketStrongTP
		}

		latest(out, bucket, sample.CreatedAt)
	}

	return out, nil
}

func latest(m map[models.FeedbackBucket]time.Time, b models.FeedbackBucket, at time.Time) {
	if at.After(m[b]) {
		m[b] = at
	}
}
