// Package service wires the aggregators, tuner and batch processor into the
// operations exposed over HTTP and the CLI.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redoracle/tgsentinel/internal/apperrors"
	"github.com/redoracle/tgsentinel/internal/feedback"
	"github.com/redoracle/tgsentinel/internal/keylock"
	"github.com/redoracle/tgsentinel/internal/models"
	"github.com/redoracle/tgsentinel/internal/notify"
	"github.com/redoracle/tgsentinel/internal/observability"
	"github.com/redoracle/tgsentinel/internal/semantic"
	"github.com/redoracle/tgsentinel/internal/tuner"
)

// Reasons recorded on outcomes that were not aggregated or applied.
const (
	ReasonProfileNotFound = "profile not found"
	ReasonNoScore         = "no semantic score"
	ReasonNoText          = "no text for sample"
	ReasonApplyFailed     = "adjustment failed"
)

// FeedbackEventStore appends feedback events.
type FeedbackEventStore interface {
	InsertFeedbackEvent(ctx context.Context, ev *models.FeedbackEvent) error
}

// ProfileReader reads profile definitions.
type ProfileReader interface {
	Interest(ctx context.Context, id string) (*models.InterestProfile, error)
	Alert(ctx context.Context, id string) (*models.AlertProfile, error)
}

// TextScorer scores text against an interest profile.
type TextScorer interface {
	Score(ctx context.Context, text, profileID string) (semantic.Result, error)
}

// InterestFeedback is the interest aggregator.
type InterestFeedback interface {
	RecordFeedback(ctx context.Context, profileID string, label models.FeedbackLabel, score, threshold float64) feedback.Recommendation
	ResetCounter(profileID string, bucket models.FeedbackBucket)
}

// AlertFeedback is the alert aggregator.
type AlertFeedback interface {
	RecordFeedback(ctx context.Context, profileID string, label models.FeedbackLabel) feedback.Recommendation
	ResetCounters(profileID string)
}

// ProfileTuner applies recommendations.
type ProfileTuner interface {
	ApplyThresholdAdjustment(ctx context.Context, req tuner.AdjustmentRequest) (*tuner.AdjustmentResult, error)
	AddToPendingSamples(ctx context.Context, req tuner.PendingSampleRequest) (bool, error)
}

// PendingCounter counts samples awaiting review.
type PendingCounter interface {
	CountPendingSamples(ctx context.Context, profileID string) (map[models.SampleCategory]int, error)
}

// FeedbackParams configures FeedbackService. Scorer, Pending, Notifier,
// Metrics and Logger may be nil.
type FeedbackParams struct {
	Events   FeedbackEventStore
	Profiles ProfileReader
	Scorer   TextScorer
	Interest InterestFeedback
	Alert    AlertFeedback
	Tuner    ProfileTuner
	Pending  PendingCounter
	Notifier notify.Notifier
	Metrics  observability.CalibrationMetrics
	Now      func() time.Time
	Logger   *slog.Logger
}

// FeedbackService records feedback and applies the resulting recommendations.
// Record, apply and reset run under one lock per profile so a recommendation
// is applied at most once per counter crossing.
type FeedbackService struct {
	events   FeedbackEventStore
	profiles ProfileReader
	scorer   TextScorer
	interest InterestFeedback
	alert    AlertFeedback
	tuner    ProfileTuner
	pending  PendingCounter
	notifier notify.Notifier
	metrics  observability.CalibrationMetrics
	locks    *keylock.Map
	now      func() time.Time
	logger   *slog.Logger
}

// NewFeedbackService creates a FeedbackService.
func NewFeedbackService(p FeedbackParams) *FeedbackService {
	if p.Notifier == nil {
		p.Notifier = notify.Nop{}
	}

	if p.Now == nil {
		p.Now = time.Now
	}

	if p.Logger == nil {
		p.Logger = slog.Default()
	}

	return &FeedbackService{
		events:   p.Events,
		profiles: p.Profiles,
		scorer:   p.Scorer,
		interest: p.Interest,
		alert:    p.Alert,
		tuner:    p.Tuner,
		pending:  p.Pending,
		notifier: p.Notifier,
		metrics:  p.Metrics,
		locks:    keylock.New(),
		now:      p.Now,
		logger:   p.Logger,
	}
}

// SubmitFeedback stores one event per profile and applies any recommendation.
// Tuning outcomes (drift cap, duplicate samples, unknown profiles) are
// reported per profile and never fail the call; only storage errors do.
func (s *FeedbackService) SubmitFeedback(
	ctx context.Context, req *models.SubmitFeedbackRequest,
) (*models.SubmitFeedbackResult, error) {
	ids, err := validateSubmit(req)
	if err != nil {
		return nil, err
	}

	result := &models.SubmitFeedbackResult{Outcomes: make([]models.ProfileFeedbackOutcome, 0, len(ids))}

	for _, id := range ids {
		if s.metrics != nil {
			s.metrics.RecordFeedback(ctx, string(req.ProfileType), string(req.Label))
		}

		var out models.ProfileFeedbackOutcome

		err := s.locks.With(string(req.ProfileType)+":"+id, func() error {
			var err error

			if req.ProfileType == models.ProfileTypeAlert {
				out, err = s.submitAlert(ctx, req, id)
			} else {
				out, err = s.submitInterest(ctx, req, id)
			}

			return err
		})
		if err != nil {
			return nil, err
		}

		result.Outcomes = append(result.Outcomes, out)
	}

	return result, nil
}

func validateSubmit(req *models.SubmitFeedbackRequest) ([]string, error) {
	if req == nil {
		return nil, apperrors.NewValidationError("body", "request body is required")
	}

	if !req.Label.Valid() {
		return nil, apperrors.NewValidationError("label", "label must be up or down")
	}

	if !req.ProfileType.Valid() {
		return nil, apperrors.NewValidationError("profile_type", "profile_type must be interest or alert")
	}

	if len(req.ProfileIDs) == 0 {
		return nil, apperrors.NewValidationError("profile_ids", "at least one profile id is required")
	}

	if req.SemanticScore != nil && req.ProfileType == models.ProfileTypeInterest &&
		(*req.SemanticScore < 0 || *req.SemanticScore > 1) {
		return nil, apperrors.NewValidationError("semantic_score", "semantic_score must be in [0, 1]")
	}

	seen := make(map[string]struct{}, len(req.ProfileIDs))
	ids := make([]string, 0, len(req.ProfileIDs))

	for _, id := range req.ProfileIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, apperrors.NewValidationError("profile_ids", "profile ids must not be empty")
		}

		if _, dup := seen[id]; dup {
			continue
		}

		seen[id] = struct{}{}
		ids = append(ids, id)
	}

	return ids, nil
}

func (s *FeedbackService) submitInterest(
	ctx context.Context, req *models.SubmitFeedbackRequest, id string,
) (models.ProfileFeedbackOutcome, error) {
	out := models.ProfileFeedbackOutcome{ProfileID: id, Bucket: models.BucketNone}

	p, err := s.profiles.Interest(ctx, id)
	if errors.Is(err, apperrors.ErrNotFound) {
		out.Skipped, out.SkippedReason = true, ReasonProfileNotFound

		return out, nil
	}

	if err != nil {
		return out, err
	}

	score := req.SemanticScore
	if score == nil && strings.TrimSpace(req.Text) != "" && s.scorer != nil {
		res, err := s.scorer.Score(ctx, req.Text, id)
		if err != nil {
			s.logger.WarnContext(ctx, "feedback: scoring failed, event stored unaggregated",
				"profile_id", id, "error", err)
		} else {
			score = &res.Score
		}
	}

	out.SemanticScore = score

	if score != nil {
		out.Bucket = feedback.Classify(req.Label, *score, p.Threshold)
	}

	if err := s.storeEvent(ctx, req, id, score, out.Bucket); err != nil {
		return out, err
	}

	if score == nil {
		out.Skipped, out.SkippedReason = true, ReasonNoScore

		return out, nil
	}

	rec := s.interest.RecordFeedback(ctx, id, req.Label, *score, p.Threshold)
	out.Action = string(rec.Action)

	switch rec.Action {
	case feedback.ActionRaiseThreshold:
		s.applyAdjustment(ctx, req, id, rec, &out, func() { s.interest.ResetCounter(id, rec.Bucket) })
	case feedback.ActionAddNegativeSample, feedback.ActionAddPositiveSample:
		s.applySample(ctx, req, id, *score, rec, &out)
	case feedback.ActionNone, feedback.ActionRaiseMinScore:
		out.Action = ""
	}

	return out, nil
}

func (s *FeedbackService) submitAlert(
	ctx context.Context, req *models.SubmitFeedbackRequest, id string,
) (models.ProfileFeedbackOutcome, error) {
	out := models.ProfileFeedbackOutcome{ProfileID: id, Bucket: feedback.ClassifyAlert(req.Label)}

	if _, err := s.profiles.Alert(ctx, id); err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			out.Skipped, out.SkippedReason = true, ReasonProfileNotFound

			return out, nil
		}

		return out, err
	}

	out.SemanticScore = req.SemanticScore

	if err := s.storeEvent(ctx, req, id, req.SemanticScore, out.Bucket); err != nil {
		return out, err
	}

	rec := s.alert.RecordFeedback(ctx, id, req.Label)
	if rec.Action == feedback.ActionRaiseMinScore {
		out.Action = string(rec.Action)
		s.applyAdjustment(ctx, req, id, rec, &out, func() { s.alert.ResetCounters(id) })
	}

	return out, nil
}

func (s *FeedbackService) storeEvent(
	ctx context.Context, req *models.SubmitFeedbackRequest, id string, score *float64, bucket models.FeedbackBucket,
) error {
	ev := &models.FeedbackEvent{
		ChatID:        req.ChatID,
		MsgID:         req.MsgID,
		ProfileID:     id,
		ProfileType:   req.ProfileType,
		Label:         req.Label,
		SemanticScore: score,
		Bucket:        bucket,
		ObservedAt:    s.now().UTC(),
	}

	if err := s.events.InsertFeedbackEvent(ctx, ev); err != nil {
		return fmt.Errorf("store feedback event: %w", err)
	}

	return nil
}

// applyAdjustment raises the threshold or min_score. The counter is reset
// when the change is applied and when the cap refuses it, so a capped
// profile does not re-fire on every later event.
func (s *FeedbackService) applyAdjustment(
	ctx context.Context, req *models.SubmitFeedbackRequest, id string,
	rec feedback.Recommendation, out *models.ProfileFeedbackOutcome, reset func(),
) {
	res, err := s.tuner.ApplyThresholdAdjustment(ctx, tuner.AdjustmentRequest{
		ProfileID:     id,
		ProfileType:   req.ProfileType,
		Delta:         rec.Delta,
		Reason:        string(rec.Bucket),
		FeedbackCount: rec.Count,
		TriggerChatID: req.ChatID,
		TriggerMsgID:  req.MsgID,
	})

	var capErr *apperrors.DriftCapExceededError

	switch {
	case err == nil:
		reset()

		out.Applied = true
		out.OldValue, out.NewValue = &res.OldValue, &res.NewValue
		s.recordOutcome(ctx, req.ProfileType, rec.Action, "applied")
		s.notifier.Notify(ctx, notify.Event{
			Kind: notify.KindAdjustmentApplied, ProfileID: id, ProfileType: req.ProfileType,
			OldValue: res.OldValue, NewValue: res.NewValue, Cumulative: res.CumulativeDrift,
		})
	case errors.As(err, &capErr):
		reset()

		out.DriftCapped = true
		s.recordOutcome(ctx, req.ProfileType, rec.Action, "drift_capped")
		s.notifier.Notify(ctx, notify.Event{
			Kind: notify.KindDriftCapReached, ProfileID: id, ProfileType: req.ProfileType,
			Cumulative: capErr.Cumulative, Cap: capErr.Cap,
		})
	default:
		out.Skipped, out.SkippedReason = true, ReasonApplyFailed
		s.recordOutcome(ctx, req.ProfileType, rec.Action, "failed")
		s.logger.ErrorContext(ctx, "feedback: adjustment failed, counter kept",
			"profile_id", id, "action", rec.Action, "error", err)
	}
}

// applySample buffers the message text as a pending training sample.
func (s *FeedbackService) applySample(
	ctx context.Context, req *models.SubmitFeedbackRequest, id string, score float64,
	rec feedback.Recommendation, out *models.ProfileFeedbackOutcome,
) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		out.Skipped, out.SkippedReason = true, ReasonNoText
		s.recordOutcome(ctx, req.ProfileType, rec.Action, "skipped")

		return
	}

	category := models.SampleNegative
	if rec.Action == feedback.ActionAddPositiveSample {
		category = models.SamplePositive
	}

	added, err := s.tuner.AddToPendingSamples(ctx, tuner.PendingSampleRequest{
		ProfileID:      id,
		ProfileType:    req.ProfileType,
		Category:       category,
		Text:           text,
		Weight:         rec.SampleWeight,
		FeedbackChatID: req.ChatID,
		FeedbackMsgID:  req.MsgID,
		SemanticScore:  score,
	})
	if err != nil {
		out.Skipped, out.SkippedReason = true, ReasonApplyFailed
		s.recordOutcome(ctx, req.ProfileType, rec.Action, "failed")
		s.logger.ErrorContext(ctx, "feedback: pending sample failed, counter kept",
			"profile_id", id, "category", category, "error", err)

		return
	}

	s.interest.ResetCounter(id, rec.Bucket)

	if !added {
		s.recordOutcome(ctx, req.ProfileType, rec.Action, "duplicate")

		return
	}

	out.SampleQueued = true
	s.recordOutcome(ctx, req.ProfileType, rec.Action, "queued")

	pending := 1

	if s.pending != nil {
		counts, err := s.pending.CountPendingSamples(ctx, id)
		if err == nil {
			pending = counts[category]
		}
	}

	s.notifier.Notify(ctx, notify.Event{
		Kind: notify.KindSamplesPending, ProfileID: id, ProfileType: req.ProfileType,
		Category: category, Pending: pending,
	})
}

func (s *FeedbackService) recordOutcome(ctx context.Context, pt models.ProfileType, action feedback.Action, outcome string) {
	if s.metrics != nil {
		s.metrics.RecordRecommendation(ctx, string(pt), string(action), outcome)
	}
}
