package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redoracle/tgsentinel/internal/apperrors"
	"github.com/redoracle/tgsentinel/internal/feedback"
	"github.com/redoracle/tgsentinel/internal/models"
)

// BatchRunner is the batch processor surface used by operators.
type BatchRunner interface {
	Status() models.BatchStatus
	TriggerManual(ctx context.Context, profileIDs ...string) (*models.BatchHistoryRecord, error)
}

// HistoryReader answers operator queries over the durable history.
type HistoryReader interface {
	ListEvents(
		ctx context.Context, pt models.ProfileType, profileID string, tr models.TimeRange,
	) ([]models.FeedbackEvent, error)
	ListAdjustments(
		ctx context.Context, profileID string, adjustmentType models.AdjustmentType, tr models.TimeRange,
	) ([]models.ProfileAdjustment, error)
	ListSamples(ctx context.Context, profileID string, tr models.TimeRange) ([]models.SampleAddition, error)
	ListBatchHistory(ctx context.Context, tr models.TimeRange, limit int) ([]models.BatchHistoryRecord, error)
	LatestBatch(ctx context.Context) (*models.BatchHistoryRecord, error)
}

// StatsReader exposes an aggregator's in-memory counters.
type StatsReader interface {
	Stats(profileID string) (feedback.StatsSnapshot, bool)
}

// SampleReviewer commits or discards buffered samples and reports drift.
type SampleReviewer interface {
	CommitPendingSamples(
		ctx context.Context, profileID string, pt models.ProfileType, category models.SampleCategory,
	) (int, error)
	RollbackPendingSamples(
		ctx context.Context, profileID string, pt models.ProfileType, category models.SampleCategory,
	) (int, error)
	CumulativeDrift(ctx context.Context, profileID string, pt models.ProfileType) (float64, error)
}

// CalibrationParams configures CalibrationService. Jobs and Logger may be nil;
// without Jobs manual recomputes run inline.
type CalibrationParams struct {
	Batch         BatchRunner
	History       HistoryReader
	Profiles      ProfileReader
	Pending       PendingCounter
	InterestStats StatsReader
	AlertStats    StatsReader
	Tuner         SampleReviewer
	Jobs          JobInserter
	DriftCap      func(models.ProfileType) float64
	Logger        *slog.Logger
}

// CalibrationService serves the operator views and actions.
type CalibrationService struct {
	batch         BatchRunner
	history       HistoryReader
	profiles      ProfileReader
	pending       PendingCounter
	interestStats StatsReader
	alertStats    StatsReader
	tuner         SampleReviewer
	jobs          JobInserter
	driftCap      func(models.ProfileType) float64
	logger        *slog.Logger
}

// NewCalibrationService creates a CalibrationService.
func NewCalibrationService(p CalibrationParams) *CalibrationService {
	if p.Logger == nil {
		p.Logger = slog.Default()
	}

	return &CalibrationService{
		batch:         p.Batch,
		history:       p.History,
		profiles:      p.Profiles,
		pending:       p.Pending,
		interestStats: p.InterestStats,
		alertStats:    p.AlertStats,
		tuner:         p.Tuner,
		jobs:          p.Jobs,
		driftCap:      p.DriftCap,
		logger:        p.Logger,
	}
}

// BatchStatus returns the processor state. After a restart the last batch
// comes from history until the first new batch runs.
func (s *CalibrationService) BatchStatus(ctx context.Context) (models.BatchStatus, error) {
	status := s.batch.Status()
	if status.LastBatch != nil || s.history == nil {
		return status, nil
	}

	last, err := s.history.LatestBatch(ctx)
	if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		return status, fmt.Errorf("latest batch: %w", err)
	}

	status.LastBatch = last

	return status, nil
}

// BatchHistory lists batches in the range, newest first.
func (s *CalibrationService) BatchHistory(
	ctx context.Context, tr models.TimeRange, limit int,
) ([]models.BatchHistoryRecord, error) {
	if err := validateRange(tr); err != nil {
		return nil, err
	}

	return s.history.ListBatchHistory(ctx, tr, limit)
}

// ProfileEvents lists a profile's feedback events in the range, newest first.
func (s *CalibrationService) ProfileEvents(
	ctx context.Context, pt models.ProfileType, profileID string, tr models.TimeRange,
) ([]models.FeedbackEvent, error) {
	if err := validateTarget(pt, profileID); err != nil {
		return nil, err
	}

	if err := validateRange(tr); err != nil {
		return nil, err
	}

	return s.history.ListEvents(ctx, pt, profileID, tr)
}

// ProfileSamples lists every sample addition of an interest profile in the range.
func (s *CalibrationService) ProfileSamples(
	ctx context.Context, profileID string, tr models.TimeRange,
) ([]models.SampleAddition, error) {
	if err := validateTarget(models.ProfileTypeInterest, profileID); err != nil {
		return nil, err
	}

	if err := validateRange(tr); err != nil {
		return nil, err
	}

	return s.history.ListSamples(ctx, profileID, tr)
}

// ProfileCalibration assembles the tuning state of one profile.
func (s *CalibrationService) ProfileCalibration(
	ctx context.Context, pt models.ProfileType, profileID string,
) (*models.ProfileCalibration, error) {
	if err := validateTarget(pt, profileID); err != nil {
		return nil, err
	}

	out := &models.ProfileCalibration{
		ProfileID:   profileID,
		ProfileType: pt,
		Counters:    map[string]int{},
	}

	stats := s.alertStats

	if pt == models.ProfileTypeInterest {
		p, err := s.profiles.Interest(ctx, profileID)
		if err != nil {
			return nil, err
		}

		out.CurrentValue = p.Threshold
		stats = s.interestStats

		if s.pending != nil {
			counts, err := s.pending.CountPendingSamples(ctx, profileID)
			if err != nil {
				return nil, fmt.Errorf("count pending samples: %w", err)
			}

			out.PendingSamples = counts
		}
	} else {
		p, err := s.profiles.Alert(ctx, profileID)
		if err != nil {
			return nil, err
		}

		out.CurrentValue = p.MinScore
	}

	drift, err := s.tuner.CumulativeDrift(ctx, profileID, pt)
	if err != nil {
		return nil, fmt.Errorf("cumulative drift: %w", err)
	}

	out.CumulativeDrift = drift

	if s.driftCap != nil {
		out.DriftCap = s.driftCap(pt)
	}

	adjustments, err := s.history.ListAdjustments(ctx, profileID, models.AdjustmentTypeFor(pt), models.TimeRange{})
	if err != nil {
		return nil, fmt.Errorf("list adjustments: %w", err)
	}

	out.Adjustments = adjustments

	if stats != nil {
		if snap, ok := stats.Stats(profileID); ok {
			out.Counters = snap.Counters

			if !snap.LastEventAt.IsZero() {
				last := snap.LastEventAt
				out.LastEventAt = &last
			}
		}
	}

	return out, nil
}

// CommitSamples merges an interest profile's pending samples of one category.
func (s *CalibrationService) CommitSamples(
	ctx context.Context, profileID string, category models.SampleCategory,
) (int, error) {
	if err := validateSampleTarget(profileID, category); err != nil {
		return 0, err
	}

	n, err := s.tuner.CommitPendingSamples(ctx, profileID, models.ProfileTypeInterest, category)
	if err != nil {
		return 0, err
	}

	s.logger.InfoContext(ctx, "calibration: samples committed", "profile_id", profileID, "category", category, "count", n)

	return n, nil
}

// RollbackSamples discards an interest profile's pending samples of one category.
func (s *CalibrationService) RollbackSamples(
	ctx context.Context, profileID string, category models.SampleCategory,
) (int, error) {
	if err := validateSampleTarget(profileID, category); err != nil {
		return 0, err
	}

	return s.tuner.RollbackPendingSamples(ctx, profileID, models.ProfileTypeInterest, category)
}

// TriggerRecompute enqueues a manual recompute job, or runs the batch inline
// when no job queue is configured.
func (s *CalibrationService) TriggerRecompute(ctx context.Context, profileIDs []string) (*models.RecomputeResult, error) {
	ids := make([]string, 0, len(profileIDs))

	for _, id := range profileIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, apperrors.NewValidationError("profile_ids", "profile ids must not be empty")
		}

		ids = append(ids, id)
	}

	if s.jobs != nil {
		res, err := s.jobs.Insert(ctx, RecomputeArgs{ProfileIDs: ids}, nil)
		if err != nil {
			return nil, fmt.Errorf("enqueue recompute: %w", err)
		}

		s.logger.InfoContext(ctx, "calibration: recompute enqueued",
			"job_id", res.Job.ID, "profiles", len(ids), "duplicate", res.UniqueSkippedAsDuplicate)

		return &models.RecomputeResult{Queued: true, JobID: res.Job.ID}, nil
	}

	rec, err := s.batch.TriggerManual(ctx, ids...)
	if err != nil {
		return nil, err
	}

	return &models.RecomputeResult{Batch: rec}, nil
}

func validateTarget(pt models.ProfileType, profileID string) error {
	if !pt.Valid() {
		return apperrors.NewValidationError("profile_type", "profile_type must be interest or alert")
	}

	if strings.TrimSpace(profileID) == "" {
		return apperrors.NewValidationError("profile_id", "profile id is required")
	}

	return nil
}

func validateSampleTarget(profileID string, category models.SampleCategory) error {
	if strings.TrimSpace(profileID) == "" {
		return apperrors.NewValidationError("profile_id", "profile id is required")
	}

	if !category.Valid() {
		return apperrors.NewValidationError("category", "category must be positive or negative")
	}

	return nil
}

func validateRange(tr models.TimeRange) error {
	if !tr.From.IsZero() && !tr.To.IsZero() && tr.To.Before(tr.From) {
		return apperrors.NewValidationError("to", "to must not be before from")
	}

	return nil
}
