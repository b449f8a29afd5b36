// Package tuner applies bounded automatic changes to profile definitions and
// manages the pending feedback-sample buffer.
package tuner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/redoracle/tgsentinel/internal/apperrors"
	"github.com/redoracle/tgsentinel/internal/keylock"
	"github.com/redoracle/tgsentinel/internal/models"
)

// Drift caps per profile type. The sum of all automatic changes to a
// profile's tuned value never exceeds its cap.
const (
	InterestDriftCap = 0.25
	AlertDriftCap    = 0.5

	// DefaultMaxFeedbackSamples bounds each feedback-sample list.
	DefaultMaxFeedbackSamples = 20

	driftEpsilon = 1e-9
)

// DriftCap returns the cap for profiles of type t.
func DriftCap(t models.ProfileType) float64 {
	if t == models.ProfileTypeAlert {
		return AlertDriftCap
	}

	return InterestDriftCap
}

// ProfileStore reads and atomically rewrites profile definitions.
type ProfileStore interface {
	Interest(ctx context.Context, id string) (*models.InterestProfile, error)
	Alert(ctx context.Context, id string) (*models.AlertProfile, error)
	SaveInterest(ctx context.Context, p *models.InterestProfile) error
	SaveAlert(ctx context.Context, p *models.AlertProfile) error
}

// AdjustmentStore is the append-only adjustment log.
type AdjustmentStore interface {
	SumAdjustments(ctx context.Context, profileID string, adjustmentType models.AdjustmentType) (float64, error)
	InsertAdjustment(ctx context.Context, adj *models.ProfileAdjustment) error
}

// SampleStore holds SampleAddition rows. InsertPendingSample returns
// apperrors.ErrDuplicatePendingSample for an identical pending text.
// TransitionPendingSamples moves all ids out of pending in one transaction
// and fails without changes if any of them is no longer pending.
type SampleStore interface {
	InsertPendingSample(ctx context.Context, s *models.SampleAddition) error
	ListPendingSamples(ctx context.Context, profileID string, category models.SampleCategory) ([]models.SampleAddition, error)
	TransitionPendingSamples(ctx context.Context, ids []uuid.UUID, to models.SampleStatus, at time.Time) (int, error)
}

// RecomputeScheduler queues a profile for centroid recomputation.
type RecomputeScheduler interface {
	ScheduleRecompute(ctx context.Context, profileID string)
}

// Tuner is safe for concurrent use; writes to one profile are serialized.
type Tuner struct {
	profiles   ProfileStore
	adjusts    AdjustmentStore
	samples    SampleStore
	scheduler  RecomputeScheduler
	maxSamples int
	locks      *keylock.Map
	now        func() time.Time
	logger     *slog.Logger
}

// Params configures a Tuner. Scheduler may be nil.
type Params struct {
	Profiles           ProfileStore
	Adjustments        AdjustmentStore
	Samples            SampleStore
	Scheduler          RecomputeScheduler
	MaxFeedbackSamples int
	Now                func() time.Time
	Logger             *slog.Logger
}

// New creates a Tuner.
func New(p Params) *Tuner {
	maxSamples := p.MaxFeedbackSamples
	if maxSamples <= 0 {
		maxSamples = DefaultMaxFeedbackSamples
	}

	now := p.Now
	if now == nil {
		now = time.Now
	}

	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Tuner{
		profiles:   p.Profiles,
		adjusts:    p.Adjustments,
		samples:    p.Samples,
		scheduler:  p.Scheduler,
		maxSamples: maxSamples,
		locks:      keylock.New(),
		now:        now,
		logger:     logger,
	}
}

// AdjustmentRequest describes one threshold or min_score change.
type AdjustmentRequest struct {
	ProfileID     string
	ProfileType   models.ProfileType
	Delta         float64
	Reason        string
	FeedbackCount int
	TriggerChatID int64
	TriggerMsgID  int64
}

// AdjustmentResult is the applied change.
type AdjustmentResult struct {
	OldValue        float64
	NewValue        float64
	CumulativeDrift float64
	Adjustment      *models.ProfileAdjustment
}

// ApplyThresholdAdjustment moves the profile's tuned value by req.Delta,
// unless that would push its cumulative drift past the cap.
func (t *Tuner) ApplyThresholdAdjustment(ctx context.Context, req AdjustmentRequest) (*AdjustmentResult, error) {
	if !req.ProfileType.Valid() {
		return nil, apperrors.NewValidationError("profile_type", "must be interest or alert")
	}

	if req.ProfileID == "" {
		return nil, apperrors.NewValidationError("profile_id", "is required")
	}

	unlock := t.locks.Lock(lockKey(req.ProfileType, req.ProfileID))
	defer unlock()

	adjType := models.AdjustmentTypeFor(req.ProfileType)
	driftCap := DriftCap(req.ProfileType)

	cumulative, err := t.adjusts.SumAdjustments(ctx, req.ProfileID, adjType)
	if err != nil {
		return nil, fmt.Errorf("read cumulative drift: %w", err)
	}

	if cumulative+req.Delta > driftCap+driftEpsilon {
		t.logger.InfoContext(ctx, "tuner: drift cap reached",
			"profile_id", req.ProfileID,
			"profile_type", req.ProfileType,
			"cumulative", cumulative,
			"delta", req.Delta,
			"cap", driftCap,
		)

		return nil, &apperrors.DriftCapExceededError{
			ProfileID:  req.ProfileID,
			Cumulative: cumulative,
			Delta:      req.Delta,
			Cap:        driftCap,
		}
	}

	oldValue, restore, err := t.writeValue(ctx, req.ProfileType, req.ProfileID, req.Delta)
	if err != nil {
		return nil, err
	}

	newValue := round4(oldValue + req.Delta)

	adj := &models.ProfileAdjustment{
		ID:             uuid.Must(uuid.NewV7()),
		ProfileID:      req.ProfileID,
		ProfileType:    req.ProfileType,
		AdjustmentType: adjType,
		OldValue:       oldValue,
		NewValue:       newValue,
		Reason:         req.Reason,
		FeedbackCount:  req.FeedbackCount,
		TriggerChatID:  req.TriggerChatID,
		TriggerMsgID:   req.TriggerMsgID,
		CreatedAt:      t.now().UTC(),
	}

	if err := t.adjusts.InsertAdjustment(ctx, adj); err != nil {
		if rerr := restore(ctx); rerr != nil {
			t.logger.ErrorContext(ctx, "tuner: restore after failed adjustment insert",
				"profile_id", req.ProfileID, "error", rerr)

			return nil, errors.Join(fmt.Errorf("insert adjustment: %w", err), rerr)
		}

		return nil, fmt.Errorf("insert adjustment: %w", err)
	}

	t.logger.InfoContext(ctx, "tuner: adjustment applied",
		"profile_id", req.ProfileID,
		"adjustment_type", adjType,
		"old_value", oldValue,
		"new_value", newValue,
		"reason", req.Reason,
	)

	return &AdjustmentResult{
		OldValue:        oldValue,
		NewValue:        newValue,
		CumulativeDrift: round4(cumulative + (newValue - oldValue)),
		Adjustment:      adj,
	}, nil
}

// writeValue persists value+delta and returns the old value plus a func
// that writes the original definition back.
func (t *Tuner) writeValue(
	ctx context.Context, pt models.ProfileType, id string, delta float64,
) (float64, func(context.Context) error, error) {
	if pt == models.ProfileTypeAlert {
		p, err := t.profiles.Alert(ctx, id)
		if err != nil {
			return 0, nil, err
		}

		orig := p.Clone()
		p.MinScore = round4(p.MinScore + delta)

		if err := t.profiles.SaveAlert(ctx, p); err != nil {
			return 0, nil, fmt.Errorf("save alert profile: %w", err)
		}

		return orig.MinScore, func(ctx context.Context) error { return t.profiles.SaveAlert(ctx, orig) }, nil
	}

	p, err := t.profiles.Interest(ctx, id)
	if err != nil {
		return 0, nil, err
	}

	orig := p.Clone()
	p.Threshold = round4(p.Threshold + delta)

	if err := t.profiles.SaveInterest(ctx, p); err != nil {
		return 0, nil, fmt.Errorf("save interest profile: %w", err)
	}

	return orig.Threshold, func(ctx context.Context) error { return t.profiles.SaveInterest(ctx, orig) }, nil
}

// CumulativeDrift returns Σ(new−old) for the profile's tuned value.
func (t *Tuner) CumulativeDrift(ctx context.Context, profileID string, pt models.ProfileType) (float64, error) {
	sum, err := t.adjusts.SumAdjustments(ctx, profileID, models.AdjustmentTypeFor(pt))
	if err != nil {
		return 0, fmt.Errorf("read cumulative drift: %w", err)
	}

	return round4(sum), nil
}

func lockKey(pt models.ProfileType, id string) string {
	return string(pt) + ":" + id
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
