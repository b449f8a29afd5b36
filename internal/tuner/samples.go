package tuner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/redoracle/tgsentinel/internal/apperrors"
	"github.com/redoracle/tgsentinel/internal/models"
)

// PendingSampleRequest proposes one feedback-derived training sample.
type PendingSampleRequest struct {
	ProfileID      string
	ProfileType    models.ProfileType
	Category       models.SampleCategory
	Text           string
	Weight         float64
	FeedbackChatID int64
	FeedbackMsgID  int64
	SemanticScore  float64
}

func checkSampleTarget(pt models.ProfileType, category models.SampleCategory) error {
	if pt == models.ProfileTypeAlert {
		return apperrors.NewValidationError("profile_type", "alert profiles do not take training samples")
	}

	if pt != models.ProfileTypeInterest {
		return apperrors.NewValidationError("profile_type", "must be interest")
	}

	if !category.Valid() {
		return apperrors.NewValidationError("category", "must be positive or negative")
	}

	return nil
}

// AddToPendingSamples buffers a sample for review. An identical pending
// sample is a no-op that returns false with no error.
func (t *Tuner) AddToPendingSamples(ctx context.Context, req PendingSampleRequest) (bool, error) {
	if err := checkSampleTarget(req.ProfileType, req.Category); err != nil {
		return false, err
	}

	text := strings.TrimSpace(req.Text)
	if text == "" {
		return false, apperrors.NewValidationError("text", "is required")
	}

	if _, err := t.profiles.Interest(ctx, req.ProfileID); err != nil {
		return false, err
	}

	unlock := t.locks.Lock(lockKey(req.ProfileType, req.ProfileID))
	defer unlock()

	sample := &models.SampleAddition{
		ID:             uuid.Must(uuid.NewV7()),
		ProfileID:      req.ProfileID,
		Category:       req.Category,
		Text:           text,
		Weight:         req.Weight,
		Status:         models.SampleStatusPending,
		FeedbackChatID: req.FeedbackChatID,
		FeedbackMsgID:  req.FeedbackMsgID,
		SemanticScore:  req.SemanticScore,
		CreatedAt:      t.now().UTC(),
	}

	if err := t.samples.InsertPendingSample(ctx, sample); err != nil {
		if errors.Is(err, apperrors.ErrDuplicatePendingSample) {
			t.logger.DebugContext(ctx, "tuner: duplicate pending sample ignored",
				"profile_id", req.ProfileID, "category", req.Category)

			return false, nil
		}

		return false, fmt.Errorf("insert pending sample: %w", err)
	}

	t.logger.InfoContext(ctx, "tuner: sample pending review",
		"profile_id", req.ProfileID, "category", req.Category, "weight", req.Weight)

	return true, nil
}

// CommitPendingSamples merges every pending sample of the category into the
// profile's feedback samples, marks them committed and schedules a recompute.
func (t *Tuner) CommitPendingSamples(
	ctx context.Context, profileID string, pt models.ProfileType, category models.SampleCategory,
) (int, error) {
	if err := checkSampleTarget(pt, category); err != nil {
		return 0, err
	}

	unlock := t.locks.Lock(lockKey(pt, profileID))
	defer unlock()

	pending, err := t.samples.ListPendingSamples(ctx, profileID, category)
	if err != nil {
		return 0, fmt.Errorf("list pending samples: %w", err)
	}

	if len(pending) == 0 {
		return 0, nil
	}

	p, err := t.profiles.Interest(ctx, profileID)
	if err != nil {
		return 0, err
	}

	orig := p.Clone()
	now := t.now().UTC()

	merged, evicted := mergeSamples(p.FeedbackSamples(category), pending, now, t.maxSamples)
	p.SetFeedbackSamples(category, merged)

	if err := t.profiles.SaveInterest(ctx, p); err != nil {
		return 0, fmt.Errorf("save interest profile: %w", err)
	}

	ids := make([]uuid.UUID, len(pending))
	for i := range pending {
		ids[i] = pending[i].ID
	}

	n, err := t.samples.TransitionPendingSamples(ctx, ids, models.SampleStatusCommitted, now)
	if err != nil {
		if rerr := t.profiles.SaveInterest(ctx, orig); rerr != nil {
			t.logger.ErrorContext(ctx, "tuner: restore after failed commit", "profile_id", profileID, "error", rerr)

			return 0, errors.Join(fmt.Errorf("commit samples: %w", err), rerr)
		}

		return 0, fmt.Errorf("commit samples: %w", err)
	}

	t.logger.InfoContext(ctx, "tuner: samples committed",
		"profile_id", profileID, "category", category, "count", n, "evicted", evicted)

	if t.scheduler != nil {
		t.scheduler.ScheduleRecompute(ctx, profileID)
	}

	return n, nil
}

// RollbackPendingSamples discards every pending sample of the category.
// Committed samples are terminal and are not touched.
func (t *Tuner) RollbackPendingSamples(
	ctx context.Context, profileID string, pt models.ProfileType, category models.SampleCategory,
) (int, error) {
	if err := checkSampleTarget(pt, category); err != nil {
		return 0, err
	}

	unlock := t.locks.Lock(lockKey(pt, profileID))
	defer unlock()

	pending, err := t.samples.ListPendingSamples(ctx, profileID, category)
	if err != nil {
		return 0, fmt.Errorf("list pending samples: %w", err)
	}

	if len(pending) == 0 {
		return 0, nil
	}

	ids := make([]uuid.UUID, len(pending))
	for i := range pending {
		ids[i] = pending[i].ID
	}

	n, err := t.samples.TransitionPendingSamples(ctx, ids, models.SampleStatusRolledBack, t.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("roll back samples: %w", err)
	}

	t.logger.InfoContext(ctx, "tuner: samples rolled back", "profile_id", profileID, "category", category, "count", n)

	return n, nil
}

// mergeSamples appends pending texts not already present, then evicts the
// oldest entries beyond limit. It returns the new list and the eviction count.
func mergeSamples(
	existing []models.WeightedSample, pending []models.SampleAddition, now time.Time, limit int,
) ([]models.WeightedSample, int) {
	seen := make(map[string]struct{}, len(existing)+len(pending))
	merged := make([]models.WeightedSample, 0, len(existing)+len(pending))

	for _, s := range existing {
		seen[s.Text] = struct{}{}
		merged = append(merged, s)
	}

	for _, s := range pending {
		if _, dup := seen[s.Text]; dup {
			continue
		}

		seen[s.Text] = struct{}{}
		merged = append(merged, models.WeightedSample{Text: s.Text, Weight: s.Weight, AddedAt: now})
	}

	evicted := 0
	if len(merged) > limit {
		evicted = len(merged) - limit
		merged = merged[evicted:]
	}

	return merged, evicted
}
