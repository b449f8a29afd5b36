package tuner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redoracle/tgsentinel/internal/apperrors"
	"github.com/redoracle/tgsentinel/internal/models"
)

type memProfiles struct {
	mu        sync.Mutex
	interests map[string]*models.InterestProfile
	alerts    map[string]*models.AlertProfile
	saveErr   error
	saves     int
}

func newMemProfiles() *memProfiles {
	return &memProfiles{
		interests: map[string]*models.InterestProfile{},
		alerts:    map[string]*models.AlertProfile{},
	}
}

func (m *memProfiles) Interest(_ context.Context, id string) (*models.InterestProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.interests[id]
	if !ok {
		return nil, apperrors.NewNotFoundError("interest profile", "interest profile "+id+" not found")
	}

	return p.Clone(), nil
}

func (m *memProfiles) Alert(_ context.Context, id string) (*models.AlertProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.alerts[id]
	if !ok {
		return nil, apperrors.NewNotFoundError("alert profile", "alert profile "+id+" not found")
	}

	return p.Clone(), nil
}

func (m *memProfiles) SaveInterest(_ context.Context, p *models.InterestProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.saves++
	if m.saveErr != nil {
		return m.saveErr
	}

	m.interests[p.ID] = p.Clone()

	return nil
}

func (m *memProfiles) SaveAlert(_ context.Context, p *models.AlertProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.saves++
	if m.saveErr != nil {
		return m.saveErr
	}

	m.alerts[p.ID] = p.Clone()

	return nil
}

type memHistory struct {
	mu            sync.Mutex
	adjustments   []models.ProfileAdjustment
	samples       []models.SampleAddition
	insertErr     error
	transitionErr error
}

func (m *memHistory) SumAdjustments(_ context.Context, profileID string, at models.AdjustmentType) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var sum float64

	for _, a := range m.adjustments {
		if a.ProfileID == profileID && a.AdjustmentType == at {
			sum += a.NewValue - a.OldValue
		}
	}

	return sum, nil
}

func (m *memHistory) InsertAdjustment(_ context.Context, adj *models.ProfileAdjustment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.insertErr != nil {
		return m.insertErr
	}

	m.adjustments = append(m.adjustments, *adj)

	return nil
}

func (m *memHistory) InsertPendingSample(_ context.Context, s *models.SampleAddition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.samples {
		if existing.Status == models.SampleStatusPending && existing.ProfileID == s.ProfileID &&
			existing.Category == s.Category && existing.Text == s.Text {
			return &apperrors.DuplicatePendingSampleError{ProfileID: s.ProfileID, Category: string(s.Category)}
		}
	}

	m.samples = append(m.samples, *s)

	return nil
}

func (m *memHistory) ListPendingSamples(
	_ context.Context, profileID string, category models.SampleCategory,
) ([]models.SampleAddition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.SampleAddition

	for _, s := range m.samples {
		if s.ProfileID == profileID && s.Category == category && s.Status == models.SampleStatusPending {
			out = append(out, s)
		}
	}

	return out, nil
}

func (m *memHistory) TransitionPendingSamples(
	_ context.Context, ids []uuid.UUID, to models.SampleStatus, at time.Time,
) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.transitionErr != nil {
		return 0, m.transitionErr
	}

	want := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}

	n := 0

	for i := range m.samples {
		if want[m.samples[i].ID] && m.samples[i].Status == models.SampleStatusPending {
			m.samples[i].Status = to
			if to == models.SampleStatusCommitted {
				ts := at
				m.samples[i].CommittedAt = &ts
			}
			n++
		}
	}

	if n != len(ids) {
		return 0, fmt.Errorf("transitioned %d of %d samples", n, len(ids))
	}

	return n, nil
}

func (m *memHistory) statusCount(status models.SampleStatus) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0

	for _, s := range m.samples {
		if s.Status == status {
			n++
		}
	}

	return n
}

type recordingScheduler struct {
	mu  sync.Mutex
	ids []string
}

func (r *recordingScheduler) ScheduleRecompute(_ context.Context, profileID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.ids = append(r.ids, profileID)
}

type fixture struct {
	tuner     *Tuner
	profiles  *memProfiles
	history   *memHistory
	scheduler *recordingScheduler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		profiles:  newMemProfiles(),
		history:   &memHistory{},
		scheduler: &recordingScheduler{},
	}
	f.profiles.interests["crypto"] = &models.InterestProfile{ID: "crypto", Threshold: 0.45, PositiveSamples: []string{"btc"}}
	f.profiles.alerts["keywords"] = &models.AlertProfile{ID: "keywords", MinScore: 1.0}

	f.tuner = New(Params{
		Profiles:    f.profiles,
		Adjustments: f.history,
		Samples:     f.history,
		Scheduler:   f.scheduler,
	})

	return f
}

func TestApplyThresholdAdjustment_raisesThreshold(t *testing.T) {
	f := newFixture(t)

	res, err := f.tuner.ApplyThresholdAdjustment(context.Background(), AdjustmentRequest{
		ProfileID:     "crypto",
		ProfileType:   models.ProfileTypeInterest,
		Delta:         0.10,
		Reason:        "borderline_fp",
		FeedbackCount: 3,
		TriggerChatID: -100,
		TriggerMsgID:  7,
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.45, res.OldValue, 1e-9)
	assert.InDelta(t, 0.55, res.NewValue, 1e-9)

	assert.InDelta(t, 0.55, f.profiles.interests["crypto"].Threshold, 1e-9)
	require.Len(t, f.history.adjustments, 1)
	adj := f.history.adjustments[0]
	assert.Equal(t, models.AdjustmentThreshold, adj.AdjustmentType)
	assert.Equal(t, 3, adj.FeedbackCount)
	assert.Equal(t, int64(7), adj.TriggerMsgID)
}

func TestApplyThresholdAdjustment_driftCap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := AdjustmentRequest{ProfileID: "crypto", ProfileType: models.ProfileTypeInterest, Delta: 0.10}

	_, err := f.tuner.ApplyThresholdAdjustment(ctx, req)
	require.NoError(t, err)
	_, err = f.tuner.ApplyThresholdAdjustment(ctx, req)
	require.NoError(t, err)

	_, err = f.tuner.ApplyThresholdAdjustment(ctx, req)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrDriftCapExceeded)

	var capErr *apperrors.DriftCapExceededError
	require.ErrorAs(t, err, &capErr)
	assert.InDelta(t, 0.25, capErr.Cap, 1e-9)

	assert.InDelta(t, 0.65, f.profiles.interests["crypto"].Threshold, 1e-9)
	assert.Len(t, f.history.adjustments, 2)

	// A smaller step that fits is still allowed.
	res, err := f.tuner.ApplyThresholdAdjustment(ctx, AdjustmentRequest{
		ProfileID: "crypto", ProfileType: models.ProfileTypeInterest, Delta: 0.05,
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.25, res.CumulativeDrift, 1e-9)
}

func TestApplyThresholdAdjustment_alertCap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := AdjustmentRequest{ProfileID: "keywords", ProfileType: models.ProfileTypeAlert, Delta: 0.10}

	for range 5 {
		_, err := f.tuner.ApplyThresholdAdjustment(ctx, req)
		require.NoError(t, err)
	}

	_, err := f.tuner.ApplyThresholdAdjustment(ctx, req)
	assert.ErrorIs(t, err, apperrors.ErrDriftCapExceeded)
	assert.InDelta(t, 1.5, f.profiles.alerts["keywords"].MinScore, 1e-9)

	drift, err := f.tuner.CumulativeDrift(ctx, "keywords", models.ProfileTypeAlert)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, drift, 1e-9)
}

func TestApplyThresholdAdjustment_restoresProfileWhenLogInsertFails(t *testing.T) {
	f := newFixture(t)
	f.history.insertErr = errors.New("disk full")

	_, err := f.tuner.ApplyThresholdAdjustment(context.Background(), AdjustmentRequest{
		ProfileID: "crypto", ProfileType: models.ProfileTypeInterest, Delta: 0.10,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.InDelta(t, 0.45, f.profiles.interests["crypto"].Threshold, 1e-9)
}

func TestApplyThresholdAdjustment_unknownProfile(t *testing.T) {
	f := newFixture(t)

	_, err := f.tuner.ApplyThresholdAdjustment(context.Background(), AdjustmentRequest{
		ProfileID: "nope", ProfileType: models.ProfileTypeInterest, Delta: 0.10,
	})
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestApplyThresholdAdjustment_concurrentRespectsCap(t *testing.T) {
	f := newFixture(t)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)

	for range 10 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, err := f.tuner.ApplyThresholdAdjustment(context.Background(), AdjustmentRequest{
				ProfileID: "crypto", ProfileType: models.ProfileTypeInterest, Delta: 0.05,
			})
			if err == nil {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	assert.Equal(t, 5, applied)
	assert.InDelta(t, 0.70, f.profiles.interests["crypto"].Threshold, 1e-9)
}

func TestAddToPendingSamples_duplicateIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := PendingSampleRequest{
		ProfileID: "crypto", ProfileType: models.ProfileTypeInterest,
		Category: models.SampleNegative, Text: "airdrop scam", Weight: 0.4,
	}

	added, err := f.tuner.AddToPendingSamples(ctx, req)
	require.NoError(t, err)
	assert.True(t, added)

	added, err = f.tuner.AddToPendingSamples(ctx, req)
	require.NoError(t, err)
	assert.False(t, added)

	assert.Equal(t, 1, f.history.statusCount(models.SampleStatusPending))
}

func TestSampleOperations_rejectAlertProfiles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.tuner.AddToPendingSamples(ctx, PendingSampleRequest{
		ProfileID: "keywords", ProfileType: models.ProfileTypeAlert, Category: models.SamplePositive, Text: "x",
	})
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	_, err = f.tuner.CommitPendingSamples(ctx, "keywords", models.ProfileTypeAlert, models.SamplePositive)
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	_, err = f.tuner.RollbackPendingSamples(ctx, "keywords", models.ProfileTypeAlert, models.SamplePositive)
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestCommitThenRollback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, text := range []string{"etf inflows", "spot etf approved"} {
		_, err := f.tuner.AddToPendingSamples(ctx, PendingSampleRequest{
			ProfileID: "crypto", ProfileType: models.ProfileTypeInterest,
			Category: models.SamplePositive, Text: text, Weight: 0.4,
		})
		require.NoError(t, err)
	}

	n, err := f.tuner.CommitPendingSamples(ctx, "crypto", models.ProfileTypeInterest, models.SamplePositive)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	p := f.profiles.interests["crypto"]
	require.Len(t, p.FeedbackPositive, 2)
	assert.Equal(t, "etf inflows", p.FeedbackPositive[0].Text)
	assert.InDelta(t, 0.4, p.FeedbackPositive[0].Weight, 1e-9)
	assert.Equal(t, []string{"crypto"}, f.scheduler.ids)

	n, err = f.tuner.RollbackPendingSamples(ctx, "crypto", models.ProfileTypeInterest, models.SamplePositive)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 2, f.history.statusCount(models.SampleStatusCommitted))
	assert.Zero(t, f.history.statusCount(models.SampleStatusRolledBack))
}

func TestRollbackLeavesProfileUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.tuner.AddToPendingSamples(ctx, PendingSampleRequest{
		ProfileID: "crypto", ProfileType: models.ProfileTypeInterest,
		Category: models.SampleNegative, Text: "giveaway", Weight: 0.4,
	})
	require.NoError(t, err)

	saves := f.profiles.saves

	n, err := f.tuner.RollbackPendingSamples(ctx, "crypto", models.ProfileTypeInterest, models.SampleNegative)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, saves, f.profiles.saves)
	assert.Empty(t, f.profiles.interests["crypto"].FeedbackNegative)
	assert.Empty(t, f.scheduler.ids)
}

func TestCommit_restoresProfileWhenTransitionFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.tuner.AddToPendingSamples(ctx, PendingSampleRequest{
		ProfileID: "crypto", ProfileType: models.ProfileTypeInterest,
		Category: models.SamplePositive, Text: "halving", Weight: 0.4,
	})
	require.NoError(t, err)

	f.history.transitionErr = errors.New("tx aborted")

	_, err = f.tuner.CommitPendingSamples(ctx, "crypto", models.ProfileTypeInterest, models.SamplePositive)
	require.Error(t, err)
	assert.Empty(t, f.profiles.interests["crypto"].FeedbackPositive)
	assert.Equal(t, 1, f.history.statusCount(models.SampleStatusPending))
	assert.Empty(t, f.scheduler.ids)
}

func TestMergeSamples_evictsOldestAndSkipsDuplicates(t *testing.T) {
	existing := []models.WeightedSample{{Text: "a", Weight: 0.4}, {Text: "b", Weight: 0.4}, {Text: "c", Weight: 0.4}}
	pending := []models.SampleAddition{{Text: "b", Weight: 0.4}, {Text: "d", Weight: 0.4}, {Text: "e", Weight: 0.4}}

	merged, evicted := mergeSamples(existing, pending, time.Now(), 4)

	assert.Equal(t, 1, evicted)

	texts := make([]string, len(merged))
	for i, s := range merged {
		texts[i] = s.Text
	}

	assert.Equal(t, []string{"b", "c", "d", "e"}, texts)
}
