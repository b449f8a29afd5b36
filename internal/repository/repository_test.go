package repository

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/redoracle/tgsentinel/internal/apperrors"
	"github.com/redoracle/tgsentinel/internal/models"
	"github.com/redoracle/tgsentinel/pkg/database"
)

// setupTestDB connects to POSTGRES_TEST_DSN or starts a pgvector container.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping postgres test in short mode")
	}

	ctx := context.Background()

	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		container, err := postgres.Run(ctx,
			"pgvector/pgvector:pg16",
			postgres.WithDatabase("calibration_test"),
			postgres.WithUsername("testuser"),
			postgres.WithPassword("testpassword"),
			postgres.BasicWaitStrategies(),
		)
		require.NoError(t, err)
		t.Cleanup(func() { _ = container.Terminate(context.Background()) })

		dsn, err = container.ConnectionString(ctx, "sslmode=disable")
		require.NoError(t, err)
	}

	db, err := database.NewPostgresPool(ctx, dsn, database.WithAfterConnect(AfterConnect))
	require.NoError(t, err)
	require.NoError(t, Migrate(ctx, db))

	t.Cleanup(func() {
		_, _ = db.Exec(context.Background(),
			"TRUNCATE feedback_events, profile_adjustments, sample_additions, batch_history, centroid_snapshots")
		db.Close()
	})

	return db
}

func TestFeedbackEventsRepository(t *testing.T) {
	db := setupTestDB(t)
	repo := NewFeedbackEventsRepository(db)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	score := 0.61

	for i, label := range []models.FeedbackLabel{models.LabelDown, models.LabelDown, models.LabelUp} {
		require.NoError(t, repo.InsertFeedbackEvent(ctx, &models.FeedbackEvent{
			ChatID: 1, MsgID: int64(i), ProfileID: "crypto", ProfileType: models.ProfileTypeInterest,
			Label: label, SemanticScore: &score, Bucket: models.BucketBorderlineFP,
			ObservedAt: base.Add(time.Duration(i) * time.Hour),
		}))
	}

	t.Run("lists since, oldest first", func(t *testing.T) {
		events, err := repo.ListEventsSince(ctx, models.ProfileTypeInterest, base.Add(time.Hour))
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, int64(1), events[0].MsgID)
		assert.InDelta(t, 0.61, *events[0].SemanticScore, 1e-9)
		assert.Equal(t, models.BucketBorderlineFP, events[0].Bucket)
	})

	t.Run("filters by type", func(t *testing.T) {
		events, err := repo.ListEventsSince(ctx, models.ProfileTypeAlert, base)
		require.NoError(t, err)
		assert.Empty(t, events)
	})

	t.Run("lists by profile and range, newest first", func(t *testing.T) {
		events, err := repo.ListEvents(ctx, models.ProfileTypeInterest, "crypto",
			models.TimeRange{To: base.Add(90 * time.Minute)})
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, int64(1), events[0].MsgID)
	})
}

func TestAdjustmentsRepository_sumAndList(t *testing.T) {
	db := setupTestDB(t)
	repo := NewAdjustmentsRepository(db)
	ctx := context.Background()

	sum, err := repo.SumAdjustments(ctx, "crypto", models.AdjustmentThreshold)
	require.NoError(t, err)
	assert.Zero(t, sum)

	for _, v := range [][2]float64{{0.45, 0.55}, {0.55, 0.65}} {
		require.NoError(t, repo.InsertAdjustment(ctx, &models.ProfileAdjustment{
			ProfileID: "crypto", ProfileType: models.ProfileTypeInterest,
			AdjustmentType: models.AdjustmentThreshold, OldValue: v[0], NewValue: v[1],
			Reason: "borderline_fp", FeedbackCount: 3,
		}))
	}

	sum, err = repo.SumAdjustments(ctx, "crypto", models.AdjustmentThreshold)
	require.NoError(t, err)
	assert.InDelta(t, 0.20, sum, 1e-9)

	other, err := repo.SumAdjustments(ctx, "crypto", models.AdjustmentMinScore)
	require.NoError(t, err)
	assert.Zero(t, other)

	list, err := repo.ListAdjustments(ctx, "crypto", models.AdjustmentThreshold, models.TimeRange{})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.InDelta(t, 0.65, list[0].NewValue, 1e-9)
}

func TestSamplesRepository_lifecycle(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSamplesRepository(db)
	ctx := context.Background()

	sample := func(text string) *models.SampleAddition {
		return &models.SampleAddition{
			ProfileID: "crypto", Category: models.SampleNegative, Text: text, Weight: 0.4, SemanticScore: 0.9,
		}
	}

	require.NoError(t, repo.InsertPendingSample(ctx, sample("airdrop scam")))
	require.NoError(t, repo.InsertPendingSample(ctx, sample("pump signal")))

	err := repo.InsertPendingSample(ctx, sample("airdrop scam"))
	require.ErrorIs(t, err, apperrors.ErrDuplicatePendingSample)

	counts, err := repo.CountPendingSamples(ctx, "crypto")
	require.NoError(t, err)
	assert.Equal(t, 2, counts[models.SampleNegative])

	pending, err := repo.ListPendingSamples(ctx, "crypto", models.SampleNegative)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	ids := []uuid.UUID{pending[0].ID, pending[1].ID}
	at := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	n, err := repo.TransitionPendingSamples(ctx, ids, models.SampleStatusCommitted, at)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Committed is terminal.
	_, err = repo.TransitionPendingSamples(ctx, ids, models.SampleStatusRolledBack, at)
	require.ErrorIs(t, err, apperrors.ErrConflict)

	all, err := repo.ListSamples(ctx, "crypto", models.TimeRange{})
	require.NoError(t, err)

	for _, s := range all {
		assert.Equal(t, models.SampleStatusCommitted, s.Status)
		require.NotNil(t, s.CommittedAt)
	}

	// The same text can be pending again once the earlier one left pending.
	require.NoError(t, repo.InsertPendingSample(ctx, sample("airdrop scam")))
}

func TestBatchHistoryRepository(t *testing.T) {
	db := setupTestDB(t)
	repo := NewBatchHistoryRepository(db)
	ctx := context.Background()

	_, err := repo.LatestBatch(ctx)
	require.ErrorIs(t, err, apperrors.ErrNotFound)

	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	for i, trigger := range []models.TriggerType{models.TriggerAutomatic, models.TriggerManual} {
		require.NoError(t, repo.InsertBatchHistory(ctx, &models.BatchHistoryRecord{
			ID:             uuid.Must(uuid.NewV7()),
			StartedAt:      start.Add(time.Duration(i) * time.Hour),
			CompletedAt:    start.Add(time.Duration(i)*time.Hour + time.Second),
			ProfileIDs:     []string{"a", "b"},
			ElapsedSeconds: 1,
			TriggerType:    trigger,
		}))
	}

	latest, err := repo.LatestBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.TriggerManual, latest.TriggerType)
	assert.Equal(t, []string{"a", "b"}, latest.ProfileIDs)
	assert.Empty(t, latest.FailedProfileIDs)

	list, err := repo.ListBatchHistory(ctx, models.TimeRange{To: start.Add(30 * time.Minute)}, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, models.TriggerAutomatic, list[0].TriggerType)
}

func TestCentroidsRepository_upsert(t *testing.T) {
	db := setupTestDB(t)
	repo := NewCentroidsRepository(db)
	ctx := context.Background()

	_, err := repo.GetCentroids(ctx, "crypto")
	require.ErrorIs(t, err, apperrors.ErrNotFound)

	snap := &models.CentroidSnapshot{
		ProfileID: "crypto", Positive: []float32{0.6, 0.8}, PositiveCount: 2,
		ComputedAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, repo.SaveCentroids(ctx, snap))

	snap.Negative = []float32{1, 0}
	snap.NegativeCount = 1
	require.NoError(t, repo.SaveCentroids(ctx, snap))

	got, err := repo.GetCentroids(ctx, "crypto")
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{0.6, 0.8}, got.Positive, 1e-3)
	assert.InDeltaSlice(t, []float32{1, 0}, got.Negative, 1e-3)
	assert.Equal(t, 1, got.NegativeCount)
}
