package workers

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redoracle/tgsentinel/internal/apperrors"
	"github.com/redoracle/tgsentinel/internal/models"
	"github.com/redoracle/tgsentinel/internal/service"
)

type fakeBatcher struct {
	rec   *models.BatchHistoryRecord
	err   error
	calls [][]string
}

func (f *fakeBatcher) TriggerManual(_ context.Context, ids ...string) (*models.BatchHistoryRecord, error) {
	f.calls = append(f.calls, ids)

	return f.rec, f.err
}

func recomputeJob(ids ...string) *river.Job[service.RecomputeArgs] {
	return &river.Job[service.RecomputeArgs]{
		JobRow: &rivertype.JobRow{ID: 7, Kind: service.RecomputeArgs{}.Kind()},
		Args:   service.RecomputeArgs{ProfileIDs: ids},
	}
}

func TestRecomputeWorker_Work(t *testing.T) {
	ctx := context.Background()

	t.Run("runs batch for requested ids", func(t *testing.T) {
		batch := &fakeBatcher{rec: &models.BatchHistoryRecord{
			ID: uuid.Must(uuid.NewV7()), ProfileIDs: []string{"a", "b"}, FailedProfileIDs: []string{"b"},
		}}
		w := NewRecomputeWorker(batch, nil)

		require.NoError(t, w.Work(ctx, recomputeJob("a", "b")))
		assert.Equal(t, [][]string{{"a", "b"}}, batch.calls)
	})

	t.Run("empty queue completes", func(t *testing.T) {
		batch := &fakeBatcher{}
		w := NewRecomputeWorker(batch, nil)

		require.NoError(t, w.Work(ctx, recomputeJob()))
		require.Len(t, batch.calls, 1)
		assert.Empty(t, batch.calls[0])
	})

	t.Run("error is returned for retry", func(t *testing.T) {
		w := NewRecomputeWorker(&fakeBatcher{err: errors.New("boom")}, nil)

		require.Error(t, w.Work(ctx, recomputeJob("a")))
	})

	t.Run("timeout", func(t *testing.T) {
		w := NewRecomputeWorker(&fakeBatcher{}, nil)

		assert.Equal(t, recomputeTimeout, w.Timeout(recomputeJob()))
	})
}

func TestErrorHandler(t *testing.T) {
	h := &ErrorHandler{}
	row := &rivertype.JobRow{ID: 1, Kind: "calibration_recompute", Attempt: 1, MaxAttempts: 3}

	res := h.HandleError(context.Background(), row, apperrors.NewValidationError("profile_ids", "bad"))
	require.NotNil(t, res)
	assert.True(t, res.SetCancelled)

	assert.Nil(t, h.HandleError(context.Background(), row, errors.New("transient")))
	assert.Nil(t, h.HandlePanic(context.Background(), row, "oops", "trace"))
}
