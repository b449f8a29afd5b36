// Package workers provides River job workers for operator-triggered calibration work.
package workers

import (
	"context"
	"log/slog"
	"time"

	"github.com/riverqueue/river"

	"github.com/redoracle/tgsentinel/internal/models"
	"github.com/redoracle/tgsentinel/internal/service"
)

// manualBatcher is the minimal interface needed by the worker.
type manualBatcher interface {
	TriggerManual(ctx context.Context, profileIDs ...string) (*models.BatchHistoryRecord, error)
}

// RecomputeWorker runs a manual recompute batch for one queued request.
type RecomputeWorker struct {
	river.WorkerDefaults[service.RecomputeArgs]

	batch  manualBatcher
	logger *slog.Logger
}

// NewRecomputeWorker creates a RecomputeWorker. logger may be nil.
func NewRecomputeWorker(batch manualBatcher, logger *slog.Logger) *RecomputeWorker {
	if logger == nil {
		logger = slog.Default()
	}

	return &RecomputeWorker{batch: batch, logger: logger}
}

const recomputeTimeout = 10 * time.Minute

// Timeout bounds one batch; encoder calls are rate limited so large batches take a while.
func (w *RecomputeWorker) Timeout(*river.Job[service.RecomputeArgs]) time.Duration {
	return recomputeTimeout
}

// Work runs the batch. Profiles that fail are re-queued by the processor, so
// partial failure completes the job.
func (w *RecomputeWorker) Work(ctx context.Context, job *river.Job[service.RecomputeArgs]) error {
	rec, err := w.batch.TriggerManual(ctx, job.Args.ProfileIDs...)
	if err != nil {
		return err
	}

	if rec == nil {
		w.logger.InfoContext(ctx, "recompute: nothing pending", "job_id", job.ID)

		return nil
	}

	w.logger.InfoContext(ctx, "recompute: job done",
		"job_id", job.ID,
		"batch_id", rec.ID,
		"profiles", len(rec.ProfileIDs),
		"failed", len(rec.FailedProfileIDs),
	)

	return nil
}
