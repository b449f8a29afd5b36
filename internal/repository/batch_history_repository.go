package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/redoracle/tgsentinel/internal/apperrors"
	"github.com/redoracle/tgsentinel/internal/models"
)

// BatchHistoryRepository handles the append-only batch_history table.
type BatchHistoryRepository struct {
	db *pgxpool.Pool
}

// NewBatchHistoryRepository creates a new batch history repository.
func NewBatchHistoryRepository(db *pgxpool.Pool) *BatchHistoryRepository {
	return &BatchHistoryRepository{db: db}
}

const batchColumns = `id, started_at, completed_at, profile_ids, failed_profile_ids, elapsed_seconds, trigger_type`

// InsertBatchHistory appends one completed batch.
func (r *BatchHistoryRepository) InsertBatchHistory(ctx context.Context, rec *models.BatchHistoryRecord) error {
	failed := rec.FailedProfileIDs
	if failed == nil {
		failed = []string{}
	}

	_, err := r.db.Exec(ctx, `
		INSERT INTO batch_history (`+batchColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.ID, rec.StartedAt, rec.CompletedAt, rec.ProfileIDs, failed, rec.ElapsedSeconds, string(rec.TriggerType),
	)
	if err != nil {
		return fmt.Errorf("insert batch history: %w", err)
	}

	return nil
}

// ListBatchHistory returns batches completed inside tr, newest first, at most limit rows.
func (r *BatchHistoryRepository) ListBatchHistory(
	ctx context.Context, tr models.TimeRange, limit int,
) ([]models.BatchHistoryRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.db.Query(ctx, `
		SELECT `+batchColumns+`
		FROM batch_history
		WHERE ($1::timestamptz IS NULL OR completed_at >= $1)
		  AND ($2::timestamptz IS NULL OR completed_at <= $2)
		ORDER BY completed_at DESC
		LIMIT $3`,
		timeOrNil(tr.From), timeOrNil(tr.To), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list batch history: %w", err)
	}
	defer rows.Close()

	var records []models.BatchHistoryRecord

	for rows.Next() {
		rec, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}

		records = append(records, *rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating batch history: %w", err)
	}

	return records, nil
}

// LatestBatch returns the most recently completed batch.
func (r *BatchHistoryRepository) LatestBatch(ctx context.Context) (*models.BatchHistoryRecord, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+batchColumns+`
		FROM batch_history
		ORDER BY completed_at DESC
		LIMIT 1`)

	rec, err := scanBatch(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NewNotFoundError("batch", "no batch has run yet")
	}

	return rec, err
}

func scanBatch(row pgx.Row) (*models.BatchHistoryRecord, error) {
	var (
		rec     models.BatchHistoryRecord
		trigger string
	)

	if err := row.Scan(
		&rec.ID, &rec.StartedAt, &rec.CompletedAt, &rec.ProfileIDs, &rec.FailedProfileIDs,
		&rec.ElapsedSeconds, &trigger,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}

		return nil, fmt.Errorf("scan batch history: %w", err)
	}

	rec.TriggerType = models.TriggerType(trigger)

	return &rec, nil
}
