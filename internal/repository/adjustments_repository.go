package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/redoracle/tgsentinel/internal/models"
)

// AdjustmentsRepository handles the append-only profile_adjustments table.
// It is the source of truth for cumulative drift.
type AdjustmentsRepository struct {
	db *pgxpool.Pool
}

// NewAdjustmentsRepository creates a new adjustments repository.
func NewAdjustmentsRepository(db *pgxpool.Pool) *AdjustmentsRepository {
	return &AdjustmentsRepository{db: db}
}

// SumAdjustments returns Σ(new_value − old_value) for the profile and adjustment type.
func (r *AdjustmentsRepository) SumAdjustments(
	ctx context.Context, profileID string, adjustmentType models.AdjustmentType,
) (float64, error) {
	var sum float64

	err := r.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(new_value - old_value), 0)
		FROM profile_adjustments
		WHERE profile_id = $1 AND adjustment_type = $2`,
		profileID, string(adjustmentType),
	).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("sum adjustments: %w", err)
	}

	return sum, nil
}

// InsertAdjustment appends one adjustment row.
func (r *AdjustmentsRepository) InsertAdjustment(ctx context.Context, adj *models.ProfileAdjustment) error {
	if adj.ID == uuid.Nil {
		adj.ID = uuid.Must(uuid.NewV7())
	}

	if adj.CreatedAt.IsZero() {
		adj.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.Exec(ctx, `
		INSERT INTO profile_adjustments (
			id, profile_id, profile_type, adjustment_type, old_value, new_value,
			reason, feedback_count, trigger_chat_id, trigger_msg_id, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		adj.ID, adj.ProfileID, string(adj.ProfileType), string(adj.AdjustmentType), adj.OldValue, adj.NewValue,
		adj.Reason, adj.FeedbackCount, adj.TriggerChatID, adj.TriggerMsgID, adj.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert adjustment: %w", err)
	}

	return nil
}

// ListAdjustments returns a profile's adjustments inside tr, newest first.
func (r *AdjustmentsRepository) ListAdjustments(
	ctx context.Context, profileID string, adjustmentType models.AdjustmentType, tr models.TimeRange,
) ([]models.ProfileAdjustment, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, profile_id, profile_type, adjustment_type, old_value, new_value,
			reason, feedback_count, trigger_chat_id, trigger_msg_id, created_at
		FROM profile_adjustments
		WHERE profile_id = $1 AND adjustment_type = $2
		  AND ($3::timestamptz IS NULL OR created_at >= $3)
		  AND ($4::timestamptz IS NULL OR created_at <= $4)
		ORDER BY created_at DESC, id DESC`,
		profileID, string(adjustmentType), timeOrNil(tr.From), timeOrNil(tr.To),
	)
	if err != nil {
		return nil, fmt.Errorf("list adjustments: %w", err)
	}
	defer rows.Close()

	var adjustments []models.ProfileAdjustment

	for rows.Next() {
		var (
			adj                         models.ProfileAdjustment
			profileType, adjustmentKind string
		)

		if err := rows.Scan(
			&adj.ID, &adj.ProfileID, &profileType, &adjustmentKind, &adj.OldValue, &adj.NewValue,
			&adj.Reason, &adj.FeedbackCount, &adj.TriggerChatID, &adj.TriggerMsgID, &adj.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan adjustment: %w", err)
		}

		adj.ProfileType = models.ProfileType(profileType)
		adj.AdjustmentType = models.AdjustmentType(adjustmentKind)
		adjustments = append(adjustments, adj)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating adjustments: %w", err)
	}

	return adjustments, nil
}
