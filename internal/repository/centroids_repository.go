package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/redoracle/tgsentinel/internal/apperrors"
	"github.com/redoracle/tgsentinel/internal/models"
)

// CentroidsRepository keeps the last computed centroids per interest profile.
// Uses halfvec storage; pgvector-go converts float32 to float16 when encoding.
type CentroidsRepository struct {
	db *pgxpool.Pool
}

// NewCentroidsRepository creates a new centroids repository.
func NewCentroidsRepository(db *pgxpool.Pool) *CentroidsRepository {
	return &CentroidsRepository{db: db}
}

// SaveCentroids upserts the snapshot for snap.ProfileID.
func (r *CentroidsRepository) SaveCentroids(ctx context.Context, snap *models.CentroidSnapshot) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO centroid_snapshots (profile_id, positive, negative, positive_count, negative_count, computed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (profile_id) DO UPDATE SET
			positive = EXCLUDED.positive,
			negative = EXCLUDED.negative,
			positive_count = EXCLUDED.positive_count,
			negative_count = EXCLUDED.negative_count,
			computed_at = EXCLUDED.computed_at`,
		snap.ProfileID, halfVecOrNil(snap.Positive), halfVecOrNil(snap.Negative),
		snap.PositiveCount, snap.NegativeCount, snap.ComputedAt,
	)
	if err != nil {
		return fmt.Errorf("save centroids: %w", err)
	}

	return nil
}

// GetCentroids returns the stored snapshot for profileID.
func (r *CentroidsRepository) GetCentroids(ctx context.Context, profileID string) (*models.CentroidSnapshot, error) {
	var (
		snap     models.CentroidSnapshot
		pos, neg *pgvector.HalfVector
	)

	err := r.db.QueryRow(ctx, `
		SELECT profile_id, positive, negative, positive_count, negative_count, computed_at
		FROM centroid_snapshots
		WHERE profile_id = $1`,
		profileID,
	).Scan(&snap.ProfileID, &pos, &neg, &snap.PositiveCount, &snap.NegativeCount, &snap.ComputedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("centroids", "no centroids stored for profile "+profileID)
		}

		return nil, fmt.Errorf("get centroids: %w", err)
	}

	if pos != nil {
		snap.Positive = pos.Slice()
	}

	if neg != nil {
		snap.Negative = neg.Slice()
	}

	return &snap, nil
}

func halfVecOrNil(v []float32) *pgvector.HalfVector {
	if len(v) == 0 {
		return nil
	}

	hv := pgvector.NewHalfVector(v)

	return &hv
}
