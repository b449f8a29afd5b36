package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/redoracle/tgsentinel/internal/apperrors"
	"github.com/redoracle/tgsentinel/internal/models"
)

// SamplesRepository handles the sample_additions table.
type SamplesRepository struct {
	db *pgxpool.Pool
}

// NewSamplesRepository creates a new samples repository.
func NewSamplesRepository(db *pgxpool.Pool) *SamplesRepository {
	return &SamplesRepository{db: db}
}

const sampleColumns = `id, profile_id, category, text, weight, status,
	feedback_chat_id, feedback_msg_id, semantic_score, created_at, committed_at`

// InsertPendingSample stores a pending sample. The partial unique index on
// pending text turns a duplicate into apperrors.ErrDuplicatePendingSample.
func (r *SamplesRepository) InsertPendingSample(ctx context.Context, s *models.SampleAddition) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.Must(uuid.NewV7())
	}

	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}

	s.Status = models.SampleStatusPending

	_, err := r.db.Exec(ctx, `
		INSERT INTO sample_additions (`+sampleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NULL)`,
		s.ID, s.ProfileID, string(s.Category), s.Text, s.Weight, string(s.Status),
		s.FeedbackChatID, s.FeedbackMsgID, s.SemanticScore, s.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" { // Unique violation
			return &apperrors.DuplicatePendingSampleError{ProfileID: s.ProfileID, Category: string(s.Category)}
		}

		return fmt.Errorf("insert pending sample: %w", err)
	}

	return nil
}

// ListPendingSamples returns pending samples for the profile and category, oldest first.
func (r *SamplesRepository) ListPendingSamples(
	ctx context.Context, profileID string, category models.SampleCategory,
) ([]models.SampleAddition, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+sampleColumns+`
		FROM sample_additions
		WHERE profile_id = $1 AND category = $2 AND status = 'pending'
		ORDER BY created_at ASC, id ASC`,
		profileID, string(category),
	)
	if err != nil {
		return nil, fmt.Errorf("list pending samples: %w", err)
	}

	return collectSamples(rows)
}

// ListSamples returns a profile's samples of any status created inside tr, newest first.
func (r *SamplesRepository) ListSamples(
	ctx context.Context, profileID string, tr models.TimeRange,
) ([]models.SampleAddition, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+sampleColumns+`
		FROM sample_additions
		WHERE profile_id = $1
		  AND ($2::timestamptz IS NULL OR created_at >= $2)
		  AND ($3::timestamptz IS NULL OR created_at <= $3)
		ORDER BY created_at DESC, id DESC`,
		profileID, timeOrNil(tr.From), timeOrNil(tr.To),
	)
	if err != nil {
		return nil, fmt.Errorf("list samples: %w", err)
	}

	return collectSamples(rows)
}

// CountPendingSamples returns the number of pending samples per category.
func (r *SamplesRepository) CountPendingSamples(
	ctx context.Context, profileID string,
) (map[models.SampleCategory]int, error) {
	rows, err := r.db.Query(ctx, `
		SELECT category, COUNT(*)
		FROM sample_additions
		WHERE profile_id = $1 AND status = 'pending'
		GROUP BY category`,
		profileID,
	)
	if err != nil {
		return nil, fmt.Errorf("count pending samples: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.SampleCategory]int)

	for rows.Next() {
		var (
			category string
			n        int
		)

		if err := rows.Scan(&category, &n); err != nil {
			return nil, fmt.Errorf("scan pending count: %w", err)
		}

		counts[models.SampleCategory(category)] = n
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating pending counts: %w", err)
	}

	return counts, nil
}

// TransitionPendingSamples moves every id from pending to status `to` in one
// transaction. If any id is no longer pending nothing changes and a
// ConflictError is returned.
func (r *SamplesRepository) TransitionPendingSamples(
	ctx context.Context, ids []uuid.UUID, to models.SampleStatus, at time.Time,
) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin sample transition: %w", err)
	}

	defer func() { _ = tx.Rollback(ctx) }()

	var committedAt *time.Time
	if to == models.SampleStatusCommitted {
		committedAt = &at
	}

	tag, err := tx.Exec(ctx, `
		UPDATE sample_additions
		SET status = $2, committed_at = $3
		WHERE id = ANY($1) AND status = 'pending'`,
		ids, string(to), committedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("transition samples: %w", err)
	}

	if n := tag.RowsAffected(); n != int64(len(ids)) {
		return 0, apperrors.NewConflictError(
			fmt.Sprintf("%d of %d samples are no longer pending", int64(len(ids))-n, len(ids)))
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit sample transition: %w", err)
	}

	return len(ids), nil
}

func collectSamples(rows pgx.Rows) ([]models.SampleAddition, error) {
	defer rows.Close()

	var samples []models.SampleAddition

	for rows.Next() {
		var (
			s                models.SampleAddition
			category, status string
		)

		if err := rows.Scan(
			&s.ID, &s.ProfileID, &category, &s.Text, &s.Weight, &status,
			&s.FeedbackChatID, &s.FeedbackMsgID, &s.SemanticScore, &s.CreatedAt, &s.CommittedAt,
		); err != nil {
			return nil, fmt.Errorf("scan sample: %w", err)
		}

		s.Category = models.SampleCategory(category)
		s.Status = models.SampleStatus(status)
		samples = append(samples, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating samples: %w", err)
	}

	return samples, nil
}
