package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/redoracle/tgsentinel/internal/models"
)

// FeedbackEventsRepository handles the append-only feedback_events table.
type FeedbackEventsRepository struct {
	db *pgxpool.Pool
}

// NewFeedbackEventsRepository creates a new feedback events repository.
func NewFeedbackEventsRepository(db *pgxpool.Pool) *FeedbackEventsRepository {
	return &FeedbackEventsRepository{db: db}
}

const feedbackEventColumns = `id, chat_id, msg_id, profile_id, profile_type, label, semantic_score, bucket, observed_at`

// InsertFeedbackEvent appends one event. A zero ID is assigned a UUIDv7.
func (r *FeedbackEventsRepository) InsertFeedbackEvent(ctx context.Context, ev *models.FeedbackEvent) error {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.Must(uuid.NewV7())
	}

	if ev.ObservedAt.IsZero() {
		ev.ObservedAt = time.Now().UTC()
	}

	_, err := r.db.Exec(ctx, `
		INSERT INTO feedback_events (`+feedbackEventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		ev.ID, ev.ChatID, ev.MsgID, ev.ProfileID, string(ev.ProfileType), string(ev.Label),
		ev.SemanticScore, string(ev.Bucket), ev.ObservedAt,
	)
	if err != nil {
		return fmt.Errorf("insert feedback event: %w", err)
	}

	return nil
}

// ListEventsSince returns all events of profileType observed at or after since, oldest first.
// Used by the decay sweep.
func (r *FeedbackEventsRepository) ListEventsSince(
	ctx context.Context, profileType models.ProfileType, since time.Time,
) ([]models.FeedbackEvent, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+feedbackEventColumns+`
		FROM feedback_events
		WHERE profile_type = $1 AND observed_at >= $2
		ORDER BY observed_at ASC, id ASC`,
		string(profileType), since,
	)
	if err != nil {
		return nil, fmt.Errorf("list feedback events since: %w", err)
	}

	return collectFeedbackEvents(rows)
}

// ListEvents returns the events of one profile inside tr, newest first.
func (r *FeedbackEventsRepository) ListEvents(
	ctx context.Context, profileType models.ProfileType, profileID string, tr models.TimeRange,
) ([]models.FeedbackEvent, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+feedbackEventColumns+`
		FROM feedback_events
		WHERE profile_type = $1 AND profile_id = $2
		  AND ($3::timestamptz IS NULL OR observed_at >= $3)
		  AND ($4::timestamptz IS NULL OR observed_at <= $4)
		ORDER BY observed_at DESC, id DESC`,
		string(profileType), profileID, timeOrNil(tr.From), timeOrNil(tr.To),
	)
	if err != nil {
		return nil, fmt.Errorf("list feedback events: %w", err)
	}

	return collectFeedbackEvents(rows)
}

func collectFeedbackEvents(rows pgx.Rows) ([]models.FeedbackEvent, error) {
	defer rows.Close()

	var events []models.FeedbackEvent

	for rows.Next() {
		var (
			ev                         models.FeedbackEvent
			profileType, label, bucket string
		)

		if err := rows.Scan(
			&ev.ID, &ev.ChatID, &ev.MsgID, &ev.ProfileID, &profileType, &label,
			&ev.SemanticScore, &bucket, &ev.ObservedAt,
		); err != nil {
			return nil, fmt.Errorf("scan feedback event: %w", err)
		}

		ev.ProfileType = models.ProfileType(profileType)
		ev.Label = models.FeedbackLabel(label)
		ev.Bucket = models.FeedbackBucket(bucket)
		events = append(events, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating feedback events: %w", err)
	}

	return events, nil
}

// timeOrNil maps a zero time to SQL NULL so open-ended ranges match everything.
func timeOrNil(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}

	return &t
}
