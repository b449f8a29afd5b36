// Package sqlitestore is the embedded calibration history store used when no
// Postgres DATABASE_URL is configured.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/redoracle/tgsentinel/internal/apperrors"
	"github.com/redoracle/tgsentinel/internal/models"
)

// timeLayout has fixed width so TEXT timestamps sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const schema = `
CREATE TABLE IF NOT EXISTS feedback_events (
	id             TEXT PRIMARY KEY,
	chat_id        INTEGER NOT NULL,
	msg_id         INTEGER NOT NULL,
	profile_id     TEXT NOT NULL,
	profile_type   TEXT NOT NULL,
	label          TEXT NOT NULL,
	semantic_score REAL,
	bucket         TEXT NOT NULL DEFAULT 'none',
	observed_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_feedback_events_type_observed ON feedback_events(profile_type, observed_at);
CREATE INDEX IF NOT EXISTS idx_feedback_events_profile ON feedback_events(profile_type, profile_id, observed_at);

CREATE TABLE IF NOT EXISTS profile_adjustments (
	id              TEXT PRIMARY KEY,
	profile_id      TEXT NOT NULL,
	profile_type    TEXT NOT NULL,
	adjustment_type TEXT NOT NULL,
	old_value       REAL NOT NULL,
	new_value       REAL NOT NULL,
	reason          TEXT NOT NULL DEFAULT '',
	feedback_count  INTEGER NOT NULL DEFAULT 0,
	trigger_chat_id INTEGER NOT NULL DEFAULT 0,
	trigger_msg_id  INTEGER NOT NULL DEFAULT 0,
	created_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_profile_adjustments_profile ON profile_adjustments(profile_id, adjustment_type, created_at);

CREATE TABLE IF NOT EXISTS sample_additions (
	id               TEXT PRIMARY KEY,
	profile_id       TEXT NOT NULL,
	category         TEXT NOT NULL,
	text             TEXT NOT NULL,
	weight           REAL NOT NULL,
	status           TEXT NOT NULL,
	feedback_chat_id INTEGER NOT NULL DEFAULT 0,
	feedback_msg_id  INTEGER NOT NULL DEFAULT 0,
	semantic_score   REAL NOT NULL DEFAULT 0,
	created_at       TEXT NOT NULL,
	committed_at     TEXT
);
CREATE UNIQUE INDEX IF NOT EXISTS uq_sample_additions_pending_text
	ON sample_additions(profile_id, category, text) WHERE status = 'pending';

CREATE TABLE IF NOT EXISTS batch_history (
	id                 TEXT PRIMARY KEY,
	started_at         TEXT NOT NULL,
	completed_at       TEXT NOT NULL,
	profile_ids        TEXT NOT NULL,
	failed_profile_ids TEXT NOT NULL DEFAULT '[]',
	elapsed_seconds    REAL NOT NULL,
	trigger_type       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_batch_history_completed ON batch_history(completed_at);
`

// Store implements every history interface of the engine on one SQLite file.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path and applies the schema.
// Use ":memory:" for a throwaway store.
func Open(path string) (*Store, error) {
	dsn := ":memory:"

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}

		dsn = path + "?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(on)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// One writer at a time; also keeps a :memory: database on a single connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}

	return t, nil
}

// rangeClause appends optional bounds on column for tr.
func rangeClause(column string, tr models.TimeRange, args []any) (string, []any) {
	var b strings.Builder

	if !tr.From.IsZero() {
		b.WriteString(" AND " + column + " >= ?")

		args = append(args, formatTime(tr.From))
	}

	if !tr.To.IsZero() {
		b.WriteString(" AND " + column + " <= ?")

		args = append(args, formatTime(tr.To))
	}

	return b.String(), args
}

// --- feedback events ---

// InsertFeedbackEvent appends one event. A zero ID is assigned a UUIDv7.
func (s *Store) InsertFeedbackEvent(ctx context.Context, ev *models.FeedbackEvent) error {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.Must(uuid.NewV7())
	}

	if ev.ObservedAt.IsZero() {
		ev.ObservedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO feedback_events (id, chat_id, msg_id, profile_id, profile_type, label, semantic_score, bucket, observed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID.String(), ev.ChatID, ev.MsgID, ev.ProfileID, string(ev.ProfileType), string(ev.Label),
		ev.SemanticScore, string(ev.Bucket), formatTime(ev.ObservedAt),
	)
	if err != nil {
		return fmt.Errorf("insert feedback event: %w", err)
	}

	return nil
}

// ListEventsSince returns all events of profileType observed at or after since, oldest first.
func (s *Store) ListEventsSince(
	ctx context.Context, profileType models.ProfileType, since time.Time,
) ([]models.FeedbackEvent, error) {
	return s.queryEvents(ctx, `
		SELECT id, chat_id, msg_id, profile_id, profile_type, label, semantic_score, bucket, observed_at
		FROM feedback_events
		WHERE profile_type = ? AND observed_at >= ?
		ORDER BY observed_at ASC, id ASC`,
		string(profileType), formatTime(since),
	)
}

// ListEvents returns the events of one profile inside tr, newest first.
func (s *Store) ListEvents(
	ctx context.Context, profileType models.ProfileType, profileID string, tr models.TimeRange,
) ([]models.FeedbackEvent, error) {
	where, args := rangeClause("observed_at", tr, []any{string(profileType), profileID})

	return s.queryEvents(ctx, `
		SELECT id, chat_id, msg_id, profile_id, profile_type, label, semantic_score, bucket, observed_at
		FROM feedback_events
		WHERE profile_type = ? AND profile_id = ?`+where+`
		ORDER BY observed_at DESC, id DESC`,
		args...,
	)
}

func (s *Store) queryEvents(ctx context.Context, query string, args ...any) ([]models.FeedbackEvent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query feedback events: %w", err)
	}
	defer rows.Close()

	var events []models.FeedbackEvent

	for rows.Next() {
		var (
			ev                                   models.FeedbackEvent
			id, profileType, label, bucket, seen string
			score                                sql.NullFloat64
		)

		if err := rows.Scan(&id, &ev.ChatID, &ev.MsgID, &ev.ProfileID, &profileType, &label, &score, &bucket, &seen); err != nil {
			return nil, fmt.Errorf("scan feedback event: %w", err)
		}

		if ev.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parse event id: %w", err)
		}

		if ev.ObservedAt, err = parseTime(seen); err != nil {
			return nil, err
		}

		if score.Valid {
			v := score.Float64
			ev.SemanticScore = &v
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

// --- adjustments ---

// SumAdjustments returns Σ(new_value − old_value) for the profile and adjustment type.
func (s *Store) SumAdjustments(
	ctx context.Context, profileID string, adjustmentType models.AdjustmentType,
) (float64, error) {
	var sum float64

	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(new_value - old_value), 0)
		FROM profile_adjustments
		WHERE profile_id = ? AND adjustment_type = ?`,
		profileID, string(adjustmentType),
	).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("sum adjustments: %w", err)
	}

	return sum, nil
}

// InsertAdjustment appends one adjustment row.
func (s *Store) InsertAdjustment(ctx context.Context, adj *models.ProfileAdjustment) error {
	if adj.ID == uuid.Nil {
		adj.ID = uuid.Must(uuid.NewV7())
	}

	if adj.CreatedAt.IsZero() {
		adj.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profile_adjustments (
			id, profile_id, profile_type, adjustment_type, old_value, new_value,
			reason, feedback_count, trigger_chat_id, trigger_msg_id, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		adj.ID.String(), adj.ProfileID, string(adj.ProfileType), string(adj.AdjustmentType), adj.OldValue, adj.NewValue,
		adj.Reason, adj.FeedbackCount, adj.TriggerChatID, adj.TriggerMsgID, formatTime(adj.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert adjustment: %w", err)
	}

	return nil
}

// ListAdjustments returns a profile's adjustments inside tr, newest first.
func (s *Store) ListAdjustments(
	ctx context.Context, profileID string, adjustmentType models.AdjustmentType, tr models.TimeRange,
) ([]models.ProfileAdjustment, error) {
	where, args := rangeClause("created_at", tr, []any{profileID, string(adjustmentType)})

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, profile_id, profile_type, adjustment_type, old_value, new_value,
			reason, feedback_count, trigger_chat_id, trigger_msg_id, created_at
		FROM profile_adjustments
		WHERE profile_id = ? AND adjustment_type = ?`+where+`
		ORDER BY created_at DESC, id DESC`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("list adjustments: %w", err)
	}
	defer rows.Close()

	var adjustments []models.ProfileAdjustment

	for rows.Next() {
		var (
			adj                              models.ProfileAdjustment
			id, profileType, kind, createdAt string
		)

		if err := rows.Scan(
			&id, &adj.ProfileID, &profileType, &kind, &adj.OldValue, &adj.NewValue,
			&adj.Reason, &adj.FeedbackCount, &adj.TriggerChatID, &adj.TriggerMsgID, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan adjustment: %w", err)
		}

		if adj.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parse adjustment id: %w", err)
		}

		if adj.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}

		adj.ProfileType = models.ProfileType(profileType)
		adj.AdjustmentType = models.AdjustmentType(kind)
		adjustments = append(adjustments, adj)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating adjustments: %w", err)
	}

	return adjustments, nil
}

// --- samples ---

// InsertPendingSample stores a pending sample; an identical pending text
// returns apperrors.ErrDuplicatePendingSample.
func (s *Store) InsertPendingSample(ctx context.Context, sample *models.SampleAddition) error {
	if sample.ID == uuid.Nil {
		sample.ID = uuid.Must(uuid.NewV7())
	}

	if sample.CreatedAt.IsZero() {
		sample.CreatedAt = time.Now().UTC()
	}

	sample.Status = models.SampleStatusPending

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sample_additions (
			id, profile_id, category, text, weight, status,
			feedback_chat_id, feedback_msg_id, semantic_score, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sample.ID.String(), sample.ProfileID, string(sample.Category), sample.Text, sample.Weight, string(sample.Status),
		sample.FeedbackChatID, sample.FeedbackMsgID, sample.SemanticScore, formatTime(sample.CreatedAt),
	)
	if err != nil {
		var sqliteErr *sqlite.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE {
			return &apperrors.DuplicatePendingSampleError{ProfileID: sample.ProfileID, Category: string(sample.Category)}
		}

		return fmt.Errorf("insert pending sample: %w", err)
	}

	return nil
}

// ListPendingSamples returns pending samples for the profile and category, oldest first.
func (s *Store) ListPendingSamples(
	ctx context.Context, profileID string, category models.SampleCategory,
) ([]models.SampleAddition, error) {
	return s.querySamples(ctx, `
		SELECT id, profile_id, category, text, weight, status,
			feedback_chat_id, feedback_msg_id, semantic_score, created_at, committed_at
		FROM sample_additions
		WHERE profile_id = ? AND category = ? AND status = 'pending'
		ORDER BY created_at ASC, id ASC`,
		profileID, string(category),
	)
}

// ListSamples returns a profile's samples of any status created inside tr, newest first.
func (s *Store) ListSamples(ctx context.Context, profileID string, tr models.TimeRange) ([]models.SampleAddition, error) {
	where, args := rangeClause("created_at", tr, []any{profileID})

	return s.querySamples(ctx, `
		SELECT id, profile_id, category, text, weight, status,
			feedback_chat_id, feedback_msg_id, semantic_score, created_at, committed_at
		FROM sample_additions
		WHERE profile_id = ?`+where+`
		ORDER BY created_at DESC, id DESC`,
		args...,
	)
}

// CountPendingSamples returns the number of pending samples per category.
func (s *Store) CountPendingSamples(ctx context.Context, profileID string) (map[models.SampleCategory]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT category, COUNT(*)
		FROM sample_additions
		WHERE profile_id = ? AND status = 'pending'
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

// TransitionPendingSamples moves every id from pending to `to` in one
// transaction. If any id is no longer pending nothing changes and a
// ConflictError is returned.
func (s *Store) TransitionPendingSamples(
	ctx context.Context, ids []uuid.UUID, to models.SampleStatus, at time.Time,
) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin sample transition: %w", err)
	}

	defer func() { _ = tx.Rollback() }()

	var committedAt any
	if to == models.SampleStatusCommitted {
		committedAt = formatTime(at)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+2)
	args = append(args, string(to), committedAt)

	for _, id := range ids {
		args = append(args, id.String())
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE sample_additions
		SET status = ?, committed_at = ?
		WHERE status = 'pending' AND id IN (`+placeholders+`)`,
		args...,
	)
	if err != nil {
		return 0, fmt.Errorf("transition samples: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("transition samples: %w", err)
	}

	if n != int64(len(ids)) {
		return 0, apperrors.NewConflictError(
			fmt.Sprintf("%d of %d samples are no longer pending", int64(len(ids))-n, len(ids)))
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit sample transition: %w", err)
	}

	return len(ids), nil
}

func (s *Store) querySamples(ctx context.Context, query string, args ...any) ([]models.SampleAddition, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query samples: %w", err)
	}
	defer rows.Close()

	var samples []models.SampleAddition

	for rows.Next() {
		var (
			sample                          models.SampleAddition
			id, category, status, createdAt string
			committedAt                     sql.NullString
		)

		if err := rows.Scan(
			&id, &sample.ProfileID, &category, &sample.Text, &sample.Weight, &status,
			&sample.FeedbackChatID, &sample.FeedbackMsgID, &sample.SemanticScore, &createdAt, &committedAt,
		); err != nil {
			return nil, fmt.Errorf("scan sample: %w", err)
		}

		if sample.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parse sample id: %w", err)
		}

		if sample.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}

		if committedAt.Valid {
			t, err := parseTime(committedAt.String)
			if err != nil {
				return nil, err
			}

			sample.CommittedAt = &t
		}

		sample.Category = models.SampleCategory(category)
		sample.Status = models.SampleStatus(status)
		samples = append(samples, sample)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating samples: %w", err)
	}

	return samples, nil
}

// --- batch history ---

// InsertBatchHistory appends one completed batch.
func (s *Store) InsertBatchHistory(ctx context.Context, rec *models.BatchHistoryRecord) error {
	ids, err := json.Marshal(nonNil(rec.ProfileIDs))
	if err != nil {
		return fmt.Errorf("encode profile ids: %w", err)
	}

	failed, err := json.Marshal(nonNil(rec.FailedProfileIDs))
	if err != nil {
		return fmt.Errorf("encode failed profile ids: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO batch_history (id, started_at, completed_at, profile_ids, failed_profile_ids, elapsed_seconds, trigger_type)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID.String(), formatTime(rec.StartedAt), formatTime(rec.CompletedAt),
		string(ids), string(failed), rec.ElapsedSeconds, string(rec.TriggerType),
	)
	if err != nil {
		return fmt.Errorf("insert batch history: %w", err)
	}

	return nil
}

// ListBatchHistory returns batches completed inside tr, newest first, at most limit rows.
func (s *Store) ListBatchHistory(ctx context.Context, tr models.TimeRange, limit int) ([]models.BatchHistoryRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	where, args := rangeClause("completed_at", tr, nil)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, started_at, completed_at, profile_ids, failed_profile_ids, elapsed_seconds, trigger_type
		FROM batch_history
		WHERE 1 = 1`+where+`
		ORDER BY completed_at DESC
		LIMIT ?`,
		args...,
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
func (s *Store) LatestBatch(ctx context.Context) (*models.BatchHistoryRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, started_at, completed_at, profile_ids, failed_profile_ids, elapsed_seconds, trigger_type
		FROM batch_history
		ORDER BY completed_at DESC
		LIMIT 1`)

	rec, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFoundError("batch", "no batch has run yet")
	}

	return rec, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBatch(row scanner) (*models.BatchHistoryRecord, error) {
	var (
		rec                                 models.BatchHistoryRecord
		id, started, completed, ids, failed string
		trigger                             string
	)

	if err := row.Scan(&id, &started, &completed, &ids, &failed, &rec.ElapsedSeconds, &trigger); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}

		return nil, fmt.Errorf("scan batch history: %w", err)
	}

	var err error

	if rec.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parse batch id: %w", err)
	}

	if rec.StartedAt, err = parseTime(started); err != nil {
		return nil, err
	}

	if rec.CompletedAt, err = parseTime(completed); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(ids), &rec.ProfileIDs); err != nil {
		return nil, fmt.Errorf("decode profile ids: %w", err)
	}

	if err := json.Unmarshal([]byte(failed), &rec.FailedProfileIDs); err != nil {
		return nil, fmt.Errorf("decode failed profile ids: %w", err)
	}

	rec.TriggerType = models.TriggerType(trigger)

	return &rec, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}

	return s
}
