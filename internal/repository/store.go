package repository

import (
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store groups the calibration repositories over one pool so it can stand in
// wherever a single history store is expected.
type Store struct {
	*FeedbackEventsRepository
	*AdjustmentsRepository
	*SamplesRepository
	*BatchHistoryRepository
	*CentroidsRepository
}

// NewStore creates a Store backed by db.
func NewStore(db *pgxpool.Pool) *Store {
	return &Store{
		FeedbackEventsRepository: NewFeedbackEventsRepository(db),
		AdjustmentsRepository:    NewAdjustmentsRepository(db),
		SamplesRepository:        NewSamplesRepository(db),
		BatchHistoryRepository:   NewBatchHistoryRepository(db),
		CentroidsRepository:      NewCentroidsRepository(db),
	}
}
