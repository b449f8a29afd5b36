package service

import (
	"context"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
)

const (
	recomputeKind = "calibration_recompute"
	// RecomputeQueueName is the River queue used for operator-triggered recomputes.
	RecomputeQueueName = "calibration"
)

// JobInserter inserts jobs (e.g. River client).
type JobInserter interface {
	Insert(ctx context.Context, args river.JobArgs, opts *river.InsertOpts) (*rivertype.JobInsertResult, error)
}

// RecomputeArgs is the job payload for one manual recompute. Empty
// ProfileIDs drains the whole pending set. Identical requests still queued
// collapse into one job.
type RecomputeArgs struct {
	ProfileIDs []string `json:"profile_ids,omitempty" river:"unique"`
}

// Kind returns the River job kind.
func (RecomputeArgs) Kind() string { return recomputeKind }

// InsertOpts routes recompute jobs to their queue. Profiles that fail inside
// a batch are re-queued by the processor, so the job itself retries rarely.
func (RecomputeArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:       RecomputeQueueName,
		MaxAttempts: 3,
		UniqueOpts: river.UniqueOpts{
			ByArgs: true,
			ByState: []rivertype.JobState{
				rivertype.JobStatePending,
				rivertype.JobStateAvailable,
				rivertype.JobStateRunning,
				rivertype.JobStateRetryable,
				rivertype.JobStateScheduled,
			},
		},
	}
}

var (
	_ river.JobArgs               = RecomputeArgs{}
	_ river.JobArgsWithInsertOpts = RecomputeArgs{}
)
