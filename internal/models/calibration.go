package models

import "time"

// BatchQueueState is the persisted view of the recompute queue.
type BatchQueueState struct {
	Pending       []string  `json:"pending"`
	LastBatchTime time.Time `json:"last_batch_time"`
}

// BatchStatus is the operator view of the batch processor.
type BatchStatus struct {
	State                 string              `json:"state"`
	PendingCount          int                 `json:"pending_count"`
	PendingProfiles       []string            `json:"pending_profiles"`
	InFlightProfiles      []string            `json:"in_flight_profiles,omitempty"`
	SecondsSinceLastBatch float64             `json:"seconds_since_last_batch"`
	LastBatchTime         time.Time           `json:"last_batch_time"`
	LastBatch             *BatchHistoryRecord `json:"last_batch,omitempty"`
}

// ProfileCalibration is the operator view of one profile's tuning state.
type ProfileCalibration struct {
	ProfileID       string                 `json:"profile_id"`
	ProfileType     ProfileType            `json:"profile_type"`
	CurrentValue    float64                `json:"current_value"`
	CumulativeDrift float64                `json:"cumulative_drift"`
	DriftCap        float64                `json:"drift_cap"`
	Counters        map[string]int         `json:"counters"`
	LastEventAt     *time.Time             `json:"last_event_at,omitempty"`
	PendingSamples  map[SampleCategory]int `json:"pending_samples,omitempty"`
	Adjustments     []ProfileAdjustment    `json:"adjustments"`
}

// CentroidSnapshot is the last computed centroid pair of an interest profile.
// Either side is nil when the profile has no samples for it.
type CentroidSnapshot struct {
	ProfileID     string    `json:"profile_id"`
	Positive      []float32 `json:"-"`
	Negative      []float32 `json:"-"`
	PositiveCount int       `json:"positive_count"`
	NegativeCount int       `json:"negative_count"`
	ComputedAt    time.Time `json:"computed_at"`
}

// RecomputeResult reports a manual recompute request. Exactly one of JobID
// (queued on the job queue) or Batch (ran inline) is set unless there was
// nothing to recompute.
type RecomputeResult struct {
	Queued bool                `json:"queued"`
	JobID  int64               `json:"job_id,omitempty"`
	Batch  *BatchHistoryRecord `json:"batch,omitempty"`
}
