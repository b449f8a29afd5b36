package models

import (
	"time"

	"github.com/google/uuid"
)

// AdjustmentType names the tunable value of a profile.
type AdjustmentType string

const (
	AdjustmentThreshold AdjustmentType = "threshold"
	AdjustmentMinScore  AdjustmentType = "min_score"
)

// AdjustmentTypeFor returns the adjustment type that applies to profiles of type t.
func AdjustmentTypeFor(t ProfileType) AdjustmentType {
	if t == ProfileTypeAlert {
		return AdjustmentMinScore
	}

	return AdjustmentThreshold
}

// ProfileAdjustment is an append-only record of one automatic value change.
type ProfileAdjustment struct {
	ID             uuid.UUID      `json:"id"`
	ProfileID      string         `json:"profile_id"`
	ProfileType    ProfileType    `json:"profile_type"`
	AdjustmentType AdjustmentType `json:"adjustment_type"`
	OldValue       float64        `json:"old_value"`
	NewValue       float64        `json:"new_value"`
	Reason         string         `json:"reason"`
	FeedbackCount  int            `json:"feedback_count"`
	TriggerChatID  int64          `json:"trigger_chat_id"`
	TriggerMsgID   int64          `json:"trigger_msg_id"`
	CreatedAt      time.Time      `json:"created_at"`
}

// SampleCategory is the side of the centroid a sample contributes to.
type SampleCategory string

const (
	SamplePositive SampleCategory = "positive"
	SampleNegative SampleCategory = "negative"
)

// Valid reports whether c is positive or negative.
func (c SampleCategory) Valid() bool {
	return c == SamplePositive || c == SampleNegative
}

// SampleStatus is the lifecycle state of a SampleAddition.
type SampleStatus string

const (
	SampleStatusPending    SampleStatus = "pending"
	SampleStatusCommitted  SampleStatus = "committed"
	SampleStatusRolledBack SampleStatus = "rolled_back"
)

// SampleAddition is a feedback-derived training sample awaiting or past review.
type SampleAddition struct {
	ID             uuid.UUID      `json:"id"`
	ProfileID      string         `json:"profile_id"`
	Category       SampleCategory `json:"category"`
	Text           string         `json:"text"`
	Weight         float64        `json:"weight"`
	Status         SampleStatus   `json:"status"`
	FeedbackChatID int64          `json:"feedback_chat_id"`
	FeedbackMsgID  int64          `json:"feedback_msg_id"`
	SemanticScore  float64        `json:"semantic_score"`
	CreatedAt      time.Time      `json:"created_at"`
	CommittedAt    *time.Time     `json:"committed_at,omitempty"`
}

// TriggerType records why a batch ran.
type TriggerType string

const (
	TriggerAutomatic TriggerType = "automatic"
	TriggerManual    TriggerType = "manual"
)

// BatchHistoryRecord is one row per completed recompute batch.
type BatchHistoryRecord struct {
	ID               uuid.UUID   `json:"id"`
	StartedAt        time.Time   `json:"started_at"`
	CompletedAt      time.Time   `json:"completed_at"`
	ProfileIDs       []string    `json:"profile_ids"`
	FailedProfileIDs []string    `json:"failed_profile_ids,omitempty"`
	ElapsedSeconds   float64     `json:"elapsed_seconds"`
	TriggerType      TriggerType `json:"trigger_type"`
}

// TimeRange bounds history queries. Zero values are open-ended.
type TimeRange struct {
	From time.Time
	To   time.Time
}

// Contains reports whether t falls inside the range.
func (r TimeRange) Contains(t time.Time) bool {
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}

	if !r.To.IsZero() && t.After(r.To) {
		return false
	}

	return true
}

// HistoryQuery is the query string of the history listing endpoints.
type HistoryQuery struct {
	From  *time.Time `form:"from"`
	To    *time.Time `form:"to"`
	Limit int        `form:"limit" validate:"gte=0,lte=500"`
}

// Range converts the query bounds to a TimeRange.
func (q HistoryQuery) Range() TimeRange {
	var tr TimeRange
	if q.From != nil {
		tr.From = *q.From
	}

	if q.To != nil {
		tr.To = *q.To
	}

	return tr
}
