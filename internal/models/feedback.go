package models

import (
	"time"

	"github.com/google/uuid"
)

// ProfileType distinguishes semantic interest profiles from keyword alert profiles.
type ProfileType string

const (
	ProfileTypeInterest ProfileType = "interest"
	ProfileTypeAlert    ProfileType = "alert"
)

// Valid reports whether t is one of the known profile types.
func (t ProfileType) Valid() bool {
	return t == ProfileTypeInterest || t == ProfileTypeAlert
}

// FeedbackLabel is the thumbs-up / thumbs-down verdict on a delivered alert.
type FeedbackLabel string

const (
	LabelUp   FeedbackLabel = "up"
	LabelDown FeedbackLabel = "down"
)

// Valid reports whether l is up or down.
func (l FeedbackLabel) Valid() bool {
	return l == LabelUp || l == LabelDown
}

// FeedbackBucket is the classification an event received when it was recorded.
// Stored with the event so counters can be rebuilt from the log without
// knowing the threshold that was in effect at the time.
type FeedbackBucket string

const (
	BucketNone          FeedbackBucket = "none"
	BucketBorderlineFP  FeedbackBucket = "borderline_fp"
	BucketSevereFP      FeedbackBucket = "severe_fp"
	BucketStrongTP      FeedbackBucket = "strong_tp"
	BucketAlertNegative FeedbackBucket = "alert_negative"
	BucketAlertPositive FeedbackBucket = "alert_positive"
)

// FeedbackEvent is one immutable feedback signal for one profile.
type FeedbackEvent struct {
	ID            uuid.UUID      `json:"id"`
	ChatID        int64          `json:"chat_id"`
	MsgID         int64          `json:"msg_id"`
	ProfileID     string         `json:"profile_id"`
	ProfileType   ProfileType    `json:"profile_type"`
	Label         FeedbackLabel  `json:"label"`
	SemanticScore *float64       `json:"semantic_score,omitempty"`
	Bucket        FeedbackBucket `json:"bucket"`
	ObservedAt    time.Time      `json:"observed_at"`
}

// SubmitFeedbackRequest is the inbound feedback submission.
// SemanticScore may be omitted; for interest profiles the scorer fills it in when Text is present.
type SubmitFeedbackRequest struct {
	ChatID        int64         `json:"chat_id"`
	MsgID         int64         `json:"msg_id"`
	ProfileIDs    []string      `json:"profile_ids"              validate:"required,min=1,max=64,dive,required,max=128,no_null_bytes"`
	Label         FeedbackLabel `json:"label"                    validate:"required,feedback_label"`
	ProfileType   ProfileType   `json:"profile_type"             validate:"required,profile_type"`
	SemanticScore *float64      `json:"semantic_score,omitempty"`
	Text          string        `json:"text,omitempty"           validate:"max=8192,no_null_bytes"`
}

// ProfileFeedbackOutcome reports what happened for one profile of a submission.
type ProfileFeedbackOutcome struct {
	ProfileID     string         `json:"profile_id"`
	Bucket        FeedbackBucket `json:"bucket"`
	Action        string         `json:"action,omitempty"`
	Applied       bool           `json:"applied"`
	OldValue      *float64       `json:"old_value,omitempty"`
	NewValue      *float64       `json:"new_value,omitempty"`
	SampleQueued  bool           `json:"sample_queued,omitempty"`
	DriftCapped   bool           `json:"drift_capped,omitempty"`
	Skipped       bool           `json:"skipped,omitempty"`
	SkippedReason string         `json:"skipped_reason,omitempty"`
	SemanticScore *float64       `json:"semantic_score,omitempty"`
}

// SubmitFeedbackResult is returned for a feedback submission.
type SubmitFeedbackResult struct {
	Outcomes []ProfileFeedbackOutcome `json:"outcomes"`
}
