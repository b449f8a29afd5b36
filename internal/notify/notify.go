// Package notify tells operators about tuning decisions that need attention.
package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/redoracle/tgsentinel/internal/models"
)

// Kind classifies a notification.
type Kind string

const (
	KindAdjustmentApplied Kind = "adjustment_applied"
	KindDriftCapReached   Kind = "drift_cap_reached"
	KindSamplesPending    Kind = "samples_pending"
	KindBatchFailures     Kind = "batch_failures"
)

// Event is one operator notification.
type Event struct {
	Kind        Kind
	ProfileID   string
	ProfileType models.ProfileType
	OldValue    float64
	NewValue    float64
	Cumulative  float64
	Cap         float64
	Category    models.SampleCategory
	Pending     int
	Failed      []string
}

// Text renders the event as a short plain-text message.
func (e Event) Text() string {
	switch e.Kind {
	case KindAdjustmentApplied:
		return fmt.Sprintf("%s profile %q auto-tuned: %.2f -> %.2f (drift %.2f)",
			e.ProfileType, e.ProfileID, e.OldValue, e.NewValue, e.Cumulative)
	case KindDriftCapReached:
		return fmt.Sprintf("%s profile %q reached its drift cap (%.2f of %.2f); review it manually",
			e.ProfileType, e.ProfileID, e.Cumulative, e.Cap)
	case KindSamplesPending:
		return fmt.Sprintf("profile %q has %d pending %s sample(s) awaiting review",
			e.ProfileID, e.Pending, e.Category)
	case KindBatchFailures:
		return "recompute failed for: " + strings.Join(e.Failed, ", ")
	default:
		return string(e.Kind)
	}
}

// Notifier delivers events. Implementations must not block the caller on the network.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// Nop discards every event.
type Nop struct{}

// Notify does nothing.
func (Nop) Notify(context.Context, Event) {}
