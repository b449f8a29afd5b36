// Package feedback aggregates thumbs-up/down feedback per profile and turns
// it into tuning recommendations.
package feedback

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/redoracle/tgsentinel/internal/models"
)

// DefaultWindow is the period over which feedback counts toward a recommendation.
const DefaultWindow = 7 * 24 * time.Hour

// Action is the kind of tuning a recommendation asks for.
type Action string

const (
	ActionNone              Action = "none"
	ActionRaiseThreshold    Action = "raise_threshold"
	ActionAddNegativeSample Action = "add_negative_sample"
	ActionAddPositiveSample Action = "add_positive_sample"
	ActionRaiseMinScore     Action = "raise_min_score"
)

// Recommendation is what an aggregator suggests after recording one event.
// Counters are not reset by recording; apply the recommendation, then reset.
type Recommendation struct {
	Action       Action                `json:"action"`
	Delta        float64               `json:"delta,omitempty"`
	SampleWeight float64               `json:"sample_weight,omitempty"`
	Bucket       models.FeedbackBucket `json:"bucket"`
	Count        int                   `json:"count"`
}

// IsNone reports whether no tuning is recommended.
func (r Recommendation) IsNone() bool {
	return r.Action == "" || r.Action == ActionNone
}

// EventSource reads the durable feedback log.
type EventSource interface {
	ListEventsSince(ctx context.Context, profileType models.ProfileType, since time.Time) ([]models.FeedbackEvent, error)
}

// ResetSource reads the tuning history that consumed counters: applied
// adjustments and queued samples.
type ResetSource interface {
	ListAdjustments(
		ctx context.Context, profileID string, adjustmentType models.AdjustmentType, tr models.TimeRange,
	) ([]models.ProfileAdjustment, error)
	ListSamples(ctx context.Context, profileID string, tr models.TimeRange) ([]models.SampleAddition, error)
}

// seedFunc returns the latest durable reset per bucket for one profile since a time.
type seedFunc func(ctx context.Context, src ResetSource, profileID string, since time.Time) (map[models.FeedbackBucket]time.Time, error)

// StatsSnapshot is a point-in-time copy of one profile's counters.
type StatsSnapshot struct {
	Counters    map[string]int `json:"counters"`
	LastEventAt time.Time      `json:"last_event_at"`
}

// stats holds one profile's counters. A counter's resetAt hides older events
// from decay so a reset survives the next re-derivation.
type stats struct {
	mu          sync.Mutex
	counts      map[models.FeedbackBucket]int
	resetAt     map[models.FeedbackBucket]time.Time
	lastEventAt time.Time
	seeded      bool
}

func newStats() *stats {
	return &stats{
		counts:  make(map[models.FeedbackBucket]int),
		resetAt: make(map[models.FeedbackBucket]time.Time),
	}
}

func (s *stats) snapshot(buckets []models.FeedbackBucket) StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := StatsSnapshot{Counters: make(map[string]int, len(buckets)), LastEventAt: s.lastEventAt}
	for _, b := range buckets {
		out.Counters[string(b)] = s.counts[b]
	}

	return out
}

func (s *stats) reset(now time.Time, buckets ...models.FeedbackBucket) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, b := range buckets {
		s.counts[b] = 0
		s.resetAt[b] = now
	}
}

// seed merges durable reset times into resetAt, keeping the later of the two.
func (s *stats) seed(resets map[models.FeedbackBucket]time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for b, at := range resets {
		if at.After(s.resetAt[b]) {
			s.resetAt[b] = at
		}
	}

	s.seeded = true
}

func (s *stats) isSeeded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.seeded
}

// rederive replaces the counters with counts of events inside the window.
// Events must already belong to this profile.
func (s *stats) rederive(events []models.FeedbackEvent, since time.Time, buckets []models.FeedbackBucket) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fresh := make(map[models.FeedbackBucket]int, len(buckets))

	for _, ev := range events {
		if ev.ObservedAt.Before(since) {
			continue
		}

		// Events up to and including the reset were consumed by it.
		if r, ok := s.resetAt[ev.Bucket]; ok && !ev.ObservedAt.After(r) {
			continue
		}

		fresh[ev.Bucket]++

		if ev.ObservedAt.After(s.lastEventAt) {
			s.lastEventAt = ev.ObservedAt
		}
	}

	for _, b := range buckets {
		s.counts[b] = fresh[b]
	}
}

// statsTable is the lazily populated per-profile stats map.
type statsTable struct {
	mu        sync.Mutex
	byProfile map[string]*stats
}

func newStatsTable() *statsTable {
	return &statsTable{byProfile: make(map[string]*stats)}
}

func (t *statsTable) get(profileID string) *stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.byProfile[profileID]
	if !ok {
		s = newStats()
		t.byProfile[profileID] = s
	}

	return s
}

func (t *statsTable) lookup(profileID string) (*stats, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.byProfile[profileID]

	return s, ok
}

func (t *statsTable) all() map[string]*stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]*stats, len(t.byProfile))
	for id, s := range t.byProfile {
		out[id] = s
	}

	return out
}

// decayParams carries what one aggregator's decay pass needs.
type decayParams struct {
	events      EventSource
	resets      ResetSource
	seed        seedFunc
	profileType models.ProfileType
	window      time.Duration
	buckets     []models.FeedbackBucket
	logger      *slog.Logger
}

// decay re-derives counters from the event log for every known profile and
// every profile with events in the window. A profile seen for the first time
// has its reset times loaded from the tuning history, so feedback consumed
// before a restart is not counted again.
func (t *statsTable) decay(ctx context.Context, now time.Time, p decayParams) (int, error) {
	if p.events == nil {
		return 0, nil
	}

	since := now.Add(-p.window)

	events, err := p.events.ListEventsSince(ctx, p.profileType, since)
	if err != nil {
		return 0, err
	}

	byProfile := make(map[string][]models.FeedbackEvent)
	for _, ev := range events {
		if ev.ObservedAt.Before(since) || ev.Bucket == models.BucketNone {
			continue
		}

		byProfile[ev.ProfileID] = append(byProfile[ev.ProfileID], ev)
	}

	for id := range byProfile {
		t.get(id)
	}

	profiles := t.all()

	for id, s := range profiles {
		if p.resets != nil && p.seed != nil && !s.isSeeded() {
			resets, err := p.seed(ctx, p.resets, id, since)
			if err != nil {
				// Leave the counters alone until the history is readable.
				p.logger.WarnContext(ctx, "feedback: load counter resets failed",
					"profile_type", p.profileType, "profile_id", id, "error", err)

				continue
			}

			s.seed(resets)
		}

		s.rederive(byProfile[id], since, p.buckets)
	}

	return len(profiles), nil
}
