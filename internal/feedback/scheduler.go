package feedback

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultDecayInterval is how often stale feedback is purged from the counters.
const DefaultDecayInterval = 24 * time.Hour

// Decayer re-derives windowed counters as of now.
type Decayer interface {
	Decay(ctx context.Context, now time.Time) error
}

// DecayScheduler runs every Decayer on a fixed interval.
type DecayScheduler struct {
	cron     *cron.Cron
	interval time.Duration
	decayers []Decayer
	logger   *slog.Logger
}

// NewDecayScheduler creates a scheduler. Call Start to begin ticking.
func NewDecayScheduler(interval time.Duration, logger *slog.Logger, decayers ...Decayer) *DecayScheduler {
	if interval <= 0 {
		interval = DefaultDecayInterval
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &DecayScheduler{
		cron:     cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		interval: interval,
		decayers: decayers,
		logger:   logger,
	}
}

// Start registers the decay job and starts the cron runner. ctx is passed to each run.
func (s *DecayScheduler) Start(ctx context.Context) error {
	spec := fmt.Sprintf("@every %s", s.interval)

	if _, err := s.cron.AddFunc(spec, func() { s.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("schedule decay %q: %w", spec, err)
	}

	s.cron.Start()
	s.logger.Info("feedback: decay scheduler started", "interval", s.interval)

	return nil
}

// RunOnce decays every registered aggregator. Failures are logged; one
// failing aggregator does not skip the others.
func (s *DecayScheduler) RunOnce(ctx context.Context) {
	now := time.Now()

	for _, d := range s.decayers {
		if err := d.Decay(ctx, now); err != nil {
			s.logger.ErrorContext(ctx, "feedback: decay failed", "error", err)
		}
	}
}

// Stop stops scheduling and waits for a running job, bounded by ctx.
func (s *DecayScheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()

	select {
	case <-done.Done():
		s.logger.Info("feedback: decay scheduler stopped")

		return nil
	case <-ctx.Done():
		return fmt.Errorf("decay scheduler stop: %w", ctx.Err())
	}
}
