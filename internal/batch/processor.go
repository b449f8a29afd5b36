// Package batch coalesces centroid recomputation requests into periodic
// batches and keeps the pending set in an external store across restarts.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/redoracle/tgsentinel/internal/apperrors"
	"github.com/redoracle/tgsentinel/internal/models"
	"github.com/redoracle/tgsentinel/internal/notify"
	"github.com/redoracle/tgsentinel/internal/observability"
)

// Defaults for the batch gate.
const (
	DefaultInterval      = 600 * time.Second
	DefaultSizeThreshold = 5
	DefaultCheckInterval = 30 * time.Second
)

// Processor states reported by Status.
const (
	StateIdle      = "idle"
	StateScheduled = "scheduled"
	StateRunning   = "running"
)

// Recomputer rebuilds one profile's centroids and makes them visible to scoring.
type Recomputer interface {
	Recompute(ctx context.Context, profileID string) error
}

// RecomputeFunc adapts a function to Recomputer.
type RecomputeFunc func(ctx context.Context, profileID string) error

// Recompute calls f(ctx, profileID).
func (f RecomputeFunc) Recompute(ctx context.Context, profileID string) error {
	return f(ctx, profileID)
}

// HistoryStore appends batch history rows.
type HistoryStore interface {
	InsertBatchHistory(ctx context.Context, rec *models.BatchHistoryRecord) error
}

// QueueStore persists the queue state outside process memory.
// Load returns an empty state and no error when nothing was saved yet.
type QueueStore interface {
	Save(ctx context.Context, state models.BatchQueueState) error
	Load(ctx context.Context) (models.BatchQueueState, error)
}

// Params configures a Processor. History, Notifier, Metrics and Logger may be nil.
type Params struct {
	Recomputer    Recomputer
	Queue         QueueStore
	History       HistoryStore
	Notifier      notify.Notifier
	Metrics       observability.CalibrationMetrics
	Interval      time.Duration
	SizeThreshold int
	CheckInterval time.Duration
	// RateLimit caps recompute calls per second. Zero means unlimited.
	RateLimit float64
	Now       func() time.Time
	Logger    *slog.Logger
}

// Processor owns the pending set. ScheduleRecompute may be called from any
// goroutine; Run drives the automatic gate.
type Processor struct {
	recomputer    Recomputer
	queue         QueueStore
	history       HistoryStore
	notifier      notify.Notifier
	metrics       observability.CalibrationMetrics
	interval      time.Duration
	sizeThreshold int
	checkInterval time.Duration
	limiter       *rate.Limiter
	now           func() time.Time
	logger        *slog.Logger

	mu        sync.Mutex
	pending   map[string]struct{}
	inflight  map[string]struct{}
	lastBatch time.Time
	lastRun   *models.BatchHistoryRecord

	// persistMu orders queue writes so the newest snapshot always lands last.
	persistMu sync.Mutex
	// batchMu allows one batch at a time across the loop and manual triggers.
	batchMu sync.Mutex

	stopOnce sync.Once
	stop     chan struct{}
	loops    sync.WaitGroup
}

// NewProcessor creates a Processor with an empty queue. Call Load to restore
// persisted state before Run.
func NewProcessor(p Params) *Processor {
	if p.Interval <= 0 {
		p.Interval = DefaultInterval
	}

	if p.SizeThreshold <= 0 {
		p.SizeThreshold = DefaultSizeThreshold
	}

	if p.CheckInterval <= 0 {
		p.CheckInterval = DefaultCheckInterval
	}

	if p.Notifier == nil {
		p.Notifier = notify.Nop{}
	}

	if p.Now == nil {
		p.Now = time.Now
	}

	if p.Logger == nil {
		p.Logger = slog.Default()
	}

	limit := rate.Inf
	if p.RateLimit > 0 {
		limit = rate.Limit(p.RateLimit)
	}

	return &Processor{
		recomputer:    p.Recomputer,
		queue:         p.Queue,
		history:       p.History,
		notifier:      p.Notifier,
		metrics:       p.Metrics,
		interval:      p.Interval,
		sizeThreshold: p.SizeThreshold,
		checkInterval: p.CheckInterval,
		limiter:       rate.NewLimiter(limit, 1),
		now:           p.Now,
		logger:        p.Logger,
		pending:       make(map[string]struct{}),
		inflight:      make(map[string]struct{}),
		lastBatch:     p.Now(),
		stop:          make(chan struct{}),
	}
}

// Load restores the pending set and last batch time. When the store cannot
// be read the processor starts empty with last batch time = now.
func (p *Processor) Load(ctx context.Context) {
	state, err := p.queue.Load(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()

	if err != nil {
		p.logger.WarnContext(ctx, "batch: queue state unavailable, starting empty",
			"error", apperrors.NewPersistenceUnavailableError("queue", err))

		p.pending = make(map[string]struct{})
		p.lastBatch = p.now()

		return
	}

	p.pending = make(map[string]struct{}, len(state.Pending))
	for _, id := range state.Pending {
		if id != "" {
			p.pending[id] = struct{}{}
		}
	}

	p.lastBatch = state.LastBatchTime
	if p.lastBatch.IsZero() {
		p.lastBatch = p.now()
	}

	p.logger.InfoContext(ctx, "batch: queue state restored",
		"pending", len(p.pending), "last_batch_time", p.lastBatch)
}

// ScheduleRecompute adds profileID to the pending set and persists the queue
// before returning. Persistence failures are logged, never returned.
func (p *Processor) ScheduleRecompute(ctx context.Context, profileID string) {
	if profileID == "" {
		return
	}

	p.mu.Lock()
	p.pending[profileID] = struct{}{}
	size := len(p.pending)
	p.mu.Unlock()

	p.logger.DebugContext(ctx, "batch: recompute scheduled", "profile_id", profileID, "pending", size)

	p.persist(ctx)
}

// Run checks the gate every check interval until ctx is cancelled or Stop is called.
func (p *Processor) Run(ctx context.Context) {
	p.loops.Add(1)
	defer p.loops.Done()

	p.logger.InfoContext(ctx, "batch: processor started",
		"interval", p.interval,
		"size_threshold", p.sizeThreshold,
		"check_interval", p.checkInterval,
	)

	ticker := time.NewTicker(p.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("batch: processor stopped")

			return
		case <-p.stop:
			p.logger.Info("batch: processor stopped")

			return
		case <-ticker.C:
			p.runOnce(ctx)
		}
	}
}

func (p *Processor) runOnce(ctx context.Context) {
	if !p.due(p.now()) {
		return
	}

	if _, err := p.runBatch(ctx, models.TriggerAutomatic, nil); err != nil {
		p.logger.ErrorContext(ctx, "batch: automatic batch failed", "error", err)
	}
}

// due reports whether the pending set is non-empty and either gate is open.
func (p *Processor) due(now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.pending) == 0 {
		return false
	}

	return now.Sub(p.lastBatch) >= p.interval || len(p.pending) >= p.sizeThreshold
}

// TriggerManual runs a batch now, bypassing both gates. With no ids it
// drains the whole pending set. It returns nil when there was nothing to do.
func (p *Processor) TriggerManual(ctx context.Context, profileIDs ...string) (*models.BatchHistoryRecord, error) {
	return p.runBatch(ctx, models.TriggerManual, profileIDs)
}

func (p *Processor) runBatch(
	ctx context.Context, trigger models.TriggerType, only []string,
) (*models.BatchHistoryRecord, error) {
	p.batchMu.Lock()
	defer p.batchMu.Unlock()

	ids := p.takePending(only)
	if len(ids) == 0 {
		return nil, nil //nolint:nilnil // nothing to do is not an error
	}

	started := p.now()
	batchID := uuid.Must(uuid.NewV7())
	ctx = observability.WithBatchID(ctx, batchID.String())

	p.logger.InfoContext(ctx, "batch: started", "trigger", trigger, "profiles", len(ids))

	var (
		failed  []string
		requeue []string
	)

	for i, id := range ids {
		if err := p.limiter.Wait(ctx); err != nil {
			p.logger.WarnContext(ctx, "batch: abandoned, re-queuing remaining profiles",
				"remaining", len(ids)-i, "error", err)

			requeue = append(requeue, ids[i:]...)
			failed = append(failed, ids[i:]...)

			break
		}

		if err := p.recomputer.Recompute(ctx, id); err != nil {
			failed = append(failed, id)

			if errors.Is(err, apperrors.ErrNotFound) {
				p.logger.WarnContext(ctx, "batch: profile gone, dropped", "profile_id", id)

				continue
			}

			p.logger.ErrorContext(ctx, "batch: recompute failed, re-queued", "profile_id", id, "error", err)
			requeue = append(requeue, id)
		}
	}

	completed := p.now()
	rec := &models.BatchHistoryRecord{
		ID:               batchID,
		StartedAt:        started.UTC(),
		CompletedAt:      completed.UTC(),
		ProfileIDs:       ids,
		FailedProfileIDs: failed,
		ElapsedSeconds:   completed.Sub(started).Seconds(),
		TriggerType:      trigger,
	}

	if p.history != nil {
		if err := p.history.InsertBatchHistory(context.WithoutCancel(ctx), rec); err != nil {
			p.logger.ErrorContext(ctx, "batch: history insert failed", "error", err)
		}
	}

	p.mu.Lock()
	p.inflight = make(map[string]struct{})
	for _, id := range requeue {
		p.pending[id] = struct{}{}
	}

	p.lastBatch = completed
	p.lastRun = rec
	p.mu.Unlock()

	p.persist(context.WithoutCancel(ctx))

	if len(failed) > 0 {
		p.notifier.Notify(ctx, notify.Event{Kind: notify.KindBatchFailures, Failed: failed})
	}

	if p.metrics != nil {
		p.metrics.RecordBatch(ctx, string(trigger), len(ids), len(failed), completed.Sub(started))
	}

	p.logger.InfoContext(ctx, "batch: completed",
		"trigger", trigger,
		"profiles", len(ids),
		"failed", len(failed),
		"elapsed_seconds", rec.ElapsedSeconds,
	)

	return rec, nil
}

// takePending moves ids (or everything when only is empty) from pending to
// in-flight and returns them sorted. In-flight ids stay in the persisted set
// until the batch completes.
func (p *Processor) takePending(only []string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var ids []string

	if len(only) == 0 {
		for id := range p.pending {
			ids = append(ids, id)
		}
	} else {
		for _, id := range only {
			if id != "" && !slices.Contains(ids, id) {
				ids = append(ids, id)
			}
		}
	}

	for _, id := range ids {
		delete(p.pending, id)
		p.inflight[id] = struct{}{}
	}

	slices.Sort(ids)

	return ids
}

// snapshot returns the state to persist: pending ∪ in-flight.
func (p *Processor) snapshot() models.BatchQueueState {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids := make([]string, 0, len(p.pending)+len(p.inflight))
	for id := range p.pending {
		ids = append(ids, id)
	}

	for id := range p.inflight {
		if _, dup := p.pending[id]; !dup {
			ids = append(ids, id)
		}
	}

	slices.Sort(ids)

	return models.BatchQueueState{Pending: ids, LastBatchTime: p.lastBatch.UTC()}
}

func (p *Processor) persist(ctx context.Context) {
	p.persistMu.Lock()
	defer p.persistMu.Unlock()

	state := p.snapshot()

	if err := p.queue.Save(ctx, state); err != nil {
		p.logger.WarnContext(ctx, "batch: queue state not persisted",
			"pending", len(state.Pending),
			"error", apperrors.NewPersistenceUnavailableError("queue", err),
		)

		if p.metrics != nil {
			p.metrics.RecordQueuePersistFailure(ctx)
		}
	}
}

// Stop ends Run, waits for an in-flight batch (bounded by ctx) and flushes
// the queue state.
func (p *Processor) Stop(ctx context.Context) error {
	p.stopOnce.Do(func() { close(p.stop) })

	done := make(chan struct{})

	go func() {
		p.loops.Wait()
		p.batchMu.Lock()
		p.batchMu.Unlock() //nolint:staticcheck // waits for the in-flight batch
		close(done)
	}()

	var err error

	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("batch processor stop: %w", ctx.Err())
	}

	p.persist(context.WithoutCancel(ctx))

	return err
}

// Status returns the operator view of the processor.
func (p *Processor) Status() models.BatchStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	pending := make([]string, 0, len(p.pending))
	for id := range p.pending {
		pending = append(pending, id)
	}

	slices.Sort(pending)

	var inflight []string
	for id := range p.inflight {
		inflight = append(inflight, id)
	}

	slices.Sort(inflight)

	state := StateIdle

	switch {
	case len(p.inflight) > 0:
		state = StateRunning
	case len(p.pending) > 0:
		state = StateScheduled
	}

	var last *models.BatchHistoryRecord
	if p.lastRun != nil {
		cp := *p.lastRun
		last = &cp
	}

	return models.BatchStatus{
		State:                 state,
		PendingCount:          len(pending),
		PendingProfiles:       pending,
		InFlightProfiles:      inflight,
		SecondsSinceLastBatch: p.now().Sub(p.lastBatch).Seconds(),
		LastBatchTime:         p.lastBatch.UTC(),
		LastBatch:             last,
	}
}
