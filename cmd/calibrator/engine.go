package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/metric"

	"github.com/redoracle/tgsentinel/internal/api/handlers"
	"github.com/redoracle/tgsentinel/internal/apperrors"
	"github.com/redoracle/tgsentinel/internal/batch"
	"github.com/redoracle/tgsentinel/internal/config"
	"github.com/redoracle/tgsentinel/internal/embeddings"
	"github.com/redoracle/tgsentinel/internal/feedback"
	"github.com/redoracle/tgsentinel/internal/googleai"
	"github.com/redoracle/tgsentinel/internal/notify"
	"github.com/redoracle/tgsentinel/internal/observability"
	"github.com/redoracle/tgsentinel/internal/openai"
	"github.com/redoracle/tgsentinel/internal/profilestore"
	"github.com/redoracle/tgsentinel/internal/repository"
	"github.com/redoracle/tgsentinel/internal/semantic"
	"github.com/redoracle/tgsentinel/internal/service"
	"github.com/redoracle/tgsentinel/internal/sqlitestore"
	"github.com/redoracle/tgsentinel/internal/tuner"
	"github.com/redoracle/tgsentinel/pkg/database"
)

var errUnsupportedEmbeddingProvider = errors.New("unsupported embedding provider")

const (
	embeddingProviderOpenAI = "openai"
	embeddingProviderGoogle = "google"
	embeddingProviderLocal  = "local"
	embeddingProviderHash   = "hash"
)

const poolHealthCheckPeriod = 30 * time.Second

// historyStore is the durable history the engine runs on. Both the Postgres
// repositories and the SQLite store satisfy it.
type historyStore interface {
	feedback.EventSource
	service.FeedbackEventStore
	service.HistoryReader
	service.PendingCounter
	tuner.AdjustmentStore
	tuner.SampleStore
	batch.HistoryStore
}

// appMetrics groups the instruments. Every field is nil when metrics are disabled.
type appMetrics struct {
	http        observability.HTTPMetrics
	calibration observability.CalibrationMetrics
	encoder     observability.EncoderMetrics
	cache       observability.CacheMetrics
}

func newAppMetrics(meter metric.Meter) (appMetrics, error) {
	var (
		m   appMetrics
		err error
	)

	if m.http, err = observability.NewHTTPMetrics(meter); err != nil {
		return m, fmt.Errorf("create http metrics: %w", err)
	}

	if m.calibration, err = observability.NewCalibrationMetrics(meter); err != nil {
		return m, fmt.Errorf("create calibration metrics: %w", err)
	}

	if m.encoder, err = observability.NewEncoderMetrics(meter); err != nil {
		return m, fmt.Errorf("create encoder metrics: %w", err)
	}

	if m.cache, err = observability.NewCacheMetrics(meter); err != nil {
		return m, fmt.Errorf("create cache metrics: %w", err)
	}

	return m, nil
}

// engine holds the calibration components shared by every command.
type engine struct {
	cfg       *config.Config
	pool      *pgxpool.Pool
	sqlite    *sqlitestore.Store
	redis     *redis.Client
	history   historyStore
	profiles  *profilestore.FileStore
	scorer    *semantic.Scorer
	processor *batch.Processor
	tuner     *tuner.Tuner
	interest  *feedback.InterestAggregator
	alert     *feedback.AlertAggregator
	decay     *feedback.DecayScheduler
	notifier  notify.Notifier
	telegram  *notify.TelegramNotifier
	logger    *slog.Logger
}

// newEngine opens the stores and builds the scorer, aggregators, tuner and
// batch processor. The processor's queue state is restored before returning.
func newEngine(ctx context.Context, cfg *config.Config, metrics appMetrics) (_ *engine, err error) {
	e := &engine{cfg: cfg, notifier: notify.Nop{}, logger: slog.Default()}

	defer func() {
		if err != nil {
			e.close(context.Background())
		}
	}()

	if err = e.openHistory(ctx); err != nil {
		return nil, err
	}

	e.profiles, err = profilestore.Open(cfg.ProfilesPath)
	if err != nil {
		return nil, fmt.Errorf("open profile store: %w", err)
	}

	encoder, err := newEncoder(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if metrics.encoder != nil {
		encoder = embeddings.WithMetrics(encoder, metrics.encoder)
	}

	var snapshots semantic.SnapshotStore
	if e.pool != nil {
		snapshots = repository.NewCentroidsRepository(e.pool)
	}

	e.scorer, err = semantic.NewScorer(semantic.ScorerParams{
		Encoder:              encoder,
		Profiles:             e.profiles,
		CacheSize:            cfg.CentroidCacheSize,
		FeedbackSampleWeight: cfg.FeedbackSampleWeight,
		Snapshots:            snapshots,
		CacheMetrics:         metrics.cache,
		Logger:               e.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create scorer: %w", err)
	}

	queue, err := e.openQueueStore(ctx)
	if err != nil {
		return nil, err
	}

	if cfg.TelegramBotToken != "" {
		e.telegram, err = notify.NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramAdminChatID, e.logger)
		if err != nil {
			return nil, fmt.Errorf("create telegram notifier: %w", err)
		}

		e.notifier = e.telegram
	}

	e.processor = batch.NewProcessor(batch.Params{
		Recomputer: batch.RecomputeFunc(func(ctx context.Context, profileID string) error {
			_, err := e.scorer.Recompute(ctx, profileID)

			return err
		}),
		Queue:         queue,
		History:       e.history,
		Notifier:      e.notifier,
		Metrics:       metrics.calibration,
		Interval:      cfg.BatchInterval,
		SizeThreshold: cfg.BatchSizeThreshold,
		CheckInterval: cfg.BatchCheckInterval,
		RateLimit:     cfg.EmbeddingRateLimit,
		Logger:        e.logger,
	})
	e.processor.Load(ctx)

	e.tuner = tuner.New(tuner.Params{
		Profiles:           e.profiles,
		Adjustments:        e.history,
		Samples:            e.history,
		Scheduler:          e.processor,
		MaxFeedbackSamples: cfg.MaxFeedbackSamples,
		Logger:             e.logger,
	})

	aggregatorParams := feedback.AggregatorParams{
		Events:       e.history,
		Resets:       e.history,
		Window:       cfg.FeedbackWindow,
		SampleWeight: cfg.FeedbackSampleWeight,
		Logger:       e.logger,
	}
	e.interest = feedback.NewInterestAggregator(aggregatorParams)
	e.alert = feedback.NewAlertAggregator(aggregatorParams)
	e.decay = feedback.NewDecayScheduler(cfg.DecayInterval, e.logger, e.interest, e.alert)

	return e, nil
}

// openHistory selects Postgres for postgres:// URLs and SQLite otherwise.
func (e *engine) openHistory(ctx context.Context) error {
	if !e.cfg.UsesPostgres() {
		store, err := sqlitestore.Open(e.cfg.SQLitePath())
		if err != nil {
			return fmt.Errorf("open sqlite history: %w", err)
		}

		e.sqlite = store
		e.history = store
		e.logger.Info("history store: sqlite", "path", e.cfg.SQLitePath())

		return nil
	}

	pool, err := database.NewPostgresPool(ctx, e.cfg.DatabaseURL,
		database.WithAfterConnect(repository.AfterConnect),
		database.WithMaxConns(int32(min(e.cfg.DatabaseMaxConns, 1<<16))), //nolint:gosec // bounded above
		database.WithHealthCheckPeriod(poolHealthCheckPeriod),
	)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}

	e.pool = pool

	if err := repository.Migrate(ctx, pool); err != nil {
		return err
	}

	e.history = repository.NewStore(pool)
	e.logger.Info("history store: postgres")

	return nil
}

// openQueueStore returns the Redis queue store when REDIS_URL is set and the
// JSON file store otherwise. An unreachable Redis is not fatal: the processor
// starts empty and keeps retrying on every save.
func (e *engine) openQueueStore(ctx context.Context) (batch.QueueStore, error) {
	if e.cfg.RedisURL == "" {
		return batch.NewFileQueueStore(e.cfg.QueueStatePath), nil
	}

	opts, err := redis.ParseURL(e.cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}

	e.redis = redis.NewClient(opts)

	if err := e.redis.Ping(ctx).Err(); err != nil {
		e.logger.WarnContext(ctx, "queue store unreachable, continuing without persisted state",
			"error", apperrors.NewPersistenceUnavailableError("queue", err))
	}

	return batch.NewRedisQueueStore(e.redis, e.cfg.RedisKeyPrefix), nil
}

func newEncoder(ctx context.Context, cfg *config.Config) (embeddings.Client, error) {
	switch cfg.EmbeddingProvider {
	case embeddingProviderOpenAI:
		if cfg.EmbeddingProviderAPIKey == "" {
			return nil, errors.New("EMBEDDING_PROVIDER_API_KEY is required for the openai provider")
		}

		return openai.NewClient(cfg.EmbeddingProviderAPIKey,
			openai.WithModel(cfg.EmbeddingModel),
			openai.WithDimensions(cfg.EmbeddingDimensions),
		), nil
	case embeddingProviderGoogle:
		client, err := googleai.NewClient(ctx, cfg.EmbeddingProviderAPIKey,
			googleai.WithModel(cfg.EmbeddingModel),
			googleai.WithDimensions(cfg.EmbeddingDimensions),
		)
		if err != nil {
			return nil, fmt.Errorf("create google embedding client: %w", err)
		}

		return client, nil
	case embeddingProviderLocal:
		if cfg.EmbeddingBaseURL == "" {
			return nil, errors.New("EMBEDDING_BASE_URL is required for the local provider")
		}

		return embeddings.NewCompatClient(cfg.EmbeddingBaseURL, cfg.EmbeddingProviderAPIKey, cfg.EmbeddingModel), nil
	case embeddingProviderHash:
		return embeddings.NewHashClient(cfg.EmbeddingDimensions), nil
	default:
		return nil, fmt.Errorf("%w: %s", errUnsupportedEmbeddingProvider, cfg.EmbeddingProvider)
	}
}

// pingFunc adapts a function to handlers.Pinger.
type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

// readinessChecks lists the dependencies /ready reports on.
func (e *engine) readinessChecks() map[string]handlers.Pinger {
	checks := make(map[string]handlers.Pinger)

	if e.pool != nil {
		checks["postgres"] = e.pool
	}

	if e.sqlite != nil {
		checks["sqlite"] = e.sqlite
	}

	if e.redis != nil {
		checks["redis"] = pingFunc(func(ctx context.Context) error {
			return e.redis.Ping(ctx).Err()
		})
	}

	return checks
}

// close releases the notifier and store connections. Safe on a partly built engine.
func (e *engine) close(ctx context.Context) {
	if e.telegram != nil {
		if err := e.telegram.Close(ctx); err != nil {
			e.logger.Warn("close telegram notifier", "error", err)
		}
	}

	if e.redis != nil {
		if err := e.redis.Close(); err != nil {
			e.logger.Warn("close redis", "error", err)
		}
	}

	if e.sqlite != nil {
		if err := e.sqlite.Close(); err != nil {
			e.logger.Warn("close sqlite", "error", err)
		}
	}

	if e.pool != nil {
		e.pool.Close()
	}
}
