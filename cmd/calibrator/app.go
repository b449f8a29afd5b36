package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"github.com/redoracle/tgsentinel/internal/api/handlers"
	"github.com/redoracle/tgsentinel/internal/api/middleware"
	"github.com/redoracle/tgsentinel/internal/batch"
	"github.com/redoracle/tgsentinel/internal/config"
	"github.com/redoracle/tgsentinel/internal/observability"
	"github.com/redoracle/tgsentinel/internal/service"
	"github.com/redoracle/tgsentinel/internal/workers"
)

const maxRequestBodyBytes = 1 << 20

// App holds all server dependencies and coordinates startup and shutdown.
type App struct {
	cfg            *config.Config
	engine         *engine
	server         *http.Server
	river          *river.Client[pgx.Tx]
	meterProvider  *sdkmetric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
	group          *errgroup.Group
}

// setupObservability creates the meter and tracer providers for the configured
// exporters. Either provider is nil when its exporter is unset.
func setupObservability(
	ctx context.Context, cfg *config.Config,
) (*sdkmetric.MeterProvider, http.Handler, *sdktrace.TracerProvider, error) {
	var (
		meterProvider *sdkmetric.MeterProvider
		promHandler   http.Handler
		err           error
	)

	if cfg.OtelMetricsExporter == "" {
		slog.Warn("metrics not enabled (OTEL_METRICS_EXPORTER empty or unset)")
	} else {
		meterProvider, promHandler, err = observability.NewMeterProvider(ctx, cfg)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("create meter provider: %w", err)
		}
	}

	var tracerProvider *sdktrace.TracerProvider

	if cfg.OtelTracesExporter == "" {
		slog.Warn("tracing not enabled (OTEL_TRACES_EXPORTER empty or unset)")
	} else {
		tracerProvider, err = observability.NewTracerProvider(ctx, cfg)
		if err != nil {
			if err2 := observability.ShutdownMeterProvider(context.Background(), meterProvider); err2 != nil {
				slog.Error("shutdown meter provider after tracer provider error", "error", err2)
			}

			return nil, nil, nil, fmt.Errorf("create tracer provider: %w", err)
		}
	}

	if tracerProvider != nil {
		otel.SetTracerProvider(tracerProvider)
	}

	if meterProvider != nil {
		otel.SetMeterProvider(meterProvider)
	}

	return meterProvider, promHandler, tracerProvider, nil
}

// NewApp builds and wires all components. It does not start the HTTP server,
// the batch loop or River; call Run to start and block until shutdown or failure.
func NewApp(ctx context.Context, cfg *config.Config) (_ *App, err error) {
	meterProvider, promHandler, tracerProvider, err := setupObservability(ctx, cfg)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err == nil {
			return
		}

		if err2 := shutdownObservability(context.Background(), tracerProvider, meterProvider); err2 != nil {
			slog.Error("shutdown observability after startup error", "error", err2)
		}
	}()

	var meter metric.Meter
	if meterProvider != nil {
		meter = observability.Meter(meterProvider)
	}

	metrics, err := newAppMetrics(meter)
	if err != nil {
		return nil, err
	}

	eng, err := newEngine(ctx, cfg, metrics)
	if err != nil {
		return nil, err
	}

	var riverClient *river.Client[pgx.Tx]

	if cfg.RiverEnabled {
		riverClient, err = newRiverClient(ctx, eng.pool, cfg, eng.processor)
		if err != nil {
			eng.close(context.Background())

			return nil, err
		}

		slog.Info("River job queue enabled", "queue", service.RecomputeQueueName, "workers", cfg.RiverMaxWorkers)
	}

	feedbackService := service.NewFeedbackService(service.FeedbackParams{
		Events:   eng.history,
		Profiles: eng.profiles,
		Scorer:   eng.scorer,
		Interest: eng.interest,
		Alert:    eng.alert,
		Tuner:    eng.tuner,
		Pending:  eng.history,
		Notifier: eng.notifier,
		Metrics:  metrics.calibration,
	})

	var jobs service.JobInserter
	if riverClient != nil {
		jobs = riverClient
	}

	server := newHTTPServer(
		cfg,
		handlers.NewHealthHandler(eng.readinessChecks()),
		handlers.NewFeedbackHandler(feedbackService),
		handlers.NewCalibrationHandler(newCalibrationService(eng, jobs)),
		metrics.http,
		promHandler,
		meterProvider,
		tracerProvider,
	)

	return &App{
		cfg:            cfg,
		engine:         eng,
		server:         server,
		river:          riverClient,
		meterProvider:  meterProvider,
		tracerProvider: tracerProvider,
	}, nil
}

// newRiverClient migrates the River schema and registers the recompute worker.
func newRiverClient(
	ctx context.Context, db *pgxpool.Pool, cfg *config.Config, processor *batch.Processor,
) (*river.Client[pgx.Tx], error) {
	migrator, err := rivermigrate.New(riverpgxv5.New(db), nil)
	if err != nil {
		return nil, fmt.Errorf("create River migrator: %w", err)
	}

	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		return nil, fmt.Errorf("migrate River schema: %w", err)
	}

	riverWorkers := river.NewWorkers()
	river.AddWorker(riverWorkers, workers.NewRecomputeWorker(processor, slog.Default()))

	client, err := river.NewClient(riverpgxv5.New(db), &river.Config{
		Queues: map[string]river.QueueConfig{
			service.RecomputeQueueName: {MaxWorkers: cfg.RiverMaxWorkers},
		},
		Workers:      riverWorkers,
		ErrorHandler: &workers.ErrorHandler{Logger: slog.Default()},
	})
	if err != nil {
		return nil, fmt.Errorf("create River client: %w", err)
	}

	return client, nil
}

// newHTTPServer builds the HTTP server and muxes (no auth on /health, /ready
// and /metrics, API key on /v1/).
// Handler chain: RequestID -> otelhttp(Metrics(Logging(mux))) so access logs
// carry trace_id/span_id and route metrics see the matched pattern.
func newHTTPServer(
	cfg *config.Config,
	health *handlers.HealthHandler,
	feedback *handlers.FeedbackHandler,
	calibration *handlers.CalibrationHandler,
	httpMetrics observability.HTTPMetrics,
	promHandler http.Handler,
	meterProvider *sdkmetric.MeterProvider,
	tracerProvider *sdktrace.TracerProvider,
) *http.Server {
	public := http.NewServeMux()
	public.HandleFunc("GET /health", health.Check)
	public.HandleFunc("GET /ready", health.Ready)

	if promHandler != nil {
		public.Handle("GET /metrics", promHandler)
	}

	protected := http.NewServeMux()
	protected.HandleFunc("POST /v1/feedback", feedback.Submit)

	protected.HandleFunc("GET /v1/calibration/status", calibration.Status)
	protected.HandleFunc("GET /v1/calibration/batches", calibration.Batches)
	protected.HandleFunc("POST /v1/calibration/recompute", calibration.Recompute)

	protected.HandleFunc("GET /v1/profiles/{type}/{id}/calibration", calibration.Profile)
	protected.HandleFunc("GET /v1/profiles/{type}/{id}/events", calibration.Events)
	protected.HandleFunc("GET /v1/profiles/{id}/samples", calibration.Samples)
	protected.HandleFunc("POST /v1/profiles/{id}/samples/{category}/commit", calibration.Commit)
	protected.HandleFunc("POST /v1/profiles/{id}/samples/{category}/rollback", calibration.Rollback)

	var bodyRecorder middleware.BodyTooLargeRecorder
	if httpMetrics != nil {
		bodyRecorder = httpMetrics
	}

	protectedWithAuth := middleware.Auth(cfg.APIKey)(middleware.MaxBody(maxRequestBodyBytes, bodyRecorder)(protected))
	mux := http.NewServeMux()
	mux.Handle("/v1/", protectedWithAuth)
	mux.Handle("/", public)

	otelOpts := []otelhttp.Option{
		// Skip tracing and HTTP metrics for probes to reduce noise.
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/health" && r.URL.Path != "/ready"
		}),
	}
	if meterProvider != nil {
		otelOpts = append(otelOpts, otelhttp.WithMeterProvider(meterProvider))
	}

	if tracerProvider != nil {
		otelOpts = append(otelOpts, otelhttp.WithTracerProvider(tracerProvider))
	}

	// Metrics runs inside the outer wrappers because they copy the request and
	// only the innermost request carries the pattern the mux matched.
	inner := middleware.Metrics(httpMetrics)(middleware.Logging(mux))
	handler := otelhttp.NewHandler(inner, "calibrator", otelOpts...)
	handler = middleware.RequestID(handler)

	const (
		readTimeout  = 15 * time.Second
		writeTimeout = 60 * time.Second
		idleTimeout  = 60 * time.Second
	)

	return &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}
}

// Run rebuilds the feedback counters from the event log, then starts the decay
// scheduler, the batch loop, River and the HTTP server. It blocks until ctx is
// cancelled or a component fails. Caller should then call Shutdown.
func (a *App) Run(ctx context.Context) error {
	a.engine.decay.RunOnce(ctx)

	if err := a.engine.decay.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	a.group = g

	g.Go(func() error {
		a.engine.processor.Run(gctx)

		return nil
	})

	if a.river != nil {
		g.Go(func() error {
			if err := a.river.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("river: %w", err)
			}

			return nil
		})
	}

	g.Go(func() error {
		slog.Info("Starting server", "port", a.cfg.Port)

		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}

		return nil
	})

	<-gctx.Done()

	if ctx.Err() != nil {
		return nil
	}

	return context.Cause(gctx)
}

// shutdownObservability shuts down tracer and meter providers. Logs secondary errors, returns the first.
func shutdownObservability(ctx context.Context, tracer *sdktrace.TracerProvider, meter *sdkmetric.MeterProvider) error {
	var first error

	if tracer != nil {
		if err := observability.ShutdownTracerProvider(ctx, tracer); err != nil {
			first = err
		}
	}

	if meter != nil {
		if err := observability.ShutdownMeterProvider(ctx, meter); err != nil {
			if first == nil {
				first = err
			} else {
				slog.Error("shutdown meter provider", "error", err)
			}
		}
	}

	return first
}

// Shutdown stops the server, River, the batch loop and the decay scheduler in
// order, then closes the stores. Call after Run returns.
// Observability is shut down once via defer; its error is returned only when
// everything else shut down cleanly.
func (a *App) Shutdown(ctx context.Context) (err error) {
	defer func() {
		obsErr := shutdownObservability(ctx, a.tracerProvider, a.meterProvider)
		if err == nil {
			err = obsErr
		} else if obsErr != nil {
			slog.Error("shutdown observability", "error", obsErr)
		}
	}()

	defer a.engine.close(ctx)

	var errs []error

	if err := a.server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, fmt.Errorf("server shutdown: %w", err))
	}

	if a.river != nil {
		if err := a.river.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("river stop: %w", err))
		}
	}

	if err := a.engine.processor.Stop(ctx); err != nil {
		errs = append(errs, err)
	}

	if err := a.engine.decay.Stop(ctx); err != nil {
		errs = append(errs, err)
	}

	if a.group != nil {
		if err := a.group.Wait(); err != nil {
			slog.Warn("component exited with error", "error", err)
		}
	}

	return errors.Join(errs...)
}
