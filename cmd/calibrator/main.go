// Command calibrator runs the feedback-driven calibration engine: the HTTP
// API with the batch recompute loop, and one-shot operator commands.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/redoracle/tgsentinel/internal/config"
	"github.com/redoracle/tgsentinel/internal/feedback"
	"github.com/redoracle/tgsentinel/internal/models"
	"github.com/redoracle/tgsentinel/internal/observability"
	"github.com/redoracle/tgsentinel/internal/service"
	"github.com/redoracle/tgsentinel/internal/tuner"
)

const shutdownTimeout = 30 * time.Second

var (
	cfg          *config.Config
	logLevelFlag string
	profileType  string
	profileID    string
)

var rootCmd = &cobra.Command{
	Use:           "calibrator",
	Short:         "Feedback-driven calibration for semantic and alert profiles",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		var err error

		cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("load configuration: %w", err)
		}

		level := cfg.LogLevel
		if logLevelFlag != "" {
			level = logLevelFlag
		}

		setupLogging(os.Stderr, level)

		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Log level: debug, info, warn or error (default: $LOG_LEVEL)")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the batch queue and, with --profile, one profile's calibration",
		Args:  cobra.NoArgs,
		RunE:  runStatus,
	}
	statusCmd.Flags().StringVar(&profileID, "profile", "", "Profile id to inspect")
	statusCmd.Flags().StringVar(&profileType, "type", string(models.ProfileTypeInterest), "Profile type: interest or alert")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP API, the batch recompute loop and the decay scheduler",
			Args:  cobra.NoArgs,
			RunE:  runServe,
		},
		&cobra.Command{
			Use:   "recompute [profile-id...]",
			Short: "Recompute centroids now; without ids the whole pending queue is drained",
			RunE:  runRecompute,
		},
		statusCmd,
		&cobra.Command{
			Use:   "decay",
			Short: "Re-derive windowed feedback counters from the event log and print them",
			Args:  cobra.NoArgs,
			RunE:  runDecay,
		},
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("calibrator failed", "error", err)
		os.Exit(1)
	}
}

// setupLogging configures slog with the specified log level. Records carry
// trace, request and batch ids from the context.
func setupLogging(w io.Writer, level string) {
	var logLevel slog.Level

	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: logLevel})
	slog.SetDefault(slog.New(observability.NewTraceContextHandler(handler)))
}

func runServe(cmd *cobra.Command, _ []string) error {
	if err := cfg.ValidateServe(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := NewApp(ctx, cfg)
	if err != nil {
		return err
	}

	runErr := app.Run(ctx)
	if runErr != nil {
		slog.Error("component failed, shutting down", "error", runErr)
	} else {
		slog.Info("Shutting down server...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := app.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}

	slog.Info("Server exited")

	return runErr
}

// withEngine builds an engine without metrics, runs fn and releases it. The
// processor is stopped first so the queue state is flushed.
func withEngine(cmd *cobra.Command, fn func(ctx context.Context, e *engine) error) error {
	ctx := cmd.Context()

	e, err := newEngine(ctx, cfg, appMetrics{})
	if err != nil {
		return err
	}

	defer e.close(context.WithoutCancel(ctx))

	runErr := fn(ctx, e)

	if err := e.processor.Stop(ctx); err != nil && runErr == nil {
		runErr = err
	}

	return runErr
}

func runRecompute(cmd *cobra.Command, args []string) error {
	return withEngine(cmd, func(ctx context.Context, e *engine) error {
		rec, err := e.processor.TriggerManual(ctx, args...)
		if err != nil {
			return err
		}

		if rec == nil {
			fmt.Fprintln(cmd.OutOrStdout(), "nothing to recompute")

			return nil
		}

		return printJSON(cmd.OutOrStdout(), rec)
	})
}

func runStatus(cmd *cobra.Command, _ []string) error {
	return withEngine(cmd, func(ctx context.Context, e *engine) error {
		svc := newCalibrationService(e, nil)

		if profileID == "" {
			status, err := svc.BatchStatus(ctx)
			if err != nil {
				return err
			}

			return printJSON(cmd.OutOrStdout(), status)
		}

		// Counters live in memory; rebuild them so the view matches a running server.
		e.decay.RunOnce(ctx)

		cal, err := svc.ProfileCalibration(ctx, models.ProfileType(profileType), profileID)
		if err != nil {
			return err
		}

		return printJSON(cmd.OutOrStdout(), cal)
	})
}

func runDecay(cmd *cobra.Command, _ []string) error {
	return withEngine(cmd, func(ctx context.Context, e *engine) error {
		e.decay.RunOnce(ctx)

		interests, err := e.profiles.ListInterests(ctx)
		if err != nil {
			return err
		}

		alerts, err := e.profiles.ListAlerts(ctx)
		if err != nil {
			return err
		}

		out := map[models.ProfileType]map[string]feedback.StatsSnapshot{
			models.ProfileTypeInterest: {},
			models.ProfileTypeAlert:    {},
		}

		for _, p := range interests {
			if snap, ok := e.interest.Stats(p.ID); ok {
				out[models.ProfileTypeInterest][p.ID] = snap
			}
		}

		for _, p := range alerts {
			if snap, ok := e.alert.Stats(p.ID); ok {
				out[models.ProfileTypeAlert][p.ID] = snap
			}
		}

		return printJSON(cmd.OutOrStdout(), out)
	})
}

// newCalibrationService builds the operator service. Without jobs manual
// recomputes run inline.
func newCalibrationService(e *engine, jobs service.JobInserter) *service.CalibrationService {
	return service.NewCalibrationService(service.CalibrationParams{
		Batch:         e.processor,
		History:       e.history,
		Profiles:      e.profiles,
		Pending:       e.history,
		InterestStats: e.interest,
		AlertStats:    e.alert,
		Tuner:         e.tuner,
		Jobs:          jobs,
		DriftCap:      tuner.DriftCap,
		Logger:        e.logger,
	})
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(v)
}
