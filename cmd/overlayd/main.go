package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/nrednav/cuid2"
	"github.com/riandyrn/otelchi"

	"github.com/modbridge/overlayd/cmd/overlayd/api"
	"github.com/modbridge/overlayd/cmd/overlayd/config"
	"github.com/modbridge/overlayd/internal/orchestrator"
	"github.com/modbridge/overlayd/lib/logger"
	mw "github.com/modbridge/overlayd/lib/middleware"
	"github.com/modbridge/overlayd/lib/otel"
	"github.com/modbridge/overlayd/lib/paths"
)

// application holds the components assembled by the wire injector.
type application struct {
	Ctx           context.Context
	Logger        *slog.Logger
	Config        *config.Config
	Paths         *paths.Paths
	Orchestrator  *orchestrator.Orchestrator
	StatusService *api.StatusService
}

func main() {
	if err := run(); err != nil {
		slog.Error("application terminated", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// Load config early for OTel initialization
	cfg := config.Load()

	// Initialize OpenTelemetry (before wire initialization)
	otelCfg := otel.Config{
		Enabled:           cfg.OtelEnabled,
		Endpoint:          cfg.OtelEndpoint,
		ServiceName:       cfg.OtelServiceName,
		ServiceInstanceID: cfg.OtelServiceInstanceID,
		Insecure:          cfg.OtelInsecure,
		Version:           cfg.Version,
		Env:               cfg.Env,
	}

	otelProvider, otelShutdown, err := otel.Init(context.Background(), otelCfg)
	if err != nil {
		// Log warning but don't fail - graceful degradation
		slog.Warn("failed to initialize OpenTelemetry, continuing without telemetry", "error", err)
	}
	if otelShutdown != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := otelShutdown(shutdownCtx); err != nil {
				slog.Warn("error shutting down OpenTelemetry", "error", err)
			}
		}()
	}

	// Set global OTel log handler for logger package
	if otelProvider != nil && otelProvider.LogHandler != nil {
		otel.SetGlobalLogHandler(otelProvider.LogHandler)
	}

	// Initialize app with wire
	app, cleanup, err := initializeApp()
	if err != nil {
		return fmt.Errorf("initialize application: %w", err)
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(app.Ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := app.Logger
	if cfg.OtelEnabled {
		log.Info("OpenTelemetry enabled", "endpoint", cfg.OtelEndpoint, "service", cfg.OtelServiceName)
	}

	// Mounting needs CAP_SYS_ADMIN; fail before touching the namespace
	if err := checkRoot(); err != nil {
		return err
	}

	if otelProvider != nil && otelProvider.Meter != nil {
		if m, err := orchestrator.NewMetrics(otelProvider.Meter); err == nil {
			app.Orchestrator.SetMetrics(m)
		}
	}

	runID := cuid2.Generate()
	runLog := log.With("run_id", runID)

	runCtx := logger.AddToContext(ctx, runLog)
	if app.Config.RunTimeout > 0 {
		// The deadline is attached to the run's context only: RunOnce does
		// not check it, so neither the run nor an in-flight blocking mount
		// syscall is interrupted, and nothing is logged when it passes.
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, time.Duration(app.Config.RunTimeout)*time.Second)
		defer cancel()
	}

	runLog.Info("starting assembly run",
		"module_root", app.Config.ModuleRoot,
		"extra_partitions", app.Config.ExtraParts)

	res, runErr := app.Orchestrator.RunOnce(runCtx, orchestrator.Config{
		ModuleRoot:       app.Config.ModuleRoot,
		LiveRoot:         app.Config.LiveRoot,
		ExtraParts:       app.Config.ExtraParts,
		TmpRoot:          app.Config.TmpRoot,
		MountSourceLabel: app.Config.MountSourceLabel,
	})
	app.StatusService.RecordRun(runID, res, runErr)

	if res != nil {
		runLog.Info("assembly run complete",
			"duration_ms", res.Duration.Milliseconds(),
			"modules_total", res.Stats.ModulesTotal,
			"nodes_total", res.Stats.NodesTotal,
			"nodes_mounted", res.Stats.NodesMounted,
			"nodes_skipped", res.Stats.NodesSkipped,
			"nodes_whiteout", res.Stats.NodesWhiteout,
			"nodes_fail", res.Stats.NodesFail,
			"failed_modules", res.FailedModules)
	}
	if runErr != nil {
		runLog.Error("assembly run failed", "error", runErr)
	}

	if app.Config.StatusAddr == "" {
		return runErr
	}

	// Serve the status surface until signalled. The engine itself never
	// depends on this running.
	srv := &http.Server{
		Addr:    app.Config.StatusAddr,
		Handler: newRouter(cfg, log, app.StatusService, otelProvider),
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("starting status endpoint", "addr", app.Config.StatusAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			log.Error("http server error", "error", err)
			return err
		}
	case <-ctx.Done():
		log.Info("shutdown signal received")

		// Use WithoutCancel to preserve context values while preventing cancellation
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("failed to shutdown http server", "error", err)
			return err
		}
		log.Info("http server shutdown complete")
	}

	return runErr
}

// newRouter builds the status-surface router.
func newRouter(cfg *config.Config, log *slog.Logger, status *api.StatusService, otelProvider *otel.Provider) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// OpenTelemetry tracing middleware FIRST (creates span context)
	if cfg.OtelEnabled {
		r.Use(otelchi.Middleware(cfg.OtelServiceName, otelchi.WithChiRoutes(r)))
	}

	// Inject logger into request context for handlers to use
	r.Use(mw.InjectLogger(log))

	// Access logger AFTER otelchi so trace context is available
	var accessLogHandler slog.Handler
	if otelProvider != nil {
		accessLogHandler = otelProvider.LogHandler
	}
	r.Use(mw.AccessLogger(mw.NewAccessLogger(accessLogHandler)))

	if otelProvider != nil && otelProvider.Meter != nil {
		if httpMetrics, err := mw.NewHTTPMetrics(otelProvider.Meter); err == nil {
			r.Use(httpMetrics.Middleware)
		}
	}

	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/status", status.GetStatus)
	r.Get("/health", status.GetHealth)
	return r
}

// checkRoot verifies the process has the privilege the mount syscalls need.
func checkRoot() error {
	if os.Geteuid() != 0 {
		return fmt.Errorf("must run as root to mount (euid %d)", os.Geteuid())
	}
	return nil
}
