package providers

import (
	"context"
	"log/slog"
	"os"

	"github.com/modbridge/overlayd/cmd/overlayd/config"
	"github.com/modbridge/overlayd/internal/mountsys"
	"github.com/modbridge/overlayd/internal/notify"
	"github.com/modbridge/overlayd/internal/orchestrator"
	"github.com/modbridge/overlayd/lib/logger"
	"github.com/modbridge/overlayd/lib/otel"
	"github.com/modbridge/overlayd/lib/paths"
)

// ProvideConfig provides the application configuration
func ProvideConfig() (*config.Config, error) {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ProvidePaths provides the paths abstraction
func ProvidePaths(cfg *config.Config) *paths.Paths {
	return paths.New(cfg.ModuleRoot)
}

// ProvideLogger provides a structured logger. Records carrying a module
// attribute are additionally teed to that module's own overlayd.log, so a
// module author can see exactly what happened to their contribution.
func ProvideLogger(cfg *config.Config, p *paths.Paths) *slog.Logger {
	logCfg := logger.NewConfig()

	var base slog.Handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logCfg.DefaultLevel,
	})
	if otelHandler := otel.GetGlobalLogHandler(); otelHandler != nil {
		base = logger.NewSubsystemLogger(logger.SubsystemOrchestrator, logCfg, otelHandler).Handler()
	}

	return slog.New(logger.NewModuleLogHandler(base, p.ModuleLog))
}

// ProvideContext provides a context with logger attached
func ProvideContext(log *slog.Logger) context.Context {
	return logger.AddToContext(context.Background(), log)
}

// ProvideMounter provides the production mount syscall capability
func ProvideMounter() mountsys.Mounter {
	return mountsys.New()
}

// ProvideNotifier provides the production kernel-module notifier
func ProvideNotifier() notify.Notifier {
	return notify.New()
}

// ProvideOrchestrator provides the assembly-pass orchestrator
func ProvideOrchestrator(m mountsys.Mounter, n notify.Notifier, log *slog.Logger) *orchestrator.Orchestrator {
	return orchestrator.New(m, n, log)
}
