// Package orchestrator sets up the top-level scaffold tmpfs, drives the
// collector and mount executor through one assembly pass, and tears down
// the scaffold regardless of outcome.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/modbridge/overlayd/internal/collector"
	"github.com/modbridge/overlayd/internal/mountexec"
	"github.com/modbridge/overlayd/internal/mountsys"
	"github.com/modbridge/overlayd/internal/notify"
	"github.com/modbridge/overlayd/internal/pathutil"
	"github.com/modbridge/overlayd/internal/tree"
	"github.com/modbridge/overlayd/lib/paths"
)

// Config is the resolved, already-loaded configuration the engine
// consumes. Everything upstream of this (env vars, YAML, flags) is the
// CLI's concern.
type Config struct {
	// ModuleRoot is the directory containing one subdirectory per module.
	ModuleRoot string
	// LiveRoot is the filesystem root the assembled view is grafted onto:
	// "/" in production. Tests point it at a t.TempDir() tree so the
	// engine never needs real root privilege to be unit tested.
	LiveRoot string
	// ExtraParts are additional top-level partition names to promote out
	// of /system, beyond the built-in vendor/system_ext/product/odm set.
	ExtraParts []string
	// TmpRoot is the parent directory under which the scaffold tmpfs is
	// created and torn down; selecting it is the caller's responsibility.
	TmpRoot string
	// MountSourceLabel is the source string passed to the tmpfs mount
	// call, purely cosmetic (shows up in /proc/mounts).
	MountSourceLabel string
}

// Result is what the orchestrator hands back to its caller: the run's
// accounting and how long it took.
type Result struct {
	Stats          *tree.Stats
	FailedModules  []string
	ExtraParts     []string
	Duration       time.Duration
	ModulesPresent bool
}

// Orchestrator drives one assembly pass end to end.
type Orchestrator struct {
	Mounter  mountsys.Mounter
	Notifier notify.Notifier
	Executor *mountexec.Executor
	Log      *slog.Logger
	Tracer   trace.Tracer

	metrics *Metrics
}

// New returns an Orchestrator wired to the given capabilities.
func New(mounter mountsys.Mounter, notifier notify.Notifier, log *slog.Logger) *Orchestrator {
	return &Orchestrator{
		Mounter:  mounter,
		Notifier: notifier,
		Executor: mountexec.New(mounter, notifier, log),
		Log:      log,
		Tracer:   otel.Tracer("github.com/modbridge/overlayd/internal/orchestrator"),
	}
}

// RunOnce performs a single collect-and-mount pass: create the scaffold
// tmpfs, collect modules into a unified tree, run the mount executor
// against it, then unconditionally tear the scaffold down.
func (o *Orchestrator) RunOnce(ctx context.Context, cfg Config) (*Result, error) {
	ctx, span := o.Tracer.Start(ctx, "RunOnce")
	defer span.End()

	// The workdir path must contain the scaffold marker internal/notify
	// filters on, so kernel-module notification stays suppressed for
	// in-progress work paths.
	start := time.Now()
	scaffoldRoot := paths.ScaffoldRoot(cfg.TmpRoot)
	workdir := paths.ScaffoldWorkdir(cfg.TmpRoot)

	if err := pathutil.MkdirAll(workdir, 0o755); err != nil {
		return nil, fmt.Errorf("create scaffold workdir: %w", err)
	}
	defer func() {
		if err := o.Mounter.LazyUnmount(workdir); err != nil {
			o.Log.Warn("lazy unmount of scaffold failed", "path", workdir, "error", err)
		}
		if err := os.RemoveAll(scaffoldRoot); err != nil {
			o.Log.Warn("failed to remove scaffold directory", "path", scaffoldRoot, "error", err)
		}
	}()

	if err := o.Mounter.MountTmpfs(cfg.MountSourceLabel, workdir); err != nil {
		return nil, fmt.Errorf("mount scaffold tmpfs: %w", err)
	}
	if err := o.Mounter.MakePrivate(workdir); err != nil {
		o.Log.Warn("mark scaffold private failed", "path", workdir, "error", err)
	}

	if err := o.Notifier.Acquire(); err != nil {
		o.Log.Warn("failed to acquire kernel notifier handle, continuing without notification", "error", err)
	}

	runCtx := tree.NewContext(cfg.ExtraParts)

	_, collectSpan := o.Tracer.Start(ctx, "Collect")
	root, err := collector.Collect(runCtx, o.Log, cfg.ModuleRoot, cfg.LiveRoot)
	collectSpan.End()
	if err != nil {
		return nil, fmt.Errorf("collect modules: %w", err)
	}

	result := &Result{
		Stats:          runCtx.Stats,
		ExtraParts:     cfg.ExtraParts,
		ModulesPresent: root != nil,
	}

	if root == nil {
		o.Log.Info("no modules to mount")
		result.Duration = time.Since(start)
		o.metrics.recordRun(ctx, runCtx.Stats, result.Duration, nil)
		return result, nil
	}

	_, execSpan := o.Tracer.Start(ctx, "DoMagic")
	execErr := o.Executor.DoMagic(runCtx, cfg.LiveRoot, workdir, root, false)
	execSpan.SetAttributes(
		attribute.Int("nodes_mounted", runCtx.Stats.NodesMounted),
		attribute.Int("nodes_fail", runCtx.Stats.NodesFail),
	)
	execSpan.End()

	// Read after the executor returns: RegisterFailure appends, so a
	// snapshot taken at construction time would stay empty.
	result.FailedModules = runCtx.FailedModules()
	result.Duration = time.Since(start)
	o.metrics.recordRun(ctx, runCtx.Stats, result.Duration, execErr)
	if execErr != nil {
		return result, fmt.Errorf("mount executor failed: %w", execErr)
	}
	return result, nil
}
