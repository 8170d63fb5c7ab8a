package orchestrator

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/modbridge/overlayd/internal/tree"
)

// Metrics holds the metrics instruments for assembly runs. They duplicate
// the in-memory Stats a run always produces; with telemetry disabled the
// CLI still sets them, built from the global no-op meter, so they record
// nothing.
type Metrics struct {
	runsTotal     metric.Int64Counter
	runDuration   metric.Float64Histogram
	nodesMounted  metric.Int64Counter
	nodesSkipped  metric.Int64Counter
	nodesWhiteout metric.Int64Counter
	nodesFail     metric.Int64Counter
}

// NewMetrics creates and registers all assembly-run metrics.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	runsTotal, err := meter.Int64Counter(
		"overlayd_runs_total",
		metric.WithDescription("Total number of assembly runs"),
	)
	if err != nil {
		return nil, err
	}

	runDuration, err := meter.Float64Histogram(
		"overlayd_run_duration_seconds",
		metric.WithDescription("Time to complete one assembly run"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	nodesMounted, err := meter.Int64Counter(
		"overlayd_nodes_mounted_total",
		metric.WithDescription("Nodes successfully bind-mounted or grafted"),
	)
	if err != nil {
		return nil, err
	}

	nodesSkipped, err := meter.Int64Counter(
		"overlayd_nodes_skipped_total",
		metric.WithDescription("Nodes skipped because no mount strategy could satisfy them"),
	)
	if err != nil {
		return nil, err
	}

	nodesWhiteout, err := meter.Int64Counter(
		"overlayd_nodes_whiteout_total",
		metric.WithDescription("Whiteout nodes processed"),
	)
	if err != nil {
		return nil, err
	}

	nodesFail, err := meter.Int64Counter(
		"overlayd_nodes_fail_total",
		metric.WithDescription("Nodes that failed to mount"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		runsTotal:     runsTotal,
		runDuration:   runDuration,
		nodesMounted:  nodesMounted,
		nodesSkipped:  nodesSkipped,
		nodesWhiteout: nodesWhiteout,
		nodesFail:     nodesFail,
	}, nil
}

// SetMetrics attaches metrics instruments to the orchestrator. While the
// metrics field is nil (SetMetrics never called), runs record no metrics.
func (o *Orchestrator) SetMetrics(m *Metrics) {
	o.metrics = m
}

// recordRun records one completed run's stats against the instruments.
func (m *Metrics) recordRun(ctx context.Context, stats *tree.Stats, duration time.Duration, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	attrs := metric.WithAttributes(attribute.String("status", status))

	m.runsTotal.Add(ctx, 1, attrs)
	m.runDuration.Record(ctx, duration.Seconds(), attrs)
	m.nodesMounted.Add(ctx, int64(stats.NodesMounted))
	m.nodesSkipped.Add(ctx, int64(stats.NodesSkipped))
	m.nodesWhiteout.Add(ctx, int64(stats.NodesWhiteout))
	m.nodesFail.Add(ctx, int64(stats.NodesFail))
}
