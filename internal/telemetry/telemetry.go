// Package telemetry defines the OpenTelemetry instruments of the evolution
// loop and the meter provider installed by the CLI.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const meterName = "github.com/cwbudde/lsto"

// Metric exporters understood by Setup.
const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
)

// Metrics groups the instruments recorded once per iteration.
type Metrics struct {
	iterations   metric.Int64Counter
	objective    metric.Float64Histogram
	areaFraction metric.Float64Histogram
	points       metric.Int64Histogram
	duration     metric.Float64Histogram
	subOptim     metric.Float64Histogram
	checkpoints  metric.Int64Counter
}

// Iteration is the data recorded for one completed iteration.
type Iteration struct {
	Objective    float64
	AreaFraction float64
	Points       int
	Duration     time.Duration
	SubOptim     time.Duration
	Algorithm    string
}

// NewMetrics creates the instruments on the given provider. A nil provider
// uses the global one, which is a no-op unless Setup installed an exporter.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(meterName)

	var (
		m   Metrics
		err error
	)
	if m.iterations, err = meter.Int64Counter("lsto_iterations_total",
		metric.WithDescription("Completed evolution iterations")); err != nil {
		return nil, err
	}
	if m.objective, err = meter.Float64Histogram("lsto_objective",
		metric.WithDescription("Objective value per iteration")); err != nil {
		return nil, err
	}
	if m.areaFraction, err = meter.Float64Histogram("lsto_area_fraction",
		metric.WithDescription("Solid volume fraction per iteration")); err != nil {
		return nil, err
	}
	if m.points, err = meter.Int64Histogram("lsto_boundary_points",
		metric.WithDescription("Boundary points per iteration")); err != nil {
		return nil, err
	}
	if m.duration, err = meter.Float64Histogram("lsto_iteration_duration_seconds",
		metric.WithDescription("Wall time of one iteration"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.subOptim, err = meter.Float64Histogram("lsto_suboptim_duration_seconds",
		metric.WithDescription("Wall time of the velocity sub-optimization"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.checkpoints, err = meter.Int64Counter("lsto_checkpoints_total",
		metric.WithDescription("Records written to the checkpoint sink")); err != nil {
		return nil, err
	}
	return &m, nil
}

// RecordIteration records one iteration. A nil receiver records nothing.
func (m *Metrics) RecordIteration(ctx context.Context, it Iteration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("algorithm", it.Algorithm))

	m.iterations.Add(ctx, 1, attrs)
	m.objective.Record(ctx, it.Objective)
	m.areaFraction.Record(ctx, it.AreaFraction)
	m.points.Record(ctx, int64(it.Points))
	m.duration.Record(ctx, it.Duration.Seconds())
	m.subOptim.Record(ctx, it.SubOptim.Seconds(), attrs)
}

// RecordCheckpoint counts a stored record.
func (m *Metrics) RecordCheckpoint(ctx context.Context, key string) {
	if m == nil {
		return
	}
	kind := "iteration"
	if key == "constants" {
		kind = "constants"
	}
	m.checkpoints.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// Setup installs a global meter provider for the named exporter and returns
// its shutdown function. ExporterNone leaves the no-op provider in place.
func Setup(exporter string, interval time.Duration) (func(context.Context) error, error) {
	switch exporter {
	case "", ExporterNone:
		return func(context.Context) error { return nil }, nil

	case ExporterStdout:
		exp, err := stdoutmetric.New(stdoutmetric.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout metric exporter: %w", err)
		}
		if interval <= 0 {
			interval = time.Minute
		}
		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(interval))),
		)
		otel.SetMeterProvider(mp)
		return mp.Shutdown, nil

	default:
		return nil, fmt.Errorf("unknown metric exporter %q", exporter)
	}
}
