// Package telemetry wires OpenTelemetry for reflowline.
//
// Telemetry is off unless telemetry.enabled is set in reflowline.yml (or
// REFLOWLINE_OTEL_ENABLED=true). When off, no-op providers are installed.
//
//	telemetry.stdout         pretty-print spans and metrics to stdout
//	telemetry.otlp_endpoint  push metrics over OTLP/HTTP (host:port)
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"reflowline/internal/config"
	"reflowline/internal/domain"
)

const scope = "reflowline"

// Shutdown flushes and stops the installed providers.
type Shutdown func(context.Context) error

// Init installs global providers per cfg and returns their shutdown.
func Init(ctx context.Context, cfg config.TelemetryConfig, version string) (Shutdown, error) {
	if !cfg.Enabled && os.Getenv("REFLOWLINE_OTEL_ENABLED") != "true" {
		otel.SetTracerProvider(tracenoop.NewTracerProvider())
		otel.SetMeterProvider(metricnoop.NewMeterProvider())
		return func(context.Context) error { return nil }, nil
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String("reflowline"),
			semconv.ServiceVersionKey.String(version),
		),
		resource.WithHost(),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: resource: %w", err)
	}

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	}
	if cfg.Stdout {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("telemetry: stdout trace exporter: %w", err)
		}
		tpOpts = append(tpOpts, sdktrace.WithBatcher(exp))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)

	mpOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if cfg.Stdout {
		exp, err := stdoutmetric.New()
		if err != nil {
			return nil, fmt.Errorf("telemetry: stdout metric exporter: %w", err)
		}
		mpOpts = append(mpOpts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(15*time.Second))))
	}
	if cfg.OTLPEndpoint != "" {
		exp, err := otlpmetrichttp.New(ctx,
			otlpmetrichttp.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetrichttp.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("telemetry: otlp metric exporter: %w", err)
		}
		mpOpts = append(mpOpts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(30*time.Second))))
	}
	mp := sdkmetric.NewMeterProvider(mpOpts...)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}

// Metrics records reflow outcomes.
type Metrics struct {
	runs        metric.Int64Counter
	collisions  metric.Int64Counter
	applied     metric.Int64Counter
	transitions metric.Int64Counter
}

// NewMetrics creates instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(scope)
	var m Metrics
	var err error
	if m.runs, err = meter.Int64Counter("reflowline.reflow.runs", metric.WithDescription("Reflow runs computed")); err != nil {
		return nil, err
	}
	if m.collisions, err = meter.Int64Counter("reflowline.reflow.collisions", metric.WithDescription("Collisions detected by kind")); err != nil {
		return nil, err
	}
	if m.applied, err = meter.Int64Counter("reflowline.reflow.changes_applied", metric.WithDescription("Plan fields written by apply")); err != nil {
		return nil, err
	}
	if m.transitions, err = meter.Int64Counter("reflowline.lifecycle.transitions", metric.WithDescription("Lifecycle transition attempts")); err != nil {
		return nil, err
	}
	return &m, nil
}

// RecordRun counts a run and its collisions. Nil receivers are no-ops.
func (m *Metrics) RecordRun(ctx context.Context, run domain.ReflowRun) {
	if m == nil {
		return
	}
	m.runs.Add(ctx, 1, metric.WithAttributes(attribute.String("mode", string(run.Mode))))
	for _, c := range run.Collisions {
		m.collisions.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(c.Kind))))
	}
	if run.Mode == domain.RunApply {
		m.applied.Add(ctx, int64(len(run.AppliedChanges)))
	}
}

func (m *Metrics) RecordTransition(ctx context.Context, to domain.ActivityState, success bool) {
	if m == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("to_state", string(to)),
		attribute.Bool("success", success),
	))
}
