package otel

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// Metrics holds all devpipe metric instruments.
type Metrics struct {
	RunDuration          metric.Float64Histogram
	StageDuration        metric.Float64Histogram
	RunOutcomes          metric.Int64Counter
	ActiveRuns           metric.Int64UpDownCounter
	StageFailures        metric.Int64Counter
	PermissionDecisions  metric.Int64Counter
	SecurityAlerts       metric.Int64Counter
	RecoveryDirectives   metric.Int64Counter
	FallbacksSynthesized metric.Int64Counter
	TokensIssued         metric.Int64Counter
	TokenValidations     metric.Int64Counter
	KnowledgeWrites      metric.Int64Counter
}

// Instruments bundles a tracer with the metric set so components take one handle.
type Instruments struct {
	Tracer  trace.Tracer
	Metrics *Metrics
}

// NoopInstruments returns instruments that record nothing.
func NoopInstruments() *Instruments {
	m, _ := NewMetrics(noop.NewMeterProvider().Meter(MeterName))
	return &Instruments{
		Tracer:  nooptrace.NewTracerProvider().Tracer(TracerName),
		Metrics: m,
	}
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RunDuration, err = meter.Float64Histogram("devpipe.run.duration",
		metric.WithDescription("Pipeline run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.StageDuration, err = meter.Float64Histogram("devpipe.stage.duration",
		metric.WithDescription("Stage executor call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.RunOutcomes, err = meter.Int64Counter("devpipe.run.outcomes",
		metric.WithDescription("Finished runs by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveRuns, err = meter.Int64UpDownCounter("devpipe.run.active",
		metric.WithDescription("Number of runs currently executing"),
	)
	if err != nil {
		return nil, err
	}

	m.StageFailures, err = meter.Int64Counter("devpipe.stage.failures",
		metric.WithDescription("Stage failures by classified failure type"),
	)
	if err != nil {
		return nil, err
	}

	m.PermissionDecisions, err = meter.Int64Counter("devpipe.guardrail.decisions",
		metric.WithDescription("Permission decisions by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.SecurityAlerts, err = meter.Int64Counter("devpipe.guardrail.alerts",
		metric.WithDescription("Denials of critical operations"),
	)
	if err != nil {
		return nil, err
	}

	m.RecoveryDirectives, err = meter.Int64Counter("devpipe.recovery.directives",
		metric.WithDescription("Recovery directives planned by failure type"),
	)
	if err != nil {
		return nil, err
	}

	m.FallbacksSynthesized, err = meter.Int64Counter("devpipe.fallback.synthesized",
		metric.WithDescription("Placeholder stage outputs produced"),
	)
	if err != nil {
		return nil, err
	}

	m.TokensIssued, err = meter.Int64Counter("devpipe.capability.issued",
		metric.WithDescription("Capability tokens issued"),
	)
	if err != nil {
		return nil, err
	}

	m.TokenValidations, err = meter.Int64Counter("devpipe.capability.validations",
		metric.WithDescription("Capability token validations by result"),
	)
	if err != nil {
		return nil, err
	}

	m.KnowledgeWrites, err = meter.Int64Counter("devpipe.knowledge.writes",
		metric.WithDescription("Versioned knowledge entries written"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
