// Package adapter provides adapters for rawmig integration with external systems.
package adapter

import (
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// InstrumentationName names the tracer and meter used by rawmig.
const InstrumentationName = "github.com/srediag/rawmig"

// Telemetry carries the OpenTelemetry tracer and meter used for migration
// spans and instruments.
type Telemetry struct {
	Tracer trace.Tracer
	Meter  metric.Meter
}

// NoopTelemetry returns a Telemetry that records nothing.
func NoopTelemetry() Telemetry {
	return Telemetry{
		Tracer: tracenoop.NewTracerProvider().Tracer(InstrumentationName),
		Meter:  metricnoop.NewMeterProvider().Meter(InstrumentationName),
	}
}

// FromProviders builds a Telemetry from SDK providers.
func FromProviders(tp trace.TracerProvider, mp metric.MeterProvider) Telemetry {
	t := NoopTelemetry()
	if tp != nil {
		t.Tracer = tp.Tracer(InstrumentationName)
	}
	if mp != nil {
		t.Meter = mp.Meter(InstrumentationName)
	}
	return t
}

// WithDefaults returns t with nil members replaced by no-op ones.
func (t Telemetry) WithDefaults() Telemetry {
	noop := NoopTelemetry()
	if t.Tracer == nil {
		t.Tracer = noop.Tracer
	}
	if t.Meter == nil {
		t.Meter = noop.Meter
	}
	return t
}
