package monitor

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const tracerName = "judge-sandbox"

// Tracer wraps OpenTelemetry tracing for the execution pipeline.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a new Tracer using the global TracerProvider.
// Without a configured provider every span is a no-op.
func NewTracer() *Tracer {
	return &Tracer{
		tracer: otel.Tracer(tracerName),
	}
}

// StartSpan creates a new span named sandbox.<stage> and returns the updated context.
func (t *Tracer) StartSpan(ctx context.Context, stage string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if t == nil {
		return noop.NewTracerProvider().Tracer(tracerName).Start(ctx, stage)
	}
	return t.tracer.Start(ctx, fmt.Sprintf("sandbox.%s", stage),
		trace.WithAttributes(attrs...),
	)
}

// EndSpan records err (if any) on span and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Common attribute keys for sandbox tracing.
var (
	AttrExecID    = attribute.Key("sandbox.execution.id")
	AttrLanguage  = attribute.Key("sandbox.language")
	AttrCodeHash  = attribute.Key("sandbox.code_hash")
	AttrExitCode  = attribute.Key("sandbox.exit_code")
	AttrErrorKind = attribute.Key("sandbox.error_kind")
	AttrBackend   = attribute.Key("sandbox.backend")
)
