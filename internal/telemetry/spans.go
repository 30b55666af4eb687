package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "covalentd"

// StartTaskSpan opens the root span for one task run. The caller ends it
// when the task reaches a terminal phase or its run stops.
func StartTaskSpan(ctx context.Context, taskID string, ph string) (context.Context, trace.Span) {
	tr := otel.Tracer(tracerName)
	return tr.Start(
		ctx,
		"task.run",
		trace.WithNewRoot(),
		trace.WithAttributes(
			attribute.String("task.id", taskID),
			attribute.String("task.phase", ph),
		),
	)
}

// StartPhaseSpan opens a child span covering a single phase invocation.
func StartPhaseSpan(ctx context.Context, taskID string, ph string, iteration int) (context.Context, trace.Span) {
	tr := otel.Tracer(tracerName)
	return tr.Start(
		ctx,
		"task.phase",
		trace.WithAttributes(
			attribute.String("task.id", taskID),
			attribute.String("task.phase", ph),
			attribute.Int("task.iteration", iteration),
		),
	)
}

// FailSpan records err on span and marks it failed.
func FailSpan(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
