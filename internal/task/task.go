// Package task carries the tracing instrumentation for one supervised
// task run: a root span per run, a child span per iteration, events for
// the state transitions in between.
package task

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/throw-if-null/covalent/internal/api"
)

const tracerName = "krypton"

// StartRun opens the root span for a task run.
func StartRun(ctx context.Context, t *api.Task) (context.Context, trace.Span) {
	tr := otel.Tracer(tracerName)
	ctx, span := tr.Start(
		ctx,
		"krypton.task",
		trace.WithNewRoot(),
		trace.WithAttributes(
			attribute.String("task.id", t.TaskID),
			attribute.Int("task.retry_count", t.RetryCount),
		),
	)
	span.AddEvent("task.started")
	return ctx, span
}

// EndRun closes the run span with the task's final status.
func EndRun(span trace.Span, status api.TaskStatus, err error) {
	span.SetAttributes(attribute.String("task.status", string(status)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// StartIteration opens the span for one prompt/response exchange.
func StartIteration(ctx context.Context, taskID, sessionID string, n int) (context.Context, trace.Span) {
	tr := otel.Tracer(tracerName)
	return tr.Start(ctx, "krypton.iteration", trace.WithAttributes(
		attribute.String("task.id", taskID),
		attribute.String("session.id", sessionID),
		attribute.Int("iteration.n", n),
	))
}

// EndIteration annotates the span with the exchange's outcome and token
// usage before closing it.
func EndIteration(span trace.Span, it *api.Iteration, err error) {
	if it != nil {
		span.SetAttributes(
			attribute.String("iteration.outcome", string(it.OutcomeKind)),
			attribute.Int("iteration.turns", it.TurnsUsed),
			attribute.Int("tokens.input", it.Usage.Input),
			attribute.Int("tokens.cache_write", it.Usage.CacheWrite),
			attribute.Int("tokens.cache_read", it.Usage.CacheRead),
			attribute.Int("tokens.output", it.Usage.Output),
		)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Decided records the chosen transition as a span event on the run span.
func Decided(span trace.Span, outcome api.DecisionOutcome, confidence int, usageRatio float64) {
	span.AddEvent("decision", trace.WithAttributes(
		attribute.String("decision.outcome", string(outcome)),
		attribute.Int("decision.confidence", confidence),
		attribute.Float64("decision.usage_ratio", usageRatio),
	))
}
