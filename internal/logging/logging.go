// Package logging wraps log/slog with OpenTelemetry trace/span correlation,
// grounded on engine/telemetry/logging/logging.go's correlatedLogger
// wrapper. The teacher extracts IDs from its own hand-rolled internal
// tracer (engine/internal/telemetry/tracing); this module instead pulls
// them from go.opentelemetry.io/otel/trace's real SpanContext, since the
// otel SDK is already wired in for metrics and a second, bespoke tracer
// would duplicate it for no benefit.
package logging

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/trace"
)

// Logger is the pipeline's structured-logging surface: every call site
// passes a context so the active trace/span correlate automatically.
type Logger interface {
	InfoCtx(ctx context.Context, msg string, attrs ...any)
	WarnCtx(ctx context.Context, msg string, attrs ...any)
	ErrorCtx(ctx context.Context, msg string, attrs ...any)
}

type correlatedLogger struct{ base *slog.Logger }

// New returns a Logger wrapping base (slog.Default() if nil).
func New(base *slog.Logger) Logger {
	if base == nil {
		base = slog.Default()
	}
	return &correlatedLogger{base: base}
}

func (l *correlatedLogger) InfoCtx(ctx context.Context, msg string, attrs ...any) {
	l.base.InfoContext(ctx, msg, withCorrelation(ctx, attrs)...)
}

func (l *correlatedLogger) WarnCtx(ctx context.Context, msg string, attrs ...any) {
	l.base.WarnContext(ctx, msg, withCorrelation(ctx, attrs)...)
}

func (l *correlatedLogger) ErrorCtx(ctx context.Context, msg string, attrs ...any) {
	l.base.ErrorContext(ctx, msg, withCorrelation(ctx, attrs)...)
}

func withCorrelation(ctx context.Context, attrs []any) []any {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return attrs
	}
	return append(attrs, slog.String("trace_id", sc.TraceID().String()), slog.String("span_id", sc.SpanID().String()))
}

// PipelineFields builds the attrs every pipeline stage log line carries:
// the URL being processed, the outcome reason once known, and the attempt
// count, per spec.md §7's error taxonomy.
func PipelineFields(url string, outcomeReason string, attempts int) []any {
	return []any{
		slog.String("url", url),
		slog.String("outcome_reason", outcomeReason),
		slog.Int("attempts", attempts),
	}
}
