package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func newTestLogger(buf *bytes.Buffer) Logger {
	handler := slog.NewJSONHandler(buf, nil)
	return New(slog.New(handler))
}

func TestInfoCtx_WithoutSpanOmitsCorrelationFields(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(&buf)
	l.InfoCtx(context.Background(), "fetched page", slog.String("url", "https://example.com"))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "fetched page", entry["msg"])
	assert.Equal(t, "https://example.com", entry["url"])
	_, hasTrace := entry["trace_id"]
	assert.False(t, hasTrace)
}

func TestInfoCtx_WithSpanIncludesCorrelationFields(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(&buf)

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	l.InfoCtx(ctx, "fetched page")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, traceID.String(), entry["trace_id"])
	assert.Equal(t, spanID.String(), entry["span_id"])
}

func TestErrorCtx_LogsAtErrorLevel(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(&buf)
	l.ErrorCtx(context.Background(), "fetch failed", slog.String("reason", "timeout"))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "ERROR", entry["level"])
	assert.Equal(t, "timeout", entry["reason"])
}

func TestWarnCtx_LogsAtWarnLevel(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(&buf)
	l.WarnCtx(context.Background(), "low confidence block signal")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "WARN", entry["level"])
}

func TestNew_DefaultsToSlogDefaultWhenNilBase(t *testing.T) {
	l := New(nil)
	assert.NotNil(t, l)
}

func TestPipelineFields_IncludesURLReasonAndAttempts(t *testing.T) {
	fields := PipelineFields("https://example.com", "high_confidence_impersonating", 2)
	require.Len(t, fields, 3)
	assert.Equal(t, "url=https://example.com", fields[0].(slog.Attr).String())
	assert.Equal(t, "outcome_reason=high_confidence_impersonating", fields[1].(slog.Attr).String())
	assert.Equal(t, "attempts=2", fields[2].(slog.Attr).String())
}
