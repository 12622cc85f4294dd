// Package telemetry builds the structured logger every crateminer command
// logs through, adapted from the teacher's pkg/observability.TracingHandler:
// an slog.Handler that injects OpenTelemetry trace/span IDs and static
// service attributes into every record.
package telemetry

import (
	"context"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel/trace"
)

const (
	attrTraceID = "trace_id"
	attrSpanID  = "span_id"
	attrService = "service"
	attrMode    = "mode"
)

// Mode identifies which crateminer command produced a log line.
type Mode string

const (
	ModeRun     Mode = "run"
	ModeChanges Mode = "changes"
	ModeDump    Mode = "dump"
	ModeReport  Mode = "report"
)

// TracingHandler wraps an slog.Handler, injecting trace context and service
// metadata into every record it handles.
type TracingHandler struct {
	inner slog.Handler
}

// NewTracingHandler builds a TracingHandler wrapping inner, pre-attaching
// service and mode attributes so they survive subsequent WithGroup calls.
func NewTracingHandler(inner slog.Handler, mode Mode) *TracingHandler {
	return &TracingHandler{
		inner: inner.WithAttrs([]slog.Attr{
			slog.String(attrService, "crateminer"),
			slog.String(attrMode, string(mode)),
		}),
	}
}

// Enabled delegates to the inner handler.
func (h *TracingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle adds trace context attributes from ctx's span, then delegates.
func (h *TracingHandler) Handle(ctx context.Context, record slog.Record) error {
	sc := trace.SpanContextFromContext(ctx)
	if sc.IsValid() {
		record.AddAttrs(
			slog.String(attrTraceID, sc.TraceID().String()),
			slog.String(attrSpanID, sc.SpanID().String()),
		)
	}

	return h.inner.Handle(ctx, record)
}

// WithAttrs implements slog.Handler.
func (h *TracingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &TracingHandler{inner: h.inner.WithAttrs(attrs)}
}

// WithGroup implements slog.Handler.
func (h *TracingHandler) WithGroup(name string) slog.Handler {
	return &TracingHandler{inner: h.inner.WithGroup(name)}
}

// New builds the default logger for mode: JSON to stderr at level, wrapped
// in a TracingHandler.
func New(mode Mode, level slog.Level) *slog.Logger {
	base := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})

	return slog.New(NewTracingHandler(base, mode))
}

// ParseLevel maps a config string ("debug", "info", "warn", "error") to an
// slog.Level, defaulting to Info for anything else.
func ParseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
