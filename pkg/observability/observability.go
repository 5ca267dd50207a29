// Package observability wires structured logging and tracing for the I/O
// edges. The deterministic core stays silent; stores, the leader gate, the
// executor, and the CLI log through handlers built here.
package observability

import (
	"context"
	"io"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// NewLogger builds the process logger at the configured level.
func NewLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN", "WARNING":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// SetupTracing installs a tracer provider and returns its shutdown hook.
// Exporters are the embedder's concern; without one, spans stay in-process
// and cost almost nothing.
func SetupTracing(opts ...sdktrace.TracerProviderOption) func(context.Context) error {
	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	return tp.Shutdown
}
