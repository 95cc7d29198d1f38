// Package telemetry installs the tracer provider used by the engine adapter.
package telemetry

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// SlowSpanThreshold is the duration above which successful spans are logged
// at info instead of debug.
const SlowSpanThreshold = 2 * time.Second

// NewProvider returns an SDK tracer provider whose finished spans are written
// to logger. Callers should Shutdown the provider on exit.
func NewProvider(logger *slog.Logger) *sdktrace.TracerProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(&logProcessor{logger: logger.With("component", "trace")}),
	)
}

// Install registers provider as the global tracer provider and returns a
// shutdown func.
func Install(provider *sdktrace.TracerProvider) func(context.Context) error {
	otel.SetTracerProvider(provider)
	return provider.Shutdown
}

type logProcessor struct {
	logger *slog.Logger
}

func (p *logProcessor) OnStart(context.Context, sdktrace.ReadWriteSpan) {}

func (p *logProcessor) OnEnd(span sdktrace.ReadOnlySpan) {
	duration := span.EndTime().Sub(span.StartTime())
	fields := []any{
		"span", span.Name(),
		"trace_id", span.SpanContext().TraceID().String(),
		"duration_ms", duration.Milliseconds(),
	}
	fields = append(fields, attrFields(span.Attributes())...)

	status := span.Status()
	switch {
	case status.Code == codes.Error:
		fields = append(fields, "error", status.Description)
		p.logger.Warn("span failed", fields...)
	case duration >= SlowSpanThreshold:
		p.logger.Info("slow span", fields...)
	default:
		p.logger.Debug("span finished", fields...)
	}
}

func (p *logProcessor) Shutdown(context.Context) error   { return nil }
func (p *logProcessor) ForceFlush(context.Context) error { return nil }

func attrFields(attrs []attribute.KeyValue) []any {
	out := make([]any, 0, len(attrs)*2)
	for _, kv := range attrs {
		out = append(out, string(kv.Key), kv.Value.Emit())
	}
	return out
}
