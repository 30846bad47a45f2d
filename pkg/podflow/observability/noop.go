package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// NoopMetrics is a MetricsRecorder that does nothing.
// Use when metrics are disabled to avoid overhead.
type NoopMetrics struct{}

// Compile-time interface check.
var _ MetricsRecorder = NoopMetrics{}

// RecordExecution does nothing.
func (NoopMetrics) RecordExecution(_ context.Context, _ string, _ time.Duration, _ error) {}

// RecordTokens does nothing.
func (NoopMetrics) RecordTokens(_ context.Context, _, _ string, _, _ int) {}

// RecordCost does nothing.
func (NoopMetrics) RecordCost(_ context.Context, _ string, _ float64) {}

// RecordCircuitOpen does nothing.
func (NoopMetrics) RecordCircuitOpen(_ context.Context, _ string) {}

// NoopSpanManager is a SpanManager that does nothing.
// Use when tracing is disabled to avoid overhead.
type NoopSpanManager struct{}

// Compile-time interface check.
var _ SpanManager = NoopSpanManager{}

var noopSpan = noop.Span{}

// StartExecutionSpan returns the context unchanged and a no-op span.
func (NoopSpanManager) StartExecutionSpan(ctx context.Context, _, _ string) (context.Context, trace.Span) {
	return ctx, noopSpan
}

// StartProviderSpan returns the context unchanged and a no-op span.
func (NoopSpanManager) StartProviderSpan(ctx context.Context, _, _ string) (context.Context, trace.Span) {
	return ctx, noopSpan
}

// EndSpanWithError does nothing.
func (NoopSpanManager) EndSpanWithError(_ trace.Span, _ error) {}

// AddSpanEvent does nothing.
func (NoopSpanManager) AddSpanEvent(_ context.Context, _ string, _ ...attribute.KeyValue) {}
