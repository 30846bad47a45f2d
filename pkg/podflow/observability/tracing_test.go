package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// setupTracingTest installs a tracer provider backed by an in-memory span
// recorder and rebinds the package tracer to it.
func setupTracingTest(t *testing.T) (*tracetest.InMemoryExporter, func()) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
	)

	originalProvider := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	tracer = otel.Tracer("podflow")

	cleanup := func() {
		otel.SetTracerProvider(originalProvider)
		tracer = otel.Tracer("podflow")
		if err := tp.Shutdown(context.Background()); err != nil {
			t.Logf("Error shutting down tracer provider: %v", err)
		}
	}

	return exporter, cleanup
}

func spanAttr(s tracetest.SpanStub, key attribute.Key) (attribute.Value, bool) {
	for _, kv := range s.Attributes {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestStartExecutionSpan(t *testing.T) {
	exporter, cleanup := setupTracingTest(t)
	defer cleanup()

	mgr := NewSpanManager()

	t.Run("creates span with execution attributes", func(t *testing.T) {
		exporter.Reset()

		_, span := mgr.StartExecutionSpan(context.Background(), "exec-1", "pod-1")
		require.NotNil(t, span)
		span.End()

		spans := exporter.GetSpans()
		require.Len(t, spans, 1)

		s := spans[0]
		assert.Equal(t, "podflow.execute", s.Name)

		v, ok := spanAttr(s, "execution.id")
		require.True(t, ok)
		assert.Equal(t, "exec-1", v.AsString())

		v, ok = spanAttr(s, "pod.id")
		require.True(t, ok)
		assert.Equal(t, "pod-1", v.AsString())
	})

	t.Run("provider span is a child of the execution span", func(t *testing.T) {
		exporter.Reset()

		ctx, execSpan := mgr.StartExecutionSpan(context.Background(), "exec-2", "pod-2")
		_, provSpan := mgr.StartProviderSpan(ctx, "openai", "gpt-4o")
		provSpan.End()
		execSpan.End()

		spans := exporter.GetSpans()
		require.Len(t, spans, 2)

		// Inner span ends first and is recorded first.
		assert.Equal(t, "podflow.provider.openai", spans[0].Name)
		assert.Equal(t, execSpan.SpanContext().SpanID(), spans[0].Parent.SpanID())

		v, ok := spanAttr(spans[0], "model")
		require.True(t, ok)
		assert.Equal(t, "gpt-4o", v.AsString())
	})
}

func TestEndSpanWithError(t *testing.T) {
	exporter, cleanup := setupTracingTest(t)
	defer cleanup()

	mgr := NewSpanManager()

	t.Run("success sets ok status", func(t *testing.T) {
		exporter.Reset()

		_, span := mgr.StartExecutionSpan(context.Background(), "exec-3", "pod-3")
		mgr.EndSpanWithError(span, nil)

		spans := exporter.GetSpans()
		require.Len(t, spans, 1)
		assert.Equal(t, codes.Ok, spans[0].Status.Code)
	})

	t.Run("failure records error and error status", func(t *testing.T) {
		exporter.Reset()

		_, span := mgr.StartExecutionSpan(context.Background(), "exec-4", "pod-4")
		mgr.EndSpanWithError(span, errors.New("upstream unavailable"))

		spans := exporter.GetSpans()
		require.Len(t, spans, 1)
		assert.Equal(t, codes.Error, spans[0].Status.Code)
		assert.Equal(t, "upstream unavailable", spans[0].Status.Description)
		require.Len(t, spans[0].Events, 1)
		assert.Equal(t, "exception", spans[0].Events[0].Name)
	})

	t.Run("nil span is a no-op", func(t *testing.T) {
		mgr.EndSpanWithError(nil, errors.New("ignored"))
	})
}

func TestAddSpanEvent(t *testing.T) {
	exporter, cleanup := setupTracingTest(t)
	defer cleanup()

	mgr := NewSpanManager()

	t.Run("attaches event to the span in context", func(t *testing.T) {
		exporter.Reset()

		ctx, span := mgr.StartExecutionSpan(context.Background(), "exec-5", "pod-5")
		mgr.AddSpanEvent(ctx, "chunk.first", attribute.Int("offset", 0))
		span.End()

		spans := exporter.GetSpans()
		require.Len(t, spans, 1)
		require.Len(t, spans[0].Events, 1)
		assert.Equal(t, "chunk.first", spans[0].Events[0].Name)
	})

	t.Run("no recording span in context is a no-op", func(t *testing.T) {
		mgr.AddSpanEvent(context.Background(), "orphan.event")
	})
}
