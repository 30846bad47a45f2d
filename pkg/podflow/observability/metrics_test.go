package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// setupMetricsTest installs a meter provider backed by a manual reader so
// recorded values can be collected synchronously.
func setupMetricsTest(t *testing.T) (*sdkmetric.ManualReader, func()) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	originalProvider := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)

	cleanup := func() {
		otel.SetMeterProvider(originalProvider)
		if err := provider.Shutdown(context.Background()); err != nil {
			t.Logf("Error shutting down meter provider: %v", err)
		}
	}

	return reader, cleanup
}

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) *metricdata.ResourceMetrics {
	var rm metricdata.ResourceMetrics
	err := reader.Collect(context.Background(), &rm)
	require.NoError(t, err)
	return &rm
}

func findMetric(rm *metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func sumInt64(t *testing.T, m *metricdata.Metrics) int64 {
	require.NotNil(t, m)
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestRecordExecution(t *testing.T) {
	reader, cleanup := setupMetricsTest(t)
	defer cleanup()

	m, err := newOtelMetrics()
	require.NoError(t, err)

	t.Run("success increments executions and latency only", func(t *testing.T) {
		m.RecordExecution(context.Background(), "openai", 250*time.Millisecond, nil)

		rm := collectMetrics(t, reader)
		assert.Equal(t, int64(1), sumInt64(t, findMetric(rm, "podflow.executions")))
		assert.Nil(t, findMetric(rm, "podflow.execution.errors"))

		latency := findMetric(rm, "podflow.execution.latency_ms")
		require.NotNil(t, latency)
		hist, ok := latency.Data.(metricdata.Histogram[float64])
		require.True(t, ok)
		require.Len(t, hist.DataPoints, 1)
		assert.Equal(t, 250.0, hist.DataPoints[0].Sum)
	})

	t.Run("failure increments the error counter", func(t *testing.T) {
		m.RecordExecution(context.Background(), "openai", 10*time.Millisecond, errors.New("boom"))

		rm := collectMetrics(t, reader)
		assert.Equal(t, int64(1), sumInt64(t, findMetric(rm, "podflow.execution.errors")))
	})
}

func TestRecordTokens(t *testing.T) {
	reader, cleanup := setupMetricsTest(t)
	defer cleanup()

	m, err := newOtelMetrics()
	require.NoError(t, err)

	m.RecordTokens(context.Background(), "anthropic", "claude-sonnet-4", 1000, 500)

	rm := collectMetrics(t, reader)
	tokens := findMetric(rm, "podflow.tokens")
	require.NotNil(t, tokens)
	assert.Equal(t, int64(1500), sumInt64(t, tokens))

	sum, ok := tokens.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	assert.Len(t, sum.DataPoints, 2) // prompt and completion series
}

func TestRecordCost(t *testing.T) {
	reader, cleanup := setupMetricsTest(t)
	defer cleanup()

	m, err := newOtelMetrics()
	require.NoError(t, err)

	m.RecordCost(context.Background(), "openai", 0.0105)
	m.RecordCost(context.Background(), "openai", 0.0045)

	rm := collectMetrics(t, reader)
	cost := findMetric(rm, "podflow.cost_usd")
	require.NotNil(t, cost)

	sum, ok := cost.Data.(metricdata.Sum[float64])
	require.True(t, ok)
	require.Len(t, sum.DataPoints, 1)
	assert.InDelta(t, 0.015, sum.DataPoints[0].Value, 1e-9)
}

func TestRecordCircuitOpen(t *testing.T) {
	reader, cleanup := setupMetricsTest(t)
	defer cleanup()

	m, err := newOtelMetrics()
	require.NoError(t, err)

	m.RecordCircuitOpen(context.Background(), "gemini")
	m.RecordCircuitOpen(context.Background(), "gemini")

	rm := collectMetrics(t, reader)
	assert.Equal(t, int64(2), sumInt64(t, findMetric(rm, "podflow.circuit.rejections")))
}

func TestNoopMetricsRecorder(t *testing.T) {
	// The no-op recorder accepts every call without a configured provider.
	var m MetricsRecorder = NoopMetrics{}
	m.RecordExecution(context.Background(), "openai", time.Second, nil)
	m.RecordTokens(context.Background(), "openai", "gpt-4o", 1, 2)
	m.RecordCost(context.Background(), "openai", 0.5)
	m.RecordCircuitOpen(context.Background(), "openai")
}
