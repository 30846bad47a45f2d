package observability

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records pipeline metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordExecution records an execution completion with its duration
	// and error status.
	RecordExecution(ctx context.Context, provider string, duration time.Duration, err error)

	// RecordTokens records token consumption for an execution.
	RecordTokens(ctx context.Context, provider, model string, promptTokens, completionTokens int)

	// RecordCost records the settled USD cost of an execution.
	RecordCost(ctx context.Context, provider string, costUSD float64)

	// RecordCircuitOpen records a call rejected by an open circuit.
	RecordCircuitOpen(ctx context.Context, provider string)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	executions      metric.Int64Counter
	executionErrors metric.Int64Counter
	latency         metric.Float64Histogram
	tokens          metric.Int64Counter
	cost            metric.Float64Counter
	circuitOpens    metric.Int64Counter
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("podflow")

	executions, err := meter.Int64Counter("podflow.executions",
		metric.WithDescription("Number of pod executions"),
	)
	if err != nil {
		return nil, err
	}

	executionErrors, err := meter.Int64Counter("podflow.execution.errors",
		metric.WithDescription("Number of failed pod executions"),
	)
	if err != nil {
		return nil, err
	}

	latency, err := meter.Float64Histogram("podflow.execution.latency_ms",
		metric.WithDescription("Pod execution latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	tokens, err := meter.Int64Counter("podflow.tokens",
		metric.WithDescription("Tokens consumed by pod executions"),
	)
	if err != nil {
		return nil, err
	}

	cost, err := meter.Float64Counter("podflow.cost_usd",
		metric.WithDescription("Settled execution cost in USD"),
	)
	if err != nil {
		return nil, err
	}

	circuitOpens, err := meter.Int64Counter("podflow.circuit.rejections",
		metric.WithDescription("Calls rejected by an open circuit"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		executions:      executions,
		executionErrors: executionErrors,
		latency:         latency,
		tokens:          tokens,
		cost:            cost,
		circuitOpens:    circuitOpens,
	}, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		return NoopMetrics{}
	}
	return m
}

// RecordExecution records an execution completion.
func (m *otelMetrics) RecordExecution(ctx context.Context, provider string, duration time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("provider", provider))
	m.executions.Add(ctx, 1, attrs)
	m.latency.Record(ctx, float64(duration.Milliseconds()), attrs)
	if err != nil {
		m.executionErrors.Add(ctx, 1, attrs)
	}
}

// RecordTokens records token consumption.
func (m *otelMetrics) RecordTokens(ctx context.Context, provider, model string, promptTokens, completionTokens int) {
	m.tokens.Add(ctx, int64(promptTokens), metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("model", model),
		attribute.String("kind", "prompt"),
	))
	m.tokens.Add(ctx, int64(completionTokens), metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("model", model),
		attribute.String("kind", "completion"),
	))
}

// RecordCost records settled cost.
func (m *otelMetrics) RecordCost(ctx context.Context, provider string, costUSD float64) {
	m.cost.Add(ctx, costUSD, metric.WithAttributes(attribute.String("provider", provider)))
}

// RecordCircuitOpen records a circuit rejection.
func (m *otelMetrics) RecordCircuitOpen(ctx context.Context, provider string) {
	m.circuitOpens.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider)))
}
