// Package observability provides structured logging, metrics, and tracing
// for the pod execution pipeline.
//
// Features:
//   - Structured logging via slog (Go stdlib)
//   - Metrics via OpenTelemetry
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
package observability

import (
	"log/slog"
	"time"
)

// EnrichLogger adds execution context to a logger.
// Returns a new logger with execution_id, pod_id, and workspace_id fields.
func EnrichLogger(logger *slog.Logger, executionID, podID, workspaceID string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("execution_id", executionID),
		slog.String("pod_id", podID),
		slog.String("workspace_id", workspaceID),
	)
}

// LogExecutionStart logs the start of a pod execution.
func LogExecutionStart(logger *slog.Logger, executionID, podID string, provider, model string) {
	if logger == nil {
		return
	}
	logger.Info("execution starting",
		slog.String("execution_id", executionID),
		slog.String("pod_id", podID),
		slog.String("provider", provider),
		slog.String("model", model),
	)
}

// LogExecutionComplete logs successful execution completion.
func LogExecutionComplete(logger *slog.Logger, executionID string, durationMs float64, totalTokens int, credits int64) {
	if logger == nil {
		return
	}
	logger.Info("execution completed",
		slog.String("execution_id", executionID),
		slog.Float64("duration_ms", durationMs),
		slog.Int("total_tokens", totalTokens),
		slog.Int64("credits", credits),
	)
}

// LogExecutionError logs execution failure.
func LogExecutionError(logger *slog.Logger, executionID string, err error, errorCode string) {
	if logger == nil {
		return
	}
	logger.Error("execution failed",
		slog.String("execution_id", executionID),
		slog.String("error", err.Error()),
		slog.String("error_code", errorCode),
	)
}

// LogUnresolvedVariable logs a template token left verbatim during
// interpolation (non-fatal).
func LogUnresolvedVariable(logger *slog.Logger, podID, token string) {
	if logger == nil {
		return
	}
	logger.Warn("unresolved context variable",
		slog.String("pod_id", podID),
		slog.String("token", token),
	)
}

// LogSideEffectError logs a swallowed non-critical failure (usage
// tracking, embedding, broadcast).
func LogSideEffectError(logger *slog.Logger, op string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("side effect failed",
		slog.String("operation", op),
		slog.String("error", err.Error()),
	)
}

// LogCircuitOpen logs a rejected call due to an open circuit.
func LogCircuitOpen(logger *slog.Logger, workspaceID, provider string, failures int) {
	if logger == nil {
		return
	}
	logger.Warn("circuit open, call rejected",
		slog.String("workspace_id", workspaceID),
		slog.String("provider", provider),
		slog.Int("consecutive_failures", failures),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time in milliseconds.
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Milliseconds())
	}
}
