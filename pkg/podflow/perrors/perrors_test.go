package perrors_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/podflow/podflow/pkg/podflow/perrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want perrors.Code
	}{
		{"nil", nil, perrors.CodeUnknown},
		{"coded", perrors.New(perrors.CodeCyclicGraph, "cycle"), perrors.CodeCyclicGraph},
		{"wrapped coded", errors.Join(errors.New("outer"), perrors.New(perrors.CodeNotFound, "pod")), perrors.CodeNotFound},
		{"deadline", context.DeadlineExceeded, perrors.CodeTimeout},
		{"plain", errors.New("boom"), perrors.CodeUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, perrors.CodeOf(tt.err))
		})
	}
}

func TestFromHTTPStatus(t *testing.T) {
	assert.Equal(t, perrors.CodeInvalidCredential, perrors.FromHTTPStatus(401, "").Code)
	assert.Equal(t, perrors.CodeInvalidCredential, perrors.FromHTTPStatus(403, "").Code)
	assert.Equal(t, perrors.CodeRateLimited, perrors.FromHTTPStatus(429, "").Code)
	assert.Equal(t, perrors.CodeBadRequest, perrors.FromHTTPStatus(400, "").Code)
	assert.Equal(t, perrors.CodeBackendUnavailable, perrors.FromHTTPStatus(502, "").Code)
	assert.Equal(t, perrors.CodeBackendUnavailable, perrors.FromHTTPStatus(503, "").Code)
	assert.Equal(t, perrors.CodeNotFound, perrors.FromHTTPStatus(404, "").Code)
	assert.Equal(t, perrors.CodeUnknown, perrors.FromHTTPStatus(418, "teapot").Code)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, perrors.IsRetryable(perrors.New(perrors.CodeRateLimited, "")))
	assert.True(t, perrors.IsRetryable(perrors.New(perrors.CodeBackendUnavailable, "")))
	assert.True(t, perrors.IsRetryable(perrors.New(perrors.CodeTimeout, "")))
	assert.True(t, perrors.IsRetryable(perrors.New(perrors.CodeNetworkError, "")))
	assert.False(t, perrors.IsRetryable(perrors.New(perrors.CodeBadRequest, "")))
	assert.False(t, perrors.IsRetryable(perrors.New(perrors.CodeInvalidCredential, "")))
	assert.False(t, perrors.IsRetryable(perrors.New(perrors.CodeNotFound, "")))
}

func TestWithRetry_SucceedsAfterTransientFailures(t *testing.T) {
	cfg := perrors.RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		BackoffFactor:  2.0,
	}

	attempts := 0
	result, err := perrors.WithRetry(context.Background(), cfg, func(context.Context) (string, error) {
		attempts++
		if attempts < 3 {
			return "", perrors.New(perrors.CodeBackendUnavailable, "down")
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 3, attempts)
}

func TestWithRetry_DoesNotRetryPermanent(t *testing.T) {
	attempts := 0
	_, err := perrors.WithRetry(context.Background(), perrors.DefaultRetry, func(context.Context) (int, error) {
		attempts++
		return 0, perrors.New(perrors.CodeInvalidCredential, "bad key")
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, perrors.CodeInvalidCredential, perrors.CodeOf(err))
}

func TestWithRetry_ReturnsLastErrorOnExhaustion(t *testing.T) {
	cfg := perrors.RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		BackoffFactor:  2.0,
	}

	attempts := 0
	_, err := perrors.WithRetry(context.Background(), cfg, func(context.Context) (int, error) {
		attempts++
		return 0, perrors.Newf(perrors.CodeTimeout, "attempt %d", attempts)
	})

	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.Contains(t, err.Error(), "attempt 3")
}

func TestWithRetry_RespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempts := 0
	_, err := perrors.WithRetry(ctx, perrors.DefaultRetry, func(context.Context) (int, error) {
		attempts++
		return 0, nil
	})

	require.Error(t, err)
	assert.Equal(t, 0, attempts)
}
