package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/podflow/podflow/pkg/podflow/model"
	"github.com/podflow/podflow/pkg/podflow/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newExecution(podID string, status model.ExecutionStatus) *model.Execution {
	return &model.Execution{
		ID:          model.NewExecutionID(),
		PodID:       podID,
		FlowID:      "flow-1",
		WorkspaceID: "ws-1",
		Status:      status,
		Provider:    model.ProviderOpenAI,
		Model:       "gpt-4o",
	}
}

func TestSQLiteStore_PodRoundTrip(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	pod := &model.Pod{
		ID:          "pod-a",
		FlowID:      "flow-1",
		WorkspaceID: "ws-1",
		Name:        "summarize",
		Type:        model.PodTypePrompt,
	}
	require.NoError(t, s.PutPod(ctx, pod))

	got, err := s.GetPod(ctx, "pod-a")
	require.NoError(t, err)
	assert.Equal(t, model.PodTypePrompt, got.Type)
	assert.Equal(t, "summarize", got.Name)

	_, err = s.GetPod(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSQLiteStore_UpdatePodExecution(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutPod(ctx, &model.Pod{ID: "pod-a", FlowID: "f", WorkspaceID: "w", Type: model.PodTypePrompt}))
	require.NoError(t, s.UpdatePodExecution(ctx, "pod-a", "COMPLETED", "exec-9"))

	got, err := s.GetPod(ctx, "pod-a")
	require.NoError(t, err)
	assert.Equal(t, "COMPLETED", got.Status)
	assert.Equal(t, "exec-9", got.LastExecutionID)

	assert.ErrorIs(t, s.UpdatePodExecution(ctx, "missing", "x", "y"), store.ErrNotFound)
}

func TestSQLiteStore_ExecutionLifecycle(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	exec := newExecution("pod-a", model.StatusRunning)
	require.NoError(t, s.CreateExecution(ctx, exec))

	exec.PromptTokens = 100
	exec.CompletionTokens = 50
	exec.Cost = decimal.RequireFromString("0.0105")
	exec.Charge = decimal.RequireFromString("0.021")
	exec.Credits = 210
	exec.Response = []byte(`{"content":"hi","finishReason":"stop"}`)
	require.NoError(t, s.MarkCompleted(ctx, exec))

	got, err := s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)
	assert.Equal(t, 100, got.PromptTokens)
	assert.True(t, got.Cost.Equal(decimal.RequireFromString("0.0105")))
	assert.True(t, got.Charge.Equal(decimal.RequireFromString("0.021")))
	assert.Equal(t, int64(210), got.Credits)
	assert.False(t, got.CompletedAt.IsZero())

	// Terminal rows never transition again.
	assert.ErrorIs(t, s.MarkError(ctx, exec.ID, "late", "Unknown"), store.ErrNotFound)
	assert.ErrorIs(t, s.MarkCompleted(ctx, exec), store.ErrNotFound)
}

func TestSQLiteStore_GetExecutionWithNullSnapshots(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	// A freshly created row has no request or response snapshot yet; it
	// must still read back (cancellation and error handling depend on it).
	exec := newExecution("pod-a", model.StatusQueued)
	require.NoError(t, s.CreateExecution(ctx, exec))

	got, err := s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusQueued, got.Status)
	assert.Nil(t, got.Request)
	assert.Nil(t, got.Response)

	// The ERROR path leaves response NULL forever.
	require.NoError(t, s.MarkError(ctx, exec.ID, "boom", "Unknown"))
	got, err = s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusError, got.Status)
	assert.Nil(t, got.Response)
}

func TestSQLiteStore_MarkRunningOnlyFromQueued(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	queued := newExecution("pod-a", model.StatusQueued)
	require.NoError(t, s.CreateExecution(ctx, queued))
	require.NoError(t, s.MarkRunning(ctx, queued.ID))

	got, err := s.GetExecution(ctx, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, got.Status)

	// A cancelled row cannot be started.
	cancelled := newExecution("pod-a", model.StatusQueued)
	require.NoError(t, s.CreateExecution(ctx, cancelled))
	require.NoError(t, s.MarkCancelled(ctx, cancelled.ID))
	assert.ErrorIs(t, s.MarkRunning(ctx, cancelled.ID), store.ErrNotFound)
}

func TestSQLiteStore_MarkCancelledOnlyFromQueued(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	queued := newExecution("pod-a", model.StatusQueued)
	require.NoError(t, s.CreateExecution(ctx, queued))
	require.NoError(t, s.MarkCancelled(ctx, queued.ID))

	got, err := s.GetExecution(ctx, queued.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, got.Status)

	running := newExecution("pod-a", model.StatusRunning)
	require.NoError(t, s.CreateExecution(ctx, running))
	assert.ErrorIs(t, s.MarkCancelled(ctx, running.ID), store.ErrNotFound)
}

func TestSQLiteStore_GetCompletedByIDs(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	done := newExecution("pod-a", model.StatusRunning)
	require.NoError(t, s.CreateExecution(ctx, done))
	require.NoError(t, s.MarkCompleted(ctx, done))

	failed := newExecution("pod-a", model.StatusRunning)
	require.NoError(t, s.CreateExecution(ctx, failed))
	require.NoError(t, s.MarkError(ctx, failed.ID, "boom", "Unknown"))

	got, err := s.GetCompletedByIDs(ctx, []string{done.ID, failed.ID, "missing"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, done.ID, got[0].ID)
}

func TestSQLiteStore_LatestCompletedByPods(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	// Two completed executions for pod-a; the newer must win.
	older := newExecution("pod-a", model.StatusRunning)
	require.NoError(t, s.CreateExecution(ctx, older))
	require.NoError(t, s.MarkCompleted(ctx, older))

	time.Sleep(2 * time.Millisecond) // ULID ids are time-ordered
	newer := newExecution("pod-a", model.StatusRunning)
	require.NoError(t, s.CreateExecution(ctx, newer))
	require.NoError(t, s.MarkCompleted(ctx, newer))

	// A later ERROR execution must not displace the completed one.
	time.Sleep(2 * time.Millisecond)
	errored := newExecution("pod-a", model.StatusRunning)
	require.NoError(t, s.CreateExecution(ctx, errored))
	require.NoError(t, s.MarkError(ctx, errored.ID, "boom", "Timeout"))

	byPod, err := s.LatestCompletedByPods(ctx, []string{"pod-a", "pod-b"})
	require.NoError(t, err)
	require.Contains(t, byPod, "pod-a")
	assert.Equal(t, newer.ID, byPod["pod-a"].ID)
	assert.NotContains(t, byPod, "pod-b")
}

func TestSQLiteStore_ListRecentCompleted(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		e := newExecution("pod-a", model.StatusRunning)
		require.NoError(t, s.CreateExecution(ctx, e))
		require.NoError(t, s.MarkCompleted(ctx, e))
		ids = append(ids, e.ID)
		time.Sleep(time.Millisecond)
	}

	got, err := s.ListRecentCompleted(ctx, "pod-a", 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	// Newest first.
	assert.Equal(t, ids[4], got[0].ID)
	assert.Equal(t, ids[3], got[1].ID)
	assert.Equal(t, ids[2], got[2].ID)
}

func TestSQLiteStore_CredentialUsage(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	cred := &model.ProviderCredential{
		ID:          "cred-1",
		WorkspaceID: "ws-1",
		Provider:    model.ProviderAnthropic,
		Ciphertext:  "aa:bb:cc",
		TotalCost:   decimal.Zero,
	}
	require.NoError(t, s.PutCredential(ctx, cred))

	require.NoError(t, s.RecordUsage(ctx, "cred-1", 1500, decimal.RequireFromString("0.0105"), false))
	require.NoError(t, s.RecordUsage(ctx, "cred-1", 500, decimal.RequireFromString("0.002"), true))

	got, err := s.GetCredential(ctx, "ws-1", model.ProviderAnthropic)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.RequestCount)
	assert.Equal(t, int64(2000), got.TotalTokens)
	assert.True(t, got.TotalCost.Equal(decimal.RequireFromString("0.0125")))
	assert.False(t, got.LastUsedAt.IsZero())
	assert.False(t, got.LastErrorAt.IsZero())

	_, err = s.GetCredential(ctx, "ws-2", model.ProviderAnthropic)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSQLiteStore_ActiveTierPicksMostRecentEffective(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	now := time.Now()

	old := &model.PricingTier{
		ID: "t1", Provider: model.ProviderOpenAI, Model: "gpt-4o",
		InputPerMillion:  decimal.RequireFromString("5"),
		OutputPerMillion: decimal.RequireFromString("20"),
		Active:           true,
		EffectiveDate:    now.Add(-48 * time.Hour),
	}
	current := &model.PricingTier{
		ID: "t2", Provider: model.ProviderOpenAI, Model: "gpt-4o",
		InputPerMillion:  decimal.RequireFromString("3"),
		OutputPerMillion: decimal.RequireFromString("15"),
		Active:           true,
		EffectiveDate:    now.Add(-24 * time.Hour),
	}
	future := &model.PricingTier{
		ID: "t3", Provider: model.ProviderOpenAI, Model: "gpt-4o",
		InputPerMillion:  decimal.RequireFromString("1"),
		OutputPerMillion: decimal.RequireFromString("5"),
		Active:           true,
		EffectiveDate:    now.Add(24 * time.Hour),
	}
	inactive := &model.PricingTier{
		ID: "t4", Provider: model.ProviderOpenAI, Model: "gpt-4o",
		InputPerMillion:  decimal.RequireFromString("2"),
		OutputPerMillion: decimal.RequireFromString("10"),
		Active:           false,
		EffectiveDate:    now.Add(-time.Hour),
	}
	for _, tier := range []*model.PricingTier{old, current, future, inactive} {
		require.NoError(t, s.PutTier(ctx, tier))
	}

	got, err := s.ActiveTier(ctx, model.ProviderOpenAI, "gpt-4o", now)
	require.NoError(t, err)
	assert.Equal(t, "t2", got.ID)

	_, err = s.ActiveTier(ctx, model.ProviderOpenAI, "unknown-model", now)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSQLiteStore_UpsertDaily(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	m := &model.UsageMetric{
		WorkspaceID: "ws-1",
		Provider:    model.ProviderGemini,
		Day:         "2026-08-26",
		Requests:    1,
		Tokens:      100,
		Cost:        decimal.RequireFromString("0.001"),
	}
	require.NoError(t, s.UpsertDaily(ctx, m))
	require.NoError(t, s.UpsertDaily(ctx, m))
	require.NoError(t, s.UpsertDaily(ctx, m))
}

func TestSQLiteStore_ClosedStore(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.GetPod(context.Background(), "x")
	assert.ErrorIs(t, err, store.ErrStoreClosed)
}
