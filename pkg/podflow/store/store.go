// Package store provides the relational persistence layer for pods,
// edges, executions, credentials, pricing tiers, and usage metrics.
//
// The interfaces here are the contract consumed by the resolver and the
// engine; SQLiteStore is the bundled implementation. Batched reads
// (WHERE id IN, latest-per-group) are single queries, not N lookups.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/podflow/podflow/pkg/podflow/model"
	"github.com/shopspring/decimal"
)

// Sentinel errors.
var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrStoreClosed indicates an operation on a closed store.
	ErrStoreClosed = errors.New("store is closed")
)

// PodStore persists pod shell records and flow edges.
type PodStore interface {
	// GetPod returns the pod shell by id, or ErrNotFound.
	GetPod(ctx context.Context, id string) (*model.Pod, error)

	// ListFlowPods returns all pods in a flow.
	ListFlowPods(ctx context.Context, flowID string) ([]model.Pod, error)

	// ListFlowEdges returns all edges in a flow.
	ListFlowEdges(ctx context.Context, flowID string) ([]model.Edge, error)

	// PutPod inserts or replaces a pod shell.
	PutPod(ctx context.Context, pod *model.Pod) error

	// PutEdge inserts or replaces an edge.
	PutEdge(ctx context.Context, edge *model.Edge) error

	// UpdatePodExecution updates the shell's status and last-execution
	// pointer. The only pod mutation the engine performs.
	UpdatePodExecution(ctx context.Context, podID, status, lastExecutionID string) error
}

// ExecutionStore persists execution records through their phase
// transitions. A terminal-status row is never updated again.
type ExecutionStore interface {
	// CreateExecution inserts a new execution row.
	CreateExecution(ctx context.Context, exec *model.Execution) error

	// GetExecution returns an execution by id, or ErrNotFound.
	GetExecution(ctx context.Context, id string) (*model.Execution, error)

	// GetCompletedByIDs returns the subset of the given execution ids
	// that exist with COMPLETED status, in one batched query.
	GetCompletedByIDs(ctx context.Context, ids []string) ([]model.Execution, error)

	// LatestCompletedByPods returns, per source pod id, its most recently
	// completed execution, in one grouped query. Pods with no completed
	// execution are absent from the result.
	LatestCompletedByPods(ctx context.Context, podIDs []string) (map[string]model.Execution, error)

	// ListRecentCompleted returns up to limit most recently completed
	// executions of one pod, newest first.
	ListRecentCompleted(ctx context.Context, podID string, limit int) ([]model.Execution, error)

	// MarkRunning transitions a QUEUED row to RUNNING. Returns
	// ErrNotFound if the row is no longer QUEUED (e.g. cancelled).
	MarkRunning(ctx context.Context, id string) error

	// MarkCompleted transitions the row to COMPLETED with token counts,
	// cost, credits, and the response snapshot.
	MarkCompleted(ctx context.Context, exec *model.Execution) error

	// MarkError transitions the row to ERROR with a message and code.
	MarkError(ctx context.Context, id, message, code string) error

	// MarkCancelled transitions a QUEUED row to CANCELLED. Returns
	// ErrNotFound if the row is no longer QUEUED.
	MarkCancelled(ctx context.Context, id string) error
}

// CredentialStore persists provider credentials and their usage counters.
type CredentialStore interface {
	// GetCredential returns the credential for (workspace, provider), or
	// ErrNotFound when none is configured.
	GetCredential(ctx context.Context, workspaceID string, provider model.Provider) (*model.ProviderCredential, error)

	// PutCredential inserts or replaces a credential.
	PutCredential(ctx context.Context, cred *model.ProviderCredential) error

	// RecordUsage increments the credential's request/token/cost counters
	// and stamps last-used (or last-error on failure).
	RecordUsage(ctx context.Context, credentialID string, tokens int64, cost decimal.Decimal, errored bool) error
}

// PricingStore reads pricing tiers. Tiers are never mutated by the core.
type PricingStore interface {
	// ActiveTier returns the active tier for (provider, model) with the
	// most recent effective date not after now, or ErrNotFound.
	ActiveTier(ctx context.Context, provider model.Provider, m string, now time.Time) (*model.PricingTier, error)

	// PutTier inserts or replaces a tier.
	PutTier(ctx context.Context, tier *model.PricingTier) error
}

// UsageStore maintains per-day usage aggregates.
type UsageStore interface {
	// UpsertDaily inserts the day's row or increments it if present.
	UpsertDaily(ctx context.Context, m *model.UsageMetric) error
}

// Store bundles every persistence concern of the pipeline.
type Store interface {
	PodStore
	ExecutionStore
	CredentialStore
	PricingStore
	UsageStore

	// Close releases the underlying database handle.
	Close() error
}
