// Package resolver assembles the context a pod needs before it runs:
// the topological execution order of its flow, upstream outputs (pinned
// or latest), and rolling conversation history.
//
// All reads are snapshot-consistent per call, single batched queries.
// A context read racing a concurrent execution's write may miss it;
// that is accepted, not corrected.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/podflow/podflow/pkg/podflow/model"
	"github.com/podflow/podflow/pkg/podflow/perrors"
	"github.com/podflow/podflow/pkg/podflow/store"
)

// Resolver reads flow structure and execution history to build pod
// context. It never writes.
type Resolver struct {
	pods   store.PodStore
	execs  store.ExecutionStore
	logger *slog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) { r.logger = logger }
}

// New creates a Resolver over the given stores.
func New(pods store.PodStore, execs store.ExecutionStore, opts ...Option) *Resolver {
	r := &Resolver{pods: pods, execs: execs}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Context is the resolved input for one pod execution.
type Context struct {
	// Variables maps upstream source pod id to its extracted output.
	Variables map[string]string

	// History is the pod's own prior conversation, chronological.
	History []model.Message
}

// ExecutionOrder loads a flow's graph and returns its topological order.
func (r *Resolver) ExecutionOrder(ctx context.Context, flowID string) ([]string, error) {
	pods, err := r.pods.ListFlowPods(ctx, flowID)
	if err != nil {
		return nil, fmt.Errorf("list flow pods: %w", err)
	}
	edges, err := r.pods.ListFlowEdges(ctx, flowID)
	if err != nil {
		return nil, fmt.Errorf("list flow edges: %w", err)
	}
	return ExecutionOrder(pods, edges)
}

// Resolve assembles the execution context for one target pod: upstream
// variables honoring pins, plus up to historyLimit turns of the pod's
// own conversation history.
//
// Pinned sources always reflect the exact pinned execution, never the
// source's latest, regardless of newer completions. Unpinned sources
// reflect the most recent COMPLETED execution; ERROR executions are
// never considered. A source mapped to ContextModeFullHistory renders
// its conversation as [User]/[Assistant] turn pairs instead.
func (r *Resolver) Resolve(ctx context.Context, flowID, podID string, mappings []model.ContextMapping, historyLimit int) (*Context, error) {
	if _, err := r.pods.GetPod(ctx, podID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, perrors.Newf(perrors.CodeNotFound, "pod %s not found", podID)
		}
		return nil, fmt.Errorf("get pod: %w", err)
	}

	edges, err := r.pods.ListFlowEdges(ctx, flowID)
	if err != nil {
		return nil, fmt.Errorf("list flow edges: %w", err)
	}

	variables, err := r.resolveVariables(ctx, edges, podID, mappings, historyLimit)
	if err != nil {
		return nil, err
	}

	var history []model.Message
	if historyLimit > 0 {
		history, err = r.History(ctx, podID, historyLimit)
		if err != nil {
			return nil, err
		}
	}

	return &Context{Variables: variables, History: history}, nil
}

// defaultHistoryLimit bounds full-history variables when the caller
// supplied no limit.
const defaultHistoryLimit = 20

// resolveVariables builds the upstream-output map for one target pod.
func (r *Resolver) resolveVariables(ctx context.Context, edges []model.Edge, podID string, mappings []model.ContextMapping, historyLimit int) (map[string]string, error) {
	sources := upstreamSources(edges, podID)
	variables := make(map[string]string, len(sources))
	if len(sources) == 0 {
		return variables, nil
	}

	pins := make(map[string]string, len(mappings))
	fullHistory := make(map[string]bool, len(mappings))
	for _, m := range mappings {
		if m.Mode == model.ContextModeFullHistory {
			fullHistory[m.SourcePodID] = true
			continue
		}
		if m.PinnedExecutionID != "" {
			pins[m.SourcePodID] = m.PinnedExecutionID
		}
	}

	var pinnedIDs, latestSources, historySources []string
	for _, src := range sources {
		switch {
		case fullHistory[src]:
			historySources = append(historySources, src)
		case pins[src] != "":
			pinnedIDs = append(pinnedIDs, pins[src])
		default:
			latestSources = append(latestSources, src)
		}
	}

	if len(pinnedIDs) > 0 {
		pinned, err := r.execs.GetCompletedByIDs(ctx, pinnedIDs)
		if err != nil {
			return nil, fmt.Errorf("fetch pinned executions: %w", err)
		}
		byID := make(map[string]model.Execution, len(pinned))
		for _, e := range pinned {
			byID[e.ID] = e
		}
		for _, src := range sources {
			execID, ok := pins[src]
			if !ok {
				continue
			}
			exec, ok := byID[execID]
			if !ok {
				// Pin points at a missing or non-completed execution;
				// the variable stays unset and interpolation logs it.
				continue
			}
			if text := ExtractOutput(exec.Response); text != "" {
				variables[src] = text
			}
		}
	}

	if len(latestSources) > 0 {
		latest, err := r.execs.LatestCompletedByPods(ctx, latestSources)
		if err != nil {
			return nil, fmt.Errorf("fetch latest executions: %w", err)
		}
		for src, exec := range latest {
			if text := ExtractOutput(exec.Response); text != "" {
				variables[src] = text
			}
		}
	}

	// Full-history sources render their whole conversation as
	// [User]/[Assistant] turn pairs instead of just the latest output.
	limit := historyLimit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	for _, src := range historySources {
		turns, err := r.History(ctx, src, limit)
		if err != nil {
			return nil, fmt.Errorf("fetch history for %s: %w", src, err)
		}
		if text := FormatHistory(turns); text != "" {
			variables[src] = text
		}
	}

	return variables, nil
}
