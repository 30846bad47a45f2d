// Package engine drives one pod execution end to end: validation,
// configuration overlay, context resolution, credential lookup, the
// streaming provider call, cost settlement, and persistence through
// every phase transition.
//
// The engine never retries a failed execution; retries live in the
// provider adapters' backoff policy, and a caller wanting another
// attempt submits a new request, producing a new execution id.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/podflow/podflow/pkg/podflow/billing"
	"github.com/podflow/podflow/pkg/podflow/broadcast"
	"github.com/podflow/podflow/pkg/podflow/config"
	"github.com/podflow/podflow/pkg/podflow/docstore"
	"github.com/podflow/podflow/pkg/podflow/embedding"
	"github.com/podflow/podflow/pkg/podflow/model"
	"github.com/podflow/podflow/pkg/podflow/observability"
	"github.com/podflow/podflow/pkg/podflow/perrors"
	"github.com/podflow/podflow/pkg/podflow/provider"
	"github.com/podflow/podflow/pkg/podflow/resolver"
	"github.com/podflow/podflow/pkg/podflow/store"
	"github.com/podflow/podflow/pkg/podflow/vault"
)

// ContentKey addresses a pod's configuration document in the document
// store.
func ContentKey(podID string) docstore.Key {
	return docstore.Key{PK: "pod#" + podID, SK: "content"}
}

// Request asks the engine to execute one pod.
type Request struct {
	PodID       string
	WorkspaceID string
	UserID      string

	// Messages is the caller's conversation input, typically one user
	// turn.
	Messages []model.Message

	// ContextMappings optionally pin upstream sources to specific past
	// executions.
	ContextMappings []model.ContextMapping

	// Overrides overlay the stored pod configuration for this call only.
	Overrides *Overrides

	// PriorCreditEstimate is a previously quoted credit amount; the
	// final charge never decreases relative to it.
	PriorCreditEstimate int64
}

// Overrides are per-call parameter overrides. Nil or zero fields leave
// the stored configuration untouched.
type Overrides struct {
	Model          string
	SystemPrompt   string
	Temperature    *float64
	MaxTokens      *int
	TopP           *float64
	ThinkingBudget *int
	ResponseFormat string
	HistoryLimit   *int
}

// apply overlays the overrides onto a stored content record.
func (o *Overrides) apply(content *model.PodContent) {
	if o == nil {
		return
	}
	if o.Model != "" {
		content.Model = o.Model
	}
	if o.SystemPrompt != "" {
		content.SystemPrompt = o.SystemPrompt
	}
	if o.Temperature != nil {
		content.Temperature = o.Temperature
	}
	if o.MaxTokens != nil {
		content.MaxTokens = o.MaxTokens
	}
	if o.TopP != nil {
		content.TopP = o.TopP
	}
	if o.ThinkingBudget != nil {
		content.ThinkingBudget = o.ThinkingBudget
	}
	if o.ResponseFormat != "" {
		content.ResponseFormat = o.ResponseFormat
	}
	if o.HistoryLimit != nil {
		content.HistoryLimit = *o.HistoryLimit
	}
}

// Engine orchestrates pod executions.
type Engine struct {
	store     store.Store
	docs      docstore.Store
	resolver  *resolver.Resolver
	vault     *vault.Vault
	providers *provider.Registry
	settle    *billing.Engine
	bus       broadcast.Broadcaster
	embedder  embedding.Embedder
	settings  config.Settings
	logger    *slog.Logger
	metrics   observability.MetricsRecorder
	spans     observability.SpanManager
}

// Option configures an Engine.
type Option func(*Engine)

// WithSettings overrides the default settings.
func WithSettings(s config.Settings) Option {
	return func(e *Engine) { e.settings = s }
}

// WithBroadcaster sets the flow event broadcaster.
func WithBroadcaster(b broadcast.Broadcaster) Option {
	return func(e *Engine) { e.bus = b }
}

// WithEmbedder sets the best-effort embedding backend.
func WithEmbedder(em embedding.Embedder) Option {
	return func(e *Engine) { e.embedder = em }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithSpanManager sets the tracing span manager.
func WithSpanManager(s observability.SpanManager) Option {
	return func(e *Engine) { e.spans = s }
}

// New creates an Engine over its collaborators.
func New(st store.Store, docs docstore.Store, v *vault.Vault, providers *provider.Registry, opts ...Option) *Engine {
	e := &Engine{
		store:     st,
		docs:      docs,
		vault:     v,
		providers: providers,
		bus:       broadcast.Noop{},
		embedder:  embedding.Noop{},
		settings:  config.Defaults(),
		metrics:   observability.NoopMetrics{},
		spans:     observability.NoopSpanManager{},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.New(slog.DiscardHandler)
	}
	e.resolver = resolver.New(st, st, resolver.WithLogger(e.logger))
	e.settle = billing.New(
		decimal.NewFromFloat(e.settings.MarkupMultiplier),
		decimal.NewFromFloat(e.settings.CreditUSD),
	)
	return e
}

// Execute runs one pod synchronously, streaming chunks as they arrive.
// The returned channel observes the ordering invariant: at most one
// start, tokens, then exactly one done or error, after which it closes.
// The execution id identifies the durable record regardless of outcome.
//
// Validation failures before the execution row exists return an error
// and no channel.
func (e *Engine) Execute(ctx context.Context, req Request) (string, <-chan provider.Chunk, error) {
	exec, content, err := e.prepare(ctx, req, model.StatusRunning)
	if err != nil {
		return "", nil, err
	}

	out := make(chan provider.Chunk)
	go func() {
		defer close(out)
		e.run(ctx, exec, content, req, out)
	}()
	return exec.ID, out, nil
}

// prepare performs the pre-stream steps: validate the pod, load and
// overlay its configuration, and create the execution row with the raw
// request snapshot.
func (e *Engine) prepare(ctx context.Context, req Request, initial model.ExecutionStatus) (*model.Execution, *model.PodContent, error) {
	pod, err := e.store.GetPod(ctx, req.PodID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, perrors.Newf(perrors.CodeNotFound, "pod %s not found", req.PodID)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("get pod: %w", err)
	}
	if pod.WorkspaceID != req.WorkspaceID {
		return nil, nil, perrors.Newf(perrors.CodeNotFound, "pod %s not found in workspace %s", req.PodID, req.WorkspaceID)
	}
	if pod.Type != model.PodTypePrompt {
		return nil, nil, perrors.Newf(perrors.CodeBadRequest, "pod %s is type %q, only prompt pods execute", req.PodID, pod.Type)
	}

	contentKey := ContentKey(req.PodID)
	item, err := e.docs.Get(ctx, contentKey.PK, contentKey.SK)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, nil, perrors.Newf(perrors.CodeBadRequest, "pod %s has no content configuration", req.PodID)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load pod content: %w", err)
	}

	var content model.PodContent
	if err := json.Unmarshal(item.Body, &content); err != nil {
		return nil, nil, perrors.Wrap(perrors.CodeBadRequest, "pod content is malformed", err)
	}
	req.Overrides.apply(&content)
	if content.HistoryLimit <= 0 {
		content.HistoryLimit = e.settings.HistoryLimit
	}

	snapshot, err := json.Marshal(model.RequestSnapshot{
		SystemPrompt: content.SystemPrompt,
		Messages:     req.Messages,
		Model:        content.Model,
		Temperature:  content.Temperature,
		MaxTokens:    content.MaxTokens,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("marshal request snapshot: %w", err)
	}

	exec := &model.Execution{
		ID:          model.NewExecutionID(),
		PodID:       pod.ID,
		FlowID:      pod.FlowID,
		WorkspaceID: req.WorkspaceID,
		UserID:      req.UserID,
		Status:      initial,
		Provider:    content.Provider,
		Model:       content.Model,
		Request:     snapshot,
	}
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return nil, nil, fmt.Errorf("create execution: %w", err)
	}
	return exec, &content, nil
}

// run executes the streaming phase for an already-created execution row
// and emits chunks to out. Every failure funnels through one terminal
// handler: the row is marked ERROR, an error event is broadcast, and an
// error chunk is emitted.
func (e *Engine) run(ctx context.Context, exec *model.Execution, content *model.PodContent, req Request, out chan<- provider.Chunk) {
	logger := observability.EnrichLogger(e.logger, exec.ID, exec.PodID, exec.WorkspaceID)
	elapsed := observability.TimedOperation()
	started := time.Now()

	ctx, span := e.spans.StartExecutionSpan(ctx, exec.ID, exec.PodID)

	// Terminal persistence must land even when the caller's context is
	// already gone.
	bg := context.WithoutCancel(ctx)

	var key *vault.WorkspaceKey
	fail := func(err error) {
		code := perrors.CodeOf(err)
		observability.LogExecutionError(logger, exec.ID, err, string(code))
		if markErr := e.store.MarkError(bg, exec.ID, err.Error(), string(code)); markErr != nil {
			observability.LogSideEffectError(logger, "mark execution error", markErr)
		}
		e.bus.BroadcastToFlow(exec.FlowID, broadcast.EventExecutionError, map[string]any{
			"executionId": exec.ID,
			"podId":       exec.PodID,
			"message":     err.Error(),
			"code":        string(code),
		})
		if key != nil {
			e.vault.ReportResult(exec.WorkspaceID, exec.Provider, false)
			e.vault.TrackUsage(bg, key.CredentialID, exec.WorkspaceID, exec.Provider, 0, decimal.Zero, true)
		}
		e.updatePodShell(bg, logger, exec.PodID, string(model.StatusError), exec.ID)
		e.metrics.RecordExecution(ctx, string(exec.Provider), time.Since(started), err)
		e.spans.EndSpanWithError(span, err)
		emit(ctx, out, provider.Chunk{Type: provider.ChunkError, Message: err.Error()})
	}

	observability.LogExecutionStart(logger, exec.ID, exec.PodID, string(exec.Provider), exec.Model)
	e.bus.BroadcastToFlow(exec.FlowID, broadcast.EventExecutionStart, map[string]any{
		"executionId": exec.ID,
		"podId":       exec.PodID,
	})

	rc, err := e.resolver.Resolve(ctx, exec.FlowID, exec.PodID, req.ContextMappings, content.HistoryLimit)
	if err != nil {
		fail(fmt.Errorf("resolve context: %w", err))
		return
	}

	systemPrompt := resolver.Interpolate(content.SystemPrompt, rc.Variables, exec.PodID, logger)
	systemPrompt += metadataBlock(exec.WorkspaceID, exec.UserID)
	messages := resolver.InterpolateMessages(cloneMessages(req.Messages), rc.Variables, exec.PodID, logger)
	messages = append(rc.History, messages...)

	if err := e.vault.AllowCall(exec.WorkspaceID, exec.Provider); err != nil {
		e.metrics.RecordCircuitOpen(ctx, string(exec.Provider))
		fail(err)
		return
	}
	key, err = e.vault.GetWorkspaceKey(ctx, exec.WorkspaceID, exec.Provider)
	if err != nil {
		fail(err)
		return
	}
	if key == nil {
		fail(perrors.Newf(perrors.CodeBadRequest, "no %s credential configured for workspace %s", exec.Provider, exec.WorkspaceID))
		return
	}

	client, err := e.providers.Client(exec.Provider)
	if err != nil {
		fail(err)
		return
	}

	// The pricing tier doubles as the reasoning-model flag source; its
	// absence degrades billing, never the execution itself.
	tier, err := e.store.ActiveTier(ctx, exec.Provider, exec.Model, time.Now())
	if errors.Is(err, store.ErrNotFound) {
		tier = nil
	} else if err != nil {
		fail(fmt.Errorf("pricing lookup: %w", err))
		return
	}

	preq := provider.Request{
		Model:            exec.Model,
		SystemPrompt:     systemPrompt,
		Messages:         messages,
		Temperature:      content.Temperature,
		MaxTokens:        content.MaxTokens,
		TopP:             content.TopP,
		PresencePenalty:  content.PresencePenalty,
		FrequencyPenalty: content.FrequencyPenalty,
		ThinkingBudget:   content.ThinkingBudget,
		ResponseFormat:   content.ResponseFormat,
		ReasoningModel:   tier != nil && tier.IsReasoningModel,
		Secret:           key.Secret,
		Endpoint:         key.CustomEndpoint,
	}

	pctx, pspan := e.spans.StartProviderSpan(ctx, string(exec.Provider), exec.Model)
	stream, err := client.ExecuteStream(pctx, preq)
	if err != nil {
		e.spans.EndSpanWithError(pspan, err)
		fail(err)
		return
	}

	// Forward tokens unbuffered while accumulating the full text and
	// terminal usage.
	var full []byte
	var usage *provider.Usage
	finishReason := ""
	streamErr := ""

	var done provider.Chunk
	for chunk := range stream {
		switch chunk.Type {
		case provider.ChunkToken:
			full = append(full, chunk.Content...)
			e.bus.BroadcastToFlow(exec.FlowID, broadcast.EventExecutionToken, map[string]any{
				"executionId": exec.ID,
				"podId":       exec.PodID,
				"content":     chunk.Content,
			})
		case provider.ChunkDone:
			finishReason = chunk.FinishReason
			usage = chunk.Usage
			done = chunk
		case provider.ChunkError:
			streamErr = chunk.Message
		}
		if chunk.Terminal() {
			break
		}
		if !emit(ctx, out, chunk) {
			e.spans.EndSpanWithError(pspan, ctx.Err())
			fail(perrors.Wrap(perrors.CodeTimeout, "caller went away mid-stream", ctx.Err()))
			return
		}
	}
	e.spans.EndSpanWithError(pspan, nil)

	if streamErr != "" {
		fail(perrors.New(perrors.CodeUnknown, streamErr))
		return
	}
	if done.Type != provider.ChunkDone {
		fail(perrors.New(perrors.CodeUnknown, "stream closed without a terminal chunk"))
		return
	}
	if usage == nil {
		usage = &provider.Usage{}
	}

	// Persist before emitting done so a caller observing the terminal
	// chunk can immediately query the completed record.
	e.complete(bg, logger, exec, tier, usage, string(full), finishReason, req.PriorCreditEstimate, key)
	emit(ctx, out, done)

	e.metrics.RecordExecution(ctx, string(exec.Provider), time.Since(started), nil)
	e.metrics.RecordTokens(ctx, string(exec.Provider), exec.Model, usage.PromptTokens, usage.CompletionTokens)
	e.spans.EndSpanWithError(span, nil)
	observability.LogExecutionComplete(logger, exec.ID, elapsed(), usage.Total(), exec.Credits)
}

// complete settles billing, persists the COMPLETED row, broadcasts the
// result, and runs the best-effort tail work (usage tracking, embedding,
// pod shell update). By this point the stream has succeeded; failures
// here are side-effect failures, logged and swallowed.
func (e *Engine) complete(ctx context.Context, logger *slog.Logger, exec *model.Execution, tier *model.PricingTier, usage *provider.Usage, content, finishReason string, priorEstimate int64, key *vault.WorkspaceKey) {
	exec.PromptTokens = usage.PromptTokens
	exec.CompletionTokens = usage.CompletionTokens
	exec.ReasoningTokens = usage.ReasoningTokens
	exec.CachedTokens = usage.CachedTokens

	if tier != nil {
		settled := e.settle.Settle(billing.Usage{
			PromptTokens:     usage.PromptTokens,
			CompletionTokens: usage.CompletionTokens,
			ReasoningTokens:  usage.ReasoningTokens,
		}, tier, priorEstimate)
		exec.Cost = settled.Cost
		exec.Charge = settled.Charge
		exec.Credits = settled.Credits
		e.metrics.RecordCost(ctx, string(exec.Provider), settled.Cost.InexactFloat64())
	} else {
		logger.Warn("no pricing tier, completing without cost",
			slog.String("provider", string(exec.Provider)),
			slog.String("model", exec.Model))
	}

	snapshot, err := json.Marshal(model.ResponseSnapshot{Content: content, FinishReason: finishReason})
	if err != nil {
		snapshot = nil
	}
	exec.Response = snapshot

	if err := e.store.MarkCompleted(ctx, exec); err != nil {
		observability.LogSideEffectError(logger, "mark execution completed", err)
	}

	e.bus.BroadcastToFlow(exec.FlowID, broadcast.EventExecutionCompleted, map[string]any{
		"executionId":  exec.ID,
		"podId":        exec.PodID,
		"content":      content,
		"finishReason": finishReason,
		"totalTokens":  usage.Total(),
		"credits":      exec.Credits,
	})

	e.vault.ReportResult(exec.WorkspaceID, exec.Provider, true)
	e.vault.TrackUsage(ctx, key.CredentialID, exec.WorkspaceID, exec.Provider, int64(usage.Total()), exec.Cost, false)

	e.persistEmbedding(ctx, logger, exec, content)
	e.updatePodShell(ctx, logger, exec.PodID, string(model.StatusCompleted), exec.ID)
}

// persistEmbedding generates and stores a semantic embedding of the
// exchange. Best-effort only.
func (e *Engine) persistEmbedding(ctx context.Context, logger *slog.Logger, exec *model.Execution, content string) {
	if content == "" {
		return
	}
	vec, err := e.embedder.Embed(ctx, content)
	if err != nil {
		observability.LogSideEffectError(logger, "generate embedding", err)
		return
	}
	if len(vec) == 0 {
		return
	}

	body, err := json.Marshal(map[string]any{
		"executionId": exec.ID,
		"podId":       exec.PodID,
		"vector":      vec,
	})
	if err != nil {
		return
	}
	item := &docstore.Item{PK: "pod#" + exec.PodID, SK: "embedding#" + exec.ID, Body: body}
	if err := e.docs.Put(ctx, item); err != nil {
		observability.LogSideEffectError(logger, "persist embedding", err)
	}
}

func (e *Engine) updatePodShell(ctx context.Context, logger *slog.Logger, podID, status, executionID string) {
	if err := e.store.UpdatePodExecution(ctx, podID, status, executionID); err != nil {
		observability.LogSideEffectError(logger, "update pod shell", err)
	}
}

// emit sends a chunk unless the caller's context is gone.
func emit(ctx context.Context, ch chan<- provider.Chunk, c provider.Chunk) bool {
	select {
	case ch <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

// metadataBlock is the workspace/user block appended to every system
// prompt so the model can reference who it is serving.
func metadataBlock(workspaceID, userID string) string {
	block := "\n\n[Workspace: " + workspaceID
	if userID != "" {
		block += " | User: " + userID
	}
	return block + "]"
}

func cloneMessages(in []model.Message) []model.Message {
	out := make([]model.Message, len(in))
	copy(out, in)
	return out
}
