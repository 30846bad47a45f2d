// Package model defines the core records of the pod execution pipeline:
// flows, pods, edges, executions, provider credentials, and pricing tiers.
//
// A Flow is a DAG of Pods connected by Edges. Only pods of type
// PodTypePrompt are executable; input and output pods carry data.
// An Execution is one timestamped attempt to run a pod, with a terminal
// status and audit fields. Token counts and cost on a COMPLETED execution
// are never recomputed; a retry creates a new execution id.
package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
)

// PodType classifies a pod within a flow.
type PodType string

// Pod types. Only PodTypePrompt is executable.
const (
	PodTypePrompt PodType = "prompt"
	PodTypeInput  PodType = "input"
	PodTypeOutput PodType = "output"
)

// ExecutionStatus is the lifecycle state of an execution.
type ExecutionStatus string

// Execution statuses. COMPLETED, ERROR, and CANCELLED are terminal;
// transitions are one-way and no state is re-entrant.
const (
	StatusQueued    ExecutionStatus = "QUEUED"
	StatusRunning   ExecutionStatus = "RUNNING"
	StatusCompleted ExecutionStatus = "COMPLETED"
	StatusError     ExecutionStatus = "ERROR"
	StatusCancelled ExecutionStatus = "CANCELLED"
)

// Terminal reports whether the status admits no further transitions.
func (s ExecutionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusError || s == StatusCancelled
}

// Provider identifies an LLM backend family.
type Provider string

// Supported provider backends.
const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderGemini    Provider = "gemini"
)

// Pod is the relational "shell" record of a flow node. The shell is the
// system of record for status and the last-execution pointer; the larger
// prompt configuration lives in the document store as a PodContent.
type Pod struct {
	ID              string
	FlowID          string
	WorkspaceID     string
	Name            string
	Type            PodType
	Status          string
	LastExecutionID string
	PositionX       float64
	PositionY       float64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Edge is a directed dependency sourcePodId -> targetPodId within one flow.
type Edge struct {
	ID          string
	FlowID      string
	SourcePodID string
	TargetPodID string
}

// Flow groups pods and edges. Acyclicity is an invariant enforced by the
// resolver's ordering step, which fails loudly on cycles.
type Flow struct {
	ID          string
	WorkspaceID string
	Name        string
	Pods        []Pod
	Edges       []Edge
}

// PodContent is the document-store configuration record for a prompt pod.
// It is the system of record for provider/model/sampling configuration.
type PodContent struct {
	PodID            string   `json:"podId"`
	FlowID           string   `json:"flowId"`
	Provider         Provider `json:"provider"`
	Model            string   `json:"model"`
	SystemPrompt     string   `json:"systemPrompt,omitempty"`
	Temperature      *float64 `json:"temperature,omitempty"`
	MaxTokens        *int     `json:"maxTokens,omitempty"`
	TopP             *float64 `json:"topP,omitempty"`
	PresencePenalty  *float64 `json:"presencePenalty,omitempty"`
	FrequencyPenalty *float64 `json:"frequencyPenalty,omitempty"`
	ThinkingBudget   *int     `json:"thinkingBudget,omitempty"`
	ResponseFormat   string   `json:"responseFormat,omitempty"`
	HistoryLimit     int      `json:"historyLimit,omitempty"`
}

// Execution is one attempt to run a pod. Created in RUNNING (or QUEUED
// when deferred to the worker pool), mutated exactly once more on the
// happy path and once on the failure path, never after a terminal state.
type Execution struct {
	ID          string
	PodID       string
	FlowID      string
	WorkspaceID string
	UserID      string
	Status      ExecutionStatus
	Provider    Provider
	Model       string

	PromptTokens     int
	CompletionTokens int
	ReasoningTokens  int
	CachedTokens     int

	// Cost is the exact-decimal backend USD cost, zero when no pricing
	// tier matched at settlement time. Charge is cost with the markup
	// multiplier applied; Credits is derived from Charge.
	Cost    decimal.Decimal
	Charge  decimal.Decimal
	Credits int64

	// Request is a JSON snapshot of the resolved request (messages and
	// parameters), kept for conversation history reconstruction.
	Request json.RawMessage
	// Response is a JSON snapshot of the assistant output and finish
	// reason in the provider's shape.
	Response json.RawMessage

	ErrorMessage string
	ErrorCode    string

	StartedAt   time.Time
	CompletedAt time.Time
}

// ContextMode selects how an upstream source is rendered into its
// context variable.
type ContextMode string

const (
	// ContextModeOutput renders the source's extracted assistant output.
	// The zero value behaves like this mode.
	ContextModeOutput ContextMode = "output"

	// ContextModeFullHistory renders the source's conversation as
	// chronological [User]/[Assistant] turn pairs.
	ContextModeFullHistory ContextMode = "full_history"
)

// ContextMapping customizes one upstream source: pin it to a specific
// past execution instead of "latest completed," or render its full
// conversation instead of just the output. Immutable caller input.
type ContextMapping struct {
	SourcePodID       string
	PinnedExecutionID string
	Mode              ContextMode
}

// ProviderCredential is a workspace+provider encrypted secret plus usage
// counters. The secret is read once per execution; the counters are
// updated best-effort after every attempt.
type ProviderCredential struct {
	ID          string
	WorkspaceID string
	Provider    Provider
	// Ciphertext is the encrypted secret in iv:authTag:ciphertext hex form.
	Ciphertext     string
	KeyID          string
	CustomEndpoint string

	RequestCount int64
	TotalTokens  int64
	TotalCost    decimal.Decimal
	LastUsedAt   time.Time
	LastErrorAt  time.Time
}

// PricingTier is a provider+model+effective-date record of per-million
// token prices. The active tier with the most recent effective date wins.
type PricingTier struct {
	ID                  string
	Provider            Provider
	Model               string
	InputPerMillion     decimal.Decimal
	OutputPerMillion    decimal.Decimal
	ReasoningPerMillion decimal.Decimal
	IsReasoningModel    bool
	Active              bool
	EffectiveDate       time.Time
}

// UsageMetric is a per-day aggregate row for one credential, maintained
// with an insert-or-increment upsert.
type UsageMetric struct {
	WorkspaceID string
	Provider    Provider
	Day         string // YYYY-MM-DD
	Requests    int64
	Tokens      int64
	Cost        decimal.Decimal
}

// NewID returns a random identifier for pods, flows, and credentials.
func NewID() string {
	return uuid.NewString()
}

// NewExecutionID returns a time-sortable identifier so that execution ids
// order chronologically in index scans.
func NewExecutionID() string {
	return ulid.Make().String()
}
