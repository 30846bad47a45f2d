// Package provider normalizes heterogeneous LLM backends behind one
// request/response/streaming contract.
//
// Each backend is a Client; the Registry is the closed set of supported
// backends. Adding a backend means adding a Client implementation, never
// branching on a provider name inside shared logic.
//
// Streaming follows a strict chunk ordering that every adapter and every
// consumer must respect: exactly one ChunkStart, zero or more ChunkToken,
// then exactly one of ChunkDone or ChunkError. Nothing follows a terminal
// chunk. Chunk channels are unbuffered so a slow consumer applies
// backpressure to the producer instead of growing a buffer.
package provider

import (
	"context"

	"github.com/podflow/podflow/pkg/podflow/model"
	"github.com/podflow/podflow/pkg/podflow/perrors"
)

// Request is the normalized request shape shared by all backends.
type Request struct {
	Model        string
	SystemPrompt string
	Messages     []model.Message

	// Sampling parameters. Nil means "use the backend default".
	// Reasoning models accept only the completion-token cap; adapters
	// omit the rest for them instead of sending unsupported fields.
	Temperature      *float64
	MaxTokens        *int
	TopP             *float64
	PresencePenalty  *float64
	FrequencyPenalty *float64

	// ThinkingBudget is the reasoning-token budget for models that
	// support explicit thinking.
	ThinkingBudget *int

	// ResponseFormat hints the output shape ("json" requests a JSON
	// object response where the backend supports it).
	ResponseFormat string

	// ReasoningModel marks models that reject standard sampling
	// parameters, detected via the pricing-tier flag.
	ReasoningModel bool

	// Secret is the decrypted credential; Endpoint optionally overrides
	// the backend's default base URL.
	Secret   string
	Endpoint string
}

// Usage is the normalized token accounting of one call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	ReasoningTokens  int
	CachedTokens     int
}

// Total returns all billable tokens.
func (u Usage) Total() int {
	return u.PromptTokens + u.CompletionTokens + u.ReasoningTokens
}

// Response is the normalized non-streaming result.
type Response struct {
	Content      string
	FinishReason string
	Usage        Usage
}

// ChunkType discriminates the closed set of stream chunk variants.
type ChunkType string

// Stream chunk variants.
const (
	ChunkStart    ChunkType = "start"
	ChunkToken    ChunkType = "token"
	ChunkDone     ChunkType = "done"
	ChunkError    ChunkType = "error"
	ChunkMetadata ChunkType = "metadata"
)

// Chunk is one streaming event.
type Chunk struct {
	Type ChunkType

	// Content is set on token chunks.
	Content string

	// FinishReason and Usage are set on the done chunk.
	FinishReason string
	Usage        *Usage

	// Message is set on the error chunk.
	Message string

	// Metadata carries backend-specific annotations.
	Metadata map[string]string
}

// Terminal reports whether the chunk ends the stream.
func (c Chunk) Terminal() bool {
	return c.Type == ChunkDone || c.Type == ChunkError
}

// Client is the uniform backend contract.
type Client interface {
	// Execute performs a non-streaming completion. Implementations wrap
	// the call in the standard retry policy.
	Execute(ctx context.Context, req Request) (*Response, error)

	// ExecuteStream performs a streaming completion. The returned channel
	// follows the chunk ordering invariant and is closed after the
	// terminal chunk. Streaming calls are not retried.
	ExecuteStream(ctx context.Context, req Request) (<-chan Chunk, error)

	// TestCredential reports whether the secret is accepted by the
	// backend.
	TestCredential(ctx context.Context, secret string) (bool, error)

	// ListModels returns the model ids available to the secret.
	ListModels(ctx context.Context, secret string) ([]string, error)
}

// Registry is the closed set of backend clients keyed by provider.
type Registry struct {
	clients map[model.Provider]Client
}

// NewRegistry creates a registry over the given clients.
func NewRegistry(clients map[model.Provider]Client) *Registry {
	cp := make(map[model.Provider]Client, len(clients))
	for p, c := range clients {
		cp[p] = c
	}
	return &Registry{clients: cp}
}

// DefaultRegistry wires the three bundled adapters with their default
// endpoints and the standard retry policy.
func DefaultRegistry() *Registry {
	return NewRegistry(map[model.Provider]Client{
		model.ProviderOpenAI:    NewOpenAI(),
		model.ProviderAnthropic: NewAnthropic(),
		model.ProviderGemini:    NewGemini(),
	})
}

// Client returns the adapter for a provider, or a BadRequest error for
// an unsupported one.
func (r *Registry) Client(p model.Provider) (Client, error) {
	c, ok := r.clients[p]
	if !ok {
		return nil, perrors.Newf(perrors.CodeBadRequest, "unsupported provider %q", p)
	}
	return c, nil
}
