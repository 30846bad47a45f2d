package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/podflow/podflow/pkg/podflow/model"
	"github.com/podflow/podflow/pkg/podflow/perrors"
)

const (
	defaultAnthropicBase    = "https://api.anthropic.com"
	anthropicVersion        = "2023-06-01"
	anthropicDefaultMaxToks = 4096
)

// Anthropic implements Client against the Anthropic messages API.
// Unlike the other backends, the system prompt travels in its own
// top-level field and max_tokens is mandatory.
type Anthropic struct {
	http    httpDoer
	baseURL string
	retry   perrors.RetryConfig
}

// AnthropicOption configures the adapter.
type AnthropicOption func(*Anthropic)

// WithAnthropicHTTPClient sets the HTTP transport.
func WithAnthropicHTTPClient(c httpDoer) AnthropicOption {
	return func(a *Anthropic) { a.http = c }
}

// WithAnthropicBaseURL overrides the default API base URL.
func WithAnthropicBaseURL(url string) AnthropicOption {
	return func(a *Anthropic) { a.baseURL = url }
}

// WithAnthropicRetry overrides the retry policy.
func WithAnthropicRetry(cfg perrors.RetryConfig) AnthropicOption {
	return func(a *Anthropic) { a.retry = cfg }
}

// NewAnthropic creates an Anthropic adapter with the standard retry policy.
func NewAnthropic(opts ...AnthropicOption) *Anthropic {
	a := &Anthropic{
		http:    &http.Client{},
		baseURL: defaultAnthropicBase,
		retry:   perrors.DefaultRetry,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Compile-time interface check.
var _ Client = (*Anthropic)(nil)

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicThinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens"`
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
	MaxTokens int                `json:"max_tokens"`

	Temperature *float64           `json:"temperature,omitempty"`
	TopP        *float64           `json:"top_p,omitempty"`
	Thinking    *anthropicThinking `json:"thinking,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
}

type anthropicUsage struct {
	InputTokens          int `json:"input_tokens"`
	OutputTokens         int `json:"output_tokens"`
	CacheReadInputTokens int `json:"cache_read_input_tokens"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      anthropicUsage `json:"usage"`
}

// anthropicStreamEvent covers the event payloads the stream produces.
// The scanner only surfaces data frames, so the embedded type tag
// discriminates them.
type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Message struct {
		Usage anthropicUsage `json:"usage"`
	} `json:"message"`
	Usage *anthropicUsage `json:"usage"`
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (a *Anthropic) buildRequest(req Request, stream bool) anthropicRequest {
	messages := make([]anthropicMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		// System turns fold into the top-level field; the messages list
		// accepts only user and assistant roles.
		if m.Role == model.RoleSystem {
			continue
		}
		messages = append(messages, anthropicMessage{Role: string(m.Role), Content: m.Content})
	}

	maxTokens := anthropicDefaultMaxToks
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}

	body := anthropicRequest{
		Model:     req.Model,
		System:    req.SystemPrompt,
		Messages:  messages,
		MaxTokens: maxTokens,
		Stream:    stream,
	}

	if !req.ReasoningModel {
		body.Temperature = req.Temperature
		body.TopP = req.TopP
	}
	if req.ThinkingBudget != nil {
		body.Thinking = &anthropicThinking{Type: "enabled", BudgetTokens: *req.ThinkingBudget}
	}

	return body
}

func (a *Anthropic) base(req Request) string {
	if req.Endpoint != "" {
		return req.Endpoint
	}
	return a.baseURL
}

func anthropicHeaders(secret string) map[string]string {
	return map[string]string{
		"x-api-key":         secret,
		"anthropic-version": anthropicVersion,
	}
}

// Execute implements Client.
func (a *Anthropic) Execute(ctx context.Context, req Request) (*Response, error) {
	return perrors.WithRetry(ctx, a.retry, func(ctx context.Context) (*Response, error) {
		body, err := doJSON(ctx, a.http, http.MethodPost, a.base(req)+"/v1/messages",
			anthropicHeaders(req.Secret), a.buildRequest(req, false))
		if err != nil {
			return nil, err
		}

		var parsed anthropicResponse
		if err := json.Unmarshal(body, &parsed); err != nil {
			return nil, perrors.Wrap(perrors.CodeUnknown, "decode response", err)
		}

		text := ""
		for _, block := range parsed.Content {
			if block.Type == "text" {
				text += block.Text
			}
		}

		return &Response{
			Content:      text,
			FinishReason: parsed.StopReason,
			Usage: Usage{
				PromptTokens:     parsed.Usage.InputTokens,
				CompletionTokens: parsed.Usage.OutputTokens,
				CachedTokens:     parsed.Usage.CacheReadInputTokens,
			},
		}, nil
	})
}

// ExecuteStream implements Client.
func (a *Anthropic) ExecuteStream(ctx context.Context, req Request) (<-chan Chunk, error) {
	body, err := openStream(ctx, a.http, http.MethodPost, a.base(req)+"/v1/messages",
		anthropicHeaders(req.Secret), a.buildRequest(req, true))
	if err != nil {
		return nil, err
	}

	ch := make(chan Chunk)
	go func() {
		defer close(ch)
		defer body.Close()

		if !send(ctx, ch, Chunk{Type: ChunkStart}) {
			return
		}

		var usage Usage
		stopReason := ""
		stopped := false

		scanner := newSSEScanner(body)
		for {
			data, err := scanner.Next()
			if err != nil {
				break
			}

			var event anthropicStreamEvent
			if err := json.Unmarshal([]byte(data), &event); err != nil {
				continue
			}

			switch event.Type {
			case "message_start":
				usage.PromptTokens = event.Message.Usage.InputTokens
				usage.CachedTokens = event.Message.Usage.CacheReadInputTokens
			case "content_block_delta":
				if event.Delta.Text != "" {
					if !send(ctx, ch, Chunk{Type: ChunkToken, Content: event.Delta.Text}) {
						return
					}
				}
			case "message_delta":
				if event.Delta.StopReason != "" {
					stopReason = event.Delta.StopReason
				}
				if event.Usage != nil {
					usage.CompletionTokens = event.Usage.OutputTokens
				}
			case "message_stop":
				stopped = true
			case "error":
				send(ctx, ch, Chunk{Type: ChunkError, Message: event.Error.Message})
				return
			}
		}

		if !stopped && stopReason == "" {
			send(ctx, ch, Chunk{Type: ChunkError, Message: "stream ended without a finish signal"})
			return
		}
		send(ctx, ch, Chunk{Type: ChunkDone, FinishReason: stopReason, Usage: &usage})
	}()

	return ch, nil
}

// TestCredential implements Client.
func (a *Anthropic) TestCredential(ctx context.Context, secret string) (bool, error) {
	_, err := doJSON(ctx, a.http, http.MethodGet, a.baseURL+"/v1/models", anthropicHeaders(secret), nil)
	if perrors.Is(err, perrors.CodeInvalidCredential) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ListModels implements Client.
func (a *Anthropic) ListModels(ctx context.Context, secret string) ([]string, error) {
	body, err := doJSON(ctx, a.http, http.MethodGet, a.baseURL+"/v1/models", anthropicHeaders(secret), nil)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode model list: %w", err)
	}

	ids := make([]string, 0, len(parsed.Data))
	for _, m := range parsed.Data {
		ids = append(ids, m.ID)
	}
	return ids, nil
}
