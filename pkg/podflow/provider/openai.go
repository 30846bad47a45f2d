package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/podflow/podflow/pkg/podflow/perrors"
)

const defaultOpenAIBase = "https://api.openai.com/v1"

// OpenAI implements Client against the OpenAI chat completions API.
type OpenAI struct {
	http    httpDoer
	baseURL string
	retry   perrors.RetryConfig
}

// OpenAIOption configures the adapter.
type OpenAIOption func(*OpenAI)

// WithOpenAIHTTPClient sets the HTTP transport.
func WithOpenAIHTTPClient(c httpDoer) OpenAIOption {
	return func(o *OpenAI) { o.http = c }
}

// WithOpenAIBaseURL overrides the default API base URL.
func WithOpenAIBaseURL(url string) OpenAIOption {
	return func(o *OpenAI) { o.baseURL = url }
}

// WithOpenAIRetry overrides the retry policy.
func WithOpenAIRetry(cfg perrors.RetryConfig) OpenAIOption {
	return func(o *OpenAI) { o.retry = cfg }
}

// NewOpenAI creates an OpenAI adapter with the standard retry policy.
func NewOpenAI(opts ...OpenAIOption) *OpenAI {
	o := &OpenAI{
		http:    &http.Client{},
		baseURL: defaultOpenAIBase,
		retry:   perrors.DefaultRetry,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Compile-time interface check.
var _ Client = (*OpenAI)(nil)

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model    string          `json:"model"`
	Messages []openAIMessage `json:"messages"`

	// Standard sampling parameters; omitted entirely for reasoning
	// models, which reject them.
	Temperature      *float64 `json:"temperature,omitempty"`
	MaxTokens        *int     `json:"max_tokens,omitempty"`
	TopP             *float64 `json:"top_p,omitempty"`
	PresencePenalty  *float64 `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty"`

	// Reasoning models take the completion cap under this name instead.
	MaxCompletionTokens *int `json:"max_completion_tokens,omitempty"`

	ResponseFormat *openAIResponseFormat `json:"response_format,omitempty"`
	Stream         bool                  `json:"stream,omitempty"`
	StreamOptions  *openAIStreamOptions  `json:"stream_options,omitempty"`
}

type openAIResponseFormat struct {
	Type string `json:"type"`
}

type openAIStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	PromptDetails    struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"prompt_tokens_details"`
	CompletionDetails struct {
		ReasoningTokens int `json:"reasoning_tokens"`
	} `json:"completion_tokens_details"`
}

func (u openAIUsage) normalize() Usage {
	return Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		ReasoningTokens:  u.CompletionDetails.ReasoningTokens,
		CachedTokens:     u.PromptDetails.CachedTokens,
	}
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage openAIUsage `json:"usage"`
}

type openAIStreamFrame struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *openAIUsage `json:"usage"`
}

func (o *OpenAI) buildRequest(req Request, stream bool) openAIRequest {
	messages := make([]openAIMessage, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, openAIMessage{Role: "system", Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		messages = append(messages, openAIMessage{Role: string(m.Role), Content: m.Content})
	}

	body := openAIRequest{
		Model:    req.Model,
		Messages: messages,
		Stream:   stream,
	}

	if req.ReasoningModel {
		body.MaxCompletionTokens = req.MaxTokens
	} else {
		body.Temperature = req.Temperature
		body.MaxTokens = req.MaxTokens
		body.TopP = req.TopP
		body.PresencePenalty = req.PresencePenalty
		body.FrequencyPenalty = req.FrequencyPenalty
	}

	if req.ResponseFormat == "json" {
		body.ResponseFormat = &openAIResponseFormat{Type: "json_object"}
	}
	if stream {
		body.StreamOptions = &openAIStreamOptions{IncludeUsage: true}
	}

	return body
}

func (o *OpenAI) base(req Request) string {
	if req.Endpoint != "" {
		return req.Endpoint
	}
	return o.baseURL
}

func authHeader(secret string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + secret}
}

// Execute implements Client.
func (o *OpenAI) Execute(ctx context.Context, req Request) (*Response, error) {
	return perrors.WithRetry(ctx, o.retry, func(ctx context.Context) (*Response, error) {
		body, err := doJSON(ctx, o.http, http.MethodPost, o.base(req)+"/chat/completions",
			authHeader(req.Secret), o.buildRequest(req, false))
		if err != nil {
			return nil, err
		}

		var parsed openAIResponse
		if err := json.Unmarshal(body, &parsed); err != nil {
			return nil, perrors.Wrap(perrors.CodeUnknown, "decode response", err)
		}
		if len(parsed.Choices) == 0 {
			return nil, perrors.New(perrors.CodeUnknown, "response has no choices")
		}

		return &Response{
			Content:      parsed.Choices[0].Message.Content,
			FinishReason: parsed.Choices[0].FinishReason,
			Usage:        parsed.Usage.normalize(),
		}, nil
	})
}

// ExecuteStream implements Client.
func (o *OpenAI) ExecuteStream(ctx context.Context, req Request) (<-chan Chunk, error) {
	body, err := openStream(ctx, o.http, http.MethodPost, o.base(req)+"/chat/completions",
		authHeader(req.Secret), o.buildRequest(req, true))
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

		scanner := newSSEScanner(body)
		var usage *Usage
		finishReason := ""

		for {
			data, err := scanner.Next()
			if err != nil {
				break
			}

			var frame openAIStreamFrame
			if err := json.Unmarshal([]byte(data), &frame); err != nil {
				continue
			}

			// The usage frame may arrive before, after, or between
			// content frames; accumulate it separately.
			if frame.Usage != nil {
				u := frame.Usage.normalize()
				usage = &u
			}

			if len(frame.Choices) > 0 {
				choice := frame.Choices[0]
				if choice.FinishReason != "" {
					finishReason = choice.FinishReason
				}
				if choice.Delta.Content != "" {
					if !send(ctx, ch, Chunk{Type: ChunkToken, Content: choice.Delta.Content}) {
						return
					}
				}
			}
		}

		if finishReason == "" {
			send(ctx, ch, Chunk{Type: ChunkError, Message: "stream ended without a finish signal"})
			return
		}
		send(ctx, ch, Chunk{Type: ChunkDone, FinishReason: finishReason, Usage: usage})
	}()

	return ch, nil
}

// TestCredential implements Client.
func (o *OpenAI) TestCredential(ctx context.Context, secret string) (bool, error) {
	_, err := doJSON(ctx, o.http, http.MethodGet, o.baseURL+"/models", authHeader(secret), nil)
	if perrors.Is(err, perrors.CodeInvalidCredential) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ListModels implements Client.
func (o *OpenAI) ListModels(ctx context.Context, secret string) ([]string, error) {
	body, err := doJSON(ctx, o.http, http.MethodGet, o.baseURL+"/models", authHeader(secret), nil)
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

// send delivers a chunk unless the context is cancelled. The unbuffered
// channel makes the producer block while the consumer is slow.
func send(ctx context.Context, ch chan<- Chunk, c Chunk) bool {
	select {
	case ch <- c:
		return true
	case <-ctx.Done():
		return false
	}
}
