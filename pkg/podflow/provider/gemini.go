package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/podflow/podflow/pkg/podflow/model"
	"github.com/podflow/podflow/pkg/podflow/perrors"
)

const defaultGeminiBase = "https://generativelanguage.googleapis.com/v1beta"

// geminiSafetyCategories are disabled on every request so content
// filtering never truncates an execution mid-stream.
var geminiSafetyCategories = []string{
	"HARM_CATEGORY_HARASSMENT",
	"HARM_CATEGORY_HATE_SPEECH",
	"HARM_CATEGORY_SEXUALLY_EXPLICIT",
	"HARM_CATEGORY_DANGEROUS_CONTENT",
}

// Gemini implements Client against the Google generative language API.
type Gemini struct {
	http    httpDoer
	baseURL string
	retry   perrors.RetryConfig
}

// GeminiOption configures the adapter.
type GeminiOption func(*Gemini)

// WithGeminiHTTPClient sets the HTTP transport.
func WithGeminiHTTPClient(c httpDoer) GeminiOption {
	return func(g *Gemini) { g.http = c }
}

// WithGeminiBaseURL overrides the default API base URL.
func WithGeminiBaseURL(url string) GeminiOption {
	return func(g *Gemini) { g.baseURL = url }
}

// WithGeminiRetry overrides the retry policy.
func WithGeminiRetry(cfg perrors.RetryConfig) GeminiOption {
	return func(g *Gemini) { g.retry = cfg }
}

// NewGemini creates a Gemini adapter with the standard retry policy.
func NewGemini(opts ...GeminiOption) *Gemini {
	g := &Gemini{
		http:    &http.Client{},
		baseURL: defaultGeminiBase,
		retry:   perrors.DefaultRetry,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Compile-time interface check.
var _ Client = (*Gemini)(nil)

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiThinkingConfig struct {
	ThinkingBudget int `json:"thinkingBudget"`
}

type geminiGenerationConfig struct {
	Temperature      *float64              `json:"temperature,omitempty"`
	TopP             *float64              `json:"topP,omitempty"`
	MaxOutputTokens  *int                  `json:"maxOutputTokens,omitempty"`
	ResponseMimeType string                `json:"responseMimeType,omitempty"`
	ThinkingConfig   *geminiThinkingConfig `json:"thinkingConfig,omitempty"`
}

type geminiSafetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
	SafetySettings    []geminiSafetySetting   `json:"safetySettings"`
}

type geminiUsage struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	ThoughtsTokenCount   int `json:"thoughtsTokenCount"`
	CachedContentTokens  int `json:"cachedContentTokenCount"`
}

func (u geminiUsage) normalize() Usage {
	return Usage{
		PromptTokens:     u.PromptTokenCount,
		CompletionTokens: u.CandidatesTokenCount,
		ReasoningTokens:  u.ThoughtsTokenCount,
		CachedTokens:     u.CachedContentTokens,
	}
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *geminiUsage `json:"usageMetadata"`
}

func (g *Gemini) buildRequest(req Request) geminiRequest {
	contents := make([]geminiContent, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == model.RoleSystem {
			continue
		}
		role := "user"
		if m.Role == model.RoleAssistant {
			role = "model"
		}
		contents = append(contents, geminiContent{
			Role:  role,
			Parts: []geminiPart{{Text: m.Content}},
		})
	}

	body := geminiRequest{Contents: contents}

	if req.SystemPrompt != "" {
		body.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.SystemPrompt}}}
	}

	gen := &geminiGenerationConfig{MaxOutputTokens: req.MaxTokens}
	if !req.ReasoningModel {
		gen.Temperature = req.Temperature
		gen.TopP = req.TopP
	}
	if req.ResponseFormat == "json" {
		gen.ResponseMimeType = "application/json"
	}
	if req.ThinkingBudget != nil {
		gen.ThinkingConfig = &geminiThinkingConfig{ThinkingBudget: *req.ThinkingBudget}
	}
	body.GenerationConfig = gen

	body.SafetySettings = make([]geminiSafetySetting, 0, len(geminiSafetyCategories))
	for _, cat := range geminiSafetyCategories {
		body.SafetySettings = append(body.SafetySettings, geminiSafetySetting{
			Category:  cat,
			Threshold: "BLOCK_NONE",
		})
	}

	return body
}

func (g *Gemini) modelURL(req Request, verb, query string) string {
	base := g.baseURL
	if req.Endpoint != "" {
		base = req.Endpoint
	}
	url := fmt.Sprintf("%s/models/%s:%s?key=%s", base, req.Model, verb, req.Secret)
	if query != "" {
		url += "&" + query
	}
	return url
}

func candidateText(r geminiResponse) (text, finish string) {
	if len(r.Candidates) == 0 {
		return "", ""
	}
	c := r.Candidates[0]
	for _, p := range c.Content.Parts {
		text += p.Text
	}
	return text, c.FinishReason
}

// Execute implements Client.
func (g *Gemini) Execute(ctx context.Context, req Request) (*Response, error) {
	return perrors.WithRetry(ctx, g.retry, func(ctx context.Context) (*Response, error) {
		body, err := doJSON(ctx, g.http, http.MethodPost, g.modelURL(req, "generateContent", ""),
			nil, g.buildRequest(req))
		if err != nil {
			return nil, err
		}

		var parsed geminiResponse
		if err := json.Unmarshal(body, &parsed); err != nil {
			return nil, perrors.Wrap(perrors.CodeUnknown, "decode response", err)
		}
		if len(parsed.Candidates) == 0 {
			return nil, perrors.New(perrors.CodeUnknown, "response has no candidates")
		}

		text, finish := candidateText(parsed)
		resp := &Response{Content: text, FinishReason: finish}
		if parsed.UsageMetadata != nil {
			resp.Usage = parsed.UsageMetadata.normalize()
		}
		return resp, nil
	})
}

// ExecuteStream implements Client.
func (g *Gemini) ExecuteStream(ctx context.Context, req Request) (<-chan Chunk, error) {
	body, err := openStream(ctx, g.http, http.MethodPost, g.modelURL(req, "streamGenerateContent", "alt=sse"),
		nil, g.buildRequest(req))
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
		finishReason := ""

		scanner := newSSEScanner(body)
		for {
			data, err := scanner.Next()
			if err != nil {
				break
			}

			var frame geminiResponse
			if err := json.Unmarshal([]byte(data), &frame); err != nil {
				continue
			}

			if frame.UsageMetadata != nil {
				usage = frame.UsageMetadata.normalize()
			}

			text, finish := candidateText(frame)
			if finish != "" {
				finishReason = finish
			}
			if text != "" {
				if !send(ctx, ch, Chunk{Type: ChunkToken, Content: text}) {
					return
				}
			}
		}

		if finishReason == "" {
			send(ctx, ch, Chunk{Type: ChunkError, Message: "stream ended without a finish signal"})
			return
		}
		send(ctx, ch, Chunk{Type: ChunkDone, FinishReason: finishReason, Usage: &usage})
	}()

	return ch, nil
}

// TestCredential implements Client.
func (g *Gemini) TestCredential(ctx context.Context, secret string) (bool, error) {
	_, err := doJSON(ctx, g.http, http.MethodGet, g.baseURL+"/models?key="+secret, nil, nil)
	if perrors.Is(err, perrors.CodeInvalidCredential) || perrors.Is(err, perrors.CodeBadRequest) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ListModels implements Client.
func (g *Gemini) ListModels(ctx context.Context, secret string) ([]string, error) {
	body, err := doJSON(ctx, g.http, http.MethodGet, g.baseURL+"/models?key="+secret, nil, nil)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode model list: %w", err)
	}

	names := make([]string, 0, len(parsed.Models))
	for _, m := range parsed.Models {
		names = append(names, m.Name)
	}
	return names, nil
}
