// Package embedding generates semantic vectors for completed exchanges.
// The engine uses it best-effort: an embedding failure is logged and
// never affects the execution outcome.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/podflow/podflow/pkg/podflow/perrors"
)

// Embedder turns text into a semantic vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Noop produces no vectors. Useful when no embedding backend is
// configured.
type Noop struct{}

// Embed implements Embedder.
func (Noop) Embed(context.Context, string) ([]float32, error) {
	return nil, nil
}

const (
	defaultEmbeddingBase  = "https://api.openai.com/v1"
	defaultEmbeddingModel = "text-embedding-3-small"
	embedTimeout          = 30 * time.Second
)

type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// OpenAI is an embeddings client over the OpenAI-shaped API.
type OpenAI struct {
	http    httpDoer
	baseURL string
	model   string
	secret  string
}

// OpenAIOption configures the client.
type OpenAIOption func(*OpenAI)

// WithHTTPClient sets the HTTP transport.
func WithHTTPClient(c httpDoer) OpenAIOption {
	return func(o *OpenAI) { o.http = c }
}

// WithBaseURL overrides the default API base URL.
func WithBaseURL(url string) OpenAIOption {
	return func(o *OpenAI) { o.baseURL = url }
}

// WithModel overrides the default embedding model.
func WithModel(m string) OpenAIOption {
	return func(o *OpenAI) { o.model = m }
}

// NewOpenAI creates an embeddings client.
func NewOpenAI(secret string, opts ...OpenAIOption) *OpenAI {
	o := &OpenAI{
		http:    &http.Client{},
		baseURL: defaultEmbeddingBase,
		model:   defaultEmbeddingModel,
		secret:  secret,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Compile-time interface check.
var _ Embedder = (*OpenAI)(nil)

// Embed implements Embedder.
func (o *OpenAI) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, embedTimeout)
	defer cancel()

	payload, err := json.Marshal(map[string]string{
		"model": o.model,
		"input": text,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.secret)

	resp, err := o.http.Do(req)
	if err != nil {
		return nil, perrors.Wrap(perrors.CodeNetworkError, "embedding call failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, perrors.Wrap(perrors.CodeNetworkError, "read embedding response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, perrors.FromHTTPStatus(resp.StatusCode, string(body))
	}

	var parsed struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode embedding response: %w", err)
	}
	if len(parsed.Data) == 0 {
		return nil, perrors.New(perrors.CodeUnknown, "embedding response has no data")
	}
	return parsed.Data[0].Embedding, nil
}
