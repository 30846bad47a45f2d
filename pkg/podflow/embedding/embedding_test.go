package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/podflow/podflow/pkg/podflow/perrors"
)

func TestOpenAIEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "some exchange", body["input"])
		assert.Equal(t, defaultEmbeddingModel, body["model"])

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data": [{"embedding": [0.1, -0.2, 0.3]}]}`))
	}))
	defer srv.Close()

	client := NewOpenAI("sk-test", WithBaseURL(srv.URL))
	vec, err := client.Embed(context.Background(), "some exchange")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, -0.2, 0.3}, vec)
}

func TestOpenAIEmbedErrorMapping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error": {"message": "bad key"}}`))
	}))
	defer srv.Close()

	_, err := NewOpenAI("sk-bad", WithBaseURL(srv.URL)).Embed(context.Background(), "text")
	require.Error(t, err)
	assert.True(t, perrors.Is(err, perrors.CodeInvalidCredential))
}

func TestNoop(t *testing.T) {
	vec, err := Noop{}.Embed(context.Background(), "anything")
	require.NoError(t, err)
	assert.Nil(t, vec)
}
