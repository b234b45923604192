package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kiranshivaraju/curio/internal/ai/aierr"
	"github.com/kiranshivaraju/curio/internal/config"
	"github.com/kiranshivaraju/curio/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc) *Provider {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return NewProvider(config.OpenAIConfig{
		APIKey:     "sk-test",
		BaseURL:    ts.URL,
		Model:      "gpt-4o-mini",
		EmbedModel: "text-embedding-3-small",
	})
}

func TestComplete_JSONMode(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "gpt-4o-mini", body["model"])
		format, _ := body["response_format"].(map[string]any)
		assert.Equal(t, "json_object", format["type"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-123",
			"model": "gpt-4o-mini-2024-07-18",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "{\"title\":\"Cozy\"}"}}],
			"usage": {"prompt_tokens": 42, "completion_tokens": 7, "total_tokens": 49}
		}`))
	})

	out, err := p.Complete(context.Background(), []models.Message{
		{Role: models.RoleSystem, Content: "curate"},
		{Role: models.RoleUser, Content: "name it"},
	}, models.CompletionOptions{JSON: true, Temperature: 0.4})
	require.NoError(t, err)

	assert.Equal(t, `{"title":"Cozy"}`, out.Content)
	assert.Equal(t, "chatcmpl-123", out.RunID)
	assert.Equal(t, 42, out.TokensIn)
	assert.Equal(t, 7, out.TokensOut)
	assert.Equal(t, "gpt-4o-mini-2024-07-18", out.Model)
}

func TestComplete_RateLimited(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down","type":"rate_limit"}}`))
	})

	_, err := p.Complete(context.Background(), nil, models.CompletionOptions{})
	assert.True(t, errors.Is(err, aierr.ErrRateLimited), "got %v", err)
}

func TestComplete_ServerError(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"error":{"message":"upstream"}}`))
	})

	_, err := p.Complete(context.Background(), nil, models.CompletionOptions{})
	assert.True(t, errors.Is(err, aierr.ErrProviderUnavailable), "got %v", err)
}

func TestComplete_NoChoices(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"x","choices":[]}`))
	})

	_, err := p.Complete(context.Background(), nil, models.CompletionOptions{})
	assert.True(t, errors.Is(err, aierr.ErrInvalidResponse), "got %v", err)
}

func TestEmbed_OrdersByIndex(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"object": "list",
			"model": "text-embedding-3-small",
			"data": [
				{"object": "embedding", "index": 1, "embedding": [0.3, 0.4]},
				{"object": "embedding", "index": 0, "embedding": [0.1, 0.2]}
			],
			"usage": {"prompt_tokens": 6, "total_tokens": 6}
		}`))
	})

	out, err := p.Embed(context.Background(), []string{"mug", "scarf"}, models.EmbedOptions{})
	require.NoError(t, err)
	require.Len(t, out.Vectors, 2)
	assert.Equal(t, []float32{0.1, 0.2}, out.Vectors[0])
	assert.Equal(t, []float32{0.3, 0.4}, out.Vectors[1])
	assert.Equal(t, 6, out.TokensIn)
}

func TestEmbed_EmptyInputMakesNoRequest(t *testing.T) {
	p := newTestProvider(t, func(http.ResponseWriter, *http.Request) {
		t.Error("unexpected request")
	})

	out, err := p.Embed(context.Background(), nil, models.EmbedOptions{})
	require.NoError(t, err)
	assert.Empty(t, out.Vectors)
}

func TestNamedProvider(t *testing.T) {
	p := NewNamedProvider("vllm", config.OpenAIConfig{BaseURL: "http://localhost:8000/v1"})
	assert.Equal(t, "vllm", p.Name())
}
