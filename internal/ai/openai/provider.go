// Package openai implements models.AIProvider on the OpenAI chat completion
// and embedding APIs. Any OpenAI-compatible server can be targeted through
// the base URL.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/kiranshivaraju/curio/internal/ai/aierr"
	"github.com/kiranshivaraju/curio/internal/config"
	"github.com/kiranshivaraju/curio/pkg/models"
)

// Provider implements models.AIProvider using OpenAI.
type Provider struct {
	name       string
	client     *goopenai.Client
	model      string
	embedModel string
}

func NewProvider(cfg config.OpenAIConfig) *Provider {
	clientCfg := goopenai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	return &Provider{
		name:       "openai",
		client:     goopenai.NewClientWithConfig(clientCfg),
		model:      cfg.Model,
		embedModel: cfg.EmbedModel,
	}
}

// NewNamedProvider is NewProvider reporting a different provider name, for
// OpenAI-compatible servers.
func NewNamedProvider(name string, cfg config.OpenAIConfig) *Provider {
	p := NewProvider(cfg)
	p.name = name
	return p
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) Complete(ctx context.Context, messages []models.Message, opts models.CompletionOptions) (models.Completion, error) {
	model := opts.Model
	if model == "" {
		model = p.model
	}

	req := goopenai.ChatCompletionRequest{
		Model:       model,
		Messages:    make([]goopenai.ChatCompletionMessage, 0, len(messages)),
		Temperature: opts.Temperature,
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, goopenai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	if opts.JSON {
		req.ResponseFormat = &goopenai.ChatCompletionResponseFormat{
			Type: goopenai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}
	if opts.TraceID != "" {
		req.User = opts.TraceID
	}

	start := time.Now()
	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return models.Completion{}, classifyError(err)
	}
	if len(resp.Choices) == 0 {
		return models.Completion{}, fmt.Errorf("%w: no choices returned", aierr.ErrInvalidResponse)
	}

	return models.Completion{
		Content:   resp.Choices[0].Message.Content,
		Model:     resp.Model,
		TokensIn:  resp.Usage.PromptTokens,
		TokensOut: resp.Usage.CompletionTokens,
		Latency:   time.Since(start),
		RunID:     resp.ID,
	}, nil
}

func (p *Provider) Embed(ctx context.Context, texts []string, opts models.EmbedOptions) (models.Embedding, error) {
	model := opts.Model
	if model == "" {
		model = p.embedModel
	}
	if len(texts) == 0 {
		return models.Embedding{Vectors: [][]float32{}, Model: model}, nil
	}

	start := time.Now()
	resp, err := p.client.CreateEmbeddings(ctx, goopenai.EmbeddingRequest{
		Input: texts,
		Model: goopenai.EmbeddingModel(model),
	})
	if err != nil {
		return models.Embedding{}, classifyError(err)
	}
	if len(resp.Data) != len(texts) {
		return models.Embedding{}, fmt.Errorf("%w: got %d embeddings for %d inputs",
			aierr.ErrInvalidResponse, len(resp.Data), len(texts))
	}

	vectors := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(vectors) {
			return models.Embedding{}, fmt.Errorf("%w: embedding index %d out of range", aierr.ErrInvalidResponse, d.Index)
		}
		vectors[d.Index] = d.Embedding
	}

	return models.Embedding{
		Vectors:  vectors,
		Model:    string(resp.Model),
		TokensIn: resp.Usage.PromptTokens,
		Latency:  time.Since(start),
	}, nil
}

// classifyError maps client errors to the ai sentinels.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", aierr.ErrInferenceTimeout, err)
	}

	status := 0
	var apiErr *goopenai.APIError
	var reqErr *goopenai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}

	if status == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %v", aierr.ErrRateLimited, err)
	}
	return fmt.Errorf("%w: %v", aierr.ErrProviderUnavailable, err)
}

var _ models.AIProvider = (*Provider)(nil)
