// Package gemini implements models.AIProvider on the Google Gen AI SDK.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/kiranshivaraju/curio/internal/ai/aierr"
	"github.com/kiranshivaraju/curio/internal/config"
	"github.com/kiranshivaraju/curio/pkg/models"
)

// Provider implements models.AIProvider using the Gemini API.
type Provider struct {
	client     *genai.Client
	model      string
	embedModel string
}

// NewProvider creates a Gemini client. It fails only on invalid client
// configuration; no request is made.
func NewProvider(ctx context.Context, cfg config.GeminiConfig) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}
	return &Provider{client: client, model: cfg.Model, embedModel: cfg.EmbedModel}, nil
}

func (p *Provider) Name() string { return "gemini" }

func (p *Provider) Complete(ctx context.Context, messages []models.Message, opts models.CompletionOptions) (models.Completion, error) {
	model := opts.Model
	if model == "" {
		model = p.model
	}

	genCfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(opts.Temperature),
	}
	if opts.JSON {
		genCfg.ResponseMIMEType = "application/json"
	}

	var system []string
	contents := make([]*genai.Content, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case models.RoleSystem:
			system = append(system, m.Content)
		case models.RoleUser:
			contents = append(contents, &genai.Content{Role: "user", Parts: []*genai.Part{{Text: m.Content}}})
		default:
			contents = append(contents, &genai.Content{Role: "model", Parts: []*genai.Part{{Text: m.Content}}})
		}
	}
	if len(system) > 0 {
		genCfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: strings.Join(system, "\n\n")}}}
	}

	start := time.Now()
	resp, err := p.client.Models.GenerateContent(ctx, model, contents, genCfg)
	if err != nil {
		return models.Completion{}, classifyError(err)
	}
	if len(resp.Candidates) == 0 {
		return models.Completion{}, fmt.Errorf("%w: no candidates returned", aierr.ErrInvalidResponse)
	}
	if resp.Candidates[0].FinishReason == genai.FinishReasonSafety {
		return models.Completion{}, fmt.Errorf("%w: blocked by safety filters", aierr.ErrInvalidResponse)
	}

	text := resp.Text()
	if text == "" {
		return models.Completion{}, fmt.Errorf("%w: empty response text", aierr.ErrInvalidResponse)
	}

	out := models.Completion{
		Content: text,
		Model:   model,
		Latency: time.Since(start),
		RunID:   resp.ResponseID,
	}
	if resp.ModelVersion != "" {
		out.Model = resp.ModelVersion
	}
	if resp.UsageMetadata != nil {
		out.TokensIn = int(resp.UsageMetadata.PromptTokenCount)
		out.TokensOut = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	return out, nil
}

func (p *Provider) Embed(ctx context.Context, texts []string, opts models.EmbedOptions) (models.Embedding, error) {
	model := opts.Model
	if model == "" {
		model = p.embedModel
	}
	if len(texts) == 0 {
		return models.Embedding{Vectors: [][]float32{}, Model: model}, nil
	}

	contents := make([]*genai.Content, len(texts))
	for i, t := range texts {
		contents[i] = &genai.Content{Parts: []*genai.Part{{Text: t}}}
	}

	start := time.Now()
	resp, err := p.client.Models.EmbedContent(ctx, model, contents, nil)
	if err != nil {
		return models.Embedding{}, classifyError(err)
	}
	if len(resp.Embeddings) != len(texts) {
		return models.Embedding{}, fmt.Errorf("%w: got %d embeddings for %d inputs",
			aierr.ErrInvalidResponse, len(resp.Embeddings), len(texts))
	}

	vectors := make([][]float32, len(resp.Embeddings))
	for i, e := range resp.Embeddings {
		vectors[i] = e.Values
	}
	return models.Embedding{Vectors: vectors, Model: model, Latency: time.Since(start)}, nil
}

// classifyError maps SDK errors to the ai sentinels.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", aierr.ErrInferenceTimeout, err)
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %v", aierr.ErrRateLimited, err)
	}
	return fmt.Errorf("%w: %v", aierr.ErrProviderUnavailable, err)
}

var _ models.AIProvider = (*Provider)(nil)
