package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/kiranshivaraju/curio/internal/ai/aierr"
	"github.com/kiranshivaraju/curio/internal/config"
	"github.com/kiranshivaraju/curio/pkg/models"
)

// Provider implements models.AIProvider using Ollama's HTTP API.
type Provider struct {
	baseURL    string
	model      string
	embedModel string
	client     *http.Client
}

// NewProvider creates an Ollama provider. Request deadlines come from the
// caller's context.
func NewProvider(cfg config.OllamaConfig) *Provider {
	return &Provider{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		model:      cfg.Model,
		embedModel: cfg.EmbedModel,
		client:     &http.Client{},
	}
}

func (p *Provider) Name() string { return "ollama" }

func (p *Provider) Complete(ctx context.Context, messages []models.Message, opts models.CompletionOptions) (models.Completion, error) {
	model := opts.Model
	if model == "" {
		model = p.model
	}

	req := chatRequest{
		Model:    model,
		Messages: messages,
		Stream:   false,
		Options:  map[string]any{"temperature": opts.Temperature},
	}
	if opts.JSON {
		req.Format = "json"
	}

	start := time.Now()
	var resp chatResponse
	if err := p.post(ctx, "/api/chat", req, &resp); err != nil {
		return models.Completion{}, err
	}
	if resp.Message.Content == "" {
		return models.Completion{}, fmt.Errorf("%w: empty message content", aierr.ErrInvalidResponse)
	}

	return models.Completion{
		Content:   resp.Message.Content,
		Model:     resp.Model,
		TokensIn:  resp.PromptEvalCount,
		TokensOut: resp.EvalCount,
		Latency:   time.Since(start),
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
	var resp embedResponse
	if err := p.post(ctx, "/api/embed", embedRequest{Model: model, Input: texts}, &resp); err != nil {
		return models.Embedding{}, err
	}
	if len(resp.Embeddings) != len(texts) {
		return models.Embedding{}, fmt.Errorf("%w: got %d embeddings for %d inputs",
			aierr.ErrInvalidResponse, len(resp.Embeddings), len(texts))
	}

	return models.Embedding{
		Vectors:  resp.Embeddings,
		Model:    resp.Model,
		TokensIn: resp.PromptEvalCount,
		Latency:  time.Since(start),
	}, nil
}

func (p *Provider) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return classifyError(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d", aierr.ErrRateLimited, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: status %d: %s", aierr.ErrProviderUnavailable, resp.StatusCode, bytes.TrimSpace(msg))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decoding response: %v", aierr.ErrInvalidResponse, err)
	}
	return nil
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", aierr.ErrInferenceTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", aierr.ErrInferenceTimeout, err)
	}

	return fmt.Errorf("%w: %v", aierr.ErrProviderUnavailable, err)
}

// --- Ollama wire types ---

type chatRequest struct {
	Model    string           `json:"model"`
	Messages []models.Message `json:"messages"`
	Stream   bool             `json:"stream"`
	Format   string           `json:"format,omitempty"`
	Options  map[string]any   `json:"options,omitempty"`
}

type chatResponse struct {
	Model           string         `json:"model"`
	Message         models.Message `json:"message"`
	PromptEvalCount int            `json:"prompt_eval_count"`
	EvalCount       int            `json:"eval_count"`
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Model           string      `json:"model"`
	Embeddings      [][]float32 `json:"embeddings"`
	PromptEvalCount int         `json:"prompt_eval_count"`
}

var _ models.AIProvider = (*Provider)(nil)
