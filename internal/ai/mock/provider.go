package mock

import (
	"context"
	"hash/fnv"
	"math/rand"
	"sync/atomic"

	"github.com/kiranshivaraju/curio/internal/ai"
	"github.com/kiranshivaraju/curio/pkg/models"
)

// Dimensions is the vector size produced by the default Embed.
const Dimensions = 8

// MockProvider satisfies models.AIProvider for testing.
type MockProvider struct {
	Name_        string
	CompleteFunc func(ctx context.Context, messages []models.Message, opts models.CompletionOptions) (models.Completion, error)
	EmbedFunc    func(ctx context.Context, texts []string, opts models.EmbedOptions) (models.Embedding, error)

	completeCalls atomic.Int64
	embedCalls    atomic.Int64
}

func (m *MockProvider) Name() string { return m.Name_ }

func (m *MockProvider) Complete(ctx context.Context, messages []models.Message, opts models.CompletionOptions) (models.Completion, error) {
	m.completeCalls.Add(1)
	if m.CompleteFunc != nil {
		return m.CompleteFunc(ctx, messages, opts)
	}
	return models.Completion{}, nil
}

func (m *MockProvider) Embed(ctx context.Context, texts []string, opts models.EmbedOptions) (models.Embedding, error) {
	m.embedCalls.Add(1)
	if m.EmbedFunc != nil {
		return m.EmbedFunc(ctx, texts, opts)
	}
	return models.Embedding{}, nil
}

// CompleteCalls reports how many times Complete was invoked.
func (m *MockProvider) CompleteCalls() int { return int(m.completeCalls.Load()) }

// EmbedCalls reports how many times Embed was invoked.
func (m *MockProvider) EmbedCalls() int { return int(m.embedCalls.Load()) }

// NewMockProvider returns a MockProvider with sensible default responses:
// an empty JSON object for completions and deterministic per-text vectors.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		Name_: "mock",
		CompleteFunc: func(_ context.Context, _ []models.Message, _ models.CompletionOptions) (models.Completion, error) {
			return models.Completion{
				Content:   "{}",
				Model:     "mock-v1",
				TokensIn:  10,
				TokensOut: 2,
				RunID:     "mock-run",
			}, nil
		},
		EmbedFunc: func(_ context.Context, texts []string, _ models.EmbedOptions) (models.Embedding, error) {
			vectors := make([][]float32, len(texts))
			for i, t := range texts {
				vectors[i] = Vector(t)
			}
			return models.Embedding{Vectors: vectors, Model: "mock-embed-v1", TokensIn: len(texts)}, nil
		},
	}
}

// Vector is the deterministic embedding the default mock returns for text.
func Vector(text string) []float32 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	r := rand.New(rand.NewSource(int64(h.Sum64())))
	v := make([]float32, Dimensions)
	for i := range v {
		v[i] = r.Float32()*2 - 1
	}
	return v
}

// NewFailingProvider returns a MockProvider that always returns the given error.
func NewFailingProvider(err error) *MockProvider {
	return &MockProvider{
		Name_: "mock-failing",
		CompleteFunc: func(_ context.Context, _ []models.Message, _ models.CompletionOptions) (models.Completion, error) {
			return models.Completion{}, err
		},
		EmbedFunc: func(_ context.Context, _ []string, _ models.EmbedOptions) (models.Embedding, error) {
			return models.Embedding{}, err
		},
	}
}

// NewTimeoutProvider returns a MockProvider that blocks until context is cancelled.
func NewTimeoutProvider() *MockProvider {
	return &MockProvider{
		Name_: "mock-timeout",
		CompleteFunc: func(ctx context.Context, _ []models.Message, _ models.CompletionOptions) (models.Completion, error) {
			<-ctx.Done()
			return models.Completion{}, ai.ErrInferenceTimeout
		},
		EmbedFunc: func(ctx context.Context, _ []string, _ models.EmbedOptions) (models.Embedding, error) {
			<-ctx.Done()
			return models.Embedding{}, ai.ErrInferenceTimeout
		},
	}
}

// Compile-time check that MockProvider implements AIProvider.
var _ models.AIProvider = (*MockProvider)(nil)
