package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/kiranshivaraju/curio/internal/cache"
	"github.com/kiranshivaraju/curio/pkg/models"
)

const (
	defaultEmbedBatchSize   = 32
	defaultEmbedConcurrency = 4
)

// Service wraps a provider with the call policy every caller shares: a
// per-call timeout, an optional cluster-wide rate limit and telemetry logs.
type Service struct {
	provider         models.AIProvider
	cache            cache.Cache
	timeout          time.Duration
	ratePerMinute    int
	embedBatchSize   int
	embedConcurrency int
	logger           *slog.Logger
	now              func() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithRateLimit caps provider calls per minute using counters in c.
// A limit of zero disables it.
func WithRateLimit(c cache.Cache, perMinute int) ServiceOption {
	return func(s *Service) {
		s.cache = c
		s.ratePerMinute = perMinute
	}
}

// WithEmbedConcurrency bounds the parallel requests issued by EmbedBatch.
func WithEmbedConcurrency(n int) ServiceOption {
	return func(s *Service) {
		if n > 0 {
			s.embedConcurrency = n
		}
	}
}

// WithEmbedBatchSize sets how many texts go into one provider request.
func WithEmbedBatchSize(n int) ServiceOption {
	return func(s *Service) {
		if n > 0 {
			s.embedBatchSize = n
		}
	}
}

func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

// NewService creates a Service. A zero timeout leaves deadlines to the caller.
func NewService(provider models.AIProvider, timeout time.Duration, opts ...ServiceOption) *Service {
	s := &Service{
		provider:         provider,
		timeout:          timeout,
		embedBatchSize:   defaultEmbedBatchSize,
		embedConcurrency: defaultEmbedConcurrency,
		logger:           slog.Default(),
		now:              time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.With("component", "ai", "provider", provider.Name())
	return s
}

// Name returns the underlying provider's name.
func (s *Service) Name() string { return s.provider.Name() }

// Complete runs one chat completion under the service's call policy.
func (s *Service) Complete(ctx context.Context, messages []models.Message, opts models.CompletionOptions) (models.Completion, error) {
	if err := s.checkRate(ctx); err != nil {
		return models.Completion{}, err
	}

	callCtx, cancel := s.withTimeout(ctx)
	defer cancel()

	out, err := s.provider.Complete(callCtx, messages, opts)
	if err != nil {
		err = s.mapError(callCtx, err)
		s.logger.WarnContext(ctx, "completion failed",
			"purpose", opts.Purpose, "trace_id", opts.TraceID, "error", err)
		return models.Completion{}, err
	}

	s.logger.InfoContext(ctx, "completion finished",
		"purpose", opts.Purpose,
		"trace_id", opts.TraceID,
		"model", out.Model,
		"run_id", out.RunID,
		"tokens_in", out.TokensIn,
		"tokens_out", out.TokensOut,
		"latency_ms", out.Latency.Milliseconds(),
	)
	return out, nil
}

// CompleteJSON runs a JSON-mode completion and decodes the content into out.
// Content that does not decode yields ErrInvalidResponse.
func (s *Service) CompleteJSON(ctx context.Context, messages []models.Message, opts models.CompletionOptions, out any) (models.Completion, error) {
	opts.JSON = true
	c, err := s.Complete(ctx, messages, opts)
	if err != nil {
		return models.Completion{}, err
	}

	if err := json.Unmarshal([]byte(stripCodeFence(c.Content)), out); err != nil {
		return c, fmt.Errorf("%w: decoding %s output %q: %v",
			ErrInvalidResponse, opts.Purpose, truncateString(c.Content, 200), err)
	}
	return c, nil
}

// Embed embeds texts in a single provider request.
func (s *Service) Embed(ctx context.Context, texts []string, opts models.EmbedOptions) (models.Embedding, error) {
	if err := s.checkRate(ctx); err != nil {
		return models.Embedding{}, err
	}

	callCtx, cancel := s.withTimeout(ctx)
	defer cancel()

	out, err := s.provider.Embed(callCtx, texts, opts)
	if err != nil {
		err = s.mapError(callCtx, err)
		s.logger.WarnContext(ctx, "embedding failed", "purpose", opts.Purpose, "inputs", len(texts), "error", err)
		return models.Embedding{}, err
	}
	if len(out.Vectors) != len(texts) {
		return models.Embedding{}, fmt.Errorf("%w: got %d vectors for %d inputs",
			ErrInvalidResponse, len(out.Vectors), len(texts))
	}

	s.logger.InfoContext(ctx, "embedding finished",
		"purpose", opts.Purpose,
		"model", out.Model,
		"inputs", len(texts),
		"tokens_in", out.TokensIn,
		"latency_ms", out.Latency.Milliseconds(),
	)
	return out, nil
}

// EmbedBatch splits texts into provider-sized batches, embeds them with
// bounded concurrency and returns the vectors in input order. The first
// failing batch cancels the rest.
func (s *Service) EmbedBatch(ctx context.Context, texts []string, opts models.EmbedOptions) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	if len(texts) == 0 {
		return vectors, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.embedConcurrency)

	for start := 0; start < len(texts); start += s.embedBatchSize {
		end := min(start+s.embedBatchSize, len(texts))
		g.Go(func() error {
			out, err := s.Embed(gctx, texts[start:end], opts)
			if err != nil {
				return fmt.Errorf("embedding batch [%d:%d]: %w", start, end, err)
			}
			copy(vectors[start:end], out.Vectors)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return vectors, nil
}

func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

// mapError reports a call that ran out of time as ErrInferenceTimeout,
// whatever error the provider surfaced for it.
func (s *Service) mapError(callCtx context.Context, err error) error {
	if errors.Is(err, ErrInferenceTimeout) {
		return err
	}
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrInferenceTimeout, err)
	}
	return err
}

// checkRate counts the call against the current minute window. Cache
// failures let the call through.
func (s *Service) checkRate(ctx context.Context) error {
	if s.cache == nil || s.ratePerMinute <= 0 {
		return nil
	}
	window := s.now().Unix() / 60
	n, err := s.cache.IncrWithExpiry(ctx, cache.ProviderRateKey(s.provider.Name(), window), 2*time.Minute)
	if err != nil {
		s.logger.WarnContext(ctx, "rate limit counter unavailable", "error", err)
		return nil
	}
	if n > int64(s.ratePerMinute) {
		return fmt.Errorf("%w: %d calls this minute, limit %d", ErrRateLimited, n, s.ratePerMinute)
	}
	return nil
}

// stripCodeFence removes a surrounding ``` or ```json fence some models add
// even in JSON mode.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// truncateString truncates s to maxBytes without splitting UTF-8 runes.
func truncateString(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	for maxBytes > 0 && !utf8.RuneStart(s[maxBytes]) {
		maxBytes--
	}
	return s[:maxBytes]
}
