// Package jobs wires the queues, worker pools and handlers of every job kind
// into one System that the server, scheduler and CLI share.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kiranshivaraju/curio/internal/config"
	"github.com/kiranshivaraju/curio/internal/curator"
	"github.com/kiranshivaraju/curio/internal/notify"
	"github.com/kiranshivaraju/curio/internal/queue"
	"github.com/kiranshivaraju/curio/internal/store"
	"github.com/kiranshivaraju/curio/internal/vectors"
	"github.com/kiranshivaraju/curio/internal/worker"
	"github.com/kiranshivaraju/curio/pkg/models"
)

var ErrUnknownKind = errors.New("unknown job kind")

// AI is the generation service handlers use. *ai.Service satisfies it.
type AI interface {
	curator.Generator
	Embed(ctx context.Context, texts []string, opts models.EmbedOptions) (models.Embedding, error)
}

// Deps are the collaborators of a System. Mirror and Publisher may be nil.
type Deps struct {
	Store     store.Store
	Vectors   vectors.Store
	AI        AI
	Curator   *curator.Curator
	Publisher notify.Publisher
	Backend   queue.Backend
	Mirror    queue.StatusMirror
	Logger    *slog.Logger
}

// kindDefaults are the per-kind delivery settings. Priority 0 is most urgent.
var kindDefaults = map[models.JobKind]queue.Options{
	models.KindProductEmbedding: {
		Priority:    5,
		MaxAttempts: 3,
		Backoff:     models.Backoff{Type: models.BackoffExponential, Delay: 5 * time.Second},
	},
	models.KindProductEnrichment: {
		Priority:    10,
		MaxAttempts: 3,
		Backoff:     models.Backoff{Type: models.BackoffExponential, Delay: 10 * time.Second},
	},
	models.KindProfileEmbedding: {
		Priority:    5,
		MaxAttempts: 3,
		Backoff:     models.Backoff{Type: models.BackoffExponential, Delay: 5 * time.Second},
	},
	models.KindCuratedCollections: {
		MaxAttempts: 3,
		Backoff:     models.Backoff{Type: models.BackoffExponential, Delay: time.Minute},
	},
	models.KindReminderDispatch: {
		Priority:    1,
		MaxAttempts: 5,
		Backoff:     models.Backoff{Type: models.BackoffExponential, Delay: 30 * time.Second},
	},
}

// System owns one queue and one worker pool per job kind. It is built once
// at startup, started, and stopped on shutdown.
type System struct {
	cfg     config.JobsConfig
	backend queue.Backend
	queues  map[models.JobKind]*queue.Queue
	pools   map[models.JobKind]*worker.Pool
	handler *Handlers
	logger  *slog.Logger
}

// NewSystem builds the queues, handlers and pools. Nothing runs until Start.
func NewSystem(deps Deps, cfg config.JobsConfig) (*System, error) {
	if deps.Backend == nil {
		return nil, errors.New("queue backend is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &System{
		cfg:     cfg,
		backend: deps.Backend,
		queues:  make(map[models.JobKind]*queue.Queue, len(kindDefaults)),
		pools:   make(map[models.JobKind]*worker.Pool, len(kindDefaults)),
		logger:  logger.With("component", "jobs"),
	}

	for _, kind := range models.AllKinds() {
		s.queues[kind] = queue.New(queue.Config{Kind: kind, Defaults: kindDefaults[kind]}, deps.Backend, deps.Mirror, logger)
	}

	loc, err := cfg.Location()
	if err != nil {
		return nil, fmt.Errorf("resolving timezone: %w", err)
	}
	s.handler = &Handlers{
		store:             deps.Store,
		vectors:           deps.Vectors,
		ai:                deps.AI,
		curator:           deps.Curator,
		publisher:         deps.Publisher,
		enqueuer:          s,
		location:          loc,
		collectionsCount:  cfg.CollectionsCount,
		productsPerCol:    cfg.ProductsPerCollection,
		enrichmentVersion: cfg.EnrichmentVersion,
		logger:            logger.With("component", "handlers"),
		now:               time.Now,
	}
	dispatch := NewDispatcher(s.handler)

	for _, kind := range models.AllKinds() {
		s.pools[kind] = worker.New(s.queues[kind], dispatch.Handle, worker.Config{
			Concurrency:   concurrencyFor(cfg, kind),
			PollInterval:  cfg.PollInterval,
			LeaseDuration: cfg.LeaseDuration,
		}, logger)
	}
	return s, nil
}

func concurrencyFor(cfg config.JobsConfig, kind models.JobKind) int {
	switch kind {
	case models.KindProductEmbedding:
		return cfg.ProductEmbeddingConcurrency
	case models.KindProductEnrichment:
		return cfg.EnrichmentConcurrency
	case models.KindProfileEmbedding:
		return cfg.ProfileEmbeddingConcurrency
	case models.KindCuratedCollections:
		return cfg.GenerationConcurrency
	case models.KindReminderDispatch:
		return cfg.ReminderConcurrency
	}
	return 1
}

// Enqueue routes payload to the queue of its kind.
func (s *System) Enqueue(ctx context.Context, payload models.JobPayload, opts ...queue.Option) (*models.JobRecord, bool, error) {
	q, ok := s.queues[payload.Kind()]
	if !ok {
		return nil, false, fmt.Errorf("%w: %s", ErrUnknownKind, payload.Kind())
	}
	return q.Enqueue(ctx, payload, opts...)
}

// Queue returns the queue for kind.
func (s *System) Queue(kind models.JobKind) (*queue.Queue, bool) {
	q, ok := s.queues[kind]
	return q, ok
}

// Pool returns the worker pool for kind.
func (s *System) Pool(kind models.JobKind) (*worker.Pool, bool) {
	p, ok := s.pools[kind]
	return p, ok
}

// Job looks up a job record in any queue.
func (s *System) Job(ctx context.Context, id uuid.UUID) (*models.JobRecord, error) {
	return s.backend.Get(ctx, id)
}

// Start starts every worker pool.
func (s *System) Start(ctx context.Context) error {
	for _, kind := range models.AllKinds() {
		if err := s.pools[kind].Start(ctx); err != nil {
			return fmt.Errorf("starting %s workers: %w", kind, err)
		}
	}
	s.logger.Info("job system started", "queues", len(s.queues))
	return nil
}

// Stop stops every pool and waits for in-flight handlers.
func (s *System) Stop() {
	var g errgroup.Group
	for _, p := range s.pools {
		g.Go(func() error {
			p.Stop()
			return nil
		})
	}
	_ = g.Wait()
	s.logger.Info("job system stopped")
}

// Sweep requeues expired leases and applies retention on every queue.
func (s *System) Sweep(ctx context.Context) (requeued, purged int, err error) {
	for _, kind := range models.AllKinds() {
		q := s.queues[kind]
		n, err := q.RequeueExpired(ctx)
		if err != nil {
			return requeued, purged, err
		}
		requeued += n
		n, err = q.Sweep(ctx)
		if err != nil {
			return requeued, purged, err
		}
		purged += n
	}
	return requeued, purged, nil
}
