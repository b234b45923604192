// Package curator turns the published catalog into a handful of time-boxed,
// generated collections per surface: candidate pool, embedding clusters,
// cluster scoring, one generation call per selected cluster and a
// transactional write per collection.
package curator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/kiranshivaraju/curio/internal/analysis"
	"github.com/kiranshivaraju/curio/internal/archive"
	"github.com/kiranshivaraju/curio/internal/imagesearch"
	"github.com/kiranshivaraju/curio/internal/notify"
	"github.com/kiranshivaraju/curio/internal/store"
	"github.com/kiranshivaraju/curio/internal/vectors"
	"github.com/kiranshivaraju/curio/pkg/models"
)

const (
	DefaultMinPoolSize           = 50
	DefaultItemsPerCluster       = 30
	DefaultMaxClusters           = 20
	DefaultValidityDays          = 3
	DefaultCollectionsCount      = 5
	DefaultProductsPerCollection = 12
	DefaultMinClusterSize        = 10
)

// Reasons a run produced nothing without failing.
const (
	AbortPoolTooSmall   = "pool-too-small"
	AbortTooFewClusters = "too-few-clusters"
)

// Generator is the generation service the curator drives. *ai.Service
// satisfies it.
type Generator interface {
	Name() string
	CompleteJSON(ctx context.Context, messages []models.Message, opts models.CompletionOptions, out any) (models.Completion, error)
}

// Config holds pipeline thresholds. Zero values take defaults.
type Config struct {
	MinPoolSize     int
	ItemsPerCluster int
	MaxClusters     int
	ValidityDays    int
	MinClusterSize  int
	// PromptMembers caps how many cluster members are described to the model.
	PromptMembers int
	Temperature   float32
	Restarts      int
}

func (c Config) withDefaults() Config {
	if c.MinPoolSize <= 0 {
		c.MinPoolSize = DefaultMinPoolSize
	}
	if c.ItemsPerCluster <= 0 {
		c.ItemsPerCluster = DefaultItemsPerCluster
	}
	if c.MaxClusters <= 0 {
		c.MaxClusters = DefaultMaxClusters
	}
	if c.ValidityDays <= 0 {
		c.ValidityDays = DefaultValidityDays
	}
	if c.MinClusterSize <= 0 {
		c.MinClusterSize = DefaultMinClusterSize
	}
	if c.PromptMembers <= 0 {
		c.PromptMembers = 40
	}
	if c.Temperature == 0 {
		c.Temperature = 0.7
	}
	if c.Restarts <= 0 {
		c.Restarts = 1
	}
	return c
}

// Curator runs the collection pipeline.
type Curator struct {
	store   store.Store
	vectors vectors.Store
	gen     Generator
	images  imagesearch.Searcher
	archive archive.Archiver
	events  *notify.Background
	cfg     Config
	rand    *rand.Rand
	logger  *slog.Logger
}

type Option func(*Curator)

// WithImageSearch sets the cover image searcher. Without one every
// collection gets the placeholder cover.
func WithImageSearch(s imagesearch.Searcher) Option {
	return func(c *Curator) { c.images = s }
}

// WithArchive stores each raw generation response.
func WithArchive(a archive.Archiver) Option {
	return func(c *Curator) { c.archive = a }
}

// WithEvents announces published collections.
func WithEvents(b *notify.Background) Option {
	return func(c *Curator) { c.events = b }
}

func WithConfig(cfg Config) Option {
	return func(c *Curator) { c.cfg = cfg.withDefaults() }
}

// WithRand makes clustering reproducible.
func WithRand(r *rand.Rand) Option {
	return func(c *Curator) { c.rand = r }
}

func New(st store.Store, vec vectors.Store, gen Generator, logger *slog.Logger, opts ...Option) *Curator {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Curator{
		store:   st,
		vectors: vec,
		gen:     gen,
		cfg:     Config{}.withDefaults(),
		logger:  logger.With("component", "curator"),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Request describes one generation run.
type Request struct {
	Surface    string
	TargetDate time.Time
	// CollectionsCount and ProductsPerCollection default when zero.
	CollectionsCount      int
	ProductsPerCollection int
	Filters               models.PoolFilter
	Model                 string
	TraceID               string
}

// Result summarizes a run.
type Result struct {
	RunID              string      `json:"run_id"`
	PoolSize           int         `json:"pool_size"`
	Embedded           int         `json:"embedded"`
	ClustersFormed     int         `json:"clusters_formed"`
	ClustersSelected   int         `json:"clusters_selected"`
	CollectionsCreated int         `json:"collections_created"`
	Failures           int         `json:"failures"`
	CollectionIDs      []uuid.UUID `json:"collection_ids"`
	AbortReason        string      `json:"abort_reason,omitempty"`
}

// PublishedEvent is announced after a run created collections.
type PublishedEvent struct {
	Surface       string      `json:"surface"`
	TargetDate    string      `json:"target_date"`
	RunID         string      `json:"run_id"`
	CollectionIDs []uuid.UUID `json:"collection_ids"`
}

// Generate runs the pipeline for one surface and date. Per-cluster failures
// are logged and counted; the run errors only when every selected cluster
// failed or a stage before generation failed.
func (c *Curator) Generate(ctx context.Context, req Request) (*Result, error) {
	if req.Surface == "" {
		return nil, errors.New("surface is required")
	}
	if req.CollectionsCount <= 0 {
		req.CollectionsCount = DefaultCollectionsCount
	}
	if req.ProductsPerCollection <= 0 {
		req.ProductsPerCollection = DefaultProductsPerCollection
	}
	runID := req.TraceID
	if runID == "" {
		runID = uuid.NewString()
	}
	date := req.TargetDate.Format(time.DateOnly)
	logger := c.logger.With("surface", req.Surface, "target_date", date, "run_id", runID)
	res := &Result{RunID: runID, CollectionIDs: []uuid.UUID{}}

	filter := req.Filters
	if filter.Limit <= 0 || filter.Limit > store.DefaultPoolLimit {
		filter.Limit = store.DefaultPoolLimit
	}
	pool, err := c.store.ListPoolCandidates(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("fetching candidate pool: %w", err)
	}
	res.PoolSize = len(pool)
	if len(pool) < c.cfg.MinPoolSize {
		logger.Info("candidate pool too small, skipping run", "pool_size", len(pool), "min", c.cfg.MinPoolSize)
		res.AbortReason = AbortPoolTooSmall
		return res, nil
	}

	k := min(len(pool)/c.cfg.ItemsPerCluster, c.cfg.MaxClusters)
	if k < 2 {
		logger.Info("pool supports fewer than two clusters, skipping run", "pool_size", len(pool))
		res.AbortReason = AbortTooFewClusters
		return res, nil
	}

	byID := make(map[uuid.UUID]*models.Product, len(pool))
	ids := make([]uuid.UUID, len(pool))
	for i, p := range pool {
		byID[p.ID] = p
		ids[i] = p.ID
	}
	points, err := c.vectors.Fetch(ctx, vectors.SpaceProducts, ids)
	if err != nil {
		return nil, fmt.Errorf("fetching embeddings: %w", err)
	}
	res.Embedded = len(points)

	km := analysis.KMeans(points, analysis.KMeansConfig{K: k, Restarts: c.cfg.Restarts, Rand: c.rand})
	res.ClustersFormed = len(km.Clusters)
	if len(km.Clusters) < 2 {
		logger.Info("clustering produced fewer than two clusters, skipping run", "clusters", len(km.Clusters))
		res.AbortReason = AbortTooFewClusters
		return res, nil
	}

	scored := analysis.ScoreClusters(km.Clusters, c.cfg.MinClusterSize)
	selected := scored[:min(req.CollectionsCount, len(scored))]
	res.ClustersSelected = len(selected)
	logger.Info("clusters selected",
		"pool_size", len(pool), "embedded", len(points), "k", k,
		"formed", len(km.Clusters), "selected", len(selected),
		"iterations", km.Iterations, "converged", km.Converged)

	var errs []error
	for i, cl := range selected {
		col, err := c.generateOne(ctx, req, runID, i, cl, byID)
		if err != nil {
			res.Failures++
			errs = append(errs, fmt.Errorf("cluster %d: %w", i, err))
			logger.Warn("cluster generation failed", "cluster", i, "size", len(cl.Members), "score", cl.Score, "error", err)
			continue
		}
		res.CollectionsCreated++
		res.CollectionIDs = append(res.CollectionIDs, col.ID)
		logger.Info("collection created", "cluster", i, "collection_id", col.ID, "key", col.Key, "items", len(col.Items))
	}

	if res.CollectionsCreated == 0 {
		return res, fmt.Errorf("all %d selected clusters failed: %w", len(selected), errors.Join(errs...))
	}

	if c.events != nil {
		c.events.Go(notify.SubjectCollectionsPublished, PublishedEvent{
			Surface:       req.Surface,
			TargetDate:    date,
			RunID:         runID,
			CollectionIDs: res.CollectionIDs,
		})
	}
	return res, nil
}

// Cleanup deletes collections whose validity window ended before now.
func (c *Curator) Cleanup(ctx context.Context, now time.Time) (int, error) {
	n, err := c.store.DeleteExpiredCollections(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("deleting expired collections: %w", err)
	}
	if n > 0 {
		c.logger.Info("expired collections deleted", "count", n)
	}
	return n, nil
}
