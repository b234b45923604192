package curator

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kiranshivaraju/curio/internal/analysis"
	"github.com/kiranshivaraju/curio/internal/archive"
	"github.com/kiranshivaraju/curio/internal/imagesearch"
	"github.com/kiranshivaraju/curio/internal/prompt"
	"github.com/kiranshivaraju/curio/internal/store"
	"github.com/kiranshivaraju/curio/pkg/models"
)

// maxKeyAttempts bounds suffix retries when a generated key is taken.
const maxKeyAttempts = 5

var reNonSlug = regexp.MustCompile(`[^a-z0-9]+`)

// ErrEmptyCollection is returned when a cluster yields no usable members.
var ErrEmptyCollection = errors.New("collection has no members")

// generateOne turns one scored cluster into a persisted collection.
func (c *Curator) generateOne(ctx context.Context, req Request, runID string, index int, cl analysis.Cluster, byID map[uuid.UUID]*models.Product) (*models.PersistedCollection, error) {
	nearest := cl.Nearest()
	members := make([]*models.Product, 0, min(len(nearest), c.cfg.PromptMembers))
	for _, pt := range nearest {
		if len(members) == c.cfg.PromptMembers {
			break
		}
		if p, ok := byID[pt.ID]; ok {
			members = append(members, p)
		}
	}
	if len(members) == 0 {
		return nil, ErrEmptyCollection
	}

	msgs, err := prompt.Collection.Messages(prompt.NewCollectionVars(req.Surface, req.TargetDate, req.ProductsPerCollection, members))
	if err != nil {
		return nil, fmt.Errorf("rendering prompt: %w", err)
	}

	var spec models.CollectionSpec
	completion, err := c.gen.CompleteJSON(ctx, msgs, models.CompletionOptions{
		Model:       req.Model,
		Temperature: c.cfg.Temperature,
		Purpose:     "collection",
		TraceID:     runID,
	}, &spec)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(spec.Title) == "" {
		return nil, errors.New("generated collection has no title")
	}

	items := selectItems(spec.ProductIDs, members, req.ProductsPerCollection)
	if len(items) == 0 {
		return nil, ErrEmptyCollection
	}

	c.archiveOutput(ctx, req, runID, index, completion)

	validFrom := req.TargetDate
	col := &models.PersistedCollection{
		Surface:     req.Surface,
		Title:       strings.TrimSpace(spec.Title),
		Subtitle:    strings.TrimSpace(spec.Subtitle),
		Description: strings.TrimSpace(spec.Description),
		Vibe:        strings.TrimSpace(spec.Vibe),
		Cover:       imagesearch.CoverFor(ctx, c.images, spec.Vibe, c.logger),
		ValidFrom:   validFrom,
		ValidTo:     validFrom.AddDate(0, 0, c.cfg.ValidityDays),
		Generation: models.GenerationProvenance{
			Provider:  c.gen.Name(),
			Model:     completion.Model,
			RunID:     completion.RunID,
			TraceID:   runID,
			TokensIn:  completion.TokensIn,
			TokensOut: completion.TokensOut,
			LatencyMS: completion.Latency.Milliseconds(),
		},
		Items:     items,
		CreatedAt: time.Now().UTC(),
	}

	base := collectionKey(req, spec)
	for attempt := 1; attempt <= maxKeyAttempts; attempt++ {
		col.ID = uuid.New()
		col.Key = base
		if attempt > 1 {
			col.Key = fmt.Sprintf("%s-%d", base, attempt)
		}
		err = c.store.CreateCollection(ctx, col)
		if err == nil {
			return col, nil
		}
		if !errors.Is(err, store.ErrDuplicateKey) {
			return nil, fmt.Errorf("persisting collection: %w", err)
		}
	}
	return nil, fmt.Errorf("persisting collection: key %q taken after %d attempts: %w", base, maxKeyAttempts, err)
}

// selectItems keeps the model's picks that belong to the cluster, in the
// model's order, dropping duplicates. When the model picked fewer than
// limit, the remaining slots are filled with the members nearest the
// centroid.
func selectItems(picked []uuid.UUID, members []*models.Product, limit int) []models.CollectionItem {
	allowed := make(map[uuid.UUID]bool, len(members))
	for _, m := range members {
		allowed[m.ID] = true
	}

	items := make([]models.CollectionItem, 0, limit)
	seen := make(map[uuid.UUID]bool, limit)
	add := func(id uuid.UUID) {
		if len(items) == limit || seen[id] || !allowed[id] {
			return
		}
		seen[id] = true
		items = append(items, models.CollectionItem{ProductID: id, Rank: len(items) + 1})
	}

	for _, id := range picked {
		add(id)
	}
	for _, m := range members {
		add(m.ID)
	}
	return items
}

// collectionKey builds "<surface>-<date>-<slug>". The slug comes from the
// model's key, falling back to the title.
func collectionKey(req Request, spec models.CollectionSpec) string {
	slug := slugify(spec.Key)
	if slug == "" {
		slug = slugify(spec.Title)
	}
	if slug == "" {
		slug = "collection"
	}
	return fmt.Sprintf("%s-%s-%s", slugify(req.Surface), req.TargetDate.Format("20060102"), strings.Trim(analysis.Truncate(slug, 48), "-"))
}

func slugify(s string) string {
	s = reNonSlug.ReplaceAllString(strings.ToLower(s), "-")
	return strings.Trim(s, "-")
}

// archiveOutput stores the raw model output. Failures are logged only.
func (c *Curator) archiveOutput(ctx context.Context, req Request, runID string, index int, completion models.Completion) {
	if c.archive == nil {
		return
	}
	key := archive.GenerationKey(req.Surface, req.TargetDate.Format("2006-01-02"), runID, index)
	if err := c.archive.Put(ctx, key, []byte(completion.Content), "application/json"); err != nil {
		c.logger.Warn("archiving generation output failed", "key", key, "error", err)
	}
}
