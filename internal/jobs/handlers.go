package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kiranshivaraju/curio/internal/analysis"
	"github.com/kiranshivaraju/curio/internal/curator"
	"github.com/kiranshivaraju/curio/internal/notify"
	"github.com/kiranshivaraju/curio/internal/prompt"
	"github.com/kiranshivaraju/curio/internal/queue"
	"github.com/kiranshivaraju/curio/internal/store"
	"github.com/kiranshivaraju/curio/internal/vectors"
	"github.com/kiranshivaraju/curio/pkg/models"
)

// maxEmbedInputBytes caps the text sent for one embedding.
const maxEmbedInputBytes = 8000

// Enqueuer accepts follow-up work. *System satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, payload models.JobPayload, opts ...queue.Option) (*models.JobRecord, bool, error)
}

// Handlers holds the per-kind job handlers. Every handler re-reads the
// entity it works on, so redelivered and stale jobs skip instead of
// repeating work.
type Handlers struct {
	store             store.Store
	vectors           vectors.Store
	ai                AI
	curator           *curator.Curator
	publisher         notify.Publisher
	enqueuer          Enqueuer
	location          *time.Location
	collectionsCount  int
	productsPerCol    int
	enrichmentVersion int
	logger            *slog.Logger
	now               func() time.Time
}

// --- Embeddings ---

// EmbedProduct embeds a product's text unless its fingerprint matches the
// one the stored vector was built from.
func (h *Handlers) EmbedProduct(ctx context.Context, p models.ProductEmbeddingPayload) (*models.JobResult, error) {
	product, err := h.store.GetProduct(ctx, p.ProductID)
	if errors.Is(err, store.ErrNotFound) {
		return models.Skipped(models.SkipEntityNotFound), nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading product: %w", err)
	}

	parts := productTextParts(product)
	hash := analysis.Fingerprint(parts...)
	if !p.Force && product.ContentHash != nil && *product.ContentHash == hash {
		return models.Skipped(models.SkipUnchangedHash), nil
	}

	out, err := h.embedOne(ctx, parts, p.Model, "product-embedding")
	if err != nil {
		return nil, err
	}
	if err := h.vectors.Upsert(ctx, vectors.SpaceProducts, []models.Point{{ID: product.ID, Vector: out.Vectors[0]}}); err != nil {
		return nil, fmt.Errorf("storing product vector: %w", err)
	}
	if err := h.store.SetProductContentHash(ctx, product.ID, hash); err != nil {
		return nil, fmt.Errorf("recording content hash: %w", err)
	}

	return models.Succeeded(map[string]any{
		"model":      out.Model,
		"dimensions": len(out.Vectors[0]),
		"tokens_in":  out.TokensIn,
	}), nil
}

// EmbedProfile embeds a recipient profile. Same hash rule as products.
func (h *Handlers) EmbedProfile(ctx context.Context, p models.ProfileEmbeddingPayload) (*models.JobResult, error) {
	profile, err := h.store.GetProfile(ctx, p.ProfileID)
	if errors.Is(err, store.ErrNotFound) {
		return models.Skipped(models.SkipEntityNotFound), nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading profile: %w", err)
	}

	parts := []string{profile.Name, strings.Join(profile.Interests, ", "), profile.Notes}
	hash := analysis.Fingerprint(parts...)
	if !p.Force && profile.ContentHash != nil && *profile.ContentHash == hash {
		return models.Skipped(models.SkipUnchangedHash), nil
	}

	out, err := h.embedOne(ctx, parts, p.Model, "profile-embedding")
	if err != nil {
		return nil, err
	}
	if err := h.vectors.Upsert(ctx, vectors.SpaceProfiles, []models.Point{{ID: profile.ID, Vector: out.Vectors[0]}}); err != nil {
		return nil, fmt.Errorf("storing profile vector: %w", err)
	}
	if err := h.store.SetProfileContentHash(ctx, profile.ID, hash); err != nil {
		return nil, fmt.Errorf("recording content hash: %w", err)
	}

	return models.Succeeded(map[string]any{
		"model":      out.Model,
		"dimensions": len(out.Vectors[0]),
	}), nil
}

func (h *Handlers) embedOne(ctx context.Context, parts []string, model, purpose string) (models.Embedding, error) {
	text := analysis.Truncate(joinNonEmpty(parts), maxEmbedInputBytes)
	out, err := h.ai.Embed(ctx, []string{text}, models.EmbedOptions{Model: model, Purpose: purpose})
	if err != nil {
		return models.Embedding{}, fmt.Errorf("embedding: %w", err)
	}
	if len(out.Vectors) != 1 || len(out.Vectors[0]) == 0 {
		return models.Embedding{}, errors.New("embedding: empty vector returned")
	}
	return out, nil
}

// productTextParts is the text an embedding represents. Enrichment output is
// part of it, so new enrichment changes the fingerprint.
func productTextParts(p *models.Product) []string {
	parts := []string{p.Title, p.Brand, p.Category, p.Description, strings.Join(p.Tags, ", ")}
	if e := p.Enrichment; e != nil {
		parts = append(parts, e.Summary, strings.Join(e.Occasions, ", "),
			strings.Join(e.Recipient, ", "), strings.Join(e.Keywords, ", "))
	}
	return parts
}

func joinNonEmpty(parts []string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n")
}

// --- Enrichment ---

// EnrichProduct generates editorial metadata for a product, then asks for a
// forced re-embedding so the vector reflects it.
func (h *Handlers) EnrichProduct(ctx context.Context, p models.ProductEnrichmentPayload) (*models.JobResult, error) {
	product, err := h.store.GetProduct(ctx, p.ProductID)
	if errors.Is(err, store.ErrNotFound) {
		return models.Skipped(models.SkipEntityNotFound), nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading product: %w", err)
	}

	version := p.Version
	if version <= 0 {
		version = h.enrichmentVersion
	}
	if product.Enrichment != nil && product.EnrichmentVersion >= version {
		return models.Skipped(models.SkipAlreadyEnriched), nil
	}

	msgs, err := prompt.Enrichment.Messages(prompt.EnrichmentVars{Product: prompt.Summarize(product)})
	if err != nil {
		return nil, queue.Permanent(fmt.Errorf("rendering enrichment prompt: %w", err))
	}

	var enrichment models.ProductEnrichment
	completion, err := h.ai.CompleteJSON(ctx, msgs, models.CompletionOptions{
		Model:       p.Model,
		Temperature: 0.3,
		Purpose:     "enrichment",
		TraceID:     models.EntityKey(models.KindProductEnrichment, product.ID),
	}, &enrichment)
	if err != nil {
		return nil, fmt.Errorf("generating enrichment: %w", err)
	}
	if strings.TrimSpace(enrichment.Summary) == "" {
		return nil, errors.New("generating enrichment: empty summary")
	}

	if err := h.store.SaveProductEnrichment(ctx, product.ID, &enrichment, version); err != nil {
		return nil, fmt.Errorf("saving enrichment: %w", err)
	}

	followUp, created, err := h.enqueuer.Enqueue(ctx, models.ProductEmbeddingPayload{
		Meta:      models.NewMeta(string(models.KindProductEnrichment)),
		ProductID: product.ID,
		Provider:  p.Provider,
		Force:     true,
	})
	if err != nil {
		// The enrichment is saved; the next change event or backfill embeds it.
		h.logger.Warn("enqueueing follow-up embedding failed", "product_id", product.ID, "error", err)
	}

	out := map[string]any{
		"version":    version,
		"model":      completion.Model,
		"tokens_in":  completion.TokensIn,
		"tokens_out": completion.TokensOut,
	}
	if followUp != nil {
		out["embedding_job_id"] = followUp.ID.String()
		out["embedding_job_created"] = created
	}
	return models.Succeeded(out), nil
}

// --- Collections ---

// GenerateCollections runs the curator for one surface and date unless
// collections for that window already exist.
func (h *Handlers) GenerateCollections(ctx context.Context, p models.CollectionGenerationPayload, traceID string) (*models.JobResult, error) {
	if h.curator == nil {
		return nil, queue.Permanent(errors.New("collection curator is not configured"))
	}
	target, err := time.ParseInLocation(time.DateOnly, p.TargetDate, h.location)
	if err != nil {
		return nil, queue.Permanent(fmt.Errorf("%w: target date %q", queue.ErrInvalidPayload, p.TargetDate))
	}

	exists, err := h.store.CollectionsExist(ctx, p.Surface, target)
	if err != nil {
		return nil, fmt.Errorf("checking existing collections: %w", err)
	}
	if exists {
		return models.Skipped(models.SkipAlreadyGenerated), nil
	}

	req := curator.Request{
		Surface:               p.Surface,
		TargetDate:            target,
		CollectionsCount:      p.CollectionsCount,
		ProductsPerCollection: p.ProductsPerCollection,
		Filters:               p.Filters,
		Model:                 p.Model,
		TraceID:               traceID,
	}
	if req.CollectionsCount == 0 {
		req.CollectionsCount = h.collectionsCount
	}
	if req.ProductsPerCollection == 0 {
		req.ProductsPerCollection = h.productsPerCol
	}

	res, err := h.curator.Generate(ctx, req)
	if err != nil {
		return nil, err
	}
	return models.Succeeded(resultOutput(res)), nil
}

func resultOutput(res *curator.Result) map[string]any {
	ids := make([]string, len(res.CollectionIDs))
	for i, id := range res.CollectionIDs {
		ids[i] = id.String()
	}
	out := map[string]any{
		"pool_size":           res.PoolSize,
		"clusters_formed":     res.ClustersFormed,
		"clusters_selected":   res.ClustersSelected,
		"collections_created": res.CollectionsCreated,
		"failures":            res.Failures,
		"collection_ids":      ids,
	}
	if res.AbortReason != "" {
		out["abort_reason"] = res.AbortReason
	}
	return out
}

// --- Reminders ---

// ReminderMessage is published to the reminder's channel subject.
type ReminderMessage struct {
	ScheduleID   uuid.UUID       `json:"schedule_id"`
	Channel      string          `json:"channel"`
	Recipient    string          `json:"recipient"`
	ScheduledFor time.Time       `json:"scheduled_for"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// DispatchReminder delivers a due reminder once. A failed delivery is
// recorded on the schedule before the error goes back to the queue.
func (h *Handlers) DispatchReminder(ctx context.Context, p models.ReminderDispatchPayload) (*models.JobResult, error) {
	r, err := h.store.GetReminder(ctx, p.ScheduleID)
	if errors.Is(err, store.ErrNotFound) {
		return models.Skipped(models.SkipEntityNotFound), nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading reminder: %w", err)
	}
	if r.Status == models.ReminderSent {
		return models.Skipped(models.SkipAlreadySent), nil
	}
	if h.publisher == nil {
		return nil, queue.Permanent(errors.New("notification publisher is not configured"))
	}

	msg := ReminderMessage{
		ScheduleID:   r.ID,
		Channel:      r.Channel,
		Recipient:    r.Recipient,
		ScheduledFor: r.ScheduledFor,
		Payload:      r.Payload,
	}
	if err := h.publisher.Publish(ctx, notify.NotificationSubject(r.Channel), msg); err != nil {
		if uerr := h.store.UpdateReminderStatus(ctx, r.ID, models.ReminderFailed, store.WithLastError(err.Error())); uerr != nil {
			h.logger.Error("recording reminder failure", "schedule_id", r.ID, "error", uerr)
		}
		return nil, fmt.Errorf("delivering reminder: %w", err)
	}

	if err := h.store.UpdateReminderStatus(ctx, r.ID, models.ReminderSent, store.WithSentAt(h.now().UTC())); err != nil {
		return nil, fmt.Errorf("marking reminder sent: %w", err)
	}
	return models.Succeeded(map[string]any{"channel": r.Channel}), nil
}
