package jobs

import (
	"context"
	"fmt"

	"github.com/kiranshivaraju/curio/internal/queue"
	"github.com/kiranshivaraju/curio/pkg/models"
)

// Dispatcher decodes a job's payload and hands it to the handler of its kind.
type Dispatcher struct {
	h *Handlers
}

func NewDispatcher(h *Handlers) *Dispatcher {
	return &Dispatcher{h: h}
}

// Handle is a worker.Handler. Payloads that do not decode fail permanently.
func (d *Dispatcher) Handle(ctx context.Context, job *models.JobRecord) (*models.JobResult, error) {
	payload, err := models.DecodePayload(job.Kind, job.Payload)
	if err != nil {
		return nil, queue.Permanent(fmt.Errorf("%w: %v", queue.ErrInvalidPayload, err))
	}

	switch p := payload.(type) {
	case models.ProductEmbeddingPayload:
		return d.h.EmbedProduct(ctx, p)
	case models.ProductEnrichmentPayload:
		return d.h.EnrichProduct(ctx, p)
	case models.ProfileEmbeddingPayload:
		return d.h.EmbedProfile(ctx, p)
	case models.CollectionGenerationPayload:
		return d.h.GenerateCollections(ctx, p, job.ID.String())
	case models.ReminderDispatchPayload:
		return d.h.DispatchReminder(ctx, p)
	default:
		return nil, queue.Permanent(fmt.Errorf("%w: %s", ErrUnknownKind, job.Kind))
	}
}
