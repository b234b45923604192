package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/kiranshivaraju/curio/internal/notify"
	"github.com/kiranshivaraju/curio/internal/queue"
	"github.com/kiranshivaraju/curio/internal/store"
	"github.com/kiranshivaraju/curio/pkg/models"
)

// ErrMalformedEvent marks an event that can never be processed.
var ErrMalformedEvent = errors.New("malformed change event")

// Enqueuer accepts jobs. *jobs.System satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, payload models.JobPayload, opts ...queue.Option) (*models.JobRecord, bool, error)
}

// ProductMirror is the local product table. store.Store satisfies it.
type ProductMirror interface {
	GetProduct(ctx context.Context, id uuid.UUID) (*models.Product, error)
	UpsertProduct(ctx context.Context, p *models.Product) error
}

// Consumer applies product change events from the stream: it updates the
// local mirror and enqueues the planned jobs.
type Consumer struct {
	products ProductMirror
	enq      Enqueuer
	opts     PlanOptions
	logger   *slog.Logger

	mu      sync.Mutex
	consume jetstream.ConsumeContext
}

func NewConsumer(products ProductMirror, enq Enqueuer, opts PlanOptions, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		products: products,
		enq:      enq,
		opts:     opts,
		logger:   logger.With("component", "ingest"),
	}
}

// Start attaches a durable consumer on the products.changed subject and
// processes messages until Stop.
func (c *Consumer) Start(ctx context.Context, stream jetstream.Stream, durable string) error {
	cons, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       durable,
		FilterSubject: notify.SubjectProductsChanged,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    10,
	})
	if err != nil {
		return fmt.Errorf("creating consumer %s: %w", durable, err)
	}

	cc, err := cons.Consume(func(msg jetstream.Msg) {
		c.handle(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("consuming %s: %w", notify.SubjectProductsChanged, err)
	}

	c.mu.Lock()
	c.consume = cc
	c.mu.Unlock()
	c.logger.Info("change consumer started", "durable", durable)
	return nil
}

// Stop stops message delivery. Safe to call when not started.
func (c *Consumer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.consume != nil {
		c.consume.Stop()
		c.consume = nil
	}
}

func (c *Consumer) handle(ctx context.Context, msg jetstream.Msg) {
	d, err := c.Process(ctx, msg.Data())
	switch {
	case errors.Is(err, ErrMalformedEvent):
		c.logger.Warn("dropping malformed change event", "error", err)
		_ = msg.Term()
	case err != nil:
		c.logger.Error("processing change event failed", "error", err)
		_ = msg.Nak()
	default:
		c.logger.Debug("change event processed", "action", d.Action, "reason", d.Reason)
		_ = msg.Ack()
	}
}

// Process applies one encoded Change. Errors wrapping ErrMalformedEvent
// will fail again on redelivery; any other error is transient.
func (c *Consumer) Process(ctx context.Context, data []byte) (Decision, error) {
	var change Change
	if err := json.Unmarshal(data, &change); err != nil {
		return Decision{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if change.After == nil || change.After.ID == uuid.Nil {
		return Decision{}, fmt.Errorf("%w: missing product", ErrMalformedEvent)
	}

	stored, err := c.products.GetProduct(ctx, change.After.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		// First sighting.
	case err != nil:
		return Decision{}, fmt.Errorf("loading product: %w", err)
	default:
		if change.Before == nil {
			change.Before = stored
		}
		// Enrichment state is local; upstream snapshots do not carry it.
		change.After.Enrichment = stored.Enrichment
		change.After.EnrichmentVersion = stored.EnrichmentVersion
	}

	if err := c.products.UpsertProduct(ctx, change.After); err != nil {
		return Decision{}, fmt.Errorf("mirroring product: %w", err)
	}

	d := Decide(change)
	for _, p := range Plan(change, c.opts) {
		if _, _, err := c.enq.Enqueue(ctx, p); err != nil {
			if errors.Is(err, queue.ErrInvalidPayload) {
				return d, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
			}
			return d, fmt.Errorf("enqueueing %s: %w", p.Kind(), err)
		}
	}
	return d, nil
}
