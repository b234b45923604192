package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobPayload is the closed set of job inputs. Only types in this package can
// implement it; decoding goes through DecodePayload.
type JobPayload interface {
	Kind() JobKind
	// IdempotencyKey is the natural de-duplication key of the payload.
	IdempotencyKey() string
	payload()
}

// Meta is the provenance carried by every payload.
type Meta struct {
	TriggeredBy string    `json:"triggered_by" validate:"required"`
	IssuedAt    time.Time `json:"issued_at"`
}

// NewMeta stamps provenance with the current time.
func NewMeta(triggeredBy string) Meta {
	return Meta{TriggeredBy: triggeredBy, IssuedAt: time.Now().UTC()}
}

type ProductEmbeddingPayload struct {
	Meta
	ProductID uuid.UUID `json:"product_id" validate:"required"`
	Provider  string    `json:"provider,omitempty"`
	Model     string    `json:"model,omitempty"`
	// Force re-embeds even when the content hash is unchanged.
	Force bool `json:"force,omitempty"`
}

func (p ProductEmbeddingPayload) Kind() JobKind { return KindProductEmbedding }
func (p ProductEmbeddingPayload) IdempotencyKey() string {
	return EntityKey(KindProductEmbedding, p.ProductID)
}
func (ProductEmbeddingPayload) payload() {}

type ProductEnrichmentPayload struct {
	Meta
	ProductID uuid.UUID `json:"product_id" validate:"required"`
	Provider  string    `json:"provider,omitempty"`
	Model     string    `json:"model,omitempty"`
	// Version is the enrichment prompt version this job produces.
	Version int `json:"version" validate:"gte=1"`
}

func (p ProductEnrichmentPayload) Kind() JobKind { return KindProductEnrichment }
func (p ProductEnrichmentPayload) IdempotencyKey() string {
	return EntityKey(KindProductEnrichment, p.ProductID)
}
func (ProductEnrichmentPayload) payload() {}

type ProfileEmbeddingPayload struct {
	Meta
	ProfileID uuid.UUID `json:"profile_id" validate:"required"`
	Provider  string    `json:"provider,omitempty"`
	Model     string    `json:"model,omitempty"`
	Force     bool      `json:"force,omitempty"`
}

func (p ProfileEmbeddingPayload) Kind() JobKind { return KindProfileEmbedding }
func (p ProfileEmbeddingPayload) IdempotencyKey() string {
	return EntityKey(KindProfileEmbedding, p.ProfileID)
}
func (ProfileEmbeddingPayload) payload() {}

type CollectionGenerationPayload struct {
	Meta
	Surface string `json:"surface" validate:"required"`
	// TargetDate is a calendar date in YYYY-MM-DD form.
	TargetDate            string     `json:"target_date"             validate:"required,datetime=2006-01-02"`
	CollectionsCount      int        `json:"collections_count"       validate:"gte=0,lte=20"`
	ProductsPerCollection int        `json:"products_per_collection" validate:"gte=0,lte=50"`
	Filters               PoolFilter `json:"filters"`
	Provider              string     `json:"provider,omitempty"`
	Model                 string     `json:"model,omitempty"`
}

func (p CollectionGenerationPayload) Kind() JobKind { return KindCuratedCollections }
func (p CollectionGenerationPayload) IdempotencyKey() string {
	return fmt.Sprintf("%s-%s-%s", KindCuratedCollections, p.Surface, p.TargetDate)
}
func (CollectionGenerationPayload) payload() {}

type ReminderDispatchPayload struct {
	Meta
	ScheduleID uuid.UUID `json:"schedule_id" validate:"required"`
}

func (p ReminderDispatchPayload) Kind() JobKind { return KindReminderDispatch }
func (p ReminderDispatchPayload) IdempotencyKey() string {
	return EntityKey(KindReminderDispatch, p.ScheduleID)
}
func (ReminderDispatchPayload) payload() {}

// EntityKey is the {kind}-{entityId} idempotency key.
func EntityKey(kind JobKind, id uuid.UUID) string {
	return fmt.Sprintf("%s-%s", kind, id)
}

// DecodePayload restores a payload of the given kind from its stored JSON.
func DecodePayload(kind JobKind, raw []byte) (JobPayload, error) {
	var (
		p   JobPayload
		err error
	)
	switch kind {
	case KindProductEmbedding:
		var v ProductEmbeddingPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case KindProductEnrichment:
		var v ProductEnrichmentPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case KindProfileEmbedding:
		var v ProfileEmbeddingPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case KindCuratedCollections:
		var v CollectionGenerationPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case KindReminderDispatch:
		var v ReminderDispatchPayload
		err = json.Unmarshal(raw, &v)
		p = v
	default:
		return nil, fmt.Errorf("unknown job kind %q", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", kind, err)
	}
	return p, nil
}
