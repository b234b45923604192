package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	ProductStatusDraft     = "draft"
	ProductStatusPublished = "published"
	ProductStatusArchived  = "archived"
)

// Product is the local mirror of a catalog item.
type Product struct {
	ID          uuid.UUID `db:"id"          json:"id"`
	Title       string    `db:"title"       json:"title"`
	Description string    `db:"description" json:"description"`
	Brand       string    `db:"brand"       json:"brand"`
	Category    string    `db:"category"    json:"category"`
	Tags        []string  `db:"tags"        json:"tags"`
	PriceCents  int64     `db:"price_cents" json:"price_cents"`
	Status      string    `db:"status"      json:"status"`
	Visible     bool      `db:"visible"     json:"visible"`
	ImageURL    string    `db:"image_url"   json:"image_url,omitempty"`
	// ContentHash is the fingerprint of the text the stored embedding was built from.
	ContentHash       *string            `db:"content_hash"       json:"content_hash,omitempty"`
	Enrichment        *ProductEnrichment `db:"enrichment"         json:"enrichment,omitempty"`
	EnrichmentVersion int                `db:"enrichment_version" json:"enrichment_version"`
	PublishedAt       *time.Time         `db:"published_at"       json:"published_at,omitempty"`
	CreatedAt         time.Time          `db:"created_at"         json:"created_at"`
	UpdatedAt         time.Time          `db:"updated_at"         json:"updated_at"`
}

// ProductEnrichment is the generated editorial metadata of a product.
type ProductEnrichment struct {
	Summary   string   `json:"summary"`
	Occasions []string `json:"occasions"`
	Recipient []string `json:"recipients"`
	Keywords  []string `json:"keywords"`
}

// Profile is a gift recipient profile that gets its own embedding.
type Profile struct {
	ID          uuid.UUID `db:"id"           json:"id"`
	Name        string    `db:"name"         json:"name"`
	Interests   []string  `db:"interests"    json:"interests"`
	Notes       string    `db:"notes"        json:"notes"`
	ContentHash *string   `db:"content_hash" json:"content_hash,omitempty"`
	UpdatedAt   time.Time `db:"updated_at"   json:"updated_at"`
}

// PoolFilter narrows the candidate pool for collection generation.
type PoolFilter struct {
	MinPriceCents *int64      `json:"min_price_cents,omitempty"`
	MaxPriceCents *int64      `json:"max_price_cents,omitempty"`
	Brands        []string    `json:"brands,omitempty"`
	Categories    []string    `json:"categories,omitempty"`
	ExcludeIDs    []uuid.UUID `json:"exclude_ids,omitempty"`
	Limit         int         `json:"limit,omitempty"`
}

// Point is an entity id with its embedding vector.
type Point struct {
	ID     uuid.UUID `json:"id"`
	Vector []float32 `json:"vector"`
}
