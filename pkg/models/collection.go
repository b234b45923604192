package models

import (
	"time"

	"github.com/google/uuid"
)

// CollectionSpec is the generated description of one curated collection.
type CollectionSpec struct {
	Key         string      `json:"key"`
	Title       string      `json:"title"`
	Subtitle    string      `json:"subtitle"`
	Description string      `json:"description"`
	Vibe        string      `json:"vibe"`
	ProductIDs  []uuid.UUID `json:"productIds"`
}

// CoverImage is an editorial image with its attribution line.
type CoverImage struct {
	URL         string `json:"url"`
	Attribution string `json:"attribution"`
}

// GenerationProvenance records which model run produced a collection.
type GenerationProvenance struct {
	Provider  string `json:"provider"`
	Model     string `json:"model"`
	RunID     string `json:"run_id"`
	TraceID   string `json:"trace_id"`
	TokensIn  int    `json:"tokens_in"`
	TokensOut int    `json:"tokens_out"`
	LatencyMS int64  `json:"latency_ms"`
}

// PersistedCollection is a time-boxed curated collection. ValidFrom is
// always before ValidTo.
type PersistedCollection struct {
	ID          uuid.UUID            `db:"id"          json:"id"`
	Key         string               `db:"key"         json:"key"`
	Surface     string               `db:"surface"     json:"surface"`
	Title       string               `db:"title"       json:"title"`
	Subtitle    string               `db:"subtitle"    json:"subtitle"`
	Description string               `db:"description" json:"description"`
	Vibe        string               `db:"vibe"        json:"vibe"`
	Cover       CoverImage           `db:"cover"       json:"cover"`
	ValidFrom   time.Time            `db:"valid_from"  json:"valid_from"`
	ValidTo     time.Time            `db:"valid_to"    json:"valid_to"`
	Generation  GenerationProvenance `db:"generation"  json:"generation"`
	Items       []CollectionItem     `json:"items"`
	CreatedAt   time.Time            `db:"created_at"  json:"created_at"`
}

// CollectionItem is one ranked member of a collection.
type CollectionItem struct {
	ProductID uuid.UUID `db:"product_id" json:"product_id"`
	Rank      int       `db:"rank"       json:"rank"`
}
