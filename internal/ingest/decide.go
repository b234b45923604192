// Package ingest decides which jobs a catalog change should produce. The
// decision functions are pure; Consumer feeds them from the change stream.
package ingest

import (
	"slices"

	"github.com/kiranshivaraju/curio/pkg/models"
)

// Action is what a change asks the pipeline to do.
type Action string

const (
	// ActionIgnore: the product is not eligible for curation.
	ActionIgnore Action = "ignore"
	// ActionEnrichAndEmbed: the product is new or just became eligible.
	ActionEnrichAndEmbed Action = "enrich-and-embed"
	// ActionReenrich: editorial text changed; enrichment is redone and the
	// embedding forced.
	ActionReenrich Action = "reenrich"
	// ActionEmbed: nothing editorial changed; the embedding job's hash check
	// decides whether work is needed.
	ActionEmbed Action = "embed"
)

// Change is one product update: the previous snapshot, when known, and the
// current one.
type Change struct {
	Before *models.Product `json:"before,omitempty"`
	After  *models.Product `json:"after"`
}

// Decision is the outcome of Decide.
type Decision struct {
	Action Action
	Reason string
}

// IsEligible reports whether a product can appear in collections.
func IsEligible(p *models.Product) bool {
	return p != nil && p.Status == models.ProductStatusPublished && p.Visible
}

// SignificantChange reports whether the text that feeds enrichment differs
// between two snapshots. Comparison is on the raw strings.
func SignificantChange(before, after *models.Product) bool {
	if before == nil || after == nil {
		return before != after
	}
	return before.Title != after.Title ||
		before.Description != after.Description ||
		before.Brand != after.Brand ||
		before.Category != after.Category ||
		!slices.Equal(before.Tags, after.Tags)
}

// Decide classifies a change.
func Decide(c Change) Decision {
	switch {
	case !IsEligible(c.After):
		return Decision{Action: ActionIgnore, Reason: models.SkipNotEligible}
	case c.Before == nil:
		return Decision{Action: ActionEnrichAndEmbed, Reason: "new"}
	case !IsEligible(c.Before):
		return Decision{Action: ActionEnrichAndEmbed, Reason: "became-eligible"}
	case SignificantChange(c.Before, c.After):
		return Decision{Action: ActionReenrich, Reason: "content-changed"}
	default:
		return Decision{Action: ActionEmbed, Reason: "minor-change"}
	}
}

// PlanOptions carry the provider choice and enrichment version into the
// planned payloads.
type PlanOptions struct {
	TriggeredBy       string
	EnrichmentVersion int
	Provider          string
	Model             string
}

// Plan turns a change into job payloads, enrichment first.
func Plan(c Change, opts PlanOptions) []models.JobPayload {
	d := Decide(c)
	if d.Action == ActionIgnore {
		return nil
	}
	if opts.TriggeredBy == "" {
		opts.TriggeredBy = "ingest"
	}
	if opts.EnrichmentVersion <= 0 {
		opts.EnrichmentVersion = 1
	}

	id := c.After.ID
	meta := models.NewMeta(opts.TriggeredBy)
	enrich := models.ProductEnrichmentPayload{
		Meta:      meta,
		ProductID: id,
		Provider:  opts.Provider,
		Model:     opts.Model,
		Version:   opts.EnrichmentVersion,
	}
	embed := models.ProductEmbeddingPayload{
		Meta:      meta,
		ProductID: id,
		Provider:  opts.Provider,
		Model:     opts.Model,
	}

	switch d.Action {
	case ActionEnrichAndEmbed:
		return []models.JobPayload{enrich, embed}
	case ActionReenrich:
		// The stored enrichment describes the old text; a new version forces
		// regeneration.
		enrich.Version = max(opts.EnrichmentVersion, c.After.EnrichmentVersion+1)
		embed.Force = true
		return []models.JobPayload{enrich, embed}
	default:
		return []models.JobPayload{embed}
	}
}
