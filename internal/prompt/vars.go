package prompt

import (
	"time"

	"github.com/kiranshivaraju/curio/pkg/models"
)

// CollectionVars feeds the collection template.
type CollectionVars struct {
	Surface    string
	TargetDate string
	Weekday    string
	Season     string
	MaxItems   int
	Members    []MemberSummary
}

// MemberSummary is the prompt-facing view of one cluster member.
type MemberSummary struct {
	ID         string
	Title      string
	Brand      string
	Category   string
	PriceCents int64
	Summary    string
	Tags       []string
}

// NewCollectionVars builds template variables for one cluster.
func NewCollectionVars(surface string, target time.Time, maxItems int, members []*models.Product) CollectionVars {
	v := CollectionVars{
		Surface:    surface,
		TargetDate: target.Format(time.DateOnly),
		Weekday:    target.Weekday().String(),
		Season:     Season(target),
		MaxItems:   maxItems,
		Members:    make([]MemberSummary, 0, len(members)),
	}
	for _, p := range members {
		v.Members = append(v.Members, Summarize(p))
	}
	return v
}

// Summarize reduces a product to the fields prompts use. Enrichment summaries
// are preferred over raw descriptions.
func Summarize(p *models.Product) MemberSummary {
	s := MemberSummary{
		ID:         p.ID.String(),
		Title:      p.Title,
		Brand:      p.Brand,
		Category:   p.Category,
		PriceCents: p.PriceCents,
		Summary:    p.Description,
		Tags:       p.Tags,
	}
	if p.Enrichment != nil && p.Enrichment.Summary != "" {
		s.Summary = p.Enrichment.Summary
	}
	return s
}

// EnrichmentVars feeds the enrichment template.
type EnrichmentVars struct {
	Product MemberSummary
}
