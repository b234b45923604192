package prompt

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/curio/pkg/models"
)

func TestRender(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		vars     any
		expected string
		wantErr  bool
	}{
		{
			name:     "substitutes fields",
			text:     "Hello {{.Name}}",
			vars:     map[string]string{"Name": "Ada"},
			expected: "Hello Ada",
		},
		{
			name:     "trims surrounding whitespace",
			text:     "\n  {{.Name}}  \n",
			vars:     map[string]string{"Name": "Ada"},
			expected: "Ada",
		},
		{
			name:     "helpers",
			text:     `{{join .Tags ", "}} {{price .Cents}} {{truncate 5 .Long}}`,
			vars:     map[string]any{"Tags": []string{"cozy", "warm"}, "Cents": int64(1999), "Long": "candlelight"},
			expected: "cozy, warm $19.99 candl...",
		},
		{
			name:    "missing key is an error",
			text:    "Hello {{.Missing}}",
			vars:    map[string]string{"Name": "Ada"},
			wantErr: true,
		},
		{
			name:    "parse error",
			text:    "Hello {{.Name",
			vars:    map[string]string{},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Render(tt.text, tt.vars)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.expected {
				t.Errorf("got %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestSeason(t *testing.T) {
	tests := []struct {
		month    time.Month
		expected string
	}{
		{time.January, "winter"},
		{time.December, "winter"},
		{time.April, "spring"},
		{time.July, "summer"},
		{time.October, "autumn"},
	}
	for _, tt := range tests {
		got := Season(time.Date(2026, tt.month, 10, 0, 0, 0, 0, time.UTC))
		if got != tt.expected {
			t.Errorf("Season(%s) = %q, want %q", tt.month, got, tt.expected)
		}
	}
}

func TestCollectionTemplate(t *testing.T) {
	id := uuid.New()
	members := []*models.Product{
		{
			ID:          id,
			Title:       "Hand-poured soy candle",
			Brand:       "Ember & Co",
			Category:    "home",
			Tags:        []string{"cozy", "scented"},
			PriceCents:  2400,
			Description: "raw description",
			Enrichment:  &models.ProductEnrichment{Summary: "A slow-burning candle for quiet evenings."},
		},
		{ID: uuid.New(), Title: "Wool throw", Category: "home", PriceCents: 8900},
	}
	target := time.Date(2026, 12, 4, 0, 0, 0, 0, time.UTC)

	msgs, err := Collection.Messages(NewCollectionVars("home", target, 12, members))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Role != models.RoleSystem || msgs[1].Role != models.RoleUser {
		t.Fatalf("unexpected messages: %+v", msgs)
	}

	user := msgs[1].Content
	for _, want := range []string{
		`"home" surface`,
		"Friday 2026-12-04 (winter)",
		"between 4 and 12",
		"id: " + id.String(),
		"brand: Ember & Co",
		"price: $24.00",
		"tags: cozy, scented",
		"about: A slow-burning candle",
		`"productIds"`,
	} {
		if !strings.Contains(user, want) {
			t.Errorf("user prompt missing %q:\n%s", want, user)
		}
	}
	if strings.Contains(user, "raw description") {
		t.Error("enrichment summary should replace the raw description")
	}
}

func TestEnrichmentTemplate(t *testing.T) {
	p := &models.Product{ID: uuid.New(), Title: "Leather wallet", Category: "accessories", PriceCents: 4500, Description: "Full-grain leather."}

	msgs, err := Enrichment.Messages(EnrichmentVars{Product: Summarize(p)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(msgs[1].Content, "description: Full-grain leather.") {
		t.Errorf("unexpected prompt:\n%s", msgs[1].Content)
	}
	if strings.Contains(msgs[1].Content, "brand:") {
		t.Error("empty brand should be omitted")
	}
}
