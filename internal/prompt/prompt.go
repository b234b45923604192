// Package prompt renders generation prompts from text templates. Prompt
// wording lives in templates/ and is loaded at init; callers only supply
// variables.
package prompt

import (
	"bytes"
	"embed"
	"fmt"
	"strings"
	"text/template"
	"time"
	"unicode/utf8"

	"github.com/kiranshivaraju/curio/pkg/models"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var funcs = template.FuncMap{
	"truncate": truncate,
	"join":     strings.Join,
	"price":    formatPrice,
}

// Template is a system/user prompt pair.
type Template struct {
	Name   string
	System string
	User   string
}

var (
	// Collection names and selects one curated collection from a cluster.
	Collection = mustLoad("collection")
	// Enrichment writes editorial metadata for a single product.
	Enrichment = mustLoad("enrichment")
)

// Render executes text as a template against vars. Missing keys are errors.
func Render(text string, vars any) (string, error) {
	t, err := template.New("prompt").Funcs(funcs).Option("missingkey=error").Parse(text)
	if err != nil {
		return "", fmt.Errorf("parsing template: %w", err)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, vars); err != nil {
		return "", fmt.Errorf("rendering template: %w", err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// Messages renders both halves of the template into chat messages.
func (t Template) Messages(vars any) ([]models.Message, error) {
	system, err := Render(t.System, vars)
	if err != nil {
		return nil, fmt.Errorf("%s system prompt: %w", t.Name, err)
	}
	user, err := Render(t.User, vars)
	if err != nil {
		return nil, fmt.Errorf("%s user prompt: %w", t.Name, err)
	}
	return []models.Message{
		{Role: models.RoleSystem, Content: system},
		{Role: models.RoleUser, Content: user},
	}, nil
}

func mustLoad(name string) Template {
	read := func(part string) string {
		b, err := templateFS.ReadFile(fmt.Sprintf("templates/%s_%s.tmpl", name, part))
		if err != nil {
			panic(fmt.Sprintf("prompt: missing template %s_%s: %v", name, part, err))
		}
		return string(b)
	}
	t := Template{Name: name, System: read("system"), User: read("user")}
	// Parse eagerly so a broken template fails at startup, not mid-job.
	for _, text := range []string{t.System, t.User} {
		if _, err := template.New(name).Funcs(funcs).Parse(text); err != nil {
			panic(fmt.Sprintf("prompt: invalid template %s: %v", name, err))
		}
	}
	return t
}

// Season returns the northern-hemisphere season of t.
func Season(t time.Time) string {
	switch t.Month() {
	case time.December, time.January, time.February:
		return "winter"
	case time.March, time.April, time.May:
		return "spring"
	case time.June, time.July, time.August:
		return "summer"
	default:
		return "autumn"
	}
}

// truncate shortens s to at most n runes, marking the cut with "...".
func truncate(n int, s string) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return strings.TrimSpace(string(r[:n])) + "..."
}

func formatPrice(cents int64) string {
	return fmt.Sprintf("$%d.%02d", cents/100, cents%100)
}
