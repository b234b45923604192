// Package models contains shared data models used across the curio codebase.
package models

import (
	"context"
	"time"
)

// AIProvider is the core interface that all generation backends implement.
// Handlers receive it by injection.
type AIProvider interface {
	// Complete runs a chat completion.
	Complete(ctx context.Context, messages []Message, opts CompletionOptions) (Completion, error)
	// Embed returns one vector per input text, in input order.
	Embed(ctx context.Context, texts []string, opts EmbedOptions) (Embedding, error)
	// Name returns the provider identifier (e.g., "ollama", "openai").
	Name() string
}

const (
	RoleSystem = "system"
	RoleUser   = "user"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type CompletionOptions struct {
	Model       string
	Temperature float32
	// JSON asks the provider for a JSON object response.
	JSON    bool
	Purpose string
	TraceID string
}

type Completion struct {
	Content   string
	Model     string
	TokensIn  int
	TokensOut int
	Latency   time.Duration
	RunID     string
}

type EmbedOptions struct {
	Model   string
	Purpose string
}

type Embedding struct {
	Vectors  [][]float32
	Model    string
	TokensIn int
	Latency  time.Duration
}
