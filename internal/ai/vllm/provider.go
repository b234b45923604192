// Package vllm targets a vLLM server through its OpenAI-compatible API.
package vllm

import (
	"strings"

	"github.com/kiranshivaraju/curio/internal/ai/openai"
	"github.com/kiranshivaraju/curio/internal/config"
)

// NewProvider returns an OpenAI client pointed at the vLLM server's /v1 API.
// vLLM ignores the API key.
func NewProvider(cfg config.VLLMConfig) *openai.Provider {
	embedModel := cfg.EmbedModel
	if embedModel == "" {
		embedModel = cfg.Model
	}
	return openai.NewNamedProvider("vllm", config.OpenAIConfig{
		APIKey:     "EMPTY",
		BaseURL:    strings.TrimRight(cfg.BaseURL, "/") + "/v1",
		Model:      cfg.Model,
		EmbedModel: embedModel,
	})
}
