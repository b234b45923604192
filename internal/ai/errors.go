package ai

import "github.com/kiranshivaraju/curio/internal/ai/aierr"

var (
	ErrProviderUnavailable = aierr.ErrProviderUnavailable
	ErrInferenceTimeout    = aierr.ErrInferenceTimeout
	ErrInvalidResponse     = aierr.ErrInvalidResponse
	ErrRateLimited         = aierr.ErrRateLimited
)
