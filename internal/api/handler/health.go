package handler

import (
	"context"
	"net/http"

	"github.com/kiranshivaraju/curio/internal/api/response"
)

// Pinger is a dependency the health check probes.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewHealthHandler reports "ok" when every named dependency answers its ping,
// and 503 with the per-dependency states otherwise.
func NewHealthHandler(checks map[string]Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		states := make(map[string]string, len(checks))
		degraded := false
		for name, p := range checks {
			states[name] = "ok"
			if err := p.Ping(r.Context()); err != nil {
				states[name] = "degraded"
				degraded = true
			}
		}

		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", states)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": states,
		})
	}
}
