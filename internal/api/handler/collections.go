package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/kiranshivaraju/curio/internal/api/response"
	"github.com/kiranshivaraju/curio/internal/queue"
	"github.com/kiranshivaraju/curio/pkg/models"
)

// Enqueuer accepts jobs. *jobs.System satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, payload models.JobPayload, opts ...queue.Option) (*models.JobRecord, bool, error)
}

// GenerateDefaults fill in what a manual generation request leaves out.
type GenerateDefaults struct {
	Location              *time.Location
	CollectionsCount      int
	ProductsPerCollection int
	Now                   func() time.Time
}

type generateRequest struct {
	Surface               string            `json:"surface"`
	TargetDate            string            `json:"target_date"`
	CollectionsCount      int               `json:"collections_count"`
	ProductsPerCollection int               `json:"products_per_collection"`
	Filters               models.PoolFilter `json:"filters"`
	Provider              string            `json:"provider"`
	Model                 string            `json:"model"`
}

type generateResponse struct {
	Job       *models.JobRecord `json:"job"`
	Duplicate bool              `json:"duplicate"`
}

// NewGenerateHandler returns an http.HandlerFunc for
// POST /api/v1/collections/generate. The target date defaults to today in
// the configured location. A request for a surface and date that already has
// an active job returns that job with duplicate set.
func NewGenerateHandler(enq Enqueuer, defaults GenerateDefaults) http.HandlerFunc {
	if defaults.Location == nil {
		defaults.Location = time.UTC
	}
	if defaults.Now == nil {
		defaults.Now = time.Now
	}

	return func(w http.ResponseWriter, r *http.Request) {
		var req generateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if req.Surface == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "surface is required", nil)
			return
		}
		if req.TargetDate == "" {
			req.TargetDate = defaults.Now().In(defaults.Location).Format(time.DateOnly)
		}
		if req.CollectionsCount == 0 {
			req.CollectionsCount = defaults.CollectionsCount
		}
		if req.ProductsPerCollection == 0 {
			req.ProductsPerCollection = defaults.ProductsPerCollection
		}

		rec, created, err := enq.Enqueue(r.Context(), models.CollectionGenerationPayload{
			Meta:                  models.NewMeta("api"),
			Surface:               req.Surface,
			TargetDate:            req.TargetDate,
			CollectionsCount:      req.CollectionsCount,
			ProductsPerCollection: req.ProductsPerCollection,
			Filters:               req.Filters,
			Provider:              req.Provider,
			Model:                 req.Model,
		})
		if err != nil {
			if errors.Is(err, queue.ErrInvalidPayload) {
				response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
				return
			}
			slog.Error("enqueueing generation", "surface", req.Surface, "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}

		response.Accepted(w, generateResponse{Job: rec, Duplicate: !created})
	}
}
