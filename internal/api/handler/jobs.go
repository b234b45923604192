// Package handler holds the HTTP handlers of the operator API.
package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kiranshivaraju/curio/internal/api/response"
	"github.com/kiranshivaraju/curio/internal/queue"
	"github.com/kiranshivaraju/curio/pkg/models"
)

// JobSource loads job records. *jobs.System satisfies it.
type JobSource interface {
	Job(ctx context.Context, id uuid.UUID) (*models.JobRecord, error)
}

// StatusSource reads the mirrored job status. cache.Cache satisfies it.
type StatusSource interface {
	GetJobStatus(ctx context.Context, jobID uuid.UUID) (string, bool, error)
}

// NewGetJobHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}.
// Records already swept from the queue are answered from the status mirror
// while it still holds them. statuses may be nil.
func NewGetJobHandler(jobs JobSource, statuses StatusSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "jobID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "jobID must be a UUID", nil)
			return
		}

		rec, err := jobs.Job(r.Context(), id)
		switch {
		case err == nil:
			response.JSON(w, rec)
			return
		case !errors.Is(err, queue.ErrNotFound):
			slog.Error("loading job", "job_id", id, "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}

		if statuses != nil {
			status, ok, err := statuses.GetJobStatus(r.Context(), id)
			if err == nil && ok {
				response.JSON(w, jobStatusResponse{ID: id, Status: status, Source: "cache"})
				return
			}
		}
		response.Error(w, http.StatusNotFound, "RESOURCE_NOT_FOUND", "Job not found", nil)
	}
}

type jobStatusResponse struct {
	ID     uuid.UUID `json:"id"`
	Status string    `json:"status"`
	Source string    `json:"source"`
}
