package handlers

import (
	"context"
	"net/http"

	"github.com/redoracle/tgsentinel/internal/api/response"
	"github.com/redoracle/tgsentinel/internal/api/validation"
	"github.com/redoracle/tgsentinel/internal/models"
)

// CalibrationService defines the operator views and actions used by the handler.
type CalibrationService interface {
	BatchStatus(ctx context.Context) (models.BatchStatus, error)
	BatchHistory(ctx context.Context, tr models.TimeRange, limit int) ([]models.BatchHistoryRecord, error)
	ProfileCalibration(ctx context.Context, pt models.ProfileType, profileID string) (*models.ProfileCalibration, error)
	ProfileEvents(
		ctx context.Context, pt models.ProfileType, profileID string, tr models.TimeRange,
	) ([]models.FeedbackEvent, error)
	ProfileSamples(ctx context.Context, profileID string, tr models.TimeRange) ([]models.SampleAddition, error)
	CommitSamples(ctx context.Context, profileID string, category models.SampleCategory) (int, error)
	RollbackSamples(ctx context.Context, profileID string, category models.SampleCategory) (int, error)
	TriggerRecompute(ctx context.Context, profileIDs []string) (*models.RecomputeResult, error)
}

// CalibrationHandler handles calibration status and operator actions.
type CalibrationHandler struct {
	service CalibrationService
}

// NewCalibrationHandler creates a new calibration handler.
func NewCalibrationHandler(service CalibrationService) *CalibrationHandler {
	return &CalibrationHandler{service: service}
}

// ListResponse wraps list results.
type ListResponse[T any] struct {
	Data  []T `json:"data"`
	Count int `json:"count"`
}

// SampleReviewResponse reports how many samples a commit or rollback moved.
type SampleReviewResponse struct {
	ProfileID string                `json:"profile_id"`
	Category  models.SampleCategory `json:"category"`
	Count     int                   `json:"count"`
}

// RecomputeRequest is the body of POST /v1/calibration/recompute.
// An empty list drains the whole pending set.
type RecomputeRequest struct {
	ProfileIDs []string `json:"profile_ids" validate:"max=256,dive,required,max=128,no_null_bytes"`
}

// Status handles GET /v1/calibration/status.
func (h *CalibrationHandler) Status(w http.ResponseWriter, r *http.Request) {
	status, err := h.service.BatchStatus(r.Context())
	if err != nil {
		response.RespondServiceError(w, r, err)

		return
	}

	response.RespondJSON(w, http.StatusOK, status)
}

// Batches handles GET /v1/calibration/batches?from=&to=&limit=.
func (h *CalibrationHandler) Batches(w http.ResponseWriter, r *http.Request) {
	var q models.HistoryQuery
	if err := validation.ValidateAndDecodeQueryParams(r, &q); err != nil {
		validation.RespondValidationError(w, err)

		return
	}

	batches, err := h.service.BatchHistory(r.Context(), q.Range(), q.Limit)
	if err != nil {
		response.RespondServiceError(w, r, err)

		return
	}

	response.RespondJSON(w, http.StatusOK, ListResponse[models.BatchHistoryRecord]{Data: batches, Count: len(batches)})
}

// Profile handles GET /v1/profiles/{type}/{id}/calibration.
func (h *CalibrationHandler) Profile(w http.ResponseWriter, r *http.Request) {
	cal, err := h.service.ProfileCalibration(r.Context(), models.ProfileType(r.PathValue("type")), r.PathValue("id"))
	if err != nil {
		response.RespondServiceError(w, r, err)

		return
	}

	response.RespondJSON(w, http.StatusOK, cal)
}

// Events handles GET /v1/profiles/{type}/{id}/events?from=&to=.
func (h *CalibrationHandler) Events(w http.ResponseWriter, r *http.Request) {
	var q models.HistoryQuery
	if err := validation.ValidateAndDecodeQueryParams(r, &q); err != nil {
		validation.RespondValidationError(w, err)

		return
	}

	events, err := h.service.ProfileEvents(r.Context(), models.ProfileType(r.PathValue("type")), r.PathValue("id"), q.Range())
	if err != nil {
		response.RespondServiceError(w, r, err)

		return
	}

	response.RespondJSON(w, http.StatusOK, ListResponse[models.FeedbackEvent]{Data: events, Count: len(events)})
}

// Samples handles GET /v1/profiles/{id}/samples?from=&to=.
func (h *CalibrationHandler) Samples(w http.ResponseWriter, r *http.Request) {
	var q models.HistoryQuery
	if err := validation.ValidateAndDecodeQueryParams(r, &q); err != nil {
		validation.RespondValidationError(w, err)

		return
	}

	samples, err := h.service.ProfileSamples(r.Context(), r.PathValue("id"), q.Range())
	if err != nil {
		response.RespondServiceError(w, r, err)

		return
	}

	response.RespondJSON(w, http.StatusOK, ListResponse[models.SampleAddition]{Data: samples, Count: len(samples)})
}

// Commit handles POST /v1/profiles/{id}/samples/{category}/commit.
func (h *CalibrationHandler) Commit(w http.ResponseWriter, r *http.Request) {
	h.review(w, r, h.service.CommitSamples)
}

// Rollback handles POST /v1/profiles/{id}/samples/{category}/rollback.
func (h *CalibrationHandler) Rollback(w http.ResponseWriter, r *http.Request) {
	h.review(w, r, h.service.RollbackSamples)
}

func (h *CalibrationHandler) review(
	w http.ResponseWriter, r *http.Request,
	fn func(ctx context.Context, profileID string, category models.SampleCategory) (int, error),
) {
	id := r.PathValue("id")
	category := models.SampleCategory(r.PathValue("category"))

	n, err := fn(r.Context(), id, category)
	if err != nil {
		response.RespondServiceError(w, r, err)

		return
	}

	response.RespondJSON(w, http.StatusOK, SampleReviewResponse{ProfileID: id, Category: category, Count: n})
}

// Recompute handles POST /v1/calibration/recompute.
// Returns 202 when the request was queued as a job and 200 when it ran inline.
func (h *CalibrationHandler) Recompute(w http.ResponseWriter, r *http.Request) {
	var req RecomputeRequest

	if r.ContentLength != 0 {
		if err := validation.DecodeJSON(r, &req); err != nil {
			response.RespondBadRequest(w, err.Error())

			return
		}
	}

	if err := validation.ValidateStruct(&req); err != nil {
		validation.RespondValidationError(w, err)

		return
	}

	res, err := h.service.TriggerRecompute(r.Context(), req.ProfileIDs)
	if err != nil {
		response.RespondServiceError(w, r, err)

		return
	}

	status := http.StatusOK
	if res.Queued {
		status = http.StatusAccepted
	}

	response.RespondJSON(w, status, res)
}
