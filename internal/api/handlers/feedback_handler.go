package handlers

import (
	"context"
	"net/http"

	"github.com/redoracle/tgsentinel/internal/api/response"
	"github.com/redoracle/tgsentinel/internal/api/validation"
	"github.com/redoracle/tgsentinel/internal/models"
)

// FeedbackService defines the feedback submission logic used by the handler.
type FeedbackService interface {
	SubmitFeedback(ctx context.Context, req *models.SubmitFeedbackRequest) (*models.SubmitFeedbackResult, error)
}

// FeedbackHandler handles feedback submissions.
type FeedbackHandler struct {
	service FeedbackService
}

// NewFeedbackHandler creates a new feedback handler.
func NewFeedbackHandler(service FeedbackService) *FeedbackHandler {
	return &FeedbackHandler{service: service}
}

// Submit handles POST /v1/feedback.
// The response lists one outcome per distinct profile id; tuning outcomes
// such as a reached drift cap are reported there, not as errors.
func (h *FeedbackHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req models.SubmitFeedbackRequest
	if err := validation.DecodeJSON(r, &req); err != nil {
		response.RespondBadRequest(w, err.Error())

		return
	}

	if err := validation.ValidateStruct(&req); err != nil {
		validation.RespondValidationError(w, err)

		return
	}

	result, err := h.service.SubmitFeedback(r.Context(), &req)
	if err != nil {
		response.RespondServiceError(w, r, err)

		return
	}

	response.RespondJSON(w, http.StatusOK, result)
}
