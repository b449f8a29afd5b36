package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/redoracle/tgsentinel/internal/api/response"
	"github.com/redoracle/tgsentinel/internal/apperrors"
	"github.com/redoracle/tgsentinel/internal/models"
)

type mockFeedbackService struct {
	mock.Mock
}

func (m *mockFeedbackService) SubmitFeedback(
	ctx context.Context, req *models.SubmitFeedbackRequest,
) (*models.SubmitFeedbackResult, error) {
	args := m.Called(ctx, req)

	res, _ := args.Get(0).(*models.SubmitFeedbackResult)

	return res, args.Error(1)
}

type mockCalibrationService struct {
	mock.Mock
}

func (m *mockCalibrationService) BatchStatus(ctx context.Context) (models.BatchStatus, error) {
	args := m.Called(ctx)

	return args.Get(0).(models.BatchStatus), args.Error(1)
}

func (m *mockCalibrationService) BatchHistory(
	ctx context.Context, tr models.TimeRange, limit int,
) ([]models.BatchHistoryRecord, error) {
	args := m.Called(ctx, tr, limit)

	res, _ := args.Get(0).([]models.BatchHistoryRecord)

	return res, args.Error(1)
}

func (m *mockCalibrationService) ProfileCalibration(
	ctx context.Context, pt models.ProfileType, id string,
) (*models.ProfileCalibration, error) {
	args := m.Called(ctx, pt, id)

	res, _ := args.Get(0).(*models.ProfileCalibration)

	return res, args.Error(1)
}

func (m *mockCalibrationService) ProfileEvents(
	ctx context.Context, pt models.ProfileType, id string, tr models.TimeRange,
) ([]models.FeedbackEvent, error) {
	args := m.Called(ctx, pt, id, tr)

	res, _ := args.Get(0).([]models.FeedbackEvent)

	return res, args.Error(1)
}

func (m *mockCalibrationService) ProfileSamples(
	ctx context.Context, id string, tr models.TimeRange,
) ([]models.SampleAddition, error) {
	args := m.Called(ctx, id, tr)

	res, _ := args.Get(0).([]models.SampleAddition)

	return res, args.Error(1)
}

func (m *mockCalibrationService) CommitSamples(ctx context.Context, id string, c models.SampleCategory) (int, error) {
	args := m.Called(ctx, id, c)

	return args.Int(0), args.Error(1)
}

func (m *mockCalibrationService) RollbackSamples(ctx context.Context, id string, c models.SampleCategory) (int, error) {
	args := m.Called(ctx, id, c)

	return args.Int(0), args.Error(1)
}

func (m *mockCalibrationService) TriggerRecompute(ctx context.Context, ids []string) (*models.RecomputeResult, error) {
	args := m.Called(ctx, ids)

	res, _ := args.Get(0).(*models.RecomputeResult)

	return res, args.Error(1)
}

func decodeProblem(t *testing.T, rec *httptest.ResponseRecorder) response.ProblemDetails {
	t.Helper()

	var p response.ProblemDetails
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))

	return p
}

func TestFeedbackHandler_Submit(t *testing.T) {
	t.Run("returns outcomes", func(t *testing.T) {
		svc := &mockFeedbackService{}
		svc.On("SubmitFeedback", mock.Anything, mock.MatchedBy(func(r *models.SubmitFeedbackRequest) bool {
			return r.Label == models.LabelDown && len(r.ProfileIDs) == 1
		})).Return(&models.SubmitFeedbackResult{Outcomes: []models.ProfileFeedbackOutcome{
			{ProfileID: "crypto", Bucket: models.BucketBorderlineFP},
		}}, nil).Once()

		h := NewFeedbackHandler(svc)
		body := `{"chat_id":1,"msg_id":2,"profile_ids":["crypto"],"label":"down","profile_type":"interest","semantic_score":0.5}`
		rec := httptest.NewRecorder()

		h.Submit(rec, httptest.NewRequest(http.MethodPost, "/v1/feedback", strings.NewReader(body)))

		assert.Equal(t, http.StatusOK, rec.Code)

		var res models.SubmitFeedbackResult
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
		require.Len(t, res.Outcomes, 1)
		assert.Equal(t, models.BucketBorderlineFP, res.Outcomes[0].Bucket)
		svc.AssertExpectations(t)
	})

	t.Run("malformed json is 400", func(t *testing.T) {
		h := NewFeedbackHandler(&mockFeedbackService{})
		rec := httptest.NewRecorder()

		h.Submit(rec, httptest.NewRequest(http.MethodPost, "/v1/feedback", strings.NewReader("{")))

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("invalid label is 400 with field details", func(t *testing.T) {
		h := NewFeedbackHandler(&mockFeedbackService{})
		rec := httptest.NewRecorder()
		body := `{"profile_ids":["crypto"],"label":"meh","profile_type":"interest"}`

		h.Submit(rec, httptest.NewRequest(http.MethodPost, "/v1/feedback", strings.NewReader(body)))

		assert.Equal(t, http.StatusBadRequest, rec.Code)

		p := decodeProblem(t, rec)
		require.NotEmpty(t, p.Errors)
		assert.Contains(t, p.Errors[0].Location, "label")
	})

	t.Run("service validation error is 400", func(t *testing.T) {
		svc := &mockFeedbackService{}
		svc.On("SubmitFeedback", mock.Anything, mock.Anything).
			Return(nil, apperrors.NewValidationError("semantic_score", "semantic_score must be in [0, 1]")).Once()

		h := NewFeedbackHandler(svc)
		rec := httptest.NewRecorder()
		body := `{"profile_ids":["crypto"],"label":"up","profile_type":"interest","semantic_score":3}`

		h.Submit(rec, httptest.NewRequest(http.MethodPost, "/v1/feedback", strings.NewReader(body)))

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "semantic_score", decodeProblem(t, rec).Errors[0].Location)
	})

	t.Run("storage failure is 500 without detail", func(t *testing.T) {
		svc := &mockFeedbackService{}
		svc.On("SubmitFeedback", mock.Anything, mock.Anything).Return(nil, errors.New("db down")).Once()

		h := NewFeedbackHandler(svc)
		rec := httptest.NewRecorder()
		body := `{"profile_ids":["crypto"],"label":"up","profile_type":"interest"}`

		h.Submit(rec, httptest.NewRequest(http.MethodPost, "/v1/feedback", strings.NewReader(body)))

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.NotContains(t, rec.Body.String(), "db down")
	})
}

func TestCalibrationHandler_Profile(t *testing.T) {
	svc := &mockCalibrationService{}
	svc.On("ProfileCalibration", mock.Anything, models.ProfileTypeAlert, "outage").
		Return(&models.ProfileCalibration{ProfileID: "outage", CurrentValue: 1.1}, nil).Once()
	svc.On("ProfileCalibration", mock.Anything, models.ProfileTypeInterest, "gone").
		Return(nil, apperrors.NewNotFoundError("interest profile", "profile gone not found")).Once()

	h := NewCalibrationHandler(svc)

	req := httptest.NewRequest(http.MethodGet, "/v1/profiles/alert/outage/calibration", http.NoBody)
	req.SetPathValue("type", "alert")
	req.SetPathValue("id", "outage")

	rec := httptest.NewRecorder()
	h.Profile(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"current_value":1.1`)

	req = httptest.NewRequest(http.MethodGet, "/v1/profiles/interest/gone/calibration", http.NoBody)
	req.SetPathValue("type", "interest")
	req.SetPathValue("id", "gone")

	rec = httptest.NewRecorder()
	h.Profile(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCalibrationHandler_Events(t *testing.T) {
	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	svc := &mockCalibrationService{}
	svc.On("ProfileEvents", mock.Anything, models.ProfileTypeInterest, "crypto", models.TimeRange{From: from}).
		Return([]models.FeedbackEvent{{ProfileID: "crypto"}}, nil).Once()

	h := NewCalibrationHandler(svc)

	req := httptest.NewRequest(http.MethodGet, "/v1/profiles/interest/crypto/events?from=2026-03-01T00:00:00Z", http.NoBody)
	req.SetPathValue("type", "interest")
	req.SetPathValue("id", "crypto")

	rec := httptest.NewRecorder()
	h.Events(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"count":1`)
	svc.AssertExpectations(t)

	req = httptest.NewRequest(http.MethodGet, "/v1/profiles/interest/crypto/events?to=soon", http.NoBody)
	rec = httptest.NewRecorder()
	h.Events(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCalibrationHandler_CommitConflict(t *testing.T) {
	svc := &mockCalibrationService{}
	svc.On("CommitSamples", mock.Anything, "crypto", models.SampleNegative).
		Return(0, apperrors.NewConflictError("samples changed concurrently")).Once()
	svc.On("RollbackSamples", mock.Anything, "crypto", models.SamplePositive).Return(2, nil).Once()

	h := NewCalibrationHandler(svc)

	req := httptest.NewRequest(http.MethodPost, "/v1/profiles/crypto/samples/negative/commit", http.NoBody)
	req.SetPathValue("id", "crypto")
	req.SetPathValue("category", "negative")

	rec := httptest.NewRecorder()
	h.Commit(rec, req)
	assert.Equal(t, http.StatusConflict, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/v1/profiles/crypto/samples/positive/rollback", http.NoBody)
	req.SetPathValue("id", "crypto")
	req.SetPathValue("category", "positive")

	rec = httptest.NewRecorder()
	h.Rollback(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	var body SampleReviewResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Count)
}

func TestCalibrationHandler_Recompute(t *testing.T) {
	svc := &mockCalibrationService{}
	svc.On("TriggerRecompute", mock.Anything, []string{"crypto"}).
		Return(&models.RecomputeResult{Queued: true, JobID: 5}, nil).Once()
	svc.On("TriggerRecompute", mock.Anything, []string(nil)).
		Return(&models.RecomputeResult{}, nil).Once()

	h := NewCalibrationHandler(svc)

	rec := httptest.NewRecorder()
	h.Recompute(rec, httptest.NewRequest(http.MethodPost, "/v1/calibration/recompute",
		strings.NewReader(`{"profile_ids":["crypto"]}`)))
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = httptest.NewRecorder()
	h.Recompute(rec, httptest.NewRequest(http.MethodPost, "/v1/calibration/recompute", http.NoBody))
	assert.Equal(t, http.StatusOK, rec.Code)

	svc.AssertExpectations(t)
}

func TestCalibrationHandler_Status(t *testing.T) {
	svc := &mockCalibrationService{}
	svc.On("BatchStatus", mock.Anything).
		Return(models.BatchStatus{State: "scheduled", PendingCount: 2, PendingProfiles: []string{"a", "b"}}, nil).Once()

	rec := httptest.NewRecorder()
	NewCalibrationHandler(svc).Status(rec, httptest.NewRequest(http.MethodGet, "/v1/calibration/status", http.NoBody))

	assert.Equal(t, http.StatusOK, rec.Code)

	var status models.BatchStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, 2, status.PendingCount)
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestHealthHandler(t *testing.T) {
	ok := pingFunc(func(context.Context) error { return nil })
	down := pingFunc(func(context.Context) error { return errors.New("refused") })

	rec := httptest.NewRecorder()
	NewHealthHandler(nil).Check(rec, httptest.NewRequest(http.MethodGet, "/health", http.NoBody))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	rec = httptest.NewRecorder()
	NewHealthHandler(map[string]Pinger{"db": ok}).Ready(rec, httptest.NewRequest(http.MethodGet, "/ready", http.NoBody))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	NewHealthHandler(map[string]Pinger{"db": ok, "redis": down}).
		Ready(rec, httptest.NewRequest(http.MethodGet, "/ready", http.NoBody))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"redis":"unavailable"`)
}
