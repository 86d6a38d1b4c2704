package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/goclaw/sagaflow/pkg/api/middleware"
	"github.com/goclaw/sagaflow/pkg/api/models"
	"github.com/goclaw/sagaflow/pkg/api/response"
	"github.com/goclaw/sagaflow/pkg/logger"
	"github.com/goclaw/sagaflow/pkg/saga"
)

// SagaHandler serves the read-only saga audit endpoints.
type SagaHandler struct {
	store     saga.Store
	logger    logger.Logger
	validator *validator.Validate
	now       func() time.Time
}

// NewSagaHandler creates a saga audit handler over store.
func NewSagaHandler(store saga.Store, log logger.Logger) *SagaHandler {
	if log == nil {
		log = logger.Global()
	}
	v := validator.New()
	_ = v.RegisterValidation("saga_status", func(fl validator.FieldLevel) bool {
		_, err := saga.ParseStatus(fl.Field().String())
		return err == nil
	})
	return &SagaHandler{
		store:     store,
		logger:    log.With("component", "audit_api"),
		validator: v,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// ListSagas handles GET /api/v1/sagas?status=&type=.
func (h *SagaHandler) ListSagas(w http.ResponseWriter, r *http.Request) {
	query := models.SagaListQuery{
		Status: strings.TrimSpace(r.URL.Query().Get("status")),
		Type:   strings.TrimSpace(r.URL.Query().Get("type")),
	}
	if !h.valid(w, r, &query) {
		return
	}

	statuses := saga.AllStatuses()
	if query.Status != "" {
		status, _ := saga.ParseStatus(query.Status)
		statuses = []saga.Status{status}
	}

	items := make([]*saga.SagaInstance, 0)
	for _, status := range statuses {
		var (
			found []*saga.SagaInstance
			err   error
		)
		if query.Type != "" {
			found, err = h.store.FindByTypeAndStatus(r.Context(), query.Type, status)
		} else {
			found, err = h.store.FindByStatus(r.Context(), status)
		}
		if err != nil {
			h.storeError(w, r, "list sagas", err)
			return
		}
		items = append(items, found...)
	}
	saga.SortInstances(items)
	response.JSON(w, http.StatusOK, models.NewSagaListResponse(items))
}

// ListStuck handles GET /api/v1/sagas/stuck?older_than=.
func (h *SagaHandler) ListStuck(w http.ResponseWriter, r *http.Request) {
	query := models.StuckQuery{OlderThan: 5 * time.Minute}
	if raw := strings.TrimSpace(r.URL.Query().Get("older_than")); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			h.badRequest(w, r, "older_than must be a duration such as 5m")
			return
		}
		query.OlderThan = d
	}
	if !h.valid(w, r, &query) {
		return
	}

	items, err := h.store.FindStuck(r.Context(), h.now().Add(-query.OlderThan))
	if err != nil {
		h.storeError(w, r, "find stuck sagas", err)
		return
	}
	response.JSON(w, http.StatusOK, models.NewSagaListResponse(items))
}

// ListRetryable handles GET /api/v1/sagas/retryable?type=.
func (h *SagaHandler) ListRetryable(w http.ResponseWriter, r *http.Request) {
	query := models.RetryableQuery{Type: strings.TrimSpace(r.URL.Query().Get("type"))}
	if !h.valid(w, r, &query) {
		return
	}

	items, err := h.store.FindRetryable(r.Context(), query.Type)
	if err != nil {
		h.storeError(w, r, "find retryable sagas", err)
		return
	}
	response.JSON(w, http.StatusOK, models.NewSagaListResponse(items))
}

// GetStats handles GET /api/v1/sagas/stats?type=&from=&to=. Bounds are RFC 3339.
func (h *SagaHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	query := models.StatsQuery{Type: strings.TrimSpace(r.URL.Query().Get("type"))}
	var err error
	if query.From, err = parseTime(r.URL.Query().Get("from")); err != nil {
		h.badRequest(w, r, "from must be an RFC 3339 timestamp")
		return
	}
	if query.To, err = parseTime(r.URL.Query().Get("to")); err != nil {
		h.badRequest(w, r, "to must be an RFC 3339 timestamp")
		return
	}
	if !query.From.IsZero() && !query.To.IsZero() && !query.From.Before(query.To) {
		h.badRequest(w, r, "from must be before to")
		return
	}
	if !h.valid(w, r, &query) {
		return
	}

	stats, err := h.store.Stats(r.Context(), query.Type, query.From, query.To)
	if err != nil {
		h.storeError(w, r, "saga stats", err)
		return
	}
	response.JSON(w, http.StatusOK, models.StatsResponse{Stats: stats, SuccessRate: stats.SuccessRate()})
}

// GetSaga handles GET /api/v1/sagas/{id}.
func (h *SagaHandler) GetSaga(w http.ResponseWriter, r *http.Request) {
	sagaID := chi.URLParam(r, "id")
	if sagaID == "" {
		h.badRequest(w, r, "saga id is required")
		return
	}

	instance, err := h.store.GetInstance(r.Context(), sagaID)
	if err != nil {
		h.storeError(w, r, "get saga", err)
		return
	}
	response.JSON(w, http.StatusOK, models.NewSagaResponse(instance))
}

// ListStepLogs handles GET /api/v1/sagas/{id}/steps?execution_type=&status=.
func (h *SagaHandler) ListStepLogs(w http.ResponseWriter, r *http.Request) {
	sagaID := chi.URLParam(r, "id")
	if sagaID == "" {
		h.badRequest(w, r, "saga id is required")
		return
	}
	query := models.StepLogQuery{
		ExecutionType: strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("execution_type"))),
		Status:        strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("status"))),
	}
	if !h.valid(w, r, &query) {
		return
	}

	if _, err := h.store.GetInstance(r.Context(), sagaID); err != nil {
		h.storeError(w, r, "get saga", err)
		return
	}
	entries, err := h.store.StepLogs(r.Context(), sagaID, saga.StepLogFilter{
		ExecutionType: saga.ExecutionType(query.ExecutionType),
		Status:        saga.StepStatus(query.Status),
	})
	if err != nil {
		h.storeError(w, r, "list step logs", err)
		return
	}
	if entries == nil {
		entries = []*saga.StepLog{}
	}
	response.JSON(w, http.StatusOK, models.StepLogListResponse{SagaID: sagaID, Items: entries, Total: len(entries)})
}

func (h *SagaHandler) valid(w http.ResponseWriter, r *http.Request, query any) bool {
	err := h.validator.Struct(query)
	if err == nil {
		return true
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		h.badRequest(w, r, err.Error())
		return false
	}
	details := make(map[string]any, len(fieldErrs))
	for _, fe := range fieldErrs {
		details[fe.Field()] = fe.Tag()
	}
	response.ErrorWithDetails(w, http.StatusBadRequest, response.ErrCodeValidationFailed,
		"invalid query parameters", details, middleware.GetRequestID(r.Context()))
	return false
}

func (h *SagaHandler) badRequest(w http.ResponseWriter, r *http.Request, message string) {
	response.Error(w, http.StatusBadRequest, response.ErrCodeBadRequest, message, middleware.GetRequestID(r.Context()))
}

func (h *SagaHandler) storeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	requestID := middleware.GetRequestID(r.Context())
	if status := response.HandleError(w, err, requestID); status >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "audit query failed", "op", op, "error", err, "request_id", requestID)
	}
}

func parseTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}
