package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/menu-planning/retryd/internal/domain"
	"github.com/menu-planning/retryd/internal/observability"
	"github.com/menu-planning/retryd/internal/retry"
)

// RetryService is the engine surface exposed over HTTP. *retry.Manager
// implements it.
type RetryService interface {
	Schedule(ctx context.Context, req retry.ScheduleRequest) (*domain.RetryRecord, error)
	ProcessQueue(ctx context.Context) (retry.ProcessingSummary, error)
	ExecuteAttempt(ctx context.Context, webhookID string) (retry.Outcome, error)
	GetStatus(ctx context.Context, webhookID string) (*domain.RetryRecord, error)
	GetQueueStatus(ctx context.Context) (retry.QueueStatus, error)
	Purge(ctx context.Context, webhookID string) error
}

type Handler struct {
	service RetryService
	logger  *slog.Logger
}

func NewHandler(service RetryService, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Handler{service: service, logger: logger}
}

func (h *Handler) ScheduleRetry(w http.ResponseWriter, r *http.Request) {
	var req retry.ScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	rec, err := h.service.Schedule(r.Context(), req)
	if err != nil {
		h.respondServiceError(w, r, err, "failed to schedule retry", "webhook_id", req.WebhookID)
		return
	}
	h.respondJSON(w, http.StatusAccepted, rec)
}

func (h *Handler) GetQueueStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.service.GetQueueStatus(r.Context())
	if err != nil {
		h.respondServiceError(w, r, err, "failed to get queue status")
		return
	}
	h.respondJSON(w, http.StatusOK, status)
}

// ProcessQueue runs one pass synchronously. A pass already running is
// reported through already_processing rather than an error status.
func (h *Handler) ProcessQueue(w http.ResponseWriter, r *http.Request) {
	summary, err := h.service.ProcessQueue(r.Context())
	if err != nil {
		h.respondServiceError(w, r, err, "failed to process queue")
		return
	}
	h.respondJSON(w, http.StatusOK, summary)
}

func (h *Handler) GetRetry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "webhookID")
	rec, err := h.service.GetStatus(r.Context(), id)
	if err != nil {
		h.respondServiceError(w, r, err, "failed to get retry record", "webhook_id", id)
		return
	}
	h.respondJSON(w, http.StatusOK, rec)
}

func (h *Handler) GetAttempts(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "webhookID")
	rec, err := h.service.GetStatus(r.Context(), id)
	if err != nil {
		h.respondServiceError(w, r, err, "failed to get attempts", "webhook_id", id)
		return
	}
	h.respondJSON(w, http.StatusOK, rec.Attempts)
}

type AttemptResponse struct {
	Outcome retry.Outcome       `json:"outcome"`
	Record  *domain.RetryRecord `json:"record"`
}

// ForceAttempt delivers to the target now, ignoring its next retry time.
func (h *Handler) ForceAttempt(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "webhookID")
	outcome, err := h.service.ExecuteAttempt(r.Context(), id)
	if err != nil {
		h.respondServiceError(w, r, err, "failed to execute attempt", "webhook_id", id)
		return
	}
	rec, err := h.service.GetStatus(r.Context(), id)
	if err != nil {
		h.respondServiceError(w, r, err, "failed to get retry record", "webhook_id", id)
		return
	}
	h.respondJSON(w, http.StatusOK, AttemptResponse{Outcome: outcome, Record: rec})
}

func (h *Handler) PurgeRetry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "webhookID")
	if err := h.service.Purge(r.Context(), id); err != nil {
		h.respondServiceError(w, r, err, "failed to purge retry record", "webhook_id", id)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, errorResponse{Error: message})
}

// respondServiceError maps engine sentinel errors to client statuses and
// logs everything else as a server failure.
func (h *Handler) respondServiceError(w http.ResponseWriter, r *http.Request, err error, msg string, args ...any) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		h.respondError(w, http.StatusNotFound, "retry record not found")
	case errors.Is(err, domain.ErrInvalidInput):
		h.respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrTerminal), errors.Is(err, domain.ErrBusy):
		h.respondError(w, http.StatusConflict, err.Error())
	default:
		logger := observability.LoggerFromContext(r.Context())
		logger.Error(msg, append(args, "error", err)...)
		h.respondError(w, http.StatusInternalServerError, msg)
	}
}
