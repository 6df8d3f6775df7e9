package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/jcmexdev/message-sagas/internal/coordinator"
	"github.com/jcmexdev/message-sagas/internal/coordinator/sagastate"
	"github.com/jcmexdev/message-sagas/internal/pkg/interceptors/constants"
)

// StatusReader is satisfied by *coordinator.Orchestrator.
type StatusReader interface {
	Status(ctx context.Context, id uuid.UUID) (*sagastate.Instance, error)
}

// Handler exposes stored saga outcomes over HTTP.
type Handler struct {
	sagas StatusReader
	ready func() bool // nil means always ready
	log   *slog.Logger
}

func NewHandler(sagas StatusReader, ready func() bool, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{sagas: sagas, ready: ready, log: logger}
}

// GetSaga looks a saga up by correlation id.
func (h *Handler) GetSaga(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "correlationId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_correlation_id", err.Error())
		return
	}
	h.writeSaga(w, r, id, "")
}

// GetSagaByBusinessID derives the correlation id the listener would use for
// businessId and looks that saga up.
func (h *Handler) GetSagaByBusinessID(w http.ResponseWriter, r *http.Request) {
	businessID := chi.URLParam(r, "businessId")
	if businessID == "" {
		writeError(w, http.StatusBadRequest, "business_id_required", "")
		return
	}
	h.writeSaga(w, r, coordinator.DeriveCorrelationID(businessID), businessID)
}

func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	if h.ready != nil && !h.ready() {
		writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "draining"})
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

func (h *Handler) writeSaga(w http.ResponseWriter, r *http.Request, id uuid.UUID, businessID string) {
	inst, err := h.sagas.Status(r.Context(), id)
	switch {
	case errors.Is(err, sagastate.ErrNotFound):
		// Completed sagas are deleted, so absence is also the success case.
		writeError(w, http.StatusNotFound, "saga_not_found", "saga completed or was never received")
		return
	case err != nil:
		requestID, _ := r.Context().Value(constants.ContextKeyRequestID).(string)
		h.log.ErrorContext(r.Context(), "saga lookup failed",
			"request_id", requestID, "correlation_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "store_error", "")
		return
	}
	writeJSON(w, http.StatusOK, mapSagaToResponse(inst, businessID))
}

func mapSagaToResponse(inst *sagastate.Instance, businessID string) SagaResponse {
	return SagaResponse{
		CorrelationID: inst.CorrelationID.String(),
		BusinessID:    businessID,
		State:         inst.State.String(),
		Data:          inst.Data,
		Error:         inst.Error,
		Version:       inst.Version,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{
		Error:   code,
		Message: msg,
	})
}
