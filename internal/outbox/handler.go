package outbox

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/odyssey-erp/swissbooks/internal/platform/httpx"
	"github.com/odyssey-erp/swissbooks/internal/shared"
)

// Handler exposes enqueue and operator endpoints.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler constructs the handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers outbox routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/events", h.enqueue)
	r.Get("/events/{id}", h.get)
	r.Get("/failed", h.failed)
	r.Post("/events/{id}/requeue", h.requeue)
	r.Get("/lag", h.lag)
}

type enqueueRequest struct {
	EventType  string          `json:"event_type" validate:"required"`
	SourceType string          `json:"source_type" validate:"required"`
	SourceID   string          `json:"source_id" validate:"required"`
	Payload    json.RawMessage `json:"payload"`
}

func (h *Handler) enqueue(w http.ResponseWriter, r *http.Request) {
	tenant, ok := httpx.RequireTenant(w, r)
	if !ok {
		return
	}
	var req enqueueRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	ev, err := h.service.EnqueueDomainEvent(r.Context(), tenant, NewEvent{
		EventType: req.EventType, SourceType: req.SourceType, SourceID: req.SourceID, Payload: req.Payload,
	})
	if err != nil {
		h.logger.Error("enqueue event", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusAccepted, ev)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	tenant, ok := httpx.RequireTenant(w, r)
	if !ok {
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.RespondError(w, shared.Validationf("invalid event id"))
		return
	}
	ev, err := h.service.Get(r.Context(), tenant, id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, ev)
}

func (h *Handler) failed(w http.ResponseWriter, r *http.Request) {
	tenant, ok := httpx.RequirePermission(w, r, shared.PermOutboxManage)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := h.service.ListFailed(r.Context(), tenant, limit)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, events)
}

func (h *Handler) requeue(w http.ResponseWriter, r *http.Request) {
	tenant, ok := httpx.RequirePermission(w, r, shared.PermOutboxManage)
	if !ok {
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.RespondError(w, shared.Validationf("invalid event id"))
		return
	}
	if err := h.service.Requeue(r.Context(), tenant, id); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) lag(w http.ResponseWriter, r *http.Request) {
	tenant, ok := httpx.RequireTenant(w, r)
	if !ok {
		return
	}
	lag, err := h.service.Lag(r.Context(), tenant)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, lag)
}
