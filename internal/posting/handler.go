package posting

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/swissbooks/internal/platform/httpx"
	"github.com/odyssey-erp/swissbooks/internal/posting/formula"
	"github.com/odyssey-erp/swissbooks/internal/shared"
)

// Handler exposes rule management and a dry-run resolver.
type Handler struct {
	service *Service
	engine  *Engine
	logger  *slog.Logger
}

// NewHandler constructs the handler.
func NewHandler(logger *slog.Logger, service *Service, engine *Engine) *Handler {
	return &Handler{logger: logger, service: service, engine: engine}
}

// MountRoutes registers posting routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/rules", h.list)
	r.Post("/rules", h.save)
	r.Post("/rules/defaults", h.seed)
	r.Post("/rules/{id}/deactivate", h.deactivate)
	r.Post("/preview", h.preview)
}

type ruleRequest struct {
	EventType      string          `json:"event_type" validate:"required"`
	LineType       LineType        `json:"line_type" validate:"required,oneof=debit credit"`
	AccountCode    string          `json:"account_code" validate:"required"`
	AccountName    string          `json:"account_name"`
	VATCodeDefault *string         `json:"vat_code_default"`
	Formula        json.RawMessage `json:"formula" validate:"required"`
	Priority       int             `json:"priority"`
	IsActive       *bool           `json:"is_active"`
}

type previewRequest struct {
	EventType string          `json:"event_type" validate:"required"`
	SourceID  string          `json:"source_id"`
	Payload   json.RawMessage `json:"payload" validate:"required"`
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	tenant, ok := httpx.RequireTenant(w, r)
	if !ok {
		return
	}
	rules, err := h.service.ListRules(r.Context(), tenant, r.URL.Query().Get("event_type"))
	if err != nil {
		h.logger.Error("list rules", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, rules)
}

func (h *Handler) save(w http.ResponseWriter, r *http.Request) {
	tenant, ok := httpx.RequirePermission(w, r, shared.PermLedgerPost)
	if !ok {
		return
	}
	var req ruleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	node, err := formula.Parse(req.Formula)
	if err != nil {
		httpx.RespondError(w, shared.Validationf("%v", err))
		return
	}
	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	rule, err := h.service.SaveRule(r.Context(), tenant, Rule{
		EventType:      req.EventType,
		LineType:       req.LineType,
		AccountCode:    req.AccountCode,
		AccountName:    req.AccountName,
		VATCodeDefault: req.VATCodeDefault,
		Formula:        node,
		Priority:       req.Priority,
		IsActive:       active,
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, rule)
}

func (h *Handler) seed(w http.ResponseWriter, r *http.Request) {
	tenant, ok := httpx.RequirePermission(w, r, shared.PermLedgerPost)
	if !ok {
		return
	}
	n, err := h.service.SeedDefaults(r.Context(), tenant)
	if err != nil {
		h.logger.Error("seed rules", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]int{"rules": n})
}

func (h *Handler) deactivate(w http.ResponseWriter, r *http.Request) {
	tenant, ok := httpx.RequirePermission(w, r, shared.PermLedgerPost)
	if !ok {
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.RespondError(w, shared.Validationf("invalid rule id"))
		return
	}
	if err := h.service.DeactivateRule(r.Context(), tenant, id); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) preview(w http.ResponseWriter, r *http.Request) {
	tenant, ok := httpx.RequireTenant(w, r)
	if !ok {
		return
	}
	var req previewRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	lines, err := h.engine.Resolve(r.Context(), tenant, Event{
		EventType:  req.EventType,
		SourceID:   req.SourceID,
		OccurredOn: time.Now(),
		Payload:    req.Payload,
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, lines)
}
