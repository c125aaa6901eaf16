package accounts

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/swissbooks/internal/platform/httpx"
)

// Handler exposes the chart of accounts over JSON.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler constructs the handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers chart routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.list)
	r.Post("/", h.create)
	r.Post("/template", h.seed)
	r.Get("/{code}", h.get)
	r.Patch("/{code}", h.update)
	r.Post("/{code}/deactivate", h.deactivate)
	r.Delete("/{code}", h.delete)
}

type createRequest struct {
	Code       string `json:"code" validate:"required,max=16"`
	Name       string `json:"name" validate:"required"`
	Nature     Nature `json:"nature" validate:"required,oneof=ASSET LIABILITY EXPENSE REVENUE MEMO"`
	ParentCode string `json:"parent_code"`
}

type updateRequest struct {
	Name       *string `json:"name"`
	Nature     *Nature `json:"nature" validate:"omitempty,oneof=ASSET LIABILITY EXPENSE REVENUE MEMO"`
	ParentCode *string `json:"parent_code"`
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	tenant, ok := httpx.RequireTenant(w, r)
	if !ok {
		return
	}
	tree, err := h.service.Tree(r.Context(), tenant)
	if err != nil {
		h.logger.Error("list accounts", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	out := make([]Account, 0, tree.Len())
	tree.Walk(func(a Account) { out = append(out, a) })
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	tenant, ok := httpx.RequireTenant(w, r)
	if !ok {
		return
	}
	a, err := h.service.Get(r.Context(), tenant, chi.URLParam(r, "code"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, a)
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	tenant, ok := httpx.RequireTenant(w, r)
	if !ok {
		return
	}
	var req createRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	a, err := h.service.Create(r.Context(), tenant, CreateInput{
		Code: req.Code, Name: req.Name, Nature: req.Nature, ParentCode: req.ParentCode,
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, a)
}

func (h *Handler) seed(w http.ResponseWriter, r *http.Request) {
	tenant, ok := httpx.RequireTenant(w, r)
	if !ok {
		return
	}
	n, err := h.service.CreateFromTemplate(r.Context(), tenant, SwissSMETemplate)
	if err != nil {
		h.logger.Error("seed chart", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]int{"inserted": n})
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	tenant, ok := httpx.RequireTenant(w, r)
	if !ok {
		return
	}
	var req updateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	a, err := h.service.Update(r.Context(), tenant, UpdateInput{
		Code: chi.URLParam(r, "code"), Name: req.Name, Nature: req.Nature, ParentCode: req.ParentCode,
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, a)
}

func (h *Handler) deactivate(w http.ResponseWriter, r *http.Request) {
	tenant, ok := httpx.RequireTenant(w, r)
	if !ok {
		return
	}
	if err := h.service.Deactivate(r.Context(), tenant, chi.URLParam(r, "code")); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	tenant, ok := httpx.RequireTenant(w, r)
	if !ok {
		return
	}
	if err := h.service.Delete(r.Context(), tenant, chi.URLParam(r, "code")); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
