package payroll

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/swissbooks/internal/platform/httpx"
	"github.com/odyssey-erp/swissbooks/internal/shared"
)

// Handler exposes payroll operations over JSON.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler constructs the handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers payroll routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/payruns", h.list)
	r.Post("/payruns", h.compute)
	r.Post("/payruns/batch", h.batch)
	r.Get("/payruns/{id}", h.get)
	r.Get("/payruns/{id}/can-modify", h.canModify)
	r.Patch("/payruns/{id}", h.modify)
	r.Get("/payruns/{id}/audits", h.audits)
	r.Post("/payruns/{id}/audits/approve", h.approveAudits)
	r.Post("/payruns/{id}/submit", h.submit)
	r.Post("/payruns/{id}/reject", h.reject)
	r.Post("/payruns/{id}/approve", h.approve)
	r.Post("/payruns/{id}/pay", h.pay)
	r.Post("/payruns/{id}/cancel", h.cancel)
	r.Get("/rate-tables/{year}", h.getTables)
	r.Put("/rate-tables/{year}", h.putTables)
}

type periodRequest struct {
	EmployeeID  int64            `json:"employee_id"`
	EmployeeIDs []int64          `json:"employee_ids"`
	PeriodStart string           `json:"period_start" validate:"required,datetime=2006-01-02"`
	PeriodEnd   string           `json:"period_end" validate:"required,datetime=2006-01-02"`
	Mode        Mode             `json:"mode" validate:"required,oneof=monthly hourly event"`
	Hours       *decimal.Decimal `json:"hours"`
}

func (p periodRequest) period() Period {
	start, _ := time.Parse("2006-01-02", p.PeriodStart)
	end, _ := time.Parse("2006-01-02", p.PeriodEnd)
	return Period{Start: start, End: end}
}

func payrunID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		return 0, shared.Validationf("invalid payrun id")
	}
	return id, nil
}

func (h *Handler) compute(w http.ResponseWriter, r *http.Request) {
	tenant, ok := httpx.RequirePermission(w, r, shared.PermPayrollEdit)
	if !ok {
		return
	}
	var req periodRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	run, err := h.service.ComputePayrun(r.Context(), tenant, ComputeRequest{
		EmployeeID: req.EmployeeID, Period: req.period(), Mode: req.Mode, Hours: req.Hours,
	})
	if err != nil {
		h.logger.Warn("compute payrun", slog.Int64("employee_id", req.EmployeeID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, run)
}

func (h *Handler) batch(w http.ResponseWriter, r *http.Request) {
	tenant, ok := httpx.RequirePermission(w, r, shared.PermPayrollEdit)
	if !ok {
		return
	}
	var req periodRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if len(req.EmployeeIDs) == 0 {
		httpx.RespondError(w, shared.Validationf("employee_ids required"))
		return
	}
	results, err := h.service.ComputeBatch(r.Context(), tenant, BatchRequest{
		EmployeeIDs: req.EmployeeIDs, Period: req.period(), Mode: req.Mode, Hours: req.Hours,
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, results)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	tenant, ok := httpx.RequireTenant(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	filter := ListFilter{Status: Status(q.Get("status"))}
	if v, err := time.Parse("2006-01-02", q.Get("from")); err == nil {
		filter.From = v
	}
	if v, err := time.Parse("2006-01-02", q.Get("to")); err == nil {
		filter.To = v
	}
	if v, err := strconv.Atoi(q.Get("limit")); err == nil {
		filter.Limit = v
	}
	runs, err := h.service.ListPayruns(r.Context(), tenant, filter)
	if err != nil {
		h.logger.Error("list payruns", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, runs)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	tenant, ok := httpx.RequireTenant(w, r)
	if !ok {
		return
	}
	id, err := payrunID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	run, err := h.service.GetPayrun(r.Context(), tenant, id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, run)
}

func (h *Handler) canModify(w http.ResponseWriter, r *http.Request) {
	tenant, ok := httpx.RequireTenant(w, r)
	if !ok {
		return
	}
	id, err := payrunID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	allowed, err := h.service.CanModifyPayrun(r.Context(), tenant, id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]bool{"can_modify": allowed})
}

func (h *Handler) modify(w http.ResponseWriter, r *http.Request) {
	tenant, ok := httpx.RequireTenant(w, r)
	if !ok {
		return
	}
	id, err := payrunID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var in ModifyInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	run, audits, err := h.service.ModifyPayrun(r.Context(), tenant, id, in)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"payrun": run, "audits": audits})
}

func (h *Handler) audits(w http.ResponseWriter, r *http.Request) {
	tenant, ok := httpx.RequireTenant(w, r)
	if !ok {
		return
	}
	id, err := payrunID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	rows, err := h.service.ListAudits(r.Context(), tenant, id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, rows)
}

func (h *Handler) approveAudits(w http.ResponseWriter, r *http.Request) {
	tenant, ok := httpx.RequirePermission(w, r, shared.PermPayrollApprove)
	if !ok {
		return
	}
	id, err := payrunID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	n, err := h.service.ApproveAudits(r.Context(), tenant, id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]int{"approved": n})
}

type reasonRequest struct {
	Reason string `json:"reason" validate:"max=500"`
	PaidOn string `json:"paid_on" validate:"omitempty,datetime=2006-01-02"`
}

// transitionHandler adapts the status operations that take a payrun id and
// an optional body.
func (h *Handler) transitionHandler(w http.ResponseWriter, r *http.Request, perm string,
	fn func(tenant shared.Tenant, id int64, body reasonRequest) (Payrun, error)) {
	tenant, ok := httpx.RequirePermission(w, r, perm)
	if !ok {
		return
	}
	id, err := payrunID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var body reasonRequest
	if r.ContentLength > 0 {
		if err := httpx.DecodeJSON(r, &body); err != nil {
			httpx.RespondError(w, err)
			return
		}
	}
	run, err := fn(tenant, id, body)
	if err != nil {
		h.logger.Warn("payrun transition", slog.Int64("payrun_id", id), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, run)
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	h.transitionHandler(w, r, shared.PermPayrollEdit, func(t shared.Tenant, id int64, _ reasonRequest) (Payrun, error) {
		return h.service.SubmitPayrun(r.Context(), t, id)
	})
}

func (h *Handler) reject(w http.ResponseWriter, r *http.Request) {
	h.transitionHandler(w, r, shared.PermPayrollApprove, func(t shared.Tenant, id int64, b reasonRequest) (Payrun, error) {
		return h.service.RejectPayrun(r.Context(), t, id, b.Reason)
	})
}

func (h *Handler) approve(w http.ResponseWriter, r *http.Request) {
	h.transitionHandler(w, r, shared.PermPayrollApprove, func(t shared.Tenant, id int64, _ reasonRequest) (Payrun, error) {
		return h.service.ApprovePayrun(r.Context(), t, id)
	})
}

func (h *Handler) pay(w http.ResponseWriter, r *http.Request) {
	h.transitionHandler(w, r, shared.PermPayrollPay, func(t shared.Tenant, id int64, b reasonRequest) (Payrun, error) {
		paidOn, _ := time.Parse("2006-01-02", b.PaidOn)
		return h.service.PayPayrun(r.Context(), t, id, paidOn)
	})
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	h.transitionHandler(w, r, shared.PermPayrollEdit, func(t shared.Tenant, id int64, b reasonRequest) (Payrun, error) {
		return h.service.CancelPayrun(r.Context(), t, id, b.Reason)
	})
}

func (h *Handler) year(w http.ResponseWriter, r *http.Request) (int, bool) {
	year, err := strconv.Atoi(chi.URLParam(r, "year"))
	if err != nil {
		httpx.RespondError(w, shared.Validationf("invalid year"))
		return 0, false
	}
	return year, true
}

func (h *Handler) getTables(w http.ResponseWriter, r *http.Request) {
	tenant, ok := httpx.RequireTenant(w, r)
	if !ok {
		return
	}
	year, ok := h.year(w, r)
	if !ok {
		return
	}
	tables, err := h.service.RateTables(r.Context(), tenant, year)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, tables)
}

func (h *Handler) putTables(w http.ResponseWriter, r *http.Request) {
	tenant, ok := httpx.RequirePermission(w, r, shared.PermPayrollApprove)
	if !ok {
		return
	}
	year, ok := h.year(w, r)
	if !ok {
		return
	}
	var tables RateTables
	if err := httpx.DecodeJSON(r, &tables); err != nil {
		httpx.RespondError(w, err)
		return
	}
	tables.Year = year
	if err := h.service.SaveRateTables(r.Context(), tenant, tables); err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, tables)
}
