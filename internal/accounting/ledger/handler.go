package ledger

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

// Handler exposes ledger operations over JSON.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler constructs the handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers ledger routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/entries", h.list)
	r.Post("/entries", h.create)
	r.Get("/entries/{id}", h.get)
	r.Post("/entries/{id}/reverse", h.reverse)
	r.Get("/trial-balance", h.trialBalance)
	r.Get("/accounts/{code}/has-entries", h.hasEntries)
}

type lineRequest struct {
	AccountCode string           `json:"account_code" validate:"required"`
	Debit       decimal.Decimal  `json:"debit"`
	Credit      decimal.Decimal  `json:"credit"`
	VATCode     *string          `json:"vat_code"`
	VATRate     *decimal.Decimal `json:"vat_rate"`
	VATAmount   *decimal.Decimal `json:"vat_amount"`
	AmountNet   *decimal.Decimal `json:"amount_net"`
}

type createRequest struct {
	EntryDate      string        `json:"entry_date" validate:"required,datetime=2006-01-02"`
	Description    string        `json:"description"`
	SourceType     string        `json:"source_type"`
	SourceID       string        `json:"source_id"`
	IdempotencyKey string        `json:"idempotency_key" validate:"max=200"`
	Lines          []lineRequest `json:"lines" validate:"min=2,dive"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	tenant, ok := httpx.RequirePermission(w, r, shared.PermLedgerPost)
	if !ok {
		return
	}
	var req createRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	date, _ := time.Parse("2006-01-02", req.EntryDate)
	in := CreateEntryInput{
		EntryDate:      date,
		Description:    req.Description,
		SourceType:     req.SourceType,
		SourceID:       req.SourceID,
		IdempotencyKey: req.IdempotencyKey,
		Lines:          make([]LineInput, len(req.Lines)),
	}
	if key := r.Header.Get("Idempotency-Key"); key != "" && in.IdempotencyKey == "" {
		in.IdempotencyKey = key
	}
	for i, l := range req.Lines {
		in.Lines[i] = LineInput(l)
	}
	id, err := h.service.CreateEntry(r.Context(), tenant, in)
	if err != nil {
		h.logger.Warn("create entry", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]int64{"entry_id": id})
}

func (h *Handler) reverse(w http.ResponseWriter, r *http.Request) {
	tenant, ok := httpx.RequirePermission(w, r, shared.PermLedgerReverse)
	if !ok {
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.RespondError(w, shared.Validationf("invalid entry id"))
		return
	}
	reversal, err := h.service.ReverseEntry(r.Context(), tenant, id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]int64{"entry_id": reversal, "reversed_of": id})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	tenant, ok := httpx.RequireTenant(w, r)
	if !ok {
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.RespondError(w, shared.Validationf("invalid entry id"))
		return
	}
	entry, err := h.service.GetEntry(r.Context(), tenant, id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, entry)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	tenant, ok := httpx.RequireTenant(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	filter := ListFilter{SourceType: q.Get("source_type"), AccountCode: q.Get("account_code")}
	if v, err := time.Parse("2006-01-02", q.Get("from")); err == nil {
		filter.From = &v
	}
	if v, err := time.Parse("2006-01-02", q.Get("to")); err == nil {
		filter.To = &v
	}
	if v, err := strconv.Atoi(q.Get("limit")); err == nil {
		filter.Limit = v
	}
	entries, err := h.service.ListEntries(r.Context(), tenant, filter)
	if err != nil {
		h.logger.Error("list entries", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, entries)
}

func (h *Handler) trialBalance(w http.ResponseWriter, r *http.Request) {
	tenant, ok := httpx.RequireTenant(w, r)
	if !ok {
		return
	}
	asOf := time.Now()
	if v, err := time.Parse("2006-01-02", r.URL.Query().Get("as_of")); err == nil {
		asOf = v
	}
	rows, err := h.service.TrialBalance(r.Context(), tenant, asOf)
	if err != nil {
		h.logger.Error("trial balance", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, rows)
}

func (h *Handler) hasEntries(w http.ResponseWriter, r *http.Request) {
	tenant, ok := httpx.RequireTenant(w, r)
	if !ok {
		return
	}
	used, err := h.service.AccountHasEntries(r.Context(), tenant, chi.URLParam(r, "code"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]bool{"has_entries": used})
}
