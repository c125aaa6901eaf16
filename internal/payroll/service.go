package payroll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/swissbooks/internal/outbox"
	"github.com/odyssey-erp/swissbooks/internal/posting"
	"github.com/odyssey-erp/swissbooks/internal/shared"
)

// Outbox source types. Each payrun event kind gets its own so the ledger
// idempotency keys never collide.
const (
	SourcePayrun        = "payrun"
	SourcePayrunPayment = "payrun_payment"
	SourcePayrunCancel  = "payrun_cancel"
)

// AuditPort records payroll activity.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service computes payruns and drives them through approval.
type Service struct {
	repo       Repository
	audit      AuditPort
	logger     *slog.Logger
	now        func() time.Time
	batchLimit int
}

// NewService constructs the payroll service.
func NewService(repo Repository, audit AuditPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, audit: audit, logger: logger, now: time.Now, batchLimit: 4}
}

// WithNow overrides the clock.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// WithBatchLimit bounds the concurrency of ComputeBatch.
func (s *Service) WithBatchLimit(n int) {
	if n > 0 {
		s.batchLimit = n
	}
}

func authorize(tenant shared.Tenant, perm string) error {
	if err := tenant.Validate(); err != nil {
		return err
	}
	if !tenant.Role.Can(perm) {
		return fmt.Errorf("%w: %s", shared.ErrForbidden, perm)
	}
	return nil
}

// RateTables returns the tables of a tenant-year.
func (s *Service) RateTables(ctx context.Context, tenant shared.Tenant, year int) (RateTables, error) {
	if err := tenant.Validate(); err != nil {
		return RateTables{}, err
	}
	return s.repo.RateTables(ctx, tenant.CompanyID, year)
}

// SaveRateTables validates and stores the tables of a tenant-year.
func (s *Service) SaveRateTables(ctx context.Context, tenant shared.Tenant, tables RateTables) error {
	if err := authorize(tenant, shared.PermPayrollApprove); err != nil {
		return err
	}
	if tables.Year < 2000 || tables.Year > 2100 {
		return shared.Validationf("payroll: rate table year %d out of range", tables.Year)
	}
	if err := tables.Validate(); err != nil {
		return err
	}
	if err := s.repo.SaveRateTables(ctx, tenant.CompanyID, tables); err != nil {
		return err
	}
	s.record(ctx, tenant, "payroll.rate_tables_saved", strconv.Itoa(tables.Year), nil)
	return nil
}

// ComputePayrun computes and stores a draft payrun. Recomputing an existing
// draft replaces its amounts; any later status is left untouched.
func (s *Service) ComputePayrun(ctx context.Context, tenant shared.Tenant, req ComputeRequest) (Payrun, error) {
	if err := authorize(tenant, shared.PermPayrollEdit); err != nil {
		return Payrun{}, err
	}
	if err := req.Period.Validate(); err != nil {
		return Payrun{}, err
	}
	if !req.Mode.Valid() {
		return Payrun{}, shared.Validationf("payroll: unknown mode %q", req.Mode)
	}
	in, tables, err := s.loadInputs(ctx, tenant.CompanyID, req)
	if err != nil {
		return Payrun{}, err
	}
	comp, err := Compute(in, tables)
	if err != nil {
		return Payrun{}, err
	}

	now := s.now()
	run := Payrun{
		CompanyID:  tenant.CompanyID,
		EmployeeID: req.EmployeeID,
		Period:     req.Period,
		Mode:       req.Mode,
		Hours:      req.Hours,
		Amounts:    comp.Amounts,
		LppStatus:  comp.LppStatus,
		Lpp:        comp.Lpp,
		Status:     StatusDraft,
		CreatedBy:  tenant.UserID,
		CreatedAt:  now,
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		existing, found, err := tx.FindPayrun(ctx, tenant.CompanyID, req.EmployeeID, req.Period.Start, req.Mode)
		if err != nil {
			return err
		}
		if !found {
			run.ID, err = tx.InsertPayrun(ctx, run)
			return err
		}
		if existing.Status != StatusDraft {
			return fmt.Errorf("%w: payrun %d is %s", ErrPayrunExists, existing.ID, existing.Status)
		}
		existing.Period.End = run.Period.End
		existing.Hours = run.Hours
		existing.Amounts = run.Amounts
		existing.LppStatus = run.LppStatus
		existing.Lpp = run.Lpp
		run = existing
		return tx.UpdatePayrun(ctx, run)
	})
	if err != nil {
		return Payrun{}, err
	}
	s.logger.Info("payrun computed",
		slog.Int64("company_id", tenant.CompanyID),
		slog.Int64("payrun_id", run.ID),
		slog.Int64("employee_id", run.EmployeeID),
		slog.String("gross", run.Amounts.Gross.StringFixed(2)),
		slog.String("net", run.Amounts.Net.StringFixed(2)))
	s.record(ctx, tenant, "payrun.computed", strconv.FormatInt(run.ID, 10), map[string]any{
		"employee_id": run.EmployeeID,
		"mode":        run.Mode,
		"gross":       shared.FormatCHF(run.Amounts.Gross),
	})
	return run, nil
}

func (s *Service) loadInputs(ctx context.Context, companyID int64, req ComputeRequest) (ComputeInput, RateTables, error) {
	tables, err := s.repo.RateTables(ctx, companyID, req.Period.Start.Year())
	if err != nil {
		return ComputeInput{}, RateTables{}, err
	}
	emp, err := s.repo.GetEmployee(ctx, companyID, req.EmployeeID)
	if err != nil {
		return ComputeInput{}, RateTables{}, err
	}
	in := ComputeInput{Employee: emp, Period: req.Period, Mode: req.Mode, Hours: req.Hours}
	if req.Mode == ModeEvent {
		if in.Replacement, err = s.repo.ActiveReplacement(ctx, companyID, emp.ID, req.Period); err != nil {
			return ComputeInput{}, RateTables{}, err
		}
	}
	if tables.Policy.ACCeiling == ACCeilingCumulative {
		ytd, err := s.repo.YTDContributionBase(ctx, companyID, emp.ID, req.Period.Start)
		if err != nil {
			return ComputeInput{}, RateTables{}, err
		}
		in.YTDContributionBase = &ytd
	}
	return in, tables, nil
}

// ComputeBatch computes payruns for many employees concurrently. A failing
// employee is reported in its result and does not stop the others.
func (s *Service) ComputeBatch(ctx context.Context, tenant shared.Tenant, req BatchRequest) ([]BatchResult, error) {
	if err := authorize(tenant, shared.PermPayrollEdit); err != nil {
		return nil, err
	}
	results := make([]BatchResult, len(req.EmployeeIDs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.batchLimit)
	for i, employeeID := range req.EmployeeIDs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			run, err := s.ComputePayrun(gctx, tenant, ComputeRequest{
				EmployeeID: employeeID, Period: req.Period, Mode: req.Mode, Hours: req.Hours,
			})
			results[i] = BatchResult{EmployeeID: employeeID, PayrunID: run.ID}
			if err != nil {
				results[i].Error = err.Error()
				s.logger.Warn("payrun batch item failed",
					slog.Int64("company_id", tenant.CompanyID),
					slog.Int64("employee_id", employeeID),
					slog.Any("error", err))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

// GetPayrun returns one payrun.
func (s *Service) GetPayrun(ctx context.Context, tenant shared.Tenant, id int64) (Payrun, error) {
	if err := tenant.Validate(); err != nil {
		return Payrun{}, err
	}
	return s.repo.GetPayrun(ctx, tenant.CompanyID, id)
}

// ListPayruns returns payruns matching filter.
func (s *Service) ListPayruns(ctx context.Context, tenant shared.Tenant, filter ListFilter) ([]Payrun, error) {
	if err := tenant.Validate(); err != nil {
		return nil, err
	}
	return s.repo.ListPayruns(ctx, tenant.CompanyID, filter)
}

// ListAudits returns the modification trail of a payrun.
func (s *Service) ListAudits(ctx context.Context, tenant shared.Tenant, payrunID int64) ([]Audit, error) {
	if err := tenant.Validate(); err != nil {
		return nil, err
	}
	return s.repo.ListAudits(ctx, tenant.CompanyID, payrunID)
}

// mutate locks a payrun, applies fn and persists the result.
func (s *Service) mutate(ctx context.Context, tenant shared.Tenant, id int64, fn func(context.Context, TxRepository, *Payrun) error) (Payrun, error) {
	var out Payrun
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		p, err := tx.GetPayrunForUpdate(ctx, tenant.CompanyID, id)
		if err != nil {
			return err
		}
		if err := fn(ctx, tx, &p); err != nil {
			return err
		}
		if err := tx.UpdatePayrun(ctx, p); err != nil {
			return err
		}
		out = p
		return nil
	})
	return out, err
}

// SubmitPayrun moves a draft to submitted.
func (s *Service) SubmitPayrun(ctx context.Context, tenant shared.Tenant, id int64) (Payrun, error) {
	if err := authorize(tenant, shared.PermPayrollEdit); err != nil {
		return Payrun{}, err
	}
	p, err := s.mutate(ctx, tenant, id, func(ctx context.Context, tx TxRepository, p *Payrun) error {
		return transition(p, StatusSubmitted)
	})
	if err != nil {
		return Payrun{}, err
	}
	s.logTransition(ctx, tenant, p, "payrun.submitted")
	return p, nil
}

// RejectPayrun sends a submitted payrun back to draft.
func (s *Service) RejectPayrun(ctx context.Context, tenant shared.Tenant, id int64, reason string) (Payrun, error) {
	if err := authorize(tenant, shared.PermPayrollApprove); err != nil {
		return Payrun{}, err
	}
	p, err := s.mutate(ctx, tenant, id, func(ctx context.Context, tx TxRepository, p *Payrun) error {
		if p.Status != StatusSubmitted {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.Status, StatusDraft)
		}
		p.ModificationNotes = reason
		return transition(p, StatusDraft)
	})
	if err != nil {
		return Payrun{}, err
	}
	s.logTransition(ctx, tenant, p, "payrun.rejected")
	return p, nil
}

// ApprovePayrun approves a submitted payrun. Pending modifications are
// approved with it and payrun.approved is enqueued in the same transaction.
// Re-approving a previously approved payrun publishes a new revision that
// supersedes the earlier posting.
func (s *Service) ApprovePayrun(ctx context.Context, tenant shared.Tenant, id int64) (Payrun, error) {
	if err := authorize(tenant, shared.PermPayrollApprove); err != nil {
		return Payrun{}, err
	}
	p, err := s.mutate(ctx, tenant, id, func(ctx context.Context, tx TxRepository, p *Payrun) error {
		if p.Status != StatusSubmitted {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.Status, StatusApproved)
		}
		now := s.now()
		if p.ApprovedAt != nil {
			p.Revision++
		}
		if err := transition(p, StatusApproved); err != nil {
			return err
		}
		p.ApprovedBy = &tenant.UserID
		p.ApprovedAt = &now
		if _, err := tx.ApproveAudits(ctx, tenant.CompanyID, p.ID, tenant.UserID, now); err != nil {
			return err
		}
		return s.enqueue(ctx, tx, tenant, approvalEvent(*p))
	})
	if err != nil {
		return Payrun{}, err
	}
	s.logTransition(ctx, tenant, p, "payrun.approved")
	return p, nil
}

// PayPayrun marks an approved payrun paid and enqueues payrun.paid.
func (s *Service) PayPayrun(ctx context.Context, tenant shared.Tenant, id int64, paidOn time.Time) (Payrun, error) {
	if err := authorize(tenant, shared.PermPayrollPay); err != nil {
		return Payrun{}, err
	}
	p, err := s.mutate(ctx, tenant, id, func(ctx context.Context, tx TxRepository, p *Payrun) error {
		if p.Status != StatusApproved {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.Status, StatusPaid)
		}
		pending, err := tx.PendingAudits(ctx, tenant.CompanyID, p.ID)
		if err != nil {
			return err
		}
		if pending > 0 {
			return fmt.Errorf("%w: %d change(s) on payrun %d", ErrPendingAudits, pending, p.ID)
		}
		if err := transition(p, StatusPaid); err != nil {
			return err
		}
		if paidOn.IsZero() {
			paidOn = s.now()
		}
		p.PaidAt = &paidOn
		return s.enqueue(ctx, tx, tenant, outbox.NewEvent{
			EventType:  posting.EventPayrunPaid,
			SourceType: SourcePayrunPayment,
			SourceID:   strconv.FormatInt(p.ID, 10),
			Payload: map[string]any{
				"net":         p.Amounts.Net.StringFixed(2),
				"date":        paidOn.Format("2006-01-02"),
				"employee_id": p.EmployeeID,
			},
		})
	})
	if err != nil {
		return Payrun{}, err
	}
	s.logTransition(ctx, tenant, p, "payrun.paid")
	return p, nil
}

// CancelPayrun cancels a draft or submitted payrun. An approved payrun must
// be reopened to submitted first. When a reopened payrun was posted before, a
// payrun.canceled event reverses that posting.
func (s *Service) CancelPayrun(ctx context.Context, tenant shared.Tenant, id int64, reason string) (Payrun, error) {
	if err := authorize(tenant, shared.PermPayrollEdit); err != nil {
		return Payrun{}, err
	}
	p, err := s.mutate(ctx, tenant, id, func(ctx context.Context, tx TxRepository, p *Payrun) error {
		if err := transition(p, StatusCanceled); err != nil {
			return err
		}
		now := s.now()
		p.ModifiedBy = &tenant.UserID
		p.ModifiedAt = &now
		p.ModificationNotes = reason
		if p.ApprovedAt == nil {
			return nil
		}
		return s.enqueue(ctx, tx, tenant, outbox.NewEvent{
			EventType:  posting.EventPayrunCanceled,
			SourceType: SourcePayrunCancel,
			SourceID:   strconv.FormatInt(p.ID, 10),
			Payload: map[string]any{
				"supersedes": approvalKey(p.ID, p.Revision),
				"date":       now.Format("2006-01-02"),
			},
		})
	})
	if err != nil {
		return Payrun{}, err
	}
	s.logTransition(ctx, tenant, p, "payrun.canceled")
	return p, nil
}

// CanModifyPayrun reports whether the caller may edit the payrun now.
func (s *Service) CanModifyPayrun(ctx context.Context, tenant shared.Tenant, id int64) (bool, error) {
	p, err := s.GetPayrun(ctx, tenant, id)
	if err != nil {
		return false, err
	}
	return CanModify(tenant.Role, p.Status), nil
}

// ModifyPayrun applies manual corrections. Every changed field leaves an
// audit row. Edits to approved or paid payruns stay pending until approved;
// with the tenant's reopen policy an approved payrun returns to submitted.
func (s *Service) ModifyPayrun(ctx context.Context, tenant shared.Tenant, id int64, in ModifyInput) (Payrun, []Audit, error) {
	if err := tenant.Validate(); err != nil {
		return Payrun{}, nil, err
	}
	if len(in.Changes) == 0 || in.Reason == "" {
		return Payrun{}, nil, shared.Validationf("payroll: changes and reason required")
	}
	current, err := s.repo.GetPayrun(ctx, tenant.CompanyID, id)
	if err != nil {
		return Payrun{}, nil, err
	}
	tables, err := s.repo.RateTables(ctx, tenant.CompanyID, current.Period.Start.Year())
	if err != nil {
		return Payrun{}, nil, err
	}

	var audits []Audit
	p, err := s.mutate(ctx, tenant, id, func(ctx context.Context, tx TxRepository, p *Payrun) error {
		if !CanModify(tenant.Role, p.Status) {
			return fmt.Errorf("%w: %s payrun by %s", ErrNotModifiable, p.Status, tenant.Role)
		}
		applied, err := p.Amounts.Apply(in.Changes)
		if err != nil {
			return err
		}
		if len(applied) == 0 {
			return nil
		}
		now := s.now()
		for _, c := range applied {
			audits = append(audits, Audit{
				CompanyID:    tenant.CompanyID,
				PayrunID:     p.ID,
				FieldName:    c.Field,
				OldValue:     c.Old.StringFixed(2),
				NewValue:     c.New.StringFixed(2),
				ModifiedBy:   tenant.UserID,
				ChangeReason: in.Reason,
				PayrunStatus: p.Status,
				CreatedAt:    now,
			})
		}
		p.ModifiedBy = &tenant.UserID
		p.ModifiedAt = &now
		p.ModificationNotes = in.Reason
		if p.Status == StatusApproved && tables.Policy.ReopenOnEdit {
			if err := transition(p, StatusSubmitted); err != nil {
				return err
			}
		}
		return tx.InsertAudits(ctx, audits)
	})
	if err != nil {
		return Payrun{}, nil, err
	}
	if len(audits) > 0 {
		s.logger.Info("payrun modified",
			slog.Int64("company_id", tenant.CompanyID),
			slog.Int64("payrun_id", p.ID),
			slog.Int("fields", len(audits)),
			slog.String("status", string(p.Status)))
		s.record(ctx, tenant, "payrun.modified", strconv.FormatInt(p.ID, 10), map[string]any{
			"fields": len(audits),
			"reason": in.Reason,
		})
	}
	return p, audits, nil
}

// ApproveAudits approves pending modifications. On an approved or paid
// payrun this publishes a new posting revision.
func (s *Service) ApproveAudits(ctx context.Context, tenant shared.Tenant, payrunID int64) (int, error) {
	if err := authorize(tenant, shared.PermPayrollApprove); err != nil {
		return 0, err
	}
	var approved int
	p, err := s.mutate(ctx, tenant, payrunID, func(ctx context.Context, tx TxRepository, p *Payrun) error {
		now := s.now()
		n, err := tx.ApproveAudits(ctx, tenant.CompanyID, p.ID, tenant.UserID, now)
		if err != nil {
			return err
		}
		approved = n
		if n == 0 || !locked(p.Status) {
			return nil
		}
		p.Revision++
		p.ApprovedBy = &tenant.UserID
		p.ApprovedAt = &now
		return s.enqueue(ctx, tx, tenant, approvalEvent(*p))
	})
	if err != nil {
		return 0, err
	}
	if approved > 0 {
		s.record(ctx, tenant, "payrun.audits_approved", strconv.FormatInt(p.ID, 10), map[string]any{
			"count":    approved,
			"revision": p.Revision,
		})
	}
	return approved, nil
}

func (s *Service) enqueue(ctx context.Context, tx TxRepository, tenant shared.Tenant, in outbox.NewEvent) error {
	ev, err := outbox.Build(tenant, in, s.now())
	if err != nil {
		return err
	}
	return tx.EnqueueEvent(ctx, ev)
}

func approvalSourceID(id int64, revision int) string {
	if revision == 0 {
		return strconv.FormatInt(id, 10)
	}
	return fmt.Sprintf("%d/r%d", id, revision)
}

// approvalKey is the ledger idempotency key of a payrun revision's posting.
func approvalKey(id int64, revision int) string {
	return SourcePayrun + ":" + approvalSourceID(id, revision)
}

func approvalEvent(p Payrun) outbox.NewEvent {
	payload := map[string]any{
		"date":        p.Period.End.Format("2006-01-02"),
		"employee_id": p.EmployeeID,
		"revision":    p.Revision,
	}
	for k, v := range p.Amounts.EventPayload() {
		payload[k] = v
	}
	if p.Revision > 0 {
		payload["supersedes"] = approvalKey(p.ID, p.Revision-1)
	}
	return outbox.NewEvent{
		EventType:  posting.EventPayrunApproved,
		SourceType: SourcePayrun,
		SourceID:   approvalSourceID(p.ID, p.Revision),
		Payload:    payload,
	}
}

func (s *Service) logTransition(ctx context.Context, tenant shared.Tenant, p Payrun, action string) {
	s.logger.Info(action,
		slog.Int64("company_id", tenant.CompanyID),
		slog.Int64("payrun_id", p.ID),
		slog.Int64("user_id", tenant.UserID),
		slog.String("status", string(p.Status)),
		slog.Int("revision", p.Revision))
	s.record(ctx, tenant, action, strconv.FormatInt(p.ID, 10), map[string]any{"status": p.Status, "revision": p.Revision})
}

func (s *Service) record(ctx context.Context, tenant shared.Tenant, action, entityID string, meta map[string]any) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		CompanyID: tenant.CompanyID,
		ActorID:   tenant.UserID,
		Action:    action,
		Entity:    "payrun",
		EntityID:  entityID,
		Meta:      meta,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("payroll audit failed", slog.String("action", action), slog.Any("error", err))
	}
}
