package payroll

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/swissbooks/internal/outbox"
	"github.com/odyssey-erp/swissbooks/internal/platform/db"
)

// Repository exposes payroll persistence.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetPayrun(ctx context.Context, companyID, id int64) (Payrun, error)
	ListPayruns(ctx context.Context, companyID int64, filter ListFilter) ([]Payrun, error)
	ListAudits(ctx context.Context, companyID, payrunID int64) ([]Audit, error)
	RateTables(ctx context.Context, companyID int64, year int) (RateTables, error)
	SaveRateTables(ctx context.Context, companyID int64, tables RateTables) error
	GetEmployee(ctx context.Context, companyID, id int64) (Employee, error)
	ActiveReplacement(ctx context.Context, companyID, employeeID int64, period Period) (*Replacement, error)
	YTDContributionBase(ctx context.Context, companyID, employeeID int64, before time.Time) (decimal.Decimal, error)
}

// TxRepository exposes operations available within a payroll transaction.
type TxRepository interface {
	FindPayrun(ctx context.Context, companyID, employeeID int64, periodStart time.Time, mode Mode) (Payrun, bool, error)
	GetPayrunForUpdate(ctx context.Context, companyID, id int64) (Payrun, error)
	InsertPayrun(ctx context.Context, p Payrun) (int64, error)
	UpdatePayrun(ctx context.Context, p Payrun) error
	InsertAudits(ctx context.Context, audits []Audit) error
	PendingAudits(ctx context.Context, companyID, payrunID int64) (int, error)
	ApproveAudits(ctx context.Context, companyID, payrunID, approver int64, at time.Time) (int, error)
	EnqueueEvent(ctx context.Context, ev outbox.Event) error
}

type repository struct {
	pool *pgxpool.Pool
}

// NewRepository builds the pgx payroll repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &repository{pool: pool}
}

func (r *repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil || r.pool == nil {
		return errors.New("payroll repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const payrunColumns = `p.id, p.company_id, p.employee_id, p.period_start, p.period_end, p.mode, p.hours, p.amounts,
p.lpp_status, p.status, p.revision, COALESCE(p.created_by, 0), p.approved_by, p.approved_at, p.paid_at,
p.modified_by, p.modified_at, p.modification_notes, p.created_at,
l.plan_code, l.age_years, l.annual_insured_salary, l.saving_rate, l.risk_admin_rate, l.employee_amount, l.employer_amount`

const payrunFrom = ` FROM payruns p LEFT JOIN payroll_lpp_lines l ON l.payrun_id = p.id`

func scanPayrun(row pgx.Row) (Payrun, error) {
	var (
		p        Payrun
		hours    decimal.NullDecimal
		amounts  []byte
		planCode *string
		age      *int
		lppNums  [5]decimal.NullDecimal
	)
	err := row.Scan(&p.ID, &p.CompanyID, &p.EmployeeID, &p.Period.Start, &p.Period.End, &p.Mode, &hours, &amounts,
		&p.LppStatus, &p.Status, &p.Revision, &p.CreatedBy, &p.ApprovedBy, &p.ApprovedAt, &p.PaidAt,
		&p.ModifiedBy, &p.ModifiedAt, &p.ModificationNotes, &p.CreatedAt,
		&planCode, &age, &lppNums[0], &lppNums[1], &lppNums[2], &lppNums[3], &lppNums[4])
	if errors.Is(err, pgx.ErrNoRows) {
		return Payrun{}, ErrPayrunNotFound
	}
	if err != nil {
		return Payrun{}, err
	}
	if hours.Valid {
		h := hours.Decimal
		p.Hours = &h
	}
	if err := json.Unmarshal(amounts, &p.Amounts); err != nil {
		return Payrun{}, fmt.Errorf("payroll: decode amounts of payrun %d: %w", p.ID, err)
	}
	if planCode != nil && age != nil {
		p.Lpp = &LppLine{
			PlanCode:            *planCode,
			AgeYears:            *age,
			AnnualInsuredSalary: lppNums[0].Decimal,
			SavingRate:          lppNums[1].Decimal,
			RiskAdminRate:       lppNums[2].Decimal,
			EmployeeAmount:      lppNums[3].Decimal,
			EmployerAmount:      lppNums[4].Decimal,
		}
		if total := p.Lpp.EmployeeAmount.Add(p.Lpp.EmployerAmount); total.IsPositive() {
			p.Lpp.EmployerShare = p.Lpp.EmployerAmount.Div(total).Round(4)
		}
	}
	return p, nil
}

func (r *repository) GetPayrun(ctx context.Context, companyID, id int64) (Payrun, error) {
	return scanPayrun(r.pool.QueryRow(ctx, `SELECT `+payrunColumns+payrunFrom+` WHERE p.company_id=$1 AND p.id=$2`, companyID, id))
}

func (r *repository) ListPayruns(ctx context.Context, companyID int64, filter ListFilter) ([]Payrun, error) {
	var (
		conds = []string{"p.company_id=$1"}
		args  = []any{companyID}
	)
	if filter.Status != "" {
		args = append(args, filter.Status)
		conds = append(conds, fmt.Sprintf("p.status = $%d", len(args)))
	}
	if !filter.From.IsZero() {
		args = append(args, filter.From)
		conds = append(conds, fmt.Sprintf("p.period_start >= $%d", len(args)))
	}
	if !filter.To.IsZero() {
		args = append(args, filter.To)
		conds = append(conds, fmt.Sprintf("p.period_end <= $%d", len(args)))
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit)
	query := `SELECT ` + payrunColumns + payrunFrom + ` WHERE ` + strings.Join(conds, " AND ") +
		fmt.Sprintf(` ORDER BY p.period_start DESC, p.id DESC LIMIT $%d`, len(args))
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Payrun
	for rows.Next() {
		p, err := scanPayrun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *repository) ListAudits(ctx context.Context, companyID, payrunID int64) ([]Audit, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, company_id, payrun_id, field_name, old_value, new_value, modified_by,
change_reason, payrun_status, approved_by, approved_at, created_at
FROM payrun_audits WHERE company_id=$1 AND payrun_id=$2 ORDER BY id`, companyID, payrunID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Audit
	for rows.Next() {
		var a Audit
		if err := rows.Scan(&a.ID, &a.CompanyID, &a.PayrunID, &a.FieldName, &a.OldValue, &a.NewValue, &a.ModifiedBy,
			&a.ChangeReason, &a.PayrunStatus, &a.ApprovedBy, &a.ApprovedAt, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *repository) RateTables(ctx context.Context, companyID int64, year int) (RateTables, error) {
	var raw []byte
	err := r.pool.QueryRow(ctx, `SELECT tables FROM payroll_rate_tables WHERE company_id=$1 AND year=$2`, companyID, year).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return RateTables{}, fmt.Errorf("%w: %d", ErrRateTablesMissing, year)
	}
	if err != nil {
		return RateTables{}, err
	}
	var t RateTables
	if err := json.Unmarshal(raw, &t); err != nil {
		return RateTables{}, fmt.Errorf("payroll: decode rate tables %d: %w", year, err)
	}
	t.Year = year
	return t, nil
}

func (r *repository) SaveRateTables(ctx context.Context, companyID int64, tables RateTables) error {
	raw, err := json.Marshal(tables)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `INSERT INTO payroll_rate_tables (company_id, year, tables) VALUES ($1,$2,$3)
ON CONFLICT (company_id, year) DO UPDATE SET tables = EXCLUDED.tables`, companyID, tables.Year, raw)
	return err
}

func (r *repository) GetEmployee(ctx context.Context, companyID, id int64) (Employee, error) {
	var (
		e                         Employee
		override, fraction, share decimal.NullDecimal
		plan                      *string
	)
	err := r.pool.QueryRow(ctx, `SELECT id, company_id, full_name, birth_date, start_date, end_date, monthly_base,
hourly_rate_default, hourly_rate_override, hourly_multiplier, thirteenth_enabled, thirteenth_fraction,
lpp_plan_code, lpp_employer_share, ijm_enabled, benefit_lodging, benefit_meals, benefit_transport,
benefit_company_car, company_car_price
FROM employees WHERE company_id=$1 AND id=$2`, companyID, id).Scan(
		&e.ID, &e.CompanyID, &e.FullName, &e.BirthDate, &e.StartDate, &e.EndDate, &e.MonthlyBase,
		&e.HourlyRateDefault, &override, &e.HourlyMultiplier, &e.ThirteenthEnabled, &fraction,
		&plan, &share, &e.IJMEnabled, &e.Benefits.Lodging, &e.Benefits.Meals, &e.Benefits.Transport,
		&e.Benefits.CompanyCar, &e.CompanyCarPrice)
	if errors.Is(err, pgx.ErrNoRows) {
		return Employee{}, ErrEmployeeNotFound
	}
	if err != nil {
		return Employee{}, err
	}
	e.HourlyRateOverride = nullDecimal(override)
	e.ThirteenthFraction = nullDecimal(fraction)
	e.LppEmployerShare = nullDecimal(share)
	if plan != nil {
		e.LppPlanCode = *plan
	}
	return e, nil
}

func nullDecimal(d decimal.NullDecimal) *decimal.Decimal {
	if !d.Valid {
		return nil
	}
	v := d.Decimal
	return &v
}

func (r *repository) ActiveReplacement(ctx context.Context, companyID, employeeID int64, period Period) (*Replacement, error) {
	var rep Replacement
	err := r.pool.QueryRow(ctx, `SELECT id, employee_id, start_date, end_date, indemnity_rate, is_active
FROM employee_replacements
WHERE company_id=$1 AND employee_id=$2 AND is_active AND start_date <= $4 AND end_date >= $3
ORDER BY start_date DESC LIMIT 1`, companyID, employeeID, period.Start, period.End).Scan(
		&rep.ID, &rep.EmployeeID, &rep.StartDate, &rep.EndDate, &rep.IndemnityRate, &rep.IsActive)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rep, nil
}

func (r *repository) YTDContributionBase(ctx context.Context, companyID, employeeID int64, before time.Time) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := r.pool.QueryRow(ctx, `SELECT COALESCE(SUM((amounts->>'contribution_base')::numeric), 0)
FROM payruns
WHERE company_id=$1 AND employee_id=$2 AND status IN ('approved','paid')
  AND period_start >= date_trunc('year', $3::date) AND period_start < $3`, companyID, employeeID, before).Scan(&total)
	return total, err
}

type txRepository struct {
	tx pgx.Tx
}

func (r *txRepository) FindPayrun(ctx context.Context, companyID, employeeID int64, periodStart time.Time, mode Mode) (Payrun, bool, error) {
	p, err := scanPayrun(r.tx.QueryRow(ctx, `SELECT `+payrunColumns+payrunFrom+`
WHERE p.company_id=$1 AND p.employee_id=$2 AND p.period_start=$3 AND p.mode=$4 FOR UPDATE OF p`,
		companyID, employeeID, periodStart, mode))
	if errors.Is(err, ErrPayrunNotFound) {
		return Payrun{}, false, nil
	}
	if err != nil {
		return Payrun{}, false, err
	}
	return p, true, nil
}

func (r *txRepository) GetPayrunForUpdate(ctx context.Context, companyID, id int64) (Payrun, error) {
	return scanPayrun(r.tx.QueryRow(ctx, `SELECT `+payrunColumns+payrunFrom+` WHERE p.company_id=$1 AND p.id=$2 FOR UPDATE OF p`, companyID, id))
}

func (r *txRepository) InsertPayrun(ctx context.Context, p Payrun) (int64, error) {
	amounts, err := json.Marshal(p.Amounts)
	if err != nil {
		return 0, err
	}
	var id int64
	err = r.tx.QueryRow(ctx, `INSERT INTO payruns (company_id, employee_id, period_start, period_end, mode, hours, amounts,
gross, net, employer_cost, lpp_status, status, created_by, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
RETURNING id`, p.CompanyID, p.EmployeeID, p.Period.Start, p.Period.End, p.Mode, p.Hours, amounts,
		p.Amounts.Gross, p.Amounts.Net, p.Amounts.EmployerCost, p.LppStatus, p.Status, p.CreatedBy, p.CreatedAt).Scan(&id)
	if db.IsUniqueViolation(err, "uq_payruns_period") {
		return 0, ErrPayrunExists
	}
	if err != nil {
		return 0, err
	}
	return id, r.writeLpp(ctx, p.CompanyID, id, p.Lpp)
}

func (r *txRepository) UpdatePayrun(ctx context.Context, p Payrun) error {
	amounts, err := json.Marshal(p.Amounts)
	if err != nil {
		return err
	}
	tag, err := r.tx.Exec(ctx, `UPDATE payruns SET period_end=$3, hours=$4, amounts=$5, gross=$6, net=$7, employer_cost=$8,
lpp_status=$9, status=$10, revision=$11, approved_by=$12, approved_at=$13, paid_at=$14,
modified_by=$15, modified_at=$16, modification_notes=$17
WHERE company_id=$1 AND id=$2`, p.CompanyID, p.ID, p.Period.End, p.Hours, amounts,
		p.Amounts.Gross, p.Amounts.Net, p.Amounts.EmployerCost, p.LppStatus, p.Status, p.Revision,
		p.ApprovedBy, p.ApprovedAt, p.PaidAt, p.ModifiedBy, p.ModifiedAt, p.ModificationNotes)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPayrunNotFound
	}
	if _, err := r.tx.Exec(ctx, `DELETE FROM payroll_lpp_lines WHERE payrun_id=$1`, p.ID); err != nil {
		return err
	}
	return r.writeLpp(ctx, p.CompanyID, p.ID, p.Lpp)
}

func (r *txRepository) writeLpp(ctx context.Context, companyID, payrunID int64, l *LppLine) error {
	if l == nil {
		return nil
	}
	_, err := r.tx.Exec(ctx, `INSERT INTO payroll_lpp_lines (payrun_id, company_id, plan_code, age_years,
annual_insured_salary, saving_rate, risk_admin_rate, employee_amount, employer_amount)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`, payrunID, companyID, l.PlanCode, l.AgeYears,
		l.AnnualInsuredSalary, l.SavingRate, l.RiskAdminRate, l.EmployeeAmount, l.EmployerAmount)
	return err
}

func (r *txRepository) InsertAudits(ctx context.Context, audits []Audit) error {
	if len(audits) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, a := range audits {
		batch.Queue(`INSERT INTO payrun_audits (company_id, payrun_id, field_name, old_value, new_value, modified_by,
change_reason, payrun_status, created_at) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			a.CompanyID, a.PayrunID, a.FieldName, a.OldValue, a.NewValue, a.ModifiedBy, a.ChangeReason, a.PayrunStatus, a.CreatedAt)
	}
	br := r.tx.SendBatch(ctx, batch)
	defer br.Close()
	for range audits {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

func (r *txRepository) PendingAudits(ctx context.Context, companyID, payrunID int64) (int, error) {
	var n int
	err := r.tx.QueryRow(ctx, `SELECT COUNT(*) FROM payrun_audits WHERE company_id=$1 AND payrun_id=$2 AND approved_at IS NULL`,
		companyID, payrunID).Scan(&n)
	return n, err
}

func (r *txRepository) ApproveAudits(ctx context.Context, companyID, payrunID, approver int64, at time.Time) (int, error) {
	tag, err := r.tx.Exec(ctx, `UPDATE payrun_audits SET approved_by=$3, approved_at=$4
WHERE company_id=$1 AND payrun_id=$2 AND approved_at IS NULL`, companyID, payrunID, approver, at)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (r *txRepository) EnqueueEvent(ctx context.Context, ev outbox.Event) error {
	return outbox.InsertTx(ctx, r.tx, ev)
}
