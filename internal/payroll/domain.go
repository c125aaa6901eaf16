package payroll

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/swissbooks/internal/shared"
)

// Mode is the payrun computation mode.
type Mode string

const (
	ModeMonthly Mode = "monthly"
	ModeHourly  Mode = "hourly"
	ModeEvent   Mode = "event"
)

// Valid reports whether the mode is known.
func (m Mode) Valid() bool {
	switch m {
	case ModeMonthly, ModeHourly, ModeEvent:
		return true
	}
	return false
}

// Status is the lifecycle state of a payrun.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusSubmitted Status = "submitted"
	StatusApproved  Status = "approved"
	StatusPaid      Status = "paid"
	StatusCanceled  Status = "canceled"
)

// LPP computation outcomes recorded on the payrun.
const (
	LppInsured        = "insured"
	LppBelowThreshold = "below_threshold"
	LppNoPlan         = "no_plan"
	LppNoAgeBand      = "no_age_band"
)

var (
	// ErrPayrunNotFound is returned when the payrun id is unknown for the tenant.
	ErrPayrunNotFound = shared.NewKind(shared.ErrNotFound, "payroll: payrun not found")
	// ErrEmployeeNotFound is returned when the employee id is unknown for the tenant.
	ErrEmployeeNotFound = shared.NewKind(shared.ErrNotFound, "payroll: employee not found")
	// ErrRateTablesMissing is returned when no tables exist for the tenant-year.
	ErrRateTablesMissing = shared.NewKind(shared.ErrConfiguration, "payroll: rate tables missing for year")
	// ErrInvalidTransition is returned for a status change the lifecycle forbids.
	ErrInvalidTransition = shared.NewKind(shared.ErrApprovalGate, "payroll: invalid status transition")
	// ErrNotModifiable is returned when the caller may not edit the payrun in its state.
	ErrNotModifiable = shared.NewKind(shared.ErrApprovalGate, "payroll: payrun cannot be modified")
	// ErrPendingAudits blocks payment while edits wait for approval.
	ErrPendingAudits = shared.NewKind(shared.ErrApprovalGate, "payroll: unapproved modifications pending")
	// ErrPayrunExists is returned when a non-draft payrun already covers the period.
	ErrPayrunExists = shared.NewKind(shared.ErrConflict, "payroll: payrun already exists for period")
)

// Employee is the read-only snapshot Compute needs.
type Employee struct {
	ID                 int64            `json:"id"`
	CompanyID          int64            `json:"company_id"`
	FullName           string           `json:"full_name"`
	BirthDate          time.Time        `json:"birth_date"`
	StartDate          time.Time        `json:"start_date"`
	EndDate            *time.Time       `json:"end_date,omitempty"`
	MonthlyBase        decimal.Decimal  `json:"monthly_base"`
	HourlyRateDefault  decimal.Decimal  `json:"hourly_rate_default"`
	HourlyRateOverride *decimal.Decimal `json:"hourly_rate_override,omitempty"`
	HourlyMultiplier   decimal.Decimal  `json:"hourly_multiplier"`
	ThirteenthEnabled  bool             `json:"thirteenth_enabled"`
	ThirteenthFraction *decimal.Decimal `json:"thirteenth_fraction,omitempty"`
	LppPlanCode        string           `json:"lpp_plan_code,omitempty"`
	LppEmployerShare   *decimal.Decimal `json:"lpp_employer_share,omitempty"`
	IJMEnabled         bool             `json:"ijm_enabled"`
	Benefits           BenefitFlags     `json:"benefits"`
	CompanyCarPrice    decimal.Decimal  `json:"company_car_price"`
}

// BenefitFlags selects the benefits in kind an employee receives.
type BenefitFlags struct {
	Lodging    bool `json:"lodging"`
	Meals      bool `json:"meals"`
	Transport  bool `json:"transport"`
	CompanyCar bool `json:"company_car"`
}

// Replacement is an event-mode engagement paid at a flat indemnity.
type Replacement struct {
	ID            int64           `json:"id"`
	EmployeeID    int64           `json:"employee_id"`
	StartDate     time.Time       `json:"start_date"`
	EndDate       time.Time       `json:"end_date"`
	IndemnityRate decimal.Decimal `json:"indemnity_rate"`
	IsActive      bool            `json:"is_active"`
}

// Period is an inclusive date range.
type Period struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Validate checks the range.
func (p Period) Validate() error {
	if p.Start.IsZero() || p.End.IsZero() {
		return shared.Validationf("payroll: period start and end required")
	}
	if p.End.Before(p.Start) {
		return shared.Validationf("payroll: period end before start")
	}
	return nil
}

// Days returns the number of calendar days in the period.
func (p Period) Days() int {
	return daysBetween(p.Start, p.End) + 1
}

// Overlap returns the intersection with [start, end]; a nil end is open.
func (p Period) Overlap(start time.Time, end *time.Time) (Period, bool) {
	out := p
	if start.After(out.Start) {
		out.Start = start
	}
	if end != nil && end.Before(out.End) {
		out.End = *end
	}
	return out, !out.End.Before(out.Start)
}

func daysBetween(a, b time.Time) int {
	a = time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	b = time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
	return int(b.Sub(a).Hours() / 24)
}

// ComputeInput groups everything Compute reads. Nothing else is consulted.
type ComputeInput struct {
	Employee    Employee
	Period      Period
	Mode        Mode
	Hours       *decimal.Decimal
	Replacement *Replacement
	// YTDContributionBase is the contribution base already paid this year,
	// used by the cumulative unemployment insurance ceiling.
	YTDContributionBase *decimal.Decimal
}

// Amounts holds every computed figure of a payrun in CHF.
type Amounts struct {
	BaseGross          decimal.Decimal `json:"base_gross"`
	ThirteenthFraction decimal.Decimal `json:"thirteenth_fraction"`
	ThirteenthAmount   decimal.Decimal `json:"thirteenth_amount"`
	Gross              decimal.Decimal `json:"gross"`

	LodgingBenefit    decimal.Decimal `json:"lodging_benefit"`
	MealsBenefit      decimal.Decimal `json:"meals_benefit"`
	TransportBenefit  decimal.Decimal `json:"transport_benefit"`
	CompanyCarBenefit decimal.Decimal `json:"company_car_benefit"`
	Benefits          decimal.Decimal `json:"benefits"`

	ContributionBase decimal.Decimal `json:"contribution_base"`
	ACBase           decimal.Decimal `json:"ac_base"`

	AVSEmployee  decimal.Decimal `json:"avs_employee"`
	AVSEmployer  decimal.Decimal `json:"avs_employer"`
	ACEmployee   decimal.Decimal `json:"ac_employee"`
	ACEmployer   decimal.Decimal `json:"ac_employer"`
	LAAEmployee  decimal.Decimal `json:"laa_employee"`
	LAAEmployer  decimal.Decimal `json:"laa_employer"`
	LAACEmployee decimal.Decimal `json:"laac_employee"`
	LAACEmployer decimal.Decimal `json:"laac_employer"`
	IJMEmployee  decimal.Decimal `json:"ijm_employee"`
	IJMEmployer  decimal.Decimal `json:"ijm_employer"`
	LPPEmployee  decimal.Decimal `json:"lpp_employee"`
	LPPEmployer  decimal.Decimal `json:"lpp_employer"`

	EmployeeSocial        decimal.Decimal `json:"employee_social"`
	EmployerSocial        decimal.Decimal `json:"employer_social"`
	EmployeeDeductions    decimal.Decimal `json:"employee_deductions"`
	EmployerContributions decimal.Decimal `json:"employer_contributions"`
	Net                   decimal.Decimal `json:"net"`
	EmployerCost          decimal.Decimal `json:"employer_cost"`
}

// LppLine is the pension detail of one payrun.
type LppLine struct {
	PlanCode            string          `json:"plan_code"`
	AgeYears            int             `json:"age_years"`
	AnnualInsuredSalary decimal.Decimal `json:"annual_insured_salary"`
	SavingRate          decimal.Decimal `json:"saving_rate"`
	RiskAdminRate       decimal.Decimal `json:"risk_admin_rate"`
	EmployerShare       decimal.Decimal `json:"employer_share"`
	EmployeeAmount      decimal.Decimal `json:"employee_amount"`
	EmployerAmount      decimal.Decimal `json:"employer_amount"`
}

// Computation is the pure result of Compute.
type Computation struct {
	Amounts   Amounts  `json:"amounts"`
	LppStatus string   `json:"lpp_status"`
	Lpp       *LppLine `json:"lpp,omitempty"`
}

// Payrun is one employee's computed pay for a period.
type Payrun struct {
	ID                int64            `json:"id"`
	CompanyID         int64            `json:"company_id"`
	EmployeeID        int64            `json:"employee_id"`
	Period            Period           `json:"period"`
	Mode              Mode             `json:"mode"`
	Hours             *decimal.Decimal `json:"hours,omitempty"`
	Amounts           Amounts          `json:"amounts"`
	LppStatus         string           `json:"lpp_status"`
	Lpp               *LppLine         `json:"lpp,omitempty"`
	Status            Status           `json:"status"`
	Revision          int              `json:"revision"`
	CreatedBy         int64            `json:"created_by"`
	ApprovedBy        *int64           `json:"approved_by,omitempty"`
	ApprovedAt        *time.Time       `json:"approved_at,omitempty"`
	PaidAt            *time.Time       `json:"paid_at,omitempty"`
	ModifiedBy        *int64           `json:"modified_by,omitempty"`
	ModifiedAt        *time.Time       `json:"modified_at,omitempty"`
	ModificationNotes string           `json:"modification_notes,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
}

// Audit records one post-computation field change.
type Audit struct {
	ID           int64      `json:"id"`
	CompanyID    int64      `json:"company_id"`
	PayrunID     int64      `json:"payrun_id"`
	FieldName    string     `json:"field_name"`
	OldValue     string     `json:"old_value"`
	NewValue     string     `json:"new_value"`
	ModifiedBy   int64      `json:"modified_by"`
	ChangeReason string     `json:"change_reason"`
	PayrunStatus Status     `json:"payrun_status"`
	ApprovedBy   *int64     `json:"approved_by,omitempty"`
	ApprovedAt   *time.Time `json:"approved_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// ComputeRequest asks for a payrun for one employee.
type ComputeRequest struct {
	EmployeeID int64            `json:"employee_id" validate:"required,gt=0"`
	Period     Period           `json:"period"`
	Mode       Mode             `json:"mode" validate:"required,oneof=monthly hourly event"`
	Hours      *decimal.Decimal `json:"hours,omitempty"`
}

// BatchRequest asks for payruns for many employees in one period.
type BatchRequest struct {
	EmployeeIDs []int64          `json:"employee_ids" validate:"required,min=1,dive,gt=0"`
	Period      Period           `json:"period"`
	Mode        Mode             `json:"mode" validate:"required,oneof=monthly hourly event"`
	Hours       *decimal.Decimal `json:"hours,omitempty"`
}

// BatchResult reports the outcome for one employee of a batch.
type BatchResult struct {
	EmployeeID int64  `json:"employee_id"`
	PayrunID   int64  `json:"payrun_id,omitempty"`
	Error      string `json:"error,omitempty"`
}

// ModifyInput carries manual corrections keyed by amount field name.
type ModifyInput struct {
	Changes map[string]decimal.Decimal `json:"changes" validate:"required,min=1"`
	Reason  string                     `json:"reason" validate:"required,max=500"`
}

// ListFilter narrows payrun listings.
type ListFilter struct {
	Status Status
	From   time.Time
	To     time.Time
	Limit  int
}
