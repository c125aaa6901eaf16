package payroll

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/swissbooks/internal/shared"
)

var (
	one    = decimal.NewFromInt(1)
	twelve = decimal.NewFromInt(12)
)

// Compute derives the amounts of one payrun. It is pure: the result depends
// only on in and tables, so recomputation is deterministic.
func Compute(in ComputeInput, tables RateTables) (Computation, error) {
	if err := in.Period.Validate(); err != nil {
		return Computation{}, err
	}
	if err := tables.Validate(); err != nil {
		return Computation{}, err
	}
	base, err := baseGross(in)
	if err != nil {
		return Computation{}, err
	}

	var a Amounts
	a.BaseGross = base
	if in.Employee.ThirteenthEnabled {
		a.ThirteenthFraction = tables.Rates.ThirteenthFraction
		if f := in.Employee.ThirteenthFraction; f != nil {
			a.ThirteenthFraction = *f
		}
		a.ThirteenthAmount = shared.Round2(base.Mul(a.ThirteenthFraction))
	}

	flags := in.Employee.Benefits
	if flags.Lodging {
		a.LodgingBenefit = shared.Round2(tables.Allowances.Lodging)
	}
	if flags.Meals {
		a.MealsBenefit = shared.Round2(tables.Allowances.Meals)
	}
	if flags.Transport {
		a.TransportBenefit = shared.Round2(tables.Allowances.Transport)
	}
	if flags.CompanyCar {
		a.CompanyCarBenefit = shared.Round2(in.Employee.CompanyCarPrice.Mul(tables.Rates.CompanyCarMonthlyRate))
	}
	a.sumGross()

	ins := tables.Insurance
	cb := a.ContributionBase
	a.AVSEmployee = shared.Round2(cb.Mul(ins.AVSEmployeeRate))
	a.AVSEmployer = shared.Round2(cb.Mul(ins.AVSEmployerRate))

	a.ACBase = acBase(cb, in.YTDContributionBase, ins.ACAnnualCeiling, tables.Policy.ACCeiling)
	a.ACEmployee = shared.Round2(a.ACBase.Mul(ins.ACEmployeeRate))
	a.ACEmployer = shared.Round2(a.ACBase.Mul(ins.ACEmployerRate))

	laaBase := decimal.Min(cb, shared.Round2(ins.LAAAnnualCeiling.Div(twelve)))
	a.LAAEmployee, a.LAAEmployer = split(shared.Round2(laaBase.Mul(ins.LAARate)), ins.LAAEmployeeShare)
	a.LAACEmployee, a.LAACEmployer = split(shared.Round2(laaBase.Mul(ins.LAACRate)), ins.LAACEmployeeShare)
	if in.Employee.IJMEnabled {
		a.IJMEmployee, a.IJMEmployer = split(shared.Round2(cb.Mul(ins.IJMRate)), ins.IJMEmployeeShare)
	}

	out := Computation{}
	out.LppStatus, out.Lpp = computeLpp(in, a.Gross, tables)
	if out.Lpp != nil {
		a.LPPEmployee = out.Lpp.EmployeeAmount
		a.LPPEmployer = out.Lpp.EmployerAmount
	}
	a.sumTotals()
	if a.Net.IsNegative() {
		return Computation{}, shared.Invariantf("payroll: employee %d: deductions exceed pay", in.Employee.ID)
	}
	out.Amounts = a
	return out, nil
}

func baseGross(in ComputeInput) (decimal.Decimal, error) {
	emp := in.Employee
	var base decimal.Decimal
	switch in.Mode {
	case ModeMonthly:
		worked, ok := in.Period.Overlap(emp.StartDate, emp.EndDate)
		if !ok {
			return decimal.Zero, shared.Validationf("payroll: employee %d not employed in period", emp.ID)
		}
		base = emp.MonthlyBase
		if days, total := worked.Days(), in.Period.Days(); days < total {
			base = base.Mul(decimal.NewFromInt(int64(days))).Div(decimal.NewFromInt(int64(total)))
		}
	case ModeHourly:
		if in.Hours == nil || !in.Hours.IsPositive() {
			return decimal.Zero, shared.Validationf("payroll: hourly mode requires positive hours")
		}
		rate := emp.HourlyRateDefault
		if emp.HourlyRateOverride != nil {
			rate = *emp.HourlyRateOverride
		}
		multiplier := emp.HourlyMultiplier
		if multiplier.IsZero() {
			multiplier = one
		}
		base = in.Hours.Mul(rate).Mul(multiplier)
	case ModeEvent:
		r := in.Replacement
		if r == nil || !r.IsActive {
			return decimal.Zero, shared.Validationf("payroll: employee %d has no active replacement", emp.ID)
		}
		if _, ok := in.Period.Overlap(r.StartDate, &r.EndDate); !ok {
			return decimal.Zero, shared.Validationf("payroll: replacement %d outside period", r.ID)
		}
		base = r.IndemnityRate
	default:
		return decimal.Zero, shared.Validationf("payroll: unknown mode %q", in.Mode)
	}
	base = shared.Round2(base)
	if !base.IsPositive() {
		return decimal.Zero, shared.Validationf("payroll: employee %d: gross must be positive", emp.ID)
	}
	return base, nil
}

func acBase(cb decimal.Decimal, ytd *decimal.Decimal, annual decimal.Decimal, policy ACCeilingPolicy) decimal.Decimal {
	if policy == ACCeilingCumulative && ytd != nil {
		remaining := annual.Sub(*ytd)
		if remaining.IsNegative() {
			remaining = decimal.Zero
		}
		return decimal.Min(cb, remaining)
	}
	return decimal.Min(cb, shared.Round2(annual.Div(twelve)))
}

// split divides a rounded total by the employee share. The employer part
// absorbs the rounding so the halves always add back up.
func split(total, employeeShare decimal.Decimal) (employee, employer decimal.Decimal) {
	employee = shared.Round2(total.Mul(employeeShare))
	return employee, total.Sub(employee)
}

func computeLpp(in ComputeInput, gross decimal.Decimal, tables RateTables) (string, *LppLine) {
	emp := in.Employee
	plan, ok := tables.LppPlans[emp.LppPlanCode]
	if emp.LppPlanCode == "" || !ok || !plan.IsActive {
		return LppNoPlan, nil
	}
	annual := gross.Mul(twelve)
	if annual.LessThan(plan.EntryThreshold) {
		return LppBelowThreshold, nil
	}
	age := AgeAt(emp.BirthDate, in.Period.End)
	saving, ok := plan.SavingRate(age)
	if !ok {
		return LppNoAgeBand, nil
	}
	insured := decimal.Min(annual, plan.MaxInsurableSalary).Sub(plan.CoordinationDeduction)
	if insured.LessThan(plan.MinInsuredSalary) {
		insured = plan.MinInsuredSalary
	}
	share := plan.EmployerShare
	if emp.LppEmployerShare != nil {
		share = *emp.LppEmployerShare
	}
	total := shared.Round2(insured.Mul(saving.Add(plan.RiskAdminRate)).Div(twelve))
	employer := shared.Round2(total.Mul(share))
	return LppInsured, &LppLine{
		PlanCode:            plan.Code,
		AgeYears:            age,
		AnnualInsuredSalary: shared.Round2(insured),
		SavingRate:          saving,
		RiskAdminRate:       plan.RiskAdminRate,
		EmployerShare:       share,
		EmployeeAmount:      total.Sub(employer),
		EmployerAmount:      employer,
	}
}

// AgeAt returns completed years of age on day.
func AgeAt(birth, day time.Time) int {
	age := day.Year() - birth.Year()
	if day.Month() < birth.Month() || (day.Month() == birth.Month() && day.Day() < birth.Day()) {
		age--
	}
	return age
}

func (a *Amounts) sumGross() {
	a.Gross = a.BaseGross.Add(a.ThirteenthAmount)
	a.Benefits = a.LodgingBenefit.Add(a.MealsBenefit).Add(a.TransportBenefit).Add(a.CompanyCarBenefit)
	a.ContributionBase = a.Gross.Add(a.Benefits)
}

func (a *Amounts) sumTotals() {
	a.EmployeeSocial = a.AVSEmployee.Add(a.ACEmployee).Add(a.LAAEmployee).Add(a.LAACEmployee).Add(a.IJMEmployee)
	a.EmployerSocial = a.AVSEmployer.Add(a.ACEmployer).Add(a.LAAEmployer).Add(a.LAACEmployer).Add(a.IJMEmployer)
	a.EmployeeDeductions = a.EmployeeSocial.Add(a.LPPEmployee)
	a.EmployerContributions = a.EmployerSocial.Add(a.LPPEmployer)
	a.Net = a.Gross.Add(a.Benefits).Sub(a.EmployeeDeductions)
	a.EmployerCost = a.Gross.Add(a.EmployerContributions)
}

// editable lists the amount fields a manual correction may set. Totals are
// always derived.
func (a *Amounts) editable() map[string]*decimal.Decimal {
	return map[string]*decimal.Decimal{
		"base_gross":          &a.BaseGross,
		"thirteenth_amount":   &a.ThirteenthAmount,
		"lodging_benefit":     &a.LodgingBenefit,
		"meals_benefit":       &a.MealsBenefit,
		"transport_benefit":   &a.TransportBenefit,
		"company_car_benefit": &a.CompanyCarBenefit,
		"avs_employee":        &a.AVSEmployee,
		"avs_employer":        &a.AVSEmployer,
		"ac_employee":         &a.ACEmployee,
		"ac_employer":         &a.ACEmployer,
		"laa_employee":        &a.LAAEmployee,
		"laa_employer":        &a.LAAEmployer,
		"laac_employee":       &a.LAACEmployee,
		"laac_employer":       &a.LAACEmployer,
		"ijm_employee":        &a.IJMEmployee,
		"ijm_employer":        &a.IJMEmployer,
		"lpp_employee":        &a.LPPEmployee,
		"lpp_employer":        &a.LPPEmployer,
	}
}

// FieldChange is one applied correction.
type FieldChange struct {
	Field string
	Old   decimal.Decimal
	New   decimal.Decimal
}

// Apply sets the given fields and re-derives totals. Unchanged values are
// skipped; the returned slice is ordered by field name.
func (a *Amounts) Apply(changes map[string]decimal.Decimal) ([]FieldChange, error) {
	fields := a.editable()
	names := make([]string, 0, len(changes))
	for name, v := range changes {
		if _, ok := fields[name]; !ok {
			return nil, shared.Validationf("payroll: field %q is not editable", name)
		}
		if v.IsNegative() || !v.Equal(shared.Round2(v)) {
			return nil, shared.Validationf("payroll: field %q must be a non-negative amount in cents", name)
		}
		names = append(names, name)
	}
	sort.Strings(names)
	next := *a
	nextFields := next.editable()
	var applied []FieldChange
	for _, name := range names {
		ptr := nextFields[name]
		if ptr.Equal(changes[name]) {
			continue
		}
		applied = append(applied, FieldChange{Field: name, Old: *ptr, New: changes[name]})
		*ptr = changes[name]
	}
	next.sumGross()
	next.sumTotals()
	if next.Net.IsNegative() {
		return nil, shared.Invariantf("payroll: deductions exceed pay")
	}
	*a = next
	return applied, nil
}

// EventPayload returns the numeric fields published with payrun events.
func (a Amounts) EventPayload() map[string]string {
	fields := map[string]decimal.Decimal{
		"gross":             a.Gross,
		"net":               a.Net,
		"employer_cost":     a.EmployerCost,
		"benefits":          a.Benefits,
		"thirteenth_amount": a.ThirteenthAmount,
		"employee_social":   a.EmployeeSocial,
		"employer_social":   a.EmployerSocial,
	}
	for name, ptr := range a.editable() {
		switch name {
		case "base_gross", "lodging_benefit", "meals_benefit", "transport_benefit", "company_car_benefit", "thirteenth_amount":
			continue
		}
		fields[name] = *ptr
	}
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		out[k] = v.StringFixed(2)
	}
	return out
}
