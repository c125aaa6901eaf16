package payroll

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/swissbooks/internal/shared"
)

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func amount(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func ptr(d decimal.Decimal) *decimal.Decimal { return &d }

var june = Period{Start: day("2024-06-01"), End: day("2024-06-30")}

func monthlyEmployee(base string) Employee {
	return Employee{
		ID:          1,
		CompanyID:   1,
		FullName:    "Anna Muster",
		BirthDate:   day("1985-03-15"),
		StartDate:   day("2020-01-01"),
		MonthlyBase: amount(base),
	}
}

func requireAmount(t *testing.T, want string, got decimal.Decimal, field string) {
	t.Helper()
	require.Equal(t, want, got.StringFixed(2), field)
}

func TestComputeMonthlyStatutoryDeductions(t *testing.T) {
	comp, err := Compute(ComputeInput{Employee: monthlyEmployee("6000"), Period: june, Mode: ModeMonthly}, SwissDefaults(2024))
	require.NoError(t, err)

	a := comp.Amounts
	requireAmount(t, "6000.00", a.Gross, "gross")
	requireAmount(t, "318.00", a.AVSEmployee, "avs employee")
	requireAmount(t, "318.00", a.AVSEmployer, "avs employer")
	requireAmount(t, "66.00", a.ACEmployee, "ac employee")
	requireAmount(t, "84.00", a.LAACEmployee, "laac employee")
	requireAmount(t, "0.00", a.LAAEmployee, "laa employee")
	requireAmount(t, "48.00", a.LAAEmployer, "laa employer")
	requireAmount(t, "5532.00", a.Net, "net")
	requireAmount(t, "6432.00", a.EmployerCost, "employer cost")
	require.Equal(t, LppNoPlan, comp.LppStatus)
	require.Nil(t, comp.Lpp)
}

func TestComputeIsDeterministic(t *testing.T) {
	in := ComputeInput{Employee: monthlyEmployee("7350.55"), Period: june, Mode: ModeMonthly}
	in.Employee.LppPlanCode = "BVG-MIN"
	in.Employee.ThirteenthEnabled = true
	first, err := Compute(in, SwissDefaults(2024))
	require.NoError(t, err)
	second, err := Compute(in, SwissDefaults(2024))
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestComputeProratesPartialMonth(t *testing.T) {
	emp := monthlyEmployee("6000")
	emp.StartDate = day("2024-06-16")
	comp, err := Compute(ComputeInput{Employee: emp, Period: june, Mode: ModeMonthly}, SwissDefaults(2024))
	require.NoError(t, err)
	requireAmount(t, "3000.00", comp.Amounts.Gross, "gross")

	emp.StartDate = day("2024-07-01")
	_, err = Compute(ComputeInput{Employee: emp, Period: june, Mode: ModeMonthly}, SwissDefaults(2024))
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestComputeHourlyUsesOverrideAndMultiplier(t *testing.T) {
	emp := monthlyEmployee("0")
	emp.HourlyRateDefault = amount("40")
	emp.HourlyRateOverride = ptr(amount("45"))
	emp.HourlyMultiplier = amount("1.25")

	comp, err := Compute(ComputeInput{Employee: emp, Period: june, Mode: ModeHourly, Hours: ptr(amount("10"))}, SwissDefaults(2024))
	require.NoError(t, err)
	requireAmount(t, "562.50", comp.Amounts.Gross, "gross")

	_, err = Compute(ComputeInput{Employee: emp, Period: june, Mode: ModeHourly}, SwissDefaults(2024))
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestComputeEventModeUsesReplacementIndemnity(t *testing.T) {
	emp := monthlyEmployee("0")
	rep := &Replacement{ID: 5, EmployeeID: 1, StartDate: day("2024-06-10"), EndDate: day("2024-06-12"), IndemnityRate: amount("800"), IsActive: true}

	comp, err := Compute(ComputeInput{Employee: emp, Period: june, Mode: ModeEvent, Replacement: rep}, SwissDefaults(2024))
	require.NoError(t, err)
	requireAmount(t, "800.00", comp.Amounts.Gross, "gross")

	rep.IsActive = false
	_, err = Compute(ComputeInput{Employee: emp, Period: june, Mode: ModeEvent, Replacement: rep}, SwissDefaults(2024))
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestComputeThirteenthSalaryAccrual(t *testing.T) {
	emp := monthlyEmployee("6000")
	emp.ThirteenthEnabled = true
	comp, err := Compute(ComputeInput{Employee: emp, Period: june, Mode: ModeMonthly}, SwissDefaults(2024))
	require.NoError(t, err)
	requireAmount(t, "500.00", comp.Amounts.ThirteenthAmount, "thirteenth")
	requireAmount(t, "6500.00", comp.Amounts.Gross, "gross")

	emp.ThirteenthFraction = ptr(amount("0.1"))
	comp, err = Compute(ComputeInput{Employee: emp, Period: june, Mode: ModeMonthly}, SwissDefaults(2024))
	require.NoError(t, err)
	requireAmount(t, "600.00", comp.Amounts.ThirteenthAmount, "thirteenth override")
}

func TestComputeBenefitsInKindRaiseContributionBase(t *testing.T) {
	emp := monthlyEmployee("6000")
	emp.Benefits = BenefitFlags{Lodging: true, Meals: true, CompanyCar: true}
	emp.CompanyCarPrice = amount("50000")

	comp, err := Compute(ComputeInput{Employee: emp, Period: june, Mode: ModeMonthly}, SwissDefaults(2024))
	require.NoError(t, err)
	a := comp.Amounts
	requireAmount(t, "450.00", a.CompanyCarBenefit, "car")
	requireAmount(t, "1440.00", a.Benefits, "benefits")
	requireAmount(t, "7440.00", a.ContributionBase, "contribution base")
	requireAmount(t, "394.32", a.AVSEmployee, "avs employee")
	require.True(t, a.Net.Equal(a.Gross.Add(a.Benefits).Sub(a.EmployeeDeductions)))
}

func TestComputeUnemploymentCeiling(t *testing.T) {
	tables := SwissDefaults(2024)
	comp, err := Compute(ComputeInput{Employee: monthlyEmployee("15000"), Period: june, Mode: ModeMonthly}, tables)
	require.NoError(t, err)
	requireAmount(t, "12350.00", comp.Amounts.ACBase, "monthly ceiling")
	requireAmount(t, "135.85", comp.Amounts.ACEmployee, "ac employee")

	tables.Policy.ACCeiling = ACCeilingCumulative
	comp, err = Compute(ComputeInput{
		Employee: monthlyEmployee("15000"), Period: june, Mode: ModeMonthly,
		YTDContributionBase: ptr(amount("140000")),
	}, tables)
	require.NoError(t, err)
	requireAmount(t, "8200.00", comp.Amounts.ACBase, "remaining annual ceiling")
	requireAmount(t, "90.20", comp.Amounts.ACEmployee, "ac employee")

	comp, err = Compute(ComputeInput{
		Employee: monthlyEmployee("15000"), Period: june, Mode: ModeMonthly,
		YTDContributionBase: ptr(amount("150000")),
	}, tables)
	require.NoError(t, err)
	requireAmount(t, "0.00", comp.Amounts.ACEmployee, "ceiling exhausted")
}

func TestComputeLppAgeBandBoundary(t *testing.T) {
	emp := monthlyEmployee("6000")
	emp.LppPlanCode = "BVG-MIN"

	emp.BirthDate = day("1989-06-30")
	comp, err := Compute(ComputeInput{Employee: emp, Period: june, Mode: ModeMonthly}, SwissDefaults(2024))
	require.NoError(t, err)
	require.Equal(t, LppInsured, comp.LppStatus)
	require.Equal(t, 35, comp.Lpp.AgeYears)
	require.Equal(t, "0.1", comp.Lpp.SavingRate.String())
	requireAmount(t, "46275.00", comp.Lpp.AnnualInsuredSalary, "insured")
	requireAmount(t, "231.38", comp.Amounts.LPPEmployer, "lpp employer")
	requireAmount(t, "231.37", comp.Amounts.LPPEmployee, "lpp employee")

	emp.BirthDate = day("1989-07-01")
	comp, err = Compute(ComputeInput{Employee: emp, Period: june, Mode: ModeMonthly}, SwissDefaults(2024))
	require.NoError(t, err)
	require.Equal(t, 34, comp.Lpp.AgeYears)
	require.Equal(t, "0.07", comp.Lpp.SavingRate.String())
	requireAmount(t, "173.53", comp.Amounts.LPPEmployer, "lpp employer")
	requireAmount(t, "173.53", comp.Amounts.LPPEmployee, "lpp employee")
}

func TestComputeLppThresholdAndOverrides(t *testing.T) {
	emp := monthlyEmployee("1800")
	emp.LppPlanCode = "BVG-MIN"
	comp, err := Compute(ComputeInput{Employee: emp, Period: june, Mode: ModeMonthly}, SwissDefaults(2024))
	require.NoError(t, err)
	require.Equal(t, LppBelowThreshold, comp.LppStatus)
	require.True(t, comp.Amounts.LPPEmployee.IsZero())

	emp = monthlyEmployee("6000")
	emp.LppPlanCode = "BVG-MIN"
	emp.BirthDate = day("1980-01-01")
	emp.LppEmployerShare = ptr(amount("0.6"))
	comp, err = Compute(ComputeInput{Employee: emp, Period: june, Mode: ModeMonthly}, SwissDefaults(2024))
	require.NoError(t, err)
	requireAmount(t, "277.65", comp.Amounts.LPPEmployer, "employer share override")
	requireAmount(t, "185.10", comp.Amounts.LPPEmployee, "employee remainder")

	emp.BirthDate = day("2003-01-01")
	comp, err = Compute(ComputeInput{Employee: emp, Period: june, Mode: ModeMonthly}, SwissDefaults(2024))
	require.NoError(t, err)
	require.Equal(t, LppNoAgeBand, comp.LppStatus)
}

func TestComputeNetIdentityHoldsAcrossProfiles(t *testing.T) {
	profiles := []Employee{monthlyEmployee("3200"), monthlyEmployee("9100.35"), monthlyEmployee("21000")}
	profiles[1].IJMEnabled = true
	profiles[1].LppPlanCode = "BVG-MIN"
	profiles[2].ThirteenthEnabled = true
	profiles[2].LppPlanCode = "BVG-MIN"
	profiles[2].Benefits = BenefitFlags{Meals: true}

	for _, emp := range profiles {
		comp, err := Compute(ComputeInput{Employee: emp, Period: june, Mode: ModeMonthly}, SwissDefaults(2024))
		require.NoError(t, err)
		a := comp.Amounts
		require.True(t, a.Net.Equal(a.Gross.Add(a.Benefits).Sub(a.EmployeeDeductions)), "net identity for %s", emp.MonthlyBase)
		require.True(t, a.EmployerCost.Equal(a.Gross.Add(a.EmployerContributions)))
		require.True(t, a.EmployeeDeductions.Equal(a.EmployeeSocial.Add(a.LPPEmployee)))
	}
}

func TestComputeRejectsBrokenTables(t *testing.T) {
	tables := SwissDefaults(2024)
	tables.Insurance.AVSEmployeeRate = amount("1.5")
	_, err := Compute(ComputeInput{Employee: monthlyEmployee("6000"), Period: june, Mode: ModeMonthly}, tables)
	require.ErrorIs(t, err, shared.ErrConfiguration)

	tables = SwissDefaults(2024)
	plan := tables.LppPlans["BVG-MIN"]
	plan.AgeRates = append(plan.AgeRates, LppAgeRate{AgeMin: 30, AgeMax: 40, SavingRate: amount("0.1")})
	tables.LppPlans["BVG-MIN"] = plan
	require.ErrorIs(t, tables.Validate(), shared.ErrConfiguration)
}

func TestAmountsApplyRederivesTotals(t *testing.T) {
	comp, err := Compute(ComputeInput{Employee: monthlyEmployee("6000"), Period: june, Mode: ModeMonthly}, SwissDefaults(2024))
	require.NoError(t, err)
	a := comp.Amounts

	changes, err := a.Apply(map[string]decimal.Decimal{"avs_employee": amount("300.00"), "ac_employee": amount("66.00")})
	require.NoError(t, err)
	require.Len(t, changes, 1, "unchanged fields are skipped")
	require.Equal(t, "avs_employee", changes[0].Field)
	requireAmount(t, "5550.00", a.Net, "net")

	_, err = a.Apply(map[string]decimal.Decimal{"net": amount("1")})
	require.ErrorIs(t, err, shared.ErrValidation)
	_, err = a.Apply(map[string]decimal.Decimal{"base_gross": amount("10.001")})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestAgeAt(t *testing.T) {
	require.Equal(t, 33, AgeAt(day("1990-02-28"), day("2024-02-27")))
	require.Equal(t, 34, AgeAt(day("1990-02-28"), day("2024-02-28")))
	require.Equal(t, 24, AgeAt(day("2000-02-29"), day("2024-02-29")))
	require.Equal(t, 23, AgeAt(day("2000-02-29"), day("2024-02-28")))
}

func BenchmarkComputeInsuredMonthly(b *testing.B) {
	tables := SwissDefaults(2024)
	emp := monthlyEmployee("7500")
	emp.LppPlanCode = "BVG-MIN"
	emp.ThirteenthEnabled = true
	in := ComputeInput{Employee: emp, Period: june, Mode: ModeMonthly}
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := Compute(in, tables); err != nil {
			b.Fatal(err)
		}
	}
}
