package payroll

import (
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/swissbooks/internal/shared"
)

// InsuranceConfig holds statutory social insurance rates for one tenant-year.
type InsuranceConfig struct {
	AVSEmployeeRate   decimal.Decimal `json:"avs_employee_rate"`
	AVSEmployerRate   decimal.Decimal `json:"avs_employer_rate"`
	ACEmployeeRate    decimal.Decimal `json:"ac_employee_rate"`
	ACEmployerRate    decimal.Decimal `json:"ac_employer_rate"`
	ACAnnualCeiling   decimal.Decimal `json:"ac_annual_ceiling"`
	LAARate           decimal.Decimal `json:"laa_rate"`
	LAAEmployeeShare  decimal.Decimal `json:"laa_employee_share"`
	LAACRate          decimal.Decimal `json:"laac_rate"`
	LAACEmployeeShare decimal.Decimal `json:"laac_employee_share"`
	LAAAnnualCeiling  decimal.Decimal `json:"laa_annual_ceiling"`
	IJMRate           decimal.Decimal `json:"ijm_rate"`
	IJMEmployeeShare  decimal.Decimal `json:"ijm_employee_share"`
}

// LppAgeRate is one saving-rate band, inclusive on both ends.
type LppAgeRate struct {
	AgeMin     int             `json:"age_min"`
	AgeMax     int             `json:"age_max"`
	SavingRate decimal.Decimal `json:"saving_rate"`
}

// LppPlan is an occupational pension plan.
type LppPlan struct {
	Code                  string          `json:"code"`
	IsActive              bool            `json:"is_active"`
	EntryThreshold        decimal.Decimal `json:"entry_threshold"`
	CoordinationDeduction decimal.Decimal `json:"coordination_deduction"`
	MaxInsurableSalary    decimal.Decimal `json:"max_insurable_salary"`
	MinInsuredSalary      decimal.Decimal `json:"min_insured_salary"`
	EmployerShare         decimal.Decimal `json:"employer_share"`
	RiskAdminRate         decimal.Decimal `json:"risk_admin_rate"`
	AgeRates              []LppAgeRate    `json:"age_rates"`
}

// SavingRate returns the band rate for age. Bands never interpolate.
func (p LppPlan) SavingRate(age int) (decimal.Decimal, bool) {
	for _, band := range p.AgeRates {
		if band.AgeMin <= age && age <= band.AgeMax {
			return band.SavingRate, true
		}
	}
	return decimal.Zero, false
}

// AllowancesProfile holds flat monthly values of benefits in kind.
type AllowancesProfile struct {
	Lodging   decimal.Decimal `json:"lodging"`
	Meals     decimal.Decimal `json:"meals"`
	Transport decimal.Decimal `json:"transport"`
}

// Rates holds percentage based parameters.
type Rates struct {
	// CompanyCarMonthlyRate applies to the vehicle purchase price.
	CompanyCarMonthlyRate decimal.Decimal `json:"company_car_monthly_rate"`
	// ThirteenthFraction is the default accrual fraction when the employee has none.
	ThirteenthFraction decimal.Decimal `json:"thirteenth_fraction"`
}

// ACCeilingPolicy selects how the unemployment insurance ceiling applies.
type ACCeilingPolicy string

const (
	// ACCeilingMonthly caps each payrun at the annual ceiling / 12.
	ACCeilingMonthly ACCeilingPolicy = "monthly"
	// ACCeilingCumulative caps against the remaining annual ceiling given the
	// contribution base already paid this year.
	ACCeilingCumulative ACCeilingPolicy = "cumulative"
)

// Policy holds tenant decisions that are not statutory constants.
type Policy struct {
	ACCeiling ACCeilingPolicy `json:"ac_ceiling"`
	// ReopenOnEdit sends an edited approved payrun back to submitted.
	ReopenOnEdit bool `json:"reopen_on_edit"`
}

// RateTables is the versioned, tenant+year scoped configuration consumed by
// Compute. It is passed explicitly and never read from ambient state.
type RateTables struct {
	Year       int                `json:"year"`
	Insurance  InsuranceConfig    `json:"insurance"`
	LppPlans   map[string]LppPlan `json:"lpp_plans"`
	Allowances AllowancesProfile  `json:"allowances"`
	Rates      Rates              `json:"rates"`
	Policy     Policy             `json:"policy"`
}

func fraction(d decimal.Decimal) bool {
	return !d.IsNegative() && d.LessThanOrEqual(decimal.NewFromInt(1))
}

// Validate reports broken tables as configuration errors.
func (t RateTables) Validate() error {
	in := t.Insurance
	for name, rate := range map[string]decimal.Decimal{
		"avs_employee_rate": in.AVSEmployeeRate, "avs_employer_rate": in.AVSEmployerRate,
		"ac_employee_rate": in.ACEmployeeRate, "ac_employer_rate": in.ACEmployerRate,
		"laa_rate": in.LAARate, "laac_rate": in.LAACRate, "ijm_rate": in.IJMRate,
		"laa_employee_share": in.LAAEmployeeShare, "laac_employee_share": in.LAACEmployeeShare,
		"ijm_employee_share": in.IJMEmployeeShare, "thirteenth_fraction": t.Rates.ThirteenthFraction,
	} {
		if !fraction(rate) {
			return shared.Configurationf("payroll: %d: %s must be within [0,1]", t.Year, name)
		}
	}
	if !in.ACAnnualCeiling.IsPositive() || !in.LAAAnnualCeiling.IsPositive() {
		return shared.Configurationf("payroll: %d: insurance ceilings must be positive", t.Year)
	}
	switch t.Policy.ACCeiling {
	case "", ACCeilingMonthly, ACCeilingCumulative:
	default:
		return shared.Configurationf("payroll: %d: unknown ac ceiling policy %q", t.Year, t.Policy.ACCeiling)
	}
	for code, plan := range t.LppPlans {
		if !fraction(plan.EmployerShare) || !fraction(plan.RiskAdminRate) {
			return shared.Configurationf("payroll: lpp plan %s: shares and rates must be within [0,1]", code)
		}
		if plan.MaxInsurableSalary.LessThan(plan.CoordinationDeduction) {
			return shared.Configurationf("payroll: lpp plan %s: max insurable salary below coordination deduction", code)
		}
		for i, band := range plan.AgeRates {
			if band.AgeMin > band.AgeMax || !fraction(band.SavingRate) {
				return shared.Configurationf("payroll: lpp plan %s: invalid age band %d", code, i)
			}
			for _, other := range plan.AgeRates[i+1:] {
				if band.AgeMin <= other.AgeMax && other.AgeMin <= band.AgeMax {
					return shared.Configurationf("payroll: lpp plan %s: overlapping age bands", code)
				}
			}
		}
	}
	return nil
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// SwissDefaults returns the federal minimum parameters for the 2024 tables.
// Tenants copy and adjust them for their insurers.
func SwissDefaults(year int) RateTables {
	return RateTables{
		Year: year,
		Insurance: InsuranceConfig{
			AVSEmployeeRate:   dec("0.053"),
			AVSEmployerRate:   dec("0.053"),
			ACEmployeeRate:    dec("0.011"),
			ACEmployerRate:    dec("0.011"),
			ACAnnualCeiling:   dec("148200"),
			LAARate:           dec("0.008"),
			LAAEmployeeShare:  decimal.Zero,
			LAACRate:          dec("0.014"),
			LAACEmployeeShare: decimal.NewFromInt(1),
			LAAAnnualCeiling:  dec("148200"),
			IJMRate:           dec("0.012"),
			IJMEmployeeShare:  dec("0.5"),
		},
		LppPlans: map[string]LppPlan{
			"BVG-MIN": {
				Code:                  "BVG-MIN",
				IsActive:              true,
				EntryThreshold:        dec("22050"),
				CoordinationDeduction: dec("25725"),
				MaxInsurableSalary:    dec("88200"),
				MinInsuredSalary:      dec("3675"),
				EmployerShare:         dec("0.5"),
				RiskAdminRate:         dec("0.02"),
				AgeRates: []LppAgeRate{
					{AgeMin: 25, AgeMax: 34, SavingRate: dec("0.07")},
					{AgeMin: 35, AgeMax: 44, SavingRate: dec("0.10")},
					{AgeMin: 45, AgeMax: 54, SavingRate: dec("0.15")},
					{AgeMin: 55, AgeMax: 65, SavingRate: dec("0.18")},
				},
			},
		},
		Allowances: AllowancesProfile{
			Lodging:   dec("345"),
			Meals:     dec("645"),
			Transport: dec("0"),
		},
		Rates: Rates{
			CompanyCarMonthlyRate: dec("0.009"),
			ThirteenthFraction:    decimal.NewFromInt(1).Div(decimal.NewFromInt(12)),
		},
		Policy: Policy{ACCeiling: ACCeilingMonthly},
	}
}
