package posting

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/swissbooks/internal/accounting/ledger"
	"github.com/odyssey-erp/swissbooks/internal/posting/formula"
	"github.com/odyssey-erp/swissbooks/internal/shared"
)

type staticRules []Rule

func (s staticRules) ActiveRules(ctx context.Context, companyID int64, eventType string) ([]Rule, error) {
	var out []Rule
	for _, r := range s {
		if r.EventType == eventType && r.IsActive {
			out = append(out, r)
		}
	}
	return out, nil
}

var tenant = shared.Tenant{CompanyID: 3, UserID: 1, Role: shared.RoleSystem}

func event(t *testing.T, eventType string, payload map[string]any) Event {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return Event{EventType: eventType, SourceType: "invoice", SourceID: "INV-1", Payload: raw}
}

func TestResolveInvoicePaidSplitsVAT(t *testing.T) {
	engine := NewEngine(staticRules(DefaultRules()), nil)

	lines, err := engine.Resolve(context.Background(), tenant, event(t, EventInvoicePaid, map[string]any{
		"amount":   1200.00,
		"vat_rate": "0.077",
	}))
	require.NoError(t, err)
	require.Len(t, lines, 3)

	require.Equal(t, "1020", lines[0].AccountCode)
	require.Equal(t, "1200.00", lines[0].Debit.StringFixed(2))
	require.Equal(t, "3000", lines[1].AccountCode)
	require.Equal(t, "1114.21", lines[1].Credit.StringFixed(2))
	require.Equal(t, "2200", lines[2].AccountCode)
	require.Equal(t, "85.79", lines[2].Credit.StringFixed(2))
	require.NotNil(t, lines[2].VATCode)
	require.True(t, lines[2].VATRate.Equal(decimal.RequireFromString("0.077")))

	entry := event(t, EventInvoicePaid, nil).EntryInput(lines)
	require.NoError(t, entry.Validate())
	require.Equal(t, "invoice:INV-1", entry.IdempotencyKey)
	require.True(t, entry.AutoGenerated)
}

func TestResolveWithoutRulesIsConfigurationError(t *testing.T) {
	engine := NewEngine(staticRules(nil), nil)
	_, err := engine.Resolve(context.Background(), tenant, event(t, EventAppointmentCompleted, map[string]any{"amount": 10}))
	require.ErrorIs(t, err, ErrNoRules)
	require.ErrorIs(t, err, shared.ErrConfiguration)
}

func TestResolveUnbalancedFailsLoud(t *testing.T) {
	rules := staticRules{
		{ID: 1, EventType: EventAppointmentCompleted, LineType: LineDebit, AccountCode: "1100", Formula: formula.Field("amount"), IsActive: true},
		{ID: 2, EventType: EventAppointmentCompleted, LineType: LineCredit, AccountCode: "3000", Formula: netOfVAT(), IsActive: true},
	}
	engine := NewEngine(rules, nil)
	lines, err := engine.Resolve(context.Background(), tenant, event(t, EventAppointmentCompleted, map[string]any{
		"amount": 100, "vat_rate": 0.081,
	}))
	require.Nil(t, lines)
	require.ErrorIs(t, err, ledger.ErrUnbalanced)
	require.ErrorIs(t, err, shared.ErrInvariant)
}

func TestResolveDropsZeroAndRejectsNegative(t *testing.T) {
	engine := NewEngine(staticRules(DefaultRules()), nil)
	payload := map[string]any{
		"gross": "6000.00", "benefits": "0", "net": "5400.00", "employer_cost": "6600.00",
		"employee_social": "600.00", "employer_social": "600.00",
		"lpp_employee": "0", "lpp_employer": "0",
	}
	lines, err := engine.Resolve(context.Background(), tenant, event(t, EventPayrunApproved, payload))
	require.NoError(t, err)
	require.Len(t, lines, 4)
	require.Equal(t, "6600.00", debitTotal(lines).StringFixed(2))

	payload["net"] = "-1"
	payload["gross"] = "-1"
	_, err = engine.Resolve(context.Background(), tenant, event(t, EventPayrunApproved, payload))
	require.ErrorIs(t, err, ErrNegativeAmount)
}

func TestResolveDivisionByZeroIsConfiguration(t *testing.T) {
	engine := NewEngine(staticRules(DefaultRules()), nil)
	_, err := engine.Resolve(context.Background(), tenant, event(t, EventInvoicePaid, map[string]any{
		"amount": 100, "vat_rate": -1,
	}))
	require.ErrorIs(t, err, shared.ErrConfiguration)
}

func TestRuleValidateChecksWhitelist(t *testing.T) {
	rule := Rule{EventType: EventInvoicePaid, LineType: LineDebit, AccountCode: "1020", Formula: formula.Field("salary")}
	require.ErrorIs(t, rule.Validate(), shared.ErrValidation)

	rule.Formula = formula.Field("amount")
	require.NoError(t, rule.Validate())

	rule.EventType = "invoice.deleted"
	require.ErrorIs(t, rule.Validate(), shared.ErrValidation)
}

func TestDefaultRulesAreValid(t *testing.T) {
	for _, r := range DefaultRules() {
		require.NoError(t, r.Validate(), "%s %s %s", r.EventType, r.LineType, r.AccountCode)
	}
}

func debitTotal(lines []ledger.LineInput) decimal.Decimal {
	total := decimal.Zero
	for _, l := range lines {
		total = total.Add(l.Debit)
	}
	return total
}
