package posting

import (
	"strings"
	"time"

	"github.com/odyssey-erp/swissbooks/internal/posting/formula"
	"github.com/odyssey-erp/swissbooks/internal/shared"
)

// LineType is the ledger side a rule produces.
type LineType string

const (
	LineDebit  LineType = "debit"
	LineCredit LineType = "credit"
)

// Rule maps one event type to one ledger line.
type Rule struct {
	ID             int64         `json:"id"`
	CompanyID      int64         `json:"company_id"`
	EventType      string        `json:"event_type"`
	LineType       LineType      `json:"line_type"`
	AccountCode    string        `json:"account_code"`
	AccountName    string        `json:"account_name"`
	VATCodeDefault *string       `json:"vat_code_default,omitempty"`
	Formula        *formula.Node `json:"formula"`
	Priority       int           `json:"priority"`
	IsActive       bool          `json:"is_active"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// Validate checks the rule and its formula against the event whitelist.
func (r Rule) Validate() error {
	allowed, ok := AllowedFields(r.EventType)
	if !ok {
		return shared.Validationf("posting: unknown event type %q", r.EventType)
	}
	if r.LineType != LineDebit && r.LineType != LineCredit {
		return shared.Validationf("posting: line type must be debit or credit, got %q", r.LineType)
	}
	if strings.TrimSpace(r.AccountCode) == "" {
		return shared.Validationf("posting: account code required")
	}
	if r.Formula == nil {
		return shared.Validationf("posting: formula required")
	}
	if _, err := r.Formula.Encode(); err != nil {
		return shared.Validationf("posting: %v", err)
	}
	if err := r.Formula.CheckFields(allowed); err != nil {
		return shared.Validationf("posting: %v", err)
	}
	return nil
}

func vat(code string) *string { return &code }

// netOfVAT is round(amount / (1 + vat_rate), 2).
func netOfVAT() *formula.Node {
	return formula.Round(formula.Call(formula.OpDiv,
		formula.Field("amount"),
		formula.Call(formula.OpAdd, formula.Const("1"), formula.Field("vat_rate"))), 2)
}

func vatOf() *formula.Node {
	return formula.Call(formula.OpSub, formula.Field("amount"), netOfVAT())
}

func sum(fields ...string) *formula.Node {
	args := make([]*formula.Node, len(fields))
	for i, f := range fields {
		args[i] = formula.Field(f)
	}
	if len(args) == 1 {
		return args[0]
	}
	return formula.Call(formula.OpAdd, args...)
}

// DefaultRules is the rule set seeded next to the Swiss SME chart.
func DefaultRules() []Rule {
	rules := []Rule{
		{EventType: EventInvoicePaid, LineType: LineDebit, AccountCode: "1020", AccountName: "Bankguthaben", Formula: formula.Field("amount"), Priority: 10},
		{EventType: EventInvoicePaid, LineType: LineCredit, AccountCode: "3000", AccountName: "Dienstleistungsertrag", Formula: netOfVAT(), Priority: 20},
		{EventType: EventInvoicePaid, LineType: LineCredit, AccountCode: "2200", AccountName: "Geschuldete MWST", VATCodeDefault: vat("UST"), Formula: vatOf(), Priority: 30},

		{EventType: EventSessionInvoiced, LineType: LineDebit, AccountCode: "1100", AccountName: "Forderungen", Formula: formula.Field("amount"), Priority: 10},
		{EventType: EventSessionInvoiced, LineType: LineCredit, AccountCode: "3000", AccountName: "Dienstleistungsertrag", Formula: netOfVAT(), Priority: 20},
		{EventType: EventSessionInvoiced, LineType: LineCredit, AccountCode: "2200", AccountName: "Geschuldete MWST", VATCodeDefault: vat("UST"), Formula: vatOf(), Priority: 30},

		{EventType: EventPayrunApproved, LineType: LineDebit, AccountCode: "5000", AccountName: "Lohnaufwand", Formula: sum("gross"), Priority: 10},
		{EventType: EventPayrunApproved, LineType: LineDebit, AccountCode: "5800", AccountName: "Übriger Personalaufwand", Formula: sum("benefits"), Priority: 15},
		{EventType: EventPayrunApproved, LineType: LineDebit, AccountCode: "5700", AccountName: "Sozialversicherungsaufwand", Formula: sum("employer_social"), Priority: 20},
		{EventType: EventPayrunApproved, LineType: LineDebit, AccountCode: "5720", AccountName: "Vorsorgeaufwand (BVG)", Formula: sum("lpp_employer"), Priority: 30},
		{EventType: EventPayrunApproved, LineType: LineCredit, AccountCode: "2279", AccountName: "Lohnverbindlichkeiten", Formula: sum("net"), Priority: 40},
		{EventType: EventPayrunApproved, LineType: LineCredit, AccountCode: "2270", AccountName: "Sozialversicherungen", Formula: sum("employee_social", "employer_social"), Priority: 50},
		{EventType: EventPayrunApproved, LineType: LineCredit, AccountCode: "2271", AccountName: "Vorsorgeeinrichtungen (BVG)", Formula: sum("lpp_employee", "lpp_employer"), Priority: 60},

		{EventType: EventPayrunPaid, LineType: LineDebit, AccountCode: "2279", AccountName: "Lohnverbindlichkeiten", Formula: sum("net"), Priority: 10},
		{EventType: EventPayrunPaid, LineType: LineCredit, AccountCode: "1020", AccountName: "Bankguthaben", Formula: sum("net"), Priority: 20},
	}
	for i := range rules {
		rules[i].IsActive = true
	}
	return rules
}
