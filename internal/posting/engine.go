package posting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/odyssey-erp/swissbooks/internal/accounting/ledger"
	"github.com/odyssey-erp/swissbooks/internal/posting/formula"
	"github.com/odyssey-erp/swissbooks/internal/shared"
)

var (
	// ErrNoRules is returned when no active rule matches the event type. The
	// event stays pending in the outbox until the tenant configures rules.
	ErrNoRules = shared.NewKind(shared.ErrConfiguration, "posting: no active rules for event")
	// ErrNegativeAmount marks a formula producing a negative amount.
	ErrNegativeAmount = shared.NewKind(shared.ErrInvariant, "posting: rule produced a negative amount")
)

// RuleSource returns active rules for an event type.
type RuleSource interface {
	ActiveRules(ctx context.Context, companyID int64, eventType string) ([]Rule, error)
}

// Engine resolves domain events into ledger lines.
type Engine struct {
	rules  RuleSource
	logger *slog.Logger
}

// NewEngine constructs the engine.
func NewEngine(rules RuleSource, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{rules: rules, logger: logger}
}

// Resolve evaluates every active rule for the event, one line per rule. Zero
// amounts are skipped. An unbalanced result fails; no balancing line is ever
// synthesized.
func (e *Engine) Resolve(ctx context.Context, tenant shared.Tenant, ev Event) ([]ledger.LineInput, error) {
	if err := tenant.Validate(); err != nil {
		return nil, err
	}
	rules, err := e.rules.ActiveRules(ctx, tenant.CompanyID, ev.EventType)
	if err != nil {
		return nil, err
	}
	if len(rules) == 0 {
		e.logger.Warn("posting rules missing",
			slog.Int64("company_id", tenant.CompanyID),
			slog.String("event_type", ev.EventType),
			slog.String("source_id", ev.SourceID))
		return nil, fmt.Errorf("%w: %s", ErrNoRules, ev.EventType)
	}
	payload, err := NumericPayload(ev.EventType, ev.Payload)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority < rules[j].Priority
		}
		return rules[i].ID < rules[j].ID
	})

	lines := make([]ledger.LineInput, 0, len(rules))
	var debit, credit int64
	for _, rule := range rules {
		if !rule.IsActive || rule.Formula == nil {
			continue
		}
		value, err := rule.Formula.Eval(payload)
		if err != nil {
			return nil, ruleError(rule, err)
		}
		amount := shared.Round2(value)
		if amount.IsNegative() {
			return nil, fmt.Errorf("%w: rule %d (%s %s) = %s", ErrNegativeAmount, rule.ID, rule.LineType, rule.AccountCode, amount.StringFixed(2))
		}
		if amount.IsZero() {
			continue
		}
		line := ledger.LineInput{AccountCode: rule.AccountCode, VATCode: rule.VATCodeDefault}
		if rule.VATCodeDefault != nil {
			if rate, ok := payload["vat_rate"]; ok {
				line.VATRate = &rate
			}
		}
		switch rule.LineType {
		case LineDebit:
			line.Debit = amount
			debit += shared.Cents(amount)
		case LineCredit:
			line.Credit = amount
			credit += shared.Cents(amount)
		default:
			return nil, shared.Configurationf("posting: rule %d has line type %q", rule.ID, rule.LineType)
		}
		lines = append(lines, line)
	}
	if debit != credit {
		return nil, fmt.Errorf("%w: %s rules produce debit %s, credit %s", ledger.ErrUnbalanced, ev.EventType,
			shared.FormatCHF(shared.FromCents(debit)), shared.FormatCHF(shared.FromCents(credit)))
	}
	return lines, nil
}

func ruleError(rule Rule, err error) error {
	switch {
	case errors.Is(err, formula.ErrMissingField):
		return shared.Validationf("posting: rule %d (%s): %v", rule.ID, rule.AccountCode, err)
	default:
		return shared.Configurationf("posting: rule %d (%s): %v", rule.ID, rule.AccountCode, err)
	}
}
