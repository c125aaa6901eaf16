package posting

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/swissbooks/internal/posting/formula"
	"github.com/odyssey-erp/swissbooks/internal/shared"
)

// Repository persists posting rules.
type Repository interface {
	ActiveRules(ctx context.Context, companyID int64, eventType string) ([]Rule, error)
	List(ctx context.Context, companyID int64, eventType string) ([]Rule, error)
	Upsert(ctx context.Context, rule Rule) (Rule, error)
	SetActive(ctx context.Context, companyID, ruleID int64, active bool) error
}

// ErrRuleNotFound indicates the rule id is unknown for the tenant.
var ErrRuleNotFound = shared.NewKind(shared.ErrNotFound, "posting: rule not found")

type repository struct {
	pool *pgxpool.Pool
}

// NewRepository builds the pgx rule repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &repository{pool: pool}
}

const ruleColumns = `id, company_id, event_type, line_type, account_code, account_name, vat_code_default, formula_json, priority, is_active, updated_at`

func scanRules(rows pgx.Rows) ([]Rule, error) {
	defer rows.Close()
	var rules []Rule
	for rows.Next() {
		var (
			r   Rule
			raw []byte
		)
		if err := rows.Scan(&r.ID, &r.CompanyID, &r.EventType, &r.LineType, &r.AccountCode, &r.AccountName,
			&r.VATCodeDefault, &raw, &r.Priority, &r.IsActive, &r.UpdatedAt); err != nil {
			return nil, err
		}
		node, err := formula.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", r.ID, err)
		}
		r.Formula = node
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func (r *repository) ActiveRules(ctx context.Context, companyID int64, eventType string) ([]Rule, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+ruleColumns+` FROM posting_rules
WHERE company_id=$1 AND event_type=$2 AND is_active ORDER BY priority, id`, companyID, eventType)
	if err != nil {
		return nil, err
	}
	return scanRules(rows)
}

func (r *repository) List(ctx context.Context, companyID int64, eventType string) ([]Rule, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+ruleColumns+` FROM posting_rules
WHERE company_id=$1 AND ($2 = '' OR event_type=$2) ORDER BY event_type, priority, id`, companyID, eventType)
	if err != nil {
		return nil, err
	}
	return scanRules(rows)
}

func (r *repository) Upsert(ctx context.Context, rule Rule) (Rule, error) {
	raw, err := rule.Formula.Encode()
	if err != nil {
		return Rule{}, err
	}
	err = r.pool.QueryRow(ctx, `INSERT INTO posting_rules (company_id, event_type, line_type, account_code, account_name, vat_code_default, formula_json, priority, is_active)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT ON CONSTRAINT uq_posting_rules_line DO UPDATE SET
    account_name = EXCLUDED.account_name,
    vat_code_default = EXCLUDED.vat_code_default,
    formula_json = EXCLUDED.formula_json,
    priority = EXCLUDED.priority,
    is_active = EXCLUDED.is_active,
    updated_at = NOW()
RETURNING id, updated_at`,
		rule.CompanyID, rule.EventType, rule.LineType, rule.AccountCode, rule.AccountName, rule.VATCodeDefault, raw, rule.Priority, rule.IsActive).
		Scan(&rule.ID, &rule.UpdatedAt)
	if err != nil {
		return Rule{}, err
	}
	return rule, nil
}

func (r *repository) SetActive(ctx context.Context, companyID, ruleID int64, active bool) error {
	cmd, err := r.pool.Exec(ctx, `UPDATE posting_rules SET is_active=$3, updated_at=NOW() WHERE company_id=$1 AND id=$2`, companyID, ruleID, active)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrRuleNotFound
	}
	return nil
}
