package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/swissbooks/internal/platform/db"
)

// Repository exposes ledger persistence.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetEntry(ctx context.Context, companyID, entryID int64) (Entry, error)
	ListEntries(ctx context.Context, companyID int64, filter ListFilter) ([]Entry, error)
	AccountHasEntries(ctx context.Context, companyID int64, code string) (bool, error)
	TrialBalance(ctx context.Context, companyID int64, asOf time.Time) ([]BalanceRow, error)
}

// TxRepository exposes operations available within a posting transaction.
type TxRepository interface {
	FindByIdempotencyKey(ctx context.Context, companyID int64, key string) (int64, bool, error)
	ActiveAccounts(ctx context.Context, companyID int64, codes []string) (map[string]bool, error)
	InsertEntry(ctx context.Context, entry Entry) (int64, error)
	InsertLines(ctx context.Context, companyID, entryID int64, lines []LineInput) error
	GetEntryWithLines(ctx context.Context, companyID, entryID int64) (Entry, error)
	FindReversal(ctx context.Context, companyID, entryID int64) (int64, bool, error)
}

type repository struct {
	pool *pgxpool.Pool
}

// NewRepository builds the pgx ledger repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &repository{pool: pool}
}

func (r *repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil || r.pool == nil {
		return errors.New("ledger repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

const entryColumns = `id, company_id, entry_date, description, source_type, source_id, idempotency_key, posted_at, reversed_of, auto_generated, COALESCE(created_by, 0)`

func scanEntry(row pgx.Row) (Entry, error) {
	var e Entry
	err := row.Scan(&e.ID, &e.CompanyID, &e.EntryDate, &e.Description, &e.SourceType, &e.SourceID,
		&e.IdempotencyKey, &e.PostedAt, &e.ReversedOf, &e.AutoGenerated, &e.CreatedBy)
	if errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, ErrEntryNotFound
	}
	return e, err
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func loadLines(ctx context.Context, q querier, companyID int64, entryIDs []int64) (map[int64][]Line, error) {
	out := make(map[int64][]Line, len(entryIDs))
	if len(entryIDs) == 0 {
		return out, nil
	}
	rows, err := q.Query(ctx, `SELECT id, entry_id, account_code, debit, credit, vat_code, vat_rate, vat_amount, amount_net
FROM ledger_lines WHERE company_id=$1 AND entry_id = ANY($2) ORDER BY entry_id, id`, companyID, entryIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			l                 Line
			rate, amount, net decimal.NullDecimal
		)
		if err := rows.Scan(&l.ID, &l.EntryID, &l.AccountCode, &l.Debit, &l.Credit, &l.VATCode, &rate, &amount, &net); err != nil {
			return nil, err
		}
		l.VATRate = nullDecimal(rate)
		l.VATAmount = nullDecimal(amount)
		l.AmountNet = nullDecimal(net)
		out[l.EntryID] = append(out[l.EntryID], l)
	}
	return out, rows.Err()
}

func nullDecimal(d decimal.NullDecimal) *decimal.Decimal {
	if !d.Valid {
		return nil
	}
	v := d.Decimal
	return &v
}

func getEntryWithLines(ctx context.Context, q querier, companyID, entryID int64, lock bool) (Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM ledger_entries WHERE company_id=$1 AND id=$2`
	if lock {
		query += ` FOR UPDATE`
	}
	entry, err := scanEntry(q.QueryRow(ctx, query, companyID, entryID))
	if err != nil {
		return Entry{}, err
	}
	lines, err := loadLines(ctx, q, companyID, []int64{entryID})
	if err != nil {
		return Entry{}, err
	}
	entry.Lines = lines[entryID]
	return entry, nil
}

func (r *repository) GetEntry(ctx context.Context, companyID, entryID int64) (Entry, error) {
	return getEntryWithLines(ctx, r.pool, companyID, entryID, false)
}

func (r *repository) ListEntries(ctx context.Context, companyID int64, filter ListFilter) ([]Entry, error) {
	var (
		conds = []string{"e.company_id=$1"}
		args  = []any{companyID}
	)
	if filter.From != nil {
		args = append(args, *filter.From)
		conds = append(conds, fmt.Sprintf("e.entry_date >= $%d", len(args)))
	}
	if filter.To != nil {
		args = append(args, *filter.To)
		conds = append(conds, fmt.Sprintf("e.entry_date <= $%d", len(args)))
	}
	if filter.SourceType != "" {
		args = append(args, filter.SourceType)
		conds = append(conds, fmt.Sprintf("e.source_type = $%d", len(args)))
	}
	if filter.AccountCode != "" {
		args = append(args, filter.AccountCode)
		conds = append(conds, fmt.Sprintf("EXISTS (SELECT 1 FROM ledger_lines l WHERE l.entry_id = e.id AND l.account_code = $%d)", len(args)))
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit)
	query := fmt.Sprintf(`SELECT %s FROM ledger_entries e WHERE %s ORDER BY e.entry_date DESC, e.id DESC LIMIT $%d`,
		prefixColumns("e."), strings.Join(conds, " AND "), len(args))
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		entries = append(entries, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	ids := make([]int64, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	lines, err := loadLines(ctx, r.pool, companyID, ids)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		entries[i].Lines = lines[entries[i].ID]
	}
	return entries, nil
}

func prefixColumns(prefix string) string {
	cols := strings.Split(entryColumns, ", ")
	for i, c := range cols {
		if strings.HasPrefix(c, "COALESCE(") {
			cols[i] = "COALESCE(" + prefix + strings.TrimPrefix(c, "COALESCE(")
			continue
		}
		cols[i] = prefix + c
	}
	return strings.Join(cols, ", ")
}

func (r *repository) AccountHasEntries(ctx context.Context, companyID int64, code string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM ledger_lines WHERE company_id=$1 AND account_code=$2)`, companyID, code).Scan(&exists)
	return exists, err
}

func (r *repository) TrialBalance(ctx context.Context, companyID int64, asOf time.Time) ([]BalanceRow, error) {
	rows, err := r.pool.Query(ctx, `SELECT l.account_code, COALESCE(SUM(l.debit),0), COALESCE(SUM(l.credit),0)
FROM ledger_lines l
JOIN ledger_entries e ON e.id = l.entry_id
WHERE l.company_id=$1 AND e.posted_at IS NOT NULL AND e.entry_date <= $2
GROUP BY l.account_code
ORDER BY l.account_code`, companyID, asOf)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []BalanceRow
	for rows.Next() {
		var row BalanceRow
		if err := rows.Scan(&row.AccountCode, &row.Debit, &row.Credit); err != nil {
			return nil, err
		}
		row.Balance = row.Debit.Sub(row.Credit)
		out = append(out, row)
	}
	return out, rows.Err()
}

type txRepository struct {
	tx pgx.Tx
}

func (r *txRepository) FindByIdempotencyKey(ctx context.Context, companyID int64, key string) (int64, bool, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `SELECT id FROM ledger_entries WHERE company_id=$1 AND idempotency_key=$2`, companyID, key).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

func (r *txRepository) ActiveAccounts(ctx context.Context, companyID int64, codes []string) (map[string]bool, error) {
	rows, err := r.tx.Query(ctx, `SELECT code, is_active FROM accounts WHERE company_id=$1 AND code = ANY($2) FOR SHARE`, companyID, codes)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]bool, len(codes))
	for rows.Next() {
		var (
			code   string
			active bool
		)
		if err := rows.Scan(&code, &active); err != nil {
			return nil, err
		}
		out[code] = active
	}
	return out, rows.Err()
}

func (r *txRepository) InsertEntry(ctx context.Context, e Entry) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO ledger_entries (company_id, entry_date, description, source_type, source_id, idempotency_key, posted_at, reversed_of, auto_generated, created_by)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,NULLIF($10,0)) RETURNING id`,
		e.CompanyID, e.EntryDate, e.Description, e.SourceType, e.SourceID, e.IdempotencyKey, e.PostedAt, e.ReversedOf, e.AutoGenerated, e.CreatedBy).Scan(&id)
	switch {
	case db.IsUniqueViolation(err, "uq_ledger_entries_idempotency"):
		return 0, ErrIdempotencyConflict
	case db.IsUniqueViolation(err, "uq_ledger_entries_reversed_of"):
		return 0, ErrAlreadyReversed
	case err != nil:
		return 0, err
	}
	return id, nil
}

func (r *txRepository) InsertLines(ctx context.Context, companyID, entryID int64, lines []LineInput) error {
	batch := &pgx.Batch{}
	for _, l := range lines {
		batch.Queue(`INSERT INTO ledger_lines (entry_id, company_id, account_code, debit, credit, vat_code, vat_rate, vat_amount, amount_net)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`, entryID, companyID, l.AccountCode, l.Debit, l.Credit, l.VATCode, l.VATRate, l.VATAmount, l.AmountNet)
	}
	return r.tx.SendBatch(ctx, batch).Close()
}

func (r *txRepository) GetEntryWithLines(ctx context.Context, companyID, entryID int64) (Entry, error) {
	return getEntryWithLines(ctx, r.tx, companyID, entryID, true)
}

func (r *txRepository) FindReversal(ctx context.Context, companyID, entryID int64) (int64, bool, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `SELECT id FROM ledger_entries WHERE company_id=$1 AND reversed_of=$2`, companyID, entryID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}
