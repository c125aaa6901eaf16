package accounts

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/swissbooks/internal/platform/db"
)

// Repository persists chart of accounts nodes.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	List(ctx context.Context, companyID int64) ([]Account, error)
}

// TxRepository exposes operations available within a transaction.
type TxRepository interface {
	ListForUpdate(ctx context.Context, companyID int64) ([]Account, error)
	Insert(ctx context.Context, companyID int64, a Account) (Account, error)
	Update(ctx context.Context, companyID int64, a Account) error
	Delete(ctx context.Context, companyID int64, code string) error
}

type repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs the pgx backed repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &repository{pool: pool}
}

const accountColumns = `id, company_id, code, name, nature, parent_code, level, is_active, is_system, created_at, updated_at`

func scanAccounts(rows pgx.Rows) ([]Account, error) {
	defer rows.Close()
	var accounts []Account
	for rows.Next() {
		var a Account
		if err := rows.Scan(&a.ID, &a.CompanyID, &a.Code, &a.Name, &a.Nature, &a.ParentCode, &a.Level, &a.IsActive, &a.IsSystem, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func (r *repository) List(ctx context.Context, companyID int64) ([]Account, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+accountColumns+` FROM accounts WHERE company_id=$1 ORDER BY code`, companyID)
	if err != nil {
		return nil, err
	}
	return scanAccounts(rows)
}

func (r *repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil || r.pool == nil {
		return errors.New("accounts repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

type txRepository struct {
	tx pgx.Tx
}

// ListForUpdate locks the tenant chart so concurrent hierarchy edits serialize.
func (r *txRepository) ListForUpdate(ctx context.Context, companyID int64) ([]Account, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+accountColumns+` FROM accounts WHERE company_id=$1 ORDER BY code FOR UPDATE`, companyID)
	if err != nil {
		return nil, err
	}
	return scanAccounts(rows)
}

func (r *txRepository) Insert(ctx context.Context, companyID int64, a Account) (Account, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO accounts (company_id, code, name, nature, parent_code, level, is_active, is_system)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8) RETURNING id, created_at, updated_at`,
		companyID, a.Code, a.Name, a.Nature, a.ParentCode, a.Level, a.IsActive, a.IsSystem).
		Scan(&a.ID, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if db.IsUniqueViolation(err, "uq_accounts_code") {
			return Account{}, ErrDuplicateCode
		}
		return Account{}, err
	}
	a.CompanyID = companyID
	return a, nil
}

func (r *txRepository) Update(ctx context.Context, companyID int64, a Account) error {
	cmd, err := r.tx.Exec(ctx, `UPDATE accounts SET name=$3, nature=$4, parent_code=$5, level=$6, is_active=$7, updated_at=NOW()
WHERE company_id=$1 AND code=$2`, companyID, a.Code, a.Name, a.Nature, a.ParentCode, a.Level, a.IsActive)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (r *txRepository) Delete(ctx context.Context, companyID int64, code string) error {
	cmd, err := r.tx.Exec(ctx, `DELETE FROM accounts WHERE company_id=$1 AND code=$2`, companyID, code)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}
