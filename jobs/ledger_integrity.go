package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/swissbooks/internal/accounting/ledger"
	jobmetrics "github.com/odyssey-erp/swissbooks/internal/jobs"
	"github.com/odyssey-erp/swissbooks/internal/shared"
)

// ErrLedgerOutOfBalance is returned when a company's postings do not balance.
var ErrLedgerOutOfBalance = errors.New("ledger integrity: out of balance")

// TrialBalancer returns per-account sums for a company.
type TrialBalancer interface {
	TrialBalance(ctx context.Context, tenant shared.Tenant, asOf time.Time) ([]ledger.BalanceRow, error)
}

// IntegrityStore lists companies to check and entries whose own lines differ.
type IntegrityStore interface {
	Companies(ctx context.Context) ([]int64, error)
	UnbalancedEntries(ctx context.Context, companyID int64, limit int) ([]int64, error)
}

// LedgerIntegrityJob verifies that debits equal credits for every company,
// both in total and per entry.
type LedgerIntegrityJob struct {
	Ledger  TrialBalancer
	Store   IntegrityStore
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewLedgerIntegrityJob constructs the job.
func NewLedgerIntegrityJob(ledgerSvc TrialBalancer, store IntegrityStore, logger *slog.Logger, metrics *jobmetrics.Metrics) *LedgerIntegrityJob {
	return &LedgerIntegrityJob{Ledger: ledgerSvc, Store: store, Logger: logger, Metrics: metrics}
}

// Handle runs the check.
func (j *LedgerIntegrityJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	tracker := j.metrics().Track(TaskLedgerIntegrity)
	defer func() {
		tracker.End(resultErr)
	}()

	var payload LedgerIntegrityPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			resultErr = fmt.Errorf("decode payload: %w", asynq.SkipRetry)
			return resultErr
		}
	}
	asOf := j.now()
	if payload.AsOf != "" {
		parsed, err := time.Parse(dateLayout, payload.AsOf)
		if err != nil {
			resultErr = fmt.Errorf("as_of: %v: %w", err, asynq.SkipRetry)
			return resultErr
		}
		asOf = parsed
	}
	if j.Ledger == nil || j.Store == nil {
		resultErr = errors.New("ledger integrity: not configured")
		return resultErr
	}

	companies := []int64{payload.CompanyID}
	if payload.CompanyID <= 0 {
		var err error
		if companies, err = j.Store.Companies(ctx); err != nil {
			resultErr = err
			return resultErr
		}
	}

	logger := j.logger()
	broken := 0
	for _, companyID := range companies {
		ok, err := j.checkCompany(ctx, companyID, asOf)
		if err != nil {
			resultErr = err
			logger.Error("integrity check", slog.Int64("company_id", companyID), slog.Any("error", err))
			return resultErr
		}
		if !ok {
			broken++
		}
	}
	logger.Info("ledger integrity checked", slog.Int("companies", len(companies)), slog.Int("out_of_balance", broken))
	if broken > 0 {
		// Retrying cannot repair the data.
		resultErr = fmt.Errorf("%w: %d companies: %w", ErrLedgerOutOfBalance, broken, asynq.SkipRetry)
	}
	return resultErr
}

func (j *LedgerIntegrityJob) checkCompany(ctx context.Context, companyID int64, asOf time.Time) (bool, error) {
	rows, err := j.Ledger.TrialBalance(ctx, shared.SystemTenant(companyID), asOf)
	if err != nil {
		return false, err
	}
	debit, credit := decimal.Zero, decimal.Zero
	for _, row := range rows {
		debit = debit.Add(row.Debit)
		credit = credit.Add(row.Credit)
	}
	entries, err := j.Store.UnbalancedEntries(ctx, companyID, 20)
	if err != nil {
		return false, err
	}
	if debit.Equal(credit) && len(entries) == 0 {
		return true, nil
	}
	j.logger().Error("ledger out of balance",
		slog.Int64("company_id", companyID),
		slog.String("debit", debit.StringFixed(2)),
		slog.String("credit", credit.StringFixed(2)),
		slog.Any("entry_ids", entries))
	return false, nil
}

func (j *LedgerIntegrityJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskLedgerIntegrity))
	}
	return slog.Default().With(slog.String("job", TaskLedgerIntegrity))
}

func (j *LedgerIntegrityJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *LedgerIntegrityJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}

// PoolIntegrityStore reads integrity inputs straight from Postgres.
type PoolIntegrityStore struct {
	Pool *pgxpool.Pool
}

// Companies lists every company with posted entries.
func (s PoolIntegrityStore) Companies(ctx context.Context) ([]int64, error) {
	if s.Pool == nil {
		return nil, errors.New("ledger integrity: pool not configured")
	}
	rows, err := s.Pool.Query(ctx, `SELECT DISTINCT company_id FROM ledger_entries WHERE posted_at IS NOT NULL ORDER BY company_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// UnbalancedEntries returns up to limit entry ids whose lines do not balance.
func (s PoolIntegrityStore) UnbalancedEntries(ctx context.Context, companyID int64, limit int) ([]int64, error) {
	if s.Pool == nil {
		return nil, errors.New("ledger integrity: pool not configured")
	}
	rows, err := s.Pool.Query(ctx, `SELECT entry_id FROM ledger_lines
WHERE company_id = $1
GROUP BY entry_id
HAVING SUM(debit) <> SUM(credit)
ORDER BY entry_id
LIMIT $2`, companyID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
