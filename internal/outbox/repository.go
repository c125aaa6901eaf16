package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/swissbooks/internal/shared"
)

var (
	// ErrEventNotFound indicates the event id is unknown for the tenant.
	ErrEventNotFound = shared.NewKind(shared.ErrNotFound, "outbox: event not found")
	// ErrNotRequeueable is returned when requeueing an event that has not failed.
	ErrNotRequeueable = shared.NewKind(shared.ErrValidation, "outbox: only failed events can be requeued")
	// ErrLeaseLost is returned by write-backs whose claim is no longer held:
	// the lease expired and another worker reclaimed the event.
	ErrLeaseLost = shared.NewKind(shared.ErrConflict, "outbox: claim lease lost")
)

// Execer is satisfied by pgx.Tx and *pgxpool.Pool so events can be enqueued in
// the caller's transaction.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store is the persistence contract of the outbox.
type Store interface {
	Insert(ctx context.Context, ev Event) error
	Claim(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]Event, error)
	// MarkDone and MarkFailed only apply while ev.ClaimID still holds the
	// event; otherwise they return ErrLeaseLost.
	MarkDone(ctx context.Context, ev Event) error
	MarkFailed(ctx context.Context, ev Event) error
	Requeue(ctx context.Context, companyID int64, id uuid.UUID, now time.Time) error
	Get(ctx context.Context, companyID int64, id uuid.UUID) (Event, error)
	ListFailed(ctx context.Context, companyID int64, limit int) ([]Event, error)
	Lag(ctx context.Context, companyID int64, now time.Time) (Lag, error)
}

// InsertTx writes ev using the caller's transaction. Re-enqueueing an event
// with the same deterministic id is ignored.
func InsertTx(ctx context.Context, tx Execer, ev Event) error {
	_, err := tx.Exec(ctx, `INSERT INTO outbox_events (id, company_id, event_type, source_type, source_id, payload, status, next_run_at, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$9)
ON CONFLICT (id) DO NOTHING`,
		ev.ID, ev.CompanyID, ev.EventType, ev.SourceType, ev.SourceID, []byte(ev.Payload), ev.Status, ev.NextRunAt, ev.CreatedAt)
	return err
}

type repository struct {
	pool *pgxpool.Pool
}

// NewRepository builds the pgx outbox store.
func NewRepository(pool *pgxpool.Pool) Store {
	return &repository{pool: pool}
}

const eventColumns = `id, company_id, event_type, source_type, source_id, payload, status, retry_count, next_run_at, claimed_until, claim_id, processed_at, error_message, created_at`

func scanEvents(rows pgx.Rows) ([]Event, error) {
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var (
			ev      Event
			payload []byte
		)
		if err := rows.Scan(&ev.ID, &ev.CompanyID, &ev.EventType, &ev.SourceType, &ev.SourceID, &payload, &ev.Status,
			&ev.RetryCount, &ev.NextRunAt, &ev.ClaimedUntil, &ev.ClaimID, &ev.ProcessedAt, &ev.ErrorMessage, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.Payload = payload
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (r *repository) Insert(ctx context.Context, ev Event) error {
	return InsertTx(ctx, r.pool, ev)
}

// Claim atomically moves due events to processing under a fresh claim token.
// Rows locked by another worker are skipped; expired leases from crashed or
// stalled workers are reclaimed.
func (r *repository) Claim(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]Event, error) {
	rows, err := r.pool.Query(ctx, `UPDATE outbox_events SET status='processing', claimed_until=$2, claim_id=$4, updated_at=NOW()
WHERE id IN (
    SELECT id FROM outbox_events
    WHERE processed_at IS NULL
      AND ((status='pending' AND next_run_at <= $1) OR (status='processing' AND claimed_until < $1))
    ORDER BY next_run_at
    LIMIT $3
    FOR UPDATE SKIP LOCKED
)
RETURNING `+eventColumns, now, now.Add(lease), limit, uuid.New())
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

func (r *repository) MarkDone(ctx context.Context, ev Event) error {
	cmd, err := r.pool.Exec(ctx, `UPDATE outbox_events SET status='done', processed_at=$2, claimed_until=NULL, claim_id=NULL, error_message='', updated_at=NOW()
WHERE id=$1 AND processed_at IS NULL AND status='processing' AND claim_id=$3`, ev.ID, ev.ProcessedAt, ev.ClaimID)
	return leaseResult(cmd, err)
}

func (r *repository) MarkFailed(ctx context.Context, ev Event) error {
	cmd, err := r.pool.Exec(ctx, `UPDATE outbox_events SET status=$2, retry_count=$3, next_run_at=$4, error_message=$5, claimed_until=NULL, claim_id=NULL, updated_at=NOW()
WHERE id=$1 AND processed_at IS NULL AND status='processing' AND claim_id=$6`, ev.ID, ev.Status, ev.RetryCount, ev.NextRunAt, ev.ErrorMessage, ev.ClaimID)
	return leaseResult(cmd, err)
}

func leaseResult(cmd pgconn.CommandTag, err error) error {
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (r *repository) Requeue(ctx context.Context, companyID int64, id uuid.UUID, now time.Time) error {
	cmd, err := r.pool.Exec(ctx, `UPDATE outbox_events SET status='pending', retry_count=0, next_run_at=$3, claim_id=NULL, updated_at=NOW()
WHERE company_id=$1 AND id=$2 AND status='failed'`, companyID, id, now)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		if _, err := r.Get(ctx, companyID, id); err != nil {
			return err
		}
		return ErrNotRequeueable
	}
	return nil
}

func (r *repository) Get(ctx context.Context, companyID int64, id uuid.UUID) (Event, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+eventColumns+` FROM outbox_events WHERE company_id=$1 AND id=$2`, companyID, id)
	if err != nil {
		return Event{}, err
	}
	events, err := scanEvents(rows)
	if err != nil {
		return Event{}, err
	}
	if len(events) == 0 {
		return Event{}, ErrEventNotFound
	}
	return events[0], nil
}

func (r *repository) ListFailed(ctx context.Context, companyID int64, limit int) ([]Event, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+eventColumns+` FROM outbox_events
WHERE company_id=$1 AND status='failed' ORDER BY created_at LIMIT $2`, companyID, limit)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

func (r *repository) Lag(ctx context.Context, companyID int64, now time.Time) (Lag, error) {
	var (
		lag    Lag
		oldest *time.Time
	)
	err := r.pool.QueryRow(ctx, `SELECT
    COUNT(*) FILTER (WHERE status='pending'),
    COUNT(*) FILTER (WHERE status='processing'),
    COUNT(*) FILTER (WHERE status='failed'),
    MIN(created_at) FILTER (WHERE processed_at IS NULL)
FROM outbox_events WHERE company_id=$1`, companyID).Scan(&lag.Pending, &lag.Processing, &lag.Failed, &oldest)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return Lag{}, err
	}
	if oldest != nil {
		lag.OldestPendingAge = now.Sub(*oldest)
	}
	return lag, nil
}
