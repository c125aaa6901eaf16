package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/swissbooks/internal/shared"
)

// Service is the synchronous face of the outbox used by business modules and
// operators.
type Service struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewService constructs the outbox service.
func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger, now: time.Now}
}

// EnqueueDomainEvent stores an event outside any business transaction.
func (s *Service) EnqueueDomainEvent(ctx context.Context, tenant shared.Tenant, in NewEvent) (Event, error) {
	ev, err := Build(tenant, in, s.now())
	if err != nil {
		return Event{}, err
	}
	if err := s.store.Insert(ctx, ev); err != nil {
		return Event{}, err
	}
	s.logger.Debug("outbox event enqueued",
		slog.String("event_id", ev.ID.String()),
		slog.Int64("company_id", ev.CompanyID),
		slog.String("event_type", ev.EventType))
	return ev, nil
}

// EnqueueTx stores an event inside the caller's transaction so it commits or
// rolls back with the business write.
func (s *Service) EnqueueTx(ctx context.Context, tx Execer, tenant shared.Tenant, in NewEvent) (Event, error) {
	ev, err := Build(tenant, in, s.now())
	if err != nil {
		return Event{}, err
	}
	if err := InsertTx(ctx, tx, ev); err != nil {
		return Event{}, err
	}
	return ev, nil
}

// Get returns one event.
func (s *Service) Get(ctx context.Context, tenant shared.Tenant, id uuid.UUID) (Event, error) {
	if err := tenant.Validate(); err != nil {
		return Event{}, err
	}
	return s.store.Get(ctx, tenant.CompanyID, id)
}

// Requeue gives a failed event a fresh retry budget.
func (s *Service) Requeue(ctx context.Context, tenant shared.Tenant, id uuid.UUID) error {
	if err := tenant.Validate(); err != nil {
		return err
	}
	if err := s.store.Requeue(ctx, tenant.CompanyID, id, s.now()); err != nil {
		return err
	}
	s.logger.Info("outbox event requeued",
		slog.String("event_id", id.String()),
		slog.Int64("company_id", tenant.CompanyID),
		slog.Int64("user_id", tenant.UserID))
	return nil
}

// ListFailed returns events that exhausted their retries.
func (s *Service) ListFailed(ctx context.Context, tenant shared.Tenant, limit int) ([]Event, error) {
	if err := tenant.Validate(); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.store.ListFailed(ctx, tenant.CompanyID, limit)
}

// Lag reports the unposted backlog of the tenant.
func (s *Service) Lag(ctx context.Context, tenant shared.Tenant) (Lag, error) {
	if err := tenant.Validate(); err != nil {
		return Lag{}, err
	}
	return s.store.Lag(ctx, tenant.CompanyID, s.now())
}
