package integration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/odyssey-erp/swissbooks/internal/accounting/ledger"
	jobmetrics "github.com/odyssey-erp/swissbooks/internal/jobs"
	"github.com/odyssey-erp/swissbooks/internal/outbox"
	"github.com/odyssey-erp/swissbooks/internal/posting"
	"github.com/odyssey-erp/swissbooks/internal/shared"
)

// Resolver turns an event into ledger lines.
type Resolver interface {
	Resolve(ctx context.Context, tenant shared.Tenant, ev posting.Event) ([]ledger.LineInput, error)
}

// Ledger exposes the posting operations required by the bridge.
type Ledger interface {
	CreateEntry(ctx context.Context, tenant shared.Tenant, in ledger.CreateEntryInput) (int64, error)
	ReverseEntry(ctx context.Context, tenant shared.Tenant, entryID int64) (int64, error)
	EntryIDByKey(ctx context.Context, tenant shared.Tenant, key string) (int64, bool, error)
}

// ErrSupersededMissing is returned while the posting an event replaces has
// not been written yet. The outbox retries until it appears.
var ErrSupersededMissing = errors.New("integration: superseded posting not found yet")

// AuditPort records payroll posting trails.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Poster is the outbox handler wiring domain events into the ledger.
type Poster struct {
	resolver Resolver
	ledger   Ledger
	audit    AuditPort
	metrics  *jobmetrics.Metrics
	logger   *slog.Logger
}

// NewPoster constructs the bridge.
func NewPoster(resolver Resolver, ledgerSvc Ledger, audit AuditPort, logger *slog.Logger) *Poster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poster{resolver: resolver, ledger: ledgerSvc, audit: audit, logger: logger}
}

// WithMetrics reports empty postings through m.
func (p *Poster) WithMetrics(m *jobmetrics.Metrics) *Poster {
	p.metrics = m
	return p
}

var _ outbox.EventHandler = (*Poster)(nil)

// Handle resolves and posts one event under the system identity of its
// company. The ledger idempotency key makes replays after a crash a no-op.
func (p *Poster) Handle(ctx context.Context, ev outbox.Event) error {
	if p == nil || p.resolver == nil || p.ledger == nil {
		return errors.New("integration: poster not configured")
	}
	tenant := shared.SystemTenant(ev.CompanyID)
	pev := posting.Event{
		EventType:  ev.EventType,
		SourceType: ev.SourceType,
		SourceID:   ev.SourceID,
		OccurredOn: ev.CreatedAt,
		Payload:    ev.Payload,
	}
	if key := posting.Supersedes(ev.Payload); key != "" {
		if err := p.reverseSuperseded(ctx, tenant, key); err != nil {
			return err
		}
	}
	if ev.EventType == posting.EventPayrunCanceled {
		return nil
	}
	lines, err := p.resolver.Resolve(ctx, tenant, pev)
	if err != nil {
		return err
	}
	if len(lines) == 0 {
		p.metrics.EmptyPosting(ev.EventType)
		p.logger.Warn("event resolved to no ledger lines, check posting rule formulas",
			slog.Int64("company_id", ev.CompanyID),
			slog.String("event_type", ev.EventType),
			slog.String("source_id", ev.SourceID))
		return nil
	}
	entryID, err := p.ledger.CreateEntry(ctx, tenant, pev.EntryInput(lines))
	if err != nil {
		return err
	}
	if strings.HasPrefix(ev.EventType, "payrun.") {
		p.recordPayroll(ctx, ev, entryID)
	}
	return nil
}

// reverseSuperseded stornos the earlier posting of a corrected business
// object. A reversal that already exists counts as done so retries converge.
func (p *Poster) reverseSuperseded(ctx context.Context, tenant shared.Tenant, key string) error {
	entryID, found, err := p.ledger.EntryIDByKey(ctx, tenant, key)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrSupersededMissing, key)
	}
	reversalID, err := p.ledger.ReverseEntry(ctx, tenant, entryID)
	if errors.Is(err, ledger.ErrAlreadyReversed) {
		return nil
	}
	if err != nil {
		return err
	}
	p.logger.Info("superseded posting reversed",
		slog.Int64("company_id", tenant.CompanyID),
		slog.String("idempotency_key", key),
		slog.Int64("entry_id", entryID),
		slog.Int64("reversal_id", reversalID))
	return nil
}

func (p *Poster) recordPayroll(ctx context.Context, ev outbox.Event, entryID int64) {
	if p.audit == nil {
		return
	}
	err := p.audit.Record(ctx, shared.AuditLog{
		CompanyID: ev.CompanyID,
		Action:    "payrun.ledger_posted",
		Entity:    "payrun",
		EntityID:  ev.SourceID,
		Meta: map[string]any{
			"event_type":     ev.EventType,
			"event_id":       ev.ID.String(),
			"ledger_entry":   strconv.FormatInt(entryID, 10),
			"idempotency_id": ev.SourceType + ":" + ev.SourceID,
		},
	})
	if err != nil {
		p.logger.Warn("payroll posting audit failed", slog.String("payrun_id", ev.SourceID), slog.Any("error", err))
	}
}
