package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/odyssey-erp/swissbooks/internal/shared"
)

// AuditPort records ledger activity.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service posts and reverses balanced entries.
type Service struct {
	repo   Repository
	audit  AuditPort
	logger *slog.Logger
	now    func() time.Time
}

// NewService constructs the ledger service.
func NewService(repo Repository, audit AuditPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, audit: audit, logger: logger, now: time.Now}
}

// WithNow overrides the clock.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// CreateEntry validates and posts an entry atomically with its lines. A known
// idempotency key returns the existing entry ID, including when a concurrent
// caller wins the insert race.
func (s *Service) CreateEntry(ctx context.Context, tenant shared.Tenant, in CreateEntryInput) (int64, error) {
	if err := tenant.Validate(); err != nil {
		return 0, err
	}
	in.IdempotencyKey = strings.TrimSpace(in.IdempotencyKey)
	if err := in.Validate(); err != nil {
		return 0, err
	}
	var (
		entryID  int64
		replayed bool
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if in.IdempotencyKey != "" {
			id, ok, err := tx.FindByIdempotencyKey(ctx, tenant.CompanyID, in.IdempotencyKey)
			if err != nil {
				return err
			}
			if ok {
				entryID, replayed = id, true
				return nil
			}
		}
		if err := ensureAccounts(ctx, tx, tenant.CompanyID, in.accountCodes()); err != nil {
			return err
		}
		postedAt := s.now()
		entry := Entry{
			CompanyID:     tenant.CompanyID,
			EntryDate:     in.EntryDate,
			Description:   in.Description,
			SourceType:    in.SourceType,
			SourceID:      in.SourceID,
			PostedAt:      &postedAt,
			AutoGenerated: in.AutoGenerated,
			CreatedBy:     tenant.UserID,
		}
		if in.IdempotencyKey != "" {
			entry.IdempotencyKey = &in.IdempotencyKey
		}
		id, err := tx.InsertEntry(ctx, entry)
		if err != nil {
			return err
		}
		if err := tx.InsertLines(ctx, tenant.CompanyID, id, in.Lines); err != nil {
			return err
		}
		entryID = id
		return nil
	})
	if errors.Is(err, ErrIdempotencyConflict) {
		return s.replay(ctx, tenant, in.IdempotencyKey)
	}
	if err != nil {
		return 0, err
	}
	if replayed {
		s.logger.Debug("ledger idempotent replay",
			slog.Int64("company_id", tenant.CompanyID),
			slog.String("idempotency_key", in.IdempotencyKey),
			slog.Int64("entry_id", entryID))
		return entryID, nil
	}
	s.record(ctx, tenant, "ledger.post", entryID, map[string]any{
		"source_type": in.SourceType,
		"source_id":   in.SourceID,
		"lines":       len(in.Lines),
	})
	return entryID, nil
}

// replay resolves the loser of an idempotency race in a fresh transaction,
// since the failed insert aborted the original one.
func (s *Service) replay(ctx context.Context, tenant shared.Tenant, key string) (int64, error) {
	var entryID int64
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, ok, err := tx.FindByIdempotencyKey(ctx, tenant.CompanyID, key)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("ledger: idempotency key %q conflicted but no entry found", key)
		}
		entryID = id
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.logger.Debug("ledger idempotency race resolved as replay",
		slog.Int64("company_id", tenant.CompanyID),
		slog.String("idempotency_key", key),
		slog.Int64("entry_id", entryID))
	return entryID, nil
}

// EntryIDByKey returns the entry posted under an idempotency key.
func (s *Service) EntryIDByKey(ctx context.Context, tenant shared.Tenant, key string) (int64, bool, error) {
	if err := tenant.Validate(); err != nil {
		return 0, false, err
	}
	var (
		entryID int64
		found   bool
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		entryID, found, err = tx.FindByIdempotencyKey(ctx, tenant.CompanyID, strings.TrimSpace(key))
		return err
	})
	return entryID, found, err
}

func ensureAccounts(ctx context.Context, tx TxRepository, companyID int64, codes []string) error {
	active, err := tx.ActiveAccounts(ctx, companyID, codes)
	if err != nil {
		return err
	}
	for _, code := range codes {
		if !active[code] {
			return fmt.Errorf("%w: %s", ErrUnknownAccount, code)
		}
	}
	return nil
}

// ReverseEntry posts the mirror of an entry. Only one reversal may exist per
// entry; the reversed_of unique index backs the check under concurrency.
func (s *Service) ReverseEntry(ctx context.Context, tenant shared.Tenant, entryID int64) (int64, error) {
	if err := tenant.Validate(); err != nil {
		return 0, err
	}
	if entryID <= 0 {
		return 0, shared.Validationf("ledger: entry id required")
	}
	var reversalID int64
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		original, err := tx.GetEntryWithLines(ctx, tenant.CompanyID, entryID)
		if err != nil {
			return err
		}
		if original.PostedAt == nil {
			return shared.Invariantf("ledger: entry %d is not posted", entryID)
		}
		if _, exists, err := tx.FindReversal(ctx, tenant.CompanyID, entryID); err != nil {
			return err
		} else if exists {
			return ErrAlreadyReversed
		}
		lines := make([]LineInput, len(original.Lines))
		for i, l := range original.Lines {
			lines[i] = l.LineInput.Swap()
		}
		now := s.now()
		reversedOf := original.ID
		id, err := tx.InsertEntry(ctx, Entry{
			CompanyID:     tenant.CompanyID,
			EntryDate:     dateOnly(now),
			Description:   "Storno: " + original.Description,
			SourceType:    original.SourceType,
			SourceID:      original.SourceID,
			PostedAt:      &now,
			ReversedOf:    &reversedOf,
			AutoGenerated: original.AutoGenerated,
			CreatedBy:     tenant.UserID,
		})
		if err != nil {
			return err
		}
		if err := tx.InsertLines(ctx, tenant.CompanyID, id, lines); err != nil {
			return err
		}
		reversalID = id
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.record(ctx, tenant, "ledger.reverse", reversalID, map[string]any{"reversed_of": entryID})
	return reversalID, nil
}

// AccountHasEntries reports whether any line references the account.
func (s *Service) AccountHasEntries(ctx context.Context, tenant shared.Tenant, code string) (bool, error) {
	if err := tenant.Validate(); err != nil {
		return false, err
	}
	return s.repo.AccountHasEntries(ctx, tenant.CompanyID, code)
}

// GetEntry returns an entry with its lines.
func (s *Service) GetEntry(ctx context.Context, tenant shared.Tenant, entryID int64) (Entry, error) {
	if err := tenant.Validate(); err != nil {
		return Entry{}, err
	}
	return s.repo.GetEntry(ctx, tenant.CompanyID, entryID)
}

// ListEntries returns recent entries matching filter.
func (s *Service) ListEntries(ctx context.Context, tenant shared.Tenant, filter ListFilter) ([]Entry, error) {
	if err := tenant.Validate(); err != nil {
		return nil, err
	}
	return s.repo.ListEntries(ctx, tenant.CompanyID, filter)
}

// TrialBalance sums posted lines per account up to asOf.
func (s *Service) TrialBalance(ctx context.Context, tenant shared.Tenant, asOf time.Time) ([]BalanceRow, error) {
	if err := tenant.Validate(); err != nil {
		return nil, err
	}
	return s.repo.TrialBalance(ctx, tenant.CompanyID, asOf)
}

func (s *Service) record(ctx context.Context, tenant shared.Tenant, action string, entryID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, shared.AuditLog{
		CompanyID: tenant.CompanyID,
		ActorID:   tenant.UserID,
		Action:    action,
		Entity:    "ledger_entry",
		EntityID:  strconv.FormatInt(entryID, 10),
		Meta:      meta,
		At:        s.now(),
	}); err != nil {
		s.logger.Warn("ledger audit failed", slog.Int64("entry_id", entryID), slog.Any("error", err))
	}
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
