package accounts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/odyssey-erp/swissbooks/internal/shared"
)

// EntryChecker reports whether ledger entries reference an account.
type EntryChecker interface {
	AccountHasEntries(ctx context.Context, tenant shared.Tenant, code string) (bool, error)
}

// AuditPort records chart changes.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service manages the chart of accounts.
type Service struct {
	repo    Repository
	entries EntryChecker
	audit   AuditPort
	logger  *slog.Logger
	now     func() time.Time
}

// NewService wires the chart of accounts service.
func NewService(repo Repository, entries EntryChecker, audit AuditPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, entries: entries, audit: audit, logger: logger, now: time.Now}
}

// List returns all accounts of the tenant ordered by code.
func (s *Service) List(ctx context.Context, tenant shared.Tenant) ([]Account, error) {
	if err := tenant.Validate(); err != nil {
		return nil, err
	}
	return s.repo.List(ctx, tenant.CompanyID)
}

// Tree loads the tenant chart as a validated hierarchy.
func (s *Service) Tree(ctx context.Context, tenant shared.Tenant) (*Tree, error) {
	accounts, err := s.List(ctx, tenant)
	if err != nil {
		return nil, err
	}
	return BuildTree(accounts)
}

// Get returns a single account.
func (s *Service) Get(ctx context.Context, tenant shared.Tenant, code string) (Account, error) {
	tree, err := s.Tree(ctx, tenant)
	if err != nil {
		return Account{}, err
	}
	a, ok := tree.Get(code)
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return a, nil
}

// Create inserts a single account below an optional parent.
func (s *Service) Create(ctx context.Context, tenant shared.Tenant, in CreateInput) (Account, error) {
	if err := tenant.Validate(); err != nil {
		return Account{}, err
	}
	if err := in.Validate(); err != nil {
		return Account{}, err
	}
	var created Account
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.ListForUpdate(ctx, tenant.CompanyID)
		if err != nil {
			return err
		}
		tree, err := BuildTree(current)
		if err != nil {
			return err
		}
		created, err = insertChecked(ctx, tx, tree, tenant.CompanyID, in)
		return err
	})
	if err != nil {
		return Account{}, err
	}
	s.record(ctx, tenant, "account.create", created.Code, map[string]any{"nature": created.Nature})
	return created, nil
}

// CreateFromTemplate seeds the chart from a template. Codes that already
// exist are skipped so seeding can be repeated.
func (s *Service) CreateFromTemplate(ctx context.Context, tenant shared.Tenant, template []CreateInput) (int, error) {
	if err := tenant.Validate(); err != nil {
		return 0, err
	}
	for _, in := range template {
		if err := in.Validate(); err != nil {
			return 0, err
		}
	}
	inserted := 0
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.ListForUpdate(ctx, tenant.CompanyID)
		if err != nil {
			return err
		}
		for _, in := range template {
			tree, err := BuildTree(current)
			if err != nil {
				return err
			}
			if _, exists := tree.Get(in.Code); exists {
				continue
			}
			a, err := insertChecked(ctx, tx, tree, tenant.CompanyID, in)
			if err != nil {
				return fmt.Errorf("template account %s: %w", in.Code, err)
			}
			current = append(current, a)
			inserted++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.logger.Info("chart of accounts seeded", slog.Int64("company_id", tenant.CompanyID), slog.Int("inserted", inserted))
	return inserted, nil
}

func insertChecked(ctx context.Context, tx TxRepository, tree *Tree, companyID int64, in CreateInput) (Account, error) {
	if _, exists := tree.Get(in.Code); exists {
		return Account{}, ErrDuplicateCode
	}
	parent := strings.TrimSpace(in.ParentCode)
	level, err := tree.LevelFor(parent)
	if err != nil {
		return Account{}, err
	}
	a := Account{
		Code:     strings.TrimSpace(in.Code),
		Name:     strings.TrimSpace(in.Name),
		Nature:   in.Nature,
		Level:    level,
		IsActive: true,
		IsSystem: in.IsSystem,
	}
	if parent != "" {
		a.ParentCode = &parent
	}
	return tx.Insert(ctx, companyID, a)
}

// Update changes name, nature or parent. The nature is locked once entries
// reference the account, and re-parenting must keep the hierarchy acyclic.
func (s *Service) Update(ctx context.Context, tenant shared.Tenant, in UpdateInput) (Account, error) {
	if err := tenant.Validate(); err != nil {
		return Account{}, err
	}
	if in.Nature != nil && !in.Nature.Valid() {
		return Account{}, shared.Validationf("accounts: unknown nature %q", *in.Nature)
	}
	var updated Account
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.ListForUpdate(ctx, tenant.CompanyID)
		if err != nil {
			return err
		}
		tree, err := BuildTree(current)
		if err != nil {
			return err
		}
		a, ok := tree.Get(in.Code)
		if !ok {
			return ErrAccountNotFound
		}
		if in.Name != nil {
			name := strings.TrimSpace(*in.Name)
			if name == "" {
				return shared.Validationf("accounts: name required for %s", in.Code)
			}
			a.Name = name
		}
		if in.Nature != nil && *in.Nature != a.Nature {
			used, err := s.hasEntries(ctx, tenant, a.Code)
			if err != nil {
				return err
			}
			if used {
				return ErrNatureLocked
			}
			a.Nature = *in.Nature
		}
		if in.ParentCode != nil {
			parent := strings.TrimSpace(*in.ParentCode)
			if tree.WouldCycle(a.Code, parent) {
				return ErrCycle
			}
			if _, err := tree.LevelFor(parent); err != nil {
				return err
			}
			a.ParentCode = nil
			if parent != "" {
				a.ParentCode = &parent
			}
		}
		next := make([]Account, len(current))
		for i, acc := range current {
			next[i] = acc
			if acc.Code == a.Code {
				next[i] = a
			}
		}
		relevelled, err := BuildTree(next)
		if err != nil {
			return err
		}
		a, _ = relevelled.Get(a.Code)
		var cascade []Account
		relevelled.Walk(func(acc Account) {
			if acc.Code == a.Code {
				return
			}
			if old, ok := tree.Get(acc.Code); ok && old.Level != acc.Level {
				cascade = append(cascade, acc)
			}
		})
		for _, acc := range cascade {
			if err := tx.Update(ctx, tenant.CompanyID, acc); err != nil {
				return err
			}
		}
		if err := tx.Update(ctx, tenant.CompanyID, a); err != nil {
			return err
		}
		updated = a
		return nil
	})
	if err != nil {
		return Account{}, err
	}
	s.record(ctx, tenant, "account.update", updated.Code, nil)
	return updated, nil
}

// Deactivate soft-disables an account. It stays in the chart so historic
// entries keep resolving.
func (s *Service) Deactivate(ctx context.Context, tenant shared.Tenant, code string) error {
	if err := tenant.Validate(); err != nil {
		return err
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.ListForUpdate(ctx, tenant.CompanyID)
		if err != nil {
			return err
		}
		tree, err := BuildTree(current)
		if err != nil {
			return err
		}
		a, ok := tree.Get(code)
		if !ok {
			return ErrAccountNotFound
		}
		if a.IsSystem {
			return ErrSystemAccount
		}
		a.IsActive = false
		return tx.Update(ctx, tenant.CompanyID, a)
	})
	if err != nil {
		return err
	}
	s.record(ctx, tenant, "account.deactivate", code, nil)
	return nil
}

// Delete removes an account that has never been used. Accounts with entries
// or children, and system accounts, must be deactivated instead.
func (s *Service) Delete(ctx context.Context, tenant shared.Tenant, code string) error {
	if err := tenant.Validate(); err != nil {
		return err
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.ListForUpdate(ctx, tenant.CompanyID)
		if err != nil {
			return err
		}
		tree, err := BuildTree(current)
		if err != nil {
			return err
		}
		a, ok := tree.Get(code)
		if !ok {
			return ErrAccountNotFound
		}
		if a.IsSystem {
			return ErrSystemAccount
		}
		if len(tree.Children(code)) > 0 {
			return ErrAccountInUse
		}
		used, err := s.hasEntries(ctx, tenant, code)
		if err != nil {
			return err
		}
		if used {
			return ErrAccountInUse
		}
		return tx.Delete(ctx, tenant.CompanyID, code)
	})
	if err != nil {
		return err
	}
	s.record(ctx, tenant, "account.delete", code, nil)
	return nil
}

func (s *Service) hasEntries(ctx context.Context, tenant shared.Tenant, code string) (bool, error) {
	if s.entries == nil {
		return false, errors.New("accounts: entry checker not configured")
	}
	return s.entries.AccountHasEntries(ctx, tenant, code)
}

func (s *Service) record(ctx context.Context, tenant shared.Tenant, action, code string, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, shared.AuditLog{
		CompanyID: tenant.CompanyID,
		ActorID:   tenant.UserID,
		Action:    action,
		Entity:    "account",
		EntityID:  code,
		Meta:      meta,
		At:        s.now(),
	}); err != nil {
		s.logger.Warn("account audit failed", slog.String("code", code), slog.Any("error", err))
	}
}
