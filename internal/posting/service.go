package posting

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/odyssey-erp/swissbooks/internal/platform/cache"
	"github.com/odyssey-erp/swissbooks/internal/shared"
)

// Service manages tenant posting rules and serves them, cached, to the Engine.
type Service struct {
	repo   Repository
	cache  *cache.Versioned
	logger *slog.Logger
}

// NewService constructs the rule service. A nil cache reads through to the repository.
func NewService(repo Repository, rulesCache *cache.Versioned, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, cache: rulesCache, logger: logger}
}

func scope(companyID int64) string {
	return strconv.FormatInt(companyID, 10)
}

// ActiveRules implements RuleSource with a versioned Redis cache.
func (s *Service) ActiveRules(ctx context.Context, companyID int64, eventType string) ([]Rule, error) {
	if s.cache == nil {
		return s.repo.ActiveRules(ctx, companyID, eventType)
	}
	key, err := s.cache.BuildKey(ctx, scope(companyID), "active", eventType)
	if err != nil {
		s.logger.Warn("rule cache unavailable", slog.Any("error", err))
		return s.repo.ActiveRules(ctx, companyID, eventType)
	}
	var (
		rules   []Rule
		loadErr error
	)
	err = s.cache.FetchJSON(ctx, key, &rules, func(ctx context.Context) (any, error) {
		loaded, err := s.repo.ActiveRules(ctx, companyID, eventType)
		loadErr = err
		return loaded, err
	})
	if loadErr != nil {
		return nil, loadErr
	}
	if err != nil {
		s.logger.Warn("rule cache read failed", slog.Int64("company_id", companyID), slog.Any("error", err))
		return s.repo.ActiveRules(ctx, companyID, eventType)
	}
	return rules, nil
}

// ListRules returns all rules of the tenant, optionally filtered by event type.
func (s *Service) ListRules(ctx context.Context, tenant shared.Tenant, eventType string) ([]Rule, error) {
	if err := tenant.Validate(); err != nil {
		return nil, err
	}
	return s.repo.List(ctx, tenant.CompanyID, eventType)
}

// SaveRule validates and upserts a rule keyed by event, side and account.
func (s *Service) SaveRule(ctx context.Context, tenant shared.Tenant, rule Rule) (Rule, error) {
	if err := tenant.Validate(); err != nil {
		return Rule{}, err
	}
	rule.CompanyID = tenant.CompanyID
	if err := rule.Validate(); err != nil {
		return Rule{}, err
	}
	saved, err := s.repo.Upsert(ctx, rule)
	if err != nil {
		return Rule{}, err
	}
	s.invalidate(ctx, tenant.CompanyID)
	return saved, nil
}

// SeedDefaults installs DefaultRules for the tenant.
func (s *Service) SeedDefaults(ctx context.Context, tenant shared.Tenant) (int, error) {
	if err := tenant.Validate(); err != nil {
		return 0, err
	}
	n := 0
	for _, rule := range DefaultRules() {
		rule.CompanyID = tenant.CompanyID
		if err := rule.Validate(); err != nil {
			return n, err
		}
		if _, err := s.repo.Upsert(ctx, rule); err != nil {
			return n, err
		}
		n++
	}
	s.invalidate(ctx, tenant.CompanyID)
	return n, nil
}

// DeactivateRule disables a rule without deleting it.
func (s *Service) DeactivateRule(ctx context.Context, tenant shared.Tenant, ruleID int64) error {
	if err := tenant.Validate(); err != nil {
		return err
	}
	if err := s.repo.SetActive(ctx, tenant.CompanyID, ruleID, false); err != nil {
		return err
	}
	s.invalidate(ctx, tenant.CompanyID)
	return nil
}

func (s *Service) invalidate(ctx context.Context, companyID int64) {
	if err := s.cache.Bump(ctx, scope(companyID)); err != nil {
		s.logger.Warn("rule cache bump failed", slog.Int64("company_id", companyID), slog.Any("error", err))
	}
}
