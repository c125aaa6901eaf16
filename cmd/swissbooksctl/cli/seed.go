package cli

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/swissbooks/internal/app"
	"github.com/odyssey-erp/swissbooks/internal/payroll"
	"github.com/odyssey-erp/swissbooks/internal/platform/cache"
	"github.com/odyssey-erp/swissbooks/internal/platform/db"
	"github.com/odyssey-erp/swissbooks/internal/posting"
	"github.com/odyssey-erp/swissbooks/internal/shared"
)

// Provisioner prepares a database and tenant defaults.
type Provisioner interface {
	Migrate(ctx context.Context) error
	SeedRules(ctx context.Context, companyID int64) (int, error)
	SeedRateTables(ctx context.Context, companyID int64, year int) error
	Close()
}

type poolProvisioner struct {
	pool    *pgxpool.Pool
	posting *posting.Service
	payroll *payroll.Service
	closers []func()
}

// NewPoolProvisioner connects to Postgres and Redis using cfg.
func NewPoolProvisioner(ctx context.Context, cfg *app.Config, logger *slog.Logger) (Provisioner, error) {
	pool, err := db.New(ctx, cfg.PGDSN, db.WithApplicationName("swissbooksctl"), db.WithMaxConns(2))
	if err != nil {
		return nil, err
	}
	p := &poolProvisioner{pool: pool, closers: []func(){pool.Close}}

	var rules *cache.Versioned
	if redisClient, err := cache.New(ctx, cfg.RedisAddr); err != nil {
		// Without Redis the rule cache is bypassed; running APIs keep their
		// cached rules until RULE_CACHE_TTL expires.
		logger.Warn("redis unavailable, rule cache not invalidated", slog.Any("error", err))
	} else {
		rules = cache.NewVersioned(redisClient, "swissbooks:rules", cfg.RuleCacheTTL)
		p.closers = append(p.closers, func() { _ = redisClient.Close() })
	}
	p.posting = posting.NewService(posting.NewRepository(pool), rules, logger)
	p.payroll = payroll.NewService(payroll.NewRepository(pool), shared.NewAuditLogger(pool), logger)
	return p, nil
}

func (p *poolProvisioner) Migrate(ctx context.Context) error {
	return db.Migrate(ctx, p.pool)
}

func (p *poolProvisioner) SeedRules(ctx context.Context, companyID int64) (int, error) {
	return p.posting.SeedDefaults(ctx, operator(companyID))
}

func (p *poolProvisioner) SeedRateTables(ctx context.Context, companyID int64, year int) error {
	return p.payroll.SaveRateTables(ctx, operator(companyID), payroll.SwissDefaults(year))
}

func (p *poolProvisioner) Close() {
	for i := len(p.closers) - 1; i >= 0; i-- {
		p.closers[i]()
	}
}

// operator is the identity used for provisioning from the command line.
func operator(companyID int64) shared.Tenant {
	return shared.Tenant{CompanyID: companyID, Role: shared.RoleOwner}
}
