// Package cli holds the swissbooksctl operational commands.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/odyssey-erp/swissbooks/internal/app"
	"github.com/odyssey-erp/swissbooks/jobs"
)

// Env supplies the command dependencies. Nil factories fall back to the
// Postgres and Redis backed implementations.
type Env struct {
	Stdout      io.Writer
	Config      func() (*app.Config, error)
	Jobs        func(cfg *app.Config) (*JobsCLI, error)
	Provisioner func(ctx context.Context, cfg *app.Config, logger *slog.Logger) (Provisioner, error)
}

func (e *Env) defaults() {
	if e.Stdout == nil {
		e.Stdout = os.Stdout
	}
	if e.Config == nil {
		e.Config = app.LoadConfig
	}
	if e.Jobs == nil {
		e.Jobs = func(cfg *app.Config) (*JobsCLI, error) { return NewJobsCLI(cfg.RedisAddr) }
	}
	if e.Provisioner == nil {
		e.Provisioner = NewPoolProvisioner
	}
}

type runtime struct {
	env    *Env
	cfg    *app.Config
	logger *slog.Logger
}

// NewRootCommand builds the swissbooksctl command tree.
func NewRootCommand(env Env) *cobra.Command {
	env.defaults()
	rt := &runtime{env: &env}

	root := &cobra.Command{
		Use:           "swissbooksctl",
		Short:         "Operational commands for the bookkeeping and payroll core",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rt.env.Config()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			rt.cfg = cfg
			rt.logger = app.NewLogger(cfg)
			return nil
		},
	}
	root.SetOut(env.Stdout)
	root.AddCommand(rt.migrateCommand(), rt.seedCommand(), rt.jobsCommand())
	return root
}

func (rt *runtime) provision(cmd *cobra.Command, fn func(Provisioner) error) error {
	p, err := rt.env.Provisioner(cmd.Context(), rt.cfg, rt.logger)
	if err != nil {
		return err
	}
	defer p.Close()
	return fn(p)
}

func (rt *runtime) migrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return rt.provision(cmd, func(p Provisioner) error {
				if err := p.Migrate(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
				return nil
			})
		},
	}
}

func (rt *runtime) seedCommand() *cobra.Command {
	var companyID int64
	var year int

	seed := &cobra.Command{
		Use:   "seed",
		Short: "Install tenant defaults",
	}
	seed.PersistentFlags().Int64Var(&companyID, "company", 0, "company id")
	_ = seed.MarkPersistentFlagRequired("company")

	rules := &cobra.Command{
		Use:   "rules",
		Short: "Install the default posting rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return rt.provision(cmd, func(p Provisioner) error {
				n, err := p.SeedRules(cmd.Context(), companyID)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "installed %d posting rules for company %d\n", n, companyID)
				return nil
			})
		},
	}

	rates := &cobra.Command{
		Use:   "rate-tables",
		Short: "Install the statutory default rate tables for a year",
		RunE: func(cmd *cobra.Command, args []string) error {
			return rt.provision(cmd, func(p Provisioner) error {
				if err := p.SeedRateTables(cmd.Context(), companyID, year); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "installed %d rate tables for company %d\n", year, companyID)
				return nil
			})
		},
	}
	rates.Flags().IntVar(&year, "year", 0, "tax year")
	_ = rates.MarkFlagRequired("year")

	seed.AddCommand(rules, rates)
	return seed
}

func (rt *runtime) jobsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Trigger and inspect background jobs",
	}

	withJobs := func(c *cobra.Command, fn func(*JobsCLI) error) error {
		j, err := rt.env.Jobs(rt.cfg)
		if err != nil {
			return err
		}
		defer func() {
			if err := j.Close(); err != nil {
				rt.logger.Warn("close jobs client", slog.Any("error", err))
			}
		}()
		return fn(j)
	}

	var opts TriggerOptions
	trigger := &cobra.Command{
		Use:       "trigger <outbox|integrity>",
		Short:     "Enqueue a job now",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"outbox", "integrity"},
		RunE: func(c *cobra.Command, args []string) error {
			return withJobs(c, func(j *JobsCLI) error {
				info, err := j.Trigger(c.Context(), args[0], opts)
				if err != nil {
					return err
				}
				fmt.Fprintf(c.OutOrStdout(), "enqueued %s as %s\n", info.Type, info.ID)
				return nil
			})
		},
	}
	trigger.Flags().Int64Var(&opts.CompanyID, "company", 0, "limit the integrity check to one company")
	trigger.Flags().StringVar(&opts.AsOf, "as-of", "", "integrity cut-off date (YYYY-MM-DD)")

	var batch jobs.PayrollBatchPayload
	var employees string
	payrollBatch := &cobra.Command{
		Use:   "payroll-batch",
		Short: "Enqueue draft payrun computation for many employees",
		RunE: func(c *cobra.Command, args []string) error {
			ids, err := parseIDs(employees)
			if err != nil {
				return err
			}
			batch.EmployeeIDs = ids
			return withJobs(c, func(j *JobsCLI) error {
				info, err := j.PayrollBatch(c.Context(), batch)
				if err != nil {
					return err
				}
				fmt.Fprintf(c.OutOrStdout(), "enqueued %s as %s\n", info.Type, info.ID)
				return nil
			})
		},
	}
	payrollBatch.Flags().Int64Var(&batch.CompanyID, "company", 0, "company id")
	payrollBatch.Flags().StringVar(&employees, "employees", "", "comma separated employee ids")
	payrollBatch.Flags().StringVar(&batch.PeriodStart, "start", "", "period start (YYYY-MM-DD)")
	payrollBatch.Flags().StringVar(&batch.PeriodEnd, "end", "", "period end (YYYY-MM-DD)")
	payrollBatch.Flags().StringVar(&batch.Mode, "mode", "monthly", "monthly, hourly or event")
	for _, name := range []string{"company", "employees", "start", "end"} {
		_ = payrollBatch.MarkFlagRequired(name)
	}

	var asJSON bool
	stats := &cobra.Command{
		Use:   "stats",
		Short: "Show queue depth",
		RunE: func(c *cobra.Command, args []string) error {
			return withJobs(c, func(j *JobsCLI) error {
				s, err := j.InspectQueue(c.Context())
				if err != nil {
					return err
				}
				out := c.OutOrStdout()
				if asJSON {
					return json.NewEncoder(out).Encode(s)
				}
				fmt.Fprintf(out, "queue=%s pending=%d active=%d scheduled=%d retry=%d archived=%d\n",
					s.Queue, s.Pending, s.Active, s.Scheduled, s.Retry, s.Archived)
				return nil
			})
		},
	}
	stats.Flags().BoolVar(&asJSON, "json", false, "print JSON")

	var size int
	scheduled := &cobra.Command{
		Use:   "scheduled",
		Short: "List scheduled tasks",
		RunE: func(c *cobra.Command, args []string) error {
			return withJobs(c, func(j *JobsCLI) error {
				infos, err := j.ListScheduled(c.Context(), size)
				if err != nil {
					return err
				}
				for _, info := range infos {
					fmt.Fprintf(c.OutOrStdout(), "%s\t%s\t%s\n", info.ID, info.Type, info.NextProcessAt.Format("2006-01-02T15:04:05Z07:00"))
				}
				return nil
			})
		},
	}
	scheduled.Flags().IntVar(&size, "size", 10, "page size")

	cmd.AddCommand(trigger, payrollBatch, stats, scheduled)
	return cmd
}

func parseIDs(raw string) ([]int64, error) {
	var out []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid employee id %q", part)
		}
		out = append(out, id)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no employee ids given")
	}
	return out, nil
}
