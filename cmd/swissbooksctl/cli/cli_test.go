package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/swissbooks/internal/app"
	"github.com/odyssey-erp/swissbooks/jobs"
)

type stubEnqueuer struct {
	dispatches int
	integrity  []jobs.LedgerIntegrityPayload
	batches    []jobs.PayrollBatchPayload
	closed     bool
}

func (s *stubEnqueuer) EnqueueOutboxDispatch(context.Context) (*asynq.TaskInfo, error) {
	s.dispatches++
	return &asynq.TaskInfo{ID: "t1", Type: jobs.TaskOutboxDispatch}, nil
}

func (s *stubEnqueuer) EnqueueLedgerIntegrity(_ context.Context, p jobs.LedgerIntegrityPayload) (*asynq.TaskInfo, error) {
	s.integrity = append(s.integrity, p)
	return &asynq.TaskInfo{ID: "t2", Type: jobs.TaskLedgerIntegrity}, nil
}

func (s *stubEnqueuer) EnqueuePayrollBatch(_ context.Context, p jobs.PayrollBatchPayload) (*asynq.TaskInfo, error) {
	s.batches = append(s.batches, p)
	return &asynq.TaskInfo{ID: "t3", Type: jobs.TaskPayrollBatch}, nil
}

func (s *stubEnqueuer) Close() error {
	s.closed = true
	return nil
}

type stubInspector struct{}

func (stubInspector) GetQueueInfo(string) (*asynq.QueueInfo, error) {
	return &asynq.QueueInfo{Queue: jobs.QueueDefault, Pending: 4, Active: 1}, nil
}

func (stubInspector) ListScheduledTasks(string, ...asynq.ListOption) ([]*asynq.TaskInfo, error) {
	return nil, nil
}

func (stubInspector) Close() error { return nil }

type stubProvisioner struct {
	migrated bool
	rules    int64
	year     int
}

func (p *stubProvisioner) Migrate(context.Context) error { p.migrated = true; return nil }

func (p *stubProvisioner) SeedRules(_ context.Context, companyID int64) (int, error) {
	p.rules = companyID
	return 5, nil
}

func (p *stubProvisioner) SeedRateTables(_ context.Context, _ int64, year int) error {
	p.year = year
	return nil
}

func (p *stubProvisioner) Close() {}

func testEnv(enq *stubEnqueuer, prov *stubProvisioner, out *bytes.Buffer) Env {
	return Env{
		Stdout: out,
		Config: func() (*app.Config, error) { return &app.Config{LogLevel: "error"}, nil },
		Jobs: func(*app.Config) (*JobsCLI, error) {
			return &JobsCLI{client: enq, inspector: stubInspector{}}, nil
		},
		Provisioner: func(context.Context, *app.Config, *slog.Logger) (Provisioner, error) {
			return prov, nil
		},
	}
}

func run(t *testing.T, env Env, args ...string) error {
	t.Helper()
	root := NewRootCommand(env)
	root.SetArgs(args)
	return root.ExecuteContext(context.Background())
}

func TestTriggerOutboxAndIntegrity(t *testing.T) {
	enq := &stubEnqueuer{}
	out := new(bytes.Buffer)
	env := testEnv(enq, &stubProvisioner{}, out)

	require.NoError(t, run(t, env, "jobs", "trigger", "outbox"))
	require.NoError(t, run(t, env, "jobs", "trigger", "integrity", "--company", "3", "--as-of", "2024-12-31"))

	require.Equal(t, 1, enq.dispatches)
	require.Equal(t, []jobs.LedgerIntegrityPayload{{CompanyID: 3, AsOf: "2024-12-31"}}, enq.integrity)
	require.True(t, enq.closed)
	require.Contains(t, out.String(), "enqueued outbox:dispatch as t1")
}

func TestTriggerRejectsUnknownJob(t *testing.T) {
	env := testEnv(&stubEnqueuer{}, &stubProvisioner{}, new(bytes.Buffer))
	require.ErrorContains(t, run(t, env, "jobs", "trigger", "mail"), "unsupported job")
}

func TestPayrollBatchParsesEmployees(t *testing.T) {
	enq := &stubEnqueuer{}
	env := testEnv(enq, &stubProvisioner{}, new(bytes.Buffer))

	require.NoError(t, run(t, env, "jobs", "payroll-batch",
		"--company", "1", "--employees", "4, 5,6", "--start", "2024-03-01", "--end", "2024-03-31"))
	require.Len(t, enq.batches, 1)
	require.Equal(t, []int64{4, 5, 6}, enq.batches[0].EmployeeIDs)
	require.Equal(t, "monthly", enq.batches[0].Mode)

	require.Error(t, run(t, env, "jobs", "payroll-batch",
		"--company", "1", "--employees", "4,x", "--start", "2024-03-01", "--end", "2024-03-31"))
}

func TestStatsJSON(t *testing.T) {
	out := new(bytes.Buffer)
	env := testEnv(&stubEnqueuer{}, &stubProvisioner{}, out)

	require.NoError(t, run(t, env, "jobs", "stats", "--json"))
	var stats QueueStats
	require.NoError(t, json.Unmarshal(out.Bytes(), &stats))
	require.Equal(t, 4, stats.Pending)
	require.Equal(t, 1, stats.Active)
}

func TestSeedAndMigrate(t *testing.T) {
	prov := &stubProvisioner{}
	out := new(bytes.Buffer)
	env := testEnv(&stubEnqueuer{}, prov, out)

	require.NoError(t, run(t, env, "migrate"))
	require.NoError(t, run(t, env, "seed", "rules", "--company", "9"))
	require.NoError(t, run(t, env, "seed", "rate-tables", "--company", "9", "--year", "2024"))

	require.True(t, prov.migrated)
	require.Equal(t, int64(9), prov.rules)
	require.Equal(t, 2024, prov.year)
	require.Contains(t, out.String(), "installed 5 posting rules for company 9")
}
