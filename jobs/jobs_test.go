package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/swissbooks/internal/accounting/ledger"
	jobmetrics "github.com/odyssey-erp/swissbooks/internal/jobs"
	"github.com/odyssey-erp/swissbooks/internal/outbox"
	"github.com/odyssey-erp/swissbooks/internal/payroll"
	"github.com/odyssey-erp/swissbooks/internal/shared"
)

func testMetrics() *jobmetrics.Metrics {
	return jobmetrics.NewMetrics(prometheus.NewRegistry())
}

type fakeRunner struct {
	results []outbox.Result
	err     error
	calls   int
}

func (f *fakeRunner) RunOnce(context.Context) (outbox.Result, error) {
	f.calls++
	if f.err != nil {
		return outbox.Result{}, f.err
	}
	if len(f.results) == 0 {
		return outbox.Result{}, nil
	}
	res := f.results[0]
	f.results = f.results[1:]
	return res, nil
}

func TestOutboxDispatchDrainsFullBatches(t *testing.T) {
	runner := &fakeRunner{results: []outbox.Result{
		{Claimed: 2, Done: 2},
		{Claimed: 2, Done: 1, Retried: 1},
		{Claimed: 1, Failed: 1},
	}}
	job := NewOutboxDispatchJob(runner, 2, nil, testMetrics())

	require.NoError(t, job.Handle(context.Background(), NewOutboxDispatchTask()))
	require.Equal(t, 3, runner.calls)
}

func TestOutboxDispatchStopsAtMaxBatches(t *testing.T) {
	runner := &fakeRunner{results: []outbox.Result{{Claimed: 1}, {Claimed: 1}, {Claimed: 1}}}
	job := NewOutboxDispatchJob(runner, 1, nil, testMetrics())
	job.MaxBatches = 2

	require.NoError(t, job.Handle(context.Background(), NewOutboxDispatchTask()))
	require.Equal(t, 2, runner.calls)
}

func TestOutboxDispatchReportsStoreErrors(t *testing.T) {
	runner := &fakeRunner{err: errors.New("claim failed")}
	job := NewOutboxDispatchJob(runner, 10, nil, testMetrics())

	err := job.Handle(context.Background(), NewOutboxDispatchTask())
	require.EqualError(t, err, "claim failed")
}

type fakeBatch struct {
	tenant  shared.Tenant
	req     payroll.BatchRequest
	results []payroll.BatchResult
	err     error
}

func (f *fakeBatch) ComputeBatch(_ context.Context, tenant shared.Tenant, req payroll.BatchRequest) ([]payroll.BatchResult, error) {
	f.tenant = tenant
	f.req = req
	return f.results, f.err
}

func TestPayrollBatchRunsAsSystemTenant(t *testing.T) {
	svc := &fakeBatch{results: []payroll.BatchResult{
		{EmployeeID: 1, PayrunID: 10},
		{EmployeeID: 2, Error: "employee not found"},
	}}
	hours := decimal.NewFromInt(40)
	task, err := NewPayrollBatchTask(PayrollBatchPayload{
		CompanyID:   7,
		EmployeeIDs: []int64{1, 2},
		PeriodStart: "2024-03-01",
		PeriodEnd:   "2024-03-31",
		Mode:        "hourly",
		Hours:       &hours,
	})
	require.NoError(t, err)

	job := NewPayrollBatchJob(svc, nil, testMetrics())
	require.NoError(t, job.Handle(context.Background(), task))

	require.Equal(t, shared.SystemTenant(7), svc.tenant)
	require.Equal(t, []int64{1, 2}, svc.req.EmployeeIDs)
	require.Equal(t, payroll.Mode("hourly"), svc.req.Mode)
	require.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), svc.req.Period.Start)
	require.Equal(t, time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC), svc.req.Period.End)
	require.True(t, svc.req.Hours.Equal(hours))
}

func TestPayrollBatchSkipsRetryOnBadPayload(t *testing.T) {
	job := NewPayrollBatchJob(&fakeBatch{}, nil, testMetrics())

	err := job.Handle(context.Background(), asynq.NewTask(TaskPayrollBatch, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)

	data, _ := json.Marshal(PayrollBatchPayload{CompanyID: 1, EmployeeIDs: []int64{1}, Mode: "monthly", PeriodStart: "03/2024", PeriodEnd: "2024-03-31"})
	err = job.Handle(context.Background(), asynq.NewTask(TaskPayrollBatch, data))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestPayrollBatchConfigurationErrorsAreNotRetried(t *testing.T) {
	svc := &fakeBatch{err: shared.Configurationf("rate tables missing for 2024")}
	task, err := NewPayrollBatchTask(PayrollBatchPayload{CompanyID: 1, EmployeeIDs: []int64{1}, Mode: "monthly", PeriodStart: "2024-03-01", PeriodEnd: "2024-03-31"})
	require.NoError(t, err)

	err = NewPayrollBatchJob(svc, nil, testMetrics()).Handle(context.Background(), task)
	require.ErrorIs(t, err, asynq.SkipRetry)
	require.ErrorIs(t, err, shared.ErrConfiguration)
}

func TestNewPayrollBatchTaskValidates(t *testing.T) {
	_, err := NewPayrollBatchTask(PayrollBatchPayload{CompanyID: 1, Mode: "monthly"})
	require.Error(t, err)
}

type fakeBalancer struct {
	rows map[int64][]ledger.BalanceRow
}

func (f fakeBalancer) TrialBalance(_ context.Context, tenant shared.Tenant, _ time.Time) ([]ledger.BalanceRow, error) {
	return f.rows[tenant.CompanyID], nil
}

type fakeIntegrityStore struct {
	companies  []int64
	unbalanced map[int64][]int64
}

func (f fakeIntegrityStore) Companies(context.Context) ([]int64, error) { return f.companies, nil }

func (f fakeIntegrityStore) UnbalancedEntries(_ context.Context, companyID int64, _ int) ([]int64, error) {
	return f.unbalanced[companyID], nil
}

func row(code, debit, credit string) ledger.BalanceRow {
	return ledger.BalanceRow{AccountCode: code, Debit: decimal.RequireFromString(debit), Credit: decimal.RequireFromString(credit)}
}

func TestLedgerIntegrityPassesBalancedCompanies(t *testing.T) {
	balancer := fakeBalancer{rows: map[int64][]ledger.BalanceRow{
		1: {row("1020", "6000", "0"), row("5000", "0", "6000")},
		2: {row("6000", "120.50", "0"), row("2000", "0", "120.50")},
	}}
	job := NewLedgerIntegrityJob(balancer, fakeIntegrityStore{companies: []int64{1, 2}}, nil, testMetrics())

	task, err := NewLedgerIntegrityTask(LedgerIntegrityPayload{})
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
}

func TestLedgerIntegrityFlagsImbalance(t *testing.T) {
	balancer := fakeBalancer{rows: map[int64][]ledger.BalanceRow{
		1: {row("1020", "6000", "0"), row("5000", "0", "5999.95")},
	}}
	job := NewLedgerIntegrityJob(balancer, fakeIntegrityStore{companies: []int64{1}}, nil, testMetrics())

	task, err := NewLedgerIntegrityTask(LedgerIntegrityPayload{AsOf: "2024-12-31"})
	require.NoError(t, err)
	err = job.Handle(context.Background(), task)
	require.ErrorIs(t, err, ErrLedgerOutOfBalance)
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestLedgerIntegrityFlagsUnbalancedEntry(t *testing.T) {
	balancer := fakeBalancer{rows: map[int64][]ledger.BalanceRow{
		3: {row("1020", "10", "0"), row("5000", "0", "10")},
	}}
	store := fakeIntegrityStore{unbalanced: map[int64][]int64{3: {42}}}
	job := NewLedgerIntegrityJob(balancer, store, nil, testMetrics())

	task, err := NewLedgerIntegrityTask(LedgerIntegrityPayload{CompanyID: 3})
	require.NoError(t, err)
	require.ErrorIs(t, job.Handle(context.Background(), task), ErrLedgerOutOfBalance)
}

type fakeEnqueuer struct {
	tasks []*asynq.Task
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	f.tasks = append(f.tasks, task)
	return &asynq.TaskInfo{Type: task.Type(), Queue: QueueDefault}, nil
}

func (f *fakeEnqueuer) Close() error { return nil }

func TestClientEnqueuesTypedTasks(t *testing.T) {
	enq := &fakeEnqueuer{}
	client := &Client{client: enq}
	ctx := context.Background()

	_, err := client.EnqueueOutboxDispatch(ctx)
	require.NoError(t, err)
	_, err = client.EnqueueLedgerIntegrity(ctx, LedgerIntegrityPayload{CompanyID: 1})
	require.NoError(t, err)
	_, err = client.EnqueuePayrollBatch(ctx, PayrollBatchPayload{CompanyID: 1})
	require.Error(t, err)

	require.Len(t, enq.tasks, 2)
	require.Equal(t, TaskOutboxDispatch, enq.tasks[0].Type())
	require.Equal(t, TaskLedgerIntegrity, enq.tasks[1].Type())
}

type fakeInspector struct {
	info *asynq.QueueInfo
	err  error
}

func (f fakeInspector) GetQueueInfo(string) (*asynq.QueueInfo, error) { return f.info, f.err }

func TestHealthReportsQueueDepth(t *testing.T) {
	r := chi.NewRouter()
	NewHandler(fakeInspector{info: &asynq.QueueInfo{Queue: QueueDefault, Pending: 3, Retry: 1}}, nil).MountRoutes(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body queueHealth
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 3, body.Pending)
	require.Equal(t, 1, body.Retry)
}

func TestHealthUnavailableQueue(t *testing.T) {
	r := chi.NewRouter()
	NewHandler(fakeInspector{err: errors.New("redis down")}, nil).MountRoutes(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRedisOptAcceptsAddrAndURL(t *testing.T) {
	opt, err := RedisOpt("localhost:6379")
	require.NoError(t, err)
	require.Equal(t, asynq.RedisClientOpt{Addr: "localhost:6379"}, opt)

	opt, err = RedisOpt("redis://:secret@cache.internal:6380/4")
	require.NoError(t, err)
	require.Equal(t, "cache.internal:6380", opt.Addr)
	require.Equal(t, "secret", opt.Password)
	require.Equal(t, 4, opt.DB)
	require.Nil(t, opt.TLSConfig)

	_, err = RedisOpt("redis://localhost:6379/notanumber")
	require.Error(t, err)
}
