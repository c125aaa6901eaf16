package payroll

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/swissbooks/internal/outbox"
	"github.com/odyssey-erp/swissbooks/internal/posting"
	"github.com/odyssey-erp/swissbooks/internal/shared"
)

type memRepo struct {
	mu        sync.Mutex
	tables    map[int]RateTables
	employees map[int64]Employee
	payruns   map[int64]Payrun
	audits    []Audit
	events    []outbox.Event
	nextID    int64
}

func newMemRepo() *memRepo {
	return &memRepo{
		tables:    map[int]RateTables{2024: SwissDefaults(2024)},
		employees: map[int64]Employee{},
		payruns:   map[int64]Payrun{},
	}
}

func (m *memRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := &memTx{m: m, payruns: map[int64]Payrun{}, audits: append([]Audit(nil), m.audits...), nextID: m.nextID}
	for k, v := range m.payruns {
		tx.payruns[k] = v
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	m.payruns, m.audits, m.nextID = tx.payruns, tx.audits, tx.nextID
	m.events = append(m.events, tx.events...)
	return nil
}

func (m *memRepo) GetPayrun(ctx context.Context, companyID, id int64) (Payrun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payruns[id]
	if !ok || p.CompanyID != companyID {
		return Payrun{}, ErrPayrunNotFound
	}
	return p, nil
}

func (m *memRepo) ListPayruns(ctx context.Context, companyID int64, filter ListFilter) ([]Payrun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Payrun
	for _, p := range m.payruns {
		if p.CompanyID == companyID && (filter.Status == "" || p.Status == filter.Status) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memRepo) ListAudits(ctx context.Context, companyID, payrunID int64) ([]Audit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Audit
	for _, a := range m.audits {
		if a.PayrunID == payrunID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memRepo) RateTables(ctx context.Context, companyID int64, year int) (RateTables, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tables[year]
	if !ok {
		return RateTables{}, fmt.Errorf("%w: %d", ErrRateTablesMissing, year)
	}
	return t, nil
}

func (m *memRepo) SaveRateTables(ctx context.Context, companyID int64, tables RateTables) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tables[tables.Year] = tables
	return nil
}

func (m *memRepo) GetEmployee(ctx context.Context, companyID, id int64) (Employee, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.employees[id]
	if !ok {
		return Employee{}, ErrEmployeeNotFound
	}
	return e, nil
}

func (m *memRepo) ActiveReplacement(ctx context.Context, companyID, employeeID int64, period Period) (*Replacement, error) {
	return nil, nil
}

func (m *memRepo) YTDContributionBase(ctx context.Context, companyID, employeeID int64, before time.Time) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := decimal.Zero
	for _, p := range m.payruns {
		if p.EmployeeID == employeeID && (p.Status == StatusApproved || p.Status == StatusPaid) && p.Period.Start.Before(before) && p.Period.Start.Year() == before.Year() {
			total = total.Add(p.Amounts.ContributionBase)
		}
	}
	return total, nil
}

type memTx struct {
	m       *memRepo
	payruns map[int64]Payrun
	audits  []Audit
	events  []outbox.Event
	nextID  int64
}

func (t *memTx) FindPayrun(ctx context.Context, companyID, employeeID int64, periodStart time.Time, mode Mode) (Payrun, bool, error) {
	for _, p := range t.payruns {
		if p.CompanyID == companyID && p.EmployeeID == employeeID && p.Period.Start.Equal(periodStart) && p.Mode == mode {
			return p, true, nil
		}
	}
	return Payrun{}, false, nil
}

func (t *memTx) GetPayrunForUpdate(ctx context.Context, companyID, id int64) (Payrun, error) {
	p, ok := t.payruns[id]
	if !ok || p.CompanyID != companyID {
		return Payrun{}, ErrPayrunNotFound
	}
	return p, nil
}

func (t *memTx) InsertPayrun(ctx context.Context, p Payrun) (int64, error) {
	t.nextID++
	p.ID = t.nextID
	t.payruns[p.ID] = p
	return p.ID, nil
}

func (t *memTx) UpdatePayrun(ctx context.Context, p Payrun) error {
	if _, ok := t.payruns[p.ID]; !ok {
		return ErrPayrunNotFound
	}
	t.payruns[p.ID] = p
	return nil
}

func (t *memTx) InsertAudits(ctx context.Context, audits []Audit) error {
	for _, a := range audits {
		a.ID = int64(len(t.audits) + 1)
		t.audits = append(t.audits, a)
	}
	return nil
}

func (t *memTx) PendingAudits(ctx context.Context, companyID, payrunID int64) (int, error) {
	n := 0
	for _, a := range t.audits {
		if a.PayrunID == payrunID && a.ApprovedAt == nil {
			n++
		}
	}
	return n, nil
}

func (t *memTx) ApproveAudits(ctx context.Context, companyID, payrunID, approver int64, at time.Time) (int, error) {
	n := 0
	for i := range t.audits {
		if t.audits[i].PayrunID == payrunID && t.audits[i].ApprovedAt == nil {
			t.audits[i].ApprovedBy = &approver
			t.audits[i].ApprovedAt = &at
			n++
		}
	}
	return n, nil
}

func (t *memTx) EnqueueEvent(ctx context.Context, ev outbox.Event) error {
	for _, existing := range t.m.events {
		if existing.ID == ev.ID {
			return nil
		}
	}
	t.events = append(t.events, ev)
	return nil
}

var (
	owner      = shared.Tenant{CompanyID: 1, UserID: 10, Role: shared.RoleOwner}
	manager    = shared.Tenant{CompanyID: 1, UserID: 11, Role: shared.RolePayrollManager}
	accountant = shared.Tenant{CompanyID: 1, UserID: 12, Role: shared.RoleAccountant}
	staff      = shared.Tenant{CompanyID: 1, UserID: 13, Role: shared.RoleEmployee}
)

func newTestService(t *testing.T) (*Service, *memRepo) {
	t.Helper()
	repo := newMemRepo()
	repo.employees[1] = monthlyEmployee("6000")
	emp := monthlyEmployee("8000")
	emp.ID = 2
	emp.LppPlanCode = "BVG-MIN"
	emp.ThirteenthEnabled = true
	repo.employees[2] = emp
	svc := NewService(repo, nil, nil)
	svc.WithNow(func() time.Time { return time.Date(2024, 7, 2, 9, 0, 0, 0, time.UTC) })
	return svc, repo
}

func computeJune(t *testing.T, svc *Service, employeeID int64) Payrun {
	t.Helper()
	run, err := svc.ComputePayrun(context.Background(), accountant, ComputeRequest{EmployeeID: employeeID, Period: june, Mode: ModeMonthly})
	require.NoError(t, err)
	return run
}

func approved(t *testing.T, svc *Service, employeeID int64) Payrun {
	t.Helper()
	ctx := context.Background()
	run := computeJune(t, svc, employeeID)
	_, err := svc.SubmitPayrun(ctx, accountant, run.ID)
	require.NoError(t, err)
	run, err = svc.ApprovePayrun(ctx, manager, run.ID)
	require.NoError(t, err)
	return run
}

func payloadOf(t *testing.T, ev outbox.Event) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(ev.Payload, &out))
	return out
}

func TestApproveFromDraftIsRejected(t *testing.T) {
	svc, repo := newTestService(t)
	run := computeJune(t, svc, 1)

	_, err := svc.ApprovePayrun(context.Background(), manager, run.ID)
	require.ErrorIs(t, err, ErrInvalidTransition)
	require.ErrorIs(t, err, shared.ErrApprovalGate)

	stored, err := repo.GetPayrun(context.Background(), 1, run.ID)
	require.NoError(t, err)
	require.Equal(t, StatusDraft, stored.Status)
	require.Empty(t, repo.events)
}

func TestApprovalEnqueuesBalancedPayrollPosting(t *testing.T) {
	svc, repo := newTestService(t)
	run := approved(t, svc, 2)

	require.Equal(t, StatusApproved, run.Status)
	require.Len(t, repo.events, 1)
	ev := repo.events[0]
	require.Equal(t, posting.EventPayrunApproved, ev.EventType)
	require.Equal(t, SourcePayrun, ev.SourceType)
	require.Equal(t, fmt.Sprint(run.ID), ev.SourceID)
	payload := payloadOf(t, ev)
	require.Equal(t, run.Amounts.AVSEmployee.StringFixed(2), payload["avs_employee"])
	require.Equal(t, "2024-06-30", payload["date"])

	engine := posting.NewEngine(defaultRuleSource{}, nil)
	pev := posting.Event{EventType: ev.EventType, SourceType: ev.SourceType, SourceID: ev.SourceID, Payload: ev.Payload}
	lines, err := engine.Resolve(context.Background(), shared.SystemTenant(1), pev)
	require.NoError(t, err)
	require.NoError(t, pev.EntryInput(lines).Validate(), "payroll posting must balance")
}

type defaultRuleSource struct{}

func (defaultRuleSource) ActiveRules(ctx context.Context, companyID int64, eventType string) ([]posting.Rule, error) {
	var out []posting.Rule
	for _, r := range posting.DefaultRules() {
		if r.EventType == eventType {
			out = append(out, r)
		}
	}
	return out, nil
}

func TestPayEnqueuesPaymentWithDistinctSource(t *testing.T) {
	svc, repo := newTestService(t)
	run := approved(t, svc, 1)

	paid, err := svc.PayPayrun(context.Background(), manager, run.ID, day("2024-06-28"))
	require.NoError(t, err)
	require.Equal(t, StatusPaid, paid.Status)
	require.Len(t, repo.events, 2)
	payment := repo.events[1]
	require.Equal(t, posting.EventPayrunPaid, payment.EventType)
	require.Equal(t, SourcePayrunPayment, payment.SourceType)
	require.NotEqual(t, repo.events[0].ID, payment.ID)
	require.Equal(t, "5532.00", payloadOf(t, payment)["net"])
}

func TestRecomputeReplacesDraftOnly(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	first := computeJune(t, svc, 1)

	repo.employees[1] = monthlyEmployee("6500")
	second := computeJune(t, svc, 1)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, "6500.00", second.Amounts.Gross.StringFixed(2))

	_, err := svc.SubmitPayrun(ctx, accountant, first.ID)
	require.NoError(t, err)
	_, err = svc.ComputePayrun(ctx, accountant, ComputeRequest{EmployeeID: 1, Period: june, Mode: ModeMonthly})
	require.ErrorIs(t, err, shared.ErrConflict)
}

func TestModifyApprovedPayrunNeedsAuditApproval(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	run := approved(t, svc, 1)

	_, _, err := svc.ModifyPayrun(ctx, accountant, run.ID, ModifyInput{
		Changes: map[string]decimal.Decimal{"avs_employee": amount("300.00")}, Reason: "correction",
	})
	require.ErrorIs(t, err, ErrNotModifiable, "accountants cannot touch approved payruns")

	modified, audits, err := svc.ModifyPayrun(ctx, manager, run.ID, ModifyInput{
		Changes: map[string]decimal.Decimal{"avs_employee": amount("300.00")}, Reason: "insurer correction",
	})
	require.NoError(t, err)
	require.Equal(t, StatusApproved, modified.Status)
	require.Len(t, audits, 1)
	require.Equal(t, "318.00", audits[0].OldValue)
	require.Equal(t, "300.00", audits[0].NewValue)
	require.Equal(t, StatusApproved, audits[0].PayrunStatus)
	require.Equal(t, "5550.00", modified.Amounts.Net.StringFixed(2))

	_, err = svc.PayPayrun(ctx, manager, run.ID, time.Time{})
	require.ErrorIs(t, err, ErrPendingAudits)

	n, err := svc.ApproveAudits(ctx, owner, run.ID)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Len(t, repo.events, 2)
	revision := repo.events[1]
	require.Equal(t, fmt.Sprintf("%d/r1", run.ID), revision.SourceID)
	require.Equal(t, fmt.Sprintf("payrun:%d", run.ID), payloadOf(t, revision)["supersedes"])
	require.Equal(t, "5550.00", payloadOf(t, revision)["net"])

	_, err = svc.PayPayrun(ctx, manager, run.ID, time.Time{})
	require.NoError(t, err)
}

func TestModifyWithReopenPolicyReturnsToSubmitted(t *testing.T) {
	svc, repo := newTestService(t)
	tables := repo.tables[2024]
	tables.Policy.ReopenOnEdit = true
	repo.tables[2024] = tables
	ctx := context.Background()
	run := approved(t, svc, 1)

	modified, _, err := svc.ModifyPayrun(ctx, owner, run.ID, ModifyInput{
		Changes: map[string]decimal.Decimal{"meals_benefit": amount("180.00")}, Reason: "meals provided",
	})
	require.NoError(t, err)
	require.Equal(t, StatusSubmitted, modified.Status)

	reapproved, err := svc.ApprovePayrun(ctx, manager, run.ID)
	require.NoError(t, err)
	require.Equal(t, 1, reapproved.Revision)
	require.Len(t, repo.events, 2)

	audits, err := svc.ListAudits(ctx, owner, run.ID)
	require.NoError(t, err)
	require.Len(t, audits, 1)
	require.NotNil(t, audits[0].ApprovedAt)
}

func TestPaidPayrunOnlyEditableByOwner(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	run := approved(t, svc, 1)
	_, err := svc.PayPayrun(ctx, manager, run.ID, time.Time{})
	require.NoError(t, err)

	ok, err := svc.CanModifyPayrun(ctx, manager, run.ID)
	require.NoError(t, err)
	require.False(t, ok)
	ok, err = svc.CanModifyPayrun(ctx, owner, run.ID)
	require.NoError(t, err)
	require.True(t, ok)

	_, _, err = svc.ModifyPayrun(ctx, staff, run.ID, ModifyInput{
		Changes: map[string]decimal.Decimal{"base_gross": amount("1.00")}, Reason: "x",
	})
	require.ErrorIs(t, err, shared.ErrApprovalGate)
}

func TestApprovedPayrunCannotBeCanceledDirectly(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	run := approved(t, svc, 1)

	_, err := svc.CancelPayrun(ctx, manager, run.ID, "duplicate")
	require.ErrorIs(t, err, ErrInvalidTransition)
	require.False(t, CanTransition(StatusApproved, StatusCanceled))

	stored, err := repo.GetPayrun(ctx, 1, run.ID)
	require.NoError(t, err)
	require.Equal(t, StatusApproved, stored.Status)
	require.Len(t, repo.events, 1)
}

func TestCancelReopenedPayrunReversesPosting(t *testing.T) {
	svc, repo := newTestService(t)
	tables := repo.tables[2024]
	tables.Policy.ReopenOnEdit = true
	repo.tables[2024] = tables
	ctx := context.Background()
	run := approved(t, svc, 1)

	reopened, _, err := svc.ModifyPayrun(ctx, owner, run.ID, ModifyInput{
		Changes: map[string]decimal.Decimal{"avs_employee": amount("300.00")}, Reason: "duplicate run",
	})
	require.NoError(t, err)
	require.Equal(t, StatusSubmitted, reopened.Status)

	canceled, err := svc.CancelPayrun(ctx, accountant, run.ID, "duplicate")
	require.NoError(t, err)
	require.Equal(t, StatusCanceled, canceled.Status)
	require.Len(t, repo.events, 2)
	require.Equal(t, posting.EventPayrunCanceled, repo.events[1].EventType)
	require.Equal(t, fmt.Sprintf("payrun:%d", run.ID), payloadOf(t, repo.events[1])["supersedes"])

	_, err = svc.SubmitPayrun(ctx, accountant, run.ID)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCancelUnpostedDraftEmitsNothing(t *testing.T) {
	svc, repo := newTestService(t)
	run := computeJune(t, svc, 1)

	canceled, err := svc.CancelPayrun(context.Background(), accountant, run.ID, "wrong period")
	require.NoError(t, err)
	require.Equal(t, StatusCanceled, canceled.Status)
	require.Empty(t, repo.events)
}

func TestPermissionsAreEnforced(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	_, err := svc.ComputePayrun(ctx, staff, ComputeRequest{EmployeeID: 1, Period: june, Mode: ModeMonthly})
	require.ErrorIs(t, err, shared.ErrForbidden)

	run := computeJune(t, svc, 1)
	_, err = svc.SubmitPayrun(ctx, accountant, run.ID)
	require.NoError(t, err)
	_, err = svc.ApprovePayrun(ctx, accountant, run.ID)
	require.ErrorIs(t, err, shared.ErrForbidden)
}

func TestComputeBatchReportsPerEmployee(t *testing.T) {
	svc, repo := newTestService(t)
	results, err := svc.ComputeBatch(context.Background(), shared.SystemTenant(1), BatchRequest{
		EmployeeIDs: []int64{1, 2, 99}, Period: june, Mode: ModeMonthly,
	})
	require.NoError(t, err)
	require.Len(t, results, 3)
	require.NotZero(t, results[0].PayrunID)
	require.NotZero(t, results[1].PayrunID)
	require.Empty(t, results[0].Error)
	require.Contains(t, results[2].Error, "employee not found")
	require.Len(t, repo.payruns, 2)
}

func TestMissingRateTablesIsConfigurationError(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.ComputePayrun(context.Background(), accountant, ComputeRequest{
		EmployeeID: 1, Period: Period{Start: day("2023-06-01"), End: day("2023-06-30")}, Mode: ModeMonthly,
	})
	require.ErrorIs(t, err, shared.ErrConfiguration)
}

func TestCumulativeCeilingReadsYearToDate(t *testing.T) {
	svc, repo := newTestService(t)
	tables := repo.tables[2024]
	tables.Policy.ACCeiling = ACCeilingCumulative
	repo.tables[2024] = tables
	emp := monthlyEmployee("30000")
	emp.ID = 3
	repo.employees[3] = emp
	ctx := context.Background()

	for month := time.January; month <= time.May; month++ {
		start := time.Date(2024, month, 1, 0, 0, 0, 0, time.UTC)
		run, err := svc.ComputePayrun(ctx, accountant, ComputeRequest{
			EmployeeID: 3, Period: Period{Start: start, End: start.AddDate(0, 1, -1)}, Mode: ModeMonthly,
		})
		require.NoError(t, err)
		_, err = svc.SubmitPayrun(ctx, accountant, run.ID)
		require.NoError(t, err)
		_, err = svc.ApprovePayrun(ctx, manager, run.ID)
		require.NoError(t, err)
	}
	run, err := svc.ComputePayrun(ctx, accountant, ComputeRequest{EmployeeID: 3, Period: june, Mode: ModeMonthly})
	require.NoError(t, err)
	require.True(t, run.Amounts.ACBase.IsZero(), "five approved months of 30'000 exhaust the 148'200 ceiling")
}

func TestCumulativeCeilingIgnoresUnapprovedPayruns(t *testing.T) {
	svc, repo := newTestService(t)
	tables := repo.tables[2024]
	tables.Policy.ACCeiling = ACCeilingCumulative
	repo.tables[2024] = tables
	emp := monthlyEmployee("30000")
	emp.ID = 3
	repo.employees[3] = emp
	ctx := context.Background()

	for month := time.January; month <= time.May; month++ {
		start := time.Date(2024, month, 1, 0, 0, 0, 0, time.UTC)
		run, err := svc.ComputePayrun(ctx, accountant, ComputeRequest{
			EmployeeID: 3, Period: Period{Start: start, End: start.AddDate(0, 1, -1)}, Mode: ModeMonthly,
		})
		require.NoError(t, err)
		if month == time.May {
			_, err = svc.SubmitPayrun(ctx, accountant, run.ID)
			require.NoError(t, err)
		}
	}
	ytd, err := repo.YTDContributionBase(ctx, 1, 3, june.Start)
	require.NoError(t, err)
	require.True(t, ytd.IsZero())

	run, err := svc.ComputePayrun(ctx, accountant, ComputeRequest{EmployeeID: 3, Period: june, Mode: ModeMonthly})
	require.NoError(t, err)
	require.Equal(t, run.Amounts.ContributionBase.StringFixed(2), run.Amounts.ACBase.StringFixed(2))
}
