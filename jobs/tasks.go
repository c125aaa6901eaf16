package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"

	jobmetrics "github.com/odyssey-erp/swissbooks/internal/jobs"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskOutboxDispatch drains one batch of due outbox events.
	TaskOutboxDispatch = "outbox:dispatch"
	// TaskPayrollBatch computes draft payruns for a set of employees.
	TaskPayrollBatch = "payroll:compute_batch"
	// TaskLedgerIntegrity checks that every company's ledger balances.
	TaskLedgerIntegrity = "ledger:integrity"
)

const dateLayout = "2006-01-02"

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// NewOutboxDispatchTask builds the dispatch task. It carries no payload.
func NewOutboxDispatchTask() *asynq.Task {
	return asynq.NewTask(TaskOutboxDispatch, nil)
}

// PayrollBatchPayload describes one batch computation request.
type PayrollBatchPayload struct {
	CompanyID   int64            `json:"company_id"`
	EmployeeIDs []int64          `json:"employee_ids"`
	PeriodStart string           `json:"period_start"`
	PeriodEnd   string           `json:"period_end"`
	Mode        string           `json:"mode"`
	Hours       *decimal.Decimal `json:"hours,omitempty"`
}

func (p PayrollBatchPayload) validate() error {
	if p.CompanyID <= 0 {
		return fmt.Errorf("payroll batch: company id required")
	}
	if len(p.EmployeeIDs) == 0 {
		return fmt.Errorf("payroll batch: no employees")
	}
	if p.Mode == "" {
		return fmt.Errorf("payroll batch: mode required")
	}
	return nil
}

func (p PayrollBatchPayload) period() (time.Time, time.Time, error) {
	start, err := time.Parse(dateLayout, p.PeriodStart)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("payroll batch: period start: %w", err)
	}
	end, err := time.Parse(dateLayout, p.PeriodEnd)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("payroll batch: period end: %w", err)
	}
	return start, end, nil
}

// NewPayrollBatchTask constructs an Asynq task for a payroll batch.
func NewPayrollBatchTask(payload PayrollBatchPayload) (*asynq.Task, error) {
	if err := payload.validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskPayrollBatch, data), nil
}

// LedgerIntegrityPayload scopes an integrity run. Zero CompanyID checks every
// company that has ledger activity.
type LedgerIntegrityPayload struct {
	CompanyID int64  `json:"company_id,omitempty"`
	AsOf      string `json:"as_of,omitempty"`
}

// NewLedgerIntegrityTask constructs the integrity task.
func NewLedgerIntegrityTask(payload LedgerIntegrityPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLedgerIntegrity, data), nil
}
