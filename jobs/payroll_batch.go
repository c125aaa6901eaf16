package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/swissbooks/internal/jobs"
	"github.com/odyssey-erp/swissbooks/internal/payroll"
	"github.com/odyssey-erp/swissbooks/internal/shared"
)

// BatchComputer computes payruns for many employees.
type BatchComputer interface {
	ComputeBatch(ctx context.Context, tenant shared.Tenant, req payroll.BatchRequest) ([]payroll.BatchResult, error)
}

// PayrollBatchJob computes a payroll batch under the company's system identity.
type PayrollBatchJob struct {
	Payroll BatchComputer
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewPayrollBatchJob constructs the batch job.
func NewPayrollBatchJob(svc BatchComputer, logger *slog.Logger, metrics *jobmetrics.Metrics) *PayrollBatchJob {
	return &PayrollBatchJob{Payroll: svc, Logger: logger, Metrics: metrics}
}

// Handle executes the batch. Per-employee failures are logged and do not
// fail the task; retrying would hit the same data.
func (j *PayrollBatchJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	tracker := j.metrics().Track(TaskPayrollBatch)
	defer func() {
		tracker.End(resultErr)
	}()

	var payload PayrollBatchPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		resultErr = fmt.Errorf("decode payload: %w", asynq.SkipRetry)
		return resultErr
	}
	if err := payload.validate(); err != nil {
		resultErr = fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		return resultErr
	}
	start, end, err := payload.period()
	if err != nil {
		resultErr = fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		return resultErr
	}
	if j.Payroll == nil {
		resultErr = errors.New("payroll batch: service not configured")
		return resultErr
	}

	logger := j.logger().With(slog.Int64("company_id", payload.CompanyID), slog.String("period_start", payload.PeriodStart))
	results, err := j.Payroll.ComputeBatch(ctx, shared.SystemTenant(payload.CompanyID), payroll.BatchRequest{
		EmployeeIDs: payload.EmployeeIDs,
		Period:      payroll.Period{Start: start, End: end},
		Mode:        payroll.Mode(payload.Mode),
		Hours:       payload.Hours,
	})
	if err != nil {
		resultErr = err
		if shared.KindOf(err) == shared.ErrValidation || shared.KindOf(err) == shared.ErrConfiguration {
			resultErr = fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		logger.Error("payroll batch", slog.Any("error", err))
		return resultErr
	}

	failed := 0
	for _, res := range results {
		if res.Error == "" {
			continue
		}
		failed++
		logger.Warn("payrun not computed", slog.Int64("employee_id", res.EmployeeID), slog.String("error", res.Error))
	}
	logger.Info("payroll batch computed", slog.Int("employees", len(results)), slog.Int("failed", failed))
	return nil
}

func (j *PayrollBatchJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskPayrollBatch))
	}
	return slog.Default().With(slog.String("job", TaskPayrollBatch))
}

func (j *PayrollBatchJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
