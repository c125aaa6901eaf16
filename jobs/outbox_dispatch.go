package jobs

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/swissbooks/internal/jobs"
	"github.com/odyssey-erp/swissbooks/internal/outbox"
)

// OutboxRunner processes one batch of due events.
type OutboxRunner interface {
	RunOnce(ctx context.Context) (outbox.Result, error)
}

// OutboxDispatchJob drains the outbox from the scheduler. Each run keeps
// claiming while batches come back full, up to MaxBatches.
type OutboxDispatchJob struct {
	Runner     OutboxRunner
	BatchSize  int
	MaxBatches int
	Logger     *slog.Logger
	Metrics    *jobmetrics.Metrics
}

// NewOutboxDispatchJob constructs the dispatch job.
func NewOutboxDispatchJob(runner OutboxRunner, batchSize int, logger *slog.Logger, metrics *jobmetrics.Metrics) *OutboxDispatchJob {
	return &OutboxDispatchJob{Runner: runner, BatchSize: batchSize, MaxBatches: 20, Logger: logger, Metrics: metrics}
}

// Handle executes the dispatch loop.
func (j *OutboxDispatchJob) Handle(ctx context.Context, _ *asynq.Task) (resultErr error) {
	tracker := j.metrics().Track(TaskOutboxDispatch)
	defer func() {
		tracker.End(resultErr)
	}()
	if j.Runner == nil {
		resultErr = errors.New("outbox dispatch: runner not configured")
		return resultErr
	}

	var total outbox.Result
	for i := 0; i < j.maxBatches(); i++ {
		res, err := j.Runner.RunOnce(ctx)
		total.Claimed += res.Claimed
		total.Done += res.Done
		total.Retried += res.Retried
		total.Failed += res.Failed
		if err != nil {
			resultErr = err
			j.logger().Error("outbox dispatch", slog.Any("error", err))
			return resultErr
		}
		if j.BatchSize <= 0 || res.Claimed < j.BatchSize {
			break
		}
	}
	if total.Claimed > 0 {
		j.logger().Info("outbox dispatched",
			slog.Int("claimed", total.Claimed),
			slog.Int("done", total.Done),
			slog.Int("retried", total.Retried),
			slog.Int("failed", total.Failed))
	}
	return nil
}

func (j *OutboxDispatchJob) maxBatches() int {
	if j.MaxBatches <= 0 {
		return 1
	}
	return j.MaxBatches
}

func (j *OutboxDispatchJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskOutboxDispatch))
	}
	return slog.Default().With(slog.String("job", TaskOutboxDispatch))
}

func (j *OutboxDispatchJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
