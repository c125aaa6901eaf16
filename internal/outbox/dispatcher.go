package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	jobmetrics "github.com/odyssey-erp/swissbooks/internal/jobs"
)

// EventHandler performs the downstream effect of an event. It must be
// idempotent: a crash after the effect but before MarkDone replays the event.
type EventHandler interface {
	Handle(ctx context.Context, ev Event) error
}

// EventHandlerFunc adapts a function to EventHandler.
type EventHandlerFunc func(ctx context.Context, ev Event) error

// Handle calls f.
func (f EventHandlerFunc) Handle(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Dispatcher claims due events and hands them to the handler.
type Dispatcher struct {
	store   Store
	handler EventHandler
	policy  Policy
	metrics *jobmetrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewDispatcher constructs a dispatcher.
func NewDispatcher(store Store, handler EventHandler, policy Policy, metrics *jobmetrics.Metrics, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{store: store, handler: handler, policy: policy.normalized(), metrics: metrics, logger: logger, now: time.Now}
}

// WithNow overrides the clock.
func (d *Dispatcher) WithNow(now func() time.Time) {
	if now != nil {
		d.now = now
	}
}

// RunOnce claims one batch and processes it. Failures of individual events
// are recorded on the events; only store errors are returned.
func (d *Dispatcher) RunOnce(ctx context.Context) (Result, error) {
	claimed, err := d.store.Claim(ctx, d.now(), d.policy.Lease, d.policy.BatchSize)
	if err != nil {
		return Result{}, fmt.Errorf("outbox: claim: %w", err)
	}
	results := make([]Status, len(claimed))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.policy.Concurrency)
	for i := range claimed {
		i := i
		g.Go(func() error {
			status, err := d.process(gctx, claimed[i])
			results[i] = status
			return err
		})
	}
	err = g.Wait()
	res := Result{Claimed: len(claimed)}
	for _, st := range results {
		switch st {
		case StatusDone:
			res.Done++
		case StatusPending:
			res.Retried++
		case StatusFailed:
			res.Failed++
		}
	}
	return res, err
}

func (d *Dispatcher) process(ctx context.Context, ev Event) (Status, error) {
	handleErr := d.handler.Handle(ctx, ev)
	now := d.now()
	if handleErr == nil {
		ev.MarkDone(now)
		if err := d.store.MarkDone(ctx, ev); err != nil {
			if errors.Is(err, ErrLeaseLost) {
				d.leaseLost(ev)
				return StatusProcessing, nil
			}
			return StatusProcessing, fmt.Errorf("outbox: mark done %s: %w", ev.ID, err)
		}
		d.metrics.OutboxResult(ev.EventType, "done")
		return StatusDone, nil
	}
	ev.MarkFailed(now, handleErr, d.policy)
	if err := d.store.MarkFailed(ctx, ev); err != nil {
		if errors.Is(err, ErrLeaseLost) {
			d.leaseLost(ev)
			return StatusProcessing, nil
		}
		return StatusProcessing, fmt.Errorf("outbox: mark failed %s: %w", ev.ID, err)
	}
	attrs := []any{
		slog.String("event_id", ev.ID.String()),
		slog.Int64("company_id", ev.CompanyID),
		slog.String("event_type", ev.EventType),
		slog.String("source_id", ev.SourceID),
		slog.Int("retry_count", ev.RetryCount),
		slog.Any("error", handleErr),
	}
	if ev.Status == StatusFailed {
		d.metrics.OutboxResult(ev.EventType, "failed")
		d.logger.Error("outbox event needs attention", attrs...)
		return StatusFailed, nil
	}
	d.metrics.OutboxResult(ev.EventType, "retry")
	d.metrics.OutboxRetryDelay(ev.NextRunAt.Sub(now))
	d.logger.Warn("outbox event rescheduled", append(attrs, slog.Time("next_run_at", ev.NextRunAt))...)
	return StatusPending, nil
}

// leaseLost drops the outcome of an attempt whose claim was taken over by
// another worker after the lease expired.
func (d *Dispatcher) leaseLost(ev Event) {
	d.logger.Warn("outbox lease lost, outcome discarded",
		slog.String("event_id", ev.ID.String()),
		slog.Int64("company_id", ev.CompanyID),
		slog.String("event_type", ev.EventType))
}
