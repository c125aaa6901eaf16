package outbox

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/swissbooks/internal/shared"
)

// Status tracks an event through dispatch.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusDone       Status = "done"
	// StatusFailed means retries are exhausted and an operator must requeue.
	StatusFailed Status = "failed"
)

// eventNamespace seeds deterministic event IDs so re-enqueueing the same
// business fact is a no-op.
var eventNamespace = uuid.MustParse("6f1f3c1e-8a4b-5d2e-9c7a-3b0e2f4d6a81")

// Event is a durable domain event awaiting posting. Events are never deleted.
type Event struct {
	ID           uuid.UUID       `json:"id"`
	CompanyID    int64           `json:"company_id"`
	EventType    string          `json:"event_type"`
	SourceType   string          `json:"source_type"`
	SourceID     string          `json:"source_id"`
	Payload      json.RawMessage `json:"payload"`
	Status       Status          `json:"status"`
	RetryCount   int             `json:"retry_count"`
	NextRunAt    time.Time       `json:"next_run_at"`
	ClaimedUntil *time.Time      `json:"claimed_until,omitempty"`
	ClaimID      *uuid.UUID      `json:"claim_id,omitempty"`
	ProcessedAt  *time.Time      `json:"processed_at,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// NewEvent describes an event raised by a business write.
type NewEvent struct {
	EventType  string
	SourceType string
	SourceID   string
	Payload    any
}

// Build validates input and prepares a pending event for tenant.
func Build(tenant shared.Tenant, in NewEvent, now time.Time) (Event, error) {
	if err := tenant.Validate(); err != nil {
		return Event{}, err
	}
	if strings.TrimSpace(in.EventType) == "" || strings.TrimSpace(in.SourceType) == "" || strings.TrimSpace(in.SourceID) == "" {
		return Event{}, shared.Validationf("outbox: event type, source type and source id required")
	}
	payload, err := json.Marshal(in.Payload)
	if err != nil {
		return Event{}, shared.Validationf("outbox: payload: %v", err)
	}
	if string(payload) == "null" {
		payload = json.RawMessage(`{}`)
	}
	return Event{
		ID:         EventID(tenant.CompanyID, in.EventType, in.SourceType, in.SourceID),
		CompanyID:  tenant.CompanyID,
		EventType:  in.EventType,
		SourceType: in.SourceType,
		SourceID:   in.SourceID,
		Payload:    payload,
		Status:     StatusPending,
		NextRunAt:  now,
		CreatedAt:  now,
	}, nil
}

// EventID derives the deterministic identifier of an event.
func EventID(companyID int64, eventType, sourceType, sourceID string) uuid.UUID {
	name := strings.Join([]string{strconv.FormatInt(companyID, 10), eventType, sourceType, sourceID}, "|")
	return uuid.NewSHA1(eventNamespace, []byte(name))
}

// Policy governs claiming and retry behaviour.
type Policy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxRetries  int
	Lease       time.Duration
	BatchSize   int
	Concurrency int
}

// DefaultPolicy returns production defaults.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:   30 * time.Second,
		MaxDelay:    6 * time.Hour,
		MaxRetries:  10,
		Lease:       2 * time.Minute,
		BatchSize:   50,
		Concurrency: 4,
	}
}

func (p Policy) normalized() Policy {
	def := DefaultPolicy()
	if p.BaseDelay <= 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.MaxRetries <= 0 {
		p.MaxRetries = def.MaxRetries
	}
	if p.Lease <= 0 {
		p.Lease = def.Lease
	}
	if p.BatchSize <= 0 {
		p.BatchSize = def.BatchSize
	}
	if p.Concurrency <= 0 {
		p.Concurrency = 1
	}
	return p
}

// Backoff returns min(base * 2^retry, max).
func (p Policy) Backoff(retry int) time.Duration {
	p = p.normalized()
	if retry < 0 {
		retry = 0
	}
	factor := math.Pow(2, float64(retry))
	delay := float64(p.BaseDelay) * factor
	if delay > float64(p.MaxDelay) || math.IsInf(delay, 0) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// MarkFailed records a failed attempt: the retry count grows, the event is
// rescheduled after backoff, or marked failed once retries are exhausted.
func (e *Event) MarkFailed(now time.Time, cause error, p Policy) {
	p = p.normalized()
	e.RetryCount++
	e.ClaimedUntil = nil
	e.ErrorMessage = truncate(cause.Error(), 2000)
	if e.RetryCount >= p.MaxRetries {
		e.Status = StatusFailed
		return
	}
	e.Status = StatusPending
	e.NextRunAt = now.Add(p.Backoff(e.RetryCount - 1))
}

// MarkDone records a successful dispatch.
func (e *Event) MarkDone(now time.Time) {
	e.Status = StatusDone
	e.ProcessedAt = &now
	e.ClaimedUntil = nil
	e.ErrorMessage = ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Lag summarizes the backlog of a tenant. Reporting consumers use it to show
// that ledger figures may trail business activity.
type Lag struct {
	Pending          int           `json:"pending"`
	Processing       int           `json:"processing"`
	Failed           int           `json:"failed"`
	OldestPendingAge time.Duration `json:"oldest_pending_age"`
}

// Result summarizes one dispatch pass.
type Result struct {
	Claimed int
	Done    int
	Retried int
	Failed  int
}
