package posting

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/swissbooks/internal/accounting/ledger"
	"github.com/odyssey-erp/swissbooks/internal/shared"
)

// Domain event types raised by the surrounding modules.
const (
	EventInvoicePaid          = "invoice.paid"
	EventSessionInvoiced      = "session.invoiced"
	EventAppointmentCompleted = "appointment.completed"
	EventPayrunApproved       = "payrun.approved"
	EventPayrunPaid           = "payrun.paid"
	// EventPayrunCanceled carries no amounts. It only reverses the posting
	// named by its "supersedes" field, so no rules exist for it.
	EventPayrunCanceled = "payrun.canceled"
)

// eventFields whitelists the numeric payload fields formulas may reference.
var eventFields = map[string][]string{
	EventInvoicePaid:          {"amount", "vat_rate", "amount_net", "vat_amount"},
	EventSessionInvoiced:      {"amount", "vat_rate", "hours", "rate"},
	EventAppointmentCompleted: {"amount", "vat_rate"},
	EventPayrunApproved: {
		"gross", "net", "employer_cost", "benefits", "thirteenth_amount",
		"avs_employee", "avs_employer", "ac_employee", "ac_employer",
		"laa_employee", "laa_employer", "laac_employee", "laac_employer",
		"ijm_employee", "ijm_employer",
		"lpp_employee", "lpp_employer", "employee_social", "employer_social",
	},
	EventPayrunPaid: {"net"},
}

// AllowedFields returns the whitelist for an event type.
func AllowedFields(eventType string) ([]string, bool) {
	fields, ok := eventFields[eventType]
	return fields, ok
}

// EventTypes lists the known event types.
func EventTypes() []string {
	out := make([]string, 0, len(eventFields))
	for k := range eventFields {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Event is a domain event to be turned into ledger lines.
type Event struct {
	EventType   string          `json:"event_type"`
	SourceType  string          `json:"source_type"`
	SourceID    string          `json:"source_id"`
	Description string          `json:"description,omitempty"`
	OccurredOn  time.Time       `json:"occurred_on"`
	Payload     json.RawMessage `json:"payload"`
}

// NumericPayload extracts the whitelisted numeric fields of the payload.
// Numbers may be JSON numbers or decimal strings.
func NumericPayload(eventType string, payload json.RawMessage) (map[string]decimal.Decimal, error) {
	allowed, ok := AllowedFields(eventType)
	if !ok {
		return nil, shared.Configurationf("posting: unknown event type %q", eventType)
	}
	raw := map[string]any{}
	if len(payload) > 0 {
		dec := json.NewDecoder(bytes.NewReader(payload))
		dec.UseNumber()
		if err := dec.Decode(&raw); err != nil {
			return nil, shared.Validationf("posting: payload: %v", err)
		}
	}
	out := make(map[string]decimal.Decimal, len(allowed))
	for _, field := range allowed {
		v, present := raw[field]
		if !present || v == nil {
			continue
		}
		var text string
		switch x := v.(type) {
		case json.Number:
			text = x.String()
		case string:
			text = x
		default:
			return nil, shared.Validationf("posting: payload field %s is not numeric", field)
		}
		d, err := decimal.NewFromString(text)
		if err != nil {
			return nil, shared.Validationf("posting: payload field %s: %v", field, err)
		}
		out[field] = d
	}
	return out, nil
}

// payloadDate reads an optional "date" field, falling back to fallback.
func payloadDate(payload json.RawMessage, fallback time.Time) time.Time {
	var probe struct {
		Date string `json:"date"`
	}
	if err := json.Unmarshal(payload, &probe); err == nil && probe.Date != "" {
		if d, err := time.Parse("2006-01-02", probe.Date); err == nil {
			return d
		}
	}
	return fallback
}

// IdempotencyKey is the ledger key for the event's posting. Producers give
// each event kind of a business object its own source type, so the key is
// unique per posting.
func (ev Event) IdempotencyKey() string {
	return ev.SourceType + ":" + ev.SourceID
}

// EntryInput builds the auto-generated ledger entry for resolved lines.
func (ev Event) EntryInput(lines []ledger.LineInput) ledger.CreateEntryInput {
	occurred := ev.OccurredOn
	if occurred.IsZero() {
		occurred = time.Now()
	}
	return ledger.CreateEntryInput{
		EntryDate:      payloadDate(ev.Payload, occurred),
		Description:    describe(ev),
		SourceType:     ev.SourceType,
		SourceID:       ev.SourceID,
		IdempotencyKey: ev.IdempotencyKey(),
		AutoGenerated:  true,
		Lines:          lines,
	}
}

// Supersedes returns the idempotency key of the posting this event replaces.
func Supersedes(payload json.RawMessage) string {
	var probe struct {
		Supersedes string `json:"supersedes"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return ""
	}
	return probe.Supersedes
}

func describe(ev Event) string {
	if ev.Description != "" {
		return ev.Description
	}
	return fmt.Sprintf("%s %s", ev.EventType, ev.SourceID)
}
