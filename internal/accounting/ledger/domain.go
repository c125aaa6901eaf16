package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/swissbooks/internal/shared"
)

// Entry is a balanced accounting event owning its lines.
type Entry struct {
	ID             int64      `json:"id"`
	CompanyID      int64      `json:"company_id"`
	EntryDate      time.Time  `json:"entry_date"`
	Description    string     `json:"description"`
	SourceType     string     `json:"source_type"`
	SourceID       string     `json:"source_id"`
	IdempotencyKey *string    `json:"idempotency_key,omitempty"`
	PostedAt       *time.Time `json:"posted_at,omitempty"`
	ReversedOf     *int64     `json:"reversed_of,omitempty"`
	AutoGenerated  bool       `json:"auto_generated"`
	CreatedBy      int64      `json:"created_by"`
	Lines          []Line     `json:"lines"`
}

// Line is a single debit or credit. Lines are never mutated after posting.
type Line struct {
	ID      int64 `json:"id"`
	EntryID int64 `json:"entry_id"`
	LineInput
}

// LineInput describes a line to be posted.
type LineInput struct {
	AccountCode string           `json:"account_code"`
	Debit       decimal.Decimal  `json:"debit"`
	Credit      decimal.Decimal  `json:"credit"`
	VATCode     *string          `json:"vat_code,omitempty"`
	VATRate     *decimal.Decimal `json:"vat_rate,omitempty"`
	VATAmount   *decimal.Decimal `json:"vat_amount,omitempty"`
	AmountNet   *decimal.Decimal `json:"amount_net,omitempty"`
}

// Amount returns the non-zero side of the line.
func (l LineInput) Amount() decimal.Decimal {
	if l.Debit.IsPositive() {
		return l.Debit
	}
	return l.Credit
}

// Swap mirrors the line for a reversal.
func (l LineInput) Swap() LineInput {
	out := l
	out.Debit, out.Credit = l.Credit, l.Debit
	if l.VATAmount != nil {
		neg := l.VATAmount.Neg()
		out.VATAmount = &neg
	}
	if l.AmountNet != nil {
		neg := l.AmountNet.Neg()
		out.AmountNet = &neg
	}
	return out
}

// CreateEntryInput is the payload for CreateEntry.
type CreateEntryInput struct {
	EntryDate      time.Time
	Description    string
	SourceType     string
	SourceID       string
	IdempotencyKey string
	AutoGenerated  bool
	Lines          []LineInput
}

// Validate enforces line shape and the double-entry invariant in integer cents.
func (in CreateEntryInput) Validate() error {
	if in.EntryDate.IsZero() {
		return shared.Validationf("ledger: entry date required")
	}
	if len(in.Lines) < 2 {
		return shared.Validationf("ledger: at least two lines required, got %d", len(in.Lines))
	}
	var debit, credit int64
	for i, line := range in.Lines {
		if strings.TrimSpace(line.AccountCode) == "" {
			return shared.Validationf("ledger: line %d: account code required", i)
		}
		if line.Debit.IsNegative() || line.Credit.IsNegative() {
			return shared.Invariantf("ledger: line %d: negative amount", i)
		}
		hasDebit, hasCredit := line.Debit.IsPositive(), line.Credit.IsPositive()
		if hasDebit == hasCredit {
			return shared.Invariantf("ledger: line %d: exactly one of debit or credit must be positive", i)
		}
		if !line.Debit.Equal(shared.Round2(line.Debit)) || !line.Credit.Equal(shared.Round2(line.Credit)) {
			return shared.Validationf("ledger: line %d: amounts must be whole cents", i)
		}
		debit += shared.Cents(line.Debit)
		credit += shared.Cents(line.Credit)
	}
	if debit != credit {
		return fmt.Errorf("%w: debit %s, credit %s", ErrUnbalanced,
			shared.FormatCHF(shared.FromCents(debit)), shared.FormatCHF(shared.FromCents(credit)))
	}
	return nil
}

func (in CreateEntryInput) accountCodes() []string {
	seen := make(map[string]struct{}, len(in.Lines))
	codes := make([]string, 0, len(in.Lines))
	for _, l := range in.Lines {
		if _, ok := seen[l.AccountCode]; ok {
			continue
		}
		seen[l.AccountCode] = struct{}{}
		codes = append(codes, l.AccountCode)
	}
	return codes
}

// ListFilter narrows ListEntries.
type ListFilter struct {
	From        *time.Time
	To          *time.Time
	SourceType  string
	AccountCode string
	Limit       int
}

// BalanceRow is one account of a trial balance.
type BalanceRow struct {
	AccountCode string          `json:"account_code"`
	Debit       decimal.Decimal `json:"debit"`
	Credit      decimal.Decimal `json:"credit"`
	Balance     decimal.Decimal `json:"balance"`
}

var (
	// ErrUnbalanced marks an entry whose debits and credits differ.
	ErrUnbalanced = shared.NewKind(shared.ErrInvariant, "ledger: unbalanced entry")
	// ErrAlreadyReversed is returned when a reversal already exists for the entry.
	ErrAlreadyReversed = shared.NewKind(shared.ErrInvariant, "ledger: entry already reversed")
	// ErrEntryNotFound is returned for unknown entries.
	ErrEntryNotFound = shared.NewKind(shared.ErrNotFound, "ledger: entry not found")
	// ErrUnknownAccount is returned when a line references a missing or inactive account.
	ErrUnknownAccount = shared.NewKind(shared.ErrValidation, "ledger: unknown or inactive account")
	// ErrIdempotencyConflict signals the database rejected a duplicate key; the
	// service resolves it as a replay.
	ErrIdempotencyConflict = shared.NewKind(shared.ErrConflict, "ledger: idempotency key already used")
)
