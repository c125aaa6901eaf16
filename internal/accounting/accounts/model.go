package accounts

import (
	"strings"
	"time"

	"github.com/odyssey-erp/swissbooks/internal/shared"
)

// Nature classifies an account for reporting and sign conventions.
type Nature string

const (
	NatureAsset     Nature = "ASSET"
	NatureLiability Nature = "LIABILITY"
	NatureExpense   Nature = "EXPENSE"
	NatureRevenue   Nature = "REVENUE"
	NatureMemo      Nature = "MEMO"
)

// Valid reports whether the nature is known.
func (n Nature) Valid() bool {
	switch n {
	case NatureAsset, NatureLiability, NatureExpense, NatureRevenue, NatureMemo:
		return true
	}
	return false
}

// Account models a chart of accounts node. Identity is (CompanyID, Code).
type Account struct {
	ID         int64     `json:"id"`
	CompanyID  int64     `json:"company_id"`
	Code       string    `json:"code"`
	Name       string    `json:"name"`
	Nature     Nature    `json:"nature"`
	ParentCode *string   `json:"parent_code,omitempty"`
	Level      int       `json:"level"`
	IsActive   bool      `json:"is_active"`
	IsSystem   bool      `json:"is_system"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// CreateInput describes a new account.
type CreateInput struct {
	Code       string
	Name       string
	Nature     Nature
	ParentCode string
	IsSystem   bool
}

// Validate checks the input shape.
func (in CreateInput) Validate() error {
	if strings.TrimSpace(in.Code) == "" {
		return shared.Validationf("accounts: code required")
	}
	if strings.TrimSpace(in.Name) == "" {
		return shared.Validationf("accounts: name required for %s", in.Code)
	}
	if !in.Nature.Valid() {
		return shared.Validationf("accounts: unknown nature %q", in.Nature)
	}
	if in.ParentCode == in.Code {
		return ErrCycle
	}
	return nil
}

// UpdateInput changes mutable attributes. Nil fields are left untouched.
type UpdateInput struct {
	Code       string
	Name       *string
	Nature     *Nature
	ParentCode *string
}

var (
	// ErrAccountNotFound indicates the code is unknown for the tenant.
	ErrAccountNotFound = shared.NewKind(shared.ErrNotFound, "accounts: account not found")
	// ErrDuplicateCode indicates the code already exists for the tenant.
	ErrDuplicateCode = shared.NewKind(shared.ErrConflict, "accounts: code already exists")
	// ErrParentNotFound indicates the parent code is unknown.
	ErrParentNotFound = shared.NewKind(shared.ErrValidation, "accounts: parent account not found")
	// ErrCycle indicates the hierarchy would contain a cycle.
	ErrCycle = shared.NewKind(shared.ErrInvariant, "accounts: hierarchy cycle")
	// ErrNatureLocked indicates the nature cannot change once entries exist.
	ErrNatureLocked = shared.NewKind(shared.ErrInvariant, "accounts: nature is immutable once entries reference the account")
	// ErrAccountInUse indicates the account has entries or children and cannot be removed.
	ErrAccountInUse = shared.NewKind(shared.ErrInvariant, "accounts: account in use")
	// ErrSystemAccount indicates system accounts cannot be removed.
	ErrSystemAccount = shared.NewKind(shared.ErrValidation, "accounts: system account")
)
