package shared

import (
	"errors"
	"fmt"
)

// Error kinds shared by the core. Package errors wrap exactly one kind so callers
// classify failures with errors.Is without knowing the concrete sentinel.
var (
	// ErrValidation marks malformed input rejected before any write.
	ErrValidation = errors.New("validation error")
	// ErrInvariant marks a violated accounting or payroll invariant.
	ErrInvariant = errors.New("invariant violation")
	// ErrConflict marks a uniqueness conflict such as an idempotency replay.
	ErrConflict = errors.New("conflict")
	// ErrConfiguration marks missing or broken tenant configuration.
	ErrConfiguration = errors.New("configuration error")
	// ErrApprovalGate marks a mutation refused by the approval state.
	ErrApprovalGate = errors.New("approval gate")
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrForbidden marks a caller whose role lacks the permission.
	ErrForbidden = errors.New("forbidden")
)

type kindError struct {
	kind error
	msg  string
}

func (e *kindError) Error() string { return e.msg }

func (e *kindError) Unwrap() error { return e.kind }

// NewKind builds a sentinel error of the given kind.
func NewKind(kind error, msg string) error {
	return &kindError{kind: kind, msg: msg}
}

// Validationf returns a formatted ErrValidation.
func Validationf(format string, args ...any) error {
	return &kindError{kind: ErrValidation, msg: fmt.Sprintf(format, args...)}
}

// Invariantf returns a formatted ErrInvariant.
func Invariantf(format string, args ...any) error {
	return &kindError{kind: ErrInvariant, msg: fmt.Sprintf(format, args...)}
}

// Configurationf returns a formatted ErrConfiguration.
func Configurationf(format string, args ...any) error {
	return &kindError{kind: ErrConfiguration, msg: fmt.Sprintf(format, args...)}
}

// KindOf reports the taxonomy kind of err, or nil for infrastructure errors.
func KindOf(err error) error {
	for _, kind := range []error{ErrValidation, ErrInvariant, ErrConflict, ErrConfiguration, ErrApprovalGate, ErrNotFound, ErrForbidden} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}
