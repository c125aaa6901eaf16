package payroll

import (
	"fmt"

	"github.com/odyssey-erp/swissbooks/internal/shared"
)

var transitions = map[Status][]Status{
	StatusDraft:     {StatusSubmitted, StatusCanceled},
	StatusSubmitted: {StatusApproved, StatusDraft, StatusCanceled},
	StatusApproved:  {StatusPaid, StatusSubmitted},
}

// CanTransition reports whether the lifecycle allows from -> to.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func transition(p *Payrun, to Status) error {
	if !CanTransition(p.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.Status, to)
	}
	p.Status = to
	return nil
}

// CanModify reports whether role may edit a payrun in status. Drafts and
// submitted payruns are editable by anyone with edit rights; approved ones
// need approval rights; paid payruns only by the owner.
func CanModify(role shared.Role, status Status) bool {
	switch status {
	case StatusDraft, StatusSubmitted:
		return role.Can(shared.PermPayrollEdit)
	case StatusApproved:
		return role.Can(shared.PermPayrollEdit) && role.Can(shared.PermPayrollApprove)
	case StatusPaid:
		return role == shared.RoleOwner
	}
	return false
}

// locked reports whether edits in status need a separate approval.
func locked(status Status) bool {
	return status == StatusApproved || status == StatusPaid
}
