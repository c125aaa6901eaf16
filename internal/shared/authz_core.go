package shared

// Permissions checked by the core services.
const (
	PermLedgerPost     = "ledger.post"
	PermLedgerReverse  = "ledger.reverse"
	PermPayrollEdit    = "payroll.edit"
	PermPayrollApprove = "payroll.approve"
	PermPayrollPay     = "payroll.pay"
	PermOutboxManage   = "outbox.manage"
)

var rolePermissions = map[Role][]string{
	RoleOwner:          {PermLedgerPost, PermLedgerReverse, PermPayrollEdit, PermPayrollApprove, PermPayrollPay, PermOutboxManage},
	RolePayrollManager: {PermPayrollEdit, PermPayrollApprove, PermPayrollPay},
	RoleAccountant:     {PermLedgerPost, PermLedgerReverse, PermPayrollEdit, PermOutboxManage},
	RoleSystem:         {PermLedgerPost, PermLedgerReverse, PermPayrollEdit},
}

// Can reports whether the role grants the permission.
func (r Role) Can(perm string) bool {
	for _, p := range rolePermissions[r] {
		if p == perm {
			return true
		}
	}
	return false
}
