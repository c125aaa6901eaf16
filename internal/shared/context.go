package shared

import "context"

// Role is the caller role resolved by the identity collaborator.
type Role string

const (
	RoleOwner          Role = "owner"
	RolePayrollManager Role = "payroll_manager"
	RoleAccountant     Role = "accountant"
	RoleEmployee       Role = "employee"
	RoleSystem         Role = "system"
)

// Tenant carries the resolved company and caller for every core call.
type Tenant struct {
	CompanyID int64
	UserID    int64
	Role      Role
}

// Validate ensures the tenant was resolved.
func (t Tenant) Validate() error {
	if t.CompanyID <= 0 {
		return Validationf("tenant: company id required")
	}
	return nil
}

// SystemTenant returns the identity used by background workers for a company.
func SystemTenant(companyID int64) Tenant {
	return Tenant{CompanyID: companyID, Role: RoleSystem}
}

type tenantContextKey struct{}

// ContextWithTenant stores the tenant in context.
func ContextWithTenant(ctx context.Context, t Tenant) context.Context {
	return context.WithValue(ctx, tenantContextKey{}, t)
}

// TenantFromContext extracts the tenant from context.
func TenantFromContext(ctx context.Context) (Tenant, bool) {
	t, ok := ctx.Value(tenantContextKey{}).(Tenant)
	return t, ok
}
