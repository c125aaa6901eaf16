package httpx

import (
	"net/http"

	"github.com/odyssey-erp/swissbooks/internal/shared"
)

// RequireTenant returns the resolved tenant or writes 401 when the identity
// middleware did not run.
func RequireTenant(w http.ResponseWriter, r *http.Request) (shared.Tenant, bool) {
	tenant, ok := shared.TenantFromContext(r.Context())
	if !ok || tenant.CompanyID <= 0 {
		RespondError(w, ErrUnauthorized)
		return shared.Tenant{}, false
	}
	return tenant, true
}

// RequirePermission returns the tenant when its role grants perm, writing 403 otherwise.
func RequirePermission(w http.ResponseWriter, r *http.Request, perm string) (shared.Tenant, bool) {
	tenant, ok := RequireTenant(w, r)
	if !ok {
		return tenant, false
	}
	if !tenant.Role.Can(perm) {
		RespondError(w, ErrForbidden)
		return shared.Tenant{}, false
	}
	return tenant, true
}
