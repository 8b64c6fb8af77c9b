// Package auth establishes the request principal: bearer-token claims or the
// mTLS peer identity, injected into the request context for the RBAC layer.
package auth

// Role names carried in token claims and client certificates. SuperAdmin,
// DivisionLead, Operator and Auditor form a strict lattice (each includes
// the ones below); Submitter sits outside it and only opens the package
// intake routes.
const (
	RoleSuperAdmin   = "superadmin"
	RoleDivisionLead = "division_lead"
	RoleOperator     = "operator"
	RoleAuditor      = "auditor"
	RoleSubmitter    = "submitter"
)

// How a principal was established.
const (
	MethodJWT       = "jwt"
	MethodMTLS      = "mtls"
	MethodAnonymous = "anonymous"
)

// Principal is the authenticated caller of a request.
type Principal interface {
	GetID() string
	GetRoles() []string
	// Verified reports whether real credentials backed this principal. The
	// non-production open mode yields unverified principals, which the
	// production write gate refuses.
	Verified() bool
}

// BasePrincipal is the standard Principal implementation.
type BasePrincipal struct {
	ID     string
	Roles  []string
	Method string
}

func (b *BasePrincipal) GetID() string      { return b.ID }
func (b *BasePrincipal) GetRoles() []string { return b.Roles }

func (b *BasePrincipal) Verified() bool {
	return b.Method == MethodJWT || b.Method == MethodMTLS
}
